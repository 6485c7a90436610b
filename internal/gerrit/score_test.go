package gerrit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func t0(min int) time.Time {
	return time.Date(2026, 1, 1, 0, min, 0, 0, time.UTC)
}

func TestResolveMergeQueueScoreFirstPlusOneWinsQueueTime(t *testing.T) {
	events := []LabelEvent{
		{When: t0(1), Value: 1},
		{When: t0(2), Value: 1}, // re-vote should not bump queue_time
	}
	when, score := ResolveMergeQueueScore(events)
	require.Equal(t, 1, score)
	require.True(t, when.Equal(t0(1)))
}

func TestResolveMergeQueueScoreVetoAlwaysWins(t *testing.T) {
	events := []LabelEvent{
		{When: t0(1), Value: 1},
		{When: t0(2), Value: -1},
	}
	_, score := ResolveMergeQueueScore(events)
	require.Equal(t, -1, score)
}

func TestResolveMergeQueueScoreVetoThenRequeue(t *testing.T) {
	events := []LabelEvent{
		{When: t0(1), Value: 1},
		{When: t0(2), Value: -1},
		{When: t0(3), Value: 1},
	}
	when, score := ResolveMergeQueueScore(events)
	require.Equal(t, 1, score)
	require.True(t, when.Equal(t0(3)))
}

func TestResolveMergeQueueScoreNoVotesDefaultsToVeto(t *testing.T) {
	_, score := ResolveMergeQueueScore(nil)
	require.Equal(t, -1, score)
}

func TestParseCommitMessageMetaAccumulatesClosesAndResolves(t *testing.T) {
	body := "Fix the thing\n\nCloses: #1\nCloses: #2\nResolves: PROJ-9\nPriority: 10\nOther: value\n"
	meta := ParseCommitMessageMeta(body)
	require.Equal(t, []string{"#1", "#2"}, meta["closes"])
	require.Equal(t, []string{"PROJ-9"}, meta["resolves"])
	require.Equal(t, 10, meta["priority"])
	require.Equal(t, "value", meta["Other"])
}

func TestParseCommitMessageMetaSplitsCommaSeparatedClosesWithinOneLine(t *testing.T) {
	body := "Fix the thing\n\nCloses: a, b\nResolves: PROJ-1,PROJ-2\n"
	meta := ParseCommitMessageMeta(body)
	require.Equal(t, []string{"a", "b"}, meta["closes"])
	require.Equal(t, []string{"PROJ-1", "PROJ-2"}, meta["resolves"])
}

func TestParseCommitMessageMetaIgnoresMalformedPriority(t *testing.T) {
	meta := ParseCommitMessageMeta("Subject\n\nPriority: not-a-number\n")
	_, ok := meta["priority"]
	require.False(t, ok)
}

func TestPriorityDefaultsTo100(t *testing.T) {
	require.Equal(t, 100, Priority(map[string]interface{}{}))
	require.Equal(t, 5, Priority(map[string]interface{}{"priority": 5}))
}
