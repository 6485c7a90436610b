package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mq.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReplaceQueueIsAtomicSnapshot(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceQueue(ctx, 1, []ChangeInfo{
		{ChangeID: "a", Project: "p", Branch: "master", QueueTime: time.Now()},
		{ChangeID: "b", Project: "p", Branch: "master", QueueTime: time.Now()},
	}))
	count, got, err := s.GetQueue(ctx, "", "", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.Len(t, got, 2)

	require.NoError(t, s.ReplaceQueue(ctx, 2, []ChangeInfo{
		{ChangeID: "c", Project: "p", Branch: "master", QueueTime: time.Now()},
	}))
	count, got, err = s.GetQueue(ctx, "", "", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Len(t, got, 1)
	require.Equal(t, "c", got[0].ChangeID)
}

func TestAtMostOneInProgress(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	n, err := s.InProgressCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	rid, err := s.CreateMerge(ctx, MergeStatus{Project: "p", Branch: "master", StartTime: time.Now()})
	require.NoError(t, err)

	n, err = s.InProgressCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.CompleteMerge(ctx, rid, StatusSuccess, time.Now()))
	n, err = s.InProgressCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMarkStaleInProgressRecoversCrashedMerge(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, err := s.CreateMerge(ctx, MergeStatus{Project: "p", Branch: "master", StartTime: time.Now()})
	require.NoError(t, err)

	affected, err := s.MarkStaleInProgress(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), affected)

	n, err := s.InProgressCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGetMergeStatusEmbedsChangesOrderedByRequestTime(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	rid, err := s.CreateMerge(ctx, MergeStatus{Project: "p", Branch: "master", StartTime: time.Now()})
	require.NoError(t, err)

	later := time.Now()
	earlier := later.Add(-time.Hour)
	require.NoError(t, s.AppendMergeChange(ctx, rid, MergeChange{ChangeID: "b", Project: "p", FeatureBranch: "feat/b", RequestTime: later}))
	require.NoError(t, s.AppendMergeChange(ctx, rid, MergeChange{ChangeID: "a", Project: "p", FeatureBranch: "feat/a", RequestTime: earlier}))

	got, err := s.GetMergeStatus(ctx, rid)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Changes, 2)
	require.Equal(t, "a", got.Changes[0].ChangeID)
	require.Equal(t, "b", got.Changes[1].ChangeID)

	mostRecent, err := s.GetMergeStatus(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, rid, mostRecent.RID)
}

func TestCancelIsIdempotent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	already, err := s.Cancel(ctx, 1, "alice", time.Now())
	require.NoError(t, err)
	require.False(t, already)

	already, err = s.Cancel(ctx, 1, "bob", time.Now())
	require.NoError(t, err)
	require.True(t, already)

	canceled, err := s.IsCanceled(ctx, 1)
	require.NoError(t, err)
	require.True(t, canceled)
}
