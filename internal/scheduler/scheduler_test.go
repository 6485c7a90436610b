package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/clarketm/mergequeue/internal/config"
	"github.com/clarketm/mergequeue/internal/gerrit"
	"github.com/clarketm/mergequeue/internal/store"
)

type fakeReview struct {
	submitted []string
	reviews   []gerrit.ReviewInput
}

func (f *fakeReview) SetReview(ctx context.Context, changeID, revision string, review gerrit.ReviewInput) error {
	f.reviews = append(f.reviews, review)
	return nil
}

func (f *fakeReview) Submit(ctx context.Context, changeID string) (string, error) {
	f.submitted = append(f.submitted, changeID)
	return "MERGED", nil
}

type fakeStore struct {
	queue      []store.ChangeInfo
	inProgress int
	completed  []store.Status
}

func (f *fakeStore) GetQueue(ctx context.Context, project, branch string, offset, limit int) (int, []store.ChangeInfo, error) {
	return len(f.queue), f.queue, nil
}
func (f *fakeStore) InProgressCount(ctx context.Context) (int, error) { return f.inProgress, nil }
func (f *fakeStore) CreateMerge(ctx context.Context, m store.MergeStatus) (int64, error) {
	return 1, nil
}
func (f *fakeStore) AppendMergeChange(ctx context.Context, mergeRID int64, c store.MergeChange) error {
	return nil
}
func (f *fakeStore) CompleteMerge(ctx context.Context, mergeRID int64, status store.Status, end time.Time) error {
	f.completed = append(f.completed, status)
	return nil
}
func (f *fakeStore) IsCanceled(ctx context.Context, rid int64) (bool, error) { return false, nil }

func TestTickSkipsWhenAlreadyInProgress(t *testing.T) {
	cfg := &config.Config{}
	st := &fakeStore{inProgress: 1}
	rc := &fakeReview{}
	s := New(cfg, rc, st, nil, nil, logrus.NewEntry(logrus.New()))
	require.NoError(t, s.Tick(context.Background()))
	require.Empty(t, rc.submitted)
}

func TestPruneDirtyDropsAbsentChanges(t *testing.T) {
	q := &config.QueueSpec{Project: "p", Name: "n"}
	s := New(&config.Config{}, &fakeReview{}, &fakeStore{}, nil, nil, logrus.NewEntry(logrus.New()))
	s.markDirty(q, []store.ChangeInfo{{ChangeID: "a"}, {ChangeID: "b"}})
	require.Len(t, s.dirty[queueKey(q)], 2)

	s.pruneDirty(q, []store.ChangeInfo{{ChangeID: "a"}})
	require.Len(t, s.dirty[queueKey(q)], 1)
	require.True(t, s.dirty[queueKey(q)]["a"])
}

func TestRefForChangePadsShortChangeIDs(t *testing.T) {
	require.Equal(t, "refs/changes/00/1", refForChange(store.ChangeInfo{ChangeID: "1", CurrentRevision: "1"}))
	require.Equal(t, "refs/changes/34/1234", refForChange(store.ChangeInfo{ChangeID: "1234", CurrentRevision: "1234"}))
}

// A coalesce attempt over >1 ready changes that can't even start (here,
// a missing Feature-Branch trailer) must still fall through to step 4:
// a serial verification of the first ready change alone, in the same
// tick (SPEC_FULL §4.6 steps 1-4).
func TestTickQueueFallsThroughToSerialVerificationAfterCoalesceFailure(t *testing.T) {
	q := &config.QueueSpec{Project: "p", Name: "n", BranchString: "master", CoalesceCount: 2}
	cfg := &config.Config{Queues: []config.QueueSpec{*q}}
	st := &fakeStore{queue: []store.ChangeInfo{
		{ChangeID: "a", Project: "p", Branch: "master", QueueTime: time.Now()},
		{ChangeID: "b", Project: "p", Branch: "master", QueueTime: time.Now()},
	}}
	s := New(cfg, &fakeReview{}, st, nil, nil, logrus.NewEntry(logrus.New()))

	acted, err := s.tickQueue(context.Background(), &cfg.Queues[0])
	require.True(t, acted)
	require.Error(t, err)

	// Both changes were marked dirty by the failed coalesce attempt...
	require.True(t, s.dirty[queueKey(q)]["a"])
	require.True(t, s.dirty[queueKey(q)]["b"])
	// ...and step 4 ran too: two verify attempts, two completed merges.
	require.Len(t, st.completed, 2)
}

func TestSplitCommand(t *testing.T) {
	require.Equal(t, []string{"make", "ci-build"}, splitCommand("make ci-build"))
	require.Equal(t, []string{"true"}, splitCommand("true"))
}
