package poller

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
	pages map[string][][]gerrit.Change
	calls map[string]int
}

func (f *fakeReview) ListReady(ctx context.Context, project string, offset, limit int) ([]gerrit.Change, error) {
	idx := f.calls[project]
	f.calls[project] = idx + 1
	pages := f.pages[project]
	if idx >= len(pages) {
		return nil, nil
	}
	return pages[idx], nil
}

type fakeStore struct {
	accounts []store.Account
	replaced []store.ChangeInfo
	pollID   int64
}

func (f *fakeStore) UpsertAccount(ctx context.Context, a store.Account) error {
	f.accounts = append(f.accounts, a)
	return nil
}

func (f *fakeStore) ReplaceQueue(ctx context.Context, pollID int64, changes []store.ChangeInfo) error {
	f.pollID = pollID
	f.replaced = changes
	return nil
}

func TestPollSkipsNonQueuedChanges(t *testing.T) {
	cfg := &config.Config{Queues: []config.QueueSpec{{Project: "p"}}}
	rc := &fakeReview{
		calls: map[string]int{},
		pages: map[string][][]gerrit.Change{
			"p": {
				{
					{ChangeID: "1", Project: "p", QueueScore: 1, QueueTime: time.Now()},
					{ChangeID: "2", Project: "p", QueueScore: -1, QueueTime: time.Now()},
				},
			},
		},
	}
	st := &fakeStore{}
	p := New(cfg, rc, st, logrus.NewEntry(logrus.New()))

	require.NoError(t, p.Poll(context.Background()))
	require.Len(t, st.replaced, 1)
	require.Equal(t, "1", st.replaced[0].ChangeID)
}

func TestPollDedupesProjectsAcrossQueues(t *testing.T) {
	cfg := &config.Config{Queues: []config.QueueSpec{{Project: "p", Name: "a"}, {Project: "p", Name: "b"}}}
	rc := &fakeReview{calls: map[string]int{}, pages: map[string][][]gerrit.Change{"p": {nil}}}
	st := &fakeStore{}
	p := New(cfg, rc, st, logrus.NewEntry(logrus.New()))

	require.NoError(t, p.Poll(context.Background()))
	require.Equal(t, 1, rc.calls["p"])
}
