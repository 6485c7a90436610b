package steprunner

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/clarketm/mergequeue/internal/store"
)

func newRunner(t *testing.T) *Runner {
	t.Helper()
	logger := logrus.NewEntry(logrus.New())
	return NewRunner(logger, nil, nil, 0)
}

func TestRunSucceedsThroughAllSteps(t *testing.T) {
	r := newRunner(t)
	var stdout, stderr bytes.Buffer
	status, err := r.Run(context.Background(), []Step{
		{Name: "one", Args: []string{"true"}},
		{Name: "two", Args: []string{"true"}},
	}, &stdout, &stderr)
	require.NoError(t, err)
	require.Equal(t, store.StatusSuccess, status)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	r := newRunner(t)
	var stdout, stderr bytes.Buffer
	status, err := r.Run(context.Background(), []Step{
		{Name: "fails", Args: []string{"false"}},
		{Name: "never runs", Args: []string{"true"}},
	}, &stdout, &stderr)
	require.Error(t, err)
	require.Equal(t, store.StatusStepFailed, status)
}

func TestCheckCancelReflectsDBChecker(t *testing.T) {
	logger := logrus.NewEntry(logrus.New())
	r := NewRunner(logger, nil, func(ctx context.Context) (bool, error) { return true, nil }, 0)

	canceled, err := r.checkCancel(context.Background(), r.dbCancel)
	require.NoError(t, err)
	require.True(t, canceled)
}

func TestCheckCancelNilCheckerIsFalse(t *testing.T) {
	r := newRunner(t)
	canceled, err := r.checkCancel(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, canceled)
}
