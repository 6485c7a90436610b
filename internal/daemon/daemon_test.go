package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFileRejectsLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mq.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := AcquirePIDFile(path)
	require.Error(t, err)
}

func TestAcquirePIDFileReplacesStaleOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mq.pid")
	// PID 1 may or may not exist on the test host; use a pid that is
	// very unlikely to be alive instead.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))

	require.NoError(t, AcquirePIDFile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(b))
}

func TestReleasePIDFileIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mq.pid")
	require.NoError(t, ReleasePIDFile(path))
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))
	require.NoError(t, ReleasePIDFile(path))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestOffline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "OFFLINE")
	require.False(t, Offline(path))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.True(t, Offline(path))
}

func TestBackoffCapsAtMax(t *testing.T) {
	require.Equal(t, 20*time.Second, backoff(10*time.Second, 5*time.Minute))
	require.Equal(t, 5*time.Minute, backoff(4*time.Minute, 5*time.Minute))
}
