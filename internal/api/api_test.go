package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/clarketm/mergequeue/internal/store"
)

type fakeStore struct {
	queue     []store.ChangeInfo
	history   []store.MergeStatus
	status    *store.MergeStatus
	canceled  map[int64]bool
}

func (f *fakeStore) GetQueue(ctx context.Context, project, branch string, offset, limit int) (int, []store.ChangeInfo, error) {
	return len(f.queue), f.queue, nil
}
func (f *fakeStore) GetHistory(ctx context.Context, project, branch string, offset, limit int) (int, []store.MergeStatus, error) {
	return len(f.history), f.history, nil
}
func (f *fakeStore) GetMergeStatus(ctx context.Context, rid int64) (*store.MergeStatus, error) {
	return f.status, nil
}
func (f *fakeStore) Cancel(ctx context.Context, rid int64, who string, when time.Time) (bool, error) {
	if f.canceled == nil {
		f.canceled = map[int64]bool{}
	}
	already := f.canceled[rid]
	f.canceled[rid] = true
	return already, nil
}

func newTestServer() (*Server, *fakeStore) {
	st := &fakeStore{}
	pidFile := filepath.Join("/tmp", "mq-api-test.pid")
	offlineFile := filepath.Join("/tmp", "mq-api-test.offline")
	return New(st, pidFile, offlineFile, logrus.NewEntry(logrus.New())), st
}

func TestGetQueueReturnsJSON(t *testing.T) {
	s, st := newTestServer()
	st.queue = []store.ChangeInfo{{ChangeID: "1"}}

	req := httptest.NewRequest(http.MethodGet, "/gmq/get_queue", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"1"`)
}

func TestGetQueueWrapsCountAndResult(t *testing.T) {
	s, st := newTestServer()
	st.queue = []store.ChangeInfo{{ChangeID: "1"}, {ChangeID: "2"}}

	req := httptest.NewRequest(http.MethodGet, "/gmq/get_queue", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"count":2`)
	require.Contains(t, w.Body.String(), `"result"`)
}

func TestGetMergeStatusNotFound(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/gmq/get_merge_status?rid=5", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetMergeStatusMissingRidUsesMostRecent(t *testing.T) {
	s, st := newTestServer()
	st.status = &store.MergeStatus{RID: 7}

	req := httptest.NewRequest(http.MethodGet, "/gmq/get_merge_status", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"RID":7`)
}

func TestGetMergeStatusUnparseableRidIsBadRequest(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/gmq/get_merge_status?rid=not-a-number", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetActiveMergeStatusEmptyWhenNoMerges(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/gmq/get_active_merge_status", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{}`, w.Body.String())
}

func TestGetDaemonStatusIncludesPID(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/gmq/get_daemon_status", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"pid"`)
}

func TestCancelMergeIsIdempotent(t *testing.T) {
	s, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/gmq/cancel_merge?rid=3&who=alice", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Contains(t, w.Body.String(), "Canceled")
	require.NotContains(t, w.Body.String(), "Already")

	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req)
	require.Contains(t, w2.Body.String(), "Already Canceled in DB")
}

func TestExtractPaginationClampsLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/gmq/get_queue?limit=99999&offset=-5", nil)
	offset, limit := extractPagination(req)
	require.Equal(t, 0, offset)
	require.Equal(t, maxLimit, limit)
}

func TestExtractPaginationDefaults(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/gmq/get_queue", nil)
	offset, limit := extractPagination(req)
	require.Equal(t, 0, offset)
	require.Equal(t, defaultLimit, limit)
}
