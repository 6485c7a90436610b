/*
Copyright 2017 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
// Package api is the Inspection API (C8): a small read-mostly JSON
// surface over the Store, plus the two write endpoints (cancel, pause)
// that let an operator influence the daemon without touching Gerrit.
// Mirrors gerrit_mq's webfront.py route set.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/internal/daemon"
	"github.com/clarketm/mergequeue/internal/store"
)

const (
	defaultLimit = 25
	maxLimit     = 500
)

// Store is the subset of store.Store the API needs.
type Store interface {
	GetQueue(ctx context.Context, project, branch string, offset, limit int) (int, []store.ChangeInfo, error)
	GetHistory(ctx context.Context, project, branch string, offset, limit int) (int, []store.MergeStatus, error)
	GetMergeStatus(ctx context.Context, rid int64) (*store.MergeStatus, error)
	Cancel(ctx context.Context, rid int64, who string, when time.Time) (bool, error)
}

// Server exposes the Inspection API over HTTP.
type Server struct {
	store       Store
	pidFile     string
	offlineFile string
	logger      *logrus.Entry
	router      chi.Router
}

// New builds a Server and wires its routes.
func New(st Store, pidFile, offlineFile string, logger *logrus.Entry) *Server {
	s := &Server{store: st, pidFile: pidFile, offlineFile: offlineFile, logger: logger}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}}))
	r.Get("/gmq/get_queue", s.handleGetQueue)
	r.Get("/gmq/get_history", s.handleGetHistory)
	r.Get("/gmq/get_merge_status", s.handleGetMergeStatus)
	r.Get("/gmq/get_active_merge_status", s.handleGetActiveMergeStatus)
	r.Get("/gmq/get_daemon_status", s.handleGetDaemonStatus)
	r.Get("/gmq/cancel_merge", s.handleCancelMerge)
	r.Get("/gmq/set_daemon_pause", s.handleSetDaemonPause)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// extractPagination mirrors extract_common_args: offset defaults to 0 and
// is clamped to be non-negative; limit defaults to 25 and is clamped to
// [0, 500].
func extractPagination(r *http.Request) (offset, limit int) {
	offset = 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		limit = v
	}
	if limit < 0 {
		limit = 0
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return offset, limit
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	offset, limit := extractPagination(r)
	count, changes, err := s.store.GetQueue(r.Context(), r.URL.Query().Get("project"), r.URL.Query().Get("branch"), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": count, "result": changes})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	offset, limit := extractPagination(r)
	count, history, err := s.store.GetHistory(r.Context(), r.URL.Query().Get("project"), r.URL.Query().Get("branch"), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": count, "result": history})
}

// ridOrMostRecent parses the rid query param. A missing rid is not an
// error — it means "use the most recent merge" (store.GetMergeStatus's
// rid=0 convention); a present-but-unparseable rid is.
func ridOrMostRecent(r *http.Request) (rid int64, ok bool) {
	raw := r.URL.Query().Get("rid")
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Server) handleGetMergeStatus(w http.ResponseWriter, r *http.Request) {
	rid, ok := ridOrMostRecent(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "rid must be an integer")
		return
	}
	m, err := s.store.GetMergeStatus(r.Context(), rid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "no such merge")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleGetActiveMergeStatus returns the most recent merge record (an
// empty object if the daemon has never run a merge), distinct from
// get_merge_status which 404s on an rid that genuinely doesn't exist.
func (s *Server) handleGetActiveMergeStatus(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMergeStatus(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleGetDaemonStatus(w http.ResponseWriter, r *http.Request) {
	alive := false
	pid := 0
	if b, err := os.ReadFile(s.pidFile); err == nil {
		if p, err := strconv.Atoi(string(b)); err == nil {
			pid = p
			if _, statErr := os.Stat("/proc/" + strconv.Itoa(pid) + "/stat"); statErr == nil {
				alive = true
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alive":  alive,
		"paused": daemon.Offline(s.offlineFile),
		"pid":    pid,
	})
}

func (s *Server) handleCancelMerge(w http.ResponseWriter, r *http.Request) {
	rid, err := strconv.ParseInt(r.URL.Query().Get("rid"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "rid must be an integer")
		return
	}
	who := r.URL.Query().Get("who")
	if who == "" {
		who = "unknown"
	}
	already, err := s.store.Cancel(r.Context(), rid, who, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if already {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Already Canceled in DB"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Canceled"})
}

func (s *Server) handleSetDaemonPause(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	if value == "true" {
		if f, err := os.Create(s.offlineFile); err == nil {
			f.Close()
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		if err := os.Remove(s.offlineFile); err != nil && !os.IsNotExist(err) {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": daemon.Offline(s.offlineFile)})
}
