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
// Package store is the Store component (C2): a local SQLite-backed cache
// of the Gerrit ready-queue plus the daemon's own merge history, account
// cache, and cancellation requests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, in WAL
// mode with a generous busy timeout so the Scheduler and the Inspection
// API can share one file without lock-contention errors, matching the
// DSN idiom used for this pack's other local relational store.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %s: %v", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db %s: %v", path, err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAccount inserts or updates the cached AccountInfo for rid.
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_info (rid, name, email, username) VALUES (?, ?, ?, ?)
		ON CONFLICT(rid) DO UPDATE SET name=excluded.name, email=excluded.email, username=excluded.username
	`, a.RID, a.Name, a.Email, a.Username)
	if err != nil {
		return fmt.Errorf("upserting account %d: %v", a.RID, err)
	}
	return nil
}

// GetAccount looks up a cached account by rid.
func (s *Store) GetAccount(ctx context.Context, rid int64) (*Account, error) {
	var a Account
	err := s.db.QueryRowContext(ctx, `SELECT rid, name, email, username FROM account_info WHERE rid = ?`, rid).
		Scan(&a.RID, &a.Name, &a.Email, &a.Username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %d: %v", rid, err)
	}
	return &a, nil
}

// ReplaceQueue atomically replaces the cached ready-queue with the given
// changes, all stamped with the same pollID, and deletes every row from a
// prior poll cycle. This is the P1 invariant: readers never observe a
// mixture of two poll cycles, because the delete+insert happens inside a
// single transaction.
func (s *Store) ReplaceQueue(ctx context.Context, pollID int64, changes []ChangeInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ReplaceQueue tx: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM change_info WHERE poll_id != ?`, pollID); err != nil {
		return fmt.Errorf("clearing stale poll rows: %v", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO change_info (poll_id, queue_time, priority, change_id, project, branch, subject, current_revision, owner, message_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %v", err)
	}
	defer stmt.Close()

	for _, c := range changes {
		meta, err := json.Marshal(c.MessageMeta)
		if err != nil {
			return fmt.Errorf("marshaling message_meta for %s: %v", c.ChangeID, err)
		}
		if _, err := stmt.ExecContext(ctx, pollID, c.QueueTime, c.Priority, c.ChangeID, c.Project, c.Branch, c.Subject, c.CurrentRevision, c.OwnerRID, string(meta)); err != nil {
			return fmt.Errorf("inserting change %s: %v", c.ChangeID, err)
		}
	}
	return tx.Commit()
}

// GetQueue returns cached ready-queue rows, optionally filtered, paginated
// in queue order (priority ascending, then queue_time ascending), plus
// the unpaginated count matching the same filter (§4.8).
func (s *Store) GetQueue(ctx context.Context, project, branch string, offset, limit int) (int, []ChangeInfo, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM change_info WHERE (? = '' OR project = ?) AND (? = '' OR branch = ?)
	`, project, project, branch, branch).Scan(&count); err != nil {
		return 0, nil, fmt.Errorf("counting queue: %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rid, poll_id, queue_time, priority, change_id, project, branch, subject, current_revision, owner, message_meta
		FROM change_info
		WHERE (? = '' OR project = ?) AND (? = '' OR branch = ?)
		ORDER BY priority ASC, queue_time ASC
		LIMIT ? OFFSET ?
	`, project, project, branch, branch, limit, offset)
	if err != nil {
		return 0, nil, fmt.Errorf("querying queue: %v", err)
	}
	defer rows.Close()
	changes, err := scanChanges(rows)
	if err != nil {
		return 0, nil, err
	}
	return count, changes, nil
}

func scanChanges(rows *sql.Rows) ([]ChangeInfo, error) {
	var out []ChangeInfo
	for rows.Next() {
		var c ChangeInfo
		var meta string
		if err := rows.Scan(&c.RID, &c.PollID, &c.QueueTime, &c.Priority, &c.ChangeID, &c.Project, &c.Branch, &c.Subject, &c.CurrentRevision, &c.OwnerRID, &meta); err != nil {
			return nil, fmt.Errorf("scanning change row: %v", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &c.MessageMeta); err != nil {
				return nil, fmt.Errorf("unmarshaling message_meta: %v", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateMerge inserts a new merge_history row in IN_PROGRESS status and
// returns its rid. Callers must have already checked InProgressCount()
// is zero (P3): this method does not itself enforce exclusivity, because
// the decision of whether to start a merge belongs to the Scheduler,
// which holds the daemon-wide single-flight lock.
func (s *Store) CreateMerge(ctx context.Context, m MergeStatus) (int64, error) {
	meta, err := json.Marshal(m.MsgMeta)
	if err != nil {
		return 0, fmt.Errorf("marshaling msg_meta: %v", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO merge_history (project, branch, start_time, status, progress, msg_meta)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.Project, m.Branch, m.StartTime, StatusInProgress, 0, string(meta))
	if err != nil {
		return 0, fmt.Errorf("creating merge: %v", err)
	}
	return res.LastInsertId()
}

// AppendMergeChange records one change folded into mergeRID: one row per
// change participating in the verification (one for serial, 2..N for
// coalesced), each carrying its own owner, feature branch, and the time
// it entered the queue.
func (s *Store) AppendMergeChange(ctx context.Context, mergeRID int64, c MergeChange) error {
	meta, err := json.Marshal(c.MsgMeta)
	if err != nil {
		return fmt.Errorf("marshaling merge change msg_meta: %v", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO merge_change (merge_rid, change_id, project, owner_id, feature_branch, request_time, revision, msg_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, mergeRID, c.ChangeID, c.Project, c.OwnerRID, c.FeatureBranch, c.RequestTime, c.Revision, string(meta))
	if err != nil {
		return fmt.Errorf("appending merge change: %v", err)
	}
	return nil
}

// UpdateProgress updates the progress counter (0..10000) of an in-flight merge.
func (s *Store) UpdateProgress(ctx context.Context, mergeRID int64, progress int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE merge_history SET progress = ? WHERE rid = ?`, progress, mergeRID)
	if err != nil {
		return fmt.Errorf("updating progress for merge %d: %v", mergeRID, err)
	}
	return nil
}

// CompleteMerge finalizes a merge with a terminal status and end time.
func (s *Store) CompleteMerge(ctx context.Context, mergeRID int64, status Status, end time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("CompleteMerge called with non-terminal status %s", status)
	}
	progress := 0
	if status == StatusSuccess {
		progress = 10000
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE merge_history SET status = ?, end_time = ?, progress = ? WHERE rid = ?
	`, status, end, progress, mergeRID)
	if err != nil {
		return fmt.Errorf("completing merge %d: %v", mergeRID, err)
	}
	return nil
}

// InProgressCount returns the number of merge_history rows currently in
// IN_PROGRESS status. The Scheduler must observe zero before starting a
// new merge (P3: at most one IN_PROGRESS row at any time).
func (s *Store) InProgressCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM merge_history WHERE status = ?`, StatusInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting in-progress merges: %v", err)
	}
	return n, nil
}

// MarkStaleInProgress marks every IN_PROGRESS row as CANCELED. Called once
// at daemon startup (P4): any row still IN_PROGRESS on disk belongs to a
// process that died without finishing, since P3 guarantees there was at
// most one such row and this daemon instance did not create it.
func (s *Store) MarkStaleInProgress(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE merge_history SET status = ?, end_time = ? WHERE status = ?
	`, StatusCanceled, now, StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("marking stale in-progress merges: %v", err)
	}
	return res.RowsAffected()
}

// GetHistory returns completed and in-progress merge records, newest
// first, each with its MergeChange rows embedded (§4.8: "MergeStatus
// with embedded MergeChanges ordered by request_time"), plus the
// unpaginated count matching the same filter.
func (s *Store) GetHistory(ctx context.Context, project, branch string, offset, limit int) (int, []MergeStatus, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM merge_history WHERE (? = '' OR project = ?) AND (? = '' OR branch = ?)
	`, project, project, branch, branch).Scan(&count); err != nil {
		return 0, nil, fmt.Errorf("counting history: %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rid, project, branch, start_time, end_time, status, progress, msg_meta
		FROM merge_history
		WHERE (? = '' OR project = ?) AND (? = '' OR branch = ?)
		ORDER BY rid DESC
		LIMIT ? OFFSET ?
	`, project, project, branch, branch, limit, offset)
	if err != nil {
		return 0, nil, fmt.Errorf("querying history: %v", err)
	}
	defer rows.Close()
	out, err := scanMergeStatuses(rows)
	if err != nil {
		return 0, nil, err
	}
	for i := range out {
		if out[i].Changes, err = s.getMergeChanges(ctx, out[i].RID); err != nil {
			return 0, nil, err
		}
	}
	return count, out, nil
}

// GetMergeStatus looks up a single merge_history row by rid, with its
// MergeChange rows embedded. If rid is 0, returns the most recent
// MergeStatus instead (§4.8: "Without rid, returns the most recent").
func (s *Store) GetMergeStatus(ctx context.Context, rid int64) (*MergeStatus, error) {
	var query string
	var args []interface{}
	if rid == 0 {
		query = `
			SELECT rid, project, branch, start_time, end_time, status, progress, msg_meta
			FROM merge_history ORDER BY rid DESC LIMIT 1
		`
	} else {
		query = `
			SELECT rid, project, branch, start_time, end_time, status, progress, msg_meta
			FROM merge_history WHERE rid = ?
		`
		args = []interface{}{rid}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying merge status %d: %v", rid, err)
	}
	defer rows.Close()
	all, err := scanMergeStatuses(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	m := &all[0]
	if m.Changes, err = s.getMergeChanges(ctx, m.RID); err != nil {
		return nil, err
	}
	return m, nil
}

// getMergeChanges fetches every MergeChange row for mergeRID, ordered by
// the time its change entered the queue.
func (s *Store) getMergeChanges(ctx context.Context, mergeRID int64) ([]MergeChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rid, merge_rid, change_id, project, owner_id, feature_branch, request_time, revision, msg_meta
		FROM merge_change WHERE merge_rid = ?
		ORDER BY request_time ASC
	`, mergeRID)
	if err != nil {
		return nil, fmt.Errorf("querying merge changes for %d: %v", mergeRID, err)
	}
	defer rows.Close()

	var out []MergeChange
	for rows.Next() {
		var c MergeChange
		var meta string
		if err := rows.Scan(&c.RID, &c.MergeRID, &c.ChangeID, &c.Project, &c.OwnerRID, &c.FeatureBranch, &c.RequestTime, &c.Revision, &meta); err != nil {
			return nil, fmt.Errorf("scanning merge_change row: %v", err)
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &c.MsgMeta); err != nil {
				return nil, fmt.Errorf("unmarshaling merge change msg_meta: %v", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanMergeStatuses(rows *sql.Rows) ([]MergeStatus, error) {
	var out []MergeStatus
	for rows.Next() {
		var m MergeStatus
		var meta string
		var end sql.NullTime
		if err := rows.Scan(&m.RID, &m.Project, &m.Branch, &m.StartTime, &end, &m.Status, &m.Progress, &meta); err != nil {
			return nil, fmt.Errorf("scanning merge_history row: %v", err)
		}
		if end.Valid {
			m.EndTime = end.Time
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &m.MsgMeta); err != nil {
				return nil, fmt.Errorf("unmarshaling msg_meta: %v", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cancel records a cancellation request for rid. Idempotent: a second
// call for an already-canceled rid is a no-op, matching webfront.py's
// "Already Canceled in DB" behavior.
func (s *Store) Cancel(ctx context.Context, rid int64, who string, when time.Time) (alreadyCanceled bool, err error) {
	canceled, err := s.IsCanceled(ctx, rid)
	if err != nil {
		return false, err
	}
	if canceled {
		return true, nil
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cancellations (rid, who, when_ts) VALUES (?, ?, ?)`, rid, who, when)
	if err != nil {
		return false, fmt.Errorf("inserting cancellation for %d: %v", rid, err)
	}
	return false, nil
}

// IsCanceled reports whether rid has a pending cancellation request.
func (s *Store) IsCanceled(ctx context.Context, rid int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM cancellations WHERE rid = ?`, rid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking cancellation for %d: %v", rid, err)
	}
	return n > 0, nil
}
