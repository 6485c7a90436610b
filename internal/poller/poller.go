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
// Package poller is the Poller (C3): it pages through Gerrit's ready
// queue for every configured project, upserts the owning accounts into
// the Store's cache, and commits the whole cycle as one atomic snapshot.
// Mirrors gerrit_mq's functions.poll_gerrit/poll_query.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/internal/config"
	"github.com/clarketm/mergequeue/internal/gerrit"
	"github.com/clarketm/mergequeue/internal/metrics"
	"github.com/clarketm/mergequeue/internal/store"
)

const pageSize = 25

// ReviewClient is the subset of gerrit.Client the Poller needs.
type ReviewClient interface {
	ListReady(ctx context.Context, project string, offset, limit int) ([]gerrit.Change, error)
}

// ChangeStore is the subset of store.Store the Poller needs.
type ChangeStore interface {
	UpsertAccount(ctx context.Context, a store.Account) error
	ReplaceQueue(ctx context.Context, pollID int64, changes []store.ChangeInfo) error
}

// Poller drives one polling cycle across every configured project.
type Poller struct {
	cfg    *config.Config
	review ReviewClient
	store  ChangeStore
	logger *logrus.Entry
}

// New builds a Poller.
func New(cfg *config.Config, review ReviewClient, st ChangeStore, logger *logrus.Entry) *Poller {
	return &Poller{cfg: cfg, review: review, store: st, logger: logger}
}

// projects returns the de-duplicated set of projects named by any
// configured queue.
func (p *Poller) projects() []string {
	seen := map[string]bool{}
	var out []string
	for _, q := range p.cfg.Queues {
		if !seen[q.Project] {
			seen[q.Project] = true
			out = append(out, q.Project)
		}
	}
	return out
}

// Poll runs one full cycle: for every configured project, page through
// ListReady, upsert owning accounts, and stage the resulting ChangeInfo
// rows; then commit the whole cycle via a single ReplaceQueue call so
// readers never observe a partial poll (P1).
func (p *Poller) Poll(ctx context.Context) error {
	pollID := time.Now().UnixNano()
	correlationID := uuid.New().String()
	logger := p.logger.WithField("poll_id", pollID).WithField("correlation_id", correlationID)

	var staged []store.ChangeInfo
	for _, project := range p.projects() {
		changes, err := p.pollProject(ctx, project, logger)
		if err != nil {
			metrics.PollCycles.WithLabelValues("error").Inc()
			return fmt.Errorf("polling project %s: %v", project, err)
		}
		staged = append(staged, changes...)
	}

	if err := p.store.ReplaceQueue(ctx, pollID, staged); err != nil {
		metrics.PollCycles.WithLabelValues("error").Inc()
		return fmt.Errorf("replacing queue snapshot: %v", err)
	}
	metrics.PollCycles.WithLabelValues("success").Inc()
	logger.WithField("changes", len(staged)).Info("poll cycle committed")
	return nil
}

func (p *Poller) pollProject(ctx context.Context, project string, logger *logrus.Entry) ([]store.ChangeInfo, error) {
	var out []store.ChangeInfo
	offset := 0
	for {
		page, err := p.review.ListReady(ctx, project, offset, pageSize)
		if err != nil {
			return nil, fmt.Errorf("listing ready changes: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, c := range page {
			if c.QueueScore != 1 {
				continue
			}
			if err := p.store.UpsertAccount(ctx, store.Account{
				RID: c.Owner.AccountID, Name: c.Owner.Name, Email: c.Owner.Email, Username: c.Owner.Username,
			}); err != nil {
				logger.WithError(err).WithField("change_id", c.ChangeID).Warn("upserting account failed")
			}
			out = append(out, store.ChangeInfo{
				QueueTime:       c.QueueTime,
				Priority:        gerrit.Priority(c.MessageMeta),
				ChangeID:        c.ChangeID,
				Project:         c.Project,
				Branch:          c.Branch,
				Subject:         c.Subject,
				CurrentRevision: c.CurrentRevision,
				OwnerRID:        c.Owner.AccountID,
				MessageMeta:     c.MessageMeta,
			})
		}
		if len(page) < pageSize {
			break
		}
		offset += pageSize
	}
	return out, nil
}
