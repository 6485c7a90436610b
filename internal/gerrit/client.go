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
// Package gerrit is the Review Client component (C1): a thin wrapper
// around the Gerrit REST API that turns raw ChangeInfo/label history into
// the merge-queue-ready Change records the rest of the daemon consumes.
package gerrit

import (
	"context"
	"fmt"
	"sort"
	"time"

	gogerrit "github.com/andygrunwald/go-gerrit"
	"github.com/sirupsen/logrus"
)

const (
	// MergeQueueLabel is the label reviewers vote on to request a merge.
	MergeQueueLabel = "Merge-Queue"
	// CodeReviewLabel must be +2 for a change to be eligible at all.
	CodeReviewLabel = "Code-Review"
)

// Account is the subset of Gerrit's AccountInfo the daemon caches.
type Account struct {
	AccountID int64
	Name      string
	Email     string
	Username  string
}

// Change is one Gerrit change folded down to what the merge queue needs:
// its queue position (time + score), its owner, and any commit-message
// metadata (Closes/Resolves/Priority trailers).
type Change struct {
	ChangeID        string
	Project         string
	Branch          string
	Subject         string
	CurrentRevision string
	Owner           Account
	QueueTime       time.Time
	QueueScore      int
	MessageMeta     map[string]interface{}
}

// ReviewInput is the payload for SetReview.
type ReviewInput struct {
	Message string
	Labels  map[string]int
	Notify  string // "ALL", "OWNER", "NONE" — mirrors Gerrit's NotifyHandling
}

// Client wraps a go-gerrit client with digest auth, mirroring
// common.GerritRest's wrapping of pygerrit2.
type Client struct {
	gc     *gogerrit.Client
	logger *logrus.Entry
}

// NewClient builds a Client authenticated against url with HTTP digest auth.
func NewClient(url, username, password string, logger *logrus.Entry) (*Client, error) {
	gc, err := gogerrit.NewClient(url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating go-gerrit client for %s: %v", url, err)
	}
	gc.Authentication.SetDigestAuth(username, password)
	return &Client{gc: gc, logger: logger}, nil
}

// ListReady fetches changes matching "status:new code-review:+2
// merge-queue:+1", the mandatory filter set from get_merge_requests,
// sorted by (priority, queue_time, project, change_id) to match
// gerrit_mq's ChangeInfo.key ordering.
func (c *Client) ListReady(ctx context.Context, project string, offset, limit int) ([]Change, error) {
	query := fmt.Sprintf("status:new+project:%s+label:Code-Review=%%2B2+label:Merge-Queue=%%2B1", project)
	opt := &gogerrit.QueryChangeOptions{}
	opt.Query = []string{query}
	opt.Limit = limit
	opt.Start = offset
	opt.AdditionalFields = []string{"CURRENT_REVISION", "LABELS", "DETAILED_LABELS", "DETAILED_ACCOUNTS", "CURRENT_COMMIT"}

	infos, _, err := c.gc.Changes.QueryChanges(opt)
	if err != nil {
		return nil, fmt.Errorf("querying ready changes for %s: %v", project, err)
	}
	if infos == nil {
		return nil, nil
	}

	out := make([]Change, 0, len(*infos))
	for _, ci := range *infos {
		ch, err := fromChangeInfo(ci)
		if err != nil {
			c.logger.WithError(err).WithField("change_id", ci.ChangeID).Warn("skipping unparseable change")
			continue
		}
		out = append(out, ch)
	}

	sort.Slice(out, func(i, j int) bool {
		pi, pj := Priority(out[i].MessageMeta), Priority(out[j].MessageMeta)
		if pi != pj {
			return pi < pj
		}
		if !out[i].QueueTime.Equal(out[j].QueueTime) {
			return out[i].QueueTime.Before(out[j].QueueTime)
		}
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].ChangeID < out[j].ChangeID
	})
	return out, nil
}

func fromChangeInfo(ci gogerrit.ChangeInfo) (Change, error) {
	ch := Change{
		ChangeID:        ci.ChangeID,
		Project:         ci.Project,
		Branch:          ci.Branch,
		Subject:         ci.Subject,
		CurrentRevision: ci.CurrentRevision,
		Owner: Account{
			AccountID: ci.Owner.AccountID,
			Name:      ci.Owner.Name,
			Email:     ci.Owner.Email,
			Username:  ci.Owner.Username,
		},
	}

	var events []LabelEvent
	if label, ok := ci.Labels[MergeQueueLabel]; ok {
		for _, v := range label.All {
			if v.Value == 0 {
				continue
			}
			events = append(events, LabelEvent{When: v.Date.Time, Value: v.Value})
		}
	}
	ch.QueueTime, ch.QueueScore = ResolveMergeQueueScore(events)

	if rev, ok := ci.Revisions[ci.CurrentRevision]; ok && rev.Commit != nil {
		ch.MessageMeta = ParseCommitMessageMeta(rev.Commit.Message)
	} else {
		ch.MessageMeta = map[string]interface{}{}
	}
	return ch, nil
}

// GetChange fetches a single change by id with full label/revision detail.
func (c *Client) GetChange(ctx context.Context, changeID string) (*Change, error) {
	opt := &gogerrit.ChangeOptions{
		AdditionalFields: []string{"CURRENT_REVISION", "LABELS", "DETAILED_LABELS", "DETAILED_ACCOUNTS", "CURRENT_COMMIT"},
	}
	ci, _, err := c.gc.Changes.GetChangeDetail(changeID, opt)
	if err != nil {
		return nil, fmt.Errorf("fetching change %s: %v", changeID, err)
	}
	ch, err := fromChangeInfo(*ci)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// SetReview posts a review comment, optionally voting on labels.
func (c *Client) SetReview(ctx context.Context, changeID, revision string, review ReviewInput) error {
	input := &gogerrit.ReviewInput{
		Message: review.Message,
		Labels:  review.Labels,
		Notify:  review.Notify,
	}
	_, _, err := c.gc.Changes.SetReview(changeID, revision, input)
	if err != nil {
		return fmt.Errorf("posting review on %s/%s: %v", changeID, revision, err)
	}
	return nil
}

// Submit merges changeID via the REST submit endpoint, returning Gerrit's
// reported status string.
func (c *Client) Submit(ctx context.Context, changeID string) (string, error) {
	ci, _, err := c.gc.Changes.SubmitChange(changeID, &gogerrit.SubmitInput{})
	if err != nil {
		return "", fmt.Errorf("submitting %s: %v", changeID, err)
	}
	return ci.Status, nil
}

// LookupAccount resolves a username/email to a cached-friendly Account.
func (c *Client) LookupAccount(ctx context.Context, query string) (*Account, error) {
	opt := &gogerrit.QueryAccountOptions{}
	opt.Query = []string{query}
	infos, _, err := c.gc.Accounts.QueryAccounts(opt)
	if err != nil {
		return nil, fmt.Errorf("looking up account %q: %v", query, err)
	}
	if infos == nil || len(*infos) == 0 {
		return nil, nil
	}
	ai := (*infos)[0]
	return &Account{AccountID: ai.AccountID, Name: ai.Name, Email: ai.Email, Username: ai.Username}, nil
}
