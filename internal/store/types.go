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
package store

import "time"

// Account is a local cache of a Gerrit AccountInfo, keyed by Gerrit's own
// numeric account id, to avoid re-fetching account details on every poll.
type Account struct {
	RID      int64
	Name     string
	Email    string
	Username string
}

// ChangeInfo is a local cache of one ready-to-merge Gerrit change, as
// observed by the most recent poll cycle.
type ChangeInfo struct {
	RID             int64
	PollID          int64
	QueueTime       time.Time
	Priority        int
	ChangeID        string
	Project         string
	Branch          string
	Subject         string
	CurrentRevision string
	OwnerRID        int64
	MessageMeta     map[string]interface{}
}

// MergeStatus records one verification/merge attempt against one
// (project, branch). The changes it covers live in MergeChange, fetched
// separately (one row for serial, 2..N for coalesced) and embedded by
// the Inspection API.
type MergeStatus struct {
	RID       int64
	Project   string
	Branch    string
	StartTime time.Time
	EndTime   time.Time
	Status    Status
	Progress  int
	MsgMeta   map[string]interface{}

	// Changes is populated by GetHistory/GetMergeStatus, ordered by
	// RequestTime, never written directly.
	Changes []MergeChange
}

// MergeChange is one change folded into a MergeStatus; a coalesced merge
// has more than one row sharing a MergeRID.
type MergeChange struct {
	RID           int64
	MergeRID      int64
	ChangeID      string
	Project       string
	OwnerRID      int64
	FeatureBranch string
	RequestTime   time.Time
	Revision      string
	MsgMeta       map[string]interface{}
}

// Cancellation records an operator's request to cancel a merge. Presence
// of a row for a given rid is itself the signal; who/when are metadata.
type Cancellation struct {
	RID  int64
	Who  string
	When time.Time
}
