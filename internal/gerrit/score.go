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
package gerrit

import (
	"sort"
	"time"
)

// LabelEvent is one vote recorded against the merge-queue label, in the
// order Gerrit reports label history.
type LabelEvent struct {
	When  time.Time
	Value int
}

// ResolveMergeQueueScore folds a change's merge-queue label history down
// to the single (queue_time, queue_score) pair the Scheduler actually
// needs (spec invariant P5). Gerrit keeps every vote a reviewer ever
// cast, including ones since superseded or retracted, so the fold has to
// walk the whole history rather than look only at the latest vote.
//
// The rule, ported from get_resolved_merge_queue_score: scan
// chronologically; a -1 vote always becomes the new current pair
// (a veto always wins immediately); a +1 vote becomes the new current
// pair only if the current pair's score is not already +1 (so the
// queue_time recorded is that of the *first* +1 since the last -1, not
// the most recent one — this is what makes "queue position" mean "time
// you first joined the queue", not "time you last re-voted").
func ResolveMergeQueueScore(events []LabelEvent) (time.Time, int) {
	var (
		haveCurrent bool
		curTime     time.Time
		curScore    int
	)
	sorted := make([]LabelEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].When.Before(sorted[j].When) })
	for _, e := range sorted {
		switch {
		case e.Value < 0:
			curTime, curScore, haveCurrent = e.When, -1, true
		case e.Value > 0:
			if !haveCurrent || curScore != 1 {
				curTime, curScore, haveCurrent = e.When, 1, true
			}
		}
	}
	if !haveCurrent || curScore != 1 {
		return time.Now(), -1
	}
	return curTime, curScore
}
