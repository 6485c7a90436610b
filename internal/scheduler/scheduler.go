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
// Package scheduler is the Scheduler (C6): each tick it picks at most one
// queue to act on, decides whether to attempt a coalesced verification of
// up to coalesce_count ready changes (stopping at the first dirty one) or
// fall back to verifying one change at a time, and drives the Workspace Driver and Step Runner through a full
// verification. Mirrors gerrit_mq's daemon.py MergeDaemon.run /
// coalesce_merge, generalized from its single hard-coded queue to the
// QueueSpec-per-project/branch model and restructured around the narrow
// collaborator interfaces clarketm-prow's plank.Controller uses for its
// own kube/github clients.
package scheduler

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/internal/config"
	"github.com/clarketm/mergequeue/internal/gerrit"
	"github.com/clarketm/mergequeue/internal/metrics"
	"github.com/clarketm/mergequeue/internal/steprunner"
	"github.com/clarketm/mergequeue/internal/store"
	"github.com/clarketm/mergequeue/internal/workspace"
)

// reviewClient is the subset of gerrit.Client the Scheduler needs,
// narrowed so tests can substitute a fake without a real Gerrit server.
type reviewClient interface {
	SetReview(ctx context.Context, changeID, revision string, review gerrit.ReviewInput) error
	Submit(ctx context.Context, changeID string) (string, error)
}

// changeStore is the subset of store.Store the Scheduler reads/writes.
type changeStore interface {
	GetQueue(ctx context.Context, project, branch string, offset, limit int) (int, []store.ChangeInfo, error)
	InProgressCount(ctx context.Context) (int, error)
	CreateMerge(ctx context.Context, m store.MergeStatus) (int64, error)
	AppendMergeChange(ctx context.Context, mergeRID int64, c store.MergeChange) error
	CompleteMerge(ctx context.Context, mergeRID int64, status store.Status, end time.Time) error
	IsCanceled(ctx context.Context, rid int64) (bool, error)
}

// unboundedQueueLimit is passed to GetQueue when the Scheduler wants every
// ready change for a queue, not a paginated page of them (the Inspection
// API's own pagination, where limit=0 legitimately means "zero rows", is
// a separate concern from this internal read).
const unboundedQueueLimit = 1 << 20

// WorkspaceFactory opens (or reuses) the scratch clone for a QueueSpec's project.
type WorkspaceFactory func(ctx context.Context, q *config.QueueSpec) (*workspace.Driver, error)

// Scheduler is the Scheduler component. One instance serves every
// QueueSpec in the loaded Config.
type Scheduler struct {
	cfg       *config.Config
	review    reviewClient
	store     changeStore
	workspace WorkspaceFactory
	logger    *logrus.Entry

	// dirty tracks, per queue key, the change ids that a failed coalesced
	// attempt must now re-verify one at a time (P6/P7). A change id is
	// dropped from this set either once it verifies successfully on its
	// own, or once it disappears from the ready queue (abandoned,
	// superseded, or un-queued in Gerrit).
	dirty map[string]map[string]bool

	// node generates merge branch ids. Mirrors plank.Controller's use of
	// a snowflake.Node for build ids: branch names should not leak the
	// sequential merge_history row id to a remote the changes' authors
	// can also see.
	node *snowflake.Node
}

// New builds a Scheduler. node may be nil, in which case merge branch
// names fall back to the merge_history row id.
func New(cfg *config.Config, review reviewClient, st changeStore, wf WorkspaceFactory, node *snowflake.Node, logger *logrus.Entry) *Scheduler {
	return &Scheduler{cfg: cfg, review: review, store: st, workspace: wf, node: node, logger: logger, dirty: map[string]map[string]bool{}}
}

func queueKey(q *config.QueueSpec) string { return q.Project + "/" + q.Name }

// Tick runs one scheduling decision: at most one queue is acted on, and
// within that queue at most one verification is started, honoring P3
// (at most one IN_PROGRESS merge daemon-wide at any time).
func (s *Scheduler) Tick(ctx context.Context) error {
	n, err := s.store.InProgressCount(ctx)
	if err != nil {
		return fmt.Errorf("checking in-progress count: %v", err)
	}
	if n > 0 {
		s.logger.Debug("a merge is already in progress, skipping tick")
		return nil
	}

	for i := range s.cfg.Queues {
		q := &s.cfg.Queues[i]
		acted, err := s.tickQueue(ctx, q)
		if err != nil {
			s.logger.WithError(err).WithField("queue", queueKey(q)).Error("tick failed")
			return err
		}
		if acted {
			return nil
		}
	}
	return nil
}

// tickQueue implements SPEC_FULL §4.6 steps 1-4 literally (grounded on
// daemon.py's run(), lines ~868-905): find the (project, branch) of the
// first ready change, collect every ready change for it into
// request_queue, and if coalescing is configured, walk request_queue
// building coalesce_queue — stopping at the first change already in the
// dirty set, or once coalesce_count entries are collected. A
// coalesce_queue of more than one change is verified together; on
// success the dirty ids it cleared are done for this tick (step 4 is
// skipped entirely). On failure, or whenever a usable coalesce_queue
// could not be built at all, step 4 always runs: a serial verification
// of request_queue[0] alone. This means a single tick can call verify
// twice when a coalesce attempt fails.
func (s *Scheduler) tickQueue(ctx context.Context, q *config.QueueSpec) (bool, error) {
	_, queued, err := s.store.GetQueue(ctx, q.Project, "", 0, unboundedQueueLimit)
	if err != nil {
		return false, fmt.Errorf("getting queue for %s: %v", queueKey(q), err)
	}
	var ready []store.ChangeInfo
	for _, c := range queued {
		if (q.Branch != nil && q.Branch.MatchString(c.Branch)) || (q.Branch == nil && c.Branch == q.BranchString) {
			ready = append(ready, c)
		}
	}
	metrics.QueueDepth.WithLabelValues(queueKey(q)).Set(float64(len(ready)))
	if len(ready) == 0 {
		s.pruneDirty(q, nil)
		return false, nil
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].QueueTime.Before(ready[j].QueueTime)
	})
	s.pruneDirty(q, ready)

	var requestQueue []store.ChangeInfo
	for _, c := range ready {
		if c.Branch == ready[0].Branch {
			requestQueue = append(requestQueue, c)
		}
	}
	key := queueKey(q)
	dirtySet := s.dirty[key]

	if q.CoalesceCount > 0 && len(requestQueue) > 1 {
		var coalesceQueue []store.ChangeInfo
		for _, c := range requestQueue {
			if dirtySet[c.ChangeID] {
				break
			}
			coalesceQueue = append(coalesceQueue, c)
			if len(coalesceQueue) == q.CoalesceCount {
				break
			}
		}
		if len(coalesceQueue) > 1 {
			if err := s.verify(ctx, q, coalesceQueue); err == nil {
				return true, nil
			}
			// Fall through to step 4: serial verification of the first
			// ready change, same as any other coalesce failure.
		}
	}

	return true, s.verify(ctx, q, requestQueue[:1])
}

// pruneDirty drops dirty entries whose change id is no longer present in
// the current ready set (abandoned/superseded/un-queued changes need no
// further serial-fallback attention).
func (s *Scheduler) pruneDirty(q *config.QueueSpec, ready []store.ChangeInfo) {
	key := queueKey(q)
	dirtySet := s.dirty[key]
	if len(dirtySet) == 0 {
		return
	}
	present := map[string]bool{}
	for _, c := range ready {
		present[c.ChangeID] = true
	}
	for id := range dirtySet {
		if !present[id] {
			delete(dirtySet, id)
		}
	}
	if len(dirtySet) == 0 {
		delete(s.dirty, key)
	}
}

func (s *Scheduler) markDirty(q *config.QueueSpec, changes []store.ChangeInfo) {
	key := queueKey(q)
	set := s.dirty[key]
	if set == nil {
		set = map[string]bool{}
		s.dirty[key] = set
	}
	for _, c := range changes {
		set[c.ChangeID] = true
	}
}

func (s *Scheduler) clearDirty(q *config.QueueSpec, changes []store.ChangeInfo) {
	key := queueKey(q)
	set := s.dirty[key]
	if set == nil {
		return
	}
	for _, c := range changes {
		delete(set, c.ChangeID)
	}
}

// verify runs one full verification pipeline (steps 1-10 of SPEC_FULL
// §4.6): create the merge_history row (and one merge_change row per
// participating change), fetch+merge every change into a scratch
// workspace (bidirectionally, so each feature branch ends up carrying
// the cumulative coalesce), push the staging branch, run the queue's
// build steps, submit on success (REST or, per-change, a configured
// submit_cmd), post a review comment either way, delete the staging
// branch from origin, and gzip the completed logs.
func (s *Scheduler) verify(ctx context.Context, q *config.QueueSpec, changes []store.ChangeInfo) error {
	now := time.Now()
	mergeRID, err := s.store.CreateMerge(ctx, store.MergeStatus{
		Project: q.Project, Branch: changes[0].Branch, StartTime: now,
	})
	if err != nil {
		return fmt.Errorf("creating merge record: %v", err)
	}

	logger := s.logger.WithField("merge_rid", mergeRID).WithField("queue", queueKey(q))

	featureBranches := make([]string, len(changes))
	for i, c := range changes {
		fb, ok := gerrit.FeatureBranch(c.MessageMeta)
		if !ok {
			if len(changes) > 1 {
				s.markDirty(q, changes)
			}
			return s.finish(ctx, q, mergeRID, changes, store.StatusStepFailed, logger, nil,
				fmt.Errorf("change %s has no Feature-Branch commit trailer", c.ChangeID))
		}
		featureBranches[i] = fb
	}

	for i, c := range changes {
		if err := s.store.AppendMergeChange(ctx, mergeRID, store.MergeChange{
			ChangeID: c.ChangeID, Project: c.Project, OwnerRID: c.OwnerRID,
			FeatureBranch: featureBranches[i], RequestTime: c.QueueTime,
			Revision: c.CurrentRevision, MsgMeta: c.MessageMeta,
		}); err != nil {
			return fmt.Errorf("recording merge change %s: %v", c.ChangeID, err)
		}
	}

	if canceled, err := s.store.IsCanceled(ctx, mergeRID); err == nil && canceled {
		return s.finish(ctx, q, mergeRID, changes, store.StatusCanceled, logger, nil, nil)
	}

	ws, err := s.workspace(ctx, q)
	if err != nil {
		return s.finish(ctx, q, mergeRID, changes, store.StatusStepFailed, logger, nil, fmt.Errorf("opening workspace: %v", err))
	}

	stdout, stderr, closeLogs, err := s.openLogs(q, mergeRID)
	if err != nil {
		return s.finish(ctx, q, mergeRID, changes, store.StatusStepFailed, logger, nil, err)
	}
	defer closeLogs()

	if err := ws.Fetch(ctx); err != nil {
		return s.finish(ctx, q, mergeRID, changes, store.StatusStepFailed, logger, nil, err)
	}

	branchID := fmt.Sprintf("%d", mergeRID)
	if s.node != nil {
		branchID = s.node.Generate().String()
	}
	mergeBranch := fmt.Sprintf("mq-merge-%s", branchID)
	var coalesce []workspace.CoalesceChange
	for i, c := range changes {
		coalesce = append(coalesce, workspace.CoalesceChange{Ref: refForChange(c), FeatureBranch: featureBranches[i]})
	}
	if err := ws.MergeCoalesced(ctx, changes[0].Branch, mergeBranch, coalesce); err != nil {
		logger.WithError(err).Warn("merge conflict")
		if len(changes) > 1 {
			s.markDirty(q, changes)
		}
		return s.finish(ctx, q, mergeRID, changes, store.StatusStepFailed, logger, ws, fmt.Errorf("merge conflict: %v", err))
	}

	// Push the staging branch before the build steps run (SPEC_FULL §4.4
	// step 3 / §4.6 step 4): build steps may themselves pull it.
	if err := ws.Push(ctx, mergeBranch, mergeBranch); err != nil {
		if len(changes) > 1 {
			s.markDirty(q, changes)
		}
		return s.finish(ctx, q, mergeRID, changes, store.StatusStepFailed, logger, ws, fmt.Errorf("pushing staging branch: %v", err))
	}
	defer func() {
		if err := ws.DeleteRemote(ctx, mergeBranch); err != nil {
			logger.WithError(err).Warn("failed to delete staging branch on origin")
		}
	}()

	runner := steprunner.NewRunner(logger, s.gerritCancelChecker(changes), s.dbCancelChecker(mergeRID), 0)
	var steps []steprunner.Step
	for i, cmd := range q.BuildSteps {
		steps = append(steps, steprunner.Step{
			Name: fmt.Sprintf("step-%d", i), Args: splitCommand(cmd),
			Env: q.Env(os.Environ()), Dir: ws.Dir,
			SuppressGerritPoll: !q.SubmitWithRest && i == len(q.BuildSteps)-1,
		})
	}
	status, runErr := runner.Run(ctx, steps, stdout, stderr)

	if status == store.StatusSuccess {
		if q.SubmitWithRest {
			for _, c := range changes {
				if _, err := s.review.Submit(ctx, c.ChangeID); err != nil {
					status = store.StatusStepFailed
					runErr = fmt.Errorf("submitting %s: %v", c.ChangeID, err)
					break
				}
			}
		} else {
			status, runErr = s.submitWithCmd(ctx, q, ws, changes, featureBranches, runner, stdout, stderr)
		}
	}

	if status != store.StatusSuccess && len(changes) > 1 {
		s.markDirty(q, changes)
	}
	if err := ws.Cleanup(ctx); err != nil {
		logger.WithError(err).Warn("workspace cleanup failed")
	}

	return s.finish(ctx, q, mergeRID, changes, status, logger, ws, runErr)
}

// submitWithCmd performs SPEC_FULL §4.6 step 7's non-REST submit path:
// per change, in order, checkout the target branch, pull it, merge the
// change's (now cumulative) feature branch into it, then run the
// queue's submit_cmd as a supervised child process. The loop stops at
// the first error. Grounded on submit_changes_with_cmd (daemon.py
// ~318-342).
func (s *Scheduler) submitWithCmd(ctx context.Context, q *config.QueueSpec, ws *workspace.Driver, changes []store.ChangeInfo, featureBranches []string, runner *steprunner.Runner, stdout, stderr io.Writer) (store.Status, error) {
	if len(q.SubmitCmd) == 0 {
		return store.StatusStepFailed, fmt.Errorf("queue %s has submit_with_rest=false but no submit_cmd configured", queueKey(q))
	}
	target := changes[0].Branch
	for i, c := range changes {
		if err := ws.Pull(ctx, target); err != nil {
			return store.StatusStepFailed, fmt.Errorf("pulling %s: %v", target, err)
		}
		if _, err := ws.CheckoutAndMerge(ctx, target, featureBranches[i]); err != nil {
			return store.StatusStepFailed, fmt.Errorf("merging %s into %s: %v", featureBranches[i], target, err)
		}
		submitStep := steprunner.Step{
			Name: fmt.Sprintf("submit-%s", c.ChangeID), Args: q.SubmitCmd,
			Env: q.Env(os.Environ()), Dir: ws.Dir, SuppressGerritPoll: true,
		}
		if status, err := runner.Run(ctx, []steprunner.Step{submitStep}, stdout, stderr); status != store.StatusSuccess {
			return status, fmt.Errorf("submit_cmd failed for %s: %v", c.ChangeID, err)
		}
	}
	return store.StatusSuccess, nil
}

// finish posts the result comment (P5-adjacent scoring rule: a -1 review
// vote is only posted when a single-change verification fails, never on
// a coalesced failure, since a coalesced failure doesn't indict any one
// change), completes the merge_history row, and clears dirty-set
// membership on success. The logs are gzipped by the close function
// openLogs returns, not here.
func (s *Scheduler) finish(ctx context.Context, q *config.QueueSpec, mergeRID int64, changes []store.ChangeInfo, status store.Status, logger *logrus.Entry, ws *workspace.Driver, cause error) error {
	now := time.Now()
	if err := s.store.CompleteMerge(ctx, mergeRID, status, now); err != nil {
		logger.WithError(err).Error("failed to complete merge record")
	}

	if status == store.StatusSuccess {
		s.clearDirty(q, changes)
		for _, c := range changes {
			_ = s.review.SetReview(ctx, c.ChangeID, c.CurrentRevision, gerrit.ReviewInput{
				Message: "Merged by the merge queue.",
				Notify:  "NONE",
			})
		}
	} else {
		msg := "Verification failed."
		if cause != nil {
			msg = fmt.Sprintf("Verification failed: %v", cause)
		}
		review := gerrit.ReviewInput{Message: msg, Notify: "OWNER"}
		if len(changes) == 1 {
			review.Labels = map[string]int{gerrit.MergeQueueLabel: -1}
		}
		for _, c := range changes {
			_ = s.review.SetReview(ctx, c.ChangeID, c.CurrentRevision, review)
		}
	}

	metrics.VerificationOutcomes.WithLabelValues(queueKey(q), status.String()).Inc()
	logger.WithField("status", status.String()).Info("verification finished")
	if cause != nil {
		return cause
	}
	return nil
}

func refForChange(c store.ChangeInfo) string {
	return fmt.Sprintf("refs/changes/%s/%s", lastTwoDigits(c.ChangeID), c.CurrentRevision)
}

func lastTwoDigits(changeID string) string {
	if len(changeID) < 2 {
		return "00"
	}
	return changeID[len(changeID)-2:]
}

func splitCommand(cmd string) []string {
	var args []string
	cur := ""
	for _, r := range cmd {
		if r == ' ' {
			if cur != "" {
				args = append(args, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		args = append(args, cur)
	}
	return args
}

// gerritCancelChecker reports a cancel once any of changes no longer
// resolves to a +1 merge-queue score upstream. A review client without
// GetChange never reports a cancel.
func (s *Scheduler) gerritCancelChecker(changes []store.ChangeInfo) steprunner.CancelChecker {
	getter, ok := s.review.(interface {
		GetChange(ctx context.Context, changeID string) (*gerrit.Change, error)
	})
	if !ok {
		return func(ctx context.Context) (bool, error) { return false, nil }
	}
	return func(ctx context.Context) (bool, error) {
		for _, c := range changes {
			ch, err := getter.GetChange(ctx, c.ChangeID)
			if err != nil {
				return false, err
			}
			if ch.QueueScore != 1 {
				return true, nil
			}
		}
		return false, nil
	}
}

func (s *Scheduler) dbCancelChecker(mergeRID int64) steprunner.CancelChecker {
	return func(ctx context.Context) (bool, error) { return s.store.IsCanceled(ctx, mergeRID) }
}

// openLogs creates the .stdout and .stderr files for mergeRID under the
// queue's directory inside the configured log_path (or a mergequeue-logs
// directory in the system temp dir when log_path is unset); no separate
// .log file is written. Logs are gzip-compressed in place once the
// verification completes, leaving a zero-byte stub at the original path
// so a static file server configured with gzip_static keeps serving the
// same URL (SPEC_FULL §3; gzip_old_logs).
func (s *Scheduler) openLogs(q *config.QueueSpec, mergeRID int64) (stdout, stderr io.Writer, closeFn func(), err error) {
	root := s.cfg.Daemon.LogPath
	if root == "" {
		root = filepath.Join(os.TempDir(), "mergequeue-logs")
	}
	dir := filepath.Join(root, queueKey(q))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("creating log dir: %v", err)
	}
	stdoutPath := filepath.Join(dir, fmt.Sprintf("%d.stdout", mergeRID))
	stderrPath := filepath.Join(dir, fmt.Sprintf("%d.stderr", mergeRID))

	outF, err := os.Create(stdoutPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating stdout log: %v", err)
	}
	errF, err := os.Create(stderrPath)
	if err != nil {
		outF.Close()
		return nil, nil, nil, fmt.Errorf("creating stderr log: %v", err)
	}

	closeFn = func() {
		outF.Close()
		errF.Close()
		gzipAndStub(stdoutPath, s.logger)
		gzipAndStub(stderrPath, s.logger)
	}
	return outF, errF, closeFn, nil
}

func gzipAndStub(path string, logger *logrus.Entry) {
	in, err := os.Open(path)
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("could not open log for gzip")
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("could not create gzip log")
		return
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		logger.WithError(err).WithField("path", path).Warn("gzip copy failed")
	}
	gz.Close()
	out.Close()

	// truncate the original to a zero-byte stub rather than deleting it,
	// so a web server's gzip_static lookup for this exact path still
	// finds something to 304/serve from the .gz sibling.
	if f, err := os.Create(path); err == nil {
		f.Close()
	}
}
