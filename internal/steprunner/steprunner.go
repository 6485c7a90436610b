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
// Package steprunner is the Step Runner (C5): it executes a QueueSpec's
// build_steps as child processes inside the Workspace Driver's checkout,
// polling for cancellation and fatal timeouts while they run. Mirrors
// gerrit_mq's daemon.py run_steps/kill_step.
package steprunner

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/internal/store"
)

const (
	supervisionTick    = 1 * time.Second
	gerritCancelPoll   = 30 * time.Second
	dbCancelPoll       = 10 * time.Second
	heartbeatInterval  = 5 * time.Minute
	killPollInterval   = 2 * time.Second
	killPollIterations = 5 // 2s * 5 == 10s per signal, matching kill_step's bounds
)

// CancelChecker reports whether a merge has been canceled through some
// external channel (Gerrit label flip, or an operator's DB cancellation
// request).
type CancelChecker func(ctx context.Context) (bool, error)

// Step describes one build command to run.
type Step struct {
	Name string
	Args []string
	Env  []string
	Dir  string
	// SuppressGerritPoll is true on the final step of a queue that does
	// NOT submit via the Gerrit REST API: that step performs the actual
	// push/submit itself, so polling Gerrit for a cancel is moot once it
	// starts (daemon.py:421-432 — should_poll_gerrit is False iff
	// not submit_with_rest and step_idx == len-1). A REST-submitting
	// queue's last step is still an ordinary build step — the real
	// submit happens afterward — so it keeps polling.
	SuppressGerritPoll bool
}

// Runner executes a sequence of Steps, stopping at the first failure,
// cancellation, or timeout.
type Runner struct {
	logger        *logrus.Entry
	gerritCancel  CancelChecker
	dbCancel      CancelChecker
	stepTimeout   time.Duration
}

// NewRunner builds a Runner. stepTimeout of zero means no per-step wall
// clock limit (only cancellation can stop a step early).
func NewRunner(logger *logrus.Entry, gerritCancel, dbCancel CancelChecker, stepTimeout time.Duration) *Runner {
	return &Runner{logger: logger, gerritCancel: gerritCancel, dbCancel: dbCancel, stepTimeout: stepTimeout}
}

// Run executes steps in order against stdout/stderr, returning the
// terminal store.Status for the whole run.
func (r *Runner) Run(ctx context.Context, steps []Step, stdout, stderr io.Writer) (store.Status, error) {
	for i, step := range steps {
		fmt.Fprintf(stdout, "\n===== step %d/%d: %s =====\n", i+1, len(steps), step.Name)

		status, err := r.runOne(ctx, step, stdout, stderr)
		if status != store.StatusSuccess {
			return status, err
		}
	}
	return store.StatusSuccess, nil
}

func (r *Runner) runOne(ctx context.Context, step Step, stdout, stderr io.Writer) (store.Status, error) {
	cmd := exec.Command(step.Args[0], step.Args[1:]...)
	cmd.Dir = step.Dir
	cmd.Env = step.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return store.StatusStepFailed, fmt.Errorf("starting step %s: %v", step.Name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(supervisionTick)
	defer ticker.Stop()

	var elapsed time.Duration
	var sinceGerritPoll, sinceDBPoll, sinceHeartbeat time.Duration

	pollGerrit := !step.SuppressGerritPoll

	for {
		select {
		case err := <-done:
			if err != nil {
				return store.StatusStepFailed, fmt.Errorf("step %s failed: %v", step.Name, err)
			}
			return store.StatusSuccess, nil

		case <-ticker.C:
			elapsed += supervisionTick
			sinceGerritPoll += supervisionTick
			sinceDBPoll += supervisionTick
			sinceHeartbeat += supervisionTick

			if r.stepTimeout > 0 && elapsed > r.stepTimeout {
				r.killProcess(ctx, cmd)
				<-done
				return store.StatusTimeout, fmt.Errorf("step %s exceeded timeout %v", step.Name, r.stepTimeout)
			}

			if pollGerrit && sinceGerritPoll >= gerritCancelPoll {
				sinceGerritPoll = 0
				if canceled, err := r.checkCancel(ctx, r.gerritCancel); err != nil {
					r.logger.WithError(err).Warn("gerrit cancel poll failed")
				} else if canceled {
					r.killProcess(ctx, cmd)
					<-done
					return store.StatusCanceled, fmt.Errorf("step %s canceled via gerrit", step.Name)
				}
			}

			if sinceDBPoll >= dbCancelPoll {
				sinceDBPoll = 0
				if canceled, err := r.checkCancel(ctx, r.dbCancel); err != nil {
					r.logger.WithError(err).Warn("db cancel poll failed")
				} else if canceled {
					r.killProcess(ctx, cmd)
					<-done
					return store.StatusCanceled, fmt.Errorf("step %s canceled via db", step.Name)
				}
			}

			if sinceHeartbeat >= heartbeatInterval {
				sinceHeartbeat = 0
				r.logger.WithField("step", step.Name).WithField("elapsed", elapsed).Info("still running")
			}
		}
	}
}

func (r *Runner) checkCancel(ctx context.Context, check CancelChecker) (bool, error) {
	if check == nil {
		return false, nil
	}
	return check(ctx)
}

// killProcess sends SIGTERM, polling every 2s for up to 10s, then SIGKILL
// under the same bound, matching kill_step's two-phase escalation.
func (r *Runner) killProcess(ctx context.Context, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	r.logger.Warn("terminating step process")
	_ = cmd.Process.Signal(syscall.SIGTERM)
	if r.waitForExit(cmd) {
		return
	}
	r.logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
	_ = cmd.Process.Kill()
	if !r.waitForExit(cmd) {
		r.logger.Error("process zombified: did not exit after SIGKILL")
	}
}

func (r *Runner) waitForExit(cmd *exec.Cmd) bool {
	for i := 0; i < killPollIterations; i++ {
		time.Sleep(killPollInterval)
		if processExited(cmd) {
			return true
		}
	}
	return false
}

func processExited(cmd *exec.Cmd) bool {
	if cmd.ProcessState != nil {
		return true
	}
	if cmd.Process == nil {
		return true
	}
	return cmd.Process.Signal(syscall.Signal(0)) != nil
}
