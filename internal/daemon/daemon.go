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
// Package daemon is the Daemon Loop (C7): process-wide mutual exclusion,
// a cooperative offline sentinel, and the poll-then-schedule cadence.
// Mirrors gerrit_mq's daemon.py MergeDaemon.run and handle_pid_file.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/internal/config"
)

// Poller is the subset of the Poller component the Daemon Loop drives.
type Poller interface {
	Poll(ctx context.Context) error
}

// Scheduler is the subset of the Scheduler component the Daemon Loop drives.
type Scheduler interface {
	Tick(ctx context.Context) error
}

// Loop is the Daemon Loop: it owns the PID file, the offline sentinel,
// and the poll/schedule cadence.
type Loop struct {
	cfg       *config.Config
	poller    Poller
	scheduler Scheduler
	watcher   *config.Watcher
	logger    *logrus.Entry
}

// New builds a Loop. watcher may be nil to disable self-restart.
func New(cfg *config.Config, poller Poller, scheduler Scheduler, watcher *config.Watcher, logger *logrus.Entry) *Loop {
	return &Loop{cfg: cfg, poller: poller, scheduler: scheduler, watcher: watcher, logger: logger}
}

// AcquirePIDFile writes the current process's pid to path, refusing to
// start if a live process already owns it. Mirrors handle_pid_file's
// /proc/<pid>/stat liveness check: a stale pid file left behind by a
// crashed daemon does not block a fresh start.
func AcquirePIDFile(path string) error {
	if b, err := os.ReadFile(path); err == nil {
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(b)))
		if convErr == nil && processAlive(pid) {
			return fmt.Errorf("daemon already running with pid %d (%s)", pid, path)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReleasePIDFile removes the pid file on clean shutdown.
func ReleasePIDFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func processAlive(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d/stat", pid))
	return err == nil
}

// Offline reports whether the cooperative pause sentinel file exists.
func Offline(sentinelPath string) bool {
	_, err := os.Stat(sentinelPath)
	return err == nil
}

// PrimeCCache runs `ccache -M <maxMB>M` once at startup if configured,
// matching daemon.py's ccache sizing call (SPEC_FULL §3).
func PrimeCCache(ctx context.Context, path string, maxMB int, logger *logrus.Entry) {
	if path == "" || maxMB == 0 {
		return
	}
	cmd := exec.CommandContext(ctx, "ccache", "-M", fmt.Sprintf("%dM", maxMB))
	cmd.Env = append(os.Environ(), "CCACHE_DIR="+path)
	if out, err := cmd.CombinedOutput(); err != nil {
		logger.WithError(err).WithField("output", string(out)).Warn("ccache -M failed")
	}
}

// Run is the main loop: poll, then schedule, sleeping for PollPeriod
// between iterations (backing off toward BackoffMax when poll or
// schedule returns an error), pausing entirely while the offline
// sentinel exists, and re-executing the binary if the watcher reports a
// change.
func (l *Loop) Run(ctx context.Context) error {
	period := l.cfg.Daemon.PollPeriod
	var changed <-chan struct{}
	if l.watcher != nil {
		changed = l.watcher.Changed()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			l.logger.Info("binary or config changed, restarting")
			// exec keeps this pid, so the new image would otherwise find
			// its own live pid in the file and refuse to start.
			if err := ReleasePIDFile(l.cfg.Daemon.PIDFile); err != nil {
				l.logger.WithError(err).Warn("removing pid file before restart failed")
			}
			return restartSelf()
		default:
		}

		if Offline(l.cfg.Daemon.OfflineFile) {
			l.logger.Debug("offline sentinel present, pausing")
			time.Sleep(1 * time.Second)
			continue
		}

		if err := l.poller.Poll(ctx); err != nil {
			l.logger.WithError(err).Error("poll failed")
			period = backoff(period, l.cfg.Daemon.BackoffMax)
			time.Sleep(period)
			continue
		}

		if err := l.scheduler.Tick(ctx); err != nil {
			l.logger.WithError(err).Error("schedule tick failed")
			period = backoff(period, l.cfg.Daemon.BackoffMax)
			time.Sleep(period)
			continue
		}

		period = l.cfg.Daemon.PollPeriod
		time.Sleep(period)
	}
}

func backoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	if next <= 0 {
		return max
	}
	return next
}

func restartSelf() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %v", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}
