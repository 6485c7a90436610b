/*
Copyright 2018 The Kubernetes Authors.

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

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/clarketm/mergequeue/internal/api"
	"github.com/clarketm/mergequeue/internal/config"
	"github.com/clarketm/mergequeue/internal/daemon"
	"github.com/clarketm/mergequeue/internal/gerrit"
	"github.com/clarketm/mergequeue/internal/poller"
	"github.com/clarketm/mergequeue/internal/scheduler"
	"github.com/clarketm/mergequeue/internal/store"
	"github.com/clarketm/mergequeue/internal/workspace"
)

type options struct {
	configPath string
	httpAddr   string
	dryRun     bool
}

func (o *options) Validate() error {
	if o.configPath == "" {
		return errors.New("--config-path must be set")
	}
	return nil
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.StringVar(&o.configPath, "config-path", "", "Path to mergequeue.yaml.")
	fs.StringVar(&o.httpAddr, "http-addr", ":8888", "Address the Inspection API and metrics endpoint listen on.")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Has no effect: the daemon pushes, submits and posts reviews whether or not it is set.")
	fs.Parse(args)
	return o
}

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logger := logrus.WithField("component", "mergequeue")

	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.Validate(); err != nil {
		logger.WithError(err).Fatal("invalid options")
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		logger.WithError(err).Fatal("error loading config")
	}

	if err := os.MkdirAll(cfg.Daemon.DataRoot, 0o755); err != nil {
		logger.WithError(err).Fatal("error creating data root")
	}

	if err := daemon.AcquirePIDFile(cfg.Daemon.PIDFile); err != nil {
		logger.WithError(err).Fatal("error acquiring pid file")
	}
	defer daemon.ReleasePIDFile(cfg.Daemon.PIDFile)

	st, err := store.Open(cfg.Daemon.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("error opening store")
	}
	defer st.Close()

	if n, err := st.MarkStaleInProgress(context.Background(), time.Now()); err != nil {
		logger.WithError(err).Fatal("error recovering stale in-progress merges")
	} else if n > 0 {
		logger.WithField("count", n).Warn("recovered stale in-progress merges from a prior crash")
	}

	daemon.PrimeCCache(context.Background(), cfg.Daemon.CCachePath, cfg.Daemon.CCacheMaxMB, logger)

	reviewClient, err := gerrit.NewClient(cfg.Gerrit.URL, cfg.Gerrit.Username, cfg.Gerrit.Password, logger)
	if err != nil {
		logger.WithError(err).Fatal("error creating gerrit client")
	}

	p := poller.New(cfg, reviewClient, st, logger)

	workspaceFactory := func(ctx context.Context, q *config.QueueSpec) (*workspace.Driver, error) {
		dir := cfg.Daemon.DataRoot + "/workspaces/" + q.Project + "/" + q.Name
		remote := sshRemoteURL(cfg.Gerrit, q.Project)
		return workspace.Open(ctx, dir, remote, workspace.Author{Name: "merge-queue", Email: cfg.Gerrit.Username + "@" + hostOf(cfg.Gerrit.URL)}, logger)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		logger.WithError(err).Fatal("error creating snowflake node")
	}
	sched := scheduler.New(cfg, reviewClient, st, workspaceFactory, node, logger)

	var watcher *config.Watcher
	if cfg.Daemon.WatchBinary || cfg.Daemon.WatchConfig {
		exe, _ := os.Executable()
		binPath, cfgPath := "", ""
		if cfg.Daemon.WatchBinary {
			binPath = exe
		}
		if cfg.Daemon.WatchConfig {
			cfgPath = o.configPath
		}
		watcher, err = config.NewWatcher(binPath, cfgPath, logger)
		if err != nil {
			logger.WithError(err).Warn("could not start file watcher, self-restart disabled")
			watcher = nil
		}
	}

	loop := daemon.New(cfg, p, sched, watcher, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.New(st, cfg.Daemon.PIDFile, cfg.Daemon.OfflineFile, logger))
	srv := &http.Server{Addr: o.httpAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("inspection api server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("daemon loop exited with error")
	}
}

func hostOf(url string) string {
	rest := strings.TrimPrefix(url, "https://")
	rest = strings.TrimPrefix(rest, "http://")
	if i := strings.IndexAny(rest, "/:"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// sshRemoteURL builds the ssh clone URL gerrit_mq uses for its
// get_or_clone_repo calls: ssh://{user}@{host}:{port}/{project}.git.
func sshRemoteURL(g config.Gerrit, project string) string {
	return "ssh://" + g.SSHUser + "@" + g.SSHHost + ":" + strconv.Itoa(g.SSHPort) + "/" + project + ".git"
}
