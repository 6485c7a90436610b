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
package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher notifies the daemon when either the config file or the running
// binary on disk changes, so the daemon can re-exec itself with a fresh
// image instead of carrying stale code or stale config across a long
// uptime. Mirrors gerrit_mq's restart_if_modified, reduced to watching the
// binary and the config file rather than every imported module.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *logrus.Entry
}

// NewWatcher starts watching binaryPath and configPath for writes/removes.
func NewWatcher(binaryPath, configPath string, logger *logrus.Entry) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %v", err)
	}
	for _, p := range []string{binaryPath, configPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			logger.WithError(err).WithField("path", p).Warn("cannot watch path, skipping")
			continue
		}
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, fmt.Errorf("watching %s: %v", p, err)
		}
	}
	return &Watcher{watcher: w, logger: logger}, nil
}

// Changed returns a channel that receives a value whenever a watched file
// is written or removed (removal happens on many editors' atomic-rename
// save, and on package-manager binary upgrades).
func (w *Watcher) Changed() <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					select {
					case out <- struct{}{}:
					default:
					}
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.WithError(err).Warn("watch error")
			}
		}
	}()
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
