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

// Package config knows how to read and parse mergequeue.yaml.
package config

import (
	"fmt"
	"io/ioutil"
	"regexp"
	"time"

	"github.com/ghodss/yaml"
)

// Config is a read-only snapshot of the daemon's configuration.
type Config struct {
	Daemon Daemon      `json:"daemon"`
	Gerrit Gerrit      `json:"gerrit"`
	Queues []QueueSpec `json:"queues,omitempty"`
}

// Daemon holds process-wide settings: where the daemon keeps its state on
// disk, how often it polls, and the files it uses for mutual exclusion and
// cooperative pause.
type Daemon struct {
	DataRoot string `json:"data_root"`
	DBPath   string `json:"db_path"`
	LogPath  string `json:"log_path"`

	PIDFile      string `json:"pid_file"`
	OfflineFile  string `json:"offline_file"`
	WatchBinary  bool   `json:"watch_binary"`
	WatchConfig  bool   `json:"watch_config"`
	CCachePath   string `json:"ccache_path,omitempty"`
	CCacheMaxMB  int    `json:"ccache_max_mb,omitempty"`

	// PollPeriodString compiles into PollPeriod at load time.
	PollPeriodString string `json:"poll_period,omitempty"`
	PollPeriod       time.Duration `json:"-"`

	// BackoffMaxString compiles into BackoffMax at load time.
	BackoffMaxString string        `json:"backoff_max,omitempty"`
	BackoffMax       time.Duration `json:"-"`
}

// Gerrit holds the REST and SSH connection settings for the Review Client.
type Gerrit struct {
	URL                         string `json:"url"`
	Username                    string `json:"username"`
	Password                    string `json:"password"`
	DisableSSLCertificateCheck  bool   `json:"disable_ssl_certificate_validation,omitempty"`

	SSHUser         string `json:"ssh_user"`
	SSHHost         string `json:"ssh_host"`
	SSHPort         int    `json:"ssh_port"`
	SSHCheckHostKey bool   `json:"ssh_check_hostkey"`
}

// QueueSpec configures one serialization queue: a project, a branch-name
// regex, the build environment and steps to run when verifying, and
// whether the last build step or a REST call performs the final submit.
type QueueSpec struct {
	Project string `json:"project"`
	Name    string `json:"name"`

	// BranchString compiles into Branch at load time.
	BranchString string         `json:"branch"`
	Branch       *regexp.Regexp `json:"-"`

	BuildEnv      map[string]string `json:"build_env,omitempty"`
	MergeBuildEnv bool              `json:"merge_build_env,omitempty"`
	BuildSteps    []string          `json:"build_steps"`
	SubmitWithRest bool             `json:"submit_with_rest"`

	// SubmitCmd is the argv run per-change when SubmitWithRest is false,
	// instead of submitting through the Gerrit REST API.
	SubmitCmd []string `json:"submit_cmd,omitempty"`

	// CoalesceCount bounds how many ready changes get folded into one
	// coalesced verification attempt (0 or 1 disables coalescing).
	CoalesceCount int `json:"coalesce_count,omitempty"`
}

// Env returns the environment that should be handed to a build step: the
// queue's own build_env, optionally merged over the host process's own
// environment. Each build_env value is a single string written as-is;
// no PATH-list joining is done.
func (q *QueueSpec) Env(hostEnv []string) []string {
	if !q.MergeBuildEnv {
		out := make([]string, 0, len(q.BuildEnv))
		for k, v := range q.BuildEnv {
			out = append(out, k+"="+v)
		}
		return out
	}
	out := append([]string{}, hostEnv...)
	for k, v := range q.BuildEnv {
		out = append(out, k+"="+v)
	}
	return out
}

// Load loads and parses the config at path.
func Load(path string) (*Config, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %v", path, err)
	}
	nc := &Config{}
	if err := yaml.Unmarshal(b, nc); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %v", path, err)
	}
	if err := parseConfig(nc); err != nil {
		return nil, err
	}
	return nc, nil
}

func parseConfig(c *Config) error {
	if c.Daemon.PollPeriodString == "" {
		c.Daemon.PollPeriodString = "30s"
	}
	d, err := time.ParseDuration(c.Daemon.PollPeriodString)
	if err != nil {
		return fmt.Errorf("cannot parse poll_period: %v", err)
	}
	c.Daemon.PollPeriod = d

	if c.Daemon.BackoffMaxString == "" {
		c.Daemon.BackoffMaxString = "5m"
	}
	backoff, err := time.ParseDuration(c.Daemon.BackoffMaxString)
	if err != nil {
		return fmt.Errorf("cannot parse backoff_max: %v", err)
	}
	c.Daemon.BackoffMax = backoff

	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Name == "" {
			q.Name = q.BranchString
		}
		re, err := regexp.Compile(q.BranchString)
		if err != nil {
			return fmt.Errorf("could not compile branch regex for queue %s/%s: %v", q.Project, q.Name, err)
		}
		q.Branch = re
		if len(q.BuildSteps) == 0 {
			return fmt.Errorf("queue %s/%s has no build_steps", q.Project, q.Name)
		}
	}
	return nil
}

// ForChange returns the first QueueSpec whose project matches exactly and
// whose branch regex matches, or nil. Mirrors
// get_requests_from_single_queue's first-match semantics.
func (c *Config) ForChange(project, branch string) *QueueSpec {
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Project != project {
			continue
		}
		if q.Branch != nil && q.Branch.MatchString(branch) {
			return q
		}
	}
	return nil
}
