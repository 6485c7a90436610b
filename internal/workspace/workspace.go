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
// Package workspace is the Workspace Driver (C4): a scratch git checkout
// that the Scheduler drives through fetch, merge, push and cleanup for
// each verification. It mirrors gerrit_mq's daemon.py git handling —
// get_or_clone_repo, merge_a_into_b, merge_features_together, and
// cleanup_repo. go-git performs the initial clone; every other operation
// (fetch, checkout, merge, commit, push, branch, reset, clean) runs the
// real git binary.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/sirupsen/logrus"
)

// Author is the identity forced onto every merge commit this driver
// creates: the merge commit is authored as the daemon itself, not as
// HEAD's author and not as any of the individual change owners.
type Author struct {
	Name  string
	Email string
}

// Driver drives one local clone rooted at Dir.
type Driver struct {
	Dir        string
	RemoteURL  string
	Author     Author
	logger     *logrus.Entry
}

// Open clones remoteURL into dir if dir does not already contain a
// repository, or opens the existing clone and leaves it otherwise.
// Mirrors get_or_clone_repo.
func Open(ctx context.Context, dir, remoteURL string, author Author, logger *logrus.Entry) (*Driver, error) {
	d := &Driver{Dir: dir, RemoteURL: remoteURL, Author: author, logger: logger}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return d, nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent of %s: %v", dir, err)
	}
	logger.WithField("remote", remoteURL).WithField("dir", dir).Info("cloning workspace")
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: remoteURL})
	if err != nil {
		return nil, fmt.Errorf("cloning %s into %s: %v", remoteURL, dir, err)
	}
	return d, nil
}

func (d *Driver) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = d.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, out.String())
	}
	return out.String(), nil
}

// Fetch updates all remote-tracking refs.
func (d *Driver) Fetch(ctx context.Context) error {
	_, err := d.git(ctx, "fetch", "origin", "--prune")
	if err != nil {
		return fmt.Errorf("fetching origin: %v", err)
	}
	return nil
}

// FetchRef fetches one specific ref (a Gerrit change/patchset ref) into
// FETCH_HEAD.
func (d *Driver) FetchRef(ctx context.Context, ref string) error {
	_, err := d.git(ctx, "fetch", "origin", ref)
	if err != nil {
		return fmt.Errorf("fetching ref %s: %v", ref, err)
	}
	return nil
}

// Checkout hard-resets the working tree onto ref, discarding any prior
// in-progress merge state.
func (d *Driver) Checkout(ctx context.Context, ref string) error {
	if _, err := d.git(ctx, "checkout", "-f", ref); err != nil {
		return fmt.Errorf("checking out %s: %v", ref, err)
	}
	return nil
}

// CreateBranch creates (or resets) localBranch to point at startPoint.
func (d *Driver) CreateBranch(ctx context.Context, localBranch, startPoint string) error {
	if _, err := d.git(ctx, "checkout", "-B", localBranch, startPoint); err != nil {
		return fmt.Errorf("creating branch %s at %s: %v", localBranch, startPoint, err)
	}
	return nil
}

// CheckoutAndMerge checks out into, then merges from into it. If the
// merge produces no diff against HEAD (a no-op merge — from is already
// an ancestor of into), no commit is made and merged=false is returned,
// exactly matching merge_a_into_b's `git status --porcelain` emptiness
// check. Otherwise a merge commit is created, authored as Driver.Author
// regardless of whose change is being merged (the GIT_EDITOR=true
// environment variable suppresses the interactive default-message
// editor, just as in the Python original).
func (d *Driver) CheckoutAndMerge(ctx context.Context, into, from string) (merged bool, err error) {
	if err := d.Checkout(ctx, into); err != nil {
		return false, err
	}
	if _, err := d.git(ctx, "merge", "--no-commit", "--no-ff", from); err != nil {
		return false, fmt.Errorf("merging %s into %s: %v", from, into, err)
	}
	status, err := d.git(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking merge status: %v", err)
	}
	if strings.TrimSpace(status) == "" {
		if _, err := d.git(ctx, "merge", "--abort"); err != nil {
			d.logger.WithError(err).Warn("merge --abort after no-op merge failed (nothing to abort)")
		}
		return false, nil
	}

	cmd := exec.CommandContext(ctx, "git", "commit", "--no-edit",
		"--author", fmt.Sprintf("%s <%s>", d.Author.Name, d.Author.Email))
	cmd.Dir = d.Dir
	cmd.Env = append(os.Environ(), "GIT_EDITOR=true")
	var out bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &out
	if err := cmd.Run(); err != nil {
		return false, fmt.Errorf("committing merge of %s into %s: %v: %s", from, into, err, out.String())
	}
	return true, nil
}

// CoalesceChange is one change folded into a coalesced merge: Ref is the
// Gerrit patchset ref that carries its commit, FeatureBranch is the
// branch named by its Feature-Branch commit trailer.
type CoalesceChange struct {
	Ref           string
	FeatureBranch string
}

// MergeCoalesced folds every change in changes into a fresh branch cut
// from target, matching merge_features_together: a merge branch M is
// created from target, then for each change in order, M is merged into
// the change's feature branch (fast-forwarding it across the coalesce
// so far), and the updated feature branch is merged back into M. Each
// feature branch therefore ends up containing the cumulative coalesce,
// which the non-REST submit path depends on. Any merge conflict aborts
// the whole coalesced attempt — the Scheduler falls back to verifying
// changes one at a time (P6/P7) rather than retrying here.
func (d *Driver) MergeCoalesced(ctx context.Context, target, mergeBranch string, changes []CoalesceChange) error {
	if err := d.Checkout(ctx, target); err != nil {
		return err
	}
	if err := d.CreateBranch(ctx, mergeBranch, target); err != nil {
		return err
	}
	for _, c := range changes {
		if err := d.FetchRef(ctx, c.Ref); err != nil {
			return err
		}
		if _, err := d.git(ctx, "branch", "-f", c.FeatureBranch, "FETCH_HEAD"); err != nil {
			return fmt.Errorf("updating local feature branch %s: %v", c.FeatureBranch, err)
		}
		if _, err := d.CheckoutAndMerge(ctx, c.FeatureBranch, mergeBranch); err != nil {
			return fmt.Errorf("merging %s into %s: %v", mergeBranch, c.FeatureBranch, err)
		}
		if _, err := d.CheckoutAndMerge(ctx, mergeBranch, c.FeatureBranch); err != nil {
			return fmt.Errorf("merging %s into %s: %v", c.FeatureBranch, mergeBranch, err)
		}
	}
	return nil
}

// Push pushes localRef to remoteRef on origin.
func (d *Driver) Push(ctx context.Context, localRef, remoteRef string) error {
	if _, err := d.git(ctx, "push", "origin", fmt.Sprintf("%s:%s", localRef, remoteRef)); err != nil {
		return fmt.Errorf("pushing %s to %s: %v", localRef, remoteRef, err)
	}
	return nil
}

// Pull checks out branch and fast-forwards it from origin, matching the
// non-REST submit path's "checkout target, pull" step (daemon.py's
// submit_changes_with_cmd: repo.git.checkout(target); repo.git.pull()).
func (d *Driver) Pull(ctx context.Context, branch string) error {
	if err := d.Checkout(ctx, branch); err != nil {
		return err
	}
	if _, err := d.git(ctx, "pull", "origin", branch); err != nil {
		return fmt.Errorf("pulling %s: %v", branch, err)
	}
	return nil
}

// DeleteRemote deletes branch on origin. Called after every verification
// attempt, success or failure, so pushed staging branches never leak.
func (d *Driver) DeleteRemote(ctx context.Context, branch string) error {
	if _, err := d.git(ctx, "push", "origin", "--delete", branch); err != nil {
		return fmt.Errorf("deleting remote branch %s: %v", branch, err)
	}
	return nil
}

// Cleanup restores the workspace to a pristine state between merges:
// reset --hard, clean -fd, checkout master, clean -fd again, and delete
// every local branch except master. Matches cleanup_repo exactly.
func (d *Driver) Cleanup(ctx context.Context) error {
	if _, err := d.git(ctx, "reset", "--hard"); err != nil {
		return fmt.Errorf("reset --hard: %v", err)
	}
	if _, err := d.git(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean -fd: %v", err)
	}
	if _, err := d.git(ctx, "checkout", "-f", "master"); err != nil {
		return fmt.Errorf("checkout master: %v", err)
	}
	if _, err := d.git(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("clean -fd (post-checkout): %v", err)
	}

	out, err := d.git(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return fmt.Errorf("listing branches: %v", err)
	}
	for _, b := range strings.Split(out, "\n") {
		b = strings.TrimSpace(b)
		if b == "" || b == "master" {
			continue
		}
		if _, err := d.git(ctx, "branch", "-D", b); err != nil {
			return fmt.Errorf("deleting branch %s: %v", b, err)
		}
	}
	return nil
}
