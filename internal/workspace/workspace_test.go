package workspace

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// runGit is a small helper used only by tests to set up a scratch repo
// directly, independent of the Driver under test.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &out
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	require.NoError(t, cmd.Run(), "git %v: %s", args, out.String())
	return out.String()
}

func newLocalRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "master")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644))
	runGit(t, dir, "add", "README")
	runGit(t, dir, "commit", "-m", "initial commit")
	return dir
}

func TestCheckoutAndMergeCommitsRealChange(t *testing.T) {
	dir := newLocalRepo(t)
	runGit(t, dir, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.txt"), []byte("x\n"), 0o644))
	runGit(t, dir, "add", "feature.txt")
	runGit(t, dir, "commit", "-m", "add feature")
	runGit(t, dir, "checkout", "master")

	d := &Driver{Dir: dir, Author: Author{Name: "mq-bot", Email: "mq-bot@example.com"}, logger: logrus.NewEntry(logrus.New())}
	merged, err := d.CheckoutAndMerge(context.Background(), "master", "feature")
	require.NoError(t, err)
	require.True(t, merged)

	_, err = os.Stat(filepath.Join(dir, "feature.txt"))
	require.NoError(t, err)
}

func TestCheckoutAndMergeNoOpWhenAlreadyAncestor(t *testing.T) {
	dir := newLocalRepo(t)
	runGit(t, dir, "branch", "already-merged")

	d := &Driver{Dir: dir, Author: Author{Name: "mq-bot", Email: "mq-bot@example.com"}, logger: logrus.NewEntry(logrus.New())}
	merged, err := d.CheckoutAndMerge(context.Background(), "master", "already-merged")
	require.NoError(t, err)
	require.False(t, merged)
}

func TestMergeCoalescedUpdatesMergeBranchAndEachFeatureBranch(t *testing.T) {
	origin := t.TempDir()
	runGit(t, origin, "init", "--bare", "-b", "master")

	seed := t.TempDir()
	runGit(t, seed, "init", "-b", "master")
	runGit(t, seed, "remote", "add", "origin", origin)
	require.NoError(t, os.WriteFile(filepath.Join(seed, "README"), []byte("hello\n"), 0o644))
	runGit(t, seed, "add", "README")
	runGit(t, seed, "commit", "-m", "initial commit")
	runGit(t, seed, "push", "origin", "master")

	runGit(t, seed, "checkout", "-b", "feat/a")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "a.txt"), []byte("a\n"), 0o644))
	runGit(t, seed, "add", "a.txt")
	runGit(t, seed, "commit", "-m", "change a")
	runGit(t, seed, "push", "origin", "feat/a")

	runGit(t, seed, "checkout", "master")
	runGit(t, seed, "checkout", "-b", "feat/b")
	require.NoError(t, os.WriteFile(filepath.Join(seed, "b.txt"), []byte("b\n"), 0o644))
	runGit(t, seed, "add", "b.txt")
	runGit(t, seed, "commit", "-m", "change b")
	runGit(t, seed, "push", "origin", "feat/b")

	dir := t.TempDir()
	runGit(t, dir, "clone", origin, ".")

	d := &Driver{Dir: dir, RemoteURL: origin, Author: Author{Name: "mq-bot", Email: "mq-bot@example.com"}, logger: logrus.NewEntry(logrus.New())}
	err := d.MergeCoalesced(context.Background(), "master", "mq-merge-1", []CoalesceChange{
		{Ref: "feat/a", FeatureBranch: "feat/a"},
		{Ref: "feat/b", FeatureBranch: "feat/b"},
	})
	require.NoError(t, err)

	runGit(t, dir, "checkout", "mq-merge-1")
	_, err = os.Stat(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)

	runGit(t, dir, "checkout", "feat/b")
	_, err = os.Stat(filepath.Join(dir, "a.txt"))
	require.NoError(t, err, "feat/b should have picked up a.txt via the bidirectional merge")
}

func TestCleanupRemovesUntrackedFilesAndExtraBranches(t *testing.T) {
	dir := newLocalRepo(t)
	runGit(t, dir, "branch", "stray")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "untracked.txt"), []byte("junk"), 0o644))

	d := &Driver{Dir: dir, logger: logrus.NewEntry(logrus.New())}
	require.NoError(t, d.Cleanup(context.Background()))

	_, err := os.Stat(filepath.Join(dir, "untracked.txt"))
	require.True(t, os.IsNotExist(err))

	out := runGit(t, dir, "branch", "--format=%(refname:short)")
	require.NotContains(t, out, "stray")
}
