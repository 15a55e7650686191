package gitsync

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mschirtzinger/ledger/internal/vcs"
)

// isolateGit keeps the user's git configuration out of the test
func isolateGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
}

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// setupRemote creates a bare remote and a working copy pointing at it
func setupRemote(t *testing.T) (bare, work string) {
	t.Helper()
	root := t.TempDir()
	bare = filepath.Join(root, "remote.git")
	work = filepath.Join(root, "work")

	runGit(t, root, "init", "--bare", "-b", "main", bare)
	if err := os.Mkdir(work, 0755); err != nil {
		t.Fatal(err)
	}
	runGit(t, work, "init", "-b", "main")
	runGit(t, work, "config", "commit.gpgsign", "false")
	runGit(t, work, "remote", "add", "origin", bare)
	return bare, work
}

func realEngine() *Engine {
	return NewEngine(&Config{Logger: log.New(&bytes.Buffer{}, "", 0)})
}

func TestIntegration_FirstPublishAndNoop(t *testing.T) {
	isolateGit(t)
	bare, work := setupRemote(t)
	writeFile(t, work, "revenues.json", "[]\n")

	e := realEngine()
	targets := []Target{{Label: "income", Dir: work}}

	outcomes, err := e.Run(context.Background(), targets)
	if err != nil {
		t.Fatal(err)
	}
	o := outcomes[0]
	if !o.Pushed || !o.OK() {
		t.Fatalf("first run outcome = %+v", o)
	}

	remoteHead := runGit(t, bare, "rev-parse", "main")
	if remoteHead != o.Commit {
		t.Errorf("remote main = %s, outcome commit = %s", remoteHead, o.Commit)
	}
	if subject := runGit(t, bare, "log", "-1", "--format=%s", "main"); !strings.HasPrefix(subject, "ledger sync income: ") {
		t.Errorf("commit subject = %q", subject)
	}
	if name := runGit(t, work, "config", "--local", "user.name"); name != DefaultIdentity.Name {
		t.Errorf("local user.name = %q, want fallback", name)
	}

	outcomes, err = e.Run(context.Background(), targets)
	if err != nil {
		t.Fatal(err)
	}
	if o := outcomes[0]; o.Changed || o.Committed || !o.OK() {
		t.Errorf("second run outcome = %+v, want no-op", o)
	}
}

func TestIntegration_IgnoredFilesOnly(t *testing.T) {
	isolateGit(t)
	_, work := setupRemote(t)
	writeFile(t, work, ".gitignore", "*.tmp\n")

	e := realEngine()
	targets := []Target{{Label: "expenses", Dir: work}}
	if _, err := e.Run(context.Background(), targets); err != nil {
		t.Fatal(err)
	}

	writeFile(t, work, "scratch.tmp", "x")
	outcomes, err := e.Run(context.Background(), targets)
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].Changed {
		t.Errorf("ignored file reported as change: %+v", outcomes[0])
	}
}

func TestIntegration_RebaseOntoRemoteChanges(t *testing.T) {
	isolateGit(t)
	bare, work := setupRemote(t)
	writeFile(t, work, "revenues.json", "[]\n")

	e := realEngine()
	targets := []Target{{Label: "income", Dir: work}}
	if _, err := e.Run(context.Background(), targets); err != nil {
		t.Fatal(err)
	}

	// Another machine publishes an unrelated file
	other := filepath.Join(t.TempDir(), "other")
	runGit(t, filepath.Dir(other), "clone", bare, other)
	runGit(t, other, "config", "user.name", "Other")
	runGit(t, other, "config", "user.email", "other@example.com")
	writeFile(t, other, "notes.txt", "hello\n")
	runGit(t, other, "add", "notes.txt")
	runGit(t, other, "commit", "-m", "notes")
	runGit(t, other, "push", "origin", "main")

	writeFile(t, work, "revenues.json", "[{\"id\": 1}]\n")
	outcomes, err := e.Run(context.Background(), targets)
	if err != nil {
		t.Fatal(err)
	}
	if o := outcomes[0]; !o.Pushed || !o.OK() {
		t.Fatalf("outcome = %+v, want pushed after rebase", o)
	}
	if _, err := os.Stat(filepath.Join(work, "notes.txt")); err != nil {
		t.Errorf("remote change not rebased in: %v", err)
	}
}

func TestIntegration_ConflictAbortsRebase(t *testing.T) {
	isolateGit(t)
	bare, work := setupRemote(t)
	writeFile(t, work, "revenues.json", "[]\n")

	e := realEngine()
	targets := []Target{{Label: "income", Dir: work}}
	if _, err := e.Run(context.Background(), targets); err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(t.TempDir(), "other")
	runGit(t, filepath.Dir(other), "clone", bare, other)
	runGit(t, other, "config", "user.name", "Other")
	runGit(t, other, "config", "user.email", "other@example.com")
	writeFile(t, other, "revenues.json", "[{\"id\": 2}]\n")
	runGit(t, other, "commit", "-am", "theirs")
	runGit(t, other, "push", "origin", "main")

	writeFile(t, work, "revenues.json", "[{\"id\": 1}]\n")
	outcomes, err := e.Run(context.Background(), targets)
	if err != nil {
		t.Fatal(err)
	}

	o := outcomes[0]
	if !errors.Is(o.Err, vcs.ErrConflicts) {
		t.Fatalf("Err = %v, want ErrConflicts", o.Err)
	}
	if !o.Committed || o.Pushed {
		t.Errorf("outcome = %+v, want committed locally and not pushed", o)
	}
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(work, ".git", dir)); err == nil {
			t.Errorf("rebase left in progress (%s exists)", dir)
		}
	}
}
