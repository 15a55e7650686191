package gitsync

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/ledger/internal/vcs"
	"github.com/mschirtzinger/ledger/internal/vcs/git"
	"github.com/mschirtzinger/ledger/internal/vcs/vcstest"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// workingCopy creates a directory that passes the .git check
func workingCopy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, ".git"), 0755); err != nil {
		t.Fatalf("failed to create .git: %v", err)
	}
	return dir
}

// newFakeEngine returns an engine whose git invocations go to fake
func newFakeEngine(t *testing.T, fake *vcstest.Executor, logs *bytes.Buffer) *Engine {
	t.Helper()
	if logs == nil {
		logs = &bytes.Buffer{}
	}
	return NewEngine(&Config{
		Logger: log.New(logs, "[sync] ", 0),
		Now:    func() time.Time { return fixedNow },
		Open: func(dir string, timeout time.Duration) (vcs.Repo, error) {
			return git.New(dir, git.WithExecutor(fake), git.WithTimeout(timeout))
		},
	})
}

// changedRepo scripts a dirty working copy with a complete identity,
// one remote and staged changes after add
func changedRepo() *vcstest.Executor {
	return vcstest.New().
		On("status --porcelain", vcstest.Response{Stdout: " M revenues.json\n"}).
		On("config --get user.name", vcstest.Response{Stdout: "Test User\n"}).
		On("config --get user.email", vcstest.Response{Stdout: "test@example.com\n"}).
		On("remote", vcstest.Response{Stdout: "origin\n"}).
		On("symbolic-ref", vcstest.Response{Stdout: "main\n"}).
		On("diff --cached --quiet", vcstest.Response{ExitCode: 1}).
		On("rev-parse HEAD", vcstest.Response{Stdout: "abc123\n"})
}

func TestRun_Unchanged(t *testing.T) {
	fake := vcstest.New()
	e := newFakeEngine(t, fake, nil)
	dir := workingCopy(t)

	outcomes, err := e.Run(context.Background(), []Target{{Label: "income", Dir: dir}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("len(outcomes) = %d, want 1", len(outcomes))
	}

	o := outcomes[0]
	if o.Changed || o.Committed || o.Pushed || !o.OK() {
		t.Errorf("outcome = %+v, want unchanged no-op", o)
	}
	if o.State != StateChecked {
		t.Errorf("State = %v, want checked", o.State)
	}

	for _, prefix := range []string{"config", "remote", "add", "commit", "pull", "push"} {
		if n := fake.Count(prefix); n != 0 {
			t.Errorf("%q invoked %d times for an unchanged target", prefix, n)
		}
	}
}

func TestRun_Published(t *testing.T) {
	fake := changedRepo()
	e := newFakeEngine(t, fake, nil)
	dir := workingCopy(t)

	outcomes, err := e.Run(context.Background(), []Target{{Label: "income", Dir: dir}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	o := outcomes[0]
	if !o.Changed || !o.Committed || !o.Pushed || !o.OK() {
		t.Fatalf("outcome = %+v, want published", o)
	}
	if o.State != StatePushed {
		t.Errorf("State = %v, want pushed", o.State)
	}
	if o.Commit != "abc123" || o.Remote != "origin" || o.Branch != "main" {
		t.Errorf("outcome details = %+v", o)
	}

	wantMsg := "commit -m ledger sync income: 2024-05-01T12:00:00Z"
	if n := fake.Count(wantMsg); n != 1 {
		t.Errorf("expected one %q, calls: %v", wantMsg, fake.Calls())
	}
	for _, want := range []string{"add --all", "pull --rebase --no-autostash origin main", "push origin main"} {
		if n := fake.Count(want); n != 1 {
			t.Errorf("%q invoked %d times, want 1", want, n)
		}
	}
	if n := fake.Count("config --local"); n != 0 {
		t.Errorf("identity was rewritten although complete (%d calls)", n)
	}
}

func TestRun_NothingStaged(t *testing.T) {
	fake := changedRepo().On("diff --cached --quiet", vcstest.Response{})
	e := newFakeEngine(t, fake, nil)

	outcomes, err := e.Run(context.Background(), []Target{{Label: "income", Dir: workingCopy(t)}})
	if err != nil {
		t.Fatal(err)
	}

	o := outcomes[0]
	if o.Changed || o.Committed || !o.OK() {
		t.Errorf("outcome = %+v, want no-op", o)
	}
	if n := fake.Count("commit"); n != 0 {
		t.Errorf("empty commit attempted (%d calls)", n)
	}
}

func TestRun_IdentityFallback(t *testing.T) {
	fake := changedRepo().
		On("config --get user.name", vcstest.Response{ExitCode: 1}).
		On("config --get user.email", vcstest.Response{Stdout: "me@example.com\n"})
	e := newFakeEngine(t, fake, nil)

	outcomes, err := e.Run(context.Background(), []Target{{Label: "income", Dir: workingCopy(t)}})
	if err != nil {
		t.Fatal(err)
	}
	if !outcomes[0].Pushed {
		t.Fatalf("outcome = %+v, want pushed", outcomes[0])
	}

	if n := fake.Count("config --local user.name Ledger Sync"); n != 1 {
		t.Errorf("fallback name not configured locally, calls: %v", fake.Calls())
	}
	if n := fake.Count("config --local user.email me@example.com"); n != 1 {
		t.Errorf("existing email not preserved, calls: %v", fake.Calls())
	}
	if n := fake.Count("config --global"); n != 0 {
		t.Error("global configuration was written")
	}
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name          string
		fake          func() *vcstest.Executor
		wantErr       error
		wantChanged   bool
		wantCommitted bool
		wantAbort     bool
		wantPushCalls int
	}{
		{
			name: "status fails",
			fake: func() *vcstest.Executor {
				return vcstest.New().On("status --porcelain", vcstest.Response{ExitCode: 128, Stderr: "fatal: bad index"})
			},
			wantErr: vcs.ErrCommandFailed,
		},
		{
			name: "status times out",
			fake: func() *vcstest.Executor {
				return vcstest.New().On("status --porcelain", vcstest.Response{ExitCode: -1, Err: vcs.ErrTimeout})
			},
			wantErr: vcs.ErrTimeout,
		},
		{
			name: "no remote",
			fake: func() *vcstest.Executor {
				return changedRepo().On("remote", vcstest.Response{})
			},
			wantErr:     vcs.ErrNoRemote,
			wantChanged: true,
		},
		{
			name: "detached head",
			fake: func() *vcstest.Executor {
				return changedRepo().On("symbolic-ref", vcstest.Response{ExitCode: 128})
			},
			wantErr:     vcs.ErrDetached,
			wantChanged: true,
		},
		{
			name: "commit fails",
			fake: func() *vcstest.Executor {
				return changedRepo().On("commit", vcstest.Response{ExitCode: 1, Stderr: "pre-commit hook failed"})
			},
			wantErr:     vcs.ErrCommandFailed,
			wantChanged: true,
		},
		{
			name: "rebase conflict",
			fake: func() *vcstest.Executor {
				return changedRepo().On("pull --rebase", vcstest.Response{ExitCode: 1, Stdout: "CONFLICT (content): Merge conflict in revenues.json"})
			},
			wantErr:       vcs.ErrConflicts,
			wantChanged:   true,
			wantCommitted: true,
			wantAbort:     true,
		},
		{
			name: "pull fails",
			fake: func() *vcstest.Executor {
				return changedRepo().On("pull --rebase", vcstest.Response{ExitCode: 128, Stderr: "fatal: unable to access remote"})
			},
			wantErr:       vcs.ErrCommandFailed,
			wantChanged:   true,
			wantCommitted: true,
			wantAbort:     true,
		},
		{
			name: "push rejected",
			fake: func() *vcstest.Executor {
				return changedRepo().On("push", vcstest.Response{ExitCode: 1, Stderr: " ! [rejected] main -> main (fetch first)"})
			},
			wantErr:       vcs.ErrPushRejected,
			wantChanged:   true,
			wantCommitted: true,
			wantPushCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := tt.fake()
			e := newFakeEngine(t, fake, nil)

			outcomes, err := e.Run(context.Background(), []Target{{Label: "income", Dir: workingCopy(t)}})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			o := outcomes[0]
			if !errors.Is(o.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", o.Err, tt.wantErr)
			}
			if o.Error == "" || o.OK() {
				t.Error("failed outcome must carry an error message")
			}
			if o.State != StateFailed {
				t.Errorf("State = %v, want failed", o.State)
			}
			if o.Changed != tt.wantChanged || o.Committed != tt.wantCommitted || o.Pushed {
				t.Errorf("outcome = %+v, want changed=%v committed=%v pushed=false",
					o, tt.wantChanged, tt.wantCommitted)
			}
			if got := fake.Count("rebase --abort") == 1; got != tt.wantAbort {
				t.Errorf("rebase aborted = %v, want %v", got, tt.wantAbort)
			}
			if n := fake.Count("push"); n != tt.wantPushCalls {
				t.Errorf("push invoked %d times, want %d", n, tt.wantPushCalls)
			}
		})
	}
}

func TestRun_RemoteWithoutBranchStillPushes(t *testing.T) {
	fake := changedRepo().On("pull --rebase", vcstest.Response{ExitCode: 1, Stderr: "fatal: couldn't find remote ref main"})
	e := newFakeEngine(t, fake, nil)

	outcomes, err := e.Run(context.Background(), []Target{{Label: "income", Dir: workingCopy(t)}})
	if err != nil {
		t.Fatal(err)
	}
	if o := outcomes[0]; !o.Pushed || !o.OK() {
		t.Errorf("outcome = %+v, want pushed", o)
	}
	if n := fake.Count("rebase --abort"); n != 0 {
		t.Error("rebase aborted although nothing was rebased")
	}
}

func TestRun_RebaseConflictRecordsFiles(t *testing.T) {
	fake := changedRepo().
		On("status --porcelain", vcstest.Response{Stdout: "UU revenues.json\n"}).
		On("pull --rebase", vcstest.Response{ExitCode: 1, Stdout: "CONFLICT (content)"})
	e := newFakeEngine(t, fake, nil)

	outcomes, err := e.Run(context.Background(), []Target{{Label: "income", Dir: workingCopy(t)}})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(outcomes[0].Conflicts, ","); got != "revenues.json" {
		t.Errorf("Conflicts = %q, want revenues.json", got)
	}
}

func TestRun_RebaseInProgress(t *testing.T) {
	fake := changedRepo()
	e := newFakeEngine(t, fake, nil)
	dir := workingCopy(t)
	if err := os.Mkdir(filepath.Join(dir, ".git", "rebase-merge"), 0755); err != nil {
		t.Fatal(err)
	}

	outcomes, err := e.Run(context.Background(), []Target{{Label: "income", Dir: dir}})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(outcomes[0].Err, vcs.ErrConflicts) {
		t.Errorf("Err = %v, want ErrConflicts", outcomes[0].Err)
	}
	if n := len(fake.Calls()); n != 0 {
		t.Errorf("git invoked %d times for a repo stuck mid-rebase", n)
	}
}

func TestRun_NotARepositoryAndOrder(t *testing.T) {
	fake := vcstest.New()
	e := newFakeEngine(t, fake, nil)

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	plain := t.TempDir()
	good := workingCopy(t)

	targets := []Target{
		{Label: "missing", Dir: missing},
		{Label: "plain", Dir: plain},
		{Dir: good},
	}
	outcomes, err := e.Run(context.Background(), targets)
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}

	for i, name := range []string{"missing", "plain", filepath.Base(good)} {
		if outcomes[i].Target != name {
			t.Errorf("outcome %d target = %q, want %q", i, outcomes[i].Target, name)
		}
	}
	for _, o := range outcomes[:2] {
		if !errors.Is(o.Err, vcs.ErrNotARepository) {
			t.Errorf("%s: Err = %v, want ErrNotARepository", o.Target, o.Err)
		}
		if !vcs.IsFatal(o.Err) {
			t.Errorf("%s: IsFatal = false", o.Target)
		}
	}
	if !outcomes[2].OK() {
		t.Errorf("valid target failed: %v", outcomes[2].Err)
	}
}

func TestRun_Busy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fake := vcstest.New()
	fake.Hook = func(ctx context.Context, call vcstest.Call) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	e := newFakeEngine(t, fake, nil)
	targets := []Target{{Label: "income", Dir: workingCopy(t)}}

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), targets)
		done <- err
	}()

	<-entered
	if _, err := e.Run(context.Background(), targets); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Run() error = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// The lock is released on completion
	if _, err := e.Run(context.Background(), targets); err != nil {
		t.Errorf("Run() after completion error = %v", err)
	}
}

func TestRun_FileLockBusyAcrossEngines(t *testing.T) {
	lockFile := filepath.Join(t.TempDir(), "locks", "sync.lock")
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	fake := vcstest.New()
	fake.Hook = func(ctx context.Context, call vcstest.Call) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	open := func(dir string, timeout time.Duration) (vcs.Repo, error) {
		return git.New(dir, git.WithExecutor(fake))
	}
	discard := log.New(&bytes.Buffer{}, "", 0)
	first := NewEngine(&Config{LockFile: lockFile, Open: open, Logger: discard})
	second := NewEngine(&Config{LockFile: lockFile, Open: open, Logger: discard})
	targets := []Target{{Label: "income", Dir: workingCopy(t)}}

	done := make(chan error, 1)
	go func() {
		_, err := first.Run(context.Background(), targets)
		done <- err
	}()

	<-entered
	if _, err := second.Run(context.Background(), targets); !errors.Is(err, ErrBusy) {
		t.Errorf("second engine Run() error = %v, want ErrBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if _, err := second.Run(context.Background(), targets); err != nil {
		t.Errorf("second engine Run() after release error = %v", err)
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	fake := vcstest.New()
	e := newFakeEngine(t, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.Run(ctx, []Target{{Dir: workingCopy(t)}}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if n := len(fake.Calls()); n != 0 {
		t.Errorf("git invoked %d times for a cancelled run", n)
	}
}

func TestRun_Observers(t *testing.T) {
	var logs bytes.Buffer
	fake := changedRepo()
	e := newFakeEngine(t, fake, &logs)

	var got []Report
	e.AddObserver(ObserverFunc(func(ctx context.Context, r Report) error {
		got = append(got, r)
		return nil
	}))
	e.AddObserver(ObserverFunc(func(ctx context.Context, r Report) error {
		return errors.New("history unavailable")
	}))

	if _, err := e.Run(context.Background(), []Target{{Label: "income", Dir: workingCopy(t)}}, WithTrigger(TriggerAPI)); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("observer called %d times, want 1", len(got))
	}
	if got[0].Trigger != TriggerAPI || len(got[0].Outcomes) != 1 || !got[0].OK() || got[0].Pushed() != 1 {
		t.Errorf("report = %+v", got[0])
	}
	if !strings.Contains(logs.String(), "history unavailable") {
		t.Errorf("observer failure not logged: %q", logs.String())
	}
}

func TestStateText(t *testing.T) {
	for s := StateIdle; s <= StateFailed; s++ {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatal(err)
		}
		var back State
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", text, err)
		}
		if back != s {
			t.Errorf("round trip %v -> %q -> %v", s, text, back)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) should fail")
	}
}
