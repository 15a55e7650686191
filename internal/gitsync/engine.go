// Package gitsync publishes ledger directories to their git remotes.
//
// An Engine runs the fixed sequence status, identity, remote, add, commit,
// rebase-pull and push over a list of targets. Only one run may be active
// per process (and, with a lock file, per machine); a second caller gets
// ErrBusy immediately instead of waiting.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/mschirtzinger/ledger/internal/vcs"
	"github.com/mschirtzinger/ledger/internal/vcs/git"
)

// Trigger values recorded with each run
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto"
	TriggerAPI    = "api"
)

// DefaultCommitPrefix starts every sync commit message
const DefaultCommitPrefix = "ledger sync"

// DefaultIdentity is configured locally when a working copy has no committer
var DefaultIdentity = vcs.Identity{Name: "Ledger Sync", Email: "ledger-sync@localhost"}

// Observer is told about every completed run
type Observer interface {
	RunFinished(ctx context.Context, report Report) error
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(ctx context.Context, report Report) error

// RunFinished calls f
func (f ObserverFunc) RunFinished(ctx context.Context, report Report) error {
	return f(ctx, report)
}

// Config holds engine configuration
type Config struct {
	// Identity is the fallback committer (default: DefaultIdentity)
	Identity vcs.Identity

	// Remote is the preferred remote name; empty prefers origin
	Remote string

	// Timeout bounds every git invocation (default: 60s)
	Timeout time.Duration

	// CommitPrefix starts commit messages (default: DefaultCommitPrefix)
	CommitPrefix string

	// LockFile, if set, is held with flock for the duration of a run so
	// that separate processes do not publish concurrently
	LockFile string

	// Logger for sync activity (default: stderr logger)
	Logger *log.Logger

	// Observers are notified after each run, in order
	Observers []Observer

	// Open returns the working copy for a directory (default: git.New)
	Open func(dir string, timeout time.Duration) (vcs.Repo, error)

	// Now is the clock used for commit messages and reports
	Now func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Identity:     DefaultIdentity,
		Timeout:      git.DefaultTimeout,
		CommitPrefix: DefaultCommitPrefix,
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Engine runs synchronization passes. The zero value is not usable; create
// engines with NewEngine.
type Engine struct {
	mu    sync.Mutex
	flock *flock.Flock

	identity  vcs.Identity
	remote    string
	timeout   time.Duration
	prefix    string
	logger    *log.Logger
	observers []Observer
	open      func(dir string, timeout time.Duration) (vcs.Repo, error)
	now       func() time.Time
}

// NewEngine creates an engine from config. A nil config uses DefaultConfig.
func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()

	e := &Engine{
		identity:  config.Identity,
		remote:    config.Remote,
		timeout:   config.Timeout,
		prefix:    config.CommitPrefix,
		logger:    config.Logger,
		observers: config.Observers,
		open:      config.Open,
		now:       config.Now,
	}
	if e.identity.Name == "" {
		e.identity.Name = defaults.Identity.Name
	}
	if e.identity.Email == "" {
		e.identity.Email = defaults.Identity.Email
	}
	if e.timeout <= 0 {
		e.timeout = defaults.Timeout
	}
	if e.prefix == "" {
		e.prefix = defaults.CommitPrefix
	}
	if e.logger == nil {
		e.logger = defaults.Logger
	}
	if e.open == nil {
		e.open = openGit
	}
	if e.now == nil {
		e.now = time.Now
	}
	if config.LockFile != "" {
		e.flock = flock.New(config.LockFile)
	}
	return e
}

func openGit(dir string, timeout time.Duration) (vcs.Repo, error) {
	return git.New(dir, git.WithTimeout(timeout))
}

// AddObserver registers an observer for subsequent runs.
// It waits for an active run to finish.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// RunOption configures a single run
type RunOption func(*runOptions)

type runOptions struct {
	trigger string
}

// WithTrigger records what started the run (default: TriggerManual)
func WithTrigger(trigger string) RunOption {
	return func(o *runOptions) {
		o.trigger = trigger
	}
}

// Run synchronizes targets sequentially, in order, and returns one outcome
// per target in the same order. It returns ErrBusy without doing anything
// if another run is active.
//
// ctx is only consulted before the run starts. Once started, a run always
// completes; each git invocation is bounded by the configured timeout.
func (e *Engine) Run(ctx context.Context, targets []Target, opts ...RunOption) ([]Outcome, error) {
	ro := runOptions{trigger: TriggerManual}
	for _, opt := range opts {
		opt(&ro)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer unlock()

	runCtx := context.WithoutCancel(ctx)
	report := Report{
		Trigger:   ro.trigger,
		StartedAt: e.now().UTC(),
		Outcomes:  make([]Outcome, 0, len(targets)),
	}

	for _, t := range targets {
		report.Outcomes = append(report.Outcomes, e.syncTarget(runCtx, t))
	}

	report.FinishedAt = e.now().UTC()
	e.logger.Printf("Sync run finished: %d target(s), %d pushed, ok=%v (%s)",
		len(report.Outcomes), report.Pushed(), report.OK(), report.Duration().Round(time.Millisecond))

	for _, o := range e.observers {
		if err := o.RunFinished(runCtx, report); err != nil {
			e.logger.Printf("Warning: sync observer failed: %v", err)
		}
	}

	return report.Outcomes, nil
}

// acquire takes the process lock and, if configured, the file lock
func (e *Engine) acquire() (func(), error) {
	if !e.mu.TryLock() {
		return nil, ErrBusy
	}
	if e.flock == nil {
		return e.mu.Unlock, nil
	}

	if dir := filepath.Dir(e.flock.Path()); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
	}
	locked, err := e.flock.TryLock()
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to acquire sync lock %s: %w", e.flock.Path(), err)
	}
	if !locked {
		e.mu.Unlock()
		return nil, ErrBusy
	}

	return func() {
		if err := e.flock.Unlock(); err != nil {
			e.logger.Printf("Warning: failed to release sync lock: %v", err)
		}
		e.mu.Unlock()
	}, nil
}

// syncTarget drives one target through the state machine. Any failure
// moves the outcome to StateFailed and ends the target.
func (e *Engine) syncTarget(ctx context.Context, t Target) (out Outcome) {
	out = Outcome{Target: t.Name(), Dir: t.Dir, State: StateIdle}

	fail := func(err error) Outcome {
		out.Err = err
		out.Error = err.Error()
		out.State = StateFailed
		e.logger.Printf("Sync of %s failed: %v", out.Target, err)
		return out
	}

	repo, err := e.open(t.Dir, e.timeout)
	if err != nil {
		return fail(err)
	}

	defer func() {
		if !out.Committed {
			return
		}
		if head, err := repo.HeadCommit(ctx); err == nil {
			out.Commit = head
		} else {
			e.logger.Printf("Warning: failed to read HEAD of %s: %v", out.Target, err)
		}
	}()

	if repo.IsInRebaseOrMerge() {
		return fail(fmt.Errorf("%w: a rebase or merge is already in progress in %s", vcs.ErrConflicts, t.Dir))
	}

	changed, err := repo.HasChanges(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to check for changes: %w", err))
	}
	out.State = StateChecked
	if !changed {
		return out
	}
	out.Changed = true

	if err := e.ensureIdentity(ctx, repo); err != nil {
		return fail(err)
	}

	remote, err := repo.ResolveRemote(ctx, e.remote)
	if err != nil {
		return fail(err)
	}
	out.Remote = remote

	branch, err := repo.CurrentRef(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to determine branch: %w", err))
	}
	out.Branch = branch

	if err := repo.AddAll(ctx); err != nil {
		return fail(fmt.Errorf("failed to stage changes: %w", err))
	}
	staged, err := repo.HasStagedChanges(ctx)
	if err != nil {
		return fail(fmt.Errorf("failed to check staged changes: %w", err))
	}
	out.State = StateStaged
	if !staged {
		// Only ignored or already-committed content changed
		out.Changed = false
		return out
	}

	msg := fmt.Sprintf("%s %s: %s", e.prefix, out.Target, e.now().UTC().Format(time.RFC3339))
	if err := repo.Commit(ctx, vcs.CommitOptions{Message: msg}); err != nil {
		return fail(fmt.Errorf("failed to commit: %w", err))
	}
	out.Committed = true
	out.State = StateCommitted

	err = repo.PullRebase(ctx, vcs.PullOptions{Remote: remote, Ref: branch})
	switch {
	case err == nil:
	case errors.Is(err, vcs.ErrRefNotFound):
		e.logger.Printf("Remote %s has no branch %s yet, pushing without rebase", remote, branch)
	default:
		if errors.Is(err, vcs.ErrConflicts) {
			if files, cerr := repo.ConflictedFiles(ctx); cerr == nil {
				out.Conflicts = files
			}
		}
		if aerr := repo.AbortRebase(ctx); aerr != nil {
			e.logger.Printf("Warning: failed to abort rebase in %s: %v", t.Dir, aerr)
		}
		return fail(fmt.Errorf("failed to rebase onto %s/%s: %w", remote, branch, err))
	}
	out.State = StateRebased

	if err := repo.Push(ctx, vcs.PushOptions{Remote: remote, Ref: branch}); err != nil {
		return fail(fmt.Errorf("failed to push to %s/%s: %w", remote, branch, err))
	}
	out.Pushed = true
	out.State = StatePushed

	e.logger.Printf("Published %s to %s/%s", out.Target, remote, branch)
	return out
}

// ensureIdentity configures the fallback committer locally for any
// missing field. Global configuration is never written.
func (e *Engine) ensureIdentity(ctx context.Context, repo vcs.Repo) error {
	id, err := repo.Identity(ctx)
	if err != nil {
		return fmt.Errorf("failed to read committer identity: %w", err)
	}
	if id.IsComplete() {
		return nil
	}

	if id.Name == "" {
		id.Name = e.identity.Name
	}
	if id.Email == "" {
		id.Email = e.identity.Email
	}
	e.logger.Printf("Configuring local committer identity %s in %s", id, repo.Root())
	if err := repo.SetLocalIdentity(ctx, id); err != nil {
		return fmt.Errorf("failed to set committer identity: %w", err)
	}
	return nil
}
