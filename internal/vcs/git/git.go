// Package git provides a Git implementation of the vcs.Repo interface.
//
// This package wraps git commands to provide the operations needed to
// publish a ledger directory: change detection, identity bootstrap,
// staging, commit, rebase onto the remote and push. Every command runs
// through a vcs.Executor with a per-invocation timeout.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mschirtzinger/ledger/internal/vcs"
)

// DefaultTimeout bounds a single git invocation
const DefaultTimeout = 60 * time.Second

// Git implements the vcs.Repo interface for a git working copy.
type Git struct {
	// root is the working copy directory path
	root string

	// gitDir is the .git directory path (may be a file for worktrees)
	gitDir string

	// exec runs the git binary
	exec vcs.Executor

	// timeout bounds each invocation
	timeout time.Duration
}

// Option configures a Git instance
type Option func(*Git)

// WithExecutor overrides the command executor
func WithExecutor(e vcs.Executor) Option {
	return func(g *Git) {
		g.exec = e
	}
}

// WithTimeout overrides the per-invocation timeout
func WithTimeout(d time.Duration) Option {
	return func(g *Git) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// New creates a Git instance for the working copy at path.
// The path must be an existing directory holding .git metadata; anything
// else is reported as vcs.ErrNotARepository without running git.
func New(path string, opts ...Option) (*Git, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", vcs.ErrNotARepository, absPath)
	}

	gitDir := filepath.Join(absPath, ".git")
	if _, err := os.Stat(gitDir); err != nil {
		return nil, fmt.Errorf("%w: no .git in %s", vcs.ErrNotARepository, absPath)
	}

	g := &Git{
		root:    absPath,
		gitDir:  gitDir,
		exec:    vcs.NewCommandExecutor("git"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// Name returns the VCS type (git)
func (g *Git) Name() vcs.Type {
	return vcs.TypeGit
}

// Root returns the working copy directory
func (g *Git) Root() string {
	return g.root
}

// IsInRebaseOrMerge returns true if currently in a rebase or merge operation
func (g *Git) IsInRebaseOrMerge() bool {
	for _, name := range []string{"rebase-merge", "rebase-apply", "MERGE_HEAD"} {
		if _, err := os.Stat(filepath.Join(g.gitDir, name)); err == nil {
			return true
		}
	}
	return false
}

func (g *Git) run(ctx context.Context, args ...string) (vcs.Result, error) {
	return g.exec.Run(ctx, g.root, g.timeout, args...)
}

// firstLine returns the first non-empty trimmed line of out
func firstLine(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

var _ vcs.Repo = (*Git)(nil)
