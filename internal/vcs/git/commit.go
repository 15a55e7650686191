package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/mschirtzinger/ledger/internal/vcs"
)

// HasChanges returns true if there are uncommitted changes.
// Untracked files count; ignored files do not.
func (g *Git) HasChanges(ctx context.Context) (bool, error) {
	res, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}

	return len(strings.TrimSpace(string(res.Stdout))) > 0, nil
}

// HasStagedChanges returns true if the index differs from HEAD.
// git diff --quiet exits 1 when there are differences.
func (g *Git) HasStagedChanges(ctx context.Context) (bool, error) {
	_, err := g.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	if code, ok := vcs.ExitCode(err); ok && code == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff --cached failed: %w", err)
}

// AddAll stages tracked and untracked changes, honouring .gitignore
func (g *Git) AddAll(ctx context.Context) error {
	if _, err := g.run(ctx, "add", "--all"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// Commit creates a commit from the staged changes
func (g *Git) Commit(ctx context.Context, opts vcs.CommitOptions) error {
	if opts.Message == "" {
		return fmt.Errorf("commit message is required")
	}

	args := []string{"commit", "-m", opts.Message}

	if opts.NoGPGSign {
		args = append(args, "--no-gpg-sign")
	}

	if opts.NoVerify {
		args = append(args, "--no-verify")
	}

	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("git commit failed: %w", err)
	}

	return nil
}

// HeadCommit returns the commit hash HEAD points at
func (g *Git) HeadCommit(ctx context.Context) (string, error) {
	res, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return firstLine(res.Stdout), nil
}

// Identity returns user.name and user.email as git resolves them for the
// working copy (local, then global and system configuration).
func (g *Git) Identity(ctx context.Context) (vcs.Identity, error) {
	name, err := g.configValue(ctx, "user.name")
	if err != nil {
		return vcs.Identity{}, err
	}
	email, err := g.configValue(ctx, "user.email")
	if err != nil {
		return vcs.Identity{}, err
	}
	return vcs.Identity{Name: name, Email: email}, nil
}

// SetLocalIdentity writes user.name and user.email to .git/config
func (g *Git) SetLocalIdentity(ctx context.Context, id vcs.Identity) error {
	if !id.IsComplete() {
		return fmt.Errorf("identity requires name and email (got %q)", id.String())
	}
	if _, err := g.run(ctx, "config", "--local", "user.name", id.Name); err != nil {
		return fmt.Errorf("git config user.name failed: %w", err)
	}
	if _, err := g.run(ctx, "config", "--local", "user.email", id.Email); err != nil {
		return fmt.Errorf("git config user.email failed: %w", err)
	}
	return nil
}

// configValue reads a config key. An unset key (exit status 1) is not an error.
func (g *Git) configValue(ctx context.Context, key string) (string, error) {
	res, err := g.run(ctx, "config", "--get", key)
	if err != nil {
		if code, ok := vcs.ExitCode(err); ok && code == 1 {
			return "", nil
		}
		return "", fmt.Errorf("git config %s failed: %w", key, err)
	}
	return firstLine(res.Stdout), nil
}
