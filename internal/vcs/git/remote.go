package git

import (
	"context"
	"fmt"
	"strings"

	"github.com/mschirtzinger/ledger/internal/vcs"
)

// ResolveRemote returns the remote to publish to.
// Preference order: preferred (if configured), origin, the first remote.
func (g *Git) ResolveRemote(ctx context.Context, preferred string) (string, error) {
	remotes, err := g.Remotes(ctx)
	if err != nil {
		return "", err
	}
	if len(remotes) == 0 {
		return "", fmt.Errorf("%w in %s", vcs.ErrNoRemote, g.root)
	}

	for _, want := range []string{preferred, vcs.DefaultRemote} {
		if want == "" {
			continue
		}
		for _, name := range remotes {
			if name == want {
				return name, nil
			}
		}
	}

	return remotes[0], nil
}

// Remotes returns the names of configured remotes
func (g *Git) Remotes(ctx context.Context) ([]string, error) {
	res, err := g.run(ctx, "remote")
	if err != nil {
		return nil, fmt.Errorf("git remote failed: %w", err)
	}

	var remotes []string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			remotes = append(remotes, name)
		}
	}
	return remotes, nil
}

// CurrentRef returns the current branch name.
// symbolic-ref works in fresh repos without commits.
func (g *Git) CurrentRef(ctx context.Context) (string, error) {
	res, err := g.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		if code, ok := vcs.ExitCode(err); ok && code != 0 {
			return "", vcs.ErrDetached
		}
		return "", fmt.Errorf("git symbolic-ref failed: %w", err)
	}
	ref := firstLine(res.Stdout)
	if ref == "" {
		return "", vcs.ErrDetached
	}
	return ref, nil
}

// PullRebase fetches the remote ref and rebases local commits onto it.
// The rebase is left in progress on conflict; callers abort it.
func (g *Git) PullRebase(ctx context.Context, opts vcs.PullOptions) error {
	if opts.Remote == "" {
		return fmt.Errorf("pull requires a remote")
	}

	ref, err := g.refOrCurrent(ctx, opts.Ref)
	if err != nil {
		return err
	}

	res, err := g.run(ctx, "pull", "--rebase", "--no-autostash", opts.Remote, ref)
	if err != nil {
		output := res.Output()

		// The remote has never seen this branch: nothing to rebase onto
		if strings.Contains(output, "couldn't find remote ref") {
			return fmt.Errorf("%w: %s/%s", vcs.ErrRefNotFound, opts.Remote, ref)
		}
		if strings.Contains(output, "CONFLICT") || strings.Contains(output, "conflict") {
			return fmt.Errorf("git pull --rebase: %w: %w", vcs.ErrConflicts, err)
		}

		return fmt.Errorf("git pull --rebase failed: %w", err)
	}

	return nil
}

// AbortRebase abandons an in-progress rebase
func (g *Git) AbortRebase(ctx context.Context) error {
	if _, err := g.run(ctx, "rebase", "--abort"); err != nil {
		return fmt.Errorf("git rebase --abort failed: %w", err)
	}
	return nil
}

// Push pushes the ref to the remote
func (g *Git) Push(ctx context.Context, opts vcs.PushOptions) error {
	if opts.Remote == "" {
		return fmt.Errorf("push requires a remote")
	}

	ref, err := g.refOrCurrent(ctx, opts.Ref)
	if err != nil {
		return err
	}

	res, err := g.run(ctx, "push", opts.Remote, ref)
	if err != nil {
		output := res.Output()

		// Check for push rejection
		if strings.Contains(output, "rejected") || strings.Contains(output, "non-fast-forward") {
			return fmt.Errorf("git push: %w: %w", vcs.ErrPushRejected, err)
		}

		return fmt.Errorf("git push failed: %w", err)
	}

	return nil
}

func (g *Git) refOrCurrent(ctx context.Context, ref string) (string, error) {
	if ref != "" {
		return ref, nil
	}
	return g.CurrentRef(ctx)
}
