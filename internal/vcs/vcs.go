// Package vcs defines the version control operations needed to publish
// ledger directories to a remote, and the command execution primitive
// those operations run on.
//
// # Architecture
//
// The Repo interface covers exactly the steps of a synchronization run:
//   - change detection (status)
//   - committer identity bootstrap
//   - remote resolution
//   - staging and commit
//   - rebase onto the remote, abort on failure
//   - push and head lookup
//
// Every step is executed through an Executor so that callers can bound
// each invocation with a timeout and tests can substitute a fake.
//
// # Implementations
//
//   - internal/vcs/git: git implementation
package vcs

import (
	"context"
)

// Type represents the VCS backend type
type Type string

const (
	// TypeGit indicates a git working copy
	TypeGit Type = "git"
)

// String returns the string representation of the VCS type
func (t Type) String() string {
	return string(t)
}

// Repo is a working copy that can be published to a remote.
// Implementations exist for git (internal/vcs/git).
type Repo interface {
	// Name returns the VCS type
	Name() Type

	// Root returns the working copy directory
	Root() string

	// ===================
	// Status Operations
	// ===================

	// HasChanges returns true if there are tracked modifications, staged
	// changes or untracked files that are not ignored. A failure to run
	// the status query is returned as an error, never as false.
	HasChanges(ctx context.Context) (bool, error)

	// HasStagedChanges returns true if the index differs from HEAD.
	HasStagedChanges(ctx context.Context) (bool, error)

	// IsInRebaseOrMerge returns true if a rebase or merge is in progress
	IsInRebaseOrMerge() bool

	// ConflictedFiles lists the paths left unmerged by a stopped rebase
	ConflictedFiles(ctx context.Context) ([]string, error)

	// ===================
	// Identity
	// ===================

	// Identity returns the committer identity in effect for the working copy.
	// Unset fields are returned empty.
	Identity(ctx context.Context) (Identity, error)

	// SetLocalIdentity writes the identity into the working copy's own
	// configuration. Global configuration is never touched.
	SetLocalIdentity(ctx context.Context, id Identity) error

	// ===================
	// Remote Operations
	// ===================

	// ResolveRemote returns the remote to publish to. preferred is used when
	// it names a configured remote. Returns ErrNoRemote if none exists.
	ResolveRemote(ctx context.Context, preferred string) (string, error)

	// CurrentRef returns the current branch name.
	// Returns ErrDetached if HEAD does not point at a branch.
	CurrentRef(ctx context.Context) (string, error)

	// PullRebase replays local commits on top of the remote's history.
	// Returns an error wrapping ErrRefNotFound if the remote has no such ref,
	// or ErrConflicts if the rebase stopped on a conflict.
	PullRebase(ctx context.Context, opts PullOptions) error

	// AbortRebase abandons an in-progress rebase and restores the
	// pre-rebase state.
	AbortRebase(ctx context.Context) error

	// Push pushes the ref to the remote.
	Push(ctx context.Context, opts PushOptions) error

	// ===================
	// Commit Operations
	// ===================

	// AddAll stages tracked and untracked changes, honouring ignore rules.
	AddAll(ctx context.Context) error

	// Commit records the staged changes.
	Commit(ctx context.Context, opts CommitOptions) error

	// HeadCommit returns the commit hash HEAD points at.
	HeadCommit(ctx context.Context) (string, error)
}

// ===================
// Supporting Types
// ===================

// Identity is a committer name and email
type Identity struct {
	Name  string `json:"name" mapstructure:"name"`
	Email string `json:"email" mapstructure:"email"`
}

// IsComplete reports whether both name and email are set
func (i Identity) IsComplete() bool {
	return i.Name != "" && i.Email != ""
}

// String formats the identity as "Name <email>"
func (i Identity) String() string {
	return i.Name + " <" + i.Email + ">"
}

// CommitOptions configures a commit operation
type CommitOptions struct {
	// Message is the commit message (required)
	Message string

	// NoVerify skips pre-commit hooks
	NoVerify bool

	// NoGPGSign disables GPG signing
	NoGPGSign bool
}

// PullOptions configures a rebase-pull operation
type PullOptions struct {
	// Remote is the remote name (required)
	Remote string

	// Ref is the reference to pull. Empty uses current branch.
	Ref string
}

// PushOptions configures a push operation
type PushOptions struct {
	// Remote is the remote name (required)
	Remote string

	// Ref is the reference to push. Empty uses current branch.
	Ref string
}

// DefaultRemote is the remote preferred when none is configured
const DefaultRemote = "origin"
