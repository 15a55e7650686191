// Package vcstest provides a scripted vcs.Executor for tests.
package vcstest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/ledger/internal/vcs"
)

// Call is one recorded invocation
type Call struct {
	Dir  string
	Args []string
}

// String joins the arguments with spaces
func (c Call) String() string {
	return strings.Join(c.Args, " ")
}

// Response scripts the result of a matching invocation
type Response struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Err overrides the classified error (e.g. vcs.ErrTimeout)
	Err error
}

// Executor is a fake vcs.Executor. Responses are matched by the longest
// registered prefix of the space-joined arguments; unmatched invocations
// succeed with empty output.
type Executor struct {
	mu        sync.Mutex
	calls     []Call
	responses map[string]Response

	// Hook, if set, is called for every invocation before the response
	// is produced. Tests use it to block a run in progress.
	Hook func(ctx context.Context, call Call)
}

// New creates an empty fake executor
func New() *Executor {
	return &Executor{responses: make(map[string]Response)}
}

// On registers the response for invocations starting with prefix
func (e *Executor) On(prefix string, r Response) *Executor {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[prefix] = r
	return e
}

// Run implements vcs.Executor
func (e *Executor) Run(ctx context.Context, dir string, timeout time.Duration, args ...string) (vcs.Result, error) {
	call := Call{Dir: dir, Args: append([]string(nil), args...)}

	e.mu.Lock()
	e.calls = append(e.calls, call)
	hook := e.Hook
	resp := e.match(call.String())
	e.mu.Unlock()

	if hook != nil {
		hook(ctx, call)
	}

	res := vcs.Result{
		Args:     args,
		ExitCode: resp.ExitCode,
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
	}
	if resp.ExitCode == 0 && resp.Err == nil {
		return res, nil
	}

	cause := resp.Err
	if cause == nil {
		cause = vcs.ErrCommandFailed
	}
	return res, &vcs.CommandError{
		Binary:   "git",
		Args:     args,
		Dir:      dir,
		ExitCode: resp.ExitCode,
		Output:   res.Output(),
		Err:      cause,
	}
}

func (e *Executor) match(joined string) Response {
	best := -1
	var resp Response
	for prefix, r := range e.responses {
		if strings.HasPrefix(joined, prefix) && len(prefix) > best {
			best = len(prefix)
			resp = r
		}
	}
	return resp
}

// Calls returns a copy of all recorded invocations
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Count returns the number of invocations starting with prefix
func (e *Executor) Count(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if strings.HasPrefix(c.String(), prefix) {
			n++
		}
	}
	return n
}
