package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of one command invocation
type Result struct {
	// Args are the arguments passed to the binary
	Args []string

	// ExitCode is the process exit status (-1 if it never exited)
	ExitCode int

	// Stdout and Stderr are the captured output streams
	Stdout []byte
	Stderr []byte

	// Duration is the wall time of the invocation
	Duration time.Duration
}

// Output returns stdout and stderr joined, trimmed for diagnostics
func (r Result) Output() string {
	out := strings.TrimSpace(string(r.Stdout))
	errOut := strings.TrimSpace(string(r.Stderr))
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// Executor runs a VCS command in a working directory.
//
// A non-zero exit status, a timeout or a failure to start the process are
// all reported as errors. The Result is populated as far as possible in
// every case so that callers can surface the raw diagnostic output.
type Executor interface {
	Run(ctx context.Context, dir string, timeout time.Duration, args ...string) (Result, error)
}

// CommandError describes a failed invocation
type CommandError struct {
	// Binary is the executable that was run (e.g. "git")
	Binary string

	// Args are the arguments passed to the binary
	Args []string

	// Dir is the working directory of the invocation
	Dir string

	// ExitCode is the process exit status (-1 if it never exited)
	ExitCode int

	// Output is the combined, trimmed output
	Output string

	// Err is the classified cause (ErrCommandFailed, ErrTimeout, ErrVCSNotAvailable)
	Err error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s failed: %v", e.Binary, strings.Join(e.Args, " "), e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode extracts the exit status from an error returned by an Executor.
// The second value is false if err carries no exit status.
func ExitCode(err error) (int, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode >= 0 {
		return cmdErr.ExitCode, true
	}
	return 0, false
}

// CommandExecutor runs commands with os/exec
type CommandExecutor struct {
	// Binary is the executable to run (e.g. "git")
	Binary string

	// Env is appended to the current process environment
	Env []string
}

// NewCommandExecutor creates an executor for the given binary.
// Interactive credential prompts are disabled so that a command waiting for
// input fails at its timeout instead of hanging a synchronization run.
func NewCommandExecutor(binary string) *CommandExecutor {
	return &CommandExecutor{
		Binary: binary,
		Env:    []string{"GIT_TERMINAL_PROMPT=0"},
	}
}

// Run implements Executor.Run
func (e *CommandExecutor) Run(ctx context.Context, dir string, timeout time.Duration, args ...string) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children (ssh, credential helpers) may outlive a killed git and hold the pipes open
	cmd.WaitDelay = 2 * time.Second
	if len(e.Env) > 0 {
		cmd.Env = append(os.Environ(), e.Env...)
	}

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Args:     args,
		ExitCode: -1,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}

	cmdErr := &CommandError{
		Binary:   e.Binary,
		Args:     args,
		Dir:      dir,
		ExitCode: res.ExitCode,
		Output:   res.Output(),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		cmdErr.ExitCode = -1
		cmdErr.Err = ErrTimeout
	case errors.Is(err, exec.ErrNotFound):
		cmdErr.Err = fmt.Errorf("%w: %v", ErrVCSNotAvailable, err)
	case errors.As(err, &exitErr):
		cmdErr.Err = ErrCommandFailed
	default:
		cmdErr.Err = fmt.Errorf("%w: %v", ErrCommandFailed, err)
	}

	return res, cmdErr
}
