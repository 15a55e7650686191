package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestCommandExecutor_Success(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	e := NewCommandExecutor("git")
	res, err := e.Run(context.Background(), t.TempDir(), time.Minute, "--version")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.HasPrefix(string(res.Stdout), "git version") {
		t.Errorf("Stdout = %q, want git version output", res.Stdout)
	}
}

func TestCommandExecutor_NonZeroExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	e := NewCommandExecutor("sh")
	res, err := e.Run(context.Background(), t.TempDir(), time.Minute, "-c", "echo boom >&2; exit 3")
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("Run() error = %v, want ErrCommandFailed", err)
	}

	code, ok := ExitCode(err)
	if !ok || code != 3 {
		t.Errorf("ExitCode(err) = %d, %v; want 3, true", code, ok)
	}
	if res.ExitCode != 3 {
		t.Errorf("Result.ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error %q does not include stderr", err)
	}
}

func TestCommandExecutor_Timeout(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	e := NewCommandExecutor("sh")
	_, err := e.Run(context.Background(), t.TempDir(), 50*time.Millisecond, "-c", "sleep 5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if _, ok := ExitCode(err); ok {
		t.Error("ExitCode(timeout) reported an exit status")
	}
}

func TestCommandExecutor_MissingBinary(t *testing.T) {
	e := NewCommandExecutor("definitely-not-a-vcs-binary")
	_, err := e.Run(context.Background(), t.TempDir(), time.Second, "status")
	if !errors.Is(err, ErrVCSNotAvailable) {
		t.Fatalf("Run() error = %v, want ErrVCSNotAvailable", err)
	}
	if !IsFatal(err) {
		t.Error("IsFatal(missing binary) = false, want true")
	}
}

func TestResultOutput(t *testing.T) {
	tests := []struct {
		stdout, stderr, want string
	}{
		{"", "", ""},
		{"out\n", "", "out"},
		{"", " err ", "err"},
		{"out", "err", "out\nerr"},
	}
	for _, tt := range tests {
		r := Result{Stdout: []byte(tt.stdout), Stderr: []byte(tt.stderr)}
		if got := r.Output(); got != tt.want {
			t.Errorf("Output(%q, %q) = %q, want %q", tt.stdout, tt.stderr, got, tt.want)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("target income: %w", err) }

	tests := []struct {
		name      string
		err       error
		retryable bool
		userFix   bool
		fatal     bool
	}{
		{"nil", nil, false, false, false},
		{"timeout", wrap(ErrTimeout), true, false, false},
		{"push rejected", wrap(ErrPushRejected), true, false, false},
		{"conflicts", wrap(ErrConflicts), false, true, false},
		{"detached", wrap(ErrDetached), false, true, false},
		{"not a repository", wrap(ErrNotARepository), false, false, true},
		{"no remote", wrap(ErrNoRemote), false, false, true},
		{"command failed", wrap(ErrCommandFailed), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if got := IsUserActionRequired(tt.err); got != tt.userFix {
				t.Errorf("IsUserActionRequired() = %v, want %v", got, tt.userFix)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}
