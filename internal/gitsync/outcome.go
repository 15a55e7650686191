package gitsync

import (
	"fmt"
	"path/filepath"
	"time"
)

// Target is one directory to publish
type Target struct {
	// Label names the target in commit messages and logs
	Label string `json:"label" mapstructure:"label"`

	// Dir is the working copy directory
	Dir string `json:"dir" mapstructure:"dir"`
}

// Name returns Label, or the directory's base name when Label is empty
func (t Target) Name() string {
	if t.Label != "" {
		return t.Label
	}
	return filepath.Base(t.Dir)
}

// State is the furthest step a target reached in a run
type State int

const (
	StateIdle State = iota
	StateChecked
	StateStaged
	StateCommitted
	StateRebased
	StatePushed
	StateFailed
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateChecked:   "checked",
	StateStaged:    "staged",
	StateCommitted: "committed",
	StateRebased:   "rebased",
	StatePushed:    "pushed",
	StateFailed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown sync state %q", text)
}

// Outcome is the result of synchronizing one target.
//
// The four shapes a caller sees are:
//   - nothing to do: Changed false, no error
//   - published: Changed, Committed and Pushed all true
//   - partial: Changed true, Committed either way, Pushed false, with an error
//   - unusable target: only an error
type Outcome struct {
	Target    string   `json:"target"`
	Dir       string   `json:"dir"`
	Changed   bool     `json:"changed"`
	Committed bool     `json:"committed"`
	Pushed    bool     `json:"pushed"`
	Remote    string   `json:"remote,omitempty"`
	Branch    string   `json:"branch,omitempty"`
	Commit    string   `json:"commit,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	State     State    `json:"state"`
	Error     string   `json:"error,omitempty"`

	// Err is the underlying error for errors.Is checks
	Err error `json:"-"`
}

// OK reports whether the target finished without error
func (o Outcome) OK() bool {
	return o.Err == nil && o.Error == ""
}

// Report describes one completed run
type Report struct {
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Duration returns the wall time of the run
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// OK reports whether every target finished without error
func (r Report) OK() bool {
	for _, o := range r.Outcomes {
		if !o.OK() {
			return false
		}
	}
	return true
}

// Pushed counts the targets that were published
func (r Report) Pushed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Pushed {
			n++
		}
	}
	return n
}
