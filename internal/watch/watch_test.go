package watch

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/ledger/internal/gitsync"
)

// fakeSyncer records runs and returns scripted errors in order
type fakeSyncer struct {
	mu     sync.Mutex
	runs   [][]gitsync.Target
	errs   []error
	called chan struct{}
}

func newFakeSyncer(errs ...error) *fakeSyncer {
	return &fakeSyncer{errs: errs, called: make(chan struct{}, 16)}
}

func (f *fakeSyncer) Run(ctx context.Context, targets []gitsync.Target, opts ...gitsync.RunOption) ([]gitsync.Outcome, error) {
	f.mu.Lock()
	f.runs = append(f.runs, targets)
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()

	f.called <- struct{}{}
	if err != nil {
		return nil, err
	}
	outcomes := make([]gitsync.Outcome, len(targets))
	for i, t := range targets {
		outcomes[i] = gitsync.Outcome{Target: t.Name(), Dir: t.Dir}
	}
	return outcomes, nil
}

func (f *fakeSyncer) Runs() [][]gitsync.Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]gitsync.Target(nil), f.runs...)
}

func testConfig() *Config {
	return &Config{
		Debounce: 50 * time.Millisecond,
		Tick:     10 * time.Millisecond,
		Logger:   log.New(&bytes.Buffer{}, "", 0),
	}
}

func waitCall(t *testing.T, f *fakeSyncer) {
	t.Helper()
	select {
	case <-f.called:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a sync run")
	}
}

func makeTargets(t *testing.T) []gitsync.Target {
	t.Helper()
	root := t.TempDir()
	income := filepath.Join(root, "income")
	expenses := filepath.Join(root, "expenses")
	for _, dir := range []string{income, filepath.Join(income, ".git"), expenses} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return []gitsync.Target{{Label: "income", Dir: income}, {Label: "expenses", Dir: expenses}}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, makeTargets(t), nil); err == nil {
		t.Error("New(nil syncer) should fail")
	}
	if _, err := New(newFakeSyncer(), nil, nil); err == nil {
		t.Error("New(no targets) should fail")
	}
}

func TestWatcher_StartStop(t *testing.T) {
	w, err := New(newFakeSyncer(), makeTargets(t), testConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Start(); err == nil {
		t.Error("second Start() should fail")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestWatcher_FileChangeTriggersDebouncedSync(t *testing.T) {
	targets := makeTargets(t)
	syncer := newFakeSyncer()
	w, err := New(syncer, targets, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// A burst of writes collapses into one run
	path := filepath.Join(targets[1].Dir, "expenses.json")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("[]"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	waitCall(t, syncer)
	time.Sleep(150 * time.Millisecond)

	runs := syncer.Runs()
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if len(runs[0]) != 1 || runs[0][0].Label != "expenses" {
		t.Errorf("synced targets = %v, want [expenses]", runs[0])
	}
}

func TestWatcher_NewSubdirectoryIsWatched(t *testing.T) {
	targets := makeTargets(t)
	syncer := newFakeSyncer()
	w, err := New(syncer, targets, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	receipts := filepath.Join(targets[1].Dir, "receipts")
	if err := os.Mkdir(receipts, 0755); err != nil {
		t.Fatal(err)
	}
	waitCall(t, syncer)

	if err := os.WriteFile(filepath.Join(receipts, "r.pdf"), []byte("%PDF"), 0644); err != nil {
		t.Fatal(err)
	}
	waitCall(t, syncer)
}

func TestWatcher_IgnoresGitAndTempFiles(t *testing.T) {
	targets := makeTargets(t)
	syncer := newFakeSyncer()
	w, err := New(syncer, targets, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(targets[0].Dir, ".git", "index"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(targets[0].Dir, ".revenues.json.123.tmp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if n := len(syncer.Runs()); n != 0 {
		t.Errorf("runs = %d, want 0 for ignored files", n)
	}
}

func TestWatcher_BusyIsRetried(t *testing.T) {
	targets := makeTargets(t)
	syncer := newFakeSyncer(gitsync.ErrBusy)
	w, err := New(syncer, targets, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	w.Notify(filepath.Join(targets[0].Dir, "revenues.json"))

	waitCall(t, syncer) // busy
	waitCall(t, syncer) // retried

	runs := syncer.Runs()
	if len(runs) < 2 {
		t.Fatalf("runs = %d, want at least 2", len(runs))
	}
	if runs[1][0].Label != "income" {
		t.Errorf("retried target = %v, want income", runs[1])
	}
	if w.Pending() != 0 {
		t.Errorf("Pending() = %d after successful retry", w.Pending())
	}
}

func TestWatcher_TargetOrderAndOwnership(t *testing.T) {
	targets := makeTargets(t)
	w, err := New(newFakeSyncer(), targets, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		path string
		want int
		ok   bool
	}{
		{filepath.Join(targets[0].Dir, "revenues.json"), 0, true},
		{filepath.Join(targets[1].Dir, "receipts", "a.png"), 1, true},
		{targets[1].Dir, 1, true},
		{filepath.Join(filepath.Dir(targets[0].Dir), "incomex", "f.json"), 0, false},
	}
	for _, tt := range tests {
		got, ok := w.targetFor(tt.path)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("targetFor(%s) = %d, %v; want %d, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	w, err := New(newFakeSyncer(), makeTargets(t), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
