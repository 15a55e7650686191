// Package watch triggers synchronization runs when ledger files change.
//
// The watcher:
//  1. Watches every target directory tree (except .git) with fsnotify
//  2. Queues the owning target on each relevant event
//  3. Runs a sync for targets that have been quiet for the debounce interval
//  4. Requeues targets when a run is already in progress
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mschirtzinger/ledger/internal/gitsync"
)

// Syncer runs a synchronization pass; *gitsync.Engine implements it
type Syncer interface {
	Run(ctx context.Context, targets []gitsync.Target, opts ...gitsync.RunOption) ([]gitsync.Outcome, error)
}

// Config holds configuration for the watcher.
type Config struct {
	// Debounce is how long a target must be quiet before it is synced.
	// This batches rapid edits into one commit.
	Debounce time.Duration

	// Tick is how often the queue is checked (default: Debounce/4)
	Tick time.Duration

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce: 5 * time.Second,
		Logger:   log.New(os.Stderr, "[watch] ", log.LstdFlags),
	}
}

// Watcher turns file changes into debounced sync runs.
type Watcher struct {
	syncer  Syncer
	targets []gitsync.Target
	roots   []string // absolute target dirs, parallel to targets
	config  *Config

	watcher   *fsnotify.Watcher
	pending   map[int]time.Time // target index -> last change
	pendingMu sync.Mutex

	runMu   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a watcher for targets. Use Start or Run to begin watching.
func New(syncer Syncer, targets []gitsync.Target, config *Config) (*Watcher, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}
	if config.Tick <= 0 {
		config.Tick = config.Debounce / 4
		if config.Tick < 10*time.Millisecond {
			config.Tick = 10 * time.Millisecond
		}
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	roots := make([]string, len(targets))
	for i, t := range targets {
		abs, err := filepath.Abs(t.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", t.Dir, err)
		}
		roots[i] = abs
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		syncer:  syncer,
		targets: targets,
		roots:   roots,
		config:  config,
		watcher: fw,
		pending: make(map[int]time.Time),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start adds the watches and starts the background goroutines.
// It returns once watching has begun.
func (w *Watcher) Start() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, root := range w.roots {
		if err := w.addTree(root); err != nil {
			return err
		}
	}
	w.config.Logger.Printf("Watching %d target(s), debounce %s", len(w.roots), w.config.Debounce)

	w.running = true
	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processQueue()
	return nil
}

// Run starts the watcher and blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		w.config.Logger.Println("Shutdown signal received")
	case <-w.ctx.Done():
	}
	return w.Stop()
}

// Stop shuts the watcher down and waits for an in-flight sync to finish.
func (w *Watcher) Stop() error {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	w.running = false

	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

// Notify queues the target owning path as if a file event had arrived.
func (w *Watcher) Notify(path string) {
	if i, ok := w.targetFor(path); ok {
		w.queueChange(i)
	}
}

// Pending returns the number of targets waiting to be synced
func (w *Watcher) Pending() int {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	return len(w.pending)
}

// addTree watches root and every directory below it except .git
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == ".git" {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// watchFileEvents monitors filesystem events and queues changes.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}

			i, ok := w.targetFor(event.Name)
			if !ok {
				continue
			}

			// New subdirectories (e.g. receipts/) need their own watch
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.config.Logger.Printf("Warning: %v", err)
					}
				}
			}

			w.queueChange(i)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// relevant filters out chmod events, git internals and temp files
func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(event.Name), "/") {
		if part == ".git" {
			return false
		}
	}
	return !strings.HasSuffix(event.Name, ".tmp")
}

// targetFor returns the index of the target whose tree contains path.
// The deepest matching root wins when targets are nested.
func (w *Watcher) targetFor(path string) (int, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, false
	}

	best, bestLen := -1, -1
	for i, root := range w.roots {
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > bestLen {
			best, bestLen = i, len(root)
		}
	}
	return best, best >= 0
}

// queueChange records a change for a target with debouncing.
func (w *Watcher) queueChange(i int) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	w.pending[i] = time.Now()
}

// processQueue checks the queue on every tick.
func (w *Watcher) processQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// processPendingChanges syncs targets that have been quiet long enough.
// The queue lock is not held during the run so events keep queueing.
func (w *Watcher) processPendingChanges() {
	now := time.Now()

	w.pendingMu.Lock()
	var (
		due     []int
		queued  = make(map[int]time.Time)
		targets []gitsync.Target
	)
	for i, at := range w.pending {
		if now.Sub(at) < w.config.Debounce {
			continue
		}
		due = append(due, i)
		queued[i] = at
		delete(w.pending, i)
	}
	w.pendingMu.Unlock()

	if len(due) == 0 {
		return
	}

	// Keep configuration order
	for i := range w.targets {
		if _, ok := queued[i]; ok {
			targets = append(targets, w.targets[i])
		}
	}

	outcomes, err := w.syncer.Run(w.ctx, targets, gitsync.WithTrigger(gitsync.TriggerAuto))
	switch {
	case errors.Is(err, gitsync.ErrBusy):
		w.config.Logger.Printf("Sync in progress, retrying %d target(s) next tick", len(due))
		w.requeue(queued)
		return
	case err != nil:
		if w.ctx.Err() == nil {
			w.config.Logger.Printf("Auto-sync failed: %v", err)
		}
		return
	}

	for _, o := range outcomes {
		if !o.OK() {
			w.config.Logger.Printf("Auto-sync of %s: %s", o.Target, o.Error)
		}
	}
}

// requeue restores entries unless a newer event arrived meanwhile
func (w *Watcher) requeue(entries map[int]time.Time) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	for i, at := range entries {
		if _, ok := w.pending[i]; !ok {
			w.pending[i] = at
		}
	}
}
