package watcher

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeKind classifies a file change.
type ChangeKind int

const (
	Created ChangeKind = iota
	Modified
	Deleted
)

// String returns the log name for the change kind.
func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	default:
		return "deleted"
	}
}

// Change is one coalesced file-system event.
type Change struct {
	Kind ChangeKind
	Path string
	Time time.Time
}

// dirPollInterval is how often the watcher checks for a directory that does
// not exist yet.
const dirPollInterval = time.Second

// Watcher observes a directory for session file changes. Rapid changes to
// the same path within the debounce window collapse into one Change carrying
// the latest kind. The watcher never blocks on a slow consumer; it drops and
// counts instead.
type Watcher struct {
	dir      string
	debounce time.Duration
	clk      clock.Clock
	log      *zap.SugaredLogger
	events   chan Change
	dropped  atomic.Uint64
}

// New creates a watcher for dir. bufferSize bounds the event channel.
func New(dir string, debounce time.Duration, bufferSize int, clk clock.Clock, log *zap.SugaredLogger) *Watcher {
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		clk:      clk,
		log:      log,
		events:   make(chan Change, bufferSize),
	}
}

// Events returns the coalesced change stream. The channel closes when Run
// returns.
func (w *Watcher) Events() <-chan Change {
	return w.events
}

// Dropped returns how many events were discarded because the channel was full.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Run watches until ctx is cancelled. If the directory does not exist yet it
// waits for it to appear, logging a one-time warning. Transient watch-layer
// errors are logged and the loop continues. On cancellation the event channel
// is closed without flushing stale pending events.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)

	if err := w.waitForDir(ctx); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Debugw("watching directory", "dir", w.dir, "debounce", w.debounce)

	pending := map[string]Change{}
	flush := w.clk.Timer(w.debounce)
	if !flush.Stop() {
		<-flush.C
	}
	flushArmed := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			kind, relevant := mapOp(ev.Op)
			if !relevant {
				continue
			}
			// Latest kind wins within the window.
			pending[ev.Name] = Change{Kind: kind, Path: ev.Name, Time: w.clk.Now()}
			if !flushArmed {
				flush.Reset(w.debounce)
				flushArmed = true
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warnw("watch error, continuing", "dir", w.dir, "error", err)

		case <-flush.C:
			flushArmed = false
			for path, change := range pending {
				delete(pending, path)
				w.send(change)
			}
		}
	}
}

// waitForDir blocks until the watch directory exists or ctx is cancelled.
func (w *Watcher) waitForDir(ctx context.Context) error {
	if _, err := os.Stat(w.dir); err == nil {
		return nil
	}
	w.log.Warnw("watch directory does not exist yet, waiting", "dir", w.dir)

	ticker := w.clk.Ticker(dirPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := os.Stat(w.dir); err == nil {
				w.log.Infow("watch directory appeared", "dir", w.dir)
				return nil
			}
		}
	}
}

// send delivers a change without blocking, dropping on a full channel.
func (w *Watcher) send(change Change) {
	select {
	case w.events <- change:
	default:
		n := w.dropped.Add(1)
		w.log.Warnw("event channel full, dropping change", "path", change.Path, "dropped_total", n)
	}
}

func mapOp(op fsnotify.Op) (ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Created, true
	case op.Has(fsnotify.Write):
		return Modified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return Deleted, true
	default:
		// Chmod and friends are noise for session files.
		return 0, false
	}
}
