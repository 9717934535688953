package bus

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/classify"
	"github.com/vburojevic/agw/internal/domain"
	"github.com/vburojevic/agw/internal/procmon"
	"github.com/vburojevic/agw/internal/session"
	"github.com/vburojevic/agw/internal/watcher"
)

// tailBytes bounds how much session body the classifier sees.
const tailBytes = 16 * 1024

// Options configures a Bus. Parse and ReadTail default to the real session
// parser and a bounded file tail read; tests override them.
type Options struct {
	BufferSize     int
	HealthInterval time.Duration
	NextStepFile   string
	Parse          func(path string) (*domain.Session, error)
	ReadTail       func(path string) (string, error)
}

// Bus merges watcher changes, process transitions and classifier output into
// one ordered MonitorEvent stream consumed by exactly one supervisor. A full
// channel drops events rather than blocking any producer; the audit log, not
// this channel, is the durable record.
type Bus struct {
	watch      <-chan watcher.Change
	proc       <-chan procmon.Transition
	classifier *classify.Classifier
	opts       Options
	clk        clock.Clock
	log        *zap.SugaredLogger

	events  chan domain.MonitorEvent
	dropped atomic.Uint64

	// Owned by the Run goroutine; no locking needed.
	sessions   map[string]*domain.Session
	lastActive string
	started    time.Time
}

// New creates a bus over the two upstream channels.
func New(watch <-chan watcher.Change, proc <-chan procmon.Transition, classifier *classify.Classifier, opts Options, clk clock.Clock, log *zap.SugaredLogger) *Bus {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.Parse == nil {
		opts.Parse = session.Parse
	}
	if opts.ReadTail == nil {
		opts.ReadTail = readTail
	}
	return &Bus{
		watch:      watch,
		proc:       proc,
		classifier: classifier,
		opts:       opts,
		clk:        clk,
		log:        log,
		events:     make(chan domain.MonitorEvent, opts.BufferSize),
		sessions:   map[string]*domain.Session{},
	}
}

// Events returns the merged stream. The channel closes when Run returns.
func (b *Bus) Events() <-chan domain.MonitorEvent {
	return b.events
}

// Dropped returns how many events were discarded on a full channel.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run merges until ctx is cancelled, then stops accepting upstream events
// and closes the channel.
func (b *Bus) Run(ctx context.Context) error {
	defer close(b.events)
	b.started = b.clk.Now()

	var healthC <-chan time.Time
	if b.opts.HealthInterval > 0 {
		ticker := b.clk.Ticker(b.opts.HealthInterval)
		defer ticker.Stop()
		healthC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case change, ok := <-b.watch:
			if !ok {
				b.watch = nil
				continue
			}
			b.handleChange(change)

		case tr, ok := <-b.proc:
			if !ok {
				b.proc = nil
				continue
			}
			b.handleTransition(tr)

		case <-healthC:
			b.send(domain.MonitorEvent{
				Kind: domain.EventHealthCheck,
				Time: b.clk.Now(),
				Health: &domain.HealthStatus{
					Uptime:        b.clk.Now().Sub(b.started),
					EventsDropped: b.dropped.Load(),
				},
			})
		}
	}
}

// handleChange turns a file change into a session event, re-parsing the file
// for creates and modifies.
func (b *Bus) handleChange(change watcher.Change) {
	if !b.isSessionFile(change.Path) {
		return
	}

	switch change.Kind {
	case watcher.Deleted:
		delete(b.sessions, change.Path)
		if b.lastActive == change.Path {
			b.lastActive = ""
		}
		b.send(domain.MonitorEvent{Kind: domain.EventSessionDeleted, Time: change.Time, Path: change.Path})
		return

	case watcher.Created, watcher.Modified:
		sess, err := b.opts.Parse(change.Path)
		if err != nil {
			// The file is skipped for this cycle; watching continues.
			b.log.Warnw("session parse failed", "path", change.Path, "error", err)
			b.send(domain.MonitorEvent{
				Kind: domain.EventError,
				Time: change.Time,
				Path: change.Path,
				Err:  &domain.ErrorDetails{Source: "parser", Message: err.Error(), Recoverable: true},
			})
			return
		}

		previous := b.sessions[change.Path]
		b.sessions[change.Path] = sess
		b.lastActive = change.Path

		kind := domain.EventSessionChanged
		if previous == nil {
			kind = domain.EventSessionCreated
		}
		b.send(domain.MonitorEvent{
			Kind:     kind,
			Time:     change.Time,
			Path:     change.Path,
			Session:  sess,
			Previous: previous,
		})
	}
}

// handleTransition forwards process events and synthesizes a SessionStopped
// classification when the agent process goes away.
func (b *Bus) handleTransition(tr procmon.Transition) {
	info := tr.Info
	if tr.Started {
		b.send(domain.MonitorEvent{Kind: domain.EventProcessStarted, Time: tr.Time, Process: &info})
		return
	}

	b.send(domain.MonitorEvent{Kind: domain.EventProcessStopped, Time: tr.Time, Process: &info, ExitCode: tr.ExitCode})

	// Classify with the current session snapshot when one is known,
	// otherwise fall back to exit-code-only classification.
	var (
		sess    *domain.Session
		path    string
		content string
	)
	if b.lastActive != "" {
		sess = b.sessions[b.lastActive]
		path = b.lastActive
		tail, err := b.opts.ReadTail(path)
		if err != nil {
			b.log.Warnw("could not read session tail for classification", "path", path, "error", err)
		} else {
			content = tail
		}
	}

	result := b.classifier.Classify(content, sess, tr.ExitCode)
	b.log.Infow("session stop classified",
		"path", path,
		"reason", result.Reason.Kind,
		"confidence", result.Confidence,
		"evidence", result.Evidence)

	b.send(domain.MonitorEvent{
		Kind:    domain.EventSessionStopped,
		Time:    tr.Time,
		Path:    path,
		Session: sess,
		Stop: &domain.StopDetails{
			Reason:         result.Reason,
			Classification: result,
			Process:        &info,
		},
	})
}

// isSessionFile filters out non-markdown files, backups and the next-step
// pointer.
func (b *Bus) isSessionFile(path string) bool {
	base := filepath.Base(path)
	if filepath.Ext(base) != ".md" {
		return false
	}
	if strings.Contains(base, "-backup-") {
		return false
	}
	if b.opts.NextStepFile != "" && base == b.opts.NextStepFile {
		return false
	}
	return true
}

// send delivers without blocking; on a full channel the event is dropped and
// counted. The warning is rate-limited so a stuck consumer does not flood the
// log.
func (b *Bus) send(ev domain.MonitorEvent) {
	select {
	case b.events <- ev:
	default:
		n := b.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			b.log.Warnw("monitor event channel full, dropping", "kind", ev.Kind, "dropped_total", n)
		}
	}
}

// readTail reads the last tailBytes of the file at path.
func readTail(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size() - tailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
