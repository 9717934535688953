package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/domain"
	"github.com/vburojevic/agw/internal/strategy"
)

// Auditor records classification and resume events durably. Satisfied by
// *audit.Log; tests substitute an in-memory double.
type Auditor interface {
	Append(entry domain.AuditEntry) error
}

// Options tunes the supervisor's retry and crash-loop behavior.
type Options struct {
	// MaxRetries caps resume attempts within one resume cycle.
	MaxRetries int

	// CrashThreshold failures within CrashWindow suppress further resumes
	// for that strategy until the window clears.
	CrashThreshold int
	CrashWindow    time.Duration
}

// Supervisor is the single consumer of the monitor event stream. It owns the
// resume decision: classify outcome in hand, it picks a strategy, runs the
// attempt loop with backoff state per strategy, and audits every step.
type Supervisor struct {
	events <-chan domain.MonitorEvent
	sel    *strategy.Selector
	audit  Auditor
	store  *StateStore
	opts   Options
	clk    clock.Clock
	log    *zap.SugaredLogger

	mu       sync.Mutex
	trackers map[string]*strategy.RestartTracker
	inFlight map[string]bool
	state    State

	wg sync.WaitGroup
}

// New creates a supervisor over the bus event stream. store may be nil to
// disable state persistence.
func New(events <-chan domain.MonitorEvent, sel *strategy.Selector, auditor Auditor, store *StateStore, opts Options, clk clock.Clock, log *zap.SugaredLogger) *Supervisor {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 10
	}
	if opts.CrashThreshold <= 0 {
		opts.CrashThreshold = 3
	}
	if opts.CrashWindow <= 0 {
		opts.CrashWindow = time.Minute
	}
	return &Supervisor{
		events:   events,
		sel:      sel,
		audit:    auditor,
		store:    store,
		opts:     opts,
		clk:      clk,
		log:      log,
		trackers: map[string]*strategy.RestartTracker{},
		inFlight: map[string]bool{},
	}
}

// Run consumes events until ctx is cancelled or the bus closes its channel,
// then waits for in-flight resume cycles to drain.
func (s *Supervisor) Run(ctx context.Context) error {
	s.restoreState()
	defer func() {
		s.wg.Wait()
		s.persistState()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev domain.MonitorEvent) {
	switch ev.Kind {
	case domain.EventSessionStopped:
		s.handleStop(ctx, ev)

	case domain.EventHealthCheck:
		s.handleHealth(ev)

	case domain.EventError:
		if ev.Err != nil && !ev.Err.Recoverable {
			s.log.Errorw("unrecoverable monitor error", "source", ev.Err.Source, "message", ev.Err.Message)
		} else if ev.Err != nil {
			s.log.Warnw("recoverable monitor error", "source", ev.Err.Source, "message", ev.Err.Message)
		}

	case domain.EventSessionCreated, domain.EventSessionChanged:
		s.log.Debugw("session updated", "path", ev.Path)

	case domain.EventSessionDeleted:
		s.log.Infow("session file removed", "path", ev.Path)

	case domain.EventProcessStarted:
		if ev.Process != nil {
			s.log.Infow("agent process started", "pid", ev.Process.PID, "cmdline", ev.Process.Cmdline)
		}

	case domain.EventProcessStopped:
		// The follow-up SessionStopped event carries the classification.
		s.log.Debugw("agent process stopped", "pid", pidOf(ev.Process))
	}
}

// handleStop audits the classification and, when warranted, launches one
// resume cycle in the background so the event loop keeps draining.
func (s *Supervisor) handleStop(ctx context.Context, ev domain.MonitorEvent) {
	if ev.Stop == nil {
		s.log.Warnw("session stop event without details", "path", ev.Path)
		return
	}
	reason := ev.Stop.Reason

	s.log.Infow("session stopped",
		"path", ev.Path,
		"reason", reason.Kind,
		"confidence", ev.Stop.Classification.Confidence)

	s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "session_stopped", "classified", reason.Kind.String()).
		With("session", ev.Path).
		With("confidence", strconv.FormatFloat(ev.Stop.Classification.Confidence, 'f', 2, 64)).
		With("evidence", strings.Join(ev.Stop.Classification.Evidence, "; ")))

	s.noteStop(ev.Path, reason.Kind.String())

	if !reason.ShouldAutoResume() {
		s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "resume_skipped", "none", "skipped").
			With("session", ev.Path).
			With("reason", reason.Kind.String()))
		return
	}

	strat := s.sel.Select(&reason)
	if strat == nil {
		s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "resume_skipped", "none", "skipped").
			With("session", ev.Path).
			With("reason", "no strategy for "+reason.Kind.String()))
		return
	}

	tracker := s.trackerFor(strat.Name())
	if tracker.CrashLooping() {
		s.log.Warnw("crash loop detected, suppressing automatic resume",
			"strategy", strat.Name(),
			"session", ev.Path,
			"threshold", s.opts.CrashThreshold,
			"window", s.opts.CrashWindow)
		s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "resume_suppressed", strat.Name(), "crash_loop").
			With("session", ev.Path))
		return
	}

	s.mu.Lock()
	if s.inFlight[strat.Name()] {
		s.mu.Unlock()
		s.log.Warnw("resume cycle already running for strategy, skipping",
			"strategy", strat.Name(), "session", ev.Path)
		s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "resume_skipped", strat.Name(), "skipped").
			With("session", ev.Path).
			With("reason", "cycle already in flight"))
		return
	}
	s.inFlight[strat.Name()] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, strat.Name())
			s.mu.Unlock()
		}()
		s.runCycle(ctx, strat, tracker, ev)
	}()
}

// runCycle executes the attempt loop for one stop event. Each attempt gets a
// fresh ResumeContext with the tracker's current attempt number; outcomes are
// audited whether they succeed or not.
func (s *Supervisor) runCycle(ctx context.Context, strat strategy.Strategy, tracker *strategy.RestartTracker, ev domain.MonitorEvent) {
	tracker.StartCycle()
	reason := ev.Stop.Reason

	for {
		attempt := tracker.Attempt()
		if attempt > s.opts.MaxRetries {
			s.log.Errorw("resume abandoned after retry budget exhausted",
				"strategy", strat.Name(), "session", ev.Path, "attempts", attempt-1)
			s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "resume_abandoned", strat.Name(), "failure").
				With("session", ev.Path).
				With("attempts", strconv.Itoa(attempt-1)))
			return
		}

		rc := &domain.ResumeContext{
			SessionPath: ev.Path,
			Reason:      reason,
			RetryAfter:  reason.RetryAfter,
			Session:     ev.Session,
			Attempt:     attempt,
			CreatedAt:   s.clk.Now(),
		}

		outcome, err := strat.Execute(ctx, rc)
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown, not a failure. Do not count it against the
				// tracker.
				s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "resume_attempt", strat.Name(), "skipped").
					With("session", ev.Path).
					With("attempt", strconv.Itoa(attempt)).
					With("detail", "cancelled during wait"))
				return
			}
			// An execution error with a live context counts as a
			// retryable failure, whatever outcome came with it.
			outcome = domain.Failed(err.Error(), true)
		}

		s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "resume_attempt", strat.Name(), outcome.Kind.String()).
			With("session", ev.Path).
			With("attempt", strconv.Itoa(attempt)).
			With("detail", outcome.Describe()))

		switch outcome.Kind {
		case domain.OutcomeSuccess:
			tracker.RecordSuccess()
			s.noteOutcome(outcome.Kind.String(), true)
			s.log.Infow("resume succeeded",
				"strategy", strat.Name(), "session", outcome.SessionPath, "action", outcome.Action, "attempt", attempt)
			return

		case domain.OutcomeFailure:
			tracker.RecordFailure()
			s.noteOutcome(outcome.Kind.String(), false)
			if !strat.ShouldRetry(outcome) {
				s.log.Errorw("resume failed permanently",
					"strategy", strat.Name(), "session", ev.Path, "error", outcome.Message)
				return
			}
			if tracker.CrashLooping() {
				s.log.Warnw("crash loop detected mid-cycle, stopping retries",
					"strategy", strat.Name(), "session", ev.Path)
				s.appendAudit(domain.NewAuditEntry(s.clk.Now(), "resume_suppressed", strat.Name(), "crash_loop").
					With("session", ev.Path))
				return
			}
			s.log.Warnw("resume attempt failed, will retry",
				"strategy", strat.Name(), "session", ev.Path, "attempt", attempt, "error", outcome.Message)

		case domain.OutcomeDelayed:
			if err := s.wait(ctx, outcome.NextAttempt); err != nil {
				return
			}

		case domain.OutcomeSkipped:
			s.noteOutcome(outcome.Kind.String(), false)
			s.log.Infow("resume skipped",
				"strategy", strat.Name(), "session", ev.Path, "reason", outcome.Reason)
			return
		}
	}
}

func (s *Supervisor) handleHealth(ev domain.MonitorEvent) {
	s.mu.Lock()
	trackers := make([]*strategy.RestartTracker, 0, len(s.trackers))
	names := make([]string, 0, len(s.trackers))
	for name, t := range s.trackers {
		trackers = append(trackers, t)
		names = append(names, name)
	}
	s.mu.Unlock()

	for i, t := range trackers {
		if t.MaybeReset() {
			s.log.Infow("backoff state reset after sustained health", "strategy", names[i])
		}
	}

	if ev.Health != nil {
		s.log.Debugw("health check", "uptime", ev.Health.Uptime, "events_dropped", ev.Health.EventsDropped)
	}
	s.persistState()
}

// trackerFor returns the per-strategy restart tracker, creating it on first
// use.
func (s *Supervisor) trackerFor(name string) *strategy.RestartTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trackers[name]
	if !ok {
		t = strategy.NewRestartTracker(s.opts.CrashThreshold, s.opts.CrashWindow, s.clk)
		s.trackers[name] = t
	}
	return t
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := s.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// appendAudit writes an entry and logs the failure without crashing the
// daemon. A broken audit log must not take monitoring down with it.
func (s *Supervisor) appendAudit(entry domain.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(entry); err != nil {
		s.log.Errorw("audit append failed", "event_type", entry.EventType, "error", err)
	}
}

func (s *Supervisor) restoreState() {
	if s.store == nil {
		return
	}
	st, err := s.store.Load()
	if err != nil {
		s.log.Warnw("could not load persisted daemon state", "error", err)
		return
	}
	if st == nil {
		return
	}
	s.mu.Lock()
	s.state = *st
	s.mu.Unlock()
	s.log.Infow("restored daemon state",
		"resumes_attempted", st.ResumesAttempted,
		"resumes_succeeded", st.ResumesSucceeded)
}

func (s *Supervisor) persistState() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	st.UpdatedAt = s.clk.Now().UTC().Format(time.RFC3339)
	if err := s.store.Save(&st); err != nil {
		s.log.Warnw("could not persist daemon state", "error", err)
	}
}

func (s *Supervisor) noteStop(path, reason string) {
	s.mu.Lock()
	s.state.LastSessionPath = path
	s.state.LastStopReason = reason
	s.mu.Unlock()
}

func (s *Supervisor) noteOutcome(outcome string, succeeded bool) {
	s.mu.Lock()
	s.state.LastOutcome = outcome
	s.state.ResumesAttempted++
	if succeeded {
		s.state.ResumesSucceeded++
	}
	s.mu.Unlock()
}

func pidOf(p *domain.ProcessInfo) string {
	if p == nil {
		return "?"
	}
	return fmt.Sprintf("%d", p.PID)
}
