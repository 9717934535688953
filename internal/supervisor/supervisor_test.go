package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/domain"
	"github.com/vburojevic/agw/internal/strategy"
)

type fakeStrategy struct {
	name string

	mu       sync.Mutex
	attempts []int
	outcomes []domain.ResumeOutcome
	errs     []error
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Execute(ctx context.Context, rc *domain.ResumeContext) (domain.ResumeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, rc.Attempt)
	call := len(f.attempts) - 1
	i := call
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	var err error
	if call < len(f.errs) {
		err = f.errs[call]
	}
	return f.outcomes[i], err
}

func (f *fakeStrategy) ShouldRetry(outcome domain.ResumeOutcome) bool {
	return strategy.DefaultShouldRetry(outcome)
}

func (f *fakeStrategy) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.attempts...)
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (m *memAudit) Append(e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) byType(eventType string) []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	events chan domain.MonitorEvent
	same   *fakeStrategy
	fresh  *fakeStrategy
	aud    *memAudit
	sup    *Supervisor
	cancel context.CancelFunc
	done   chan struct{}
}

func newFixture(t *testing.T, opts Options, store *StateStore) *fixture {
	t.Helper()
	log := zap.NewNop().Sugar()
	f := &fixture{
		events: make(chan domain.MonitorEvent, 16),
		same:   &fakeStrategy{name: "same_session", outcomes: []domain.ResumeOutcome{domain.Succeeded("/tmp/a.md", "continued")}},
		fresh:  &fakeStrategy{name: "new_session", outcomes: []domain.ResumeOutcome{domain.Succeeded("/tmp/a.md", "created")}},
		aud:    &memAudit{},
		done:   make(chan struct{}),
	}
	sel := strategy.NewSelector(f.same, f.fresh, log)
	f.sup = New(f.events, sel, f.aud, store, opts, clock.New(), log)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		_ = f.sup.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})
	return f
}

func stoppedEvent(reason domain.StopReason) domain.MonitorEvent {
	return domain.MonitorEvent{
		Kind: domain.EventSessionStopped,
		Time: time.Now(),
		Path: "/tmp/a.md",
		Stop: &domain.StopDetails{
			Reason:         reason,
			Classification: domain.ClassificationResult{Reason: reason, Confidence: 0.9, Evidence: []string{"matched rate limit marker"}},
		},
	}
}

func TestRateLimitRunsSameSessionStrategy(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	f.events <- stoppedEvent(domain.RateLimited(nil))

	require.Eventually(t, func() bool {
		return len(f.aud.byType("resume_attempt")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{1}, f.same.calls())
	assert.Empty(t, f.fresh.calls())

	stops := f.aud.byType("session_stopped")
	require.Len(t, stops, 1)
	assert.Equal(t, "rate_limit", stops[0].Outcome)
	assert.Equal(t, "/tmp/a.md", stops[0].Metadata["session"])
	assert.Equal(t, "0.90", stops[0].Metadata["confidence"])

	attempts := f.aud.byType("resume_attempt")
	assert.Equal(t, "success", attempts[0].Outcome)
	assert.Equal(t, "same_session", attempts[0].ActionTaken)
}

func TestContextExhaustionRunsNewSessionStrategy(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	f.events <- stoppedEvent(domain.ContextExhausted(195000, 200000))

	require.Eventually(t, func() bool {
		return len(f.fresh.calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.same.calls())
}

func TestCompletedStopIsAuditedButNotResumed(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	f.events <- stoppedEvent(domain.Completed())

	require.Eventually(t, func() bool {
		return len(f.aud.byType("resume_skipped")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, f.same.calls())
	assert.Empty(t, f.fresh.calls())
	assert.Len(t, f.aud.byType("session_stopped"), 1)
}

func TestUnknownStopIsSkipped(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	f.events <- stoppedEvent(domain.UnknownStop("no markers matched"))

	require.Eventually(t, func() bool {
		return len(f.aud.byType("resume_skipped")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.same.calls())
}

func TestRetryableFailureThenSuccess(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.same.outcomes = []domain.ResumeOutcome{
		domain.Failed("tmux send-keys failed", true),
		domain.Succeeded("/tmp/a.md", "continued"),
	}

	f.events <- stoppedEvent(domain.RateLimited(nil))

	require.Eventually(t, func() bool {
		return len(f.same.calls()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{1, 2}, f.same.calls(), "attempt number advances across retries")

	attempts := f.aud.byType("resume_attempt")
	require.Len(t, attempts, 2)
	assert.Equal(t, "failure", attempts[0].Outcome)
	assert.Equal(t, "success", attempts[1].Outcome)
}

func TestExecutionErrorCountsAsRetryableFailure(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	// A bare error alongside a zero-value outcome must never be recorded
	// as a success.
	f.same.outcomes = []domain.ResumeOutcome{
		{},
		domain.Succeeded("/tmp/a.md", "continued"),
	}
	f.same.errs = []error{errors.New("tmux server went away")}

	f.events <- stoppedEvent(domain.RateLimited(nil))

	require.Eventually(t, func() bool {
		return len(f.same.calls()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	attempts := f.aud.byType("resume_attempt")
	require.Len(t, attempts, 2)
	assert.Equal(t, "failure", attempts[0].Outcome)
	assert.Contains(t, attempts[0].Metadata["detail"], "tmux server went away")
	assert.Equal(t, "success", attempts[1].Outcome)
}

func TestNonRetryableFailureStops(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.same.outcomes = []domain.ResumeOutcome{domain.Failed("session file vanished", false)}

	f.events <- stoppedEvent(domain.RateLimited(nil))

	require.Eventually(t, func() bool {
		return len(f.aud.byType("resume_attempt")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int{1}, f.same.calls(), "no retry after a permanent failure")
}

func TestRetryBudgetExhaustion(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 2, CrashThreshold: 100}, nil)
	f.same.outcomes = []domain.ResumeOutcome{domain.Failed("still rate limited", true)}

	f.events <- stoppedEvent(domain.RateLimited(nil))

	require.Eventually(t, func() bool {
		return len(f.aud.byType("resume_abandoned")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{1, 2}, f.same.calls())
	abandoned := f.aud.byType("resume_abandoned")
	assert.Equal(t, "2", abandoned[0].Metadata["attempts"])
}

func TestCrashLoopSuppressesRetriesAndNewCycles(t *testing.T) {
	f := newFixture(t, Options{MaxRetries: 10, CrashThreshold: 3, CrashWindow: time.Minute}, nil)
	f.same.outcomes = []domain.ResumeOutcome{domain.Failed("agent exits immediately", true)}

	f.events <- stoppedEvent(domain.RateLimited(nil))

	// The cycle stops once three failures land inside the window.
	require.Eventually(t, func() bool {
		return len(f.aud.byType("resume_suppressed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, f.same.calls())

	// A fresh stop event is suppressed outright while the loop persists.
	f.events <- stoppedEvent(domain.RateLimited(nil))
	require.Eventually(t, func() bool {
		return len(f.aud.byType("resume_suppressed")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.same.calls(), 3, "no further executions while crash looping")
}

func TestAuditFailureDoesNotBlockResume(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.aud.mu.Lock()
	f.aud.err = errors.New("disk full")
	f.aud.mu.Unlock()

	f.events <- stoppedEvent(domain.RateLimited(nil))

	require.Eventually(t, func() bool {
		return len(f.same.calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatePersistedAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStateStore(path, 5*time.Second)

	f := newFixture(t, Options{}, store)
	f.events <- stoppedEvent(domain.RateLimited(nil))
	require.Eventually(t, func() bool {
		return len(f.aud.byType("resume_attempt")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	f.cancel()
	<-f.done

	st, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "daemon_state", st.Type)
	assert.Equal(t, "/tmp/a.md", st.LastSessionPath)
	assert.Equal(t, "rate_limit", st.LastStopReason)
	assert.Equal(t, 1, st.ResumesAttempted)
	assert.Equal(t, 1, st.ResumesSucceeded)
	assert.NotEmpty(t, st.UpdatedAt)
}

func TestStateStoreMissingFile(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state.json"), time.Second)
	st, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStateStoreRoundTrip(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "nested", "state.json"), time.Second)
	in := &State{LastSessionPath: "/tmp/x.md", ResumesAttempted: 4, ResumesSucceeded: 3}
	require.NoError(t, store.Save(in))

	out, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, 1, out.SchemaVersion)
	assert.Equal(t, "/tmp/x.md", out.LastSessionPath)
	assert.Equal(t, 4, out.ResumesAttempted)
}
