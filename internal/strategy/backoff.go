package strategy

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BackoffPolicy computes exponential retry delays with optional jitter.
// The zero value is not usable; construct with NewBackoffPolicy.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	JitterPct float64

	// rand returns a uniform value in [0,1). Injected for deterministic
	// tests; defaults to math/rand.
	rand func() float64
}

// NewBackoffPolicy validates and builds a policy. BaseDelay must be positive,
// MaxDelay at least BaseDelay, and JitterPct within [0,1].
func NewBackoffPolicy(base, max time.Duration, jitterPct float64) (*BackoffPolicy, error) {
	if base <= 0 {
		return nil, fmt.Errorf("base delay must be > 0, got %s", base)
	}
	if max < base {
		return nil, fmt.Errorf("max delay %s is below base delay %s", max, base)
	}
	if jitterPct < 0 || jitterPct > 1 {
		return nil, fmt.Errorf("jitter pct must be within [0,1], got %g", jitterPct)
	}
	return &BackoffPolicy{BaseDelay: base, MaxDelay: max, JitterPct: jitterPct, rand: rand.Float64}, nil
}

// Delay returns min(base * 2^(attempt-1), max) for attempt >= 1, without
// jitter. Attempts below 1 are treated as 1.
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay < 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// JitteredDelay perturbs Delay(attempt) by a uniform offset within
// ±JitterPct, recomputed per call. The result is never negative and never
// exceeds MaxDelay plus the jitter room.
func (p *BackoffPolicy) JitteredDelay(attempt int) time.Duration {
	delay := p.Delay(attempt)
	if p.JitterPct == 0 {
		return delay
	}
	// Uniform in [-pct, +pct].
	offset := p.JitterPct * (2*p.rand() - 1)
	jittered := time.Duration(float64(delay) * (1 + offset))
	if jittered < 0 {
		return 0
	}
	ceiling := p.MaxDelay + time.Duration(float64(p.MaxDelay)*p.JitterPct)
	if jittered > ceiling {
		return ceiling
	}
	return jittered
}

// RestartTracker owns one strategy's backoff state: the attempt counter for
// the current resume cycle and a sliding window of recent failure times used
// for crash-loop detection. Not shared across strategies.
type RestartTracker struct {
	mu        sync.Mutex
	clk       clock.Clock
	window    time.Duration
	threshold int
	attempt   int
	crashes   []time.Time
}

// NewRestartTracker creates a tracker flagging a crash loop when threshold
// failures land within window.
func NewRestartTracker(threshold int, window time.Duration, clk clock.Clock) *RestartTracker {
	return &RestartTracker{
		clk:       clk,
		window:    window,
		threshold: threshold,
		attempt:   1,
	}
}

// StartCycle resets the attempt counter for a fresh stop event. Crash
// timestamps are retained: a new stop event does not forgive a crash loop.
func (t *RestartTracker) StartCycle() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempt = 1
}

// Attempt returns the attempt number for the next execution, starting at 1.
func (t *RestartTracker) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// RecordFailure notes a failed attempt, advancing the attempt counter and
// the crash window.
func (t *RestartTracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempt++
	t.crashes = append(t.crashes, t.clk.Now())
	t.prune()
}

// RecordSuccess resets the attempt counter after a successful resume.
func (t *RestartTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempt = 1
}

// CrashLooping reports whether threshold failures occurred within the window.
func (t *RestartTracker) CrashLooping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	return len(t.crashes) >= t.threshold
}

// MaybeReset clears all backoff state once a full window has passed with no
// failures. Called periodically from the supervisor's health tick; this is
// the sustained-success reset.
func (t *RestartTracker) MaybeReset() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.crashes) == 0 {
		return false
	}
	last := t.crashes[len(t.crashes)-1]
	if t.clk.Now().Sub(last) < t.window {
		return false
	}
	t.crashes = nil
	t.attempt = 1
	return true
}

// prune drops crash timestamps older than the window. Caller holds the lock.
func (t *RestartTracker) prune() {
	cutoff := t.clk.Now().Add(-t.window)
	kept := t.crashes[:0]
	for _, ts := range t.crashes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.crashes = kept
}
