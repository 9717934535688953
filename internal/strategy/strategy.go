package strategy

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/domain"
)

// ResumeTrigger continues an existing session. Implemented by the
// agent-integration layer; tests substitute deterministic doubles.
type ResumeTrigger interface {
	TriggerResume(ctx context.Context, sessionPath string) error
}

// SessionCreator starts a new session with an initial prompt in a working
// directory.
type SessionCreator interface {
	CreateSession(ctx context.Context, workDir, prompt string) error
}

// Strategy is one way of getting a stopped session producing output again.
type Strategy interface {
	// Name identifies the strategy in logs and audit entries.
	Name() string

	// Execute performs one resume attempt. A cancelled wait returns the
	// context error so the caller can tell an aborted wait from a failure.
	Execute(ctx context.Context, rc *domain.ResumeContext) (domain.ResumeOutcome, error)

	// ShouldRetry reports whether the supervisor may re-invoke Execute
	// after this outcome.
	ShouldRetry(outcome domain.ResumeOutcome) bool
}

// DefaultShouldRetry retries retryable failures and delayed outcomes.
func DefaultShouldRetry(outcome domain.ResumeOutcome) bool {
	switch outcome.Kind {
	case domain.OutcomeFailure:
		return outcome.Retryable
	case domain.OutcomeDelayed:
		return true
	default:
		return false
	}
}

// Selector maps a stop reason to a strategy. The mapping is closed and
// total: rate limit continues the same session, context exhaustion starts a
// fresh one, everything else resumes nothing.
type Selector struct {
	sameSession Strategy
	newSession  Strategy
	log         *zap.SugaredLogger
}

// NewSelector builds the selector over the two fixed strategies.
func NewSelector(sameSession, newSession Strategy, log *zap.SugaredLogger) *Selector {
	return &Selector{sameSession: sameSession, newSession: newSession, log: log}
}

// Select returns the strategy for reason, or nil for an explicit skip.
// Unknown variants map to nil; this can never panic.
func (s *Selector) Select(reason *domain.StopReason) Strategy {
	switch reason.Kind {
	case domain.StopRateLimit:
		return s.sameSession
	case domain.StopContextExhausted:
		return s.newSession
	default:
		s.log.Debugw("no resume strategy for stop reason", "reason", reason.Kind)
		return nil
	}
}

// waitOrCancel sleeps for d on clk, returning early with ctx.Err() when the
// context is cancelled. A nil error means the full duration elapsed.
func waitOrCancel(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
