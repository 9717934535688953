package strategy

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/domain"
)

// SameSession continues a rate-limited session where it left off: wait out
// the retry hint (or a computed backoff), then fire the resume trigger.
type SameSession struct {
	trigger ResumeTrigger
	policy  *BackoffPolicy
	clk     clock.Clock
	log     *zap.SugaredLogger
}

// NewSameSession builds the same-session strategy.
func NewSameSession(trigger ResumeTrigger, policy *BackoffPolicy, clk clock.Clock, log *zap.SugaredLogger) *SameSession {
	return &SameSession{trigger: trigger, policy: policy, clk: clk, log: log}
}

// Name implements Strategy.
func (s *SameSession) Name() string { return "same-session" }

// Execute waits for the retry-after hint when present, otherwise for the
// backoff delay for this attempt, then triggers continuation. The wait is
// cancellable: a shutdown signal interrupts it immediately.
func (s *SameSession) Execute(ctx context.Context, rc *domain.ResumeContext) (domain.ResumeOutcome, error) {
	delay := s.policy.JitteredDelay(rc.Attempt)
	source := "backoff"
	if rc.RetryAfter != nil {
		delay = *rc.RetryAfter
		source = "retry-after hint"
	}

	s.log.Infow("waiting before resuming session",
		"session", rc.SessionPath, "delay", delay, "source", source, "attempt", rc.Attempt)
	if err := waitOrCancel(ctx, s.clk, delay); err != nil {
		return domain.SkippedOutcome("wait cancelled before resume"), err
	}

	if err := s.trigger.TriggerResume(ctx, rc.SessionPath); err != nil {
		return domain.Failed(fmt.Sprintf("resume trigger failed: %v", err), true), nil
	}

	return domain.Succeeded(rc.SessionPath, fmt.Sprintf("triggered continuation after %s wait", delay)), nil
}

// ShouldRetry implements Strategy.
func (s *SameSession) ShouldRetry(outcome domain.ResumeOutcome) bool {
	return DefaultShouldRetry(outcome)
}
