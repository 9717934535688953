package domain

import "time"

// ResumeContext carries everything a resume strategy needs for one attempt.
// Built fresh per resume cycle; Attempt starts at 1 and increments only
// within the same underlying stop event.
type ResumeContext struct {
	SessionPath string
	Reason      StopReason
	RetryAfter  *time.Duration
	Session     *Session
	Attempt     int
	CreatedAt   time.Time
}

// OutcomeKind classifies the result of a resume attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeSkipped
	OutcomeDelayed
)

// String returns the audit-log name for the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "delayed"
	}
}

// ResumeOutcome is the result a strategy returns from one execution.
type ResumeOutcome struct {
	Kind        OutcomeKind
	SessionPath string        // Success
	Action      string        // Success: human-readable action description
	Message     string        // Failure
	Retryable   bool          // Failure
	NextAttempt time.Duration // Delayed
	Reason      string        // Skipped, Delayed
}

// Succeeded builds a success outcome.
func Succeeded(sessionPath, action string) ResumeOutcome {
	return ResumeOutcome{Kind: OutcomeSuccess, SessionPath: sessionPath, Action: action}
}

// Failed builds a failure outcome.
func Failed(message string, retryable bool) ResumeOutcome {
	return ResumeOutcome{Kind: OutcomeFailure, Message: message, Retryable: retryable}
}

// SkippedOutcome builds a skip outcome.
func SkippedOutcome(reason string) ResumeOutcome {
	return ResumeOutcome{Kind: OutcomeSkipped, Reason: reason}
}

// DelayedOutcome builds a delayed outcome.
func DelayedOutcome(next time.Duration, reason string) ResumeOutcome {
	return ResumeOutcome{Kind: OutcomeDelayed, NextAttempt: next, Reason: reason}
}

// Describe returns a short string for logs and audit entries.
func (o ResumeOutcome) Describe() string {
	switch o.Kind {
	case OutcomeSuccess:
		return o.Action
	case OutcomeFailure:
		return o.Message
	default:
		return o.Reason
	}
}
