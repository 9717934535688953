package domain

import "time"

// StopKind classifies why an agent session stopped producing output.
type StopKind int

const (
	StopUnknown StopKind = iota
	StopRateLimit
	StopContextExhausted
	StopUserExit
	StopCompleted
)

// String returns the audit-log name for the stop kind.
func (k StopKind) String() string {
	switch k {
	case StopRateLimit:
		return "rate_limit"
	case StopContextExhausted:
		return "context_exhausted"
	case StopUserExit:
		return "user_exit"
	case StopCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ExitType distinguishes how a user-initiated exit happened.
type ExitType int

const (
	ExitClean     ExitType = iota // exit code 0, no error markers
	ExitInterrupt                 // SIGINT (130)
	ExitTerminate                 // SIGTERM (143)
	ExitHangup                    // SIGHUP (129)
	ExitCommand                   // textual exit/quit command
)

// String returns the audit-log name for the exit type.
func (e ExitType) String() string {
	switch e {
	case ExitInterrupt:
		return "interrupt"
	case ExitTerminate:
		return "terminate"
	case ExitHangup:
		return "hangup"
	case ExitCommand:
		return "command"
	default:
		return "clean"
	}
}

// StopReason is the classified cause of a session halt. Kind selects the
// variant; the remaining fields are populated per variant so the strategy
// layer never has to re-read the session file.
type StopReason struct {
	Kind StopKind

	// Rate limit
	RetryAfter *time.Duration

	// Context exhaustion. Zero means the count could not be determined.
	TokensUsed  int
	TokensTotal int

	// User exit
	ExitType ExitType
	ExitCode *int

	// Unknown
	Detail string
}

// RateLimited builds a rate-limit stop reason. retryAfter may be nil when no
// hint was found in the content.
func RateLimited(retryAfter *time.Duration) StopReason {
	return StopReason{Kind: StopRateLimit, RetryAfter: retryAfter}
}

// ContextExhausted builds a context-exhaustion stop reason.
func ContextExhausted(used, total int) StopReason {
	return StopReason{Kind: StopContextExhausted, TokensUsed: used, TokensTotal: total}
}

// UserExit builds a user-exit stop reason.
func UserExit(exitType ExitType, exitCode *int) StopReason {
	return StopReason{Kind: StopUserExit, ExitType: exitType, ExitCode: exitCode}
}

// Completed builds a completion stop reason.
func Completed() StopReason {
	return StopReason{Kind: StopCompleted}
}

// UnknownStop builds the fallback stop reason.
func UnknownStop(detail string) StopReason {
	return StopReason{Kind: StopUnknown, Detail: detail}
}

// ShouldAutoResume reports whether this stop reason warrants an automatic
// resume. It is a pure function of the variant tag; classification confidence
// never participates in this decision.
func (r StopReason) ShouldAutoResume() bool {
	return r.Kind == StopRateLimit || r.Kind == StopContextExhausted
}

// ClassificationResult pairs a stop reason with the evidence that produced
// it. Confidence is an observability signal only; control flow is decided by
// the classifier's fixed priority order, never by comparing confidences.
type ClassificationResult struct {
	Reason     StopReason
	Confidence float64
	Evidence   []string
}
