package domain

import "time"

// EventKind classifies monitor events emitted by the event bus.
type EventKind int

const (
	EventSessionCreated EventKind = iota
	EventSessionChanged
	EventSessionDeleted
	EventProcessStarted
	EventProcessStopped
	EventSessionStopped
	EventError
	EventHealthCheck
)

// String returns the audit-log name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventSessionCreated:
		return "session_created"
	case EventSessionChanged:
		return "session_changed"
	case EventSessionDeleted:
		return "session_deleted"
	case EventProcessStarted:
		return "process_started"
	case EventProcessStopped:
		return "process_stopped"
	case EventSessionStopped:
		return "session_stopped"
	case EventError:
		return "error"
	case EventHealthCheck:
		return "health_check"
	default:
		return "unknown"
	}
}

// ProcessInfo describes one observed agent process.
type ProcessInfo struct {
	PID       int
	Cmdline   string
	StartedAt time.Time
}

// StopDetails is the payload of a SessionStopped event.
type StopDetails struct {
	Reason         StopReason
	Classification ClassificationResult
	Process        *ProcessInfo
}

// ErrorDetails is the payload of an Error event.
type ErrorDetails struct {
	Source      string
	Message     string
	Recoverable bool
}

// HealthStatus is the payload of a periodic HealthCheck event.
type HealthStatus struct {
	Uptime        time.Duration
	EventsDropped uint64
}

// MonitorEvent is the single event type delivered to the supervisor. Kind
// selects the variant; the payload pointers are populated per variant. Once
// sent on the bus channel, ownership transfers to the consumer.
type MonitorEvent struct {
	Kind EventKind
	Time time.Time

	// Session file path for session-scoped events.
	Path string

	Session  *Session // SessionCreated, SessionChanged, SessionStopped
	Previous *Session // SessionChanged only

	Process  *ProcessInfo // ProcessStarted, ProcessStopped
	ExitCode *int         // ProcessStopped, when known

	Stop   *StopDetails  // SessionStopped
	Err    *ErrorDetails // Error
	Health *HealthStatus // HealthCheck
}
