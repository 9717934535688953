package domain

import "time"

// AuditEntry is one durable record of a classification or resume attempt.
// Entries are append-only: never mutated or deleted except by whole-file
// rotation.
type AuditEntry struct {
	Timestamp   time.Time         `json:"timestamp"`
	EventType   string            `json:"event_type"`
	ActionTaken string            `json:"action_taken"`
	Outcome     string            `json:"outcome"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewAuditEntry creates an entry stamped with the given time.
func NewAuditEntry(ts time.Time, eventType, action, outcome string) AuditEntry {
	return AuditEntry{
		Timestamp:   ts,
		EventType:   eventType,
		ActionTaken: action,
		Outcome:     outcome,
		Metadata:    map[string]string{},
	}
}

// With adds a metadata key and returns the entry for chaining.
func (e AuditEntry) With(key, value string) AuditEntry {
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	e.Metadata[key] = value
	return e
}
