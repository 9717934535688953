package domain

import (
	"fmt"
	"time"
)

// StatusComplete is the frontmatter status value that marks a session finished.
const StatusComplete = "complete"

// Step identifies one completed workflow step. Session files record steps as
// either integers or free-form strings, and a single list may mix both.
type Step struct {
	Number  int
	Label   string
	Numeric bool
}

// IntStep creates a numeric step identifier.
func IntStep(n int) Step {
	return Step{Number: n, Numeric: true}
}

// NamedStep creates a string step identifier.
func NamedStep(label string) Step {
	return Step{Label: label}
}

// String renders the step the way it appeared in the session file.
func (s Step) String() string {
	if s.Numeric {
		return fmt.Sprintf("%d", s.Number)
	}
	return s.Label
}

// SessionState holds the metadata extracted from a session file's
// frontmatter. Unknown fields land in Extra and are otherwise ignored.
type SessionState struct {
	StepsCompleted []Step
	LastStep       *int
	Status         string
	WorkflowType   string
	Extra          map[string]interface{}
}

// Session is an immutable snapshot of a session file. Re-parsing produces a
// new Session; the previous snapshot is retained by the event that supersedes
// it, never mutated in place.
type Session struct {
	Path     string
	State    SessionState
	ParsedAt time.Time
}

// NewSession creates a session snapshot for the given path.
func NewSession(path string, state SessionState, parsedAt time.Time) *Session {
	return &Session{Path: path, State: state, ParsedAt: parsedAt}
}

// Complete reports whether the session's frontmatter marks it finished.
func (s *Session) Complete() bool {
	return s != nil && s.State.Status == StatusComplete
}

// HighestStep returns the largest numeric step in StepsCompleted. The second
// return is false when the list has no numeric entries.
func (s *Session) HighestStep() (int, bool) {
	if s == nil {
		return 0, false
	}
	highest, found := 0, false
	for _, step := range s.State.StepsCompleted {
		if step.Numeric && (!found || step.Number > highest) {
			highest = step.Number
			found = true
		}
	}
	return highest, found
}
