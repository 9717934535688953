package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldAutoResume(t *testing.T) {
	tests := []struct {
		name   string
		reason StopReason
		want   bool
	}{
		{"rate limit", RateLimited(nil), true},
		{"context exhausted", ContextExhausted(150000, 200000), true},
		{"user exit", UserExit(ExitInterrupt, nil), false},
		{"completed", Completed(), false},
		{"unknown", UnknownStop("no signal"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.reason.ShouldAutoResume())
		})
	}
}

func TestStopKindString(t *testing.T) {
	assert.Equal(t, "rate_limit", StopRateLimit.String())
	assert.Equal(t, "context_exhausted", StopContextExhausted.String())
	assert.Equal(t, "user_exit", StopUserExit.String())
	assert.Equal(t, "completed", StopCompleted.String())
	assert.Equal(t, "unknown", StopUnknown.String())
	assert.Equal(t, "unknown", StopKind(42).String())
}

func TestSessionComplete(t *testing.T) {
	s := NewSession("/tmp/s.md", SessionState{Status: "complete"}, time.Now())
	assert.True(t, s.Complete())

	s = NewSession("/tmp/s.md", SessionState{Status: "in-progress"}, time.Now())
	assert.False(t, s.Complete())

	var nilSession *Session
	assert.False(t, nilSession.Complete())
}

func TestHighestStep(t *testing.T) {
	t.Run("mixed steps", func(t *testing.T) {
		s := NewSession("/tmp/s.md", SessionState{
			StepsCompleted: []Step{IntStep(1), NamedStep("review"), IntStep(3), IntStep(2)},
		}, time.Now())
		n, ok := s.HighestStep()
		assert.True(t, ok)
		assert.Equal(t, 3, n)
	})

	t.Run("no numeric steps", func(t *testing.T) {
		s := NewSession("/tmp/s.md", SessionState{
			StepsCompleted: []Step{NamedStep("setup"), NamedStep("review")},
		}, time.Now())
		_, ok := s.HighestStep()
		assert.False(t, ok)
	})

	t.Run("empty", func(t *testing.T) {
		s := NewSession("/tmp/s.md", SessionState{}, time.Now())
		_, ok := s.HighestStep()
		assert.False(t, ok)
	})
}

func TestStepString(t *testing.T) {
	assert.Equal(t, "7", IntStep(7).String())
	assert.Equal(t, "review", NamedStep("review").String())
}

func TestOutcomeDescribe(t *testing.T) {
	assert.Equal(t, "sent continuation keys", Succeeded("/tmp/s.md", "sent continuation keys").Describe())
	assert.Equal(t, "trigger refused", Failed("trigger refused", true).Describe())
	assert.Equal(t, "reason not resumable", SkippedOutcome("reason not resumable").Describe())
	assert.Equal(t, "waiting for backoff", DelayedOutcome(30*time.Second, "waiting for backoff").Describe())
}
