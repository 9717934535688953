package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/backup"
	"github.com/vburojevic/agw/internal/domain"
)

// NewSession recovers a context-exhausted session by starting a fresh one at
// the right continuation point. The old session file is backed up first, but
// a failed backup only logs a warning: availability of the resume beats
// perfect recoverability here.
type NewSession struct {
	creator      SessionCreator
	backups      *backup.Manager
	nextStepFile string
	log          *zap.SugaredLogger
}

// NewNewSession builds the new-session strategy. nextStepFile is the name of
// the pointer file consulted for the continuation point, conventionally
// "Next-step.md", resolved as a sibling of the session file.
func NewNewSession(creator SessionCreator, backups *backup.Manager, nextStepFile string, log *zap.SugaredLogger) *NewSession {
	return &NewSession{creator: creator, backups: backups, nextStepFile: nextStepFile, log: log}
}

// Name implements Strategy.
func (s *NewSession) Name() string { return "new-session" }

// Execute backs up the session file, determines the continuation point, and
// asks the session creator for a fresh session.
func (s *NewSession) Execute(ctx context.Context, rc *domain.ResumeContext) (domain.ResumeOutcome, error) {
	if _, err := s.backups.Backup(rc.SessionPath); err != nil {
		s.log.Warnw("session backup failed, continuing with new session",
			"session", rc.SessionPath, "error", err)
	}

	workDir := filepath.Dir(rc.SessionPath)
	prompt := s.buildPrompt(workDir, rc.Session)

	if err := s.creator.CreateSession(ctx, workDir, prompt); err != nil {
		return domain.Failed(fmt.Sprintf("session creation failed: %v", err), true), nil
	}

	return domain.Succeeded(rc.SessionPath, "created new session at continuation point"), nil
}

// ShouldRetry implements Strategy.
func (s *NewSession) ShouldRetry(outcome domain.ResumeOutcome) bool {
	return DefaultShouldRetry(outcome)
}

// buildPrompt describes the resume point for the new session. The next-step
// pointer file wins; the highest completed numeric step is the fallback.
func (s *NewSession) buildPrompt(workDir string, sess *domain.Session) string {
	if content := s.readNextStep(workDir); content != "" {
		return content
	}

	var b strings.Builder
	b.WriteString("The previous session ran out of context.")
	if sess != nil && sess.State.WorkflowType != "" {
		fmt.Fprintf(&b, " Workflow: %s.", sess.State.WorkflowType)
	}
	if step, ok := sess.HighestStep(); ok {
		fmt.Fprintf(&b, " Steps 1-%d are complete; continue from step %d.", step, step+1)
	} else {
		b.WriteString(" Review the session file and continue from where it stops.")
	}
	return b.String()
}

// readNextStep returns the trimmed pointer file content, or empty when the
// file is absent or unreadable.
func (s *NewSession) readNextStep(workDir string) string {
	if s.nextStepFile == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(workDir, s.nextStepFile))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warnw("next-step pointer unreadable", "file", s.nextStepFile, "error", err)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
