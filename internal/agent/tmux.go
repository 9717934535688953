package agent

import (
	"context"
	"fmt"

	"github.com/GianlucaP106/gotmux/gotmux"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/config"
)

// Tmux drives a coding agent running inside a tmux pane. Resuming a session
// types a continuation into the agent's prompt; creating a session opens a
// fresh window in the agent's working directory and seeds it with the prompt.
type Tmux struct {
	cfg    config.TmuxConfig
	client *gotmux.Tmux
	log    *zap.SugaredLogger
}

// NewTmux connects to the default tmux server.
func NewTmux(cfg config.TmuxConfig, log *zap.SugaredLogger) (*Tmux, error) {
	client, err := gotmux.DefaultTmux()
	if err != nil {
		return nil, fmt.Errorf("connect to tmux: %w", err)
	}
	return &Tmux{cfg: cfg, client: client, log: log}, nil
}

// target addresses the configured session and window.
func (t *Tmux) target() string {
	return fmt.Sprintf("%s:%d", t.cfg.Session, t.cfg.Window)
}

// TriggerResume types "continue" into the agent pane. The agent process must
// still be alive and waiting at its prompt; a missing tmux session is a
// retryable failure surfaced to the strategy layer.
func (t *Tmux) TriggerResume(ctx context.Context, sessionPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := t.client.GetSessionByName(t.cfg.Session)
	if err != nil {
		return fmt.Errorf("look up tmux session %q: %w", t.cfg.Session, err)
	}
	if sess == nil {
		return fmt.Errorf("tmux session %q not found", t.cfg.Session)
	}

	t.log.Infow("triggering agent continuation", "target", t.target(), "session_file", sessionPath)

	if _, err := t.client.Command("send-keys", "-t", t.target(), "-l", "continue"); err != nil {
		return fmt.Errorf("send continuation keys: %w", err)
	}
	if _, err := t.client.Command("send-keys", "-t", t.target(), "Enter"); err != nil {
		return fmt.Errorf("submit continuation: %w", err)
	}
	return nil
}

// CreateSession opens a new window in workDir and types the initial prompt.
// When the configured tmux session does not exist yet it is created first.
func (t *Tmux) CreateSession(ctx context.Context, workDir, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sess, err := t.client.GetSessionByName(t.cfg.Session)
	if err != nil {
		return fmt.Errorf("look up tmux session %q: %w", t.cfg.Session, err)
	}
	if sess == nil {
		if _, err := t.client.NewSession(&gotmux.SessionOptions{
			Name:           t.cfg.Session,
			StartDirectory: workDir,
		}); err != nil {
			return fmt.Errorf("create tmux session %q: %w", t.cfg.Session, err)
		}
		t.log.Infow("created tmux session", "session", t.cfg.Session, "dir", workDir)
	} else {
		if _, err := t.client.Command("new-window", "-t", t.cfg.Session, "-c", workDir); err != nil {
			return fmt.Errorf("open tmux window: %w", err)
		}
		t.log.Infow("opened tmux window", "session", t.cfg.Session, "dir", workDir)
	}

	// The prompt is one literal argument; Enter goes separately so tmux
	// never interprets prompt words as key names.
	if _, err := t.client.Command("send-keys", "-t", t.cfg.Session, "-l", prompt); err != nil {
		return fmt.Errorf("send initial prompt: %w", err)
	}
	if _, err := t.client.Command("send-keys", "-t", t.cfg.Session, "Enter"); err != nil {
		return fmt.Errorf("submit initial prompt: %w", err)
	}
	return nil
}
