package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vburojevic/agw/internal/agent"
	"github.com/vburojevic/agw/internal/audit"
	"github.com/vburojevic/agw/internal/backup"
	"github.com/vburojevic/agw/internal/bus"
	"github.com/vburojevic/agw/internal/classify"
	"github.com/vburojevic/agw/internal/procmon"
	"github.com/vburojevic/agw/internal/strategy"
	"github.com/vburojevic/agw/internal/supervisor"
	"github.com/vburojevic/agw/internal/watcher"
)

// WatchCmd runs the supervisor daemon: watch session files, observe the agent
// process, classify stops and drive automatic resumes.
type WatchCmd struct {
	Dir     string `short:"d" help:"Directory to watch (overrides config watch_dir)"`
	NoTmux  bool   `help:"Disable tmux integration; classify and audit only"`
	DryRun  bool   `help:"Classify and audit but never trigger resumes"`
	Match   string `help:"Process name substring to observe (overrides config)"`
}

// Run wires the full pipeline and blocks until SIGINT or SIGTERM.
func (c *WatchCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if c.Dir != "" {
		cfg.WatchDir = c.Dir
	}
	if c.Match != "" {
		cfg.Process.Match = c.Match
	}

	log := newLogger(globals)
	defer log.Sync() //nolint:errcheck
	clk := clock.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("shutting down", "signal", sig)
		cancel()
	}()

	policy, err := strategy.NewBackoffPolicy(cfg.Resume.BaseDelay, cfg.Resume.MaxDelay, cfg.Resume.JitterPct)
	if err != nil {
		return outputErrorCommon(globals, "INVALID_BACKOFF", err.Error())
	}

	var (
		trigger strategy.ResumeTrigger
		creator strategy.SessionCreator
	)
	switch {
	case c.DryRun:
		trigger, creator = dryRunAgent{log: log}, dryRunAgent{log: log}
	case c.NoTmux:
		trigger, creator = noopAgent{}, noopAgent{}
	default:
		tm, err := agent.NewTmux(cfg.Tmux, log)
		if err != nil {
			return outputErrorCommon(globals, "TMUX_UNAVAILABLE", err.Error())
		}
		trigger, creator = tm, tm
	}

	backups := backup.New(cfg.Backup.MaxPerSession, clk, log)
	same := strategy.NewSameSession(trigger, policy, clk, log)
	fresh := strategy.NewNewSession(creator, backups, cfg.Resume.NextStepFile, log)
	selector := strategy.NewSelector(same, fresh, log)

	auditLog := audit.NewLog(cfg.AuditPath(), cfg.Audit.MaxSizeBytes, cfg.Audit.LockTimeout, clk, log)
	store := supervisor.NewStateStore(cfg.StatePath(), cfg.Audit.LockTimeout)

	w := watcher.New(cfg.WatchDir, cfg.Watch.Debounce, cfg.Watch.BufferSize, clk, log)
	obs := procmon.New(procmon.NewPsEnumerator(cfg.Process.Match), cfg.Process.PollInterval, cfg.Watch.BufferSize, clk, log)

	b := bus.New(w.Events(), obs.Events(), classify.New(log), bus.Options{
		BufferSize:     cfg.Watch.BufferSize,
		HealthInterval: cfg.Watch.HealthInterval,
		NextStepFile:   cfg.Resume.NextStepFile,
	}, clk, log)

	sup := supervisor.New(b.Events(), selector, auditLog, store, supervisor.Options{
		MaxRetries:     cfg.Resume.MaxRetries,
		CrashThreshold: cfg.Resume.CrashThreshold,
		CrashWindow:    cfg.Resume.CrashWindow,
	}, clk, log)

	if !globals.Quiet {
		fmt.Fprintf(globals.Stderr, "Watching %s (process match: %q)\n", cfg.WatchDir, cfg.Process.Match)
		fmt.Fprintln(globals.Stderr, "Press Ctrl+C to stop")
	}

	log.Infow("starting watch pipeline",
		"watch_dir", cfg.WatchDir,
		"process_match", cfg.Process.Match,
		"dry_run", c.DryRun)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return obs.Run(gctx) })
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return outputErrorCommon(globals, "WATCH_FAILED", err.Error())
	}
	return nil
}

// dryRunAgent logs what would have happened without touching tmux.
type dryRunAgent struct {
	log *zap.SugaredLogger
}

func (a dryRunAgent) TriggerResume(ctx context.Context, sessionPath string) error {
	a.log.Infow("dry run: would trigger continuation", "session", sessionPath)
	return nil
}

func (a dryRunAgent) CreateSession(ctx context.Context, workDir, prompt string) error {
	a.log.Infow("dry run: would create session", "dir", workDir, "prompt", prompt)
	return nil
}

// noopAgent is used with --no-tmux: resumes fail visibly instead of silently
// pretending to succeed.
type noopAgent struct{}

func (noopAgent) TriggerResume(ctx context.Context, sessionPath string) error {
	return fmt.Errorf("tmux integration disabled")
}

func (noopAgent) CreateSession(ctx context.Context, workDir, prompt string) error {
	return fmt.Errorf("tmux integration disabled")
}
