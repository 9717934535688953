package procmon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/domain"
)

// Snapshot describes the agent processes visible at one enumeration.
type Snapshot struct {
	Processes []domain.ProcessInfo

	// ExitCodes maps PIDs that exited since the previous enumeration to
	// their exit codes, when the enumerator can determine them. Production
	// enumeration usually cannot; tests can.
	ExitCodes map[int]int
}

// Enumerator lists the supervised agent's processes. Injected so tests can
// supply synthetic process lists and exit codes.
type Enumerator interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Transition is one observed process start or stop.
type Transition struct {
	Started  bool
	Info     domain.ProcessInfo
	ExitCode *int
	Time     time.Time
}

// Observer polls an Enumerator and emits start/stop transitions by diffing
// successive snapshots. Enumeration failures are logged and retried on the
// next tick; the loop never crashes.
type Observer struct {
	enum     Enumerator
	interval time.Duration
	clk      clock.Clock
	log      *zap.SugaredLogger
	events   chan Transition
	known    map[int]domain.ProcessInfo
	dropped  atomic.Uint64
}

// New creates an observer polling enum every interval.
func New(enum Enumerator, interval time.Duration, bufferSize int, clk clock.Clock, log *zap.SugaredLogger) *Observer {
	return &Observer{
		enum:     enum,
		interval: interval,
		clk:      clk,
		log:      log,
		events:   make(chan Transition, bufferSize),
		known:    map[int]domain.ProcessInfo{},
	}
}

// Events returns the transition stream. The channel closes when Run returns.
func (o *Observer) Events() <-chan Transition {
	return o.events
}

// Dropped returns how many transitions were discarded on a full channel.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

// Run polls until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) error {
	defer close(o.events)

	// Prime the known set so a supervisor restart does not report every
	// already-running agent as freshly started mid-session.
	if snap, err := o.enum.Snapshot(ctx); err == nil {
		for _, p := range snap.Processes {
			o.known[p.PID] = p
		}
	}

	ticker := o.clk.Ticker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll enumerates once and emits transitions for the diff.
func (o *Observer) poll(ctx context.Context) {
	snap, err := o.enum.Snapshot(ctx)
	if err != nil {
		o.log.Warnw("process enumeration failed, will retry", "error", err)
		return
	}

	now := o.clk.Now()
	current := make(map[int]domain.ProcessInfo, len(snap.Processes))
	for _, p := range snap.Processes {
		current[p.PID] = p
		if _, ok := o.known[p.PID]; !ok {
			o.log.Infow("agent process started", "pid", p.PID, "cmdline", p.Cmdline)
			o.send(Transition{Started: true, Info: p, Time: now})
		}
	}

	for pid, info := range o.known {
		if _, ok := current[pid]; ok {
			continue
		}
		var exitCode *int
		signal := ""
		if code, ok := snap.ExitCodes[pid]; ok {
			exitCode = &code
			if sig, ok := SignalFromExitCode(code); ok {
				signal = sig
			}
		}
		o.log.Infow("agent process stopped", "pid", pid, "exit_code", exitCode, "signal", signal)
		o.send(Transition{Started: false, Info: info, ExitCode: exitCode, Time: now})
	}

	o.known = current
}

// send delivers a transition without blocking, dropping on a full channel.
func (o *Observer) send(t Transition) {
	select {
	case o.events <- t:
	default:
		n := o.dropped.Add(1)
		o.log.Warnw("transition channel full, dropping", "pid", t.Info.PID, "dropped_total", n)
	}
}

// SignalFromExitCode maps POSIX 128+signal exit codes to signal names.
func SignalFromExitCode(code int) (string, bool) {
	switch code {
	case 130:
		return "SIGINT", true
	case 143:
		return "SIGTERM", true
	case 129:
		return "SIGHUP", true
	default:
		return "", false
	}
}
