package procmon

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/vburojevic/agw/internal/domain"
)

// PsEnumerator enumerates OS processes with gopsutil, matching the supervised
// agent by a cmdline substring. Exit codes of reaped children are not
// observable this way, so Snapshot never reports them; the classifier falls
// back to content-only rules.
type PsEnumerator struct {
	match string
}

// NewPsEnumerator creates an enumerator matching processes whose command line
// contains match.
func NewPsEnumerator(match string) *PsEnumerator {
	return &PsEnumerator{match: match}
}

// Snapshot lists matching processes. Per-process read failures are skipped;
// a process can exit between listing and inspection.
func (e *PsEnumerator) Snapshot(ctx context.Context) (Snapshot, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	var out []domain.ProcessInfo
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, e.match) {
			continue
		}
		started := time.Time{}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil {
			started = time.UnixMilli(ms)
		}
		out = append(out, domain.ProcessInfo{
			PID:       int(p.Pid),
			Cmdline:   cmdline,
			StartedAt: started,
		})
	}
	return Snapshot{Processes: out}, nil
}
