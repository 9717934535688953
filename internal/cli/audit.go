package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olekukonko/tablewriter"

	"github.com/vburojevic/agw/internal/audit"
)

// AuditCmd queries the JSONL audit trail.
type AuditCmd struct {
	Type    string        `short:"t" help:"Filter by event type (session_stopped, resume_attempt, ...)"`
	Session string        `short:"s" help:"Filter by session file path"`
	Since   time.Duration `help:"Only entries newer than this (e.g. 24h)"`
	Limit   int           `short:"n" default:"50" help:"Maximum entries to show, newest last (0 = all)"`
}

// Run executes the audit query.
func (c *AuditCmd) Run(globals *Globals) error {
	cfg := globals.Config
	log := newLogger(globals)
	defer log.Sync() //nolint:errcheck

	l := audit.NewLog(cfg.AuditPath(), cfg.Audit.MaxSizeBytes, cfg.Audit.LockTimeout, clock.New(), log)

	filter := audit.Filter{EventType: c.Type, SessionPath: c.Session}
	if c.Since > 0 {
		filter.Since = time.Now().Add(-c.Since)
	}

	entries, err := l.Query(filter)
	if err != nil {
		return outputErrorCommon(globals, "AUDIT_QUERY_FAILED", err.Error())
	}
	if c.Limit > 0 && len(entries) > c.Limit {
		entries = entries[len(entries)-c.Limit:]
	}

	if globals.JSON() {
		enc := json.NewEncoder(globals.Stdout)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(globals.Stdout, "No audit entries found")
		return nil
	}

	table := tablewriter.NewTable(globals.Stdout)
	table.Header("Timestamp", "Event", "Action", "Outcome", "Session")
	for _, e := range entries {
		_ = table.Append(
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.EventType,
			e.ActionTaken,
			e.Outcome,
			e.Metadata["session"],
		)
	}
	return table.Render()
}
