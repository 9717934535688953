package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/olekukonko/tablewriter"

	"github.com/vburojevic/agw/internal/backup"
)

// BackupsCmd lists the rotating backups kept for a session file.
type BackupsCmd struct {
	Session string `arg:"" help:"Session file path"`
}

// Run lists backups oldest first.
func (c *BackupsCmd) Run(globals *Globals) error {
	log := newLogger(globals)
	defer log.Sync() //nolint:errcheck

	mgr := backup.New(globals.Config.Backup.MaxPerSession, clock.New(), log)
	backups, err := mgr.List(c.Session)
	if err != nil {
		return outputErrorCommon(globals, "BACKUP_LIST_FAILED", err.Error())
	}

	if globals.JSON() {
		enc := json.NewEncoder(globals.Stdout)
		for _, b := range backups {
			info, statErr := os.Stat(b)
			size := int64(0)
			if statErr == nil {
				size = info.Size()
			}
			if err := enc.Encode(map[string]interface{}{"path": b, "size": size}); err != nil {
				return err
			}
		}
		return nil
	}

	if len(backups) == 0 {
		fmt.Fprintln(globals.Stdout, "No backups found")
		return nil
	}

	table := tablewriter.NewTable(globals.Stdout)
	table.Header("Backup", "Size")
	for _, b := range backups {
		size := "?"
		if info, statErr := os.Stat(b); statErr == nil {
			size = fmt.Sprintf("%d", info.Size())
		}
		_ = table.Append(b, size)
	}
	return table.Render()
}
