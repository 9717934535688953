package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// timestampLayout is embedded in backup file names and sorts
// lexicographically in time order.
const timestampLayout = "20060102-150405"

// Manager snapshots session files before destructive operations and prunes
// old snapshots. Backups are advisory: callers treat failures as warnings.
type Manager struct {
	maxPerSession int
	clk           clock.Clock
	log           *zap.SugaredLogger
}

// New creates a backup manager keeping at most maxPerSession backups per
// session file.
func New(maxPerSession int, clk clock.Clock, log *zap.SugaredLogger) *Manager {
	return &Manager{maxPerSession: maxPerSession, clk: clk, log: log}
}

// Backup copies sessionPath to a timestamped sibling file named
// {stem}-backup-{YYYYMMDD-HHMMSS}{ext}, verifies byte-length equality, then
// prunes old backups down to the retention limit. Prune failures are logged,
// never returned: a created and verified backup is a success.
func (m *Manager) Backup(sessionPath string) (string, error) {
	src, err := os.Open(sessionPath)
	if err != nil {
		return "", fmt.Errorf("open session file: %w", err)
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("stat session file: %w", err)
	}

	backupPath := m.backupPath(sessionPath, m.clk.Now())
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(backupPath)
		return "", fmt.Errorf("copy session file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(backupPath)
		return "", fmt.Errorf("close backup file: %w", err)
	}

	// Verify byte-length equality before trusting the copy.
	dstInfo, err := os.Stat(backupPath)
	if err != nil {
		return "", fmt.Errorf("stat backup file: %w", err)
	}
	if dstInfo.Size() != srcInfo.Size() {
		os.Remove(backupPath)
		return "", fmt.Errorf("backup verification failed: source %d bytes, backup %d bytes", srcInfo.Size(), dstInfo.Size())
	}

	if err := m.prune(sessionPath); err != nil {
		m.log.Warnw("backup pruning failed", "session", sessionPath, "error", err)
	}

	m.log.Debugw("session backed up", "session", sessionPath, "backup", backupPath)
	return backupPath, nil
}

// List returns existing backups for sessionPath, oldest first by the
// timestamp embedded in the file name.
func (m *Manager) List(sessionPath string) ([]string, error) {
	stem, ext := splitStemExt(sessionPath)
	pattern := fmt.Sprintf("%s-backup-*%s", stem, ext)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob backups: %w", err)
	}

	// Keep only names whose embedded timestamp actually parses; a stray
	// file matching the glob must not confuse retention math.
	valid := lo.Filter(matches, func(path string, _ int) bool {
		_, ok := parseBackupTime(path, stem, ext)
		return ok
	})
	sort.Slice(valid, func(i, j int) bool {
		ti, _ := parseBackupTime(valid[i], stem, ext)
		tj, _ := parseBackupTime(valid[j], stem, ext)
		return ti.Before(tj)
	})
	return valid, nil
}

// prune deletes oldest backups until at most maxPerSession remain.
func (m *Manager) prune(sessionPath string) error {
	backups, err := m.List(sessionPath)
	if err != nil {
		return err
	}
	if len(backups) <= m.maxPerSession {
		return nil
	}
	for _, old := range backups[:len(backups)-m.maxPerSession] {
		if err := os.Remove(old); err != nil {
			return fmt.Errorf("remove old backup %s: %w", old, err)
		}
		m.log.Debugw("pruned old backup", "backup", old)
	}
	return nil
}

// backupPath builds the sibling backup name for a session file.
func (m *Manager) backupPath(sessionPath string, now time.Time) string {
	stem, ext := splitStemExt(sessionPath)
	return fmt.Sprintf("%s-backup-%s%s", stem, now.Format(timestampLayout), ext)
}

func splitStemExt(path string) (string, string) {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext), ext
}

// parseBackupTime extracts the embedded timestamp from a backup file name.
func parseBackupTime(path, stem, ext string) (time.Time, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(path, stem+"-backup-"), ext)
	ts, err := time.Parse(timestampLayout, name)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
