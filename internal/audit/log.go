package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/vburojevic/agw/internal/domain"
)

// ErrLockTimeout means the advisory lock could not be acquired within the
// bounded wait. Audit appends fail loudly rather than hanging forever.
var ErrLockTimeout = errors.New("timed out waiting for audit log lock")

// lockRetryInterval is how often a blocked lock acquisition retries.
const lockRetryInterval = 50 * time.Millisecond

// rotatedLayout stamps rotated log files.
const rotatedLayout = "20060102-150405"

// Log is an append-only JSON-Lines audit trail. Writes hold an exclusive
// advisory file lock so concurrent writers from multiple processes never
// interleave partial lines; reads hold a shared lock.
type Log struct {
	path        string
	maxSize     int64
	lockTimeout time.Duration
	clk         clock.Clock
	log         *zap.SugaredLogger
}

// NewLog creates an audit log at path, rotating when the file exceeds
// maxSize bytes.
func NewLog(path string, maxSize int64, lockTimeout time.Duration, clk clock.Clock, log *zap.SugaredLogger) *Log {
	return &Log{path: path, maxSize: maxSize, lockTimeout: lockTimeout, clk: clk, log: log}
}

// Path returns the current log file location.
func (l *Log) Path() string { return l.path }

// Append durably writes one entry as a single JSON line. Errors propagate to
// the caller: audit durability is a hard guarantee, not a best effort.
func (l *Log) Append(entry domain.AuditEntry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create audit directory: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	unlock, err := l.acquire(true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Filter selects audit entries during a query. Zero values match everything.
type Filter struct {
	EventType   string
	Since       time.Time
	Until       time.Time
	SessionPath string
}

// Query scans the log and returns entries matching the filter in file order.
// Corrupted lines are skipped with a warning, never fatal.
func (l *Log) Query(filter Filter) ([]domain.AuditEntry, error) {
	unlock, err := l.acquire(false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var out []domain.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry domain.AuditEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			l.log.Warnw("skipping corrupted audit line", "line", lineNo, "error", err)
			continue
		}
		if filter.matches(entry) {
			out = append(out, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

func (f Filter) matches(e domain.AuditEntry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.SessionPath != "" && e.Metadata["session"] != f.SessionPath {
		return false
	}
	return true
}

// acquire takes the advisory lock, exclusive for writers and shared for
// readers, waiting at most lockTimeout.
func (l *Log) acquire(exclusive bool) (func(), error) {
	lock := flock.New(l.path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), l.lockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = lock.TryLockContext(ctx, lockRetryInterval)
	} else {
		locked, err = lock.TryRLockContext(ctx, lockRetryInterval)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, fmt.Errorf("acquire audit lock: %w", err)
	}
	if !locked {
		return nil, ErrLockTimeout
	}
	return func() { _ = lock.Unlock() }, nil
}

// rotateIfNeeded renames the current file aside once it exceeds the size
// threshold. Caller holds the exclusive lock.
func (l *Log) rotateIfNeeded() error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat audit log: %w", err)
	}
	if info.Size() < l.maxSize {
		return nil
	}

	rotated := fmt.Sprintf("%s.%s", l.path, l.clk.Now().Format(rotatedLayout))
	if err := os.Rename(l.path, rotated); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	l.log.Infow("rotated audit log", "from", l.path, "to", rotated, "size", info.Size())
	return nil
}
