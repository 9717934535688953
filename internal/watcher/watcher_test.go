package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testWatcher(t *testing.T, dir string, debounce time.Duration, buffer int) *Watcher {
	t.Helper()
	return New(dir, debounce, buffer, clock.New(), zap.NewNop().Sugar())
}

func TestMapOp(t *testing.T) {
	tests := []struct {
		op       fsnotify.Op
		kind     ChangeKind
		relevant bool
	}{
		{fsnotify.Create, Created, true},
		{fsnotify.Write, Modified, true},
		{fsnotify.Remove, Deleted, true},
		{fsnotify.Rename, Deleted, true},
		{fsnotify.Chmod, 0, false},
	}
	for _, tt := range tests {
		kind, relevant := mapOp(tt.op)
		assert.Equal(t, tt.relevant, relevant, tt.op.String())
		if relevant {
			assert.Equal(t, tt.kind, kind, tt.op.String())
		}
	}
}

func TestWatcherCoalescesBurst(t *testing.T) {
	dir := t.TempDir()
	w := testWatcher(t, dir, 50*time.Millisecond, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	// Burst of writes to the same path must collapse into one event.
	path := filepath.Join(dir, "session.md")
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("---\nstatus: in-progress\n---\n"), 0o644))
	}

	select {
	case change := <-w.Events():
		assert.Equal(t, path, change.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no change event after burst")
	}

	// The burst produced exactly one event; the channel should be quiet now.
	select {
	case change := <-w.Events():
		t.Fatalf("unexpected second event: %+v", change)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()
	<-done

	// Channel closes after Run returns.
	_, open := <-w.Events()
	assert.False(t, open)
}

func TestWatcherReportsDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.md")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	w := testWatcher(t, dir, 20*time.Millisecond, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// Give fsnotify a beat to register the watch.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.Remove(path))

	select {
	case change := <-w.Events():
		assert.Equal(t, Deleted, change.Kind)
		assert.Equal(t, path, change.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no delete event")
	}
}

func TestWaitForDir(t *testing.T) {
	t.Run("returns immediately when dir exists", func(t *testing.T) {
		w := testWatcher(t, t.TempDir(), time.Millisecond, 1)
		assert.NoError(t, w.waitForDir(context.Background()))
	})

	t.Run("cancellation interrupts the wait", func(t *testing.T) {
		w := testWatcher(t, filepath.Join(t.TempDir(), "missing"), time.Millisecond, 1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, w.waitForDir(ctx), context.Canceled)
	})

	t.Run("begins watching once dir appears", func(t *testing.T) {
		parent := t.TempDir()
		dir := filepath.Join(parent, "sessions")
		w := testWatcher(t, dir, time.Millisecond, 1)

		errCh := make(chan error, 1)
		go func() { errCh <- w.waitForDir(context.Background()) }()

		time.Sleep(50 * time.Millisecond)
		require.NoError(t, os.Mkdir(dir, 0o755))

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("waitForDir did not notice new directory")
		}
	})
}

func TestSendDropsWhenFull(t *testing.T) {
	w := testWatcher(t, t.TempDir(), time.Millisecond, 1)

	w.send(Change{Kind: Created, Path: "a"})
	assert.Equal(t, uint64(0), w.Dropped())

	// Channel capacity is 1 and nobody is receiving: this must not block.
	w.send(Change{Kind: Modified, Path: "b"})
	assert.Equal(t, uint64(1), w.Dropped())

	w.send(Change{Kind: Modified, Path: "c"})
	assert.Equal(t, uint64(2), w.Dropped())
}
