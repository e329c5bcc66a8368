package pool

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherTriggersOnMatchingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "vendor"), 0o755))

	changed := make(chan struct{}, 8)
	w := NewWatcher([]string{dir}, []string{"js"}, 20*time.Millisecond,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		func() { changed <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	// ignored extension
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	select {
	case <-changed:
		t.Fatal("reload triggered by unwatched extension")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib", "main.js"), []byte("x"), 0o644))
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered")
	}
}

func TestWatcherExtensions(t *testing.T) {
	w := NewWatcher(nil, []string{"PY", ".rb"}, 0, nil, nil)
	assert.True(t, w.isWatchedFile("app/main.py"))
	assert.True(t, w.isWatchedFile("lib/x.RB"))
	assert.False(t, w.isWatchedFile("README.md"))

	all := NewWatcher(nil, nil, 0, nil, nil)
	assert.True(t, all.isWatchedFile("anything"))
}
