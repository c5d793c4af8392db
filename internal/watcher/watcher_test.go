package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWatcher runs a watcher over dir until the test ends.
func startWatcher(t *testing.T, dir string, opts ...Option) *Watcher {
	t.Helper()
	w, err := New(dir, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return w
}

// waitFor returns the first event for path, failing after a timeout.
func waitFor(t *testing.T, w *Watcher, path string) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			require.True(t, ok, "events closed")
			if ev.Path == path {
				return ev
			}
		case <-timeout:
			t.Fatalf("no event for %s", path)
		}
	}
}

func TestWatcher_ReportsWritesRelative(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rs"), []byte("fn a() {}\n"), 0o644))
	w := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.rs"), []byte("fn a(x: u8) {}\n"), 0o644))
	ev := waitFor(t, w, "a.rs")
	assert.Contains(t, []Op{OpWrite, OpCreate}, ev.Op)
	assert.False(t, ev.Time.IsZero())
}

func TestWatcher_NewDirectoryAnnouncesFiles(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)

	sub := filepath.Join(dir, "pkg", "inner")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b.py"), []byte("def b(): pass\n"), 0o644))

	waitFor(t, w, "pkg/inner/b.py")
}

func TestWatcher_RemoveAndFilter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.go"), []byte("package c\n"), 0o644))
	w := startWatcher(t, dir, WithFilter(func(rel string) bool { return strings.HasSuffix(rel, ".go") }))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(dir, "c.go")))

	ev := waitFor(t, w, "c.go")
	assert.Equal(t, OpRemove, ev.Op)
}

func TestHidden(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rel  string
		want bool
	}{
		{"src/lib.rs", false},
		{".git/HEAD", true},
		{"node_modules/x/index.js", true},
		{"src/.lib.rs.swp", true},
		{"src/lib.rs~", true},
		{"src/lib.rs.tmp", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hidden(tt.rel), tt.rel)
	}
}

func TestOpString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "create", OpCreate.String())
	assert.Equal(t, "remove", OpRemove.String())
	assert.Equal(t, "unknown", Op(42).String())
}
