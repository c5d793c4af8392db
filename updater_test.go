package isg

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/isg/internal/watcher"
)

// hookRecorder collects update results.
type hookRecorder struct {
	mu      sync.Mutex
	results []UpdateResult
	ch      chan UpdateResult
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{ch: make(chan UpdateResult, 16)}
}

func (h *hookRecorder) record(r UpdateResult) {
	h.mu.Lock()
	h.results = append(h.results, r)
	h.mu.Unlock()
	h.ch <- r
}

func (h *hookRecorder) wait(t *testing.T) UpdateResult {
	t.Helper()
	select {
	case r := <-h.ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("no update result")
		return UpdateResult{}
	}
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results)
}

func ingestedProject(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e := newTestEngine(t, miniProject(t), opts...)
	_, err := e.IngestDirectory(context.Background())
	require.NoError(t, err)
	return e
}

func TestUpdater_StateTransitions(t *testing.T) {
	t.Parallel()
	e := ingestedProject(t)
	hook := newHookRecorder()
	u := e.NewUpdater(WithDebounce(20*time.Millisecond), WithUpdateHook(hook.record))
	defer u.Close()

	assert.Equal(t, StateClean, u.State("src/a.rs"))

	writeFiles(t, e.Root(), map[string]string{"src/a.rs": "pub fn f() {}\npub fn f2() {}\n"})
	require.NoError(t, u.Notify(filepath.Join(e.Root(), "src", "a.rs")))
	assert.Equal(t, StateDirty, u.State("src/a.rs"))

	r := hook.wait(t)
	assert.Equal(t, "src/a.rs", r.Path)
	assert.Equal(t, StateClean, r.State)
	require.NoError(t, r.Err)
	assert.Equal(t, 3, r.Entities)
	assert.Equal(t, StateClean, u.State("src/a.rs"))
	nodeByQName(t, e.Store().Snapshot(), "crate::a::f2")
}

func TestUpdater_DebounceCoalesces(t *testing.T) {
	t.Parallel()
	e := ingestedProject(t)
	hook := newHookRecorder()
	u := e.NewUpdater(WithDebounce(100*time.Millisecond), WithUpdateHook(hook.record))
	defer u.Close()
	gen := e.Store().Snapshot().Generation()

	for i := range 5 {
		body := "pub fn f() {}\n"
		for range i {
			body += "\n"
		}
		writeFiles(t, e.Root(), map[string]string{"src/a.rs": body + "pub fn last() {}\n"})
		require.NoError(t, u.Notify("src/a.rs"))
		time.Sleep(10 * time.Millisecond)
	}

	r := hook.wait(t)
	require.NoError(t, r.Err)
	assert.Equal(t, gen+1, r.Generation)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, hook.count())
}

func TestUpdater_UnchangedContentSkipped(t *testing.T) {
	t.Parallel()
	e := ingestedProject(t)
	hook := newHookRecorder()
	u := e.NewUpdater(WithDebounce(10*time.Millisecond), WithUpdateHook(hook.record))
	defer u.Close()
	ctx := context.Background()
	before := e.Store().Snapshot()
	gens, err := e.Store().Generations(ctx)
	require.NoError(t, err)

	// Same bytes, fresh mtime.
	writeFiles(t, e.Root(), map[string]string{"src/a.rs": srcA})
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(filepath.Join(e.Root(), "src", "a.rs"), later, later))
	require.NoError(t, u.Notify("src/a.rs"))

	r := hook.wait(t)
	require.NoError(t, r.Err)
	assert.Equal(t, StateClean, r.State)
	assert.Equal(t, before.Generation(), r.Generation)
	assert.Equal(t, StateClean, u.State("src/a.rs"))
	assert.Same(t, before, e.Store().Snapshot(), "an unchanged file must not publish a snapshot")

	after, err := e.Store().Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, gens, after)
}

func TestUpdater_SyntaxErrorKeepsNodes(t *testing.T) {
	t.Parallel()
	logs := &syncBuffer{}
	e := ingestedProject(t, WithLogger(slog.New(slog.NewJSONHandler(logs, nil))))
	hook := newHookRecorder()
	u := e.NewUpdater(WithDebounce(10*time.Millisecond), WithUpdateHook(hook.record))
	defer u.Close()
	before := e.Store().Snapshot()

	writeFiles(t, e.Root(), map[string]string{"src/a.rs": "pub fn f( {\n"})
	require.NoError(t, u.Notify("src/a.rs"))

	r := hook.wait(t)
	assert.Equal(t, StateFailed, r.State)
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "syntax error")
	assert.Equal(t, StateFailed, u.State("src/a.rs"))
	assert.Equal(t, r.Err, u.LastError("src/a.rs"))

	after := e.Store().Snapshot()
	assert.Equal(t, before.Nodes(), after.Nodes())
	nodeByQName(t, after, "crate::a::f")
	assert.Contains(t, logs.String(), `"file":"src/a.rs"`)
	assert.Contains(t, logs.String(), `"state":"failed"`)

	// A fixed file recovers.
	writeFiles(t, e.Root(), map[string]string{"src/a.rs": srcA})
	require.NoError(t, u.Notify("src/a.rs"))
	r = hook.wait(t)
	assert.Equal(t, StateClean, r.State)
	assert.NoError(t, u.LastError("src/a.rs"))
}

func TestUpdater_DeletedFile(t *testing.T) {
	t.Parallel()
	e := ingestedProject(t)
	hook := newHookRecorder()
	u := e.NewUpdater(WithDebounce(10*time.Millisecond), WithUpdateHook(hook.record))
	defer u.Close()

	require.NoError(t, os.Remove(filepath.Join(e.Root(), "src", "c.rs")))
	require.NoError(t, u.Notify("src/c.rs"))

	r := hook.wait(t)
	assert.Equal(t, StateClean, r.State)
	assert.Zero(t, r.Entities)
	requireNoDangling(t, e.Store().Snapshot())
}

func TestUpdater_SupersededResultDiscarded(t *testing.T) {
	t.Parallel()
	e := ingestedProject(t)
	u := e.NewUpdater(WithDebounce(time.Hour))
	defer u.Close()

	require.NoError(t, u.Notify("src/a.rs"))
	u.mu.Lock()
	seq := u.files["src/a.rs"].seq
	u.mu.Unlock()
	require.NoError(t, u.Notify("src/a.rs"))

	assert.False(t, u.current("src/a.rs", seq))
	_, err := e.process(context.Background(), []string{"src/a.rs"}, changeset{current: func() bool { return u.current("src/a.rs", seq) }})
	assert.ErrorIs(t, err, ErrSuperseded)
}

func TestUpdater_Closed(t *testing.T) {
	t.Parallel()
	e := ingestedProject(t)
	u := e.NewUpdater()
	u.Close()

	assert.ErrorIs(t, u.Notify("src/a.rs"), ErrUpdaterClosed)

	other := e.NewUpdater()
	defer other.Close()
	assert.Error(t, other.Notify("/elsewhere/x.rs"))
}

func TestUpdater_RunConsumesEvents(t *testing.T) {
	t.Parallel()
	e := ingestedProject(t)
	var fired atomic.Int32
	done := make(chan struct{}, 1)
	u := e.NewUpdater(WithDebounce(10*time.Millisecond), WithUpdateHook(func(UpdateResult) {
		fired.Add(1)
		done <- struct{}{}
	}))
	defer u.Close()

	events := make(chan watcher.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- u.Run(ctx, events) }()

	writeFiles(t, e.Root(), map[string]string{"src/b.rs": srcB + "\npub fn more() {}\n"})
	events <- watcher.Event{Path: "src/b.rs", Op: watcher.OpWrite, Time: time.Now()}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("event not processed")
	}
	cancel()
	require.NoError(t, <-errc)
	assert.Equal(t, int32(1), fired.Load())
}

func TestFatalStoreError(t *testing.T) {
	t.Parallel()
	assert.False(t, fatalStoreError(context.Canceled))
	assert.False(t, fatalStoreError(ErrSuperseded))
	assert.True(t, fatalStoreError(assert.AnError))
}
