package isg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jward/isg/internal/store"
	"github.com/jward/isg/internal/watcher"
)

// FileState is where a file is in the incremental update cycle:
// clean -> dirty -> extracting -> clean or failed. Any notification moves a
// file back to dirty.
type FileState string

const (
	StateClean      FileState = "clean"
	StateDirty      FileState = "dirty"
	StateExtracting FileState = "extracting"
	StateFailed     FileState = "failed"
)

// ErrUpdaterClosed is returned by Notify after Close.
var ErrUpdaterClosed = errors.New("updater closed")

// UpdateResult is the outcome of one file update.
type UpdateResult struct {
	Path       string
	State      FileState
	Generation int64
	Entities   int
	Duration   time.Duration
	Err        error
}

// Updater applies single-file changes as they arrive. Each file has its own
// debounce timer; a change that arrives while the file is being extracted
// cancels that extraction, and results of superseded runs are discarded
// before commit.
type Updater struct {
	e        *Engine
	debounce time.Duration
	logger   *slog.Logger
	onResult func(UpdateResult)

	base   context.Context
	stop   context.CancelFunc
	fatal  chan error
	wg     sync.WaitGroup
	mu     sync.Mutex
	files  map[string]*fileTask
	closed bool
}

type fileTask struct {
	state  FileState
	seq    uint64
	timer  *time.Timer
	cancel context.CancelFunc
	err    error
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*Updater)

// WithDebounce sets the per-file quiet period before extraction. Default
// 150ms.
func WithDebounce(d time.Duration) UpdaterOption {
	return func(u *Updater) {
		if d > 0 {
			u.debounce = d
		}
	}
}

// WithUpdateHook is called after every finished update, superseded runs
// excluded.
func WithUpdateHook(fn func(UpdateResult)) UpdaterOption {
	return func(u *Updater) { u.onResult = fn }
}

// NewUpdater returns an idle Updater. Close it when done.
func (e *Engine) NewUpdater(opts ...UpdaterOption) *Updater {
	u := &Updater{
		e:        e,
		debounce: 150 * time.Millisecond,
		logger:   e.logger,
		fatal:    make(chan error, 1),
		files:    map[string]*fileTask{},
	}
	u.base, u.stop = context.WithCancel(context.Background())
	for _, o := range opts {
		o(u)
	}
	return u
}

// State reports the state of path. Files never notified are clean.
func (u *Updater) State(path string) FileState {
	rel, err := u.e.Rel(path)
	if err != nil {
		return StateClean
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if t, ok := u.files[rel]; ok {
		return t.state
	}
	return StateClean
}

// LastError is the error of the last failed update of path, if any.
func (u *Updater) LastError(path string) error {
	rel, err := u.e.Rel(path)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if t, ok := u.files[rel]; ok {
		return t.err
	}
	return nil
}

// Notify records a change to path and (re)starts its debounce timer. An
// extraction of the same file still in flight is cancelled.
func (u *Updater) Notify(path string) error {
	rel, err := u.e.Rel(path)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return ErrUpdaterClosed
	}

	t, ok := u.files[rel]
	if !ok {
		t = &fileTask{state: StateClean}
		u.files[rel] = t
	}
	t.seq++
	t.state = StateDirty
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	seq := t.seq
	t.timer = time.AfterFunc(u.debounce, func() { u.fire(rel, seq) })
	return nil
}

// Run feeds watcher events into Notify until ctx is done, events is closed,
// or an update hits a store error that is not a per-file integrity
// rejection.
func (u *Updater) Run(ctx context.Context, events <-chan watcher.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-u.fatal:
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := u.Notify(ev.Path); err != nil {
				u.logger.Warn("change dropped", "file", ev.Path, "op", ev.Op.String(), "error", err)
			}
		}
	}
}

// Close stops pending timers, cancels in-flight extractions and waits for
// them to return.
func (u *Updater) Close() {
	u.mu.Lock()
	u.closed = true
	for _, t := range u.files {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	u.mu.Unlock()
	u.stop()
	u.wg.Wait()
}

func (u *Updater) current(rel string, seq uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	t, ok := u.files[rel]
	return ok && t.seq == seq
}

func (u *Updater) fire(rel string, seq uint64) {
	u.mu.Lock()
	t, ok := u.files[rel]
	if u.closed || !ok || t.seq != seq {
		u.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(u.base)
	t.cancel = cancel
	t.state = StateExtracting
	u.wg.Add(1)
	u.mu.Unlock()
	defer u.wg.Done()
	defer cancel()

	start := time.Now()
	res, err := u.e.process(ctx, []string{rel}, changeset{current: func() bool { return u.current(rel, seq) }})
	took := time.Since(start)

	u.mu.Lock()
	if t.seq != seq {
		u.mu.Unlock()
		if !errors.Is(err, ErrSuperseded) && u.base.Err() == nil {
			u.e.metrics.Superseded()
		}
		u.logger.Debug("update superseded", "file", rel, "seq", seq)
		return
	}
	t.cancel = nil
	if u.base.Err() != nil {
		t.state = StateDirty
		u.mu.Unlock()
		return
	}
	out := UpdateResult{Path: rel, Duration: took}
	switch {
	case err != nil:
		out.Err = err
	case len(res.Failures) > 0:
		out.Err = errors.New(res.Failures[0].Error)
	}
	if out.Err != nil {
		t.state = StateFailed
	} else {
		t.state = StateClean
	}
	t.err = out.Err
	out.State = t.state
	u.mu.Unlock()

	if res != nil {
		out.Generation = res.Generation.ID
	}
	out.Entities = len(u.e.store.Snapshot().NodesByFile(rel))

	attrs := []any{"file", rel, "state", out.State, "entities", out.Entities, "duration", took.Round(time.Microsecond)}
	if out.Err != nil {
		u.logger.Warn("file update", append(attrs, "error", out.Err)...)
	} else {
		u.logger.Info("file update", attrs...)
	}

	if err != nil && fatalStoreError(err) && u.base.Err() == nil {
		select {
		case u.fatal <- fmt.Errorf("isg: update %s: %w", rel, err):
		default:
		}
	}
	if u.onResult != nil {
		u.onResult(out)
	}
}

// fatalStoreError separates store failures that stop watch mode from
// rejections that only concern the changed file.
func fatalStoreError(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrSuperseded):
		return false
	case errors.Is(err, store.ErrDanglingEdge), errors.Is(err, store.ErrKeyCollision):
		return false
	}
	return true
}

// Watch runs the filesystem watcher and an Updater until ctx is done or a
// fatal store error occurs.
func (e *Engine) Watch(ctx context.Context, opts ...UpdaterOption) error {
	sc, err := e.scanner()
	if err != nil {
		return fmt.Errorf("isg: watch: %w", err)
	}
	w, err := watcher.New(e.root, watcher.WithFilter(sc.Match), watcher.WithLogger(e.logger))
	if err != nil {
		return fmt.Errorf("isg: watch: %w", err)
	}
	u := e.NewUpdater(opts...)
	defer u.Close()

	e.logger.Info("watching", "root", e.root, "debounce", u.debounce)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return u.Run(gctx, w.Events()) })
	return g.Wait()
}
