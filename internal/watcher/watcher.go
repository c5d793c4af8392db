// Package watcher turns fsnotify notifications for a directory tree into
// per-file change events. It does no debouncing; the incremental updater
// coalesces events per file.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jward/isg/internal/scan"
)

// Op is the kind of change.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
	OpRename
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one file change. Path is slash separated and relative to the
// watched root.
type Event struct {
	Path string
	Op   Op
	Time time.Time
}

// Watcher watches a directory tree recursively.
type Watcher struct {
	root   string
	fsw    *fsnotify.Watcher
	accept func(rel string) bool
	events chan Event
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithFilter drops events for files fn rejects. Directories are filtered by
// scan.SkipDir regardless.
func WithFilter(fn func(rel string) bool) Option {
	return func(w *Watcher) { w.accept = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithBuffer sets the event channel capacity. Default 1024.
func WithBuffer(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.events = make(chan Event, n)
		}
	}
}

func New(root string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}
	w := &Watcher{
		root:   abs,
		fsw:    fsw,
		events: make(chan Event, 1024),
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	if err := w.addRecursive(context.Background(), abs, false); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Events delivers changes. It is closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close releases the watcher without running it. Run closes it on its own.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run forwards notifications until ctx is cancelled or the underlying
// watcher fails. It closes the Events channel and the fsnotify watcher on
// return. A cancelled context is not an error.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if err := w.handle(ctx, ev); err != nil {
				return err
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watch event overflow; some changes may be missed", "root", w.root)
				continue
			}
			return fmt.Errorf("watcher: %w", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) error {
	rel, ok := w.rel(ev.Name)
	if !ok {
		return nil
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if scan.SkipDir(filepath.Base(ev.Name)) {
				return nil
			}
			// Files may land in a new directory before it is watched.
			return w.addRecursive(ctx, ev.Name, true)
		}
	}
	if ev.Op == fsnotify.Chmod || hidden(rel) || (w.accept != nil && !w.accept(rel)) {
		return nil
	}
	return w.emit(ctx, Event{Path: rel, Op: convertOp(ev.Op), Time: w.now()})
}

func (w *Watcher) emit(ctx context.Context, ev Event) error {
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// addRecursive watches dir and its subdirectories. With announce set, files
// already present are reported as created.
func (w *Watcher) addRecursive(ctx context.Context, dir string, announce bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if announce {
				if rel, ok := w.rel(p); ok && !hidden(rel) && (w.accept == nil || w.accept(rel)) {
					return w.emit(ctx, Event{Path: rel, Op: OpCreate, Time: w.now()})
				}
			}
			return nil
		}
		if p != w.root && scan.SkipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("watcher: add %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) rel(p string) (string, bool) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// hidden rejects editor swap files and anything under a skipped directory.
func hidden(rel string) bool {
	parts := strings.Split(rel, "/")
	for i, p := range parts {
		if i < len(parts)-1 && scan.SkipDir(p) {
			return true
		}
	}
	base := parts[len(parts)-1]
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, ".tmp")
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	default:
		return OpWrite
	}
}
