package isg

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/jward/isg/internal/extract"
	"github.com/jward/isg/internal/metrics"
	"github.com/jward/isg/internal/scan"
	"github.com/jward/isg/internal/store"
	"github.com/jward/isg/internal/vector"
)

// Engine owns one repository's graph: it turns changed files into
// generations and answers queries against snapshots.
type Engine struct {
	root     string
	store    *store.Store
	registry *extract.Registry
	cache    *extract.Cache
	vectors  *vector.Index
	metrics  *metrics.Metrics
	logger   *slog.Logger

	workers     int
	memCeiling  int64
	include     []string
	exclude     []string
	maxFileSize int64
	blast       BlastWeights

	// commitMu serializes resolution and commit so each changeset resolves
	// against the head it is committed on top of.
	commitMu sync.Mutex
}

// BlastWeights tunes BlastRadius scoring.
type BlastWeights struct {
	Exact      float64
	Similarity float64
	// SimilarK bounds the similarity-only extras.
	SimilarK int
	// MinSimilarity is the cosine a node needs to join as a similarity-only
	// member.
	MinSimilarity float64
}

// DefaultBlastWeights scores exact members 0.7/(1+distance) plus 0.3 times
// their similarity to the seeds.
var DefaultBlastWeights = BlastWeights{Exact: 0.7, Similarity: 0.3, SimilarK: 10, MinSimilarity: 0.5}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRegistry replaces the default Rust/Go/Python registry.
func WithRegistry(r *extract.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithCache sets the parse cache shared by every changeset.
func WithCache(c *extract.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithVectorIndex enables Similar and the similarity part of BlastRadius.
// The index is built from the head snapshot when the engine opens and kept
// current after each commit.
func WithVectorIndex(ix *vector.Index) Option {
	return func(e *Engine) { e.vectors = ix }
}

// WithWorkers bounds concurrent extractions.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMemoryCeiling bounds the bytes of file content held by in-flight
// extractions.
func WithMemoryCeiling(bytes int64) Option {
	return func(e *Engine) {
		if bytes > 0 {
			e.memCeiling = bytes
		}
	}
}

// WithFilters sets the include and exclude globs used by IngestDirectory.
func WithFilters(include, exclude []string) Option {
	return func(e *Engine) { e.include, e.exclude = include, exclude }
}

func WithMaxFileSize(n int64) Option {
	return func(e *Engine) { e.maxFileSize = n }
}

func WithBlastWeights(w BlastWeights) Option {
	return func(e *Engine) { e.blast = w }
}

// Open opens (creating if needed) the graph database at dbPath for the
// repository at root. An empty dbPath selects root/.isg/graph.db.
func Open(ctx context.Context, root, dbPath string, opts ...Option) (*Engine, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("isg: root: %w", err)
	}
	if dbPath == "" {
		dbPath = filepath.Join(abs, ".isg", "graph.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("isg: db dir: %w", err)
	}

	e := &Engine{
		root:       abs,
		logger:     slog.New(slog.DiscardHandler),
		workers:    runtime.NumCPU(),
		memCeiling: 256 << 20,
		blast:      DefaultBlastWeights,
	}
	for _, o := range opts {
		o(e)
	}
	if e.registry == nil {
		e.registry = extract.DefaultRegistry()
	}
	if e.cache == nil {
		e.cache = extract.NewCache(1024)
	}

	st, err := store.Open(ctx, dbPath, store.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("isg: open store: %w", err)
	}
	e.store = st

	if e.vectors != nil {
		if err := e.vectors.Build(ctx, st.Snapshot()); err != nil {
			st.Close()
			return nil, fmt.Errorf("isg: build vector index: %w", err)
		}
	}
	snap := st.Snapshot()
	e.metrics.Committed(snap.Generation(), snap.NodeCount(), snap.EdgeCount(), 0)
	return e, nil
}

// Close releases the database.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Root is the absolute repository root.
func (e *Engine) Root() string { return e.root }

// Store exposes the graph store for history, diff and GC.
func (e *Engine) Store() *store.Store { return e.store }

// Registry is the extractor registry in use.
func (e *Engine) Registry() *extract.Registry { return e.registry }

// Vectors is the similarity index, or nil when disabled.
func (e *Engine) Vectors() *vector.Index { return e.vectors }

// Rel normalizes p to the slash separated root-relative form used as file
// identity in the graph.
func (e *Engine) Rel(p string) (string, error) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.root, filepath.FromSlash(p))
	}
	rel, err := filepath.Rel(e.root, p)
	if err != nil {
		return "", fmt.Errorf("isg: %s: %w", p, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("isg: %s is outside %s", p, e.root)
	}
	return filepath.ToSlash(rel), nil
}

func (e *Engine) abs(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

// scanner builds a file scanner over the root that only returns files some
// extractor handles.
func (e *Engine) scanner() (*scan.Scanner, error) {
	return scan.New(scan.Config{
		Root:        e.root,
		Include:     e.include,
		Exclude:     e.exclude,
		MaxFileSize: e.maxFileSize,
	}, scan.WithFilter(e.registry.Handles), scan.WithLogger(e.logger))
}
