package isg

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jward/isg/internal/extract"
	"github.com/jward/isg/internal/metrics"
	"github.com/jward/isg/internal/store"
)

// ErrSuperseded is returned when a newer change to the same file made a
// changeset's result obsolete before it was committed.
var ErrSuperseded = errors.New("superseded by a newer change")

// FileFailure is one file whose extraction failed. Its previous nodes stay
// in the graph and the file is marked stale.
type FileFailure struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Error    string `json:"error"`
}

// ChangesetResult reports what one changeset did.
type ChangesetResult struct {
	Delta      *store.Delta     `json:"delta"`
	Generation store.Generation `json:"generation"`
	Extracted  int              `json:"files_extracted"`
	Skipped    int              `json:"files_skipped"`
	Deleted    int              `json:"files_deleted"`
	Failures   []FileFailure    `json:"failures"`
}

// changeset carries the knobs that differ between callers of process.
type changeset struct {
	propose bool
	// known holds file records loaded up front; nil means look each file up.
	known map[string]store.FileRecord
	// current is checked under the commit lock; false discards the result.
	current func() bool
}

// fileResult is the outcome of reading and extracting one file.
type fileResult struct {
	path     string
	language string
	hash     string
	entities []extract.RawEntity
	err      error
	deleted  bool
	skipped  bool
}

func (r *fileResult) replaces() bool {
	return !r.skipped && (r.deleted || r.err == nil)
}

// ProcessChangeset re-extracts paths and commits the resulting delta as one
// generation. Paths may be absolute or root-relative. Files that no longer
// exist are removed from the graph; unchanged files are skipped by content
// hash. A failed file does not fail the changeset: it is reported in
// Failures and keeps its previous nodes.
func (e *Engine) ProcessChangeset(ctx context.Context, paths []string) (*ChangesetResult, error) {
	return e.process(ctx, paths, changeset{})
}

// ProposeChangeset runs the same pipeline but records the delta on the
// proposed branch instead of the current one.
func (e *Engine) ProposeChangeset(ctx context.Context, paths []string) (*ChangesetResult, error) {
	return e.process(ctx, paths, changeset{propose: true})
}

// Promote applies the open proposal to the current branch.
func (e *Engine) Promote(ctx context.Context) (store.Generation, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	_, d, err := e.store.ProposalDelta()
	if err != nil {
		return store.Generation{}, err
	}
	start := time.Now()
	gen, err := e.store.Promote(ctx)
	if err != nil {
		e.countQuarantined(err)
		return store.Generation{}, err
	}
	e.afterCommit(d, gen, time.Since(start))
	return gen, nil
}

// Discard drops the open proposal.
func (e *Engine) Discard(ctx context.Context) error {
	return e.store.Discard(ctx)
}

func (e *Engine) process(ctx context.Context, paths []string, cs changeset) (*ChangesetResult, error) {
	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := e.Rel(p)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	slices.Sort(rels)
	rels = slices.Compact(rels)

	results, err := e.extractAll(ctx, rels, e.fileLookup(ctx, cs.known))
	if err != nil {
		return nil, fmt.Errorf("isg: extract: %w", err)
	}

	res := &ChangesetResult{Failures: []FileFailure{}}
	for i := range results {
		r := &results[i]
		switch {
		case r.skipped:
			res.Skipped++
		case r.deleted:
			res.Deleted++
		case r.err != nil:
			res.Failures = append(res.Failures, FileFailure{Path: r.path, Language: r.language, Error: r.err.Error()})
			e.logger.Warn("extraction failed", "file", r.path, "language", r.language, "error", r.err)
		default:
			res.Extracted++
		}
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if cs.current != nil && !cs.current() {
		e.metrics.Superseded()
		return nil, ErrSuperseded
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	base := e.store.Snapshot()
	d := e.buildDelta(base, results)
	if cs.propose {
		d.Files, d.RemovedFiles = nil, nil
		res.Generation, err = e.store.Propose(ctx, d)
	} else {
		res.Generation, err = e.store.Upsert(ctx, d)
	}
	if err != nil {
		e.countQuarantined(err)
		return nil, fmt.Errorf("isg: commit: %w", err)
	}
	res.Delta = d

	for _, r := range results {
		if r.deleted {
			e.cache.Invalidate(r.path)
		}
	}
	if !cs.propose {
		e.afterCommit(d, res.Generation, time.Since(start))
	}
	e.logger.Debug("changeset committed",
		"generation", res.Generation.ID,
		"branch", res.Generation.Branch,
		"files", len(rels),
		"skipped", res.Skipped,
		"failed", len(res.Failures),
		"delta", d.Size(),
	)
	return res, nil
}

// afterCommit brings the similarity index and the gauges up to the new head.
func (e *Engine) afterCommit(d *store.Delta, gen store.Generation, took time.Duration) {
	if e.vectors != nil && !d.Empty() {
		e.vectors.Apply(d, gen.ID)
	}
	snap := e.store.Snapshot()
	e.metrics.Committed(snap.Generation(), snap.NodeCount(), snap.EdgeCount(), took)
}

func (e *Engine) countQuarantined(err error) {
	var se *store.Error
	if errors.As(err, &se) && errors.Is(se, store.ErrDanglingEdge) {
		e.metrics.Quarantined(len(se.Edges))
	}
}

// fileLookup returns the previous record of a file.
func (e *Engine) fileLookup(ctx context.Context, known map[string]store.FileRecord) func(string) (store.FileRecord, bool) {
	if known != nil {
		return func(rel string) (store.FileRecord, bool) {
			rec, ok := known[rel]
			return rec, ok
		}
	}
	return func(rel string) (store.FileRecord, bool) {
		rec, ok, err := e.store.File(ctx, rel)
		if err != nil {
			e.logger.Debug("file record lookup failed", "file", rel, "error", err)
			return store.FileRecord{}, false
		}
		return rec, ok
	}
}

// extractAll extracts files concurrently. At most e.workers files are in
// flight, and their combined size stays under the memory ceiling.
func (e *Engine) extractAll(ctx context.Context, rels []string, prev func(string) (store.FileRecord, bool)) ([]fileResult, error) {
	results := make([]fileResult, len(rels))
	sem := semaphore.NewWeighted(e.memCeiling)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, rel := range rels {
		g.Go(func() error {
			w := e.weight(rel)
			if err := sem.Acquire(gctx, w); err != nil {
				return err
			}
			defer sem.Release(w)
			results[i] = e.extractOne(gctx, rel, prev)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, ctx.Err()
}

func (e *Engine) weight(rel string) int64 {
	info, err := os.Stat(e.abs(rel))
	if err != nil {
		return 1
	}
	return min(max(info.Size(), 1), e.memCeiling)
}

func (e *Engine) extractOne(ctx context.Context, rel string, prev func(string) (store.FileRecord, bool)) fileResult {
	fr := fileResult{path: rel}
	content, err := os.ReadFile(e.abs(rel))
	if errors.Is(err, fs.ErrNotExist) {
		fr.deleted = true
		return fr
	}
	if err != nil {
		fr.err = err
		return fr
	}
	fr.hash = hashContent(content)

	ex, lang, ok := e.registry.For(rel, content)
	fr.language = lang
	if rec, found := prev(rel); found && rec.Status == store.FileClean && rec.Hash == fr.hash {
		fr.skipped = true
		e.metrics.FileExtracted(lang, metrics.OutcomeSkipped, 0)
		return fr
	}
	if ents, hit := e.cache.Get(rel, fr.hash); hit {
		fr.entities = ents
		return fr
	}

	start := time.Now()
	ents, err := ex.Extract(ctx, rel, content)
	took := time.Since(start)
	if err != nil {
		fr.err = err
		e.metrics.FileExtracted(lang, metrics.OutcomeFailed, took)
		return fr
	}
	outcome := metrics.OutcomeOK
	if !ok {
		outcome = metrics.OutcomeFallback
	}
	e.metrics.FileExtracted(lang, outcome, took)
	e.cache.Add(rel, fr.hash, ents)
	fr.entities = ents
	return fr
}

func hashContent(b []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(b))
}
