package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	StatusCommitted  = "committed"
	StatusOpen       = "open"
	StatusSuperseded = "superseded"
	StatusPromoted   = "promoted"
	StatusDiscarded  = "discarded"
)

// Upsert validates d against the current head and commits it as one new
// generation in a single transaction. An empty graph delta only writes its
// file records and returns the head generation unchanged.
//
// Dangling edges are recorded in the quarantine table and the whole delta is
// rejected with an *Error of kind ErrDanglingEdge.
func (s *Store) Upsert(ctx context.Context, d *Delta) (Generation, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.upsertLocked(ctx, d)
}

func (s *Store) upsertLocked(ctx context.Context, d *Delta) (Generation, error) {
	base := s.head.Load()
	if err := s.check(ctx, base, d); err != nil {
		return Generation{}, err
	}

	if d.Empty() {
		if err := s.writeFiles(ctx, d, base.generation); err != nil {
			return Generation{}, err
		}
		return s.headGeneration(ctx, base.generation)
	}

	start := s.now()
	d.Normalize()
	payload, err := json.Marshal(d)
	if err != nil {
		return Generation{}, fmt.Errorf("upsert: encode delta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Generation{}, fmt.Errorf("upsert: begin: %w", err)
	}
	defer tx.Rollback()

	gen := Generation{
		Branch:      BranchCurrent,
		Parent:      base.generation,
		CommittedAt: start.UTC(),
		DeltaSize:   d.Size(),
		Status:      StatusCommitted,
	}
	if gen.ID, err = insertGenerationTx(ctx, tx, gen, payload); err != nil {
		return Generation{}, fmt.Errorf("upsert: %w", err)
	}
	if err := applyNodesTx(ctx, tx, d, gen.ID); err != nil {
		return Generation{}, fmt.Errorf("upsert: %w", err)
	}
	if err := applyEdgesTx(ctx, tx, d, gen.ID); err != nil {
		return Generation{}, fmt.Errorf("upsert: %w", err)
	}
	if err := writeFilesTx(ctx, tx, d, gen.ID, start); err != nil {
		return Generation{}, fmt.Errorf("upsert: %w", err)
	}
	if err := setMetaTx(ctx, tx, "head", gen.ID); err != nil {
		return Generation{}, fmt.Errorf("upsert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Generation{}, fmt.Errorf("upsert: commit: %w", err)
	}

	next := base.apply(d, gen.ID, false)
	s.head.Store(next)
	s.snaps.Add(gen.ID, next)

	s.logger.Debug("generation committed",
		"generation", gen.ID,
		"nodes_added", len(d.AddedNodes),
		"nodes_modified", len(d.ModifiedNodes),
		"nodes_removed", len(d.RemovedNodes),
		"edges_added", len(d.AddedEdges),
		"edges_removed", len(d.RemovedEdges),
	)
	return gen, nil
}

// check runs validation and quarantines dangling edges.
func (s *Store) check(ctx context.Context, base *Snapshot, d *Delta) error {
	err := validate(base, d)
	if err == nil {
		return nil
	}
	if err.Kind == ErrDanglingEdge {
		if qerr := s.quarantine(ctx, err.Edges, "endpoint missing"); qerr != nil {
			s.logger.Warn("quarantine failed", "error", qerr)
		}
	}
	return err
}

// validate checks d against base for key collisions and dangling edges.
func validate(base *Snapshot, d *Delta) *Error {
	// Key collisions: the same key twice in the delta with different content,
	// or a key reused for a different kind of entity.
	seen := map[string]*Node{}
	var collisions []string
	for _, list := range [][]Node{d.AddedNodes, d.ModifiedNodes} {
		for i := range list {
			n := &list[i]
			if prev, ok := seen[n.Key]; ok {
				if !prev.SameContent(n) {
					collisions = append(collisions, n.Key)
				}
				continue
			}
			seen[n.Key] = n
			if old, ok := base.node(n.Key); ok && old.Kind != n.Kind {
				collisions = append(collisions, n.Key)
			}
		}
	}
	if len(collisions) > 0 {
		sort.Strings(collisions)
		return &Error{Kind: ErrKeyCollision, Keys: collisions}
	}

	removed := map[string]bool{}
	for _, n := range d.RemovedNodes {
		removed[n.Key] = true
	}
	live := func(key string) bool {
		if _, ok := seen[key]; ok {
			return true
		}
		return base.HasNode(key) && !removed[key]
	}

	var dangling []Edge
	for _, list := range [][]Edge{d.AddedEdges, d.ModifiedEdges} {
		for _, e := range list {
			if !live(e.Src) || !live(e.Dst) {
				dangling = append(dangling, e)
			}
		}
	}

	// Surviving edges of the base that touch a removed node.
	if len(removed) > 0 {
		dropped := map[EdgeKey]bool{}
		for _, e := range d.RemovedEdges {
			dropped[e.EdgeKey()] = true
		}
		for _, list := range [][]Edge{d.AddedEdges, d.ModifiedEdges} {
			for _, e := range list {
				dropped[e.EdgeKey()] = true
			}
		}
		keys := make([]string, 0, len(removed))
		for k := range removed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, e := range base.Edges(k, Both) {
				if !dropped[e.EdgeKey()] {
					dangling = append(dangling, e)
					dropped[e.EdgeKey()] = true
				}
			}
		}
	}
	if len(dangling) > 0 {
		sortEdges(dangling)
		return &Error{Kind: ErrDanglingEdge, Edges: dangling}
	}
	return nil
}

func insertGenerationTx(ctx context.Context, tx *sql.Tx, g Generation, payload []byte) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO generations (branch, parent, committed_at, delta_size, delta, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.Branch, g.Parent, g.CommittedAt, g.DeltaSize, string(payload), g.Status)
	if err != nil {
		return 0, fmt.Errorf("insert generation: %w", err)
	}
	return res.LastInsertId()
}

func applyNodesTx(ctx context.Context, tx *sql.Tx, d *Delta, gen int64) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO nodes (`+nodeColumns+`, created_gen, updated_gen, tombstoned_gen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(key) DO UPDATE SET
		  kind = excluded.kind, name = excluded.name, qualified_name = excluded.qualified_name,
		  file = excluded.file, language = excluded.language,
		  start_line = excluded.start_line, end_line = excluded.end_line,
		  visibility = excluded.visibility, signature = excluded.signature,
		  digest = excluded.digest, flags = excluded.flags,
		  doc_first_line = excluded.doc_first_line, doc_hash = excluded.doc_hash,
		  module_path = excluded.module_path, generics = excluded.generics,
		  where_bounds = excluded.where_bounds, derives = excluded.derives,
		  state = excluded.state, updated_gen = excluded.updated_gen, tombstoned_gen = NULL`)
	if err != nil {
		return fmt.Errorf("prepare node upsert: %w", err)
	}
	defer stmt.Close()

	for _, list := range [][]Node{d.AddedNodes, d.ModifiedNodes} {
		for _, n := range list {
			if _, err := stmt.ExecContext(ctx,
				n.Key, n.Kind, n.Name, n.QualifiedName, n.File, nullIfEmpty(n.Language),
				n.StartLine, n.EndLine, nullIfEmpty(string(n.Visibility)), nullIfEmpty(n.Signature),
				int64(n.Digest), int64(n.Flags), nullIfEmpty(n.DocFirstLine), int64(n.DocHash),
				nullIfEmpty(n.ModulePath), marshalStrings(n.Generics), marshalStrings(n.WhereBounds),
				marshalStrings(n.Derives), StateCurrent, gen, gen,
			); err != nil {
				return fmt.Errorf("upsert node %q: %w", n.Key, err)
			}
		}
	}

	if len(d.RemovedNodes) > 0 {
		keys := make([]string, len(d.RemovedNodes))
		for i, n := range d.RemovedNodes {
			keys[i] = n.Key
		}
		args := append([]any{StateTombstoned, gen, gen}, stringsToArgs(keys)...)
		if _, err := tx.ExecContext(ctx,
			"UPDATE nodes SET state = ?, tombstoned_gen = ?, updated_gen = ? WHERE key IN ("+placeholderList(len(keys))+")",
			args...); err != nil {
			return fmt.Errorf("tombstone nodes: %w", err)
		}
	}
	return nil
}

func applyEdgesTx(ctx context.Context, tx *sql.Tx, d *Delta, gen int64) error {
	// Removals first: a retargeted edge keeps its ID, and IDs are unique.
	for _, e := range d.RemovedEdges {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM edges WHERE src = ? AND dst = ? AND kind = ?", e.Src, e.Dst, e.Kind,
		); err != nil {
			return fmt.Errorf("delete edge %s: %w", e.ID, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO edges (src, dst, kind, id, attrs, ref, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(src, dst, kind) DO UPDATE SET
		  id = excluded.id, attrs = excluded.attrs, ref = excluded.ref, generation = excluded.generation`)
	if err != nil {
		return fmt.Errorf("prepare edge upsert: %w", err)
	}
	defer stmt.Close()

	for _, list := range [][]Edge{d.AddedEdges, d.ModifiedEdges} {
		for _, e := range list {
			if _, err := stmt.ExecContext(ctx, e.Src, e.Dst, e.Kind, e.ID, int64(e.Attrs), nullIfEmpty(e.Ref), gen); err != nil {
				return fmt.Errorf("upsert edge %s: %w", e.ID, err)
			}
		}
	}
	return nil
}

func (s *Store) headGeneration(ctx context.Context, id int64) (Generation, error) {
	if id == 0 {
		return Generation{Branch: BranchCurrent, Status: StatusCommitted}, nil
	}
	return s.Generation(ctx, id)
}

// --- files ---

func (s *Store) writeFiles(ctx context.Context, d *Delta, gen int64) error {
	if len(d.Files) == 0 && len(d.RemovedFiles) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write files: begin: %w", err)
	}
	defer tx.Rollback()
	if err := writeFilesTx(ctx, tx, d, gen, s.now()); err != nil {
		return fmt.Errorf("write files: %w", err)
	}
	return tx.Commit()
}

func writeFilesTx(ctx context.Context, tx *sql.Tx, d *Delta, gen int64, now time.Time) error {
	for _, f := range d.Files {
		status := f.Status
		if status == "" {
			status = FileClean
		}
		// A stale file keeps the generation of its last successful extraction.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files (path, language, hash, status, error, generation, indexed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET
			   language = excluded.language, hash = excluded.hash, status = excluded.status,
			   error = excluded.error, indexed_at = excluded.indexed_at,
			   generation = CASE WHEN excluded.status = 'clean' THEN excluded.generation ELSE files.generation END`,
			f.Path, f.Language, f.Hash, status, nullIfEmpty(f.Error), gen, now.UTC(),
		); err != nil {
			return fmt.Errorf("upsert file %q: %w", f.Path, err)
		}
	}
	if len(d.RemovedFiles) > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM files WHERE path IN ("+placeholderList(len(d.RemovedFiles))+")",
			stringsToArgs(d.RemovedFiles)...,
		); err != nil {
			return fmt.Errorf("delete files: %w", err)
		}
	}
	return nil
}

// File returns the bookkeeping record for path.
func (s *Store) File(ctx context.Context, path string) (FileRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT path, language, hash, status, error, generation, indexed_at FROM files WHERE path = ?", path)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, false, nil
	}
	if err != nil {
		return FileRecord{}, false, fmt.Errorf("file %q: %w", path, err)
	}
	return f, true, nil
}

// Files returns all file records ordered by path.
func (s *Store) Files(ctx context.Context) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, language, hash, status, error, generation, indexed_at FROM files ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFile(r rowScanner) (FileRecord, error) {
	var f FileRecord
	var hash, errText sql.NullString
	var indexed sql.NullTime
	if err := r.Scan(&f.Path, &f.Language, &hash, &f.Status, &errText, &f.Generation, &indexed); err != nil {
		return FileRecord{}, err
	}
	f.Hash = hash.String
	f.Error = errText.String
	f.IndexedAt = indexed.Time
	return f, nil
}
