package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Generation returns the row for generation id.
func (s *Store) Generation(ctx context.Context, id int64) (Generation, error) {
	var g Generation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, branch, parent, committed_at, delta_size, status FROM generations WHERE id = ?", id,
	).Scan(&g.ID, &g.Branch, &g.Parent, &g.CommittedAt, &g.DeltaSize, &g.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, fmt.Errorf("generation %d: %w", id, ErrGenerationNotFound)
	}
	if err != nil {
		return Generation{}, fmt.Errorf("generation %d: %w", id, err)
	}
	return g, nil
}

// Generations lists every retained generation of both branches, oldest first.
func (s *Store) Generations(ctx context.Context) ([]Generation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, branch, parent, committed_at, delta_size, status FROM generations ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query generations: %w", err)
	}
	defer rows.Close()
	var out []Generation
	for rows.Next() {
		var g Generation
		if err := rows.Scan(&g.ID, &g.Branch, &g.Parent, &g.CommittedAt, &g.DeltaSize, &g.Status); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Delta returns the delta committed as generation id.
func (s *Store) Delta(ctx context.Context, id int64) (*Delta, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT delta FROM generations WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delta %d: %w", id, ErrGenerationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("delta %d: %w", id, err)
	}
	var d Delta
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("decode delta %d: %w", id, err)
	}
	return &d, nil
}

// SnapshotAt rebuilds the graph as of generation id by replaying deltas onto
// the nearest checkpoint. Generations pruned by GC return
// ErrGenerationNotFound.
func (s *Store) SnapshotAt(ctx context.Context, id int64) (*Snapshot, error) {
	head := s.head.Load()
	if id == head.generation {
		return head, nil
	}
	if p := s.proposal.Load(); p != nil && p.gen.ID == id {
		return s.Proposed()
	}
	if snap, ok := s.snaps.Get(id); ok {
		return snap, nil
	}
	if id < 0 {
		return nil, fmt.Errorf("generation %d: %w", id, ErrGenerationNotFound)
	}
	if id == 0 {
		if s.floor.Load() > 0 {
			return nil, fmt.Errorf("generation 0: %w", ErrGenerationNotFound)
		}
		return emptySnapshot(), nil
	}
	if id < s.floor.Load() {
		return nil, fmt.Errorf("generation %d: %w", id, ErrGenerationNotFound)
	}

	gen, err := s.Generation(ctx, id)
	if err != nil {
		return nil, err
	}

	var snap *Snapshot
	if gen.Branch == BranchProposed {
		parent, err := s.SnapshotAt(ctx, gen.Parent)
		if err != nil {
			return nil, err
		}
		d, err := s.Delta(ctx, id)
		if err != nil {
			return nil, err
		}
		snap = parent.apply(d, id, true)
	} else {
		snap, err = s.replay(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	s.snaps.Add(id, snap)
	return snap, nil
}

type checkpoint struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func (s *Store) replay(ctx context.Context, id int64) (*Snapshot, error) {
	snap := emptySnapshot()
	var cpGen int64
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT generation, snapshot FROM checkpoints WHERE generation <= ? ORDER BY generation DESC LIMIT 1", id,
	).Scan(&cpGen, &payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	default:
		var cp checkpoint
		if err := json.Unmarshal([]byte(payload), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint %d: %w", cpGen, err)
		}
		snap = NewSnapshot(cpGen, cp.Nodes, cp.Edges)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, delta FROM generations WHERE branch = ? AND id > ? AND id <= ? ORDER BY id",
		BranchCurrent, cpGen, id)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var gid int64
		var raw string
		if err := rows.Scan(&gid, &raw); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		var d Delta
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode delta %d: %w", gid, err)
		}
		snap = snap.apply(&d, gid, false)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	snap.generation = id
	return snap, nil
}

// Resolve maps a snapshot reference to a snapshot: "current" (or empty) is
// the head, "proposed" is the open proposal, and a number selects a
// generation.
func (s *Store) Resolve(ctx context.Context, ref string) (*Snapshot, error) {
	switch strings.ToLower(strings.TrimSpace(ref)) {
	case "", BranchCurrent, "head":
		return s.Snapshot(), nil
	case BranchProposed:
		return s.Proposed()
	}
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("generation %q: %w", ref, ErrGenerationNotFound)
	}
	return s.SnapshotAt(ctx, id)
}

// GCResult reports what a GC pass removed.
type GCResult struct {
	Floor              int64 `json:"floor"`
	GenerationsPruned  int64 `json:"generations_pruned"`
	TombstonesPruned   int64 `json:"tombstones_pruned"`
	CheckpointsDropped int64 `json:"checkpoints_dropped"`
}

// GC keeps the newest retain generations of the current branch. The oldest
// retained generation becomes a checkpoint, older history is deleted, and
// tombstoned nodes no retained generation can see are purged.
func (s *Store) GC(ctx context.Context, retain int) (GCResult, error) {
	if retain < 1 {
		retain = 1
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM generations WHERE branch = ? ORDER BY id DESC LIMIT ?", BranchCurrent, retain)
	if err != nil {
		return GCResult{}, fmt.Errorf("gc: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return GCResult{}, fmt.Errorf("gc: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) < retain {
		return GCResult{Floor: s.floor.Load()}, nil
	}
	floor := ids[len(ids)-1]
	if floor <= s.floor.Load() {
		return GCResult{Floor: s.floor.Load()}, nil
	}

	snap, err := s.SnapshotAt(ctx, floor)
	if err != nil {
		return GCResult{}, fmt.Errorf("gc: snapshot %d: %w", floor, err)
	}
	payload, err := json.Marshal(checkpoint{Nodes: snap.Nodes(), Edges: snap.AllEdges()})
	if err != nil {
		return GCResult{}, fmt.Errorf("gc: encode checkpoint: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GCResult{}, fmt.Errorf("gc: begin: %w", err)
	}
	defer tx.Rollback()

	res := GCResult{Floor: floor}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO checkpoints (generation, snapshot) VALUES (?, ?) ON CONFLICT(generation) DO UPDATE SET snapshot = excluded.snapshot",
		floor, string(payload)); err != nil {
		return GCResult{}, fmt.Errorf("gc: write checkpoint: %w", err)
	}
	for _, step := range []struct {
		query string
		args  []any
		count *int64
	}{
		{"DELETE FROM checkpoints WHERE generation < ?", []any{floor}, &res.CheckpointsDropped},
		{"DELETE FROM generations WHERE id < ? AND (branch = ? OR status != ?)", []any{floor, BranchCurrent, StatusOpen}, &res.GenerationsPruned},
		{"DELETE FROM nodes WHERE state = ? AND tombstoned_gen <= ?", []any{StateTombstoned, floor}, &res.TombstonesPruned},
	} {
		r, err := tx.ExecContext(ctx, step.query, step.args...)
		if err != nil {
			return GCResult{}, fmt.Errorf("gc: %w", err)
		}
		*step.count, _ = r.RowsAffected()
	}
	if err := setMetaTx(ctx, tx, "gc_floor", floor); err != nil {
		return GCResult{}, fmt.Errorf("gc: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return GCResult{}, fmt.Errorf("gc: commit: %w", err)
	}

	s.floor.Store(floor)
	for _, k := range s.snaps.Keys() {
		if k < floor {
			s.snaps.Remove(k)
		}
	}
	s.logger.Info("gc complete",
		"floor", floor,
		"generations_pruned", res.GenerationsPruned,
		"tombstones_pruned", res.TombstonesPruned,
	)
	return res, nil
}
