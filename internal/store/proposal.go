package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// proposal is the open delta on the proposed branch together with the
// snapshot it produces on top of base.
type proposal struct {
	gen   Generation
	delta Delta
	base  int64
	snap  *Snapshot
}

// Propose records d as a generation on the proposed branch, parented on the
// current head. Any previously open proposal is superseded. The current
// branch is not touched.
func (s *Store) Propose(ctx context.Context, d *Delta) (Generation, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	base := s.head.Load()
	if err := s.check(ctx, base, d); err != nil {
		return Generation{}, err
	}
	d.Normalize()
	payload, err := json.Marshal(d)
	if err != nil {
		return Generation{}, fmt.Errorf("propose: encode delta: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Generation{}, fmt.Errorf("propose: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE generations SET status = ? WHERE branch = ? AND status = ?",
		StatusSuperseded, BranchProposed, StatusOpen); err != nil {
		return Generation{}, fmt.Errorf("propose: supersede: %w", err)
	}
	gen := Generation{
		Branch:      BranchProposed,
		Parent:      base.generation,
		CommittedAt: s.now().UTC(),
		DeltaSize:   d.Size(),
		Status:      StatusOpen,
	}
	if gen.ID, err = insertGenerationTx(ctx, tx, gen, payload); err != nil {
		return Generation{}, fmt.Errorf("propose: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Generation{}, fmt.Errorf("propose: commit: %w", err)
	}

	s.proposal.Store(&proposal{
		gen:   gen,
		delta: *d,
		base:  base.generation,
		snap:  base.apply(d, gen.ID, true),
	})
	s.logger.Debug("proposal recorded", "generation", gen.ID, "parent", gen.Parent, "size", gen.DeltaSize)
	return gen, nil
}

// Proposed returns the snapshot of the open proposal. If the current branch
// moved since the proposal was recorded, the proposal is replayed onto the
// new head.
func (s *Store) Proposed() (*Snapshot, error) {
	p := s.proposal.Load()
	if p == nil {
		return nil, ErrNoProposal
	}
	head := s.head.Load()
	if p.base == head.generation {
		return p.snap, nil
	}
	rebased := &proposal{gen: p.gen, delta: p.delta, base: head.generation}
	rebased.snap = head.apply(&rebased.delta, p.gen.ID, true)
	s.proposal.CompareAndSwap(p, rebased)
	return rebased.snap, nil
}

// ProposalDelta returns the open proposal's delta.
func (s *Store) ProposalDelta() (Generation, *Delta, error) {
	p := s.proposal.Load()
	if p == nil {
		return Generation{}, nil, ErrNoProposal
	}
	d := p.delta
	return p.gen, &d, nil
}

// Promote commits the open proposal to the current branch.
func (s *Store) Promote(ctx context.Context) (Generation, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	p := s.proposal.Load()
	if p == nil {
		return Generation{}, ErrNoProposal
	}
	d := p.delta
	gen, err := s.upsertLocked(ctx, &d)
	if err != nil {
		return Generation{}, fmt.Errorf("promote %d: %w", p.gen.ID, err)
	}
	if err := s.closeProposal(ctx, p, StatusPromoted); err != nil {
		return Generation{}, err
	}
	return gen, nil
}

// Discard closes the open proposal without applying it.
func (s *Store) Discard(ctx context.Context) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	p := s.proposal.Load()
	if p == nil {
		return ErrNoProposal
	}
	return s.closeProposal(ctx, p, StatusDiscarded)
}

func (s *Store) closeProposal(ctx context.Context, p *proposal, status string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE generations SET status = ? WHERE id = ?", status, p.gen.ID); err != nil {
		return fmt.Errorf("close proposal %d: %w", p.gen.ID, err)
	}
	s.proposal.CompareAndSwap(p, nil)
	return nil
}

func (s *Store) loadProposal(ctx context.Context) (*proposal, error) {
	var gen Generation
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, branch, parent, committed_at, delta_size, status, delta FROM generations
		 WHERE branch = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		BranchProposed, StatusOpen,
	).Scan(&gen.ID, &gen.Branch, &gen.Parent, &gen.CommittedAt, &gen.DeltaSize, &gen.Status, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load proposal: %w", err)
	}
	var d Delta
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("decode proposal %d: %w", gen.ID, err)
	}
	head := s.head.Load()
	return &proposal{gen: gen, delta: d, base: head.generation, snap: head.apply(&d, gen.ID, true)}, nil
}
