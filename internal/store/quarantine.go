package store

import (
	"context"
	"fmt"
)

// quarantine records rejected edges. It runs in its own transaction so the
// record survives the rejection of the delta.
func (s *Store) quarantine(ctx context.Context, edges []Edge, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("quarantine: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quarantine (edge_id, src, dst, kind, ref, reason, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			nullIfEmpty(e.ID), e.Src, e.Dst, e.Kind, nullIfEmpty(e.Ref), reason, now,
		); err != nil {
			return fmt.Errorf("quarantine edge %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// Quarantined lists the most recent rejected edges, newest first. A limit of
// zero or less returns everything.
func (s *Store) Quarantined(ctx context.Context, limit int) ([]QuarantinedEdge, error) {
	q := "SELECT id, edge_id, src, dst, kind, ref, reason, recorded_at FROM quarantine ORDER BY id DESC"
	var args []any
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query quarantine: %w", err)
	}
	defer rows.Close()

	var out []QuarantinedEdge
	for rows.Next() {
		var qe QuarantinedEdge
		var edgeID, ref nullString
		if err := rows.Scan(&qe.ID, &edgeID, &qe.Edge.Src, &qe.Edge.Dst, &qe.Edge.Kind, &ref, &qe.Reason, &qe.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan quarantine: %w", err)
		}
		qe.Edge.ID = string(edgeID)
		qe.Edge.Ref = string(ref)
		out = append(out, qe)
	}
	return out, rows.Err()
}

// nullString scans NULL as the empty string.
type nullString string

func (n *nullString) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*n = ""
	case string:
		*n = nullString(x)
	case []byte:
		*n = nullString(x)
	default:
		return fmt.Errorf("unexpected %T for text column", v)
	}
	return nil
}
