package store

import (
	"context"
	"fmt"
	"sort"
)

// Diff computes the delta that turns a into b. Nodes marked for deletion in
// a proposed snapshot count as removed. Lists are ordered by key.
func Diff(a, b *Snapshot) *Delta {
	d := &Delta{}
	for _, n := range b.Nodes() {
		if n.Action == ActionDelete {
			if old, ok := a.node(n.Key); ok && old.Action != ActionDelete {
				d.RemovedNodes = append(d.RemovedNodes, *old)
			}
			continue
		}
		old, ok := a.node(n.Key)
		switch {
		case !ok || old.Action == ActionDelete:
			d.AddedNodes = append(d.AddedNodes, n)
		case !old.SameContent(&n):
			d.ModifiedNodes = append(d.ModifiedNodes, n)
		}
	}
	for _, n := range a.Nodes() {
		if n.Action == ActionDelete {
			continue
		}
		if _, ok := b.node(n.Key); !ok {
			d.RemovedNodes = append(d.RemovedNodes, n)
		}
	}
	sort.Slice(d.RemovedNodes, func(i, j int) bool { return d.RemovedNodes[i].Key < d.RemovedNodes[j].Key })

	for _, e := range b.AllEdges() {
		old, ok := a.edge(e.EdgeKey())
		switch {
		case !ok:
			d.AddedEdges = append(d.AddedEdges, e)
		case *old != e:
			d.ModifiedEdges = append(d.ModifiedEdges, e)
		}
	}
	for _, e := range a.AllEdges() {
		if _, ok := b.edge(e.EdgeKey()); !ok {
			d.RemovedEdges = append(d.RemovedEdges, e)
		}
	}
	d.Normalize()
	return d
}

// Diff resolves two snapshot references (see Resolve) and diffs them.
func (s *Store) Diff(ctx context.Context, from, to string) (*Delta, error) {
	a, err := s.Resolve(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("diff from %s: %w", from, err)
	}
	b, err := s.Resolve(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("diff to %s: %w", to, err)
	}
	return Diff(a, b), nil
}
