package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testNode(file, qname string, kind NodeKind) Node {
	return Node{
		Key:           NodeKey(file, kind, qname, 0),
		Kind:          kind,
		Name:          RefName(qname),
		QualifiedName: qname,
		File:          file,
		Language:      "rust",
		StartLine:     1,
		EndLine:       3,
		Visibility:    Public,
		Signature:     "fn " + RefName(qname) + "()",
		Digest:        42,
		Generics:      []string{},
	}
}

func testEdge(src, dst Node, kind EdgeKind) Edge {
	ref := dst.QualifiedName
	return Edge{ID: EdgeID(src.Key, kind, ref), Src: src.Key, Dst: dst.Key, Kind: kind, Ref: ref}
}

// seed commits f -> g (Calls) and returns the nodes.
func seed(t *testing.T, s *Store) (Node, Node) {
	t.Helper()
	f := testNode("a.rs", "crate::f", KindFunction)
	g := testNode("b.rs", "crate::g", KindFunction)
	_, err := s.Upsert(context.Background(), &Delta{
		AddedNodes: []Node{f, g},
		AddedEdges: []Edge{testEdge(f, g, EdgeCalls)},
	})
	require.NoError(t, err)
	return f, g
}

// =============================================================================
// Schema & Lifecycle
// =============================================================================

func TestMigrate_AllTablesExist(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, table := range []string{"files", "nodes", "edges", "generations", "checkpoints", "quarantine", "metadata"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	seed(t, s)

	require.NoError(t, s.Migrate(context.Background()))
	assert.Equal(t, 2, s.Snapshot().NodeCount())
}

func TestOpen_ReloadsHead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "reload.db")

	s, err := Open(ctx, dbPath)
	require.NoError(t, err)
	f, g := seed(t, s)
	before := s.Snapshot()
	require.NoError(t, s.Close())

	s2, err := Open(ctx, dbPath)
	require.NoError(t, err)
	defer s2.Close()

	after := s2.Snapshot()
	assert.Equal(t, before.Generation(), after.Generation())
	assert.Equal(t, before.Nodes(), after.Nodes())
	assert.Equal(t, before.AllEdges(), after.AllEdges())

	got, ok := after.Node(f.Key)
	require.True(t, ok)
	assert.Equal(t, StateCurrent, got.State)
	assert.Len(t, after.Edges(g.Key, Incoming), 1)
}

// =============================================================================
// Upsert
// =============================================================================

func TestUpsert_CreatesGeneration(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	f, g := seed(t, s)

	snap := s.Snapshot()
	assert.Equal(t, int64(1), snap.Generation())

	out := snap.Edges(f.Key, Outgoing)
	require.Len(t, out, 1)
	assert.Equal(t, g.Key, out[0].Dst)
	assert.Equal(t, EdgeCalls, out[0].Kind)

	gens, err := s.Generations(context.Background())
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Equal(t, BranchCurrent, gens[0].Branch)
	assert.Equal(t, 3, gens[0].DeltaSize)
}

func TestUpsert_EmptyDeltaKeepsGeneration(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	seed(t, s)

	gen, err := s.Upsert(context.Background(), &Delta{
		Files: []FileRecord{{Path: "a.rs", Language: "rust", Hash: "h1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen.ID)
	assert.Equal(t, int64(1), s.Head())

	rec, ok, err := s.File(context.Background(), "a.rs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h1", rec.Hash)
	assert.Equal(t, FileClean, rec.Status)
}

func TestUpsert_StaleFileKeepsGeneration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	f := testNode("a.rs", "crate::f", KindFunction)
	_, err := s.Upsert(ctx, &Delta{
		AddedNodes: []Node{f},
		Files:      []FileRecord{{Path: "a.rs", Language: "rust", Hash: "h1"}},
	})
	require.NoError(t, err)
	g := testNode("b.rs", "crate::g", KindFunction)
	_, err = s.Upsert(ctx, &Delta{AddedNodes: []Node{g}})
	require.NoError(t, err)

	_, err = s.Upsert(ctx, &Delta{
		Files: []FileRecord{{Path: "a.rs", Language: "rust", Hash: "h2", Status: FileStale, Error: "syntax"}},
	})
	require.NoError(t, err)

	rec, _, err := s.File(ctx, "a.rs")
	require.NoError(t, err)
	assert.Equal(t, FileStale, rec.Status)
	assert.Equal(t, "syntax", rec.Error)
	assert.Equal(t, int64(1), rec.Generation)
}

func TestUpsert_DanglingEdgeRejectedAndQuarantined(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	f, _ := seed(t, s)

	ghost := testNode("c.rs", "crate::ghost", KindFunction)
	_, err := s.Upsert(ctx, &Delta{AddedEdges: []Edge{testEdge(f, ghost, EdgeCalls)}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDanglingEdge))

	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Len(t, serr.Edges, 1)
	assert.Equal(t, ghost.Key, serr.Edges[0].Dst)

	assert.Equal(t, int64(1), s.Head(), "rejected delta must not commit")

	q, err := s.Quarantined(ctx, 10)
	require.NoError(t, err)
	require.Len(t, q, 1)
	assert.Equal(t, ghost.Key, q[0].Edge.Dst)
}

func TestUpsert_RemovingTargetWithLiveEdgeIsDangling(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	_, g := seed(t, s)

	_, err := s.Upsert(context.Background(), &Delta{RemovedNodes: []Node{g}})
	assert.ErrorIs(t, err, ErrDanglingEdge)
	assert.True(t, s.Snapshot().HasNode(g.Key))
}

func TestUpsert_KeyCollision(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	f, _ := seed(t, s)

	tests := []struct {
		name  string
		delta Delta
	}{
		{
			name: "kind change on existing key",
			delta: Delta{ModifiedNodes: []Node{func() Node {
				n := f
				n.Kind = KindStruct
				return n
			}()}},
		},
		{
			name: "duplicate key with different content",
			delta: func() Delta {
				a := testNode("x.rs", "crate::x", KindFunction)
				b := a
				b.Signature = "fn x(y: u8)"
				return Delta{AddedNodes: []Node{a, b}}
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(context.Background(), &tt.delta)
			assert.ErrorIs(t, err, ErrKeyCollision)
		})
	}
	assert.Equal(t, int64(1), s.Head())
}

func TestUpsert_RetargetKeepsEdgeID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	f, g := seed(t, s)

	old := s.Snapshot().Edges(f.Key, Outgoing)[0]
	ph := Placeholder(g.QualifiedName)
	retargeted := old
	retargeted.Dst = ph.Key

	_, err := s.Upsert(ctx, &Delta{
		AddedNodes:   []Node{ph},
		RemovedNodes: []Node{g},
		AddedEdges:   []Edge{retargeted},
		RemovedEdges: []Edge{old},
	})
	require.NoError(t, err)

	out := s.Snapshot().Edges(f.Key, Outgoing)
	require.Len(t, out, 1)
	assert.Equal(t, ph.Key, out[0].Dst)
	assert.Equal(t, old.ID, out[0].ID)
	assert.False(t, s.Snapshot().HasNode(g.Key))
}

// =============================================================================
// Snapshots & History
// =============================================================================

func TestSnapshot_ImmutableAcrossCommits(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	f, _ := seed(t, s)

	before := s.Snapshot()
	h := testNode("c.rs", "crate::h", KindFunction)
	_, err := s.Upsert(context.Background(), &Delta{
		AddedNodes: []Node{h},
		AddedEdges: []Edge{testEdge(f, h, EdgeCalls)},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, before.NodeCount())
	assert.Len(t, before.Edges(f.Key, Outgoing), 1)
	assert.Len(t, s.Snapshot().Edges(f.Key, Outgoing), 2)
}

func TestSnapshot_EdgesFilterAndOrder(t *testing.T) {
	t.Parallel()
	f := testNode("a.rs", "crate::f", KindFunction)
	g := testNode("a.rs", "crate::g", KindFunction)
	tr := testNode("a.rs", "crate::T", KindTrait)
	snap := NewSnapshot(1, []Node{f, g, tr}, []Edge{
		testEdge(f, g, EdgeCalls),
		testEdge(f, tr, EdgeUses),
		testEdge(g, f, EdgeCalls),
	})

	both := snap.Edges(f.Key, Both)
	require.Len(t, both, 3)
	assert.Equal(t, EdgeCalls, both[0].Kind)
	assert.Equal(t, f.Key, both[0].Src)
	assert.Equal(t, g.Key, both[1].Src)
	assert.Equal(t, EdgeUses, both[2].Kind)

	uses := snap.Edges(f.Key, Outgoing, EdgeUses)
	require.Len(t, uses, 1)
	assert.Equal(t, tr.Key, uses[0].Dst)

	assert.Len(t, snap.NodesByName("g"), 1)
	assert.Len(t, snap.NodesByFile("a.rs"), 3)
	assert.Len(t, snap.EdgesByRefName("T"), 1)
}

func TestSnapshotAt_ReplaysHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	f, _ := seed(t, s)

	h := testNode("c.rs", "crate::h", KindFunction)
	_, err := s.Upsert(ctx, &Delta{AddedNodes: []Node{h}, AddedEdges: []Edge{testEdge(f, h, EdgeCalls)}})
	require.NoError(t, err)

	// Drop the cache so the snapshot is rebuilt from stored deltas.
	s.snaps.Purge()
	g1, err := s.SnapshotAt(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), g1.Generation())
	assert.Equal(t, 2, g1.NodeCount())
	assert.False(t, g1.HasNode(h.Key))

	g0, err := s.SnapshotAt(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, g0.NodeCount())

	_, err = s.SnapshotAt(ctx, 99)
	assert.ErrorIs(t, err, ErrGenerationNotFound)
}

func TestGC_PrunesHistoryAndTombstones(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	f, _ := seed(t, s) // gen 1

	h := testNode("c.rs", "crate::h", KindFunction)
	_, err := s.Upsert(ctx, &Delta{AddedNodes: []Node{h}}) // gen 2
	require.NoError(t, err)
	_, err = s.Upsert(ctx, &Delta{RemovedNodes: []Node{h}}) // gen 3
	require.NoError(t, err)
	k := testNode("d.rs", "crate::k", KindFunction)
	_, err = s.Upsert(ctx, &Delta{AddedNodes: []Node{k}, AddedEdges: []Edge{testEdge(f, k, EdgeCalls)}}) // gen 4
	require.NoError(t, err)

	res, err := s.GC(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Floor)
	assert.Equal(t, int64(2), res.GenerationsPruned)
	assert.Equal(t, int64(1), res.TombstonesPruned)

	_, err = s.SnapshotAt(ctx, 1)
	assert.ErrorIs(t, err, ErrGenerationNotFound)
	_, err = s.SnapshotAt(ctx, 0)
	assert.ErrorIs(t, err, ErrGenerationNotFound)

	s.snaps.Purge()
	g3, err := s.SnapshotAt(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, g3.NodeCount())
	g4, err := s.SnapshotAt(ctx, 4)
	require.NoError(t, err)
	assert.True(t, g4.HasNode(k.Key))
}

// =============================================================================
// Proposals & Diff
// =============================================================================

func TestPropose_DoesNotTouchCurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	f, g := seed(t, s)

	edited := g
	edited.Signature = "fn g(x: u32)"
	created := testNode("c.rs", "crate::h", KindFunction)
	gen, err := s.Propose(ctx, &Delta{
		AddedNodes:    []Node{created},
		ModifiedNodes: []Node{edited},
		AddedEdges:    []Edge{testEdge(f, created, EdgeCalls)},
	})
	require.NoError(t, err)
	assert.Equal(t, BranchProposed, gen.Branch)
	assert.Equal(t, int64(1), gen.Parent)

	assert.Equal(t, int64(1), s.Head())
	assert.False(t, s.Snapshot().HasNode(created.Key))

	p, err := s.Proposed()
	require.NoError(t, err)
	n, ok := p.Node(created.Key)
	require.True(t, ok)
	assert.Equal(t, StateProposed, n.State)
	assert.Equal(t, ActionCreate, n.Action)
	n, _ = p.Node(g.Key)
	assert.Equal(t, ActionEdit, n.Action)

	d, err := s.Diff(ctx, "current", "proposed")
	require.NoError(t, err)
	require.Len(t, d.AddedNodes, 1)
	assert.Equal(t, created.Key, d.AddedNodes[0].Key)
	require.Len(t, d.ModifiedNodes, 1)
	assert.Equal(t, g.Key, d.ModifiedNodes[0].Key)
	assert.Len(t, d.AddedEdges, 1)
	assert.Empty(t, d.RemovedNodes)
}

func TestPropose_DeleteMarksNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	f, g := seed(t, s)

	_, err := s.Propose(ctx, &Delta{
		RemovedNodes: []Node{g},
		RemovedEdges: []Edge{testEdge(f, g, EdgeCalls)},
	})
	require.NoError(t, err)

	p, err := s.Proposed()
	require.NoError(t, err)
	n, ok := p.Node(g.Key)
	require.True(t, ok)
	assert.Equal(t, ActionDelete, n.Action)
	assert.False(t, p.HasNode(g.Key))

	d, err := s.Diff(ctx, "current", "proposed")
	require.NoError(t, err)
	require.Len(t, d.RemovedNodes, 1)
	assert.Equal(t, g.Key, d.RemovedNodes[0].Key)
}

func TestPromote_AppliesProposal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	seed(t, s)

	h := testNode("c.rs", "crate::h", KindFunction)
	pg, err := s.Propose(ctx, &Delta{AddedNodes: []Node{h}})
	require.NoError(t, err)

	gen, err := s.Promote(ctx)
	require.NoError(t, err)
	assert.Greater(t, gen.ID, pg.ID)
	assert.True(t, s.Snapshot().HasNode(h.Key))

	n, _ := s.Snapshot().Node(h.Key)
	assert.Equal(t, StateCurrent, n.State)

	_, err = s.Proposed()
	assert.ErrorIs(t, err, ErrNoProposal)
	_, err = s.Promote(ctx)
	assert.ErrorIs(t, err, ErrNoProposal)

	stored, err := s.Generation(ctx, pg.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPromoted, stored.Status)
}

func TestProposal_SurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "proposal.db")

	s, err := Open(ctx, dbPath)
	require.NoError(t, err)
	seed(t, s)
	h := testNode("c.rs", "crate::h", KindFunction)
	_, err = s.Propose(ctx, &Delta{AddedNodes: []Node{h}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(ctx, dbPath)
	require.NoError(t, err)
	defer s2.Close()
	p, err := s2.Proposed()
	require.NoError(t, err)
	assert.True(t, p.HasNode(h.Key))

	require.NoError(t, s2.Discard(ctx))
	_, err = s2.Proposed()
	assert.ErrorIs(t, err, ErrNoProposal)
}

func TestDiff_OrderedAndSymmetric(t *testing.T) {
	t.Parallel()
	a1 := testNode("a.rs", "crate::a1", KindFunction)
	a2 := testNode("a.rs", "crate::a2", KindFunction)
	b1 := testNode("b.rs", "crate::b1", KindFunction)
	a2mod := a2
	a2mod.Digest = 7

	from := NewSnapshot(1, []Node{a2, a1}, nil)
	to := NewSnapshot(2, []Node{b1, a2mod}, []Edge{testEdge(b1, a2mod, EdgeCalls)})

	d := Diff(from, to)
	require.Len(t, d.AddedNodes, 1)
	assert.Equal(t, b1.Key, d.AddedNodes[0].Key)
	require.Len(t, d.ModifiedNodes, 1)
	assert.Equal(t, a2.Key, d.ModifiedNodes[0].Key)
	require.Len(t, d.RemovedNodes, 1)
	assert.Equal(t, a1.Key, d.RemovedNodes[0].Key)
	assert.Len(t, d.AddedEdges, 1)
	assert.Empty(t, d.RemovedEdges)

	back := Diff(to, from)
	assert.Len(t, back.AddedNodes, 1)
	assert.Len(t, back.RemovedNodes, 1)
	assert.Len(t, back.RemovedEdges, 1)

	assert.True(t, Diff(to, to).Empty())
}

func TestEdgeID_IgnoresDestination(t *testing.T) {
	t.Parallel()
	a := EdgeID("a.rs#Function#crate::f", EdgeCalls, "g")
	b := EdgeID("a.rs#Function#crate::f", EdgeCalls, "g")
	c := EdgeID("a.rs#Function#crate::f", EdgeUses, "g")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)

	sum := sha256.Sum256([]byte("src:a.rs#Function#crate::f\nkind:Calls\nref:g\n"))
	assert.Equal(t, hex.EncodeToString(sum[:16]), a)
}
