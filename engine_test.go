package isg

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/isg/internal/extract"
	"github.com/jward/isg/internal/store"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestEngine(t *testing.T, root string, opts ...Option) *Engine {
	t.Helper()
	e, err := Open(context.Background(), root, filepath.Join(t.TempDir(), "graph.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// nodeByQName returns the single non-placeholder node with qname.
func nodeByQName(t *testing.T, snap *store.Snapshot, qname string) store.Node {
	t.Helper()
	var found []store.Node
	for _, n := range snap.NodesByName(store.RefName(qname)) {
		if n.QualifiedName == qname && !n.IsPlaceholder() {
			found = append(found, n)
		}
	}
	require.Len(t, found, 1, "nodes named %s", qname)
	return found[0]
}

func requireNoDangling(t *testing.T, snap *store.Snapshot) {
	t.Helper()
	for _, ed := range snap.AllEdges() {
		require.True(t, snap.HasNode(ed.Src), "edge %s has no source %s", ed.ID, ed.Src)
		require.True(t, snap.HasNode(ed.Dst), "edge %s has no target %s", ed.ID, ed.Dst)
	}
}

func edgesOfKind(snap *store.Snapshot, kind store.EdgeKind) []store.Edge {
	var out []store.Edge
	for _, ed := range snap.AllEdges() {
		if ed.Kind == kind {
			out = append(out, ed)
		}
	}
	return out
}

func countEntities(t *testing.T, root string, rels ...string) int {
	t.Helper()
	reg := extract.DefaultRegistry()
	total := 0
	for _, rel := range rels {
		content, err := os.ReadFile(filepath.Join(root, rel))
		require.NoError(t, err)
		ex, _, _ := reg.For(rel, content)
		ents, err := ex.Extract(context.Background(), rel, content)
		require.NoError(t, err)
		total += len(ents)
	}
	return total
}

// syncBuffer is a bytes.Buffer safe for a logger writing from timers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const (
	srcA = "pub fn f() {}\n"
	srcB = "use crate::a::f;\n\npub fn caller() {\n    f();\n}\n"
	srcC = "pub struct Unrelated;\n"
)

func miniProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"src/a.rs": srcA,
		"src/b.rs": srcB,
		"src/c.rs": srcC,
	})
	return root
}

// =============================================================================
// Open
// =============================================================================

func TestOpen_DefaultDatabase(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	e, err := Open(context.Background(), root, "")
	require.NoError(t, err)
	defer e.Close()

	assert.FileExists(t, filepath.Join(root, ".isg", "graph.db"))
	assert.Equal(t, int64(0), e.Store().Snapshot().Generation())
}

func TestRel(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	e := newTestEngine(t, root)

	rel, err := e.Rel(filepath.Join(root, "src", "a.rs"))
	require.NoError(t, err)
	assert.Equal(t, "src/a.rs", rel)

	rel, err = e.Rel("src/b.rs")
	require.NoError(t, err)
	assert.Equal(t, "src/b.rs", rel)

	_, err = e.Rel(filepath.Dir(root))
	assert.Error(t, err)
}

// =============================================================================
// Ingest scenarios
// =============================================================================

func TestIngest_ThreeFileProject(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root)

	sum, err := e.IngestDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.FilesScanned)
	assert.Equal(t, 3, sum.FilesExtracted)
	assert.Empty(t, sum.Failures)

	snap := e.Store().Snapshot()
	requireNoDangling(t, snap)

	want := countEntities(t, root, "src/a.rs", "src/b.rs", "src/c.rs")
	got := 0
	for _, n := range snap.Nodes() {
		require.False(t, n.IsPlaceholder(), "unexpected placeholder %s", n.Key)
		got++
	}
	assert.Equal(t, want, got)
	assert.Equal(t, want, sum.EntitiesCreated)

	calls := edgesOfKind(snap, store.EdgeCalls)
	require.Len(t, calls, 1)
	src, _ := snap.Node(calls[0].Src)
	dst, _ := snap.Node(calls[0].Dst)
	assert.Equal(t, "src/b.rs", src.File)
	assert.Equal(t, "src/a.rs", dst.File)
	assert.Equal(t, "crate::a::f", dst.QualifiedName)
}

func TestIngest_SecondRunIsEmpty(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root)
	ctx := context.Background()

	_, err := e.IngestDirectory(ctx)
	require.NoError(t, err)
	before := e.Store().Snapshot()

	sum, err := e.IngestDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.FilesSkipped)
	assert.Zero(t, sum.FilesExtracted)

	res, err := e.ProcessChangeset(ctx, []string{"src/a.rs", "src/b.rs"})
	require.NoError(t, err)
	assert.True(t, res.Delta.Empty())
	assert.Equal(t, before.Nodes(), e.Store().Snapshot().Nodes())
}

func TestIngest_PartialFailure(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	writeFiles(t, root, map[string]string{"src/bad.rs": "pub fn broken( {\n"})
	e := newTestEngine(t, root)

	sum, err := e.IngestDirectory(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "src/bad.rs", sum.Failures[0].Path)
	assert.Equal(t, "rust", sum.Failures[0].Language)
	assert.Equal(t, 3, sum.FilesExtracted)

	snap := e.Store().Snapshot()
	requireNoDangling(t, snap)
	assert.Empty(t, snap.NodesByFile("src/bad.rs"))
	nodeByQName(t, snap, "crate::a::f")

	rec, ok, err := e.Store().File(context.Background(), "src/bad.rs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.FileStale, rec.Status)
}

func TestIngest_VanishedFileRemoved(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root)
	ctx := context.Background()

	_, err := e.IngestDirectory(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "src", "c.rs")))

	sum, err := e.IngestDirectory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FilesDeleted)
	assert.Empty(t, e.Store().Snapshot().NodesByFile("src/c.rs"))
}

func TestIngest_Filters(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root, WithFilters(nil, []string{"src/c.rs"}))

	sum, err := e.IngestDirectory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.FilesScanned)
	assert.Empty(t, e.Store().Snapshot().NodesByFile("src/c.rs"))
}

// TestIngest_Corpus runs every testdata project through ingest twice.
func TestIngest_Corpus(t *testing.T) {
	t.Parallel()
	dirs, err := filepath.Glob(filepath.Join("testdata", "go", "*"))
	require.NoError(t, err)
	require.NotEmpty(t, dirs)

	for _, dir := range dirs {
		t.Run(filepath.Base(dir), func(t *testing.T) {
			t.Parallel()
			root, err := filepath.Abs(dir)
			require.NoError(t, err)
			e := newTestEngine(t, root, WithRegistry(extract.DefaultRegistry()))
			ctx := context.Background()

			sum, err := e.IngestDirectory(ctx)
			require.NoError(t, err)
			assert.Empty(t, sum.Failures)
			assert.Positive(t, sum.EntitiesCreated)
			requireNoDangling(t, e.Store().Snapshot())

			again, err := e.IngestDirectory(ctx)
			require.NoError(t, err)
			assert.Equal(t, sum.FilesScanned, again.FilesSkipped)
			assert.Zero(t, again.EntitiesCreated)
		})
	}
}

// =============================================================================
// Changesets
// =============================================================================

func TestChangeset_RenameLeavesPlaceholderUntilCallerUpdates(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root)
	ctx := context.Background()

	_, err := e.IngestDirectory(ctx)
	require.NoError(t, err)
	oldF := nodeByQName(t, e.Store().Snapshot(), "crate::a::f")
	callEdge := edgesOfKind(e.Store().Snapshot(), store.EdgeCalls)[0]

	writeFiles(t, root, map[string]string{"src/a.rs": "pub fn g() {}\n"})
	_, err = e.ProcessChangeset(ctx, []string{"src/a.rs"})
	require.NoError(t, err)

	snap := e.Store().Snapshot()
	requireNoDangling(t, snap)
	g := nodeByQName(t, snap, "crate::a::g")
	assert.NotEqual(t, oldF.Digest, g.Digest)
	assert.False(t, snap.HasNode(oldF.Key))

	calls := edgesOfKind(snap, store.EdgeCalls)
	require.Len(t, calls, 1)
	assert.Equal(t, callEdge.ID, calls[0].ID, "retargeting keeps the edge id")
	dst, ok := snap.Node(calls[0].Dst)
	require.True(t, ok)
	assert.True(t, dst.IsPlaceholder())
	assert.Equal(t, store.KindUnknown, dst.Kind)

	writeFiles(t, root, map[string]string{"src/b.rs": "use crate::a::g;\n\npub fn caller() {\n    g();\n}\n"})
	_, err = e.ProcessChangeset(ctx, []string{"src/b.rs"})
	require.NoError(t, err)

	snap = e.Store().Snapshot()
	requireNoDangling(t, snap)
	calls = edgesOfKind(snap, store.EdgeCalls)
	require.Len(t, calls, 1)
	assert.Equal(t, g.Key, calls[0].Dst)
	for _, n := range snap.Nodes() {
		assert.False(t, n.IsPlaceholder(), "orphaned placeholder %s kept", n.Key)
	}
}

func TestChangeset_PlaceholderResolvesWhenTargetAppears(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"src/b.rs": srcB})
	e := newTestEngine(t, root)
	ctx := context.Background()

	_, err := e.ProcessChangeset(ctx, []string{"src/b.rs"})
	require.NoError(t, err)
	calls := edgesOfKind(e.Store().Snapshot(), store.EdgeCalls)
	require.Len(t, calls, 1)
	assert.Equal(t, store.PlaceholderKey("crate::a::f"), calls[0].Dst)

	writeFiles(t, root, map[string]string{"src/a.rs": srcA})
	res, err := e.ProcessChangeset(ctx, []string{"src/a.rs"})
	require.NoError(t, err)

	snap := e.Store().Snapshot()
	requireNoDangling(t, snap)
	f := nodeByQName(t, snap, "crate::a::f")
	calls = edgesOfKind(snap, store.EdgeCalls)
	require.Len(t, calls, 1)
	assert.Equal(t, f.Key, calls[0].Dst)
	assert.False(t, snap.HasNode(store.PlaceholderKey("crate::a::f")))
	require.Len(t, res.Delta.RemovedNodes, 1)
	assert.True(t, res.Delta.RemovedNodes[0].IsPlaceholder())
}

func TestChangeset_OrderIndependent(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	ctx := context.Background()

	forward := newTestEngine(t, root)
	for _, p := range []string{"src/a.rs", "src/b.rs", "src/c.rs"} {
		_, err := forward.ProcessChangeset(ctx, []string{p})
		require.NoError(t, err)
	}
	backward := newTestEngine(t, root)
	for _, p := range []string{"src/c.rs", "src/b.rs", "src/a.rs"} {
		_, err := backward.ProcessChangeset(ctx, []string{p})
		require.NoError(t, err)
	}
	bulk := newTestEngine(t, root)
	_, err := bulk.IngestDirectory(ctx)
	require.NoError(t, err)

	want := bulk.Store().Snapshot()
	for _, e := range []*Engine{forward, backward} {
		got := e.Store().Snapshot()
		assert.Equal(t, want.Nodes(), got.Nodes())
		assert.Equal(t, want.AllEdges(), got.AllEdges())
	}
}

func TestChangeset_DeletedFile(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root)
	ctx := context.Background()

	_, err := e.IngestDirectory(ctx)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, "src", "a.rs")))

	res, err := e.ProcessChangeset(ctx, []string{filepath.Join(root, "src", "a.rs")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	snap := e.Store().Snapshot()
	requireNoDangling(t, snap)
	assert.Empty(t, snap.NodesByFile("src/a.rs"))
	calls := edgesOfKind(snap, store.EdgeCalls)
	require.Len(t, calls, 1)
	assert.True(t, isPlaceholderKey(calls[0].Dst))

	_, ok, err := e.Store().File(ctx, "src/a.rs")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChangeset_FailedFileKeepsNodes(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root)
	ctx := context.Background()

	_, err := e.IngestDirectory(ctx)
	require.NoError(t, err)
	before := e.Store().Snapshot()

	writeFiles(t, root, map[string]string{"src/a.rs": "pub fn f( {\n"})
	res, err := e.ProcessChangeset(ctx, []string{"src/a.rs"})
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.True(t, res.Delta.Empty())

	after := e.Store().Snapshot()
	assert.Equal(t, before.Nodes(), after.Nodes())
	assert.Equal(t, before.AllEdges(), after.AllEdges())

	// Restoring the old content re-extracts: the stale record never skips.
	writeFiles(t, root, map[string]string{"src/a.rs": srcA})
	res, err = e.ProcessChangeset(ctx, []string{"src/a.rs"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Extracted)
	rec, _, err := e.Store().File(ctx, "src/a.rs")
	require.NoError(t, err)
	assert.Equal(t, store.FileClean, rec.Status)
}

func TestChangeset_OutsideRoot(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, t.TempDir())
	_, err := e.ProcessChangeset(context.Background(), []string{"/definitely/elsewhere.rs"})
	assert.Error(t, err)
}

func TestChangeset_ProposeAndPromote(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root)
	ctx := context.Background()

	_, err := e.IngestDirectory(ctx)
	require.NoError(t, err)
	head := e.Store().Snapshot().Generation()

	writeFiles(t, root, map[string]string{"src/c.rs": srcC + "pub fn extra() {}\n"})
	res, err := e.ProposeChangeset(ctx, []string{"src/c.rs"})
	require.NoError(t, err)
	assert.Equal(t, store.BranchProposed, res.Generation.Branch)
	assert.Equal(t, head, e.Store().Snapshot().Generation(), "proposal leaves the head alone")

	proposed, err := e.Store().Proposed()
	require.NoError(t, err)
	extra := nodeByQName(t, proposed, "crate::c::extra")
	assert.Equal(t, store.StateProposed, extra.State)
	assert.Equal(t, store.ActionCreate, extra.Action)
	assert.False(t, e.Store().Snapshot().HasNode(extra.Key))

	gen, err := e.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.BranchCurrent, gen.Branch)
	assert.True(t, e.Store().Snapshot().HasNode(extra.Key))

	_, err = e.Promote(ctx)
	assert.ErrorIs(t, err, store.ErrNoProposal)
}

func TestChangeset_CancelledContext(t *testing.T) {
	t.Parallel()
	root := miniProject(t)
	e := newTestEngine(t, root)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.ProcessChangeset(ctx, []string{"src/a.rs"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), e.Store().Snapshot().Generation())
}
