package store

import (
	"slices"
	"sort"
	"strings"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"
)

// Snapshot is an immutable view of the graph at one generation. Its maps are
// persistent: a commit shares every untouched path with the snapshot it was
// derived from, so deriving costs what the delta touches rather than what
// the graph holds.
type Snapshot struct {
	generation int64
	branch     string

	nodes  *immutable.SortedMap[string, *Node]
	edges  *immutable.Map[EdgeKey, *Edge]
	out    *immutable.Map[string, []EdgeKey]
	in     *immutable.Map[string, []EdgeKey]
	byName *immutable.Map[string, []string]
	byFile *immutable.Map[string, []string]
	byRef  *immutable.Map[string, []EdgeKey]
}

// edgeKeyHasher hashes EdgeKey values for immutable.Map.
type edgeKeyHasher struct{}

func (edgeKeyHasher) Hash(k EdgeKey) uint32 {
	d := xxhash.New()
	_, _ = d.WriteString(k.Src)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(k.Dst)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(string(k.Kind))
	return uint32(d.Sum64())
}

func (edgeKeyHasher) Equal(a, b EdgeKey) bool { return a == b }

func emptySnapshot() *Snapshot {
	return &Snapshot{
		branch: BranchCurrent,
		nodes:  immutable.NewSortedMap[string, *Node](nil),
		edges:  immutable.NewMap[EdgeKey, *Edge](edgeKeyHasher{}),
		out:    immutable.NewMap[string, []EdgeKey](nil),
		in:     immutable.NewMap[string, []EdgeKey](nil),
		byName: immutable.NewMap[string, []string](nil),
		byFile: immutable.NewMap[string, []string](nil),
		byRef:  immutable.NewMap[string, []EdgeKey](nil),
	}
}

// NewSnapshot builds a snapshot from explicit node and edge lists. Used for
// loading and in tests.
func NewSnapshot(generation int64, nodes []Node, edges []Edge) *Snapshot {
	s := emptySnapshot()
	s.generation = generation
	for i := range nodes {
		s.putNode(&nodes[i])
	}
	for i := range edges {
		s.putEdge(&edges[i])
	}
	return s
}

func (s *Snapshot) Generation() int64 { return s.generation }
func (s *Snapshot) Branch() string    { return s.branch }
func (s *Snapshot) NodeCount() int    { return s.nodes.Len() }
func (s *Snapshot) EdgeCount() int    { return s.edges.Len() }

func (s *Snapshot) node(key string) (*Node, bool) { return s.nodes.Get(key) }

// Node returns a copy of the node stored under key.
func (s *Snapshot) Node(key string) (Node, bool) {
	n, ok := s.nodes.Get(key)
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// HasNode reports whether key is present and not marked for deletion.
func (s *Snapshot) HasNode(key string) bool {
	n, ok := s.nodes.Get(key)
	return ok && n.Action != ActionDelete
}

// Nodes returns all nodes ordered by key.
func (s *Snapshot) Nodes() []Node {
	out := make([]Node, 0, s.nodes.Len())
	for it := s.nodes.Iterator(); !it.Done(); {
		_, n, _ := it.Next()
		out = append(out, *n)
	}
	return out
}

// NodesByName returns nodes with the given short name, ordered by key.
func (s *Snapshot) NodesByName(name string) []Node {
	keys, _ := s.byName.Get(name)
	return s.collect(keys)
}

// NodesByFile returns nodes defined in file, ordered by key.
func (s *Snapshot) NodesByFile(file string) []Node {
	keys, _ := s.byFile.Get(file)
	return s.collect(keys)
}

func (s *Snapshot) collect(keys []string) []Node {
	sorted := slices.Sorted(slices.Values(keys))
	out := make([]Node, 0, len(sorted))
	for _, k := range sorted {
		if n, ok := s.nodes.Get(k); ok {
			out = append(out, *n)
		}
	}
	return out
}

// Files lists the files with at least one node.
func (s *Snapshot) Files() []string {
	out := make([]string, 0, s.byFile.Len())
	for it := s.byFile.Iterator(); !it.Done(); {
		f, _, _ := it.Next()
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Edges returns edges touching key in the given direction, filtered to kinds
// when any are given. Results are ordered by (kind, src, dst).
func (s *Snapshot) Edges(key string, dir Direction, kinds ...EdgeKind) []Edge {
	var keys []EdgeKey
	if dir == Outgoing || dir == Both || dir == "" {
		out, _ := s.out.Get(key)
		keys = append(keys, out...)
	}
	if dir == Incoming || dir == Both || dir == "" {
		in, _ := s.in.Get(key)
		for _, ek := range in {
			if ek.Src == key && ek.Dst == key && dir != Incoming {
				continue // self-loop already listed
			}
			keys = append(keys, ek)
		}
	}
	out := make([]Edge, 0, len(keys))
	for _, ek := range keys {
		e, ok := s.edges.Get(ek)
		if !ok || (len(kinds) > 0 && !slices.Contains(kinds, e.Kind)) {
			continue
		}
		out = append(out, *e)
	}
	sortEdges(out)
	return out
}

func (s *Snapshot) edge(k EdgeKey) (*Edge, bool) { return s.edges.Get(k) }

// Edge returns the edge stored under k.
func (s *Snapshot) Edge(k EdgeKey) (Edge, bool) {
	e, ok := s.edges.Get(k)
	if !ok {
		return Edge{}, false
	}
	return *e, true
}

// AllEdges returns every edge ordered by (kind, src, dst).
func (s *Snapshot) AllEdges() []Edge {
	out := make([]Edge, 0, s.edges.Len())
	for it := s.edges.Iterator(); !it.Done(); {
		_, e, _ := it.Next()
		out = append(out, *e)
	}
	sortEdges(out)
	return out
}

// EdgesByRefName returns edges whose reference text ends in name.
func (s *Snapshot) EdgesByRefName(name string) []Edge {
	keys, _ := s.byRef.Get(name)
	out := make([]Edge, 0, len(keys))
	for _, ek := range keys {
		if e, ok := s.edges.Get(ek); ok {
			out = append(out, *e)
		}
	}
	sortEdges(out)
	return out
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Src != b.Src {
			return a.Src < b.Src
		}
		return a.Dst < b.Dst
	})
}

// RefName returns the last path segment of a reference, the part that has
// to match a node name.
func RefName(ref string) string {
	if i := strings.LastIndex(ref, "::"); i >= 0 {
		ref = ref[i+2:]
	}
	if i := strings.LastIndex(ref, "."); i >= 0 {
		ref = ref[i+1:]
	}
	return ref
}

// --- persistent mutation ---
//
// The mutators below replace fields of s with new map versions. They are only
// called on a snapshot nobody else can see yet: a fresh one, or the shallow
// copy made by apply. Slices stored in the maps are shared and are replaced,
// never mutated in place.

func (s *Snapshot) putNode(n *Node) {
	if old, ok := s.nodes.Get(n.Key); ok {
		s.dropNodeIndexes(old)
	}
	cp := *n
	cp.Generics = nilIfEmpty(cp.Generics)
	cp.WhereBounds = nilIfEmpty(cp.WhereBounds)
	cp.Derives = nilIfEmpty(cp.Derives)
	s.nodes = s.nodes.Set(n.Key, &cp)
	s.byName = appendAt(s.byName, n.Name, n.Key)
	if n.File != "" {
		s.byFile = appendAt(s.byFile, n.File, n.Key)
	}
}

func (s *Snapshot) deleteNode(key string) {
	old, ok := s.nodes.Get(key)
	if !ok {
		return
	}
	s.dropNodeIndexes(old)
	s.nodes = s.nodes.Delete(key)
}

func (s *Snapshot) dropNodeIndexes(n *Node) {
	s.byName = removeAt(s.byName, n.Name, n.Key)
	if n.File != "" {
		s.byFile = removeAt(s.byFile, n.File, n.Key)
	}
}

func (s *Snapshot) putEdge(e *Edge) {
	ek := e.EdgeKey()
	if _, ok := s.edges.Get(ek); ok {
		s.deleteEdge(ek)
	}
	cp := *e
	s.edges = s.edges.Set(ek, &cp)
	s.out = appendAt(s.out, e.Src, ek)
	s.in = appendAt(s.in, e.Dst, ek)
	if e.Ref != "" {
		s.byRef = appendAt(s.byRef, RefName(e.Ref), ek)
	}
}

func (s *Snapshot) deleteEdge(ek EdgeKey) {
	e, ok := s.edges.Get(ek)
	if !ok {
		return
	}
	s.edges = s.edges.Delete(ek)
	s.out = removeAt(s.out, ek.Src, ek)
	s.in = removeAt(s.in, ek.Dst, ek)
	if e.Ref != "" {
		s.byRef = removeAt(s.byRef, RefName(e.Ref), ek)
	}
}

// apply returns a new snapshot with d applied. With proposed set, nodes are
// marked Proposed and removals are kept as Delete-marked nodes.
func (s *Snapshot) apply(d *Delta, generation int64, proposed bool) *Snapshot {
	cp := *s
	next := &cp
	next.generation = generation
	if proposed {
		next.branch = BranchProposed
	}

	for _, e := range d.RemovedEdges {
		next.deleteEdge(e.EdgeKey())
	}
	for i := range d.RemovedNodes {
		n := d.RemovedNodes[i]
		if proposed {
			n.State, n.Action = StateProposed, ActionDelete
			next.putNode(&n)
			continue
		}
		next.deleteNode(n.Key)
	}
	for i := range d.AddedNodes {
		n := d.AddedNodes[i]
		n.State, n.Action = StateCurrent, ActionNone
		if proposed {
			n.State, n.Action = StateProposed, ActionCreate
		}
		next.putNode(&n)
	}
	for i := range d.ModifiedNodes {
		n := d.ModifiedNodes[i]
		n.State, n.Action = StateCurrent, ActionNone
		if proposed {
			n.State, n.Action = StateProposed, ActionEdit
		}
		next.putNode(&n)
	}
	for i := range d.AddedEdges {
		next.putEdge(&d.AddedEdges[i])
	}
	for i := range d.ModifiedEdges {
		next.putEdge(&d.ModifiedEdges[i])
	}
	return next
}

func nilIfEmpty(ss []string) []string {
	if len(ss) == 0 {
		return nil
	}
	return ss
}

func appendAt[K comparable, V any](m *immutable.Map[K, []V], k K, v V) *immutable.Map[K, []V] {
	cur, _ := m.Get(k)
	return m.Set(k, append(slices.Clip(cur), v))
}

func removeAt[K, V comparable](m *immutable.Map[K, []V], k K, v V) *immutable.Map[K, []V] {
	cur, ok := m.Get(k)
	if !ok {
		return m
	}
	out := make([]V, 0, len(cur))
	for _, x := range cur {
		if x != v {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return m.Delete(k)
	}
	return m.Set(k, out)
}
