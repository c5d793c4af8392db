package isg

import (
	"cmp"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/jward/isg/internal/canon"
	"github.com/jward/isg/internal/store"
)

// pendingEdge is a relation hint waiting for symbol resolution.
type pendingEdge struct {
	src   *store.Node
	kind  store.EdgeKind
	ref   string
	attrs store.EdgeAttrs
}

// materialize turns one file's raw entities into nodes, containment edges
// and unresolved relations. Entities sharing kind and qualified name get an
// ordinal so their keys stay distinct.
func (e *Engine) materialize(fr *fileResult) ([]store.Node, []store.Edge, []pendingEdge) {
	ents := fr.entities
	nodes := make([]store.Node, len(ents))
	ordinals := map[string]int{}
	for i, raw := range ents {
		qname := raw.QualifiedName
		if qname == "" {
			qname = raw.Name
		}
		id := string(raw.Kind) + "#" + qname
		ord := ordinals[id]
		ordinals[id]++

		n := store.Node{
			Key:           store.NodeKey(fr.path, raw.Kind, qname, ord),
			Kind:          raw.Kind,
			Name:          raw.Name,
			QualifiedName: qname,
			File:          fr.path,
			Language:      fr.language,
			StartLine:     raw.StartLine,
			EndLine:       raw.EndLine,
			Visibility:    raw.Visibility,
			Flags:         raw.Flags,
			ModulePath:    raw.ModulePath,
			Generics:      raw.Generics,
			Derives:       raw.Derives,
			State:         store.StateCurrent,
			Action:        store.ActionNone,
		}
		if raw.Signature != "" {
			c := canon.Canonicalize(raw.Signature, canon.Context{
				Language:   fr.language,
				ModulePath: raw.ModulePath,
				Imports:    raw.Imports,
				Generics:   raw.Generics,
			})
			n.Signature, n.Digest = c.Canonical, c.Digest
			n.Generics, n.WhereBounds = c.Generics, c.WhereBounds
			if c.Degraded {
				n.Flags |= store.FlagDegraded
				e.logger.Warn("signature canonicalization degraded", "file", fr.path, "entity", qname)
			}
		}
		n.DocFirstLine, n.DocHash = canon.DocFingerprint(raw.Doc)
		nodes[i] = n
	}

	var contains []store.Edge
	var pending []pendingEdge
	for i, raw := range ents {
		if p := raw.Parent; p > 0 && p <= len(nodes) && p-1 != i {
			src, dst := nodes[p-1].Key, nodes[i].Key
			contains = append(contains, store.Edge{
				ID:   store.EdgeID(src, store.EdgeContains, dst),
				Src:  src,
				Dst:  dst,
				Kind: store.EdgeContains,
			})
		}
		for _, rel := range raw.Relations {
			if rel.Target == "" || rel.Kind == store.EdgeContains {
				continue
			}
			pending = append(pending, pendingEdge{
				src:   &nodes[i],
				kind:  rel.Kind,
				ref:   expandRef(rel.Target, raw.Imports, fr.language),
				attrs: rel.Attrs,
			})
		}
	}
	return nodes, contains, pending
}

// expandRef rewrites the leading segment of ref through the file's imports,
// so `sq.Open` becomes `sql.Open` and a `use`d name its full path.
func expandRef(ref string, imports map[string]string, language string) string {
	sep := "::"
	i := strings.Index(ref, sep)
	if i < 0 {
		sep = "."
		i = strings.Index(ref, sep)
	}
	head, rest := ref, ""
	if i >= 0 {
		head, rest = ref[:i], ref[i+len(sep):]
	}
	full, ok := imports[head]
	if !ok || full == "" {
		return ref
	}
	if language == "go" {
		full = path.Base(full)
	}
	switch {
	case rest == "":
		return full
	case full == head:
		return ref
	}
	return full + sep + rest
}

// resolver picks the target node for a reference out of the snapshot with
// the changeset applied: base nodes of replaced files are invisible and the
// changeset's nodes are added.
type resolver struct {
	base     *store.Snapshot
	replaced map[string]bool
	added    map[string][]*store.Node
}

func (r *resolver) candidates(name string) []store.Node {
	var out []store.Node
	for _, n := range r.base.NodesByName(name) {
		if n.IsPlaceholder() || r.replaced[n.File] || n.Action == store.ActionDelete {
			continue
		}
		out = append(out, n)
	}
	for _, n := range r.added[name] {
		out = append(out, *n)
	}
	return out
}

// resolve returns the key of the best node for ref, or false when nothing
// qualifies. Preference: exact qualified name, a node of the expected kind
// over a structural fallback node, same file as src, same module as src,
// then the smallest key.
func (r *resolver) resolve(ref string, kind store.EdgeKind, src *store.Node) (string, bool) {
	target := trimRelative(ref)
	name := store.RefName(target)
	qualified := target != name

	var (
		best     string
		bestRank [4]int
		found    bool
	)
	for _, c := range r.candidates(name) {
		if !accepts(kind, c.Kind) {
			continue
		}
		exact := c.QualifiedName == target
		if qualified && !exact && !hasPathSuffix(c.QualifiedName, target) {
			continue
		}
		rank := [4]int{
			boolRank(exact),
			boolRank(c.Kind != store.KindUnknown),
			boolRank(c.File == src.File),
			boolRank(c.ModulePath != "" && c.ModulePath == src.ModulePath),
		}
		if !found || slices.Compare(rank[:], bestRank[:]) < 0 || (rank == bestRank && c.Key < best) {
			best, bestRank, found = c.Key, rank, true
		}
	}
	return best, found
}

func boolRank(b bool) int {
	if b {
		return 0
	}
	return 1
}

// trimRelative drops receiver and relative-module prefixes that carry no
// information once names are matched by suffix.
func trimRelative(ref string) string {
	for {
		switch {
		case strings.HasPrefix(ref, "self::"):
			ref = ref[len("self::"):]
		case strings.HasPrefix(ref, "Self::"):
			ref = ref[len("Self::"):]
		case strings.HasPrefix(ref, "super::"):
			ref = ref[len("super::"):]
		case strings.HasPrefix(ref, "self."):
			ref = ref[len("self."):]
		case strings.HasPrefix(ref, "cls."):
			ref = ref[len("cls."):]
		default:
			return ref
		}
	}
}

func hasPathSuffix(qname, ref string) bool {
	return strings.HasSuffix(qname, "::"+ref) || strings.HasSuffix(qname, "."+ref)
}

// accepts reports whether an edge of kind may point at a node of nk.
// Structural fallback nodes stand in for any kind.
func accepts(kind store.EdgeKind, nk store.NodeKind) bool {
	switch nk {
	case store.KindUnknown:
		return true
	case store.KindModule, store.KindImplBlock:
		return kind == store.EdgeReexports
	}
	switch kind {
	case store.EdgeCalls:
		return nk == store.KindFunction || nk == store.KindMethod
	case store.EdgeImplements, store.EdgeRequires:
		return nk == store.KindTrait || nk == store.KindStruct
	case store.EdgeDerives:
		return nk == store.KindTrait
	case store.EdgeUses, store.EdgeDefinesAssocType:
		return nk == store.KindStruct || nk == store.KindEnum || nk == store.KindTrait
	case store.EdgeReexports:
		return true
	}
	return false
}

// buildDelta computes the graph delta for a batch of file results against
// base. Replaced files (re-extracted or deleted) swap their nodes and
// outgoing edges wholesale. Edges from other files whose target name was
// added or removed are resolved again, which retargets them between
// placeholders and real nodes without changing their IDs. Placeholders
// nobody points at any more are removed.
func (e *Engine) buildDelta(base *store.Snapshot, results []fileResult) *store.Delta {
	d := &store.Delta{}
	r := &resolver{base: base, replaced: map[string]bool{}, added: map[string][]*store.Node{}}
	newNodes := map[string]*store.Node{}
	next := map[store.EdgeKey]store.Edge{}
	var pending []pendingEdge

	for i := range results {
		fr := &results[i]
		switch {
		case fr.skipped:
		case fr.deleted:
			r.replaced[fr.path] = true
			d.RemovedFiles = append(d.RemovedFiles, fr.path)
		case fr.err != nil:
			d.Files = append(d.Files, store.FileRecord{
				Path:     fr.path,
				Language: fr.language,
				Hash:     fr.hash,
				Status:   store.FileStale,
				Error:    fr.err.Error(),
			})
		default:
			r.replaced[fr.path] = true
			d.Files = append(d.Files, store.FileRecord{
				Path:     fr.path,
				Language: fr.language,
				Hash:     fr.hash,
				Status:   store.FileClean,
			})
			nodes, contains, rels := e.materialize(fr)
			for j := range nodes {
				n := &nodes[j]
				newNodes[n.Key] = n
				r.added[n.Name] = append(r.added[n.Name], n)
			}
			for _, c := range contains {
				putEdge(next, c)
			}
			pending = append(pending, rels...)
		}
	}

	for _, p := range pending {
		dst, ok := r.resolve(p.ref, p.kind, p.src)
		if !ok {
			dst = store.PlaceholderKey(p.ref)
		}
		putEdge(next, store.Edge{
			ID:    store.EdgeID(p.src.Key, p.kind, p.ref),
			Src:   p.src.Key,
			Dst:   dst,
			Kind:  p.kind,
			Attrs: p.attrs,
			Ref:   p.ref,
		})
	}

	// What the replaced files contributed before.
	oldNodes := map[string]store.Node{}
	prevEdges := map[store.EdgeKey]store.Edge{}
	for _, f := range slices.Sorted(maps.Keys(r.replaced)) {
		for _, n := range base.NodesByFile(f) {
			oldNodes[n.Key] = n
			for _, ed := range base.Edges(n.Key, store.Outgoing) {
				prevEdges[ed.EdgeKey()] = ed
			}
		}
	}

	for key, n := range newNodes {
		old, ok := oldNodes[key]
		switch {
		case !ok:
			d.AddedNodes = append(d.AddedNodes, *n)
		case !old.SameContent(n):
			d.ModifiedNodes = append(d.ModifiedNodes, *n)
		}
	}
	removedKeys := map[string]bool{}
	for key, old := range oldNodes {
		if _, ok := newNodes[key]; !ok {
			d.RemovedNodes = append(d.RemovedNodes, old)
			removedKeys[key] = true
		}
	}

	added := map[store.EdgeKey]store.Edge{}
	removed := map[store.EdgeKey]store.Edge{}
	for k, ed := range next {
		old, ok := prevEdges[k]
		switch {
		case !ok:
			added[k] = ed
		case old != ed:
			d.ModifiedEdges = append(d.ModifiedEdges, ed)
		}
	}
	for k, old := range prevEdges {
		if _, ok := next[k]; !ok {
			removed[k] = old
		}
	}

	e.reconcile(base, r, newNodes, oldNodes, removedKeys, added, removed)

	// Placeholders: create the ones new edges need, drop the ones left
	// without incoming edges.
	needed := map[string]string{}
	for _, list := range [][]store.Edge{slices.Collect(maps.Values(added)), d.ModifiedEdges} {
		for _, ed := range list {
			if isPlaceholderKey(ed.Dst) {
				needed[ed.Dst] = ed.Ref
			}
		}
	}
	for key, ref := range needed {
		if !base.HasNode(key) {
			d.AddedNodes = append(d.AddedNodes, store.Placeholder(ref))
		}
	}
	orphans := map[string]bool{}
	for _, ed := range removed {
		if isPlaceholderKey(ed.Dst) {
			if _, ok := needed[ed.Dst]; !ok {
				orphans[ed.Dst] = true
			}
		}
	}
	for key := range orphans {
		alive := false
		for _, ed := range base.Edges(key, store.Incoming) {
			if _, gone := removed[ed.EdgeKey()]; !gone {
				alive = true
				break
			}
		}
		if !alive {
			if n, ok := base.Node(key); ok {
				d.RemovedNodes = append(d.RemovedNodes, n)
			}
		}
	}

	d.AddedEdges = slices.Collect(maps.Values(added))
	d.RemovedEdges = slices.Collect(maps.Values(removed))
	sortNodes(d.AddedNodes)
	sortNodes(d.ModifiedNodes)
	sortNodes(d.RemovedNodes)
	sortEdges(d.AddedEdges)
	sortEdges(d.ModifiedEdges)
	sortEdges(d.RemovedEdges)
	d.Normalize()
	return d
}

// reconcile resolves again every edge from outside the replaced files that
// could be affected: edges whose reference names a node that appeared or
// disappeared, and edges into removed nodes.
func (e *Engine) reconcile(base *store.Snapshot, r *resolver, newNodes map[string]*store.Node, oldNodes map[string]store.Node,
	removedKeys map[string]bool, added, removed map[store.EdgeKey]store.Edge) {
	names := map[string]bool{}
	for _, n := range newNodes {
		names[n.Name] = true
	}
	for _, n := range oldNodes {
		names[n.Name] = true
	}

	var recheck []store.Edge
	for _, name := range slices.Sorted(maps.Keys(names)) {
		recheck = append(recheck, base.EdgesByRefName(name)...)
	}
	for _, key := range slices.Sorted(maps.Keys(removedKeys)) {
		recheck = append(recheck, base.Edges(key, store.Incoming)...)
	}
	slices.SortFunc(recheck, func(a, b store.Edge) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Src, b.Src), cmp.Compare(a.Dst, b.Dst))
	})
	recheck = slices.CompactFunc(recheck, func(a, b store.Edge) bool { return a.EdgeKey() == b.EdgeKey() })

	for _, ed := range recheck {
		src, ok := base.Node(ed.Src)
		if !ok || r.replaced[src.File] {
			continue
		}
		if ed.Ref == "" {
			if removedKeys[ed.Dst] {
				removed[ed.EdgeKey()] = ed
			}
			continue
		}
		dst, found := r.resolve(ed.Ref, ed.Kind, &src)
		if !found {
			dst = store.PlaceholderKey(ed.Ref)
		}
		if dst == ed.Dst {
			continue
		}
		removed[ed.EdgeKey()] = ed
		moved := ed
		moved.Dst = dst
		k := moved.EdgeKey()
		if _, dup := added[k]; dup {
			continue
		}
		if _, exists := base.Edge(k); exists {
			if _, gone := removed[k]; !gone {
				continue
			}
		}
		added[k] = moved
		e.logger.Debug("edge retargeted", "src", ed.Src, "kind", ed.Kind, "from", ed.Dst, "to", dst)
	}
}

// putEdge keeps one edge per (src, dst, kind); between two references that
// land on the same target the lexically smaller one wins.
func putEdge(m map[store.EdgeKey]store.Edge, ed store.Edge) {
	if old, ok := m[ed.EdgeKey()]; ok && old.Ref <= ed.Ref {
		return
	}
	m[ed.EdgeKey()] = ed
}

func isPlaceholderKey(key string) bool {
	return strings.HasPrefix(key, store.PlaceholderKey(""))
}

func sortNodes(nodes []store.Node) {
	slices.SortFunc(nodes, func(a, b store.Node) int { return cmp.Compare(a.Key, b.Key) })
}

func sortEdges(edges []store.Edge) {
	slices.SortFunc(edges, func(a, b store.Edge) int {
		return cmp.Or(cmp.Compare(a.Kind, b.Kind), cmp.Compare(a.Src, b.Src), cmp.Compare(a.Dst, b.Dst))
	})
}
