package isg

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/jward/isg/internal/store"
	"github.com/jward/isg/internal/vector"
)

// MaxHopsLimit caps traversal depth.
const MaxHopsLimit = 32

// Query error kinds.
const (
	KindUnsupported        = "unsupported"
	KindGenerationNotFound = "generation_not_found"
	KindInvalidParams      = "invalid_params"
	KindInvalidRequest     = "invalid_request"
	KindNotFound           = "not_found"
	KindInternal           = "internal"
)

// QueryError is the error type of every query operation.
type QueryError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *QueryError) Error() string { return e.Kind + ": " + e.Message }

func queryErrorf(kind, format string, args ...any) *QueryError {
	return &QueryError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// asQueryError maps any error to a QueryError.
func asQueryError(err error) *QueryError {
	var qe *QueryError
	switch {
	case errors.As(err, &qe):
		return qe
	case errors.Is(err, store.ErrGenerationNotFound), errors.Is(err, store.ErrNoProposal):
		return &QueryError{Kind: KindGenerationNotFound, Message: err.Error()}
	}
	return &QueryError{Kind: KindInternal, Message: err.Error()}
}

// GenerationRef selects a snapshot: empty or "current" for the head,
// "proposed" for the open proposal, or a generation number. It decodes from
// a JSON string or number.
type GenerationRef string

func (g *GenerationRef) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*g = GenerationRef(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("generation must be a string or number")
	}
	*g = GenerationRef(s)
	return nil
}

// RankedNode is a node with its hop distance from the seeds and a score.
// Distance is -1 for nodes found by similarity alone.
type RankedNode struct {
	Node     store.Node `json:"node"`
	Distance int        `json:"distance"`
	Score    float64    `json:"score"`
}

type RankedNodes struct {
	Generation int64        `json:"generation"`
	Nodes      []RankedNode `json:"nodes"`
}

type TraverseRequest struct {
	Seeds      []string         `json:"seeds"`
	MaxHops    int              `json:"max_hops"`
	Kinds      []store.EdgeKind `json:"kinds,omitempty"`
	Direction  store.Direction  `json:"direction,omitempty"`
	Generation GenerationRef    `json:"generation,omitempty"`
}

type SimilarRequest struct {
	Text       string        `json:"text,omitempty"`
	Embedding  []float32     `json:"embedding,omitempty"`
	K          int           `json:"k,omitempty"`
	Generation GenerationRef `json:"generation,omitempty"`
}

type BlastRequest struct {
	Seeds   []string `json:"seeds"`
	MaxHops int      `json:"max_hops"`
	// Kinds defaults to every dependency edge kind, Contains excluded.
	Kinds      []store.EdgeKind `json:"kinds,omitempty"`
	Generation GenerationRef    `json:"generation,omitempty"`
}

// ImpactMember is one node of a blast radius.
type ImpactMember struct {
	Node       store.Node `json:"node"`
	Distance   int        `json:"distance"`
	Similarity float64    `json:"similarity"`
	Score      float64    `json:"score"`
	Exact      bool       `json:"exact"`
}

type ImpactSet struct {
	Generation int64          `json:"generation"`
	Seeds      []string       `json:"seeds"`
	Members    []ImpactMember `json:"members"`
	// Similarity reports whether the similarity index contributed.
	Similarity bool `json:"similarity"`
}

type NodeDescription struct {
	Generation int64        `json:"generation"`
	Node       store.Node   `json:"node"`
	Outgoing   []store.Edge `json:"outgoing"`
	Incoming   []store.Edge `json:"incoming"`
}

// Query answers read-only questions against a single snapshot per call.
// It is safe for concurrent use and never blocks writers.
type Query struct {
	e *Engine
}

func (e *Engine) Query() *Query { return &Query{e: e} }

// Traverse returns every node within MaxHops of the seeds following edges
// of the given kinds (all when empty) in Direction (outgoing when empty),
// ordered by (distance, key). Placeholder nodes are reported but never
// expanded.
func (q *Query) Traverse(ctx context.Context, req TraverseRequest) (res *RankedNodes, err error) {
	defer q.observe("traverse", time.Now(), &err)

	if err := checkHops(req.MaxHops); err != nil {
		return nil, err
	}
	dir, err := checkDirection(req.Direction)
	if err != nil {
		return nil, err
	}
	if err := checkKinds(req.Kinds); err != nil {
		return nil, err
	}
	snap, err := q.snapshot(ctx, req.Generation)
	if err != nil {
		return nil, err
	}
	seeds, err := resolveSeeds(snap, req.Seeds)
	if err != nil {
		return nil, err
	}

	dist := traverse(snap, seeds, req.MaxHops, dir, req.Kinds)
	res = &RankedNodes{Generation: snap.Generation(), Nodes: make([]RankedNode, 0, len(dist))}
	for key, d := range dist {
		n, _ := snap.Node(key)
		res.Nodes = append(res.Nodes, RankedNode{Node: n, Distance: d, Score: 1 / float64(1+d)})
	}
	slices.SortFunc(res.Nodes, func(a, b RankedNode) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.Node.Key, b.Node.Key))
	})
	return res, nil
}

// Similar returns the K nodes whose summaries are closest to Text or to a
// caller supplied Embedding.
func (q *Query) Similar(ctx context.Context, req SimilarRequest) (res *RankedNodes, err error) {
	defer q.observe("similar", time.Now(), &err)

	ix := q.e.vectors
	if ix == nil {
		return nil, queryErrorf(KindUnsupported, "similarity index is disabled")
	}
	k := req.K
	if k <= 0 {
		k = 10
	}
	if k > 1000 {
		return nil, queryErrorf(KindInvalidParams, "k must be at most 1000")
	}
	vec := req.Embedding
	switch {
	case vec != nil && len(vec) != ix.Dims():
		return nil, queryErrorf(KindInvalidParams, "embedding has %d dimensions, index has %d", len(vec), ix.Dims())
	case vec == nil && strings.TrimSpace(req.Text) == "":
		return nil, queryErrorf(KindInvalidParams, "text or embedding is required")
	case vec == nil:
		vec = ix.Embed(req.Text)
	}
	snap, err := q.snapshot(ctx, req.Generation)
	if err != nil {
		return nil, err
	}

	hits := ix.ViewFor(snap).Search(vec, k, snap.HasNode)
	res = &RankedNodes{Generation: snap.Generation(), Nodes: make([]RankedNode, 0, len(hits))}
	for _, h := range hits {
		n, _ := snap.Node(h.Key)
		res.Nodes = append(res.Nodes, RankedNode{Node: n, Distance: -1, Score: float64(h.Score)})
	}
	return res, nil
}

// BlastRadius returns the nodes a change to the seeds may affect. Every node
// within MaxHops in either direction is a member; similarity only adds
// ranked extras and raises scores.
func (q *Query) BlastRadius(ctx context.Context, req BlastRequest) (res *ImpactSet, err error) {
	defer q.observe("blast_radius", time.Now(), &err)

	if err := checkHops(req.MaxHops); err != nil {
		return nil, err
	}
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = dependencyKinds
	} else if err := checkKinds(kinds); err != nil {
		return nil, err
	}
	snap, err := q.snapshot(ctx, req.Generation)
	if err != nil {
		return nil, err
	}
	seeds, err := resolveSeeds(snap, req.Seeds)
	if err != nil {
		return nil, err
	}

	w := q.e.blast
	dist := traverse(snap, seeds, req.MaxHops, store.Both, kinds)
	res = &ImpactSet{Generation: snap.Generation(), Seeds: seeds, Members: make([]ImpactMember, 0, len(dist))}

	var (
		view     *vector.View
		centroid []float32
	)
	if q.e.vectors != nil {
		view = q.e.vectors.ViewFor(snap)
		centroid = view.Centroid(seeds)
	}
	res.Similarity = centroid != nil
	sim := func(key string) float64 {
		if centroid == nil {
			return 0
		}
		return math.Max(0, float64(view.Similarity(centroid, key)))
	}

	for key, d := range dist {
		n, _ := snap.Node(key)
		s := sim(key)
		res.Members = append(res.Members, ImpactMember{
			Node:       n,
			Distance:   d,
			Similarity: s,
			Score:      w.Exact/float64(1+d) + w.Similarity*s,
			Exact:      true,
		})
	}
	if centroid != nil && w.SimilarK > 0 {
		hits := view.Search(centroid, w.SimilarK, func(key string) bool {
			_, exact := dist[key]
			return !exact && snap.HasNode(key)
		})
		for _, h := range hits {
			if float64(h.Score) < w.MinSimilarity {
				break
			}
			n, _ := snap.Node(h.Key)
			res.Members = append(res.Members, ImpactMember{
				Node:       n,
				Distance:   -1,
				Similarity: float64(h.Score),
				Score:      w.Similarity * float64(h.Score),
			})
		}
	}

	slices.SortFunc(res.Members, func(a, b ImpactMember) int {
		return cmp.Or(
			cmp.Compare(b.Score, a.Score),
			cmp.Compare(hopOrder(a.Distance), hopOrder(b.Distance)),
			cmp.Compare(a.Node.Key, b.Node.Key),
		)
	})
	return res, nil
}

// DescribeNode returns a node with its edges. key may be a qualified name
// shorthand when it matches exactly one node.
func (q *Query) DescribeNode(ctx context.Context, key string, gen GenerationRef) (res *NodeDescription, err error) {
	defer q.observe("describe_node", time.Now(), &err)

	if key == "" {
		return nil, queryErrorf(KindInvalidParams, "key is required")
	}
	snap, err := q.snapshot(ctx, gen)
	if err != nil {
		return nil, err
	}
	keys, err := resolveSeeds(snap, []string{key})
	if err != nil {
		return nil, err
	}
	if len(keys) > 1 {
		return nil, queryErrorf(KindInvalidParams, "%q is ambiguous: %s", key, strings.Join(keys, ", "))
	}
	n, _ := snap.Node(keys[0])
	return &NodeDescription{
		Generation: snap.Generation(),
		Node:       n,
		Outgoing:   snap.Edges(n.Key, store.Outgoing),
		Incoming:   snap.Edges(n.Key, store.Incoming),
	}, nil
}

func (q *Query) observe(op string, start time.Time, err *error) {
	kind := ""
	if *err != nil {
		qe := asQueryError(*err)
		*err = qe
		kind = qe.Kind
	}
	q.e.metrics.Query(op, kind, time.Since(start))
}

func (q *Query) snapshot(ctx context.Context, gen GenerationRef) (*store.Snapshot, error) {
	snap, err := q.e.store.Resolve(ctx, string(gen))
	if err != nil {
		if errors.Is(err, store.ErrGenerationNotFound) || errors.Is(err, store.ErrNoProposal) {
			return nil, queryErrorf(KindGenerationNotFound, "generation %q: %v", gen, err)
		}
		return nil, err
	}
	return snap, nil
}

// dependencyKinds is every edge kind except structural containment.
var dependencyKinds = slices.DeleteFunc(slices.Clone(store.AllEdgeKinds), func(k store.EdgeKind) bool {
	return k == store.EdgeContains
})

func hopOrder(d int) int {
	if d < 0 {
		return math.MaxInt
	}
	return d
}

func checkHops(n int) error {
	if n < 0 || n > MaxHopsLimit {
		return queryErrorf(KindInvalidParams, "max_hops must be within [0,%d], got %d", MaxHopsLimit, n)
	}
	return nil
}

func checkDirection(d store.Direction) (store.Direction, error) {
	switch d {
	case "":
		return store.Outgoing, nil
	case store.Outgoing, store.Incoming, store.Both:
		return d, nil
	}
	return "", queryErrorf(KindInvalidParams, "direction must be out, in or both, got %q", d)
}

func checkKinds(kinds []store.EdgeKind) error {
	for _, k := range kinds {
		if !k.Valid() {
			return queryErrorf(KindInvalidParams, "unknown edge kind %q", k)
		}
	}
	return nil
}

// resolveSeeds maps each seed to node keys. A seed is a node key or a
// qualified name shorthand: "B::f" matches qualified names equal to it or
// ending in "::B::f" or ".B.f". Every match is used.
func resolveSeeds(snap *store.Snapshot, seeds []string) ([]string, error) {
	if len(seeds) == 0 {
		return nil, queryErrorf(KindInvalidParams, "at least one seed is required")
	}
	var keys []string
	for _, s := range seeds {
		if snap.HasNode(s) {
			keys = append(keys, s)
			continue
		}
		matched := false
		dotted := strings.ReplaceAll(s, "::", ".")
		for _, n := range snap.NodesByName(store.RefName(s)) {
			if n.Action == store.ActionDelete {
				continue
			}
			qn := n.QualifiedName
			if qn == s || qn == dotted || hasPathSuffix(qn, s) || hasPathSuffix(qn, dotted) {
				keys = append(keys, n.Key)
				matched = true
			}
		}
		if !matched {
			return nil, queryErrorf(KindNotFound, "no node matches %q", s)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

// traverse runs a breadth-first search from the seeds and returns each
// reached node's hop distance. Placeholders reached on the way are leaves.
func traverse(snap *store.Snapshot, seeds []string, maxHops int, dir store.Direction, kinds []store.EdgeKind) map[string]int {
	dist := make(map[string]int, len(seeds))
	queue := make([]string, 0, len(seeds))
	for _, s := range seeds {
		if _, ok := dist[s]; !ok {
			dist[s] = 0
			queue = append(queue, s)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		d := dist[cur]
		if d >= maxHops {
			continue
		}
		if d > 0 && isPlaceholderKey(cur) {
			continue
		}
		for _, ed := range snap.Edges(cur, dir, kinds...) {
			next := ed.Dst
			if ed.Dst == cur {
				next = ed.Src
			}
			if _, seen := dist[next]; seen || !snap.HasNode(next) {
				continue
			}
			dist[next] = d + 1
			queue = append(queue, next)
		}
	}
	return dist
}
