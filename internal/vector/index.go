// Package vector is an optional similarity index over node summaries.
//
// Embeddings are feature-hashed: every token of a node's qualified name,
// canonical signature and doc first line is hashed into one of Dims buckets
// with a sign taken from the hash, and the vector is L2-normalized so the
// dot product is the cosine similarity. The index is versioned. Updates
// derive a new version from the old one on a persistent map and publish it
// with an atomic swap, so searches never wait for a rebuild and an update
// costs what the delta touches. A query reads exactly one View.
package vector

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/viterin/vek/vek32"

	"github.com/jward/isg/internal/store"
)

const DefaultDims = 256

// Hit is one search result.
type Hit struct {
	Key   string  `json:"key"`
	Score float32 `json:"score"`
}

// View is an immutable set of node vectors: a published version of the
// index, or the vectors of a snapshot the index does not reflect.
type View struct {
	id         int64
	generation int64
	dims       int
	vecs       *immutable.Map[string, []float32]
}

// Index holds the published version. The zero value is not usable; call New.
type Index struct {
	dims   int
	logger *slog.Logger

	buildMu sync.Mutex
	cur     atomic.Pointer[View]
	// derived caches views computed for snapshots other than the head.
	derived *lru.Cache[*store.Snapshot, *View]
}

const derivedViews = 8

// Option configures an Index.
type Option func(*Index)

func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// New returns an empty index with the given dimensionality. dims <= 0 uses
// DefaultDims.
func New(dims int, opts ...Option) *Index {
	if dims <= 0 {
		dims = DefaultDims
	}
	ix := &Index{dims: dims, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(ix)
	}
	ix.derived, _ = lru.New[*store.Snapshot, *View](derivedViews)
	ix.cur.Store(ix.newView(0, 0))
	return ix
}

func (ix *Index) newView(id, generation int64) *View {
	return &View{id: id, generation: generation, dims: ix.dims, vecs: immutable.NewMap[string, []float32](nil)}
}

func (ix *Index) Dims() int { return ix.dims }

// Version is incremented by every Build and Apply.
func (ix *Index) Version() int64 { return ix.cur.Load().id }

// Generation is the graph generation the published version reflects.
func (ix *Index) Generation() int64 { return ix.cur.Load().generation }

func (ix *Index) Len() int { return ix.cur.Load().Len() }

// View returns the published version.
func (ix *Index) View() *View { return ix.cur.Load() }

// ViewFor returns vectors matching snap. The published version serves the
// head it was built for; any other snapshot (an older generation, a
// proposal, or a head the index has not caught up with) gets vectors
// embedded from its own nodes.
func (ix *Index) ViewFor(snap *store.Snapshot) *View {
	v := ix.cur.Load()
	if snap.Branch() == store.BranchCurrent && v.generation == snap.Generation() {
		return v
	}
	if d, ok := ix.derived.Get(snap); ok {
		return d
	}
	d := ix.newView(0, snap.Generation())
	for _, n := range snap.Nodes() {
		if indexable(&n) {
			d.vecs = d.vecs.Set(n.Key, ix.Embed(Summary(&n)))
		}
	}
	ix.derived.Add(snap, d)
	ix.logger.Debug("vector view derived", "generation", snap.Generation(), "branch", snap.Branch(), "entries", d.Len())
	return d
}

// Summary is the text embedded for a node.
func Summary(n *store.Node) string {
	parts := []string{n.QualifiedName, n.Signature, n.DocFirstLine}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// indexable excludes placeholders: they carry only a reference name.
func indexable(n *store.Node) bool {
	return !n.IsPlaceholder() && n.Action != store.ActionDelete
}

// Build replaces the index with embeddings of every node in snap.
func (ix *Index) Build(ctx context.Context, snap *store.Snapshot) error {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	prev := ix.cur.Load()
	next := ix.newView(prev.id+1, snap.Generation())
	for i, n := range snap.Nodes() {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if indexable(&n) {
			next.vecs = next.vecs.Set(n.Key, ix.Embed(Summary(&n)))
		}
	}
	ix.cur.Store(next)
	ix.logger.Debug("vector index built", "version", next.id, "generation", next.generation, "entries", next.Len())
	return nil
}

// Apply derives a new version from the published one by re-embedding the
// nodes a delta added or modified and dropping the ones it removed.
func (ix *Index) Apply(d *store.Delta, generation int64) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	prev := ix.cur.Load()
	vecs := prev.vecs
	for _, n := range d.RemovedNodes {
		vecs = vecs.Delete(n.Key)
	}
	for _, list := range [][]store.Node{d.AddedNodes, d.ModifiedNodes} {
		for i := range list {
			n := &list[i]
			if indexable(n) {
				vecs = vecs.Set(n.Key, ix.Embed(Summary(n)))
			} else {
				vecs = vecs.Delete(n.Key)
			}
		}
	}
	next := &View{id: prev.id + 1, generation: generation, dims: ix.dims, vecs: vecs}
	ix.cur.Store(next)
	ix.logger.Debug("vector index updated", "version", next.id, "generation", generation, "entries", next.Len())
}

// Embed returns the normalized feature-hashed vector of text. Text with no
// tokens yields the zero vector.
func (ix *Index) Embed(text string) []float32 {
	v := make([]float32, ix.dims)
	for _, tok := range Tokens(text) {
		h := xxhash.Sum64String(tok)
		bucket := int(h % uint64(ix.dims))
		if h>>63 == 1 {
			v[bucket]--
		} else {
			v[bucket]++
		}
	}
	if norm := math.Sqrt(float64(vek32.Dot(v, v))); norm > 0 {
		vek32.MulNumber_Inplace(v, float32(1/norm))
	}
	return v
}

// Search, Similarity, Centroid and Vector read the published version.

func (ix *Index) Search(query []float32, k int, keep func(key string) bool) []Hit {
	return ix.cur.Load().Search(query, k, keep)
}

func (ix *Index) Similarity(query []float32, key string) float32 {
	return ix.cur.Load().Similarity(query, key)
}

func (ix *Index) Centroid(keys []string) []float32 { return ix.cur.Load().Centroid(keys) }

func (ix *Index) Vector(key string) ([]float32, bool) { return ix.cur.Load().Vector(key) }

// Generation is the graph generation the view reflects.
func (v *View) Generation() int64 { return v.generation }

func (v *View) Len() int { return v.vecs.Len() }

// Search returns the k entries most similar to query, highest score first
// and ties by key. keep, when non-nil, filters candidates. Entries with a
// non-positive score are not returned.
func (v *View) Search(query []float32, k int, keep func(key string) bool) []Hit {
	if k <= 0 || len(query) != v.dims {
		return nil
	}
	hits := make([]Hit, 0, v.vecs.Len())
	for it := v.vecs.Iterator(); !it.Done(); {
		key, vec, _ := it.Next()
		if keep != nil && !keep(key) {
			continue
		}
		if s := vek32.Dot(query, vec); s > 0 {
			hits = append(hits, Hit{Key: key, Score: s})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Similarity returns the cosine similarity between query and key's vector,
// or 0 when key is not in the view.
func (v *View) Similarity(query []float32, key string) float32 {
	vec, ok := v.vecs.Get(key)
	if !ok || len(query) != len(vec) {
		return 0
	}
	return vek32.Dot(query, vec)
}

// Centroid returns the normalized mean of the vectors stored for keys.
// Keys not in the view are ignored; the result is nil when none is.
func (v *View) Centroid(keys []string) []float32 {
	var sum []float32
	for _, k := range keys {
		vec, ok := v.vecs.Get(k)
		if !ok {
			continue
		}
		if sum == nil {
			sum = make([]float32, v.dims)
		}
		vek32.Add_Inplace(sum, vec)
	}
	if sum == nil {
		return nil
	}
	norm := math.Sqrt(float64(vek32.Dot(sum, sum)))
	if norm == 0 {
		return nil
	}
	vek32.MulNumber_Inplace(sum, float32(1/norm))
	return sum
}

// Vector returns the stored vector for key.
func (v *View) Vector(key string) ([]float32, bool) { return v.vecs.Get(key) }

// Tokens lowercases text and splits it into identifier words, also breaking
// camelCase and snake_case identifiers into their parts. Both the whole
// identifier and its parts are returned.
func Tokens(text string) []string {
	var out []string
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		parts := splitIdent(w)
		out = append(out, strings.ToLower(w))
		if len(parts) > 1 {
			for _, p := range parts {
				out = append(out, strings.ToLower(p))
			}
		}
	}
	return out
}

func splitIdent(w string) []string {
	var parts []string
	for _, seg := range strings.Split(w, "_") {
		if seg == "" {
			continue
		}
		rs := []rune(seg)
		start := 0
		for i := 1; i < len(rs); i++ {
			if unicode.IsUpper(rs[i]) && (unicode.IsLower(rs[i-1]) ||
				(i+1 < len(rs) && unicode.IsLower(rs[i+1]) && unicode.IsUpper(rs[i-1]))) {
				parts = append(parts, string(rs[start:i]))
				start = i
			}
		}
		parts = append(parts, string(rs[start:]))
	}
	return parts
}
