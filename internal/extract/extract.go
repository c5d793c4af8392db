// Package extract turns source files into raw entities and relation hints.
//
// Extractors are pure functions of (path, content): they never touch the
// filesystem or shared state, so the orchestrator may run them in parallel.
package extract

import (
	"context"
	"fmt"

	"github.com/jward/isg/internal/store"
)

// Extractor parses one language.
type Extractor interface {
	// Language is the canonical language name, e.g. "rust".
	Language() string
	// Extensions lists handled file extensions including the leading dot.
	Extensions() []string
	// Confidence in [0,1] says how faithful the output is. The registry picks
	// the highest-confidence extractor for a language.
	Confidence() float64
	// NeedsBuildInfo reports whether accurate output needs external build
	// configuration such as include paths.
	NeedsBuildInfo() bool
	Extract(ctx context.Context, path string, content []byte) ([]RawEntity, error)
}

// RawEntity is one construct as seen by an extractor, before
// canonicalization and symbol resolution.
type RawEntity struct {
	Kind          store.NodeKind
	Name          string
	QualifiedName string
	// Signature is the raw signature text; empty for structural fallbacks.
	Signature  string
	StartByte  uint32
	EndByte    uint32
	StartLine  int // 1-based
	EndLine    int
	Visibility store.Visibility
	Doc        string
	Attributes []string
	Relations  []RawRelation
	// Parent is the 1-based index of the enclosing entity in the same
	// result, or 0 at top level.
	Parent     int
	ModulePath string
	Flags      store.Flags
	Generics   []string
	Derives    []string
	// Imports maps a local name to the path it was imported from. Entities
	// of one file share the same map.
	Imports map[string]string
}

// RawRelation is a textual reference from an entity.
type RawRelation struct {
	Kind   store.EdgeKind
	Target string
	Attrs  store.EdgeAttrs
}

// Error is a per-file extraction failure. It never aborts a batch.
type Error struct {
	Path     string
	Language string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extract %s (%s): %v", e.Path, e.Language, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// builder accumulates entities and tracks parent indices.
type builder struct {
	entities []RawEntity
	imports  map[string]string
}

func newBuilder() *builder {
	return &builder{imports: map[string]string{}}
}

// add appends e and returns its 1-based index for use as a Parent.
func (b *builder) add(e RawEntity) int {
	e.Imports = b.imports
	b.entities = append(b.entities, e)
	return len(b.entities)
}

func (b *builder) relate(idx int, kind store.EdgeKind, target string, attrs store.EdgeAttrs) {
	if idx <= 0 || target == "" {
		return
	}
	e := &b.entities[idx-1]
	for _, r := range e.Relations {
		if r.Kind == kind && r.Target == target {
			return
		}
	}
	e.Relations = append(e.Relations, RawRelation{Kind: kind, Target: target, Attrs: attrs})
}
