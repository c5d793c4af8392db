package runtime

import (
	"context"
	"fmt"

	"github.com/risor-io/risor/object"

	"github.com/jward/isg/internal/extract"
	"github.com/jward/isg/internal/store"
)

// session holds the per-run state of one script evaluation.
type session struct {
	trees    *trees
	entities []extract.RawEntity
	imports  map[string]string
}

func newSession() *session {
	return &session{trees: newTrees(), imports: map[string]string{}}
}

func (s *session) close() { s.trees.close() }

// makeEmitFn creates "emit". Risor scripts cannot build Go structs, so the
// entity arrives as a map of primitives.
//
// emit({kind, name, qualified_name, signature, ...}) → int (1-based index)
func makeEmitFn(sess *session) *object.Builtin {
	return object.NewBuiltin("emit", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("emit", 1, len(args))
		}
		m, err := extractMap(args[0])
		if err != nil {
			return object.Errorf("emit: %v", err)
		}
		e, err := entityFromMap(m, len(sess.entities))
		if err != nil {
			return object.Errorf("emit: %v", err)
		}
		e.Imports = sess.imports
		sess.entities = append(sess.entities, e)
		return object.NewInt(int64(len(sess.entities)))
	})
}

// makeRelateFn creates "relate".
//
// relate(index, kind, target) → nil
func makeRelateFn(sess *session) *object.Builtin {
	return object.NewBuiltin("relate", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 3 {
			return object.NewArgsError("relate", 3, len(args))
		}
		idx, err := toInt64(args[0])
		if err != nil {
			return object.Errorf("relate: %v", err)
		}
		if idx < 1 || int(idx) > len(sess.entities) {
			return object.Errorf("relate: no entity %d", idx)
		}
		kind, err := toString(args[1])
		if err != nil {
			return object.Errorf("relate: %v", err)
		}
		if !store.EdgeKind(kind).Valid() {
			return object.Errorf("relate: unknown edge kind %q", kind)
		}
		target, err := toString(args[2])
		if err != nil {
			return object.Errorf("relate: %v", err)
		}
		e := &sess.entities[idx-1]
		e.Relations = append(e.Relations, extract.RawRelation{Kind: store.EdgeKind(kind), Target: target})
		return object.Nil
	})
}

// makeAddImportFn creates "add_import".
//
// add_import(alias, path) → nil
func makeAddImportFn(sess *session) *object.Builtin {
	return object.NewBuiltin("add_import", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("add_import", 2, len(args))
		}
		alias, err := toString(args[0])
		if err != nil {
			return object.Errorf("add_import: %v", err)
		}
		path, err := toString(args[1])
		if err != nil {
			return object.Errorf("add_import: %v", err)
		}
		sess.imports[alias] = path
		return object.Nil
	})
}

func entityFromMap(m map[string]object.Object, emitted int) (extract.RawEntity, error) {
	e := extract.RawEntity{
		Kind:          store.NodeKind(getStringDefault(m, "kind", string(store.KindUnknown))),
		Name:          getString(m, "name"),
		QualifiedName: getString(m, "qualified_name"),
		Signature:     getString(m, "signature"),
		StartLine:     getInt(m, "start_line"),
		EndLine:       getInt(m, "end_line"),
		StartByte:     uint32(getInt64(m, "start_byte")),
		EndByte:       uint32(getInt64(m, "end_byte")),
		Visibility:    store.Visibility(getStringDefault(m, "visibility", string(store.Public))),
		Doc:           getString(m, "doc"),
		Parent:        getInt(m, "parent"),
		ModulePath:    getString(m, "module_path"),
		Attributes:    getStrings(m, "attributes"),
		Generics:      getStrings(m, "generics"),
		Derives:       getStrings(m, "derives"),
	}
	if e.Name == "" {
		return e, fmt.Errorf("name is required")
	}
	if e.QualifiedName == "" {
		e.QualifiedName = e.Name
	}
	if !e.Kind.Valid() {
		return e, fmt.Errorf("unknown kind %q", e.Kind)
	}
	switch e.Visibility {
	case store.Public, store.Restricted, store.Private:
	default:
		return e, fmt.Errorf("unknown visibility %q", e.Visibility)
	}
	if e.Parent < 0 || e.Parent > emitted {
		return e, fmt.Errorf("parent %d does not name an emitted entity", e.Parent)
	}

	flags, err := store.FlagsFromNames(getStrings(m, "flags"))
	if err != nil {
		return e, err
	}
	e.Flags = flags

	if rels, ok := m["relations"].(*object.List); ok {
		for _, r := range rels.Value() {
			rm, err := extractMap(r)
			if err != nil {
				return e, fmt.Errorf("relations: %w", err)
			}
			rel := extract.RawRelation{
				Kind:   store.EdgeKind(getString(rm, "kind")),
				Target: getString(rm, "target"),
			}
			if !rel.Kind.Valid() {
				return e, fmt.Errorf("relations: unknown edge kind %q", rel.Kind)
			}
			if getBool(rm, "derived") {
				rel.Attrs |= store.AttrDerived
			}
			if getBool(rm, "cfg") {
				rel.Attrs |= store.AttrCfgConditional
			}
			e.Relations = append(e.Relations, rel)
		}
	}
	return e, nil
}

// --- conversion helpers ---

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", obj.Type())
	}
	return m.Value(), nil
}

func getString(m map[string]object.Object, key string) string {
	if s, ok := m[key].(*object.String); ok {
		return s.Value()
	}
	return ""
}

func getStringDefault(m map[string]object.Object, key, def string) string {
	if v := getString(m, key); v != "" {
		return v
	}
	return def
}

func getInt(m map[string]object.Object, key string) int {
	return int(getInt64(m, key))
}

func getInt64(m map[string]object.Object, key string) int64 {
	v, ok := m[key]
	if !ok {
		return 0
	}
	i, err := toInt64(v)
	if err != nil {
		return 0
	}
	return i
}

func getBool(m map[string]object.Object, key string) bool {
	if b, ok := m[key].(*object.Bool); ok {
		return b.Value()
	}
	return false
}

func getStrings(m map[string]object.Object, key string) []string {
	l, ok := m[key].(*object.List)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range l.Value() {
		if s, ok := v.(*object.String); ok {
			out = append(out, s.Value())
		}
	}
	return out
}

func toInt64(obj object.Object) (int64, error) {
	if i, ok := obj.(*object.Int); ok {
		return i.Value(), nil
	}
	if f, ok := obj.(*object.Float); ok {
		return int64(f.Value()), nil
	}
	return 0, fmt.Errorf("expected int, got %s", obj.Type())
}

func toString(obj object.Object) (string, error) {
	if s, ok := obj.(*object.String); ok {
		return s.Value(), nil
	}
	return "", fmt.Errorf("expected string, got %s", obj.Type())
}
