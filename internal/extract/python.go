package extract

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/isg/internal/store"
)

// Python extracts functions and classes from Python source. Classes map to
// Struct nodes and their bases to Implements edges.
type Python struct{}

func NewPython() *Python { return &Python{} }

func (*Python) Language() string     { return "python" }
func (*Python) Extensions() []string { return []string{".py", ".pyi"} }
func (*Python) Confidence() float64  { return 0.8 }
func (*Python) NeedsBuildInfo() bool { return false }

var pyBuiltinTypes = map[string]bool{
	"int": true, "str": true, "float": true, "bool": true, "bytes": true, "None": true,
	"list": true, "dict": true, "set": true, "tuple": true, "object": true, "type": true,
	"List": true, "Dict": true, "Set": true, "Tuple": true, "Optional": true, "Union": true,
	"Any": true, "Callable": true, "Iterable": true, "Iterator": true, "Sequence": true, "Mapping": true,
}

var pyBuiltinFuncs = map[string]bool{
	"print": true, "len": true, "range": true, "isinstance": true, "super": true, "str": true,
	"int": true, "list": true, "dict": true, "set": true, "tuple": true, "enumerate": true,
	"zip": true, "sorted": true, "min": true, "max": true, "sum": true, "open": true, "getattr": true,
}

func (x *Python) Extract(ctx context.Context, path string, content []byte) ([]RawEntity, error) {
	tree, err := Parse(ctx, "python", content)
	if err != nil {
		return nil, &Error{Path: path, Language: "python", Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, &Error{Path: path, Language: "python", Err: syntaxError(root)}
	}

	modPath, isPackage := pythonModulePath(path)
	w := &pyWalker{src: content, b: newBuilder(), module: modPath, isPackage: isPackage}

	e := rawEntity(root)
	e.Kind = store.KindModule
	e.Name = lastSegment(modPath, ".")
	e.QualifiedName = modPath
	e.ModulePath = modPath
	e.Visibility = store.Public
	e.Signature = "module " + modPath
	e.Doc = w.docstring(root)
	mod := w.b.add(e)

	w.block(root, mod, modPath, false)
	return w.b.entities, nil
}

// pythonModulePath turns pkg/sub/mod.py into pkg.sub.mod; __init__.py names
// its package.
func pythonModulePath(path string) (string, bool) {
	p := filepath.ToSlash(path)
	p = strings.TrimSuffix(strings.TrimSuffix(p, ".pyi"), ".py")
	p = strings.TrimPrefix(p, "src/")
	isPackage := false
	if p == "__init__" || strings.HasSuffix(p, "/__init__") {
		p = strings.TrimSuffix(strings.TrimSuffix(p, "__init__"), "/")
		isPackage = true
	}
	if p == "" {
		return "__init__", isPackage
	}
	return strings.ReplaceAll(p, "/", "."), isPackage
}

type pyWalker struct {
	src       []byte
	b         *builder
	module    string
	isPackage bool
}

func pyVisibility(name string) store.Visibility {
	switch {
	case strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__"):
		return store.Public
	case strings.HasPrefix(name, "__"):
		return store.Private
	case strings.HasPrefix(name, "_"):
		return store.Restricted
	}
	return store.Public
}

// block walks the statements of a module or class body.
func (w *pyWalker) block(n *sitter.Node, parent int, scope string, inClass bool) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		var decorators []string
		if c.Type() == "decorated_definition" {
			for j := 0; j < int(c.NamedChildCount()); j++ {
				if d := c.NamedChild(j); d.Type() == "decorator" {
					decorators = append(decorators, strings.TrimSpace(text(d, w.src)))
				}
			}
			c = c.ChildByFieldName("definition")
			if c == nil {
				continue
			}
		}
		switch c.Type() {
		case "function_definition", "async_function_definition":
			w.function(c, parent, scope, inClass, decorators)
		case "class_definition":
			w.class(c, parent, scope, decorators)
		case "import_statement", "import_from_statement":
			w.imports(c)
		}
	}
}

func (w *pyWalker) entity(n *sitter.Node, kind store.NodeKind, name, qname string, parent int) RawEntity {
	e := rawEntity(n)
	e.Kind = kind
	e.Name = name
	e.QualifiedName = qname
	e.Parent = parent
	e.ModulePath = w.module
	e.Visibility = pyVisibility(name)
	return e
}

func (w *pyWalker) function(n *sitter.Node, parent int, scope string, inClass bool, decorators []string) {
	name := field(n, "name", w.src)
	kind := store.KindFunction
	if inClass {
		kind = store.KindMethod
	}
	e := w.entity(n, kind, name, scope+"."+name, parent)
	e.Signature = header(n, w.src, "body")
	e.Attributes = decorators
	e.Doc = w.docstring(n.ChildByFieldName("body"))
	if n.Type() == "async_function_definition" || childOfType(n, "async") != nil {
		e.Flags |= store.FlagAsync
	}
	idx := w.b.add(e)

	for _, f := range []string{"parameters", "return_type"} {
		if c := n.ChildByFieldName(f); c != nil {
			w.typeRefs(c, idx)
		}
	}
	if body := n.ChildByFieldName("body"); body != nil {
		walk(body, func(c *sitter.Node) bool {
			switch c.Type() {
			case "function_definition", "class_definition", "lambda":
				return false
			case "call":
				w.b.relate(idx, store.EdgeCalls, w.calleeRef(c.ChildByFieldName("function")), 0)
			}
			return true
		})
	}
}

func (w *pyWalker) class(n *sitter.Node, parent int, scope string, decorators []string) {
	name := field(n, "name", w.src)
	e := w.entity(n, store.KindStruct, name, scope+"."+name, parent)
	e.Signature = header(n, w.src, "body")
	e.Attributes = decorators
	e.Doc = w.docstring(n.ChildByFieldName("body"))
	idx := w.b.add(e)

	if sup := n.ChildByFieldName("superclasses"); sup != nil {
		for i := 0; i < int(sup.NamedChildCount()); i++ {
			c := sup.NamedChild(i)
			if c.Type() != "identifier" && c.Type() != "attribute" {
				continue // keyword arguments such as metaclass=
			}
			if base := text(c, w.src); base != "object" {
				w.b.relate(idx, store.EdgeImplements, w.qualify(base), 0)
			}
		}
	}
	if body := n.ChildByFieldName("body"); body != nil {
		w.block(body, idx, e.QualifiedName, true)
	}
}

// docstring returns the leading string literal of a body.
func (w *pyWalker) docstring(body *sitter.Node) string {
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	if s := first.NamedChild(0); s.Type() == "string" {
		t := text(s, w.src)
		for _, q := range []string{`"""`, `'''`, `"`, `'`} {
			if strings.HasPrefix(t, q) && strings.HasSuffix(t, q) && len(t) >= 2*len(q) {
				return strings.TrimSpace(t[len(q) : len(t)-len(q)])
			}
		}
		return t
	}
	return ""
}

func (w *pyWalker) imports(n *sitter.Node) {
	if n.Type() == "import_statement" {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c := n.NamedChild(i)
			switch c.Type() {
			case "dotted_name":
				full := text(c, w.src)
				first, _, _ := strings.Cut(full, ".")
				w.b.imports[first] = first
			case "aliased_import":
				w.b.imports[field(c, "alias", w.src)] = field(c, "name", w.src)
			}
		}
		return
	}

	modNode := n.ChildByFieldName("module_name")
	if modNode == nil {
		return
	}
	module := w.resolveRelative(text(modNode, w.src))
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.StartByte() <= modNode.StartByte() {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			name := text(c, w.src)
			w.b.imports[lastSegment(name, ".")] = module + "." + name
		case "aliased_import":
			w.b.imports[field(c, "alias", w.src)] = module + "." + field(c, "name", w.src)
		}
	}
}

// resolveRelative expands a leading-dot module against the current package.
func (w *pyWalker) resolveRelative(mod string) string {
	if !strings.HasPrefix(mod, ".") {
		return mod
	}
	dots := len(mod) - len(strings.TrimLeft(mod, "."))
	rest := mod[dots:]
	segs := strings.Split(w.module, ".")
	if !w.isPackage {
		dots++
	}
	drop := dots - 1
	if drop > len(segs) {
		drop = len(segs)
	}
	base := strings.Join(segs[:len(segs)-drop], ".")
	switch {
	case base == "":
		return rest
	case rest == "":
		return base
	}
	return base + "." + rest
}

func (w *pyWalker) qualify(ref string) string {
	first, rest, dotted := strings.Cut(ref, ".")
	full, ok := w.b.imports[first]
	if !ok {
		return ref
	}
	if dotted {
		return full + "." + rest
	}
	return full
}

func (w *pyWalker) typeRefs(n *sitter.Node, idx int) {
	walk(n, func(c *sitter.Node) bool {
		if c.Type() != "type" {
			return true
		}
		walk(c, func(t *sitter.Node) bool {
			switch t.Type() {
			case "attribute":
				ref := text(t, w.src)
				if !strings.HasPrefix(ref, "typing.") {
					w.b.relate(idx, store.EdgeUses, w.qualify(ref), 0)
				}
				return false
			case "identifier":
				if name := text(t, w.src); !pyBuiltinTypes[name] {
					w.b.relate(idx, store.EdgeUses, w.qualify(name), 0)
				}
				return false
			case "string":
				return false
			}
			return true
		})
		return false
	})
}

func (w *pyWalker) calleeRef(fn *sitter.Node) string {
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		name := text(fn, w.src)
		if pyBuiltinFuncs[name] {
			return ""
		}
		return w.qualify(name)
	case "attribute":
		obj := fn.ChildByFieldName("object")
		attr := field(fn, "attribute", w.src)
		if obj != nil && obj.Type() == "identifier" {
			o := text(obj, w.src)
			if o == "self" || o == "cls" {
				return attr
			}
			if _, ok := w.b.imports[o]; ok {
				return w.qualify(o + "." + attr)
			}
		}
		return attr
	}
	return ""
}
