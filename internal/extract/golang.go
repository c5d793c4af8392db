package extract

import (
	"context"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/isg/internal/store"
)

// Go extracts declarations from Go source. Interfaces map to Trait nodes,
// every other named type to Struct.
type Go struct{}

func NewGo() *Go { return &Go{} }

func (*Go) Language() string     { return "go" }
func (*Go) Extensions() []string { return []string{".go"} }
func (*Go) Confidence() float64  { return 0.85 }
func (*Go) NeedsBuildInfo() bool { return false }

var goBuiltinTypes = map[string]bool{
	"bool": true, "byte": true, "rune": true, "string": true, "error": true, "any": true,
	"int": true, "int8": true, "int16": true, "int32": true, "int64": true,
	"uint": true, "uint8": true, "uint16": true, "uint32": true, "uint64": true, "uintptr": true,
	"float32": true, "float64": true, "complex64": true, "complex128": true, "comparable": true,
}

var goBuiltinFuncs = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true, "complex": true, "copy": true,
	"delete": true, "imag": true, "len": true, "make": true, "max": true, "min": true,
	"new": true, "panic": true, "print": true, "println": true, "real": true, "recover": true,
}

func (x *Go) Extract(ctx context.Context, path string, content []byte) ([]RawEntity, error) {
	tree, err := Parse(ctx, "go", content)
	if err != nil {
		return nil, &Error{Path: path, Language: "go", Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, &Error{Path: path, Language: "go", Err: syntaxError(root)}
	}

	w := &goWalker{src: content, b: newBuilder(), internal: isInternalPath(path)}
	pkg := "main"
	if pc := childOfType(root, "package_clause"); pc != nil {
		if id := childOfType(pc, "package_identifier"); id != nil {
			pkg = text(id, content)
		}
	}
	w.pkg = pkg

	e := rawEntity(root)
	e.Kind = store.KindModule
	e.Name = pkg
	e.QualifiedName = pkg
	e.ModulePath = pkg
	e.Visibility = store.Public
	e.Signature = "package " + pkg
	mod := w.b.add(e)

	for i := 0; i < int(root.NamedChildCount()); i++ {
		c := root.NamedChild(i)
		switch c.Type() {
		case "import_declaration":
			w.imports(c)
		case "function_declaration":
			w.function(c, mod)
		case "method_declaration":
			w.method(c, mod)
		case "type_declaration":
			for j := 0; j < int(c.NamedChildCount()); j++ {
				if spec := c.NamedChild(j); spec.Type() == "type_spec" || spec.Type() == "type_alias" {
					w.typeSpec(spec, c, mod)
				}
			}
		}
	}
	return w.b.entities, nil
}

func isInternalPath(path string) bool {
	p := "/" + filepath.ToSlash(path)
	return strings.Contains(p, "/internal/")
}

type goWalker struct {
	src      []byte
	b        *builder
	pkg      string
	internal bool
}

func (w *goWalker) visibility(name string) store.Visibility {
	r, _ := utf8.DecodeRuneInString(name)
	if !unicode.IsUpper(r) {
		return store.Private
	}
	if w.internal {
		return store.Restricted
	}
	return store.Public
}

// doc returns the comment block directly above n.
func (w *goWalker) doc(n *sitter.Node) string {
	var docs []string
	row := n.StartPoint().Row
	for p := n.PrevSibling(); p != nil && p.Type() == "comment"; p = p.PrevSibling() {
		if p.EndPoint().Row+1 != row {
			break
		}
		docs = append([]string{text(p, w.src)}, docs...)
		row = p.StartPoint().Row
	}
	return strings.Join(docs, "\n")
}

func (w *goWalker) imports(n *sitter.Node) {
	walk(n, func(c *sitter.Node) bool {
		if c.Type() != "import_spec" {
			return true
		}
		path := strings.Trim(field(c, "path", w.src), "\"`")
		alias := field(c, "name", w.src)
		switch alias {
		case "_", ".":
			return false
		case "":
			alias = lastSegment(path, "/")
		}
		w.b.imports[alias] = path
		return false
	})
}

func (w *goWalker) entity(n, docNode *sitter.Node, kind store.NodeKind, name, qname string, parent int) RawEntity {
	e := rawEntity(n)
	e.Kind = kind
	e.Name = name
	e.QualifiedName = qname
	e.Parent = parent
	e.ModulePath = w.pkg
	e.Visibility = w.visibility(name)
	e.Doc = w.doc(docNode)
	return e
}

func (w *goWalker) function(n *sitter.Node, mod int) {
	name := field(n, "name", w.src)
	e := w.entity(n, n, store.KindFunction, name, w.pkg+"."+name, mod)
	e.Signature = header(n, w.src, "body")
	e.Generics = goTypeParams(n.ChildByFieldName("type_parameters"), w.src)
	if len(e.Generics) > 0 {
		e.Flags |= store.FlagGeneric
	}
	idx := w.b.add(e)
	w.signatureRefs(n, idx, skipSet(e.Generics))
	w.calls(n.ChildByFieldName("body"), idx)
}

func (w *goWalker) method(n *sitter.Node, mod int) {
	name := field(n, "name", w.src)
	recv := goReceiverType(n.ChildByFieldName("receiver"), w.src)
	e := w.entity(n, n, store.KindMethod, name, w.pkg+"."+recv+"."+name, mod)
	e.Signature = header(n, w.src, "body")
	idx := w.b.add(e)
	w.signatureRefs(n, idx, skipSet([]string{recv}))
	if recv != "" {
		w.b.relate(idx, store.EdgeUses, recv, 0)
	}
	w.calls(n.ChildByFieldName("body"), idx)
}

func (w *goWalker) typeSpec(n, decl *sitter.Node, mod int) {
	name := field(n, "name", w.src)
	typ := n.ChildByFieldName("type")
	kind := store.KindStruct
	if typ != nil && typ.Type() == "interface_type" {
		kind = store.KindTrait
	}
	docNode := decl
	if decl.NamedChildCount() > 1 {
		docNode = n
	}
	e := w.entity(n, docNode, kind, name, w.pkg+"."+name, mod)
	e.Signature = "type " + strings.TrimSpace(text(n, w.src))
	e.Generics = goTypeParams(n.ChildByFieldName("type_parameters"), w.src)
	if len(e.Generics) > 0 {
		e.Flags |= store.FlagGeneric
	}
	idx := w.b.add(e)

	skip := skipSet(append(e.Generics, name))
	if tp := n.ChildByFieldName("type_parameters"); tp != nil {
		w.typeRefs(tp, store.EdgeRequires, idx, skip)
	}
	if typ == nil {
		return
	}
	if kind != store.KindTrait {
		w.typeRefs(typ, store.EdgeUses, idx, skip)
		return
	}

	for i := 0; i < int(typ.NamedChildCount()); i++ {
		c := typ.NamedChild(i)
		switch c.Type() {
		case "method_elem", "method_spec":
			mname := field(c, "name", w.src)
			if mname == "" {
				if id := childOfType(c, "field_identifier"); id != nil {
					mname = text(id, w.src)
				}
			}
			m := w.entity(c, c, store.KindMethod, mname, e.QualifiedName+"."+mname, idx)
			m.Signature = "func " + strings.TrimSpace(text(c, w.src))
			midx := w.b.add(m)
			w.typeRefs(c, store.EdgeUses, midx, skip)
		default:
			// embedded interfaces and constraint unions
			w.typeRefs(c, store.EdgeRequires, idx, skip)
		}
	}
}

// signatureRefs records Uses for parameter and result types and Requires for
// type parameter constraints.
func (w *goWalker) signatureRefs(n *sitter.Node, idx int, skip map[string]bool) {
	for k, v := range skipSet(goTypeParams(n.ChildByFieldName("type_parameters"), w.src)) {
		skip[k] = v
	}
	for _, f := range []string{"parameters", "result"} {
		if c := n.ChildByFieldName(f); c != nil {
			w.typeRefs(c, store.EdgeUses, idx, skip)
		}
	}
	if tp := n.ChildByFieldName("type_parameters"); tp != nil {
		w.typeRefs(tp, store.EdgeRequires, idx, skip)
	}
}

func (w *goWalker) typeRefs(n *sitter.Node, kind store.EdgeKind, idx int, skip map[string]bool) {
	walk(n, func(c *sitter.Node) bool {
		switch c.Type() {
		case "qualified_type":
			w.b.relate(idx, kind, text(c, w.src), 0)
			return false
		case "type_identifier":
			name := text(c, w.src)
			if !skip[name] && !goBuiltinTypes[name] {
				w.b.relate(idx, kind, name, 0)
			}
			return false
		case "block", "comment":
			return false
		}
		return true
	})
}

func (w *goWalker) calls(body *sitter.Node, idx int) {
	if body == nil {
		return
	}
	walk(body, func(c *sitter.Node) bool {
		if c.Type() != "call_expression" {
			return c.Type() != "func_literal"
		}
		fn := c.ChildByFieldName("function")
		switch {
		case fn == nil:
		case fn.Type() == "identifier":
			if name := text(fn, w.src); !goBuiltinFuncs[name] {
				w.b.relate(idx, store.EdgeCalls, name, 0)
			}
		case fn.Type() == "selector_expression":
			operand := fn.ChildByFieldName("operand")
			fieldName := field(fn, "field", w.src)
			if operand != nil && operand.Type() == "identifier" {
				if _, ok := w.b.imports[text(operand, w.src)]; ok {
					w.b.relate(idx, store.EdgeCalls, text(operand, w.src)+"."+fieldName, 0)
					break
				}
			}
			w.b.relate(idx, store.EdgeCalls, fieldName, 0)
		}
		return true
	})
}

func goTypeParams(tp *sitter.Node, src []byte) []string {
	if tp == nil {
		return nil
	}
	var names []string
	for i := 0; i < int(tp.NamedChildCount()); i++ {
		decl := tp.NamedChild(i)
		if decl.Type() != "type_parameter_declaration" {
			continue
		}
		for j := 0; j < int(decl.NamedChildCount()); j++ {
			if c := decl.NamedChild(j); c.Type() == "identifier" {
				names = append(names, text(c, src))
			}
		}
	}
	return names
}

// goReceiverType returns the receiver's base type name: *Conn[T] gives Conn.
func goReceiverType(recv *sitter.Node, src []byte) string {
	var name string
	walk(recv, func(c *sitter.Node) bool {
		if name != "" {
			return false
		}
		if c.Type() == "type_identifier" {
			name = text(c, src)
			return false
		}
		return true
	})
	return name
}
