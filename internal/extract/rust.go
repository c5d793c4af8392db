package extract

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/isg/internal/store"
)

// Rust extracts items from Rust source using tree-sitter-rust.
type Rust struct{}

func NewRust() *Rust { return &Rust{} }

func (*Rust) Language() string     { return "rust" }
func (*Rust) Extensions() []string { return []string{".rs"} }
func (*Rust) Confidence() float64  { return 0.9 }
func (*Rust) NeedsBuildInfo() bool { return false }

func (x *Rust) Extract(ctx context.Context, path string, content []byte) ([]RawEntity, error) {
	tree, err := Parse(ctx, "rust", content)
	if err != nil {
		return nil, &Error{Path: path, Language: "rust", Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, &Error{Path: path, Language: "rust", Err: syntaxError(root)}
	}

	modPath := rustModulePath(path)
	w := &rustWalker{src: content, b: newBuilder()}
	w.collectUses(root, modPath)

	e := rawEntity(root)
	e.Kind = store.KindModule
	e.Name = lastSegment(modPath, "::")
	e.QualifiedName = modPath
	e.ModulePath = modPath
	e.Visibility = store.Public
	e.Signature = "mod " + modPath
	mod := w.b.add(e)

	w.items(root, rustScope{parent: mod, module: modPath, path: modPath})
	w.qualifyRelations()
	return w.b.entities, nil
}

// rustModulePath derives the module path from a file path: src/lib.rs and
// src/main.rs are the crate root, mod.rs names its directory.
func rustModulePath(path string) string {
	p := strings.TrimSuffix(filepath.ToSlash(path), ".rs")
	if i := strings.LastIndex(p, "/src/"); i >= 0 {
		p = p[i+5:]
	} else {
		p = strings.TrimPrefix(p, "src/")
	}
	segs := strings.Split(p, "/")
	switch segs[len(segs)-1] {
	case "mod":
		segs = segs[:len(segs)-1]
	case "lib", "main":
		if len(segs) == 1 {
			segs = nil
		}
	}
	out := []string{"crate"}
	for _, s := range segs {
		if s != "" {
			out = append(out, strings.ReplaceAll(s, "-", "_"))
		}
	}
	return strings.Join(out, "::")
}

type rustScope struct {
	parent    int
	module    string // enclosing module path
	path      string // qualified prefix for children
	inTrait   bool
	inImpl    bool
	traitImpl bool
	vis       store.Visibility // inherited by trait members
	generics  []string
	cfg       bool
}

type rustWalker struct {
	src []byte
	b   *builder
}

// containers holding items directly
func (w *rustWalker) items(container *sitter.Node, sc rustScope) {
	for i := 0; i < int(container.NamedChildCount()); i++ {
		c := container.NamedChild(i)
		switch c.Type() {
		case "function_item", "function_signature_item":
			w.function(c, sc)
		case "struct_item", "union_item":
			w.dataType(c, store.KindStruct, sc)
		case "enum_item":
			w.dataType(c, store.KindEnum, sc)
		case "trait_item":
			w.trait(c, sc)
		case "impl_item":
			w.impl(c, sc)
		case "mod_item":
			w.module(c, sc)
		case "use_declaration":
			w.reexport(c, sc)
		case "type_item":
			if sc.inImpl {
				w.assocType(c, sc)
			}
		}
	}
}

// preamble collects the doc comment and attributes preceding an item.
func (w *rustWalker) preamble(n *sitter.Node) (doc string, attrs []string) {
	var docs []string
	for p := n.PrevSibling(); p != nil; p = p.PrevSibling() {
		t := text(p, w.src)
		switch {
		case p.Type() == "attribute_item":
			attrs = append([]string{t}, attrs...)
		case p.Type() == "line_comment" && strings.HasPrefix(t, "///") && !strings.HasPrefix(t, "////"):
			docs = append([]string{strings.TrimRight(t, "\r\n")}, docs...)
		case p.Type() == "block_comment" && strings.HasPrefix(t, "/**"):
			docs = append([]string{t}, docs...)
		default:
			return strings.Join(docs, "\n"), attrs
		}
	}
	return strings.Join(docs, "\n"), attrs
}

func (w *rustWalker) visibility(n *sitter.Node, sc rustScope) store.Visibility {
	if sc.inTrait || sc.traitImpl {
		return sc.vis
	}
	vm := childOfType(n, "visibility_modifier")
	if vm == nil {
		return store.Private
	}
	if t := text(vm, w.src); t == "pub" {
		return store.Public
	}
	return store.Restricted
}

func (w *rustWalker) base(n *sitter.Node, sc rustScope, kind store.NodeKind, name string) RawEntity {
	doc, attrs := w.preamble(n)
	e := rawEntity(n)
	e.Kind = kind
	e.Name = name
	e.QualifiedName = sc.path + "::" + name
	e.Parent = sc.parent
	e.ModulePath = sc.module
	e.Visibility = w.visibility(n, sc)
	e.Doc = doc
	e.Attributes = attrs
	return e
}

func hasCfg(attrs []string) bool {
	for _, a := range attrs {
		if strings.Contains(a, "cfg(") || strings.Contains(a, "cfg_attr(") {
			return true
		}
	}
	return false
}

func (w *rustWalker) edgeAttrs(cfg bool) store.EdgeAttrs {
	if cfg {
		return store.AttrCfgConditional
	}
	return 0
}

// --- items ---

func (w *rustWalker) function(n *sitter.Node, sc rustScope) {
	name := field(n, "name", w.src)
	kind := store.KindFunction
	if sc.inTrait || sc.inImpl {
		kind = store.KindMethod
	}
	e := w.base(n, sc, kind, name)
	e.Signature = header(n, w.src, "body")
	e.Generics = typeParamNames(n.ChildByFieldName("type_parameters"), w.src)
	if len(e.Generics) > 0 {
		e.Flags |= store.FlagGeneric
	}
	if mods := childOfType(n, "function_modifiers"); mods != nil {
		mt := text(mods, w.src)
		for word, flag := range map[string]store.Flags{
			"async": store.FlagAsync, "unsafe": store.FlagUnsafe, "const": store.FlagConst, "extern": store.FlagExternAbi,
		} {
			if containsWord(mt, word) {
				e.Flags |= flag
			}
		}
	}
	cfg := sc.cfg || hasCfg(e.Attributes)
	idx := w.b.add(e)

	skip := skipSet(append(e.Generics, sc.generics...))
	for _, c := range namedChildrenExcept(n, "name", "body") {
		w.typeRefs(c, false, skip, idx, cfg)
	}
	if body := n.ChildByFieldName("body"); body != nil {
		walk(body, func(c *sitter.Node) bool {
			if c.Type() == "call_expression" {
				w.b.relate(idx, store.EdgeCalls, w.calleeRef(c.ChildByFieldName("function")), w.edgeAttrs(cfg))
			}
			// nested items are not part of this function's contract
			return c.Type() != "function_item" && c.Type() != "closure_expression"
		})
	}
}

func (w *rustWalker) dataType(n *sitter.Node, kind store.NodeKind, sc rustScope) {
	name := field(n, "name", w.src)
	e := w.base(n, sc, kind, name)
	e.Signature = strings.TrimSpace(text(n, w.src))
	e.Generics = typeParamNames(n.ChildByFieldName("type_parameters"), w.src)
	if len(e.Generics) > 0 {
		e.Flags |= store.FlagGeneric
	}
	e.Derives = derives(e.Attributes)
	cfg := sc.cfg || hasCfg(e.Attributes)
	idx := w.b.add(e)

	for _, d := range e.Derives {
		w.b.relate(idx, store.EdgeDerives, d, store.AttrDerived|w.edgeAttrs(cfg))
	}
	skip := skipSet(append(e.Generics, name))
	for _, c := range namedChildrenExcept(n, "name") {
		w.typeRefs(c, false, skip, idx, cfg)
	}
}

func (w *rustWalker) trait(n *sitter.Node, sc rustScope) {
	name := field(n, "name", w.src)
	e := w.base(n, sc, store.KindTrait, name)
	e.Signature = header(n, w.src, "body")
	e.Generics = typeParamNames(n.ChildByFieldName("type_parameters"), w.src)
	if len(e.Generics) > 0 {
		e.Flags |= store.FlagGeneric
	}
	if childOfType(n, "unsafe") != nil {
		e.Flags |= store.FlagUnsafe
	}
	cfg := sc.cfg || hasCfg(e.Attributes)
	idx := w.b.add(e)

	skip := skipSet(append(e.Generics, name))
	for _, c := range namedChildrenExcept(n, "name", "body") {
		// supertraits are requirements, not uses
		w.typeRefs(c, c.Type() == "trait_bounds", skip, idx, cfg)
	}
	if body := n.ChildByFieldName("body"); body != nil {
		w.items(body, rustScope{
			parent: idx, module: sc.module, path: e.QualifiedName,
			inTrait: true, vis: e.Visibility, generics: e.Generics, cfg: cfg,
		})
	}
}

func (w *rustWalker) impl(n *sitter.Node, sc rustScope) {
	typeNode := n.ChildByFieldName("type")
	traitNode := n.ChildByFieldName("trait")
	selfType := baseTypeName(typeNode, w.src)

	name := "impl " + compact(text(typeNode, w.src))
	if traitNode != nil {
		name = "impl " + compact(text(traitNode, w.src)) + " for " + compact(text(typeNode, w.src))
	}
	e := w.base(n, sc, store.KindImplBlock, name)
	e.Visibility = store.Public
	e.Signature = header(n, w.src, "body")
	e.Generics = typeParamNames(n.ChildByFieldName("type_parameters"), w.src)
	if len(e.Generics) > 0 {
		e.Flags |= store.FlagGeneric
	}
	if childOfType(n, "unsafe") != nil {
		e.Flags |= store.FlagUnsafe
	}
	cfg := sc.cfg || hasCfg(e.Attributes)
	idx := w.b.add(e)

	skip := skipSet(e.Generics)
	if traitNode != nil {
		w.b.relate(idx, store.EdgeImplements, baseTypeName(traitNode, w.src), w.edgeAttrs(cfg))
	}
	if selfType != "" && !skip[selfType] {
		w.b.relate(idx, store.EdgeUses, selfType, w.edgeAttrs(cfg))
	}
	for _, c := range namedChildrenExcept(n, "type", "trait", "body") {
		w.typeRefs(c, false, skip, idx, cfg)
	}

	if body := n.ChildByFieldName("body"); body != nil {
		vis := store.Public
		w.items(body, rustScope{
			parent: idx, module: sc.module, path: sc.module + "::" + selfType,
			inImpl: true, traitImpl: traitNode != nil, vis: vis, generics: e.Generics, cfg: cfg,
		})
	}
}

func (w *rustWalker) assocType(n *sitter.Node, sc rustScope) {
	target := baseTypeName(n.ChildByFieldName("type"), w.src)
	if target == "" || rustSkipUses[target] {
		return
	}
	w.b.relate(sc.parent, store.EdgeDefinesAssocType, target, w.edgeAttrs(sc.cfg))
}

func (w *rustWalker) module(n *sitter.Node, sc rustScope) {
	body := n.ChildByFieldName("body")
	if body == nil {
		// `mod foo;` is defined by foo.rs
		return
	}
	name := field(n, "name", w.src)
	e := w.base(n, sc, store.KindModule, name)
	e.Signature = header(n, w.src, "body")
	e.ModulePath = e.QualifiedName
	cfg := sc.cfg || hasCfg(e.Attributes)
	idx := w.b.add(e)
	w.items(body, rustScope{parent: idx, module: e.QualifiedName, path: e.QualifiedName, cfg: cfg})
}

// reexport records `pub use` items on the enclosing module.
func (w *rustWalker) reexport(n *sitter.Node, sc rustScope) {
	vm := childOfType(n, "visibility_modifier")
	if vm == nil {
		return
	}
	for _, u := range expandUse(compact(field(n, "argument", w.src))) {
		if u.glob {
			continue
		}
		w.b.relate(sc.parent, store.EdgeReexports, resolveRustPath(u.path, sc.module), w.edgeAttrs(sc.cfg))
	}
}

// collectUses fills the import table from every use declaration in the file.
func (w *rustWalker) collectUses(root *sitter.Node, modPath string) {
	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "use_declaration":
			for _, u := range expandUse(compact(field(n, "argument", w.src))) {
				if !u.glob {
					w.b.imports[u.alias] = resolveRustPath(u.path, modPath)
				}
			}
			return false
		case "function_item", "impl_item", "trait_item":
			return false
		}
		return true
	})
}

// qualifyRelations rewrites relation targets through the import table.
func (w *rustWalker) qualifyRelations() {
	for i := range w.b.entities {
		e := &w.b.entities[i]
		for j := range e.Relations {
			r := &e.Relations[j]
			if r.Kind == store.EdgeReexports {
				continue
			}
			first, rest, scoped := strings.Cut(r.Target, "::")
			if full, ok := w.b.imports[first]; ok {
				if scoped {
					r.Target = full + "::" + rest
				} else {
					r.Target = full
				}
				continue
			}
			r.Target = resolveRustPath(r.Target, e.ModulePath)
		}
	}
}

// --- references ---

// rustSkipUses are std containers that would only add placeholder noise as
// Uses targets.
var rustSkipUses = map[string]bool{
	"Self": true, "Option": true, "Result": true, "Vec": true, "String": true,
	"Box": true, "Rc": true, "Arc": true, "str": true,
}

func (w *rustWalker) typeRefs(n *sitter.Node, bound bool, skip map[string]bool, idx int, cfg bool) {
	switch n.Type() {
	case "block", "attribute_item", "line_comment", "block_comment", "lifetime":
		return
	case "trait_bounds":
		bound = true
	case "type_identifier":
		name := text(n, w.src)
		if skip[name] {
			return
		}
		if bound {
			w.b.relate(idx, store.EdgeRequires, name, w.edgeAttrs(cfg))
		} else if !rustSkipUses[name] {
			w.b.relate(idx, store.EdgeUses, name, w.edgeAttrs(cfg))
		}
		return
	case "scoped_type_identifier":
		kind := store.EdgeUses
		if bound {
			kind = store.EdgeRequires
		}
		w.b.relate(idx, kind, compact(text(n, w.src)), w.edgeAttrs(cfg))
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.typeRefs(n.NamedChild(i), bound, skip, idx, cfg)
	}
}

func (w *rustWalker) calleeRef(fn *sitter.Node) string {
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return text(fn, w.src)
	case "scoped_identifier":
		return compact(text(fn, w.src))
	case "field_expression":
		return field(fn, "field", w.src)
	case "generic_function":
		return w.calleeRef(fn.ChildByFieldName("function"))
	}
	return ""
}

// typeParamNames lists declared type parameter names, skipping lifetimes
// and const parameters.
func typeParamNames(tp *sitter.Node, src []byte) []string {
	if tp == nil {
		return nil
	}
	var names []string
	for i := 0; i < int(tp.NamedChildCount()); i++ {
		c := tp.NamedChild(i)
		switch c.Type() {
		case "type_identifier":
			names = append(names, text(c, src))
		case "constrained_type_parameter", "optional_type_parameter", "type_parameter":
			id := c.ChildByFieldName("left")
			if id == nil {
				id = c.ChildByFieldName("name")
			}
			if id == nil {
				id = childOfType(c, "type_identifier")
			}
			if id != nil && id.Type() == "type_identifier" {
				names = append(names, text(id, src))
			}
		}
	}
	return names
}

// baseTypeName strips generic arguments and references from a type.
func baseTypeName(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "generic_type":
		return baseTypeName(n.ChildByFieldName("type"), src)
	case "reference_type", "pointer_type":
		return baseTypeName(n.ChildByFieldName("type"), src)
	case "primitive_type":
		return ""
	}
	return compact(text(n, src))
}

func derives(attrs []string) []string {
	var out []string
	for _, a := range attrs {
		inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(a, "#["), "]"))
		if !strings.HasPrefix(inner, "derive(") {
			continue
		}
		list := strings.TrimSuffix(strings.TrimPrefix(inner, "derive("), ")")
		for _, d := range strings.Split(list, ",") {
			if d = strings.TrimSpace(d); d != "" {
				out = append(out, d)
			}
		}
	}
	return out
}

type useItem struct {
	alias string
	path  string
	glob  bool
}

// expandUse flattens a use tree such as `a::{b, c::d as e, self}`.
func expandUse(tree string) []useItem {
	tree = strings.TrimSpace(tree)
	if tree == "" {
		return nil
	}
	if open := strings.Index(tree, "{"); open >= 0 && strings.HasSuffix(tree, "}") {
		prefix := strings.TrimSuffix(tree[:open], "::")
		var out []useItem
		for _, part := range splitTopLevel(tree[open+1 : len(tree)-1]) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if part == "self" {
				out = append(out, useItem{alias: lastSegment(prefix, "::"), path: prefix})
				continue
			}
			full := part
			if prefix != "" {
				full = prefix + "::" + part
			}
			out = append(out, expandUse(full)...)
		}
		return out
	}
	if strings.HasSuffix(tree, "*") {
		return []useItem{{path: strings.TrimSuffix(strings.TrimSuffix(tree, "*"), "::"), glob: true}}
	}
	path, alias, renamed := strings.Cut(tree, " as ")
	if !renamed {
		alias = lastSegment(path, "::")
	}
	return []useItem{{alias: strings.TrimSpace(alias), path: strings.TrimSpace(path)}}
}

func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// resolveRustPath makes self:: and super:: paths absolute from the crate root.
func resolveRustPath(path, module string) string {
	switch {
	case strings.HasPrefix(path, "self::"):
		return module + "::" + strings.TrimPrefix(path, "self::")
	case strings.HasPrefix(path, "super::"):
		segs := strings.Split(module, "::")
		for strings.HasPrefix(path, "super::") {
			path = strings.TrimPrefix(path, "super::")
			if len(segs) > 1 {
				segs = segs[:len(segs)-1]
			}
		}
		return strings.Join(segs, "::") + "::" + path
	}
	return path
}

// compact removes whitespace so multi-line paths and types compare equal,
// keeping a space around `as`, `for` and `dyn` keywords.
func compact(s string) string {
	fields := strings.Fields(s)
	var b strings.Builder
	for i, f := range fields {
		if i > 0 && (isKeywordSep(f) || isKeywordSep(fields[i-1])) {
			b.WriteByte(' ')
		}
		b.WriteString(f)
	}
	return b.String()
}

func isKeywordSep(s string) bool {
	switch s {
	case "as", "for", "dyn", "impl", "mut", "const":
		return true
	}
	return false
}

func containsWord(s, word string) bool {
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == '"' || r == '\t' }) {
		if f == word {
			return true
		}
	}
	return false
}

func lastSegment(path, sep string) string {
	if i := strings.LastIndex(path, sep); i >= 0 {
		return path[i+len(sep):]
	}
	return path
}

// namedChildrenExcept returns the named children of n other than the nodes
// under the given fields.
func namedChildrenExcept(n *sitter.Node, fields ...string) []*sitter.Node {
	var skip []*sitter.Node
	for _, f := range fields {
		if c := n.ChildByFieldName(f); c != nil {
			skip = append(skip, c)
		}
	}
	var out []*sitter.Node
outer:
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		for _, s := range skip {
			if c.StartByte() == s.StartByte() && c.EndByte() == s.EndByte() && c.Type() == s.Type() {
				continue outer
			}
		}
		out = append(out, c)
	}
	return out
}

func skipSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
