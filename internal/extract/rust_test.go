package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/isg/internal/store"
)

const rustSource = `use crate::net::Conn;

/// Opens a connection.
#[derive(Debug, Clone)]
pub struct Client<T> {
    conn: Conn,
    inner: T,
}

pub trait Transport: Send {
    type Frame;
    fn send(&self, f: &[u8]) -> Result<(), Error>;
}

impl<T> Transport for Client<T> {
    type Frame = Packet;
    fn send(&self, f: &[u8]) -> Result<(), Error> {
        helper(f);
        self.conn.write(f)
    }
}

pub async fn connect(addr: &str) -> Client<Conn> {
    open(addr)
}

pub(crate) fn helper(b: &[u8]) {}

mod inner {
    pub fn deep() {}
}
`

// findEntity returns the entity with the given qualified name and its
// 1-based index.
func findEntity(t *testing.T, ents []RawEntity, qname string) (RawEntity, int) {
	t.Helper()
	for i, e := range ents {
		if e.QualifiedName == qname {
			return e, i + 1
		}
	}
	t.Fatalf("no entity %q", qname)
	return RawEntity{}, 0
}

func hasRelation(e RawEntity, kind store.EdgeKind, target string) bool {
	for _, r := range e.Relations {
		if r.Kind == kind && r.Target == target {
			return true
		}
	}
	return false
}

func extractRust(t *testing.T, path, src string) []RawEntity {
	t.Helper()
	ents, err := NewRust().Extract(context.Background(), path, []byte(src))
	require.NoError(t, err)
	return ents
}

func TestRust_ModuleNode(t *testing.T) {
	t.Parallel()
	ents := extractRust(t, "src/client.rs", rustSource)

	require.NotEmpty(t, ents)
	assert.Equal(t, store.KindModule, ents[0].Kind)
	assert.Equal(t, "crate::client", ents[0].QualifiedName)
	assert.Equal(t, "client", ents[0].Name)
	assert.Equal(t, "crate::net::Conn", ents[0].Imports["Conn"])
}

func TestRust_Struct(t *testing.T) {
	t.Parallel()
	ents := extractRust(t, "src/client.rs", rustSource)

	s, _ := findEntity(t, ents, "crate::client::Client")
	assert.Equal(t, store.KindStruct, s.Kind)
	assert.Equal(t, store.Public, s.Visibility)
	assert.Equal(t, []string{"T"}, s.Generics)
	assert.True(t, s.Flags.Has(store.FlagGeneric))
	assert.Equal(t, []string{"Debug", "Clone"}, s.Derives)
	assert.Contains(t, s.Doc, "Opens a connection.")
	assert.Equal(t, 1, s.Parent)
	assert.Equal(t, 5, s.StartLine)

	assert.True(t, hasRelation(s, store.EdgeUses, "crate::net::Conn"), "import-qualified field type")
	assert.False(t, hasRelation(s, store.EdgeUses, "T"), "type parameters are not references")
	for _, r := range s.Relations {
		if r.Kind == store.EdgeDerives {
			assert.True(t, r.Attrs.Has(store.AttrDerived))
		}
	}
	assert.True(t, hasRelation(s, store.EdgeDerives, "Debug"))
}

func TestRust_TraitAndMembers(t *testing.T) {
	t.Parallel()
	ents := extractRust(t, "src/client.rs", rustSource)

	tr, trIdx := findEntity(t, ents, "crate::client::Transport")
	assert.Equal(t, store.KindTrait, tr.Kind)
	assert.True(t, hasRelation(tr, store.EdgeRequires, "Send"))
	assert.Equal(t, "pub trait Transport: Send", tr.Signature)

	m, _ := findEntity(t, ents, "crate::client::Transport::send")
	assert.Equal(t, store.KindMethod, m.Kind)
	assert.Equal(t, trIdx, m.Parent)
	assert.Equal(t, store.Public, m.Visibility, "trait members inherit the trait's visibility")
	assert.True(t, hasRelation(m, store.EdgeUses, "Error"))
	assert.False(t, hasRelation(m, store.EdgeUses, "Result"))
}

func TestRust_ImplBlock(t *testing.T) {
	t.Parallel()
	ents := extractRust(t, "src/client.rs", rustSource)

	impl, implIdx := findEntity(t, ents, "crate::client::impl Transport for Client<T>")
	assert.Equal(t, store.KindImplBlock, impl.Kind)
	assert.True(t, hasRelation(impl, store.EdgeImplements, "Transport"))
	assert.True(t, hasRelation(impl, store.EdgeUses, "Client"))
	assert.True(t, hasRelation(impl, store.EdgeDefinesAssocType, "Packet"))

	m, _ := findEntity(t, ents, "crate::client::Client::send")
	assert.Equal(t, store.KindMethod, m.Kind)
	assert.Equal(t, implIdx, m.Parent)
	assert.True(t, hasRelation(m, store.EdgeCalls, "helper"))
	assert.True(t, hasRelation(m, store.EdgeCalls, "write"))
}

func TestRust_FunctionFacets(t *testing.T) {
	t.Parallel()
	ents := extractRust(t, "src/client.rs", rustSource)

	c, _ := findEntity(t, ents, "crate::client::connect")
	assert.Equal(t, store.KindFunction, c.Kind)
	assert.True(t, c.Flags.Has(store.FlagAsync))
	assert.Equal(t, "pub async fn connect(addr: &str) -> Client<Conn>", c.Signature)
	assert.True(t, hasRelation(c, store.EdgeCalls, "open"))
	assert.True(t, hasRelation(c, store.EdgeUses, "Client"))
	assert.True(t, hasRelation(c, store.EdgeUses, "crate::net::Conn"))

	h, _ := findEntity(t, ents, "crate::client::helper")
	assert.Equal(t, store.Restricted, h.Visibility)
}

func TestRust_InlineModule(t *testing.T) {
	t.Parallel()
	ents := extractRust(t, "src/client.rs", rustSource)

	mod, modIdx := findEntity(t, ents, "crate::client::inner")
	assert.Equal(t, store.KindModule, mod.Kind)
	assert.Equal(t, store.Private, mod.Visibility)

	d, _ := findEntity(t, ents, "crate::client::inner::deep")
	assert.Equal(t, modIdx, d.Parent)
	assert.Equal(t, "crate::client::inner", d.ModulePath)
}

func TestRust_CfgAndReexport(t *testing.T) {
	t.Parallel()
	src := `pub use self::wire::Frame;

#[cfg(feature = "tls")]
pub fn secure() { handshake(); }
`
	ents := extractRust(t, "src/lib.rs", src)

	assert.Equal(t, "crate", ents[0].QualifiedName)
	assert.True(t, hasRelation(ents[0], store.EdgeReexports, "crate::wire::Frame"))

	s, _ := findEntity(t, ents, "crate::secure")
	require.Len(t, s.Relations, 1)
	assert.True(t, s.Relations[0].Attrs.Has(store.AttrCfgConditional))
}

func TestRust_SyntaxError(t *testing.T) {
	t.Parallel()
	_, err := NewRust().Extract(context.Background(), "src/bad.rs", []byte("pub fn broken( {\n"))
	require.Error(t, err)

	var xe *Error
	require.True(t, errors.As(err, &xe))
	assert.Equal(t, "src/bad.rs", xe.Path)
	assert.Equal(t, "rust", xe.Language)
	assert.Contains(t, err.Error(), "syntax error")
}

func TestRustModulePath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path string
		want string
	}{
		{"src/lib.rs", "crate"},
		{"src/main.rs", "crate"},
		{"src/B.rs", "crate::B"},
		{"b.rs", "crate::b"},
		{"src/net/mod.rs", "crate::net"},
		{"src/net/tcp.rs", "crate::net::tcp"},
		{"crates/core/src/my-mod.rs", "crate::my_mod"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rustModulePath(tt.path), tt.path)
	}
}

func TestExpandUse(t *testing.T) {
	t.Parallel()
	got := expandUse("std::{io::{self, Read}, fmt::Display as Show, collections::*}")
	assert.Equal(t, []useItem{
		{alias: "io", path: "std::io"},
		{alias: "Read", path: "std::io::Read"},
		{alias: "Show", path: "std::fmt::Display"},
		{path: "std::collections", glob: true},
	}, got)
}

func TestResolveRustPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "crate::a::b::x", resolveRustPath("self::x", "crate::a::b"))
	assert.Equal(t, "crate::a::x", resolveRustPath("super::x", "crate::a::b"))
	assert.Equal(t, "crate::x", resolveRustPath("super::super::x", "crate::a::b"))
	assert.Equal(t, "std::io", resolveRustPath("std::io", "crate::a"))
}
