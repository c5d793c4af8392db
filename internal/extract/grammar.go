package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/php"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"
)

// langToGrammar maps language names to tree-sitter Language objects.
// Lazily initialized on first call via sync.Once.
var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		langToGrammar = map[string]*sitter.Language{
			"go":         golang.GetLanguage(),
			"typescript": ts.GetLanguage(),
			"javascript": javascript.GetLanguage(),
			"python":     python.GetLanguage(),
			"rust":       rust.GetLanguage(),
			"c":          c.GetLanguage(),
			"cpp":        cpp.GetLanguage(),
			"java":       java.GetLanguage(),
			"php":        php.GetLanguage(),
			"ruby":       ruby.GetLanguage(),
		}
	})
}

// Grammar returns the tree-sitter Language for a canonical language name.
// Script extractors use it for languages without a built-in extractor.
func Grammar(lang string) (*sitter.Language, bool) {
	initGrammars()
	l, ok := langToGrammar[lang]
	return l, ok
}

// Parse parses content with a fresh parser. The caller closes the tree.
func Parse(ctx context.Context, lang string, content []byte) (*sitter.Tree, error) {
	grammar, ok := Grammar(lang)
	if !ok {
		return nil, fmt.Errorf("no grammar for %q", lang)
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	return tree, nil
}

// syntaxError describes the first ERROR or MISSING node under root.
func syntaxError(root *sitter.Node) error {
	var found *sitter.Node
	walk(root, func(n *sitter.Node) bool {
		if found != nil {
			return false
		}
		if n.IsError() || n.IsMissing() {
			found = n
			return false
		}
		return n.HasError()
	})
	if found == nil {
		return fmt.Errorf("syntax error")
	}
	p := found.StartPoint()
	if found.IsMissing() {
		return fmt.Errorf("syntax error: missing %s at %d:%d", found.Type(), p.Row+1, p.Column+1)
	}
	return fmt.Errorf("syntax error at %d:%d", p.Row+1, p.Column+1)
}

// --- node helpers ---

// walk visits n and its descendants depth-first. fn returns false to skip a
// node's children.
func walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), fn)
	}
}

func text(n *sitter.Node, src []byte) string {
	if n == nil {
		return ""
	}
	return n.Content(src)
}

func field(n *sitter.Node, name string, src []byte) string {
	return text(n.ChildByFieldName(name), src)
}

// header returns the source of n up to the start of its body field, or all
// of n when it has none.
func header(n *sitter.Node, src []byte, bodyField string) string {
	end := n.EndByte()
	if body := n.ChildByFieldName(bodyField); body != nil {
		end = body.StartByte()
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(string(src[n.StartByte():end])), ";"))
}

func lines(n *sitter.Node) (int, int) {
	return int(n.StartPoint().Row) + 1, int(n.EndPoint().Row) + 1
}

func childOfType(n *sitter.Node, types ...string) *sitter.Node {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		for _, t := range types {
			if c.Type() == t {
				return c
			}
		}
	}
	return nil
}

// rawEntity fills the position fields shared by every extractor.
func rawEntity(n *sitter.Node) RawEntity {
	start, end := lines(n)
	return RawEntity{
		StartByte: n.StartByte(),
		EndByte:   n.EndByte(),
		StartLine: start,
		EndLine:   end,
	}
}
