package runtime

import (
	"context"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/risor-io/risor/object"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/isg/internal/extract"
)

// parsedTree is what a script's node handles need to get back to: the bytes
// the tree was parsed from and its grammar.
type parsedTree struct {
	tree    *sitter.Tree
	src     []byte
	grammar *sitter.Language
}

// trees indexes every tree parsed during one script run by the address of
// its root node. The bindings expose no Node.Tree(), so a node finds its
// tree by climbing to the root.
type trees struct {
	mu     sync.RWMutex
	byRoot map[uintptr]*parsedTree
}

func newTrees() *trees {
	return &trees{byRoot: map[uintptr]*parsedTree{}}
}

func (t *trees) add(p *parsedTree) {
	t.mu.Lock()
	t.byRoot[uintptr(unsafe.Pointer(p.tree.RootNode()))] = p
	t.mu.Unlock()
}

func (t *trees) of(n *sitter.Node) (*parsedTree, bool) {
	for n.Parent() != nil {
		n = n.Parent()
	}
	t.mu.RLock()
	p, ok := t.byRoot[uintptr(unsafe.Pointer(n))]
	t.mu.RUnlock()
	return p, ok
}

func (t *trees) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, p := range t.byRoot {
		p.tree.Close()
		delete(t.byRoot, k)
	}
}

type hostFn func(ctx context.Context, args []object.Object) object.Object

// builtin wraps fn with an arity check.
func builtin(name string, arity int, fn hostFn) *object.Builtin {
	return object.NewBuiltin(name, func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != arity {
			return object.NewArgsError(name, arity, len(args))
		}
		return fn(ctx, args)
	})
}

func stringArg(fn, what string, arg object.Object) (string, *object.Error) {
	s, ok := arg.(*object.String)
	if !ok {
		return "", object.Errorf("%s: %s must be a string, got %s", fn, what, arg.Type())
	}
	return s.Value(), nil
}

func nodeArg(fn string, arg object.Object) (*sitter.Node, *object.Error) {
	p, ok := arg.(*object.Proxy)
	if !ok {
		return nil, object.Errorf("%s: expected a node, got %s", fn, arg.Type())
	}
	n, ok := p.Interface().(*sitter.Node)
	if !ok || n == nil {
		return nil, object.Errorf("%s: expected a node, got %T", fn, p.Interface())
	}
	return n, nil
}

func proxy(fn string, v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		return object.Errorf("%s: %v", fn, err)
	}
	return p
}

// hostFuncs returns the tree-sitter builtins bound to one run's trees.
//
//	parse(source, language) -> Tree
//	node_text(node) -> string
//	node_child(node, field) -> Node or nil
//	query(pattern, node) -> [{capture: Node}]
func hostFuncs(t *trees) map[string]any {
	return map[string]any{
		"parse": builtin("parse", 2, func(ctx context.Context, args []object.Object) object.Object {
			source, errObj := stringArg("parse", "source", args[0])
			if errObj != nil {
				return errObj
			}
			lang, errObj := stringArg("parse", "language", args[1])
			if errObj != nil {
				return errObj
			}
			grammar, ok := extract.Grammar(lang)
			if !ok {
				return object.Errorf("parse: unsupported language %q", lang)
			}
			src := []byte(source)
			tree, err := extract.Parse(ctx, lang, src)
			if err != nil {
				return object.Errorf("parse: %v", err)
			}
			t.add(&parsedTree{tree: tree, src: src, grammar: grammar})
			return proxy("parse", tree)
		}),

		// node.Content needs the source bytes, which a proxy cannot pass.
		"node_text": builtin("node_text", 1, func(_ context.Context, args []object.Object) object.Object {
			n, errObj := nodeArg("node_text", args[0])
			if errObj != nil {
				return errObj
			}
			p, ok := t.of(n)
			if !ok {
				return object.Errorf("node_text: node does not belong to a parsed tree")
			}
			return object.NewString(n.Content(p.src))
		}),

		"node_child": builtin("node_child", 2, func(_ context.Context, args []object.Object) object.Object {
			n, errObj := nodeArg("node_child", args[0])
			if errObj != nil {
				return errObj
			}
			field, errObj := stringArg("node_child", "field", args[1])
			if errObj != nil {
				return errObj
			}
			child := n.ChildByFieldName(field)
			if child == nil {
				return object.Nil
			}
			return proxy("node_child", child)
		}),

		"query": builtin("query", 2, func(_ context.Context, args []object.Object) object.Object {
			pattern, errObj := stringArg("query", "pattern", args[0])
			if errObj != nil {
				return errObj
			}
			n, errObj := nodeArg("query", args[1])
			if errObj != nil {
				return errObj
			}
			p, ok := t.of(n)
			if !ok {
				return object.Errorf("query: node does not belong to a parsed tree")
			}
			return runQuery(p, pattern, n)
		}),
	}
}

func runQuery(p *parsedTree, pattern string, n *sitter.Node) object.Object {
	q, err := sitter.NewQuery([]byte(pattern), p.grammar)
	if err != nil {
		return object.Errorf("query: invalid pattern: %v", err)
	}
	defer q.Close()
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, n)

	matches := []object.Object{}
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		m = qc.FilterPredicates(m, p.src)
		if len(m.Captures) == 0 {
			continue
		}
		caps := make(map[string]object.Object, len(m.Captures))
		for _, c := range m.Captures {
			v := proxy("query", c.Node)
			if e, isErr := v.(*object.Error); isErr {
				return e
			}
			caps[q.CaptureNameForId(c.Index)] = v
		}
		matches = append(matches, object.NewMap(caps))
	}
	return object.NewList(matches)
}

// scriptLog is the script-visible log object.
type scriptLog struct {
	logger *slog.Logger
}

func (l *scriptLog) Debug(msg string) { l.logger.Debug(msg) }
func (l *scriptLog) Info(msg string)  { l.logger.Info(msg) }
func (l *scriptLog) Warn(msg string)  { l.logger.Warn(msg) }
func (l *scriptLog) Error(msg string) { l.logger.Error(msg) }
