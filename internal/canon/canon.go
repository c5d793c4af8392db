// Package canon turns declaration text into a canonical signature and a
// 64-bit digest used for change detection.
//
// Rules are applied in a fixed order: insignificant whitespace and comments
// are dropped, declared type parameters are renamed to T0, T1, ... and
// lifetimes to 'L0, 'L1, ... in order of first appearance, where-clause
// predicates are sorted, and self/super/imported paths are qualified against
// the module root.
//
// The digest is xxHash64 of the canonical string. Collisions are possible
// and tolerated: a collision can only make two different signatures look
// unchanged to change suppression, never corrupt the graph.
package canon

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Context describes where a declaration lives.
type Context struct {
	Language   string
	ModulePath string

	// Imports maps a local name to its fully qualified path.
	Imports map[string]string

	// Generics lists declared type parameter names when the caller already
	// knows them. When nil they are inferred from the declaration header.
	Generics []string
}

// Result is the canonical form of one signature.
type Result struct {
	Canonical   string
	Digest      uint64
	Degraded    bool
	Generics    []string
	WhereBounds []string
}

// Canonicalize normalizes raw. Malformed input never fails: the trimmed raw
// text is returned with Degraded set.
func Canonicalize(raw string, ctx Context) Result {
	toks, err := tokenize(raw, ctx.Language)
	if err == nil {
		err = checkBalanced(toks, ctx.Language)
	}
	if err != nil {
		trimmed := strings.TrimSpace(raw)
		return Result{Canonical: trimmed, Digest: xxhash.Sum64String(trimmed), Degraded: true}
	}

	toks = dropTrailingCommas(toks)

	generics := ctx.Generics
	if generics == nil {
		generics = inferGenerics(toks, ctx.Language)
	}
	toks = renameParams(toks, generics)
	toks, bounds := sortWhere(toks, ctx.Language)
	toks = qualify(toks, ctx)

	canonical := render(toks)
	return Result{
		Canonical:   canonical,
		Digest:      xxhash.Sum64String(canonical),
		Generics:    generics,
		WhereBounds: bounds,
	}
}

// Digest hashes an already canonical string.
func Digest(canonical string) uint64 {
	return xxhash.Sum64String(canonical)
}

// DocFingerprint returns the first non-empty line of a doc comment and a
// hash of the whole comment with comment markers and edge whitespace removed.
func DocFingerprint(doc string) (string, uint64) {
	var lines []string
	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		for _, marker := range []string{"///", "//!", "//", "#", "\"\"\"", "'''"} {
			line = strings.TrimPrefix(line, marker)
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\"\"\""), "'''")
		lines = append(lines, strings.TrimSpace(line))
	}
	first := ""
	for _, l := range lines {
		if l != "" {
			first = l
			break
		}
	}
	if first == "" {
		return "", 0
	}
	return first, xxhash.Sum64String(strings.TrimSpace(strings.Join(lines, "\n")))
}

// --- Rule 2: positional renaming ---

func renameParams(toks []token, generics []string) []token {
	declared := make(map[string]bool, len(generics))
	for _, g := range generics {
		declared[g] = true
	}
	typeNames := map[string]string{}
	lifetimes := map[string]string{}

	out := make([]token, len(toks))
	for i, t := range toks {
		out[i] = t
		switch t.kind {
		case tokLifetime:
			if t.text == "'static" || t.text == "'_" {
				continue
			}
			name, ok := lifetimes[t.text]
			if !ok {
				name = "'L" + strconv.Itoa(len(lifetimes))
				lifetimes[t.text] = name
			}
			out[i].text = name
		case tokWord:
			if !declared[t.text] || (i > 0 && (toks[i-1].is("::") || toks[i-1].is("."))) {
				continue
			}
			name, ok := typeNames[t.text]
			if !ok {
				name = "T" + strconv.Itoa(len(typeNames))
				typeNames[t.text] = name
			}
			out[i].text = name
		}
	}
	return out
}

var declKeywords = map[string]map[string]bool{
	"rust":   {"fn": true, "struct": true, "enum": true, "trait": true, "union": true, "type": true},
	"go":     {"func": true, "type": true},
	"python": {"def": true, "class": true},
}

func genericOpener(lang string) string {
	if lang == "rust" {
		return "<"
	}
	return "["
}

// inferGenerics finds type parameters declared in the header of a
// declaration: `fn name<...>`, `impl<...>`, `func Name[...]`, Go receiver
// type arguments, or PEP 695 brackets.
func inferGenerics(toks []token, lang string) []string {
	open := genericOpener(lang)
	var names []string
	seen := map[string]bool{}
	add := func(list []string) {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokWord {
			continue
		}
		if lang == "go" && i > 0 {
			break
		}
		if lang == "rust" && t.text == "impl" {
			if i+1 < len(toks) && toks[i+1].is("<") {
				add(paramNames(toks, i+1, "<", ">"))
			}
			break
		}
		if !declKeywords[lang][t.text] {
			continue
		}
		switch {
		case i+2 < len(toks) && toks[i+1].kind == tokWord && toks[i+2].is(open):
			add(paramNames(toks, i+2, open, closerOf(open)))
		case lang == "go" && t.text == "func" && i+1 < len(toks) && toks[i+1].is("("):
			// Receiver type arguments: func (l *List[K, V]) ...
			for j := i + 2; j+1 < len(toks) && !toks[j].is(")"); j++ {
				if toks[j].kind == tokWord && toks[j+1].is("[") {
					add(paramNames(toks, j+1, "[", "]"))
					break
				}
			}
		}
		break
	}
	return names
}

func closerOf(open string) string {
	if open == "<" {
		return ">"
	}
	return "]"
}

// paramNames returns the first identifier of each depth-1 segment of the
// bracket starting at start. Lifetimes are skipped; `const N` yields N.
func paramNames(toks []token, start int, open, close string) []string {
	var names []string
	depth := 0
	segStart := true
	for i := start; i < len(toks); i++ {
		t := toks[i]
		if t.is(open) || t.is("(") || t.is("[") || t.is("{") {
			depth++
			if depth == 1 {
				segStart = true
			}
			continue
		}
		if t.is(close) || t.is(")") || t.is("]") || t.is("}") {
			depth--
			if depth == 0 {
				break
			}
			continue
		}
		if depth != 1 {
			continue
		}
		if t.is(",") {
			segStart = true
			continue
		}
		if !segStart {
			continue
		}
		if t.kind == tokWord {
			if t.text == "const" && i+1 < len(toks) && toks[i+1].kind == tokWord {
				names = append(names, toks[i+1].text)
				i++
			} else {
				names = append(names, t.text)
			}
		}
		segStart = false
	}
	return names
}

// --- Rule 3: where-clause ordering ---

func sortWhere(toks []token, lang string) ([]token, []string) {
	if lang != "rust" {
		return toks, nil
	}
	depth := 0
	where := -1
	for i, t := range toks {
		switch {
		case t.is("(") || t.is("[") || t.is("<"):
			depth++
		case t.is(")") || t.is("]") || t.is(">"):
			depth--
		case depth == 0 && t.kind == tokWord && t.text == "where":
			where = i
		}
		if where >= 0 {
			break
		}
	}
	if where < 0 {
		return toks, nil
	}

	end := len(toks)
	var preds [][]token
	var cur []token
	depth = 0
	for i := where + 1; i < len(toks); i++ {
		t := toks[i]
		if depth == 0 && (t.is("{") || t.is(";")) {
			end = i
			break
		}
		switch {
		case t.is("(") || t.is("[") || t.is("<") || t.is("{"):
			depth++
		case t.is(")") || t.is("]") || t.is(">") || t.is("}"):
			depth--
		}
		if depth == 0 && t.is(",") {
			if len(cur) > 0 {
				preds = append(preds, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		preds = append(preds, cur)
	}

	rendered := make([]string, len(preds))
	for i, p := range preds {
		rendered[i] = render(p)
	}
	order := make([]int, len(preds))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return rendered[order[a]] < rendered[order[b]] })

	out := append([]token{}, toks[:where+1]...)
	bounds := make([]string, 0, len(preds))
	for n, idx := range order {
		if n > 0 {
			out = append(out, token{kind: tokPunct, text: ","})
		}
		out = append(out, preds[idx]...)
		bounds = append(bounds, rendered[idx])
	}
	out = append(out, toks[end:]...)
	return out, bounds
}

// --- Rule 4: path qualification ---

func qualify(toks []token, ctx Context) []token {
	sep := "."
	if ctx.Language == "rust" {
		sep = "::"
	}
	modSegs := splitPath(ctx.ModulePath, sep)

	out := make([]token, 0, len(toks))
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokWord {
			out = append(out, t)
			continue
		}
		prevSep := i > 0 && (toks[i-1].is("::") || toks[i-1].is("."))
		nextSep := i+1 < len(toks) && toks[i+1].is(sep)

		if ctx.Language == "rust" && !prevSep && nextSep && (t.text == "self" || t.text == "super") && len(modSegs) > 0 {
			segs := modSegs
			for t.text == "super" {
				if len(segs) > 1 {
					segs = segs[:len(segs)-1]
				}
				// super::super::X climbs one level per segment.
				if i+3 < len(toks) && toks[i+2].kind == tokWord && toks[i+2].text == "super" && toks[i+3].is("::") {
					i += 2
					continue
				}
				break
			}
			out = appendPath(out, segs, sep)
			continue
		}

		if prevSep || ctx.Imports == nil {
			out = append(out, t)
			continue
		}
		full, ok := ctx.Imports[t.text]
		if !ok || full == t.text {
			out = append(out, t)
			continue
		}
		// Parameter and field names are followed by a single colon.
		if i+1 < len(toks) && toks[i+1].is(":") {
			out = append(out, t)
			continue
		}
		// Go only qualifies package selectors.
		if ctx.Language == "go" {
			if !nextSep {
				out = append(out, t)
				continue
			}
			out = append(out, token{kind: tokWord, text: full})
			continue
		}
		out = appendPath(out, splitPath(full, sep), sep)
	}
	return out
}

func splitPath(p, sep string) []string {
	if p == "" {
		return nil
	}
	return strings.Split(p, sep)
}

func appendPath(out []token, segs []string, sep string) []token {
	for n, s := range segs {
		if n > 0 {
			out = append(out, token{kind: tokPunct, text: sep})
		}
		out = append(out, token{kind: tokWord, text: s})
	}
	return out
}
