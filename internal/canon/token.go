package canon

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokLifetime
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func (t token) wordLike() bool {
	return t.kind == tokWord || t.kind == tokLifetime
}

func (t token) is(text string) bool {
	return t.kind == tokPunct && t.text == text
}

var errEmpty = errors.New("empty signature")

// multiPunct lists punctuation sequences kept as a single token, longest first.
var multiPunct = map[string][]string{
	"rust":   {"..=", "...", "::", "->", "=>", ".."},
	"go":     {"...", "<-", ":="},
	"python": {"...", "->", "**"},
}

// tokenize splits raw into tokens, dropping whitespace and comments.
func tokenize(raw, lang string) ([]token, error) {
	var toks []token
	puncts := multiPunct[lang]
	if puncts == nil {
		puncts = multiPunct["rust"]
	}
	hashComments := lang == "python"

	i := 0
	for i < len(raw) {
		r, size := utf8.DecodeRuneInString(raw[i:])
		switch {
		case unicode.IsSpace(r):
			i += size

		case hashComments && r == '#':
			i = skipLine(raw, i)

		case !hashComments && strings.HasPrefix(raw[i:], "//"):
			i = skipLine(raw, i)

		case !hashComments && strings.HasPrefix(raw[i:], "/*"):
			end, err := skipBlockComment(raw, i, lang == "rust")
			if err != nil {
				return nil, err
			}
			i = end

		case r == '"' || r == '`' || (r == '\'' && lang != "rust"):
			end, err := scanString(raw, i, lang)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: raw[i:end]})
			i = end

		case r == '\'':
			// Rust: lifetime unless the identifier run is closed by another quote.
			j := i + 1
			for j < len(raw) {
				rr, sz := utf8.DecodeRuneInString(raw[j:])
				if !isIdentRune(rr) {
					break
				}
				j += sz
			}
			if j > i+1 && (j >= len(raw) || raw[j] != '\'') {
				toks = append(toks, token{kind: tokLifetime, text: raw[i:j]})
				i = j
				continue
			}
			end, err := scanString(raw, i, lang)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: raw[i:end]})
			i = end

		case isIdentRune(r):
			j := i
			for j < len(raw) {
				rr, sz := utf8.DecodeRuneInString(raw[j:])
				if !isIdentRune(rr) {
					break
				}
				j += sz
			}
			toks = append(toks, token{kind: tokWord, text: raw[i:j]})
			i = j

		default:
			matched := false
			for _, p := range puncts {
				if strings.HasPrefix(raw[i:], p) {
					toks = append(toks, token{kind: tokPunct, text: p})
					i += len(p)
					matched = true
					break
				}
			}
			if !matched {
				toks = append(toks, token{kind: tokPunct, text: raw[i : i+size]})
				i += size
			}
		}
	}
	if len(toks) == 0 {
		return nil, errEmpty
	}
	return toks, nil
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func skipLine(s string, i int) int {
	if nl := strings.IndexByte(s[i:], '\n'); nl >= 0 {
		return i + nl + 1
	}
	return len(s)
}

// skipBlockComment returns the offset after the comment starting at i.
// Rust block comments nest.
func skipBlockComment(s string, i int, nested bool) (int, error) {
	depth := 0
	for j := i; j < len(s)-1; {
		switch {
		case s[j] == '/' && s[j+1] == '*':
			depth++
			j += 2
		case s[j] == '*' && s[j+1] == '/':
			depth--
			j += 2
			if depth == 0 || !nested {
				return j, nil
			}
		default:
			j++
		}
	}
	return 0, fmt.Errorf("unterminated block comment at offset %d", i)
}

// scanString returns the offset after the string literal starting at i.
func scanString(s string, i int, lang string) (int, error) {
	q := s[i]
	if lang == "python" && strings.HasPrefix(s[i:], strings.Repeat(string(q), 3)) {
		delim := strings.Repeat(string(q), 3)
		if end := strings.Index(s[i+3:], delim); end >= 0 {
			return i + 3 + end + 3, nil
		}
		return 0, fmt.Errorf("unterminated string at offset %d", i)
	}
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			if q != '`' {
				j++
			}
		case q:
			return j + 1, nil
		case '\n':
			if q != '`' && lang != "rust" {
				return 0, fmt.Errorf("unterminated string at offset %d", i)
			}
		}
	}
	return 0, fmt.Errorf("unterminated string at offset %d", i)
}

var closers = map[string]string{")": "(", "]": "[", "}": "{", ">": "<"}

// checkBalanced verifies that brackets pair up. Angle brackets only count
// for languages that use them for generics.
func checkBalanced(toks []token, lang string) error {
	angles := lang == "rust"
	var stack []string
	for _, t := range toks {
		if t.kind != tokPunct {
			continue
		}
		switch t.text {
		case "(", "[", "{":
			stack = append(stack, t.text)
		case "<":
			if angles {
				stack = append(stack, t.text)
			}
		case ")", "]", "}", ">":
			if t.text == ">" && !angles {
				continue
			}
			if len(stack) == 0 || stack[len(stack)-1] != closers[t.text] {
				return fmt.Errorf("unbalanced %q", t.text)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}

// dropTrailingCommas removes a comma that directly precedes a closing
// bracket, so `(a, b,)` and `(a, b)` canonicalize alike.
func dropTrailingCommas(toks []token) []token {
	out := toks[:0:0]
	for i, t := range toks {
		if t.is(",") && i+1 < len(toks) {
			if _, closing := closers[toks[i+1].text]; closing && toks[i+1].kind == tokPunct {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func render(toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 && t.wordLike() && toks[i-1].wordLike() {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
	}
	return b.String()
}
