package extract

import (
	"bufio"
	"bytes"
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jward/isg/internal/store"
)

// Fallback finds top-level blocks by braces or indentation in files no
// grammar-backed extractor handles. Its nodes are Unknown with a name and a
// line range but no signature.
type Fallback struct{}

func NewFallback() *Fallback { return &Fallback{} }

func (*Fallback) Language() string     { return "unknown" }
func (*Fallback) Extensions() []string { return nil }
func (*Fallback) Confidence() float64  { return 0.1 }
func (*Fallback) NeedsBuildInfo() bool { return false }

var (
	keywordName = regexp.MustCompile(`\b(?:function|func|def|fn|sub|proc|class|struct|enum|interface|trait|module|impl|object|type)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	callName    = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	commentLine = regexp.MustCompile(`^\s*(?://|#|--|;|/\*|\*)`)
)

type fbLine struct {
	text   string
	indent int
	start  uint32 // byte offset
}

func (x *Fallback) Extract(ctx context.Context, path string, content []byte) ([]RawEntity, error) {
	var ls []fbLine
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), len(content)+1)
	var off uint32
	for sc.Scan() {
		t := sc.Text()
		ls = append(ls, fbLine{text: t, indent: len(t) - len(strings.TrimLeft(t, " \t")), start: off})
		off += uint32(len(t)) + 1
	}
	if err := sc.Err(); err != nil {
		return nil, &Error{Path: path, Language: "unknown", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The file itself is the container; like every block it is Unknown.
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	b := newBuilder()
	mod := b.add(RawEntity{
		Kind:          store.KindUnknown,
		Name:          stem,
		QualifiedName: stem,
		ModulePath:    stem,
		Visibility:    store.Public,
		StartLine:     1,
		EndLine:       max(len(ls), 1),
		EndByte:       uint32(len(content)),
	})

	for i := 0; i < len(ls); i++ {
		l := ls[i]
		if l.indent != 0 || strings.TrimSpace(l.text) == "" || commentLine.MatchString(l.text) {
			continue
		}
		end, ok := blockEnd(ls, i)
		if !ok {
			continue
		}
		name := blockName(l.text)
		if name == "" {
			i = end
			continue
		}
		endByte := ls[end].start + uint32(len(ls[end].text))
		b.add(RawEntity{
			Kind:          store.KindUnknown,
			Name:          name,
			QualifiedName: stem + "." + name,
			ModulePath:    stem,
			Visibility:    store.Public,
			StartLine:     i + 1,
			EndLine:       end + 1,
			StartByte:     l.start,
			EndByte:       min(endByte, uint32(len(content))),
			Parent:        mod,
		})
		i = end
	}
	return b.entities, nil
}

// blockEnd returns the last line of the block opening at line i. A block
// either opens a brace that closes later or is followed by indented lines.
func blockEnd(ls []fbLine, i int) (int, bool) {
	depth := 0
	opened := false
	for j := i; j < len(ls); j++ {
		for _, r := range ls[j].text {
			switch r {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
		}
		if opened && depth <= 0 {
			return j, true
		}
		if !opened && j == i {
			// indentation block: header line then deeper lines
			k := i + 1
			for k < len(ls) && strings.TrimSpace(ls[k].text) == "" {
				k++
			}
			if k >= len(ls) || ls[k].indent == 0 {
				if k < len(ls) && strings.HasPrefix(strings.TrimSpace(ls[k].text), "{") {
					continue
				}
				return 0, false
			}
			last := k
			for k < len(ls) && (ls[k].indent > 0 || strings.TrimSpace(ls[k].text) == "") {
				if strings.TrimSpace(ls[k].text) != "" {
					last = k
				}
				k++
			}
			// a closing keyword at column 0, e.g. `end`
			if k < len(ls) && strings.TrimSpace(ls[k].text) == "end" {
				last = k
			}
			return last, true
		}
	}
	return 0, false
}

func blockName(line string) string {
	if m := keywordName.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	if m := callName.FindStringSubmatch(line); m != nil {
		switch m[1] {
		case "if", "for", "while", "switch", "return", "catch":
			return ""
		}
		return m[1]
	}
	return ""
}
