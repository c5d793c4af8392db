package extract

import (
	"bytes"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// extToLanguage maps file extensions to canonical language names.
var extToLanguage = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".py":   "python",
	".pyi":  "python",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".cxx":  "cpp",
	".hpp":  "cpp",
	".java": "java",
	".php":  "php",
	".rb":   "ruby",
}

// shebangLanguage maps interpreter names found on a #! line.
var shebangLanguage = map[string]string{
	"python":  "python",
	"python3": "python",
	"node":    "javascript",
	"ruby":    "ruby",
	"php":     "php",
}

// LanguageForFile returns the canonical language name for a file path based
// on its extension. Returns ("", false) if the extension is not recognized.
func LanguageForFile(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := extToLanguage[ext]
	return lang, ok
}

// sniffLanguage detects a language from a shebang line.
func sniffLanguage(content []byte) (string, bool) {
	if !bytes.HasPrefix(content, []byte("#!")) {
		return "", false
	}
	line := content[2:]
	if i := bytes.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return "", false
	}
	interp := filepath.Base(fields[0])
	if interp == "env" && len(fields) > 1 {
		interp = fields[1]
	}
	if lang, ok := shebangLanguage[interp]; ok {
		return lang, true
	}
	// python3.12 and friends
	for prefix, lang := range shebangLanguage {
		if strings.HasPrefix(interp, prefix) {
			return lang, true
		}
	}
	return "", false
}

// Registry selects an extractor per file. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	byLanguage map[string][]Extractor
	extensions map[string]string // beyond extToLanguage
	fallback   Extractor
}

// NewRegistry returns a registry with the structural fallback installed.
func NewRegistry() *Registry {
	return &Registry{
		byLanguage: map[string][]Extractor{},
		extensions: map[string]string{},
		fallback:   NewFallback(),
	}
}

// DefaultRegistry has the Rust, Go and Python extractors registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewRust())
	r.Register(NewGo())
	r.Register(NewPython())
	return r
}

// Register adds e. Extensions it declares that are not yet known are mapped
// to its language.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lang := e.Language()
	list := append(r.byLanguage[lang], e)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Confidence() > list[j].Confidence() })
	r.byLanguage[lang] = list
	for _, ext := range e.Extensions() {
		ext = strings.ToLower(ext)
		if _, ok := r.languageFor(ext); !ok {
			r.extensions[ext] = lang
		}
	}
}

// For picks the highest-confidence extractor for path. The language is
// detected by extension, then by shebang. When no extractor is registered
// for the language, the structural fallback is returned with ok false.
func (r *Registry) For(path string, content []byte) (ex Extractor, language string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lang, known := r.languageFor(strings.ToLower(filepath.Ext(path)))
	if !known {
		lang, known = sniffLanguage(content)
	}
	if !known {
		lang = "unknown"
	}
	if list := r.byLanguage[lang]; len(list) > 0 {
		return list[0], lang, true
	}
	return r.fallback, lang, false
}

// Handles reports whether path has an extension any extractor or the
// language table knows.
func (r *Registry) Handles(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.languageFor(strings.ToLower(filepath.Ext(path)))
	return ok
}

// Languages lists languages with a registered extractor.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byLanguage))
	for l := range r.byLanguage {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) languageFor(ext string) (string, bool) {
	if lang, ok := extToLanguage[ext]; ok {
		return lang, true
	}
	lang, ok := r.extensions[ext]
	return lang, ok
}
