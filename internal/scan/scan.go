// Package scan discovers source files under a root directory.
//
// Inside a git work tree discovery uses git ls-files, which honors every
// ignore source git knows about. Elsewhere it walks the tree, skipping
// hidden and vendored directories and honoring .gitignore files along the
// way. Include and exclude globs apply in both modes.
package scan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	ignore "github.com/sabhiram/go-gitignore"
)

var (
	ErrRootNotDir     = errors.New("root is not a directory")
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// DefaultMaxFileSize bounds the files discovery returns.
const DefaultMaxFileSize int64 = 4 << 20

var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	"target":       true,
	"dist":         true,
	"build":        true,
}

// Config selects the files a Scanner returns. Patterns match the slash
// separated path relative to Root, or the base name.
type Config struct {
	Root        string
	Include     []string
	Exclude     []string
	MaxFileSize int64
	// NoGit forces the filesystem walk even inside a git work tree.
	NoGit bool
}

// Scanner lists files. It is safe for concurrent use once built.
type Scanner struct {
	root        string
	include     []glob.Glob
	exclude     []glob.Glob
	maxFileSize int64
	noGit       bool
	accept      func(rel string) bool
	logger      *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithFilter adds a predicate every returned path must satisfy, typically
// "some extractor handles this file".
func WithFilter(fn func(rel string) bool) Option {
	return func(s *Scanner) { s.accept = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) { s.logger = l }
}

// New validates the root and compiles the patterns.
func New(cfg Config, opts ...Option) (*Scanner, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("scan: root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("scan: root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan: %s: %w", root, ErrRootNotDir)
	}

	s := &Scanner{
		root:        root,
		maxFileSize: cfg.MaxFileSize,
		noGit:       cfg.NoGit,
		logger:      slog.New(slog.DiscardHandler),
	}
	if s.maxFileSize <= 0 {
		s.maxFileSize = DefaultMaxFileSize
	}
	if s.include, err = compileGlobs(cfg.Include); err != nil {
		return nil, err
	}
	if s.exclude, err = compileGlobs(cfg.Exclude); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("scan: %q: %w: %v", p, ErrInvalidPattern, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Root is the absolute root directory.
func (s *Scanner) Root() string { return s.root }

// Rel converts an absolute or root-relative path into the slash separated
// form used as the graph's file identity.
func (s *Scanner) Rel(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(filepath.Clean(p)), nil
	}
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("scan: %s is outside %s", p, s.root)
	}
	return filepath.ToSlash(rel), nil
}

// Abs is the inverse of Rel.
func (s *Scanner) Abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Match reports whether rel passes the include, exclude and filter rules.
// It does not look at the filesystem.
func (s *Scanner) Match(rel string) bool {
	base := path.Base(rel)
	if len(s.include) > 0 && !matchAny(s.include, rel, base) {
		return false
	}
	if matchAny(s.exclude, rel, base) {
		return false
	}
	return s.accept == nil || s.accept(rel)
}

func matchAny(gs []glob.Glob, rel, base string) bool {
	for _, g := range gs {
		if g.Match(rel) || g.Match(base) {
			return true
		}
	}
	return false
}

// SkipDir reports whether a directory name is never descended into.
func SkipDir(name string) bool {
	return strings.HasPrefix(name, ".") || skipDirs[name]
}

// Files returns the sorted root-relative paths of every matching file.
func (s *Scanner) Files(ctx context.Context) ([]string, error) {
	var (
		paths []string
		err   error
	)
	if !s.noGit {
		paths, err = s.gitListFiles(ctx)
		if err != nil {
			s.logger.Debug("git ls-files unavailable, walking", "root", s.root, "error", err)
		}
	}
	if s.noGit || err != nil {
		if paths, err = s.walkListFiles(ctx); err != nil {
			return nil, err
		}
	}

	out := paths[:0]
	for _, rel := range paths {
		if !s.Match(rel) || !s.sizeOK(rel) {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Scanner) sizeOK(rel string) bool {
	info, err := os.Stat(s.Abs(rel))
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() > s.maxFileSize {
		s.logger.Debug("skipping large file", "file", rel, "size", info.Size())
		return false
	}
	return true
}

// gitListFiles lists tracked and untracked-but-not-ignored files.
func (s *Scanner) gitListFiles(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = s.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if skipped(line) {
			continue
		}
		paths = append(paths, line)
	}
	return paths, nil
}

// skipped reports whether rel is a hidden file or lies under a directory
// SkipDir rejects.
func skipped(rel string) bool {
	if strings.HasPrefix(path.Base(rel), ".") {
		return true
	}
	for _, d := range strings.Split(path.Dir(rel), "/") {
		if d != "." && SkipDir(d) {
			return true
		}
	}
	return false
}

// ignoreRule is a compiled .gitignore and the directory it applies to.
type ignoreRule struct {
	dir string
	gi  *ignore.GitIgnore
}

// walkListFiles walks the tree, skipping hidden files, hidden and vendored
// directories, and anything matched by a .gitignore in an enclosing directory.
func (s *Scanner) walkListFiles(ctx context.Context) ([]string, error) {
	var (
		paths []string
		rules []ignoreRule
	)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, _ := filepath.Rel(s.root, p)
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && (SkipDir(d.Name()) || ignored(rules, rel+"/")) {
				return filepath.SkipDir
			}
			gi, err := ignore.CompileIgnoreFile(filepath.Join(p, ".gitignore"))
			if err == nil {
				rules = append(rules, ignoreRule{dir: rel, gi: gi})
			}
			return nil
		}
		if !strings.HasPrefix(d.Name(), ".") && !ignored(rules, rel) {
			paths = append(paths, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan: walk: %w", err)
	}
	return paths, nil
}

// ignored checks rel against each rule whose directory encloses it, using the
// path relative to that directory.
func ignored(rules []ignoreRule, rel string) bool {
	for _, r := range rules {
		sub := rel
		if r.dir != "." {
			if !strings.HasPrefix(rel, r.dir+"/") {
				continue
			}
			sub = strings.TrimPrefix(rel, r.dir+"/")
		}
		if r.gi.MatchesPath(sub) {
			return true
		}
	}
	return false
}
