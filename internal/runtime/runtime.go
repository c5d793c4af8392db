// Package runtime runs Risor extraction scripts. Scripts get tree-sitter host
// functions and report entities through emit, which lets a language be added
// without recompiling.
package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
)

const scriptExt = ".risor"

// Runtime evaluates scripts. Every evaluation gets a fresh session, so one
// Runtime may serve concurrent extractions.
type Runtime struct {
	dir    string
	fsys   fs.FS
	logger *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithFS loads scripts and resolves imports from fsys instead of the
// scripts directory.
func WithFS(fsys fs.FS) Option {
	return func(r *Runtime) { r.fsys = fsys }
}

// WithLogger sets the logger behind the script-visible log object.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime returns a Runtime reading scripts below dir. An empty dir with
// no WithFS leaves imports disabled.
func NewRuntime(dir string, opts ...Option) *Runtime {
	r := &Runtime{dir: dir, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunScript evaluates the script at path with extra globals.
func (r *Runtime) RunScript(ctx context.Context, path string, extra map[string]any) error {
	src, err := r.LoadScript(path)
	if err != nil {
		return err
	}
	sess := newSession()
	defer sess.close()
	return r.eval(ctx, sess, src, path, extra)
}

// RunSource evaluates source with extra globals.
func (r *Runtime) RunSource(ctx context.Context, source string, extra map[string]any) error {
	sess := newSession()
	defer sess.close()
	return r.eval(ctx, sess, source, "<inline>", extra)
}

func (r *Runtime) eval(ctx context.Context, sess *session, source, label string, extra map[string]any) error {
	globals := hostFuncs(sess.trees)
	globals["emit"] = makeEmitFn(sess)
	globals["relate"] = makeRelateFn(sess)
	globals["add_import"] = makeAddImportFn(sess)
	globals["log"] = logProxy(r.logger.With("script", label))
	maps.Copy(globals, extra)

	opts := make([]risor.Option, 0, len(globals)+1)
	for name, v := range globals {
		opts = append(opts, risor.WithGlobal(name, v))
	}
	if imp := r.importer(slices.Collect(maps.Keys(globals))); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}
	if _, err := risor.Eval(ctx, source, opts...); err != nil {
		return fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return nil
}

func (r *Runtime) importer(globals []string) importer.Importer {
	switch {
	case r.fsys != nil:
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globals,
			SourceFS:    r.fsys,
			Extensions:  []string{scriptExt},
		})
	case r.dir != "":
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globals,
			SourceDir:   r.dir,
			Extensions:  []string{scriptExt},
		})
	}
	return nil
}

// LoadScript returns the text of a script from the configured fs.FS, or
// from disk relative to the scripts directory.
func (r *Runtime) LoadScript(path string) (string, error) {
	if r.fsys != nil {
		name := strings.TrimPrefix(filepath.ToSlash(path), "/")
		b, err := fs.ReadFile(r.fsys, name)
		if err != nil {
			return "", fmt.Errorf("runtime: load %s from fs: %w", name, err)
		}
		return string(b), nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dir, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("runtime: load %s: %w", path, err)
	}
	return string(b), nil
}

// ExtractionScriptPath is where a language's extractor script lives by
// default.
func ExtractionScriptPath(language string) string {
	return filepath.Join("extract", language+scriptExt)
}

func logProxy(l *slog.Logger) object.Object {
	p, err := object.NewProxy(&scriptLog{logger: l})
	if err != nil {
		panic(fmt.Sprintf("runtime: log proxy: %v", err))
	}
	return p
}
