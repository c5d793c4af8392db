package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jward/isg"
	"github.com/jward/isg/internal/config"
	"github.com/jward/isg/internal/extract"
	"github.com/jward/isg/internal/metrics"
	"github.com/jward/isg/internal/vector"
)

// Exit codes.
const (
	exitOK      = 0
	exitPartial = 1
	exitFatal   = 2
)

// exitError carries a non-default exit code. Errors without one are fatal.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func partial(format string, args ...any) error {
	return &exitError{code: exitPartial, err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFatal
}

// globals holds the persistent flags.
type globals struct {
	root      string
	db        string
	config    string
	logLevel  string
	logFormat string
	format    string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "isg",
		Short:         "Interface signature graph of a repository",
		Long:          "isg extracts the interface-level entities of a repository into a versioned graph and answers traversal, similarity and blast radius queries over it.",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFormat(g.format); err != nil {
				return err
			}
			_, err := newLogger(g.logLevel, g.logFormat, io.Discard)
			return err
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.root, "root", "", "repository root (default: nearest directory holding .git)")
	pf.StringVar(&g.db, "db", "", "database path (default: .isg/graph.db under the root)")
	pf.StringVar(&g.config, "config", "", "config file (default: .isg/config.yaml under the root)")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&g.logFormat, "log-format", "text", "log format: text|json")
	pf.StringVar(&g.format, "format", "json", "output format: json|text")

	root.AddCommand(
		newIngestCmd(g),
		newProposeCmd(g),
		newPromoteCmd(g),
		newDiscardCmd(g),
		newWatchCmd(g),
		newServeCmd(g),
		newQueryCmd(g),
		newDiffCmd(g),
		newGCCmd(g),
		newGenerationsCmd(g),
		newQuarantineCmd(g),
	)
	return root
}

// app is the per-invocation environment shared by every subcommand.
type app struct {
	g       *globals
	root    string
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// newApp resolves the repository root (rootArg, then --root, then the
// nearest .git ancestor of the working directory) and loads its config.
func newApp(cmd *cobra.Command, g *globals, rootArg string) (*app, error) {
	logger, err := newLogger(g.logLevel, g.logFormat, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	dir := rootArg
	if dir == "" {
		dir = g.root
	}
	var root string
	if dir != "" {
		if root, err = resolveTargetDir(dir); err != nil {
			return nil, err
		}
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting cwd: %w", err)
		}
		root = findRepoRoot(cwd)
	}

	path := g.config
	if path == "" {
		path = config.Path(root)
	}
	cfg, err := config.Load(path, root)
	if err != nil {
		return nil, err
	}
	if g.db != "" {
		cfg.DB = g.db
		if !filepath.IsAbs(cfg.DB) {
			cfg.DB = filepath.Join(root, cfg.DB)
		}
	}
	return &app{g: g, root: root, cfg: cfg, logger: logger}, nil
}

// open builds the engine the config describes.
func (a *app) open(ctx context.Context) (*isg.Engine, error) {
	reg, err := a.cfg.Registry(a.logger)
	if err != nil {
		return nil, err
	}
	opts := []isg.Option{
		isg.WithLogger(a.logger),
		isg.WithRegistry(reg),
		isg.WithCache(extract.NewCache(a.cfg.CacheSize)),
		isg.WithWorkers(a.cfg.Workers),
		isg.WithMemoryCeiling(a.cfg.MemoryCeiling()),
		isg.WithFilters(a.cfg.Include, a.cfg.Exclude),
		isg.WithMaxFileSize(a.cfg.MaxFileSize),
		isg.WithBlastWeights(isg.BlastWeights{
			Exact:         a.cfg.Blast.ExactWeight,
			Similarity:    a.cfg.Blast.SimilarityWeight,
			SimilarK:      a.cfg.Blast.SimilarK,
			MinSimilarity: isg.DefaultBlastWeights.MinSimilarity,
		}),
	}
	if a.cfg.Similarity.Enabled {
		opts = append(opts, isg.WithVectorIndex(vector.New(a.cfg.Similarity.Dimensions, vector.WithLogger(a.logger))))
	}
	if a.metrics != nil {
		opts = append(opts, isg.WithMetrics(a.metrics))
	}
	e, err := isg.Open(ctx, a.root, a.cfg.DB, opts...)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("engine open", "root", a.root, "db", a.cfg.DB, "languages", strings.Join(reg.Languages(), ","))
	return e, nil
}

func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: must be debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q: must be text or json", format)
}

func validateFormat(f string) error {
	if f != "json" && f != "text" {
		return fmt.Errorf("invalid --format %q: must be json or text", f)
	}
	return nil
}

// resolveTargetDir returns the absolute path of an existing directory.
func resolveTargetDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// findRepoRoot walks up from startDir looking for a .git directory.
// Returns startDir when there is none.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}
