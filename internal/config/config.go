// Package config loads the optional YAML configuration file and builds the
// extractor registry it describes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jward/isg/internal/extract"
	isgrt "github.com/jward/isg/internal/runtime"
	"github.com/jward/isg/scripts"
)

const (
	dirName  = ".isg"
	fileName = "config.yaml"
)

// Config mirrors .isg/config.yaml. Zero values are replaced by defaults.
type Config struct {
	DB                string        `yaml:"db"`
	Include           []string      `yaml:"include"`
	Exclude           []string      `yaml:"exclude"`
	Workers           int           `yaml:"workers"`
	MemoryCeilingMB   int64         `yaml:"memory_ceiling_mb"`
	MaxFileSize       int64         `yaml:"max_file_size"`
	Debounce          time.Duration `yaml:"debounce"`
	CacheSize         int           `yaml:"cache_size"`
	RetainGenerations int           `yaml:"retain_generations"`
	Similarity        Similarity    `yaml:"similarity"`
	Blast             Blast         `yaml:"blast"`

	// BundledScripts registers the embedded script extractors. Defaults to
	// true; set false to run only the compiled-in and configured ones.
	BundledScripts *bool `yaml:"bundled_scripts"`

	// ScriptsDir is where relative extractor script paths resolve. Defaults
	// to the directory holding the config file.
	ScriptsDir string      `yaml:"scripts_dir"`
	Extractors []Extractor `yaml:"extractors"`
}

type Similarity struct {
	Enabled    bool `yaml:"enabled"`
	Dimensions int  `yaml:"dimensions"`
}

// Blast holds the blast radius score weights.
type Blast struct {
	ExactWeight      float64 `yaml:"exact_weight"`
	SimilarityWeight float64 `yaml:"similarity_weight"`
	SimilarK         int     `yaml:"similar_k"`
}

// Extractor declares a Risor script extractor.
type Extractor struct {
	Language   string   `yaml:"language"`
	Extensions []string `yaml:"extensions"`
	Confidence float64  `yaml:"confidence"`
	Script     string   `yaml:"script"`
}

// Default returns the built-in configuration for a repository root.
func Default(root string) Config {
	t := true
	return Config{
		DB:                filepath.Join(root, dirName, "graph.db"),
		Workers:           runtime.NumCPU(),
		MemoryCeilingMB:   256,
		MaxFileSize:       4 << 20,
		Debounce:          150 * time.Millisecond,
		CacheSize:         1024,
		RetainGenerations: 64,
		Similarity:        Similarity{Enabled: true, Dimensions: 256},
		Blast:             Blast{ExactWeight: 0.7, SimilarityWeight: 0.3, SimilarK: 10},
		BundledScripts:    &t,
		ScriptsDir:        filepath.Join(root, dirName),
	}
}

// Path is the conventional config file location under root.
func Path(root string) string {
	return filepath.Join(root, dirName, fileName)
}

// Load reads the config file at path on top of Default(root). A missing file
// is not an error. Unknown keys are.
func Load(path, root string) (Config, error) {
	cfg := Default(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: %w", err)
	}

	// Relative script paths follow the file, not the working directory.
	cfg.ScriptsDir = filepath.Dir(path)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	if !filepath.IsAbs(cfg.ScriptsDir) {
		cfg.ScriptsDir = filepath.Join(filepath.Dir(path), cfg.ScriptsDir)
	}
	cfg.fill(root)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// fill restores defaults for fields the file zeroed out.
func (c *Config) fill(root string) {
	d := Default(root)
	if c.DB == "" {
		c.DB = d.DB
	} else if !filepath.IsAbs(c.DB) {
		c.DB = filepath.Join(root, c.DB)
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MemoryCeilingMB <= 0 {
		c.MemoryCeilingMB = d.MemoryCeilingMB
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = d.MaxFileSize
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.RetainGenerations <= 0 {
		c.RetainGenerations = d.RetainGenerations
	}
	if c.Similarity.Dimensions <= 0 {
		c.Similarity.Dimensions = d.Similarity.Dimensions
	}
	if c.Blast.ExactWeight == 0 && c.Blast.SimilarityWeight == 0 {
		c.Blast.ExactWeight, c.Blast.SimilarityWeight = d.Blast.ExactWeight, d.Blast.SimilarityWeight
	}
	if c.Blast.SimilarK <= 0 {
		c.Blast.SimilarK = d.Blast.SimilarK
	}
	if c.BundledScripts == nil {
		c.BundledScripts = d.BundledScripts
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Blast.ExactWeight < 0 || c.Blast.SimilarityWeight < 0 {
		return errors.New("blast weights must not be negative")
	}
	seen := map[string]bool{}
	for i, x := range c.Extractors {
		if x.Language == "" {
			return fmt.Errorf("extractors[%d]: language is required", i)
		}
		if len(x.Extensions) == 0 {
			return fmt.Errorf("extractors[%d] (%s): at least one extension is required", i, x.Language)
		}
		if x.Confidence < 0 || x.Confidence > 1 {
			return fmt.Errorf("extractors[%d] (%s): confidence must be within [0,1]", i, x.Language)
		}
		key := x.Language + "\x00" + x.Script
		if seen[key] {
			return fmt.Errorf("extractors[%d] (%s): duplicate entry", i, x.Language)
		}
		seen[key] = true
	}
	return nil
}

// MemoryCeiling is the memory ceiling in bytes.
func (c *Config) MemoryCeiling() int64 { return c.MemoryCeilingMB << 20 }

// Registry builds the extractor registry: the compiled-in extractors, the
// bundled script extractors unless disabled, then the configured ones.
// Configured scripts are checked for existence up front.
func (c *Config) Registry(logger *slog.Logger) (*extract.Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	reg := extract.DefaultRegistry()

	if c.BundledScripts == nil || *c.BundledScripts {
		rt := isgrt.NewRuntime("", isgrt.WithFS(scripts.FS), isgrt.WithLogger(logger))
		for lang, exts := range scripts.Bundled {
			reg.Register(isgrt.NewScriptExtractor(rt, isgrt.ScriptSpec{Language: lang, Extensions: exts}))
		}
	}

	if len(c.Extractors) == 0 {
		return reg, nil
	}
	rt := isgrt.NewRuntime(c.ScriptsDir, isgrt.WithLogger(logger))
	for _, x := range c.Extractors {
		spec := isgrt.ScriptSpec{
			Language:   x.Language,
			Extensions: x.Extensions,
			Confidence: x.Confidence,
			Script:     x.Script,
		}
		ex := isgrt.NewScriptExtractor(rt, spec)
		if _, err := rt.LoadScript(ex.Script()); err != nil {
			return nil, fmt.Errorf("config: extractor %s: %w", x.Language, err)
		}
		reg.Register(ex)
		logger.Debug("script extractor registered", "language", x.Language, "script", ex.Script())
	}
	return reg, nil
}
