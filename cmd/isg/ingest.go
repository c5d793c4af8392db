package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newIngestCmd(g *globals) *cobra.Command {
	var (
		include []string
		exclude []string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "ingest [root]",
		Short: "Extract every source file under a root into one generation",
		Long:  "Discovers handled files (git ls-files, or a walk honoring .gitignore), extracts them in parallel and commits the result. Exits 1 when some files failed to extract.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g, firstArg(args))
			if err != nil {
				return err
			}
			if len(include) > 0 {
				a.cfg.Include = include
			}
			if len(exclude) > 0 {
				a.cfg.Exclude = exclude
			}
			if workers > 0 {
				a.cfg.Workers = workers
			}
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			sum, err := e.IngestDirectory(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), g.format, sum); err != nil {
				return err
			}
			if len(sum.Failures) > 0 {
				return partial("%d of %d files failed to extract", len(sum.Failures), sum.FilesScanned)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&include, "include", nil, "only ingest files matching this glob (repeatable)")
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "skip files matching this glob (repeatable)")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent extractions (default: config, then CPU count)")
	return cmd
}

func newProposeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "propose <file>...",
		Short: "Extract files into the proposed branch",
		Long:  "Runs the changeset pipeline on the given files but records the delta as a proposal on top of the current head. Use 'isg diff --to proposed' to review it and 'isg promote' to apply it.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g, "")
			if err != nil {
				return err
			}
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			paths, err := absPaths(args)
			if err != nil {
				return err
			}
			res, err := e.ProposeChangeset(cmd.Context(), paths)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), g.format, res); err != nil {
				return err
			}
			if len(res.Failures) > 0 {
				return partial("%d of %d files failed to extract", len(res.Failures), len(args))
			}
			return nil
		},
	}
}

func newPromoteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Apply the open proposal to the current branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g, "")
			if err != nil {
				return err
			}
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			gen, err := e.Promote(cmd.Context())
			if err != nil {
				return fmt.Errorf("promote: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), g.format, gen)
		},
	}
}

func newDiscardCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "discard",
		Short: "Drop the open proposal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g, "")
			if err != nil {
				return err
			}
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Discard(cmd.Context())
		},
	}
}

// absPaths resolves file arguments against the working directory.
func absPaths(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, p := range args {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolving file path %q: %w", p, err)
		}
		out[i] = abs
	}
	return out, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
