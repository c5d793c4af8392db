package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGCCmd(g *globals) *cobra.Command {
	var retain int
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Fold old generations into a checkpoint",
		Long:  "Keeps the newest --retain generations of the current branch, checkpoints the oldest of them and deletes older history together with tombstones no retained generation references.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g, "")
			if err != nil {
				return err
			}
			if retain <= 0 {
				retain = a.cfg.RetainGenerations
			}
			e, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.Store().GC(cmd.Context(), retain)
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), g.format, res)
		},
	}
	cmd.Flags().IntVar(&retain, "retain", 0, "generations to keep (default: config retain_generations)")
	return cmd
}

func newGenerationsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "generations",
		Short: "List retained generations of both branches",
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

			gens, err := e.Store().Generations(cmd.Context())
			if err != nil {
				return fmt.Errorf("generations: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), g.format, gens)
		},
	}
}

func newQuarantineCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "List edges rejected as dangling",
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

			q, err := e.Store().Quarantined(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("quarantine: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), g.format, q)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "most recent entries to list")
	return cmd
}
