package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jward/isg"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer JSON line queries on stdin",
		Long: `Reads one request per line from stdin and writes one response per line to stdout:

  {"op":"traverse","params":{"seeds":["B::f"],"max_hops":2}}
  {"ok":true,"result":{...}}

Operations: ` + strings.Join(isg.Ops, ", ") + `. Failures answer {"ok":false,"error":{"kind":...,"message":...}}.`,
		Args: cobra.NoArgs,
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
			return e.Query().Serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newQueryCmd(g *globals) *cobra.Command {
	var params string
	cmd := &cobra.Command{
		Use:       "query <op>",
		Short:     "Run one query and print its response",
		Long:      "One-shot form of 'isg serve'. Operations: " + strings.Join(isg.Ops, ", ") + ". Exits 1 when the query fails.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: isg.Ops,
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

			line, err := json.Marshal(isg.Request{Op: args[0], Params: json.RawMessage(params)})
			if err != nil {
				return partial("invalid --params: %w", err)
			}
			resp := e.Query().Handle(cmd.Context(), line)
			if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.OK {
				return partial("%s", resp.Error.Error())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&params, "params", "{}", "operation parameters as a JSON object")
	return cmd
}

func newDiffCmd(g *globals) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Print the delta between two snapshots",
		Long:  "Snapshots are named by generation number, 'current' or 'proposed'. The default compares the current head with the open proposal.",
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

			d, err := e.Store().Diff(cmd.Context(), from, to)
			if err != nil {
				return fmt.Errorf("diff: %w", err)
			}
			return writeOutput(cmd.OutOrStdout(), g.format, d)
		},
	}
	cmd.Flags().StringVar(&from, "from", "current", "base snapshot")
	cmd.Flags().StringVar(&to, "to", "proposed", "target snapshot")
	return cmd
}
