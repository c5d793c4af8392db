package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jward/isg"
	"github.com/jward/isg/internal/store"
)

// writeOutput prints v as indented JSON, or as text when format is "text"
// and v has a text form.
func writeOutput(w io.Writer, format string, v any) error {
	if format != "text" {
		return writeJSON(w, v)
	}
	switch v := v.(type) {
	case *isg.IngestSummary:
		formatSummaryText(w, v)
	case *isg.ChangesetResult:
		formatChangesetText(w, v)
	case *store.Delta:
		formatDeltaText(w, v)
	case []store.Generation:
		formatGenerationsText(w, v)
	case store.Generation:
		formatGenerationsText(w, []store.Generation{v})
	case store.GCResult:
		fmt.Fprintf(w, "floor %d: pruned %d generations, %d tombstones, %d checkpoints\n",
			v.Floor, v.GenerationsPruned, v.TombstonesPruned, v.CheckpointsDropped)
	case []store.QuarantinedEdge:
		formatQuarantineText(w, v)
	default:
		return writeJSON(w, v)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatSummaryText(w io.Writer, s *isg.IngestSummary) {
	fmt.Fprintf(w, "Generation %d (%s)\n", s.Generation, s.Elapsed)
	fmt.Fprintf(w, "Files: %d scanned, %d extracted, %d skipped, %d deleted, %d failed\n",
		s.FilesScanned, s.FilesExtracted, s.FilesSkipped, s.FilesDeleted, len(s.Failures))
	fmt.Fprintf(w, "Created: %d entities, %d edges\n", s.EntitiesCreated, s.EdgesCreated)
	formatFailuresText(w, s.Failures)
}

func formatChangesetText(w io.Writer, r *isg.ChangesetResult) {
	fmt.Fprintf(w, "Generation %d on %s\n", r.Generation.ID, r.Generation.Branch)
	fmt.Fprintf(w, "Files: %d extracted, %d skipped, %d deleted, %d failed\n",
		r.Extracted, r.Skipped, r.Deleted, len(r.Failures))
	if r.Delta != nil {
		formatDeltaText(w, r.Delta)
	}
	formatFailuresText(w, r.Failures)
}

func formatFailuresText(w io.Writer, failures []isg.FileFailure) {
	if len(failures) == 0 {
		return
	}
	fmt.Fprintln(w, "Failures:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, f := range failures {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", f.Path, f.Language, f.Error)
	}
	tw.Flush()
}

// formatDeltaText prints one line per change, prefixed +, ~ or -.
func formatDeltaText(w io.Writer, d *store.Delta) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	nodes := func(mark string, ns []store.Node) {
		for _, n := range ns {
			fmt.Fprintf(tw, "%s node\t%s\t%s\n", mark, n.Kind, n.Key)
		}
	}
	edges := func(mark string, es []store.Edge) {
		for _, e := range es {
			fmt.Fprintf(tw, "%s edge\t%s\t%s -> %s\n", mark, e.Kind, e.Src, e.Dst)
		}
	}
	nodes("+", d.AddedNodes)
	nodes("~", d.ModifiedNodes)
	nodes("-", d.RemovedNodes)
	edges("+", d.AddedEdges)
	edges("~", d.ModifiedEdges)
	edges("-", d.RemovedEdges)
	tw.Flush()
}

func formatGenerationsText(w io.Writer, gens []store.Generation) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBRANCH\tPARENT\tCOMMITTED\tDELTA\tSTATUS")
	for _, g := range gens {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%s\n",
			g.ID, g.Branch, g.Parent, g.CommittedAt.Format(time.RFC3339), g.DeltaSize, g.Status)
	}
	tw.Flush()
}

func formatQuarantineText(w io.Writer, q []store.QuarantinedEdge) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSRC\tDST\tREASON\tRECORDED")
	for _, e := range q {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Edge.Kind, e.Edge.Src, e.Edge.Dst, e.Reason, e.RecordedAt.Format(time.RFC3339))
	}
	tw.Flush()
}
