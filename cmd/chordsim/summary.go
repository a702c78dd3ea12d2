package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/sim"
)

var (
	headerColor = color.New(color.FgHiYellow)
	labelColor  = color.New(color.FgCyan)
	badColor    = color.New(color.FgRed)
	goneColor   = color.New(color.FgHiBlack)
)

// printSummary writes the per-node table followed by the aggregates.
func printSummary(w io.Writer, r sim.Report) {
	headerColor.Fprintf(w, "================================================\n"+
		"=======  Chord simulation %s\n"+
		"=======  mode=%s  M=%d  rounds=%d\n"+
		"================================================\n",
		r.RunID, r.Mode, r.KeysExponent, r.Round)

	labelColor.Fprintf(w, "%-20s %-9s %8s %8s %26s %26s\n",
		"node", "state", "timeouts", "failures", "key range (min/max/avg)", "path length (min/max/avg)")
	for _, n := range r.Nodes {
		line := fmt.Sprintf("%-20d %-9s %8d %8d %26s %26s\n",
			n.ID, nodeState(n), n.Timeouts, n.Failures, formatSummary(n.KeyRange), formatSummary(n.PathLength))

		switch {
		case n.State != chord.StateAlive.String():
			goneColor.Fprint(w, line)
		case n.Isolated || n.Failures > 0:
			badColor.Fprint(w, line)
		default:
			fmt.Fprint(w, line)
		}
	}

	headerColor.Fprintln(w, "================================================")
	fmt.Fprintf(w, "live nodes:      %d of %d\n", r.Live, r.Known)
	fmt.Fprintf(w, "timeouts:        %s\n", formatSummary(r.Timeouts))
	fmt.Fprintf(w, "path length:     %s\n", formatSummary(r.PathLength))
	if r.TotalFailures > 0 {
		badColor.Fprintf(w, "lookup failures: %d\n", r.TotalFailures)
	} else {
		fmt.Fprintf(w, "lookup failures: 0\n")
	}
}

func nodeState(n sim.NodeReport) string {
	if n.Isolated {
		return "isolated"
	}
	return n.State
}

func formatSummary(s chord.Summary) string {
	if s.Count == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d/%.2f", s.Min, s.Max, s.Avg)
}
