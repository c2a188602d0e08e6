// Package report renders evaluation results for humans: the metrics table,
// the run history listing and an abs_rel histogram.
package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/stevecastle/depthkit/scoring"
	"github.com/stevecastle/depthkit/store"
)

// WriteTable prints the seven metrics as a header row and a LaTeX-ready value
// row, in abs_rel, sq_rel, rmse, rmse_log, a1, a2, a3 order.
func WriteTable(w io.Writer, r scoring.Report) error {
	var b strings.Builder
	b.WriteString("\n  ")
	for _, name := range scoring.Names {
		fmt.Fprintf(&b, "%8s | ", name)
	}
	b.WriteString("\n")
	for _, v := range r.Values() {
		fmt.Fprintf(&b, "&% 8.3f  ", v)
	}
	b.WriteString("\\\\\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// WriteRatios prints the median scaling summary.
func WriteRatios(w io.Writer, s scoring.RatioSummary) error {
	_, err := fmt.Fprintf(w, " Scaling ratios | med: %0.3f | std: %0.3f\n", s.Median, s.Std)
	return err
}

// WriteRuns lists runs, newest first, with start times relative to now.
func WriteRuns(w io.Writer, runs []store.Run, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tMODE\tSTARTED\tEXAMPLES\tSTATUS\tABS_REL\tA1")
	for _, r := range runs {
		absRel, a1 := "-", "-"
		if r.Metrics != nil {
			absRel = fmt.Sprintf("%.3f", r.Metrics.AbsRel)
			a1 = fmt.Sprintf("%.3f", r.Metrics.A1)
		}
		mode := r.Mode
		if r.PostProcess {
			mode += "+pp"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(r.ID), r.Kind, mode, humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Examples, r.Status, absRel, a1)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
