package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/locutus/lfsync/pkg/engine"
	"github.com/locutus/lfsync/pkg/lfs"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKinds(counts map[lfs.OpKind]int) []lfs.OpKind {
	kinds := make([]lfs.OpKind, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func printReport(w io.Writer, r *engine.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Session:\t%s\n", r.SessionID)
	fmt.Fprintf(tw, "Device:\t%s\n", r.DeviceID)
	fmt.Fprintf(tw, "Mode:\t%s\n", r.Mode)
	fmt.Fprintf(tw, "State:\t%s\n", r.State)
	if r.Outcome != "" {
		fmt.Fprintf(tw, "Outcome:\t%s\n", r.Outcome)
	}
	if r.Inconsistent {
		fmt.Fprintf(tw, "Recovered:\tyes (update flag was set by an earlier session)\n")
	}
	fmt.Fprintf(tw, "Operations:\t%d planned, %d applied, %d retries\n", r.Planned, r.Applied, r.Retries)
	for _, k := range sortedKinds(r.Counts) {
		fmt.Fprintf(tw, "  %s\t%d\n", k, r.Counts[k])
	}
	if r.Duration > 0 {
		fmt.Fprintf(tw, "Duration:\t%s\n", r.Duration)
	}
	tw.Flush()

	if len(r.Skipped) > 0 {
		fmt.Fprintf(w, "\nSkipped (%d):\n", len(r.Skipped))
		for _, s := range r.Skipped {
			fmt.Fprintf(w, "  %s: %s\n", s.Path, s.Reason)
		}
	}
	if len(r.Faults) > 0 {
		fmt.Fprintf(w, "\nDevice faults (%d):\n", len(r.Faults))
		for _, f := range r.Faults {
			fmt.Fprintf(w, "  step %d %s attempt %d: %s\n", f.Step, f.Op, f.Attempt, f.Descriptor)
		}
	}
	if len(r.Mismatches) > 0 {
		fmt.Fprintf(w, "\nVerification mismatches:\n")
		for _, m := range r.Mismatches {
			fmt.Fprintf(w, "  %s\n", m)
		}
	}
	if r.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", r.Error)
	}
}

func printPlan(w io.Writer, p *engine.Plan) {
	if p.Empty() {
		fmt.Fprintln(w, "Device is up to date.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tOP\tPATH\tDEPENDS")
	for _, s := range p.Steps {
		kind := string(s.Op.Kind)
		if s.NeedsTranscode {
			kind += " (transcode)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\n", s.Index, kind, s.Path, s.Dependencies)
	}
	tw.Flush()

	counts := p.Counts()
	fmt.Fprintf(w, "\n%d operations:", len(p.Steps))
	for _, k := range sortedKinds(counts) {
		fmt.Fprintf(w, " %s=%d", k, counts[k])
	}
	fmt.Fprintln(w)
}
