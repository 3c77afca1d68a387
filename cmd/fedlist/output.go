package main

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"fedlist/internal/filter"
	"fedlist/internal/model"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printCandidateSummary(cands []model.PeerCandidate) {
	counts := make(map[model.DiscoveryMethod]int)
	for _, c := range cands {
		counts[c.DiscoveryMethod]++
	}
	methods := make([]string, 0, len(counts))
	for m := range counts {
		methods = append(methods, string(m))
	}
	sort.Strings(methods)

	tw := newTable()
	tw.AppendHeader(table.Row{"Method", "Candidates"})
	for _, m := range methods {
		tw.AppendRow(table.Row{m, counts[model.DiscoveryMethod(m)]})
	}
	tw.AppendFooter(table.Row{"Total", len(cands)})
	tw.Render()
}

func printFilterTable(res filter.Result) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Host", "Verdict", "Discovered from", "Method"})
	for _, c := range res.Accepted {
		tw.AppendRow(table.Row{c.Host, "accept", c.DiscoveredFrom, c.DiscoveryMethod})
	}
	for _, r := range res.Rejected {
		tw.AppendRow(table.Row{r.Host, "reject: " + string(r.Reason), "", ""})
	}
	tw.Render()
}

func printFilterSummary(res filter.Result) {
	counts := res.Counts()
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, string(r))
	}
	sort.Strings(reasons)

	tw := newTable()
	tw.AppendHeader(table.Row{"Outcome", "Hosts"})
	tw.AppendRow(table.Row{"accepted", len(res.Accepted)})
	for _, r := range reasons {
		tw.AppendRow(table.Row{"rejected: " + r, counts[model.RejectReason(r)]})
	}
	tw.Render()
}

func printRun(run model.Run) {
	tw := newTable()
	tw.SetTitle("Run " + run.ID)
	tw.AppendHeader(table.Row{"Processed", "OK", "Bad", "Moved", "Unchanged", "Skipped", "Took"})
	tw.AppendRow(table.Row{
		run.Processed, run.OK, run.Bad, run.Moved, run.Unchanged, run.Skipped,
		run.FinishedAt.Sub(run.StartedAt).Round(time.Second),
	})
	tw.Render()
}

func printRuns(runs []model.Run) {
	tw := newTable()
	tw.AppendHeader(table.Row{"Started", "ID", "Command", "Processed", "OK", "Bad", "Moved", "Skipped"})
	for _, r := range runs {
		tw.AppendRow(table.Row{
			r.StartedAt.UTC().Format("2006-01-02 15:04"), r.ID, r.Command,
			r.Processed, r.OK, r.Bad, r.Moved, r.Skipped,
		})
	}
	tw.Render()
}

func printRecord(rec model.StatsRecord, part model.Partition) {
	tw := newTable()
	tw.SetTitle(rec.Host + " (" + string(part) + ")")
	tw.AppendRow(table.Row{"Verified", rec.VerifiedActivityPub})
	if rec.Software != nil {
		tw.AppendRow(table.Row{"Software", strings.TrimSpace(rec.Software.Name + " " + rec.Software.Version)})
	}
	for _, m := range []struct {
		name string
		v    *int64
	}{
		{"Users", rec.UsersTotal},
		{"Active (month)", rec.UsersActiveMonth},
		{"Statuses", rec.Statuses},
	} {
		if m.v != nil {
			tw.AppendRow(table.Row{m.name, *m.v})
		}
	}
	if len(rec.LanguagesDetected) > 0 {
		tw.AppendRow(table.Row{"Languages", strings.Join(rec.LanguagesDetected, ", ")})
	}
	if rec.RedirectedFrom != "" {
		tw.AppendRow(table.Row{"Redirected from", rec.RedirectedFrom})
	}
	if rec.FailureReason != nil {
		tw.AppendRow(table.Row{"Failure", rec.FailureReason.String()})
	}
	tw.AppendRow(table.Row{"Fetched", rec.FetchedAt.UTC().Format(time.RFC3339)})
	tw.Render()
}
