package analytics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

const previewWidth = 80

func newTable(title string) table.Writer {
	tw := table.NewWriter()
	tw.SetTitle(title)
	tw.SetStyle(table.StyleLight)
	return tw
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > previewWidth {
		return string(r[:previewWidth]) + "..."
	}
	return s
}

// PageTable renders a page of entries.
func PageTable(p *Page) table.Writer {
	tw := newTable(fmt.Sprintf("Entries %d-%d of %d", min(p.Offset+1, p.Total), p.Offset+len(p.Entries), p.Total))
	tw.AppendHeader(table.Row{"Timestamp", "Session", "Filtered", "Category", "Query", "Response"})
	for _, e := range p.Entries {
		tw.AppendRow(table.Row{
			e.Timestamp, e.SessionID, e.FilteredPreLLM, e.Category(), preview(e.Query), preview(e.Response),
		})
	}
	return tw
}

// SummaryTable renders classification statistics.
func SummaryTable(s *Summary) table.Writer {
	tw := newTable("Intent classification analytics")
	tw.AppendRows([]table.Row{
		{"Total queries", s.TotalQueries},
		{"Filtered (out of scope)", fmt.Sprintf("%d (%.1f%%)", s.FilteredQueries, s.FilterRate)},
		{"Full conversation", s.AnsweredQueries},
		{"Blocked by quota", s.BlockedQueries},
		{"Unique sessions", s.Sessions},
	})
	tw.AppendSeparator()
	tw.AppendRows([]table.Row{
		{"Tokens without classification", s.TokensWithoutClassification},
		{"Tokens with classification", s.TokensWithClassification},
		{"Change", fmt.Sprintf("%+d (%+.1f%%)", s.TokenChange, s.TokenChangePct)},
	})
	if len(s.Categories) > 0 {
		tw.AppendSeparator()
		names := make([]string, 0, len(s.Categories))
		for name := range s.Categories {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			tw.AppendRow(table.Row{"Category " + name, s.Categories[name]})
		}
	}
	return tw
}

// RecentTable renders the most recent filtered queries.
func RecentTable(entries []RecentEntry) table.Writer {
	tw := newTable("Recent filtered queries")
	tw.AppendHeader(table.Row{"Timestamp", "Category", "Query", "Response"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.Timestamp, e.Category, preview(e.Query), preview(e.Response)})
	}
	return tw
}

// UsageTable renders token usage by purpose and model.
func UsageTable(s *UsageSummary, expensive []SessionCost) table.Writer {
	tw := newTable("Token usage")
	tw.AppendHeader(table.Row{"Group", "Calls", "Errors", "Prompt", "Completion", "Total", "Cost (USD)"})
	row := func(name string, b *Bucket) table.Row {
		return table.Row{name, b.Calls, b.Errors, b.PromptTokens, b.CompletionTokens, b.TotalTokens,
			fmt.Sprintf("%.4f", b.CostUSD)}
	}
	tw.AppendRow(row("total", &s.Totals))
	for _, group := range []struct {
		prefix  string
		buckets map[string]*Bucket
	}{{"purpose", s.ByPurpose}, {"model", s.ByModel}} {
		if len(group.buckets) == 0 {
			continue
		}
		tw.AppendSeparator()
		keys := make([]string, 0, len(group.buckets))
		for k := range group.buckets {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tw.AppendRow(row(group.prefix+": "+k, group.buckets[k]))
		}
	}
	if len(expensive) > 0 {
		tw.AppendSeparator()
		for _, sc := range expensive {
			tw.AppendRow(table.Row{"session: " + sc.SessionID, sc.Calls, "", "", "", sc.TotalTokens,
				fmt.Sprintf("%.4f", sc.CostUSD)})
		}
	}
	return tw
}

// ReconciliationTable renders the local versus provider comparison.
func ReconciliationTable(r *Reconciliation) table.Writer {
	tw := newTable(fmt.Sprintf("Usage reconciliation %s to %s", r.Start, r.End))
	tw.AppendHeader(table.Row{"Metric", "Local", "Provider", "Difference", "Difference %"})
	for _, name := range []string{"requests", "input_tokens", "output_tokens", "total_tokens"} {
		d := r.Comparison[name]
		tw.AppendRow(table.Row{name, d.Local, d.Remote, d.Difference, fmt.Sprintf("%+.1f%%", d.Percent)})
	}
	return tw
}
