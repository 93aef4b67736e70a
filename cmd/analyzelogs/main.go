// analyzelogs reports classification savings and token usage from the
// interaction log directory without a running server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ashureev/personagate/internal/analytics"
	"github.com/ashureev/personagate/internal/logstore"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"
)

const expensiveSessionLimit = 10

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)
	savingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	costStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

type report struct {
	Summary   *analytics.Summary      `json:"summary"`
	Usage     *analytics.UsageSummary `json:"usage,omitempty"`
	Expensive []analytics.SessionCost `json:"expensive_sessions,omitempty"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("analyzelogs", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	date := flags.String("date", "", "single day to analyze (YYMMDD, today or yesterday)")
	start := flags.String("start-date", "", "first day to analyze")
	end := flags.String("end-date", "", "last day to analyze")
	session := flags.String("session", "", "restrict to one session id")
	withUsage := flags.Bool("usage", false, "include token usage and cost")
	asJSON := flags.Bool("json", false, "print the report as JSON")
	flags.Usage = func() {
		_, _ = fmt.Fprintln(stderr, "Usage: analyzelogs [flags] [log_directory]")
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		return 2
	}

	dir := "./logs"
	if flags.NArg() > 0 {
		dir = flags.Arg(0)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		_, _ = fmt.Fprintf(stderr, "Error: Log directory not found: %s\n", dir)
		return 1
	}

	logs := logstore.New(dir)
	engine := analytics.New(logs)
	rng, err := engine.Range(*date, *start, *end)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	parts, err := logs.Partitions(logstore.KindInteraction, rng)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(parts) == 0 {
		_, _ = fmt.Fprintf(stdout, "No log files found in %s\n", dir)
		return 0
	}

	rep := report{}
	rep.Summary, err = engine.Stats(ctx, rng, *session)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *withUsage {
		if rep.Usage, err = engine.UsageStats(ctx, rng, *session); err == nil {
			rep.Expensive, err = engine.ExpensiveSessions(ctx, rng, expensiveSessionLimit)
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "Analyzing %d log file(s)...\n\n", len(parts))
	for _, p := range parts {
		entries, err := logs.ReadInteractions(ctx, logstore.DateRange{Start: p.Key, End: p.Key})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "  %s: %d entries\n", logstore.PartitionName(p.Kind, p.Key), len(entries))
	}
	_, _ = fmt.Fprintln(stdout)

	if rep.Summary.TotalQueries == 0 {
		_, _ = fmt.Fprintln(stdout, "No log entries found.")
		return 0
	}
	printText(stdout, dir, rep)
	return 0
}

func printText(w io.Writer, dir string, rep report) {
	s := rep.Summary
	_, _ = fmt.Fprintln(w, titleStyle.Render("Log analysis: "+dir))
	_, _ = fmt.Fprintln(w, analytics.SummaryTable(s).Render())

	if s.Savings() > 0 {
		_, _ = fmt.Fprintln(w, savingStyle.Render(fmt.Sprintf("Token savings: %d tokens", s.Savings())))
	} else {
		_, _ = fmt.Fprintln(w, costStyle.Render(fmt.Sprintf("Additional cost: %d tokens", s.TokenChange)))
	}

	if len(s.RecentFiltered) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, analytics.RecentTable(s.RecentFiltered).Render())
	}
	if rep.Usage != nil {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, analytics.UsageTable(rep.Usage, rep.Expensive).Render())
	}
}
