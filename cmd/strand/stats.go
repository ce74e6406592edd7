package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/conversation"
	"github.com/strandlabs/strand/internal/history"
	"github.com/strandlabs/strand/internal/protocol"
)

// runStatsCommand fetches the canonical turn log and prints aggregate
// totals, without opening the viewer or a websocket session.
func runStatsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	project := fs.String("project", "", "project id (overrides config)")
	limit := fs.Int("limit", 0, "max turns to fetch (0 = server default)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	projectID := cfg.Project
	if *project != "" {
		projectID = *project
	}
	if projectID == "" {
		fmt.Fprintln(os.Stderr, "no project configured; set project in config.yaml or pass -project")
		return 2
	}

	client := history.NewClient(cfg.HistoryURL, cfg.AuthToken)
	turns, err := client.FetchTurns(ctx, projectID, "", *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fetch: %v\n", err)
		return 1
	}

	printStats(os.Stdout, projectID, conversation.ComputeStats(turns))
	return 0
}

func printStats(out io.Writer, projectID string, stats conversation.Stats) {
	fmt.Fprintf(out, "project %s\n", projectID)
	fmt.Fprintf(out, "  turns        %d\n", stats.Turns)
	fmt.Fprintf(out, "  tool calls   %d\n", stats.ToolCalls)
	fmt.Fprintf(out, "  errors       %d\n", stats.Errors)
	fmt.Fprintf(out, "  tokens       %d in / %d out\n", stats.Tokens.Input, stats.Tokens.Output)
	fmt.Fprintf(out, "  sub-agents   %d\n", stats.SubAgentSpawns)
	if len(stats.ToolsByCat) > 0 {
		cats := make([]string, 0, len(stats.ToolsByCat))
		for cat := range stats.ToolsByCat {
			cats = append(cats, string(cat))
		}
		sort.Strings(cats)
		fmt.Fprintln(out, "  tools by category")
		for _, cat := range cats {
			fmt.Fprintf(out, "    %-12s %d\n", cat, stats.ToolsByCat[protocol.Category(cat)])
		}
	}
	if len(stats.FilesTouched) > 0 {
		fmt.Fprintf(out, "  files touched %d\n", len(stats.FilesTouched))
		for _, f := range stats.FilesTouched {
			fmt.Fprintf(out, "    %s\n", f)
		}
	}
}
