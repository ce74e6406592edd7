package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/persistence"
)

// runStatusCommand prints what the local cache knows about each project:
// the resume token and the age of the last saved snapshot.
func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: strand status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	cache, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cache open: %v\n", err)
		return 1
	}
	defer cache.Close()

	projects, err := cache.Projects(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "projects: %v\n", err)
		return 1
	}
	if len(projects) == 0 {
		fmt.Println("no cached projects")
		return 0
	}

	return printStatusTable(ctx, os.Stdout, cache, cfg, projects)
}

func printStatusTable(ctx context.Context, out io.Writer, cache *persistence.Store, cfg config.Config, projects []string) int {
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROJECT\tNAME\tTURNS\tRESUME\tSAVED")
	for _, id := range projects {
		turns := "-"
		saved := "-"
		if snap, err := cache.LoadSnapshot(ctx, id); err == nil {
			turns = fmt.Sprintf("%d", len(snap.Turns))
			saved = humanAge(time.Since(snap.SavedAt))
		} else if !errors.Is(err, persistence.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "snapshot %s: %v\n", id, err)
			return 1
		}

		resume := "-"
		if sid, err := cache.ResumeSession(ctx, id); err == nil {
			resume = sid
		} else if !errors.Is(err, persistence.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "resume %s: %v\n", id, err)
			return 1
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, cfg.ProjectName(id), turns, resume, saved)
	}
	w.Flush()
	return 0
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
