package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/lucid/internal/config"
	"github.com/basket/lucid/internal/persistence"
)

func runHistoryCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of sessions to list")
	jsonOut := fs.Bool("json", false, "print JSON")
	del := fs.Bool("delete", false, "delete the given archived session")
	prune := fs.Duration("prune", 0, "delete sessions not updated within this duration (e.g. 720h)")
	backup := fs.String("backup", "", "write a copy of the archive to this path")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 || (*del && fs.NArg() != 1) || *prune < 0 {
		fmt.Fprintln(os.Stderr, "usage: lucid history [-limit n] [-json] [-delete] [-prune dur] [-backup path] [id]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.ArchivePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "open archive: %v\n", err)
		return 1
	}
	defer store.Close()

	switch {
	case *backup != "":
		if err := store.Backup(ctx, *backup); err != nil {
			fmt.Fprintf(os.Stderr, "backup: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "Archive copied to %s\n", *backup)
		return 0
	case *prune > 0:
		n, err := store.PruneOlderThan(ctx, time.Now().Add(-*prune))
		if err != nil {
			fmt.Fprintf(os.Stderr, "prune: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "Pruned %d session(s).\n", n)
		return 0
	case *del:
		if err := store.DeleteSession(ctx, fs.Arg(0)); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "no archived session %q\n", fs.Arg(0))
			} else {
				fmt.Fprintf(os.Stderr, "delete: %v\n", err)
			}
			return 1
		}
		fmt.Fprintf(out, "Deleted %s.\n", fs.Arg(0))
		return 0
	}

	if fs.NArg() == 1 {
		tr, err := store.LoadTranscript(ctx, fs.Arg(0))
		if errors.Is(err, persistence.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "no archived session %q\n", fs.Arg(0))
			return 1
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "load transcript: %v\n", err)
			return 1
		}
		if *jsonOut {
			return writeJSON(out, tr)
		}
		writeTranscript(out, tr)
		return 0
	}

	recs, err := store.ListSessions(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list sessions: %v\n", err)
		return 1
	}
	if *jsonOut {
		return writeJSON(out, recs)
	}
	writeSessionList(out, recs)
	return 0
}

func writeJSON(out io.Writer, v any) int {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	return 0
}

func writeSessionList(out io.Writer, recs []persistence.SessionRecord) {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No archived sessions.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tENGINE SESSION\tCHAT\tLOGS\tUPDATED\tTASK")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.State, dash(r.EngineSessionID), r.ChatCount, r.LogCount,
			r.UpdatedAt.Local().Format(time.DateTime), dash(oneLine(r.Task, 48)))
	}
	_ = tw.Flush()
}

func writeTranscript(out io.Writer, tr *persistence.Transcript) {
	fmt.Fprintf(out, "Session %s (%s)\n", tr.ID, tr.State)
	if tr.EngineSessionID != "" {
		fmt.Fprintf(out, "Engine session: %s\n", tr.EngineSessionID)
	}
	if tr.Task != "" {
		fmt.Fprintf(out, "Task: %s\n", tr.Task)
	}
	if tr.Error != "" {
		fmt.Fprintf(out, "Error: %s\n", tr.Error)
	}

	fmt.Fprintln(out, "\nChat:")
	for _, m := range tr.Chat {
		fmt.Fprintf(out, "  [%s] %-6s %s\n", m.Timestamp.Local().Format(time.TimeOnly), m.Role, m.Content)
	}
	fmt.Fprintln(out, "\nLog:")
	for _, e := range tr.Logs {
		fmt.Fprintf(out, "  [%s] %-13s %s\n", e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.Content)
	}
	if len(tr.Files) > 0 {
		fmt.Fprintln(out, "\nFiles:")
		for _, f := range tr.Files {
			fmt.Fprintf(out, "  %s\n", f)
		}
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// oneLine flattens s and cuts it to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
