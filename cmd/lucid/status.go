package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/lucid/internal/engineapi"
)

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	stop := fs.Bool("stop", false, "stop the session")
	jsonOut := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: lucid status [-stop] [-json] <session-id>")
		return 2
	}
	id := fs.Arg(0)

	a, err := newApp(ctx, appOptions{quiet: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()

	client := a.apiClient()
	var info *engineapi.SessionInfo
	if *stop {
		info, err = client.StopSession(ctx, id)
	} else {
		info, err = client.SessionStatus(ctx, id)
	}
	if engineapi.IsStatus(err, http.StatusNotFound) {
		fmt.Fprintf(out, "Session %s not found.\n", id)
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if *jsonOut {
		return writeJSON(out, info)
	}
	writeSessionInfo(out, info)
	return 0
}

func writeSessionInfo(out io.Writer, info *engineapi.SessionInfo) {
	fmt.Fprintf(out, "Session:        %s\n", info.ID)
	fmt.Fprintf(out, "Status:         %s\n", info.Status)
	fmt.Fprintf(out, "Engine session: %s\n", dash(info.AgentSessionID))
	if info.Title != "" {
		fmt.Fprintf(out, "Title:          %s\n", info.Title)
	}
	if info.Project != nil {
		fmt.Fprintf(out, "Project:        %s (%s)\n", info.Project.Name, info.Project.ID)
	}
	if info.CreatedAt != nil {
		fmt.Fprintf(out, "Created:        %s\n", info.CreatedAt.Local().Format(time.DateTime))
	}
	if info.CompletedAt != nil {
		fmt.Fprintf(out, "Completed:      %s\n", info.CompletedAt.Local().Format(time.DateTime))
	}
}
