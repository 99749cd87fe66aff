package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/basket/lucid/internal/bus"
	"github.com/basket/lucid/internal/engineapi"
	"github.com/basket/lucid/internal/session"
)

func runRunCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	task := fs.String("task", "", "task for the agent (default: config task)")
	project := fs.String("project", "", "project id (default: config project_id)")
	provider := fs.String("provider", "", "model provider (default: config model_provider)")
	repo := fs.String("repo", "", "repository url (default: config repo_url)")
	viaAPI := fs.Bool("api", false, "create the session through the web app and use the socket it returns")
	jsonOut := fs.Bool("json", false, "print log entries as JSON lines")
	keepOpen := fs.Bool("keep-open", false, "stay connected after the task completes")
	verbose := fs.Bool("v", false, "mirror client logs to stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *task == "" && fs.NArg() > 0 {
		*task = strings.Join(fs.Args(), " ")
	}

	a, err := newApp(ctx, appOptions{quiet: !*verbose, archive: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()
	a.watchConfig(ctx)

	opts := a.sessionOptions()
	if *project != "" {
		opts.ProjectID = *project
	}
	if *provider != "" {
		opts.ModelProvider = *provider
	}
	if *repo != "" {
		opts.RepoURL = *repo
	}
	if !*keepOpen {
		opts.StopOnComplete = true
	}
	if strings.TrimSpace(*task) == "" && strings.TrimSpace(opts.DefaultTask) == "" {
		fmt.Fprintln(os.Stderr, "usage: lucid run -task <task>")
		return 2
	}

	if *viaAPI {
		client := a.apiClient()
		resp, err := client.StartSession(ctx, engineapi.StartRequest{
			ProjectID:     opts.ProjectID,
			Task:          firstNonEmpty(*task, opts.DefaultTask),
			ModelProvider: opts.ModelProvider,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "start session: %v\n", err)
			return 1
		}
		a.logger.InfoContext(ctx, "web session created", "web_session", resp.SessionID)
		if resp.WSURL != "" {
			opts.URL = resp.WSURL
		}
		if resp.SessionToken != "" {
			tok := resp.SessionToken
			opts.Token = func() string { return tok }
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := client.StopSession(stopCtx, resp.SessionID); err != nil {
				a.logger.WarnContext(stopCtx, "stop web session", "web_session", resp.SessionID, "error", err)
			}
		}()
	}

	sess := session.New(ctx, opts)
	finish := a.archiveSession(sess, *task)
	defer finish()
	defer sess.Close()

	sub := sess.Subscribe()
	defer sess.Unsubscribe(sub)
	sess.Start(*task)

	return follow(ctx, sess, sub, &logPrinter{w: os.Stdout, json: *jsonOut})
}

// follower is the part of *session.Session the headless loop needs.
type follower interface {
	Stop()
	Snapshot() session.Snapshot
}

// follow prints the log stream until the session settles or ctx is cancelled.
// Exit code 0 for stopped, 1 for error, 130 when interrupted.
func follow(ctx context.Context, sess follower, sub *bus.Subscription, p *logPrinter) int {
	snap := sess.Snapshot()
	p.print(snap)
	if settled(snap.State) {
		return exitCode(snap)
	}
	for {
		select {
		case <-ctx.Done():
			sess.Stop()
			p.print(sess.Snapshot())
			return 130
		case ev, ok := <-sub.Ch():
			if !ok {
				snap := sess.Snapshot()
				p.print(snap)
				return exitCode(snap)
			}
			snap, ok := ev.Payload.(session.Snapshot)
			if !ok {
				continue
			}
			p.print(snap)
			if settled(snap.State) {
				return exitCode(snap)
			}
		}
	}
}

func exitCode(snap session.Snapshot) int {
	if snap.State == session.StateError {
		return 1
	}
	return 0
}

// logPrinter writes log entries it has not printed yet. Entry ids grow
// monotonically, so the last printed id is the cursor.
type logPrinter struct {
	w    io.Writer
	json bool
	last uint64
}

func (p *logPrinter) print(snap session.Snapshot) {
	for _, e := range snap.Logs {
		if e.ID <= p.last {
			continue
		}
		p.last = e.ID
		if p.json {
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(p.w, "%s\n", b)
			continue
		}
		fmt.Fprintf(p.w, "%s %-13s %s\n", e.Timestamp.Format("15:04:05"), e.Type, e.Content)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
