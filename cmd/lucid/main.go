package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/lucid/internal/session"
	"github.com/basket/lucid/internal/shared"
	"github.com/basket/lucid/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	name := "lucid"
	fmt.Fprintf(w, `Usage of %[1]s:

INTERACTIVE MODE (default when stdout is a terminal):
  %[1]s [-task <task>] [-attach <id>]
                              Open the workspace; -task starts a session right away,
                              -attach resolves the socket of an existing web session

SUBCOMMANDS:
  %[1]s run -task <task>       Headless: stream the log to stdout until the session ends
                              Flags: -api, -json, -keep-open, -v, -project, -provider, -repo
  %[1]s history [id]           List archived sessions, or print one transcript
                              Flags: -limit <n>, -json, -delete, -prune <dur>, -backup <path>
  %[1]s token                  Fetch an engine token from the web app and store it
                              Flags: -print, -project <id>, -repo <url>
  %[1]s status [-stop] <id>    Show (or stop) a session through the web app
  %[1]s doctor [-json]         Run diagnostic checks
  %[1]s version                Print the version

ENVIRONMENT VARIABLES:
  LUCID_HOME              Data directory (default: ~/.lucid)
  LUCID_ENGINE_URL        Engine socket URL (ws:// or wss://)
  LUCID_API_URL           Web app base URL for token and session endpoints
  LUCID_TOKEN             Engine token (overrides config.yaml)
  LUCID_PROJECT_ID        Project sent in the handshake
  LUCID_MODEL_PROVIDER    google, anthropic, openai or openrouter
  LUCID_LOG_LEVEL         debug, info, warn, error
`, name)
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	os.Exit(dispatch(ctx, os.Args[1:]))
}

func dispatch(ctx context.Context, args []string) int {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		rest := args[1:]
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help":
			printUsage(os.Stdout)
			return 0
		case "version":
			fmt.Println(Version)
			return 0
		case "run":
			return runRunCommand(ctx, rest)
		case "history":
			return runHistoryCommand(ctx, rest, os.Stdout)
		case "token":
			return runTokenCommand(ctx, rest)
		case "status":
			return runStatusCommand(ctx, rest, os.Stdout)
		case "doctor":
			return runDoctorCommand(ctx, rest, os.Stdout)
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage(os.Stderr)
			return 2
		}
	}
	return runInteractive(ctx, args)
}

func runInteractive(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("lucid", flag.ContinueOnError)
	fs.Usage = func() { printUsage(os.Stderr) }
	task := fs.String("task", "", "start a session with this task")
	attach := fs.String("attach", "", "web session id whose engine socket to use")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		if *task != "" {
			// Nothing to render into; behave like `lucid run`.
			return runRunCommand(ctx, []string{"-task", *task})
		}
		fmt.Fprintln(os.Stderr, "stdout is not a terminal; use `lucid run -task ...` for headless mode")
		return 2
	}

	a, err := newApp(ctx, appOptions{quiet: true, archive: true})
	if err != nil {
		fatalStartup(nil, "E_STARTUP", err)
	}
	defer a.Close()
	a.watchConfig(ctx)

	if a.cfg.NeedsSetup || a.tokens.Get() == "" {
		a.logger.Info("no engine token configured; run `lucid token` or set LUCID_TOKEN")
	}

	opts := a.sessionOptions()
	if *attach != "" {
		info, err := a.apiClient().SocketInfo(ctx, *attach)
		if err != nil {
			fmt.Fprintf(os.Stderr, "attach %s: %v\n", *attach, err)
			return 1
		}
		if info.WSURL != "" {
			opts.URL = info.WSURL
		}
	}

	sess := session.New(ctx, opts)
	finish := a.archiveSession(sess, *task)
	defer finish()
	defer sess.Close()

	title := a.cfg.ProjectID
	if title == "" {
		title = "lucid"
	}
	err = tui.Run(ctx, tui.Config{
		Session:   sess,
		Title:     title,
		AutoStart: *task != "",
		Task:      *task,
	})
	if err != nil {
		a.logger.Error("workspace exited", "error", err)
		return 1
	}
	return 0
}

// fatalStartup reports a failure before (or while) the logger is available.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"lucid","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv sets variables from a local .env without overriding the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
