package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/lucid/internal/bus"
	"github.com/basket/lucid/internal/config"
	"github.com/basket/lucid/internal/doctor"
	"github.com/basket/lucid/internal/engineapi"
	otelPkg "github.com/basket/lucid/internal/otel"
	"github.com/basket/lucid/internal/persistence"
	"github.com/basket/lucid/internal/session"
)

func TestPrintUsage_ListsSubcommands(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	for _, want := range []string{"lucid run -task", "lucid history", "lucid token", "LUCID_HOME"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("usage missing %q", want)
		}
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	if code := dispatch(context.Background(), []string{"frobnicate"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestTokenSource(t *testing.T) {
	var ts tokenSource
	if ts.Get() != "" {
		t.Fatalf("zero token source should be empty")
	}
	ts.Set("  abc \n")
	if ts.Get() != "abc" {
		t.Fatalf("token = %q", ts.Get())
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nLUCID_TEST_A=from-file\nLUCID_TEST_B=\"quoted\"\nbroken line\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LUCID_TEST_A", "from-env")
	t.Setenv("LUCID_TEST_B", "")
	loadDotEnv(path)
	if got := os.Getenv("LUCID_TEST_A"); got != "from-env" {
		t.Fatalf("LUCID_TEST_A = %q", got)
	}
	if got := os.Getenv("LUCID_TEST_B"); got != "quoted" {
		t.Fatalf("LUCID_TEST_B = %q", got)
	}
}

func TestLogPrinter_PrintsOnlyNewEntries(t *testing.T) {
	var buf bytes.Buffer
	p := &logPrinter{w: &buf}
	ts := time.Date(2026, 10, 16, 9, 30, 0, 0, time.Local)
	snap := session.Snapshot{Logs: []session.LogEntry{
		{ID: 1, Type: session.LogSystem, Content: "Connecting", Timestamp: ts},
		{ID: 3, Type: session.LogCmdOutput, Content: "$ ls", Timestamp: ts},
	}}
	p.print(snap)
	snap.Logs = append(snap.Logs, session.LogEntry{ID: 5, Type: session.LogError, Content: "boom", Timestamp: ts})
	p.print(snap)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("printed %d lines: %q", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "09:30:00 cmd_output") || !strings.HasSuffix(lines[1], "$ ls") {
		t.Fatalf("line = %q", lines[1])
	}
}

func TestLogPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := &logPrinter{w: &buf, json: true}
	p.print(session.Snapshot{Logs: []session.LogEntry{{ID: 1, Type: session.LogUser, Content: "Task sent"}}})
	if !strings.Contains(buf.String(), `"type":"user"`) || !strings.Contains(buf.String(), `"content":"Task sent"`) {
		t.Fatalf("json = %q", buf.String())
	}
}

type fakeFollower struct {
	snap    session.Snapshot
	stopped bool
}

func (f *fakeFollower) Stop()                      { f.stopped = true }
func (f *fakeFollower) Snapshot() session.Snapshot { return f.snap }

func TestFollow_ExitsWhenSettled(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionUpdated)
	f := &fakeFollower{snap: session.Snapshot{State: session.StateConnecting}}

	b.Publish(bus.TopicSessionUpdated, session.Snapshot{State: session.StateConnected,
		Logs: []session.LogEntry{{ID: 1, Content: "Connected"}}})
	b.Publish(bus.TopicSessionUpdated, session.Snapshot{State: session.StateError,
		Logs: []session.LogEntry{{ID: 1, Content: "Connected"}, {ID: 2, Content: "Connection lost"}}})

	var buf bytes.Buffer
	code := follow(context.Background(), f, sub, &logPrinter{w: &buf})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if strings.Count(buf.String(), "Connected") != 1 || !strings.Contains(buf.String(), "Connection lost") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestFollow_StoppedIsSuccess(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionUpdated)
	b.Publish(bus.TopicSessionUpdated, session.Snapshot{State: session.StateStopped})
	code := follow(context.Background(), &fakeFollower{snap: session.Snapshot{State: session.StateConnecting}}, sub, &logPrinter{w: &bytes.Buffer{}})
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestFollow_InterruptStopsSession(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionUpdated)
	f := &fakeFollower{snap: session.Snapshot{State: session.StateWorking}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code := follow(ctx, f, sub, &logPrinter{w: &bytes.Buffer{}}); code != 130 {
		t.Fatalf("exit code = %d, want 130", code)
	}
	if !f.stopped {
		t.Fatalf("interrupt should stop the session")
	}
}

func TestWriteSessionList(t *testing.T) {
	var buf bytes.Buffer
	writeSessionList(&buf, nil)
	if !strings.Contains(buf.String(), "No archived sessions.") {
		t.Fatalf("empty list = %q", buf.String())
	}

	buf.Reset()
	writeSessionList(&buf, []persistence.SessionRecord{{
		ID: "11111111-2222-3333-4444-555555555555", State: session.StateStopped,
		Task: "fix\nthe   build", ChatCount: 2, LogCount: 7, UpdatedAt: time.Now(),
	}})
	out := buf.String()
	for _, want := range []string{"ENGINE SESSION", "11111111-2222", "stopped", "fix the build"} {
		if !strings.Contains(out, want) {
			t.Fatalf("list missing %q: %q", want, out)
		}
	}
}

func TestWriteTranscript(t *testing.T) {
	var buf bytes.Buffer
	writeTranscript(&buf, &persistence.Transcript{
		SessionRecord: persistence.SessionRecord{ID: "s1", State: session.StateError, Error: "Connection lost after multiple attempts."},
		Chat:          []session.ChatMessage{{Role: session.RoleAgent, Content: "Agent is ready."}},
		Logs:          []session.LogEntry{{Type: session.LogFileWrite, Content: "File changed: main.go"}},
		Files:         []string{"main.go"},
	})
	out := buf.String()
	for _, want := range []string{"Session s1 (error)", "Error: Connection lost", "agent  Agent is ready.", "file_write", "Files:\n  main.go"} {
		if !strings.Contains(out, want) {
			t.Fatalf("transcript missing %q: %q", want, out)
		}
	}
}

func TestWriteSessionInfo(t *testing.T) {
	var buf bytes.Buffer
	writeSessionInfo(&buf, &engineapi.SessionInfo{
		ID: "web-1", Status: "ACTIVE",
		Project: &engineapi.ProjectRef{ID: "p1", Name: "demo"},
	})
	out := buf.String()
	if !strings.Contains(out, "ACTIVE") || !strings.Contains(out, "demo (p1)") || !strings.Contains(out, "Engine session: -") {
		t.Fatalf("info = %q", out)
	}
}

func TestOneLine(t *testing.T) {
	if got := oneLine("a\n b", 10); got != "a b" {
		t.Fatalf("oneLine = %q", got)
	}
	if got := oneLine("abcdefgh", 5); got != "abcd…" {
		t.Fatalf("oneLine cut = %q", got)
	}
}

func TestWriteDiagnosis(t *testing.T) {
	var buf bytes.Buffer
	writeDiagnosis(&buf, doctor.Diagnosis{
		Timestamp: time.Now(),
		Results: []doctor.CheckResult{
			{Name: "Engine", Status: "FAIL", Message: "localhost:8000 unreachable", Detail: "latency=1ms"},
			{Name: "Token", Status: "WARN", Message: "No engine token configured"},
		},
	})
	out := buf.String()
	if !strings.Contains(out, "❌ Engine") || !strings.Contains(out, "latency=1ms") || !strings.Contains(out, "Token") {
		t.Fatalf("diagnosis = %q", out)
	}
}

func TestHistoryMaintenanceFlags(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LUCID_HOME", home)
	ctx := context.Background()

	store, err := persistence.Open(filepath.Join(home, "lucid.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	old := session.Snapshot{ID: "old-1", State: session.StateStopped, UpdatedAt: time.Now().Add(-72 * time.Hour)}
	recent := session.Snapshot{ID: "new-1", State: session.StateError, UpdatedAt: time.Now()}
	for _, snap := range []session.Snapshot{old, recent} {
		if err := store.SaveSnapshot(ctx, "p1", "task", snap); err != nil {
			t.Fatalf("save %s: %v", snap.ID, err)
		}
	}
	_ = store.Close()

	var out bytes.Buffer
	if code := runHistoryCommand(ctx, []string{"-prune", "24h"}, &out); code != 0 {
		t.Fatalf("prune exit = %d", code)
	}
	if !strings.Contains(out.String(), "Pruned 1 session(s).") {
		t.Fatalf("prune output = %q", out.String())
	}

	out.Reset()
	dest := filepath.Join(t.TempDir(), "copy.db")
	if code := runHistoryCommand(ctx, []string{"-backup", dest}, &out); code != 0 {
		t.Fatalf("backup exit = %d", code)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file: %v", err)
	}

	out.Reset()
	if code := runHistoryCommand(ctx, []string{"-delete", "new-1"}, &out); code != 0 {
		t.Fatalf("delete exit = %d", code)
	}
	if code := runHistoryCommand(ctx, []string{"-delete", "new-1"}, &out); code != 1 {
		t.Fatalf("second delete exit = %d, want 1", code)
	}
	if code := runHistoryCommand(ctx, []string{"-delete"}, &out); code != 2 {
		t.Fatalf("delete without id exit = %d, want 2", code)
	}

	out.Reset()
	if code := runHistoryCommand(ctx, nil, &out); code != 0 {
		t.Fatalf("list exit = %d", code)
	}
	if !strings.Contains(out.String(), "No archived sessions.") {
		t.Fatalf("list output = %q", out.String())
	}
}

// webAppEnv points the CLI at a fresh home and a stub web app.
func webAppEnv(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	home := t.TempDir()
	t.Setenv("LUCID_HOME", home)
	t.Setenv("LUCID_API_URL", srv.URL)
	for _, key := range []string{"LUCID_TOKEN", "LUCID_PROJECT_ID", "LUCID_REPO_URL", "LUCID_ENGINE_URL"} {
		t.Setenv(key, "")
	}
	return home
}

func TestStatusCommand_NotFound(t *testing.T) {
	webAppEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/agent/gone-1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"NotFound","message":"Session not found"}`))
	}))

	var out bytes.Buffer
	if code := runStatusCommand(context.Background(), []string{"gone-1"}, &out); code != 1 {
		t.Fatalf("exit = %d, want 1", code)
	}
	if got := out.String(); got != "Session gone-1 not found.\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestTokenCommand_StoresProject(t *testing.T) {
	home := webAppEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok-9"}`))
	}))

	args := []string{"-project", "proj-3", "-repo", "https://git.example/r.git"}
	if code := runTokenCommand(context.Background(), args); code != 0 {
		t.Fatalf("exit = %d", code)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.Token != "tok-9" || cfg.ProjectID != "proj-3" || cfg.RepoURL != "https://git.example/r.git" {
		t.Fatalf("stored config = token %q project %q repo %q", cfg.Token, cfg.ProjectID, cfg.RepoURL)
	}

	if code := runTokenCommand(context.Background(), []string{"-repo", "x"}); code != 2 {
		t.Fatalf("-repo without -project exit = %d, want 2", code)
	}
}

func TestSessionOptions_ReconnectBudget(t *testing.T) {
	a := &app{tokens: &tokenSource{}, otel: &otelPkg.Provider{}}
	a.cfg.Engine.MaxReconnects = 0
	if got := a.sessionOptions().MaxReconnects; got != session.NoReconnect {
		t.Fatalf("configured 0 = %d, want NoReconnect", got)
	}
	a.cfg.Engine.MaxReconnects = 5
	if got := a.sessionOptions().MaxReconnects; got != 5 {
		t.Fatalf("configured 5 = %d", got)
	}
}
