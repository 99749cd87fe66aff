package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/lucid/internal/shared"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", LogFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("session transition", "from", "idle", "to", "starting", "session_id", "abc123")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "lucid" {
		t.Fatalf("expected component=lucid, got %#v", entry["component"])
	}
	if entry["session_id"] != "abc123" {
		t.Fatalf("expected session_id propagation, got %#v", entry["session_id"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dialing",
		"token", "opaque-token-value",
		"url", "ws://localhost:8000/api/v1/ws?token=opaque-token-value",
	)

	entry := readLastEntry(t, home)
	if entry["token"] != "[REDACTED]" {
		t.Fatalf("expected token redaction, got %#v", entry["token"])
	}
	if url, _ := entry["url"].(string); strings.Contains(url, "opaque-token-value") {
		t.Fatalf("expected url token redaction, got %q", url)
	}
}

func TestNewHandler_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, parseLevel("warn")))
	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn record missing: %s", out)
	}
}

func TestNewHandler_AddsContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo)).With("component", "lucid")

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	ctx = shared.WithSessionID(ctx, "sess-1")
	ctx = shared.WithAttemptID(ctx, "attempt-1")
	logger.InfoContext(ctx, "dialing engine")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, buf.String())
	}
	want := map[string]string{"trace_id": "trace-1", "session_id": "sess-1", "attempt_id": "attempt-1", "component": "lucid"}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s = %#v, want %q", k, entry[k], v)
		}
	}

	buf.Reset()
	logger.Info("no context")
	entry = nil
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("trace_id = %#v, want -", entry["trace_id"])
	}
	if _, ok := entry["attempt_id"]; ok {
		t.Fatalf("unexpected attempt_id: %#v", entry)
	}
}
