package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/lucid/internal/config"
)

func writeConfig(t *testing.T, homeDir, body string) {
	t.Helper()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromLucidHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "lucid")
	writeConfig(t, home, "project_id: p-1\nengine:\n  url: wss://engine.example/ws\n  max_reconnects: 5\n")
	t.Setenv("LUCID_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %q got %q", home, cfg.HomeDir)
	}
	if cfg.ProjectID != "p-1" {
		t.Fatalf("expected project p-1 got %q", cfg.ProjectID)
	}
	if cfg.Engine.URL != "wss://engine.example/ws" {
		t.Fatalf("unexpected engine url %q", cfg.Engine.URL)
	}
	if cfg.Engine.MaxReconnects != 5 {
		t.Fatalf("expected max_reconnects=5 got %d", cfg.Engine.MaxReconnects)
	}
	if cfg.NeedsSetup {
		t.Fatalf("NeedsSetup should be false when config.yaml exists")
	}
}

func TestLoad_DefaultHomeUnderUserHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("LUCID_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != filepath.Join(home, ".lucid") {
		t.Fatalf("unexpected home dir %q", cfg.HomeDir)
	}
	if !cfg.NeedsSetup {
		t.Fatalf("expected NeedsSetup without config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HeartbeatInterval() != 25*time.Second {
		t.Fatalf("heartbeat = %v", cfg.HeartbeatInterval())
	}
	if cfg.ReconnectDelay() != 2*time.Second {
		t.Fatalf("reconnect delay = %v", cfg.ReconnectDelay())
	}
	if cfg.Engine.MaxReconnects != 3 {
		t.Fatalf("max reconnects = %d", cfg.Engine.MaxReconnects)
	}
	if cfg.ModelProvider != "google" {
		t.Fatalf("model provider = %q", cfg.ModelProvider)
	}
	if cfg.Engine.StopOnComplete {
		t.Fatalf("stop_on_complete should default to false")
	}
	if !cfg.ArchiveEnabled() {
		t.Fatalf("archive should default to enabled")
	}
	if cfg.ArchivePath() != filepath.Join(cfg.HomeDir, "lucid.db") {
		t.Fatalf("archive path = %q", cfg.ArchivePath())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "token: from-file\nproject_id: file-project\n")
	t.Setenv("LUCID_TOKEN", "from-env")
	t.Setenv("LUCID_PROJECT_ID", "env-project")
	t.Setenv("LUCID_ENGINE_URL", "ws://127.0.0.1:9999/ws")
	t.Setenv("LUCID_MODEL_PROVIDER", "Gemini")
	t.Setenv("LUCID_REPO_URL", "https://git.example/repo.git")
	t.Setenv("LUCID_LOG_LEVEL", "debug")
	t.Setenv("LUCID_API_URL", "https://app.example/")
	t.Setenv("LUCID_MAX_RECONNECTS", "0")
	t.Setenv("LUCID_STOP_ON_COMPLETE", "true")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Token)
	}
	if cfg.ProjectID != "env-project" {
		t.Fatalf("project = %q", cfg.ProjectID)
	}
	if cfg.Engine.URL != "ws://127.0.0.1:9999/ws" {
		t.Fatalf("engine url = %q", cfg.Engine.URL)
	}
	if cfg.ModelProvider != "google" {
		t.Fatalf("expected gemini alias to normalize to google, got %q", cfg.ModelProvider)
	}
	if cfg.RepoURL != "https://git.example/repo.git" {
		t.Fatalf("repo url = %q", cfg.RepoURL)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.API.BaseURL != "https://app.example" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.API.BaseURL)
	}
	if cfg.Engine.MaxReconnects != 0 {
		t.Fatalf("explicit zero reconnect budget should survive, got %d", cfg.Engine.MaxReconnects)
	}
	if !cfg.Engine.StopOnComplete {
		t.Fatalf("stop_on_complete env override ignored")
	}
}

func TestLoad_RejectsNonWebSocketScheme(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "engine:\n  url: http://engine.example/ws\n")
	_, err := config.LoadFrom(home)
	if err == nil || !strings.Contains(err.Error(), "ws or wss") {
		t.Fatalf("expected scheme error, got %v", err)
	}
}

func TestLoad_RejectsTokenInURL(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "engine:\n  url: ws://engine.example/ws?token=abc\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected error for token embedded in url")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "engine: [unterminated\n")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_NegativeValuesFallBackToDefaults(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "engine:\n  heartbeat_seconds: -1\n  reconnect_delay_ms: 0\n  max_reconnects: -4\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.HeartbeatSeconds != 25 || cfg.Engine.ReconnectDelayMS != 2000 || cfg.Engine.MaxReconnects != 3 {
		t.Fatalf("defaults not restored: %+v", cfg.Engine)
	}
}

func TestSetToken_PreservesOtherKeys(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "project_id: keep-me\ntoken: old\n")

	if err := config.SetToken(home, "new-token"); err != nil {
		t.Fatalf("set token: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Token != "new-token" {
		t.Fatalf("token = %q", cfg.Token)
	}
	if cfg.ProjectID != "keep-me" {
		t.Fatalf("project id lost: %q", cfg.ProjectID)
	}
	info, err := os.Stat(config.ConfigPath(home))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 perms, got %v", info.Mode().Perm())
	}
}

func TestSetProject(t *testing.T) {
	home := t.TempDir()
	if err := config.SetProject(home, "proj-9", "https://git.example/x.git"); err != nil {
		t.Fatalf("set project: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProjectID != "proj-9" || cfg.RepoURL != "https://git.example/x.git" {
		t.Fatalf("unexpected project settings: %q %q", cfg.ProjectID, cfg.RepoURL)
	}
}

func TestFingerprint_ChangesWithToken(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.Token = "different"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("fingerprint should change with token")
	}
	if strings.Contains(b.Fingerprint(), "different") {
		t.Fatalf("fingerprint must not contain the token")
	}
}

func TestNormalizeProvider(t *testing.T) {
	cases := map[string]string{
		"":            "google",
		"  GOOGLE ":   "google",
		"gemini":      "google",
		"Claude":      "anthropic",
		"openrouter":  "openrouter",
		"new-thing-x": "new-thing-x",
	}
	for in, want := range cases {
		if got := config.NormalizeProvider(in); got != want {
			t.Fatalf("NormalizeProvider(%q) = %q, want %q", in, got, want)
		}
	}
	if !config.IsKnownProvider("anthropic") || config.IsKnownProvider("nope") {
		t.Fatalf("IsKnownProvider mismatch")
	}
}
