// Package doctor runs the local diagnostics behind `lucid doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/lucid/internal/config"
	"github.com/basket/lucid/internal/persistence"
	"github.com/basket/lucid/internal/shared"
)

// envOverrides are the variables config.Load applies on top of config.yaml.
var envOverrides = []string{
	"LUCID_ENGINE_URL", "LUCID_API_URL", "LUCID_TOKEN", "LUCID_PROJECT_ID",
	"LUCID_MODEL_PROVIDER", "LUCID_REPO_URL", "LUCID_LOG_LEVEL",
	"LUCID_MAX_RECONNECTS", "LUCID_HEARTBEAT_SECONDS", "LUCID_STOP_ON_COMPLETE",
}

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkToken,
		checkProvider,
		checkEnvironment,
		checkPermissions,
		checkArchive,
		checkEngine,
		checkAPI,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsSetup {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing; using defaults and environment",
			Detail: fmt.Sprintf("expected at %s", config.ConfigPath(cfg.HomeDir))}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Token", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Token == "" {
		return CheckResult{Name: "Token", Status: "WARN", Message: "No engine token configured",
			Detail: "Run `lucid token` or set LUCID_TOKEN"}
	}
	if cfg.ProjectID == "" {
		return CheckResult{Name: "Token", Status: "WARN", Message: "Token set but project_id is empty"}
	}
	return CheckResult{Name: "Token", Status: "PASS", Message: fmt.Sprintf("Token set for project %s", cfg.ProjectID)}
}

func checkProvider(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Provider", Status: "SKIP", Message: "Config missing"}
	}
	if !config.IsKnownProvider(cfg.ModelProvider) {
		return CheckResult{Name: "Provider", Status: "WARN",
			Message: fmt.Sprintf("Unknown model provider %q; the engine may reject the handshake", cfg.ModelProvider),
			Detail:  "known: " + strings.Join(config.KnownProviders, ", ")}
	}
	return CheckResult{Name: "Provider", Status: "PASS", Message: fmt.Sprintf("Model provider %s", cfg.ModelProvider)}
}

// checkEnvironment lists the active env overrides; secret values are masked.
func checkEnvironment(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Environment", Status: "SKIP", Message: "Config missing"}
	}
	var set []string
	for _, key := range envOverrides {
		if v := os.Getenv(key); v != "" {
			set = append(set, key+"="+shared.RedactEnvValue(key, v))
		}
	}
	if len(set) == 0 {
		return CheckResult{Name: "Environment", Status: "PASS", Message: "No environment overrides"}
	}
	return CheckResult{Name: "Environment", Status: "PASS",
		Message: fmt.Sprintf("%d override(s) active", len(set)),
		Detail:  strings.Join(set, " ")}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkArchive(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Archive", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.ArchiveEnabled() {
		return CheckResult{Name: "Archive", Status: "SKIP", Message: "Transcript archive disabled"}
	}
	store, err := persistence.Open(cfg.ArchivePath())
	if err != nil {
		return CheckResult{Name: "Archive", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()
	if _, err := store.ListSessions(ctx, 1); err != nil {
		return CheckResult{Name: "Archive", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	var journal string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&journal); err != nil {
		return CheckResult{Name: "Archive", Status: "FAIL", Message: fmt.Sprintf("Pragma query failed: %v", err)}
	}
	if journal != "wal" {
		return CheckResult{Name: "Archive", Status: "WARN", Message: fmt.Sprintf("Schema valid but journal_mode=%s", journal),
			Detail: cfg.ArchivePath()}
	}
	return CheckResult{Name: "Archive", Status: "PASS", Message: "Schema valid (wal)", Detail: cfg.ArchivePath()}
}

func checkEngine(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Engine", Status: "SKIP", Message: "Config missing"}
	}
	return reachable(ctx, "Engine", cfg.Engine.URL, "FAIL")
}

// checkAPI only warns: the socket works without the web app once a token is stored.
func checkAPI(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Web API", Status: "SKIP", Message: "Config missing"}
	}
	return reachable(ctx, "Web API", cfg.API.BaseURL, "WARN")
}

// reachable opens a TCP connection to the URL's host. No protocol traffic is
// sent, so the engine never sees a half-started session.
func reachable(ctx context.Context, name, raw, failStatus string) CheckResult {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return CheckResult{Name: name, Status: "FAIL", Message: fmt.Sprintf("Invalid URL %q", raw)}
	}
	addr := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "wss", "https":
			addr = net.JoinHostPort(u.Hostname(), "443")
		default:
			addr = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    name,
			Status:  failStatus,
			Message: fmt.Sprintf("%s unreachable: %v", addr, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	_ = conn.Close()
	return CheckResult{
		Name:    name,
		Status:  "PASS",
		Message: fmt.Sprintf("%s reachable (%dms)", addr, latency.Milliseconds()),
	}
}
