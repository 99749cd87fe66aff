package config

import (
	"fmt"
	"hash/fnv"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/lucid/internal/otel"
)

const (
	DefaultEngineURL     = "ws://localhost:8000/api/v1/ws"
	DefaultAPIBaseURL    = "http://localhost:3000"
	DefaultModelProvider = "google"
)

// EngineConfig holds the socket endpoint and connection policy.
type EngineConfig struct {
	URL                 string `yaml:"url"`
	HeartbeatSeconds    int    `yaml:"heartbeat_seconds"`
	ReconnectDelayMS    int    `yaml:"reconnect_delay_ms"`
	MaxReconnects       int    `yaml:"max_reconnects"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`

	// StopOnComplete closes the session when the engine reports the task finished.
	// Off by default: the engine accepts follow-up messages after completion.
	StopOnComplete bool `yaml:"stop_on_complete"`
}

// APIConfig points at the web app that issues tokens and starts/stops sessions server-side.
type APIConfig struct {
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	Cookie         string  `yaml:"cookie"` // web session cookie forwarded to token issuance
}

type ArchiveConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// Handshake fields.
	Token         string `yaml:"token"`
	ProjectID     string `yaml:"project_id"`
	ModelProvider string `yaml:"model_provider"`
	RepoURL       string `yaml:"repo_url"`

	// Task is sent when a session is started without one.
	Task string `yaml:"task"`

	Engine  EngineConfig  `yaml:"engine"`
	API     APIConfig     `yaml:"api"`
	Archive ArchiveConfig `yaml:"archive"`
	OTel    otel.Config   `yaml:"otel"`

	// NeedsSetup is set when config.yaml does not exist yet.
	NeedsSetup bool `yaml:"-"`
}

// HeartbeatInterval is the keep-alive period.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Engine.HeartbeatSeconds) * time.Second
}

// ReconnectDelay is the fixed wait before each reconnect attempt.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Engine.ReconnectDelayMS) * time.Millisecond
}

func (c Config) WriteTimeout() time.Duration {
	return time.Duration(c.Engine.WriteTimeoutSeconds) * time.Second
}

func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// ArchiveEnabled reports whether finished transcripts are written to sqlite. Default on.
func (c Config) ArchiveEnabled() bool {
	return c.Archive.Enabled == nil || *c.Archive.Enabled
}

// ArchivePath is the sqlite file for the transcript archive.
func (c Config) ArchivePath() string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	return filepath.Join(c.HomeDir, "lucid.db")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
// The file holds the session token, so it is written owner-only.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// SetToken stores the engine token in config.yaml, preserving other settings.
func SetToken(homeDir, token string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["token"] = token
	return saveRawConfig(configPath, raw)
}

// SetProject updates project_id and repo_url in config.yaml.
func SetProject(homeDir, projectID, repoURL string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["project_id"] = projectID
	if repoURL != "" {
		raw["repo_url"] = repoURL
	}
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the connection-relevant config.
// The token is hashed in, never printed.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "url=%s|token=%s|project=%s|provider=%s|repo=%s|hb=%d|delay=%d|max=%d",
		c.Engine.URL, c.Token, c.ProjectID, c.ModelProvider, c.RepoURL,
		c.Engine.HeartbeatSeconds, c.Engine.ReconnectDelayMS, c.Engine.MaxReconnects)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		ModelProvider: DefaultModelProvider,
		Engine: EngineConfig{
			URL:                 DefaultEngineURL,
			HeartbeatSeconds:    25,
			ReconnectDelayMS:    2000,
			MaxReconnects:       3,
			WriteTimeoutSeconds: 10,
		},
		API: APIConfig{
			BaseURL:        DefaultAPIBaseURL,
			TimeoutSeconds: 15,
			RateLimitRPS:   5,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("LUCID_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lucid")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml and applies env overrides and defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create lucid home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsSetup = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.ModelProvider = NormalizeProvider(cfg.ModelProvider)
	if strings.TrimSpace(cfg.Engine.URL) == "" {
		cfg.Engine.URL = DefaultEngineURL
	}
	if cfg.Engine.HeartbeatSeconds <= 0 {
		cfg.Engine.HeartbeatSeconds = 25
	}
	if cfg.Engine.ReconnectDelayMS <= 0 {
		cfg.Engine.ReconnectDelayMS = 2000
	}
	// Zero is a valid budget (never reconnect); only negatives are reset.
	if cfg.Engine.MaxReconnects < 0 {
		cfg.Engine.MaxReconnects = 3
	}
	if cfg.Engine.WriteTimeoutSeconds <= 0 {
		cfg.Engine.WriteTimeoutSeconds = 10
	}
	if strings.TrimSpace(cfg.API.BaseURL) == "" {
		cfg.API.BaseURL = DefaultAPIBaseURL
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	if cfg.API.TimeoutSeconds <= 0 {
		cfg.API.TimeoutSeconds = 15
	}
}

func validate(cfg Config) error {
	u, err := url.Parse(cfg.Engine.URL)
	if err != nil {
		return fmt.Errorf("engine.url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("engine.url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Query().Has("token") {
		return fmt.Errorf("engine.url: put the token in the token field, not the url")
	}
	api, err := url.Parse(cfg.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if api.Scheme != "http" && api.Scheme != "https" {
		return fmt.Errorf("api.base_url: scheme must be http or https, got %q", api.Scheme)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LUCID_ENGINE_URL"); raw != "" {
		cfg.Engine.URL = raw
	}
	if raw := os.Getenv("LUCID_API_URL"); raw != "" {
		cfg.API.BaseURL = raw
	}
	if raw := os.Getenv("LUCID_TOKEN"); raw != "" {
		cfg.Token = raw
	}
	if raw := os.Getenv("LUCID_PROJECT_ID"); raw != "" {
		cfg.ProjectID = raw
	}
	if raw := os.Getenv("LUCID_MODEL_PROVIDER"); raw != "" {
		cfg.ModelProvider = raw
	}
	if raw := os.Getenv("LUCID_REPO_URL"); raw != "" {
		cfg.RepoURL = raw
	}
	if raw := os.Getenv("LUCID_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LUCID_MAX_RECONNECTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.MaxReconnects = v
		}
	}
	if raw := os.Getenv("LUCID_HEARTBEAT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Engine.HeartbeatSeconds = v
		}
	}
	if raw := os.Getenv("LUCID_STOP_ON_COMPLETE"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Engine.StopOnComplete = v
		}
	}
}
