package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/lucid/internal/bus"
	"github.com/basket/lucid/internal/config"
	"github.com/basket/lucid/internal/engineapi"
	otelPkg "github.com/basket/lucid/internal/otel"
	"github.com/basket/lucid/internal/persistence"
	"github.com/basket/lucid/internal/session"
	"github.com/basket/lucid/internal/telemetry"
)

// tokenSource holds the current engine token. The config watcher swaps it so
// the next reconnect picks up a refreshed token.
type tokenSource struct {
	v atomic.Pointer[string]
}

func (t *tokenSource) Get() string {
	if p := t.v.Load(); p != nil {
		return *p
	}
	return ""
}

func (t *tokenSource) Set(token string) {
	token = strings.TrimSpace(token)
	t.v.Store(&token)
}

type appOptions struct {
	quiet   bool // logs to file only
	archive bool // open the transcript store
}

// app is the process-wide wiring shared by every subcommand.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	bus     *bus.Bus
	store   *persistence.Store // nil when the archive is off
	tokens  *tokenSource

	closers []func(context.Context) error
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(logger)

	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    bus.New(),
		tokens: &tokenSource{},
	}
	a.tokens.Set(cfg.Token)
	a.closers = append(a.closers, func(context.Context) error { return closer.Close() })

	provider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.otel = provider
	a.closers = append(a.closers, provider.Shutdown)
	if a.metrics, err = otelPkg.NewMetrics(provider.Meter); err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	if opts.archive && cfg.ArchiveEnabled() {
		store, err := persistence.Open(cfg.ArchivePath())
		if err != nil {
			// A broken archive must not block a session.
			logger.Warn("transcript archive unavailable", "path", cfg.ArchivePath(), "error", err)
		} else {
			a.store = store
			a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		}
	}
	logger.InfoContext(ctx, "startup", "home", cfg.HomeDir, "engine", cfg.Engine.URL, "config", cfg.Fingerprint())
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && a.logger != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) sessionOptions() session.Options {
	c := a.cfg
	// config.yaml uses 0 for "never reconnect"; the session reads 0 as its default.
	maxReconnects := c.Engine.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = session.NoReconnect
	}
	return session.Options{
		URL:               c.Engine.URL,
		Token:             a.tokens.Get,
		ProjectID:         c.ProjectID,
		ModelProvider:     c.ModelProvider,
		RepoURL:           c.RepoURL,
		DefaultTask:       c.Task,
		HeartbeatInterval: c.HeartbeatInterval(),
		ReconnectDelay:    c.ReconnectDelay(),
		WriteTimeout:      c.WriteTimeout(),
		MaxReconnects:     maxReconnects,
		StopOnComplete:    c.Engine.StopOnComplete,
		Logger:            a.logger,
		Metrics:           a.metrics,
		Tracer:            a.otel.Tracer,
		Bus:               a.bus,
	}
}

func (a *app) apiClient() *engineapi.Client {
	return engineapi.New(engineapi.Options{
		BaseURL:   a.cfg.API.BaseURL,
		Timeout:   a.cfg.APITimeout(),
		RateLimit: a.cfg.API.RateLimitRPS,
		Cookie:    a.cfg.API.Cookie,
		Retries:   2,
		Logger:    a.logger,
		Metrics:   a.metrics,
		Tracer:    a.otel.Tracer,
	})
}

// watchConfig reloads config.yaml on change and pushes a new token into the
// token source. Other fields need a restart.
func (a *app) watchConfig(ctx context.Context) {
	w := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := w.Start(ctx); err != nil {
		a.logger.WarnContext(ctx, "config watcher disabled", "error", err)
		return
	}
	go func() {
		for range w.Events() {
			cfg, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.ErrorContext(ctx, "config reload rejected; keeping previous settings", "error", err)
				continue
			}
			if cfg.Token != a.tokens.Get() {
				a.tokens.Set(cfg.Token)
				a.logger.InfoContext(ctx, "engine token reloaded", "config", cfg.Fingerprint())
			}
		}
	}()
}

// archiveSession saves the transcript whenever the session settles in stopped
// or error. The returned func saves the final view and detaches; call it on exit.
func (a *app) archiveSession(sess *session.Session, task string) func() {
	if a.store == nil {
		return func() {}
	}
	save := func(snap session.Snapshot, reason string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.store.SaveSnapshot(ctx, a.cfg.ProjectID, task, snap); err != nil {
			a.logger.Error("archive transcript", "session", snap.ID, "reason", reason, "error", err)
			return
		}
		a.logger.Debug("transcript archived", "session", snap.ID, "reason", reason, "logs", len(snap.Logs))
	}

	sub := sess.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		saved := -1 // log count at the last save
		for ev := range sub.Ch() {
			snap, ok := ev.Payload.(session.Snapshot)
			if !ok || snap.ID != sess.ID() {
				continue
			}
			if !settled(snap.State) || len(snap.Logs) == saved {
				continue
			}
			save(snap, string(snap.State))
			saved = len(snap.Logs)
		}
	}()
	return func() {
		sess.Unsubscribe(sub)
		<-done
		save(sess.Snapshot(), "exit")
	}
}

func settled(s session.State) bool {
	return s == session.StateStopped || s == session.StateError
}
