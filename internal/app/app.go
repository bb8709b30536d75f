// Package app wires the callbridge subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the call record store,
// the Twilio client, the media stream acceptor and the HTTP routes; Run
// serves until its context is cancelled; Shutdown drains live streams and
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/callstore"
	"github.com/MrWong99/callbridge/internal/callstore/postgres"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/health"
	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/stream"
	"github.com/MrWong99/callbridge/internal/twilio"
	"github.com/MrWong99/callbridge/pkg/audio/tone"
)

// App owns all subsystem lifetimes of the gateway.
type App struct {
	// cfg holds the effective config. Hot reloads swap in a copy carrying
	// the reloadable fields only.
	cfg   atomic.Pointer[config.Config]
	level *slog.LevelVar

	metrics  *observe.Metrics
	store    callstore.Store
	twilio   *twilio.Client
	acceptor *stream.Acceptor
	handler  http.Handler
	server   *http.Server

	watchPath string
	watcher   *config.Watcher

	// addr is set once Run is listening.
	addr atomic.Pointer[net.Addr]

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithStore injects a call record store instead of creating one from config.
func WithStore(s callstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar hands the App the level of the process logger so log level
// changes apply on hot reload.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigWatch makes Run poll the config file at path and apply
// hot-reloadable changes (log level, tone, warm-up).
func WithConfigWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// New creates an App from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{}
	a.cfg.Store(cfg)
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	a.initTwilio()

	a.acceptor = stream.NewAcceptor(
		stream.NewToneSource(func() tone.Params { return a.cfg.Load().Tone.Params() }),
		stream.WithWarmup(func() time.Duration { return a.cfg.Load().Stream.Warmup }),
		stream.WithMetrics(a.metrics),
		stream.WithStore(a.store),
	)

	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.reload)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: init config watcher: %w", err)
		}
		a.watcher = w
	}

	a.handler = observe.Middleware(a.metrics)(a.routes())
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	cfg := a.cfg.Load()
	if cfg.Store.PostgresDSN == "" {
		slog.Info("call records kept in memory", "capacity", callstore.DefaultMemCapacity)
		a.store = callstore.NewMemStore(callstore.DefaultMemCapacity)
		return nil
	}

	s, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	slog.Info("call records stored in postgres")
	a.store = s
	a.closers = append(a.closers, func() error {
		s.Close()
		return nil
	})
	return nil
}

func (a *App) initTwilio() {
	tw := a.cfg.Load().Twilio
	opts := []twilio.ClientOption{twilio.WithMetrics(a.metrics)}
	if tw.APIBaseURL != "" {
		opts = append(opts, twilio.WithBaseURL(tw.APIBaseURL))
	}
	a.twilio = twilio.NewClient(twilio.Credentials{
		AccountSID: tw.AccountSID,
		AuthToken:  tw.AuthToken,
	}, opts...)
	if !a.twilio.Configured() {
		slog.Info("twilio credentials not set; /test-call disabled")
	}
}

// routes builds the HTTP mux:
//
//	GET  /               service banner
//	GET  /healthz        liveness
//	GET  /readyz         readiness (acceptor, callstore)
//	GET  /metrics        Prometheus scrape
//	GET  /calls          recent call records
//	GET  /calls/{sid}    one call record
//	*    /twilio/voice   TwiML voice webhook
//	GET  /test-call      place an outbound test call
//	GET  <stream.path>   media stream WebSocket
func (a *App) routes() *http.ServeMux {
	cfg := a.cfg.Load()
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	health.New(
		health.Checker{Name: "acceptor", Check: a.acceptor.Ready},
		health.PingChecker("callstore", a.store),
	).Register(mux)

	mux.Handle("GET /metrics", observe.MetricsHandler())

	callstore.NewHandler(a.store, cfg.Store.RecentLimit).Register(mux)

	var streamURL, voiceURL string
	if cfg.Server.PublicURL != "" {
		u, err := twilio.StreamURL(cfg.Server.PublicURL, cfg.Stream.Path)
		if err != nil {
			slog.Warn("cannot derive media stream url", "err", err)
		}
		streamURL = u
		voiceURL = voiceWebhookURL(cfg.Server.PublicURL)
	}
	twilio.NewVoiceHandler(twilio.VoiceConfig{
		StreamURL: streamURL,
		Greeting:  cfg.Twilio.Greeting,
		Voice:     cfg.Twilio.Voice,
		Language:  cfg.Twilio.Language,
	}).Register(mux)

	testCfg := twilio.TestCallConfig{
		To:       cfg.Twilio.ToNumber,
		From:     cfg.Twilio.FromNumber,
		VoiceURL: voiceURL,
	}
	var client *twilio.Client
	if voiceURL != "" {
		client = a.twilio
	}
	twilio.NewTestCallHandler(client, testCfg).Register(mux)

	mux.Handle("GET "+cfg.Stream.Path, a.acceptor)
	return mux
}

func voiceWebhookURL(publicURL string) string {
	return strings.TrimRight(publicURL, "/") + "/twilio/voice?mode=" + twilio.ModeOutbound
}

// Handler returns the root HTTP handler, instrumented with tracing and
// request metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Config returns the effective config.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Addr returns the address Run listens on, or nil before Run has started
// listening.
func (a *App) Addr() net.Addr {
	if p := a.addr.Load(); p != nil {
		return *p
	}
	return nil
}

// Run serves HTTP on server.listen_addr (TLS when configured) and, when
// enabled, polls the config file. It blocks until ctx is cancelled or the
// server fails. The server keeps serving after Run returns so that live
// streams can drain; call [App.Shutdown] to stop it.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", cfg.Server.ListenAddr, err)
	}
	addr := ln.Addr()
	a.addr.Store(&addr)

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	slog.Info("http server listening", "addr", addr.String(), "tls", cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-serveErr:
			if err != nil {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// reload applies a changed config file. Only the log level, the tone and
// the warm-up take effect; other changes are reported and ignored.
func (a *App) reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	next := *a.cfg.Load()
	if d.LogLevelChanged {
		next.Server.LogLevel = d.NewLogLevel
		if a.level != nil {
			a.level.Set(d.NewLogLevel.SlogLevel())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ToneChanged {
		next.Tone = new.Tone
		slog.Info("tone changed; applies to new streams",
			"frequency_hz", new.Tone.FrequencyHz,
			"duration", new.Tone.Duration,
		)
	}
	if d.WarmupChanged {
		next.Stream.Warmup = new.Stream.Warmup
		slog.Info("warm-up changed; applies to new streams", "warmup", new.Stream.Warmup)
	}
	a.cfg.Store(&next)

	for _, name := range d.RestartRequired {
		slog.Warn("config change requires a restart to take effect", "setting", name)
	}
}

// Shutdown drains live media streams, stops the HTTP server and closes the
// store. It respects the context deadline: if ctx expires before all steps
// finish, remaining steps are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "active_streams", a.acceptor.Active())

		// Hijacked WebSocket connections are invisible to http.Server, so
		// streams are drained first.
		if err := a.acceptor.Shutdown(ctx); err != nil {
			slog.Warn("stream drain incomplete", "err", err)
			shutdownErr = err
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = errors.Join(shutdownErr, err)
		}

		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers))
			shutdownErr = errors.Join(shutdownErr, ctx.Err())
			return
		}
		a.runClosers()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
}
