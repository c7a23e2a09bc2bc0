// Package app wires the dawbridge subsystems into a running application.
//
// New connects the OSC transport (C1) through the request/response shim
// (C2) to the DAW bridge (C3), then hands the bridge and a configured LLM
// provider to the client-channel manager (C8), which owns per-session
// mixer mirrors (C4), parameter observers (C5), event buses (C6), and
// agent loops (C7). Run serves the client-channel HTTP endpoint and the
// OSC receive loop until ctx is cancelled; Shutdown tears everything down
// in the order described in spec §5.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelhq/dawbridge/internal/clientchannel"
	"github.com/kestrelhq/dawbridge/internal/config"
	"github.com/kestrelhq/dawbridge/internal/daw"
	"github.com/kestrelhq/dawbridge/internal/health"
	"github.com/kestrelhq/dawbridge/internal/observe"
	"github.com/kestrelhq/dawbridge/internal/osc"
	"github.com/kestrelhq/dawbridge/internal/oscrpc"
	"github.com/kestrelhq/dawbridge/internal/resilience"
	"github.com/kestrelhq/dawbridge/pkg/provider/llm"
)

// Option is a functional option for New. Used to inject test doubles.
type Option func(*App)

// WithTransport injects an OSC transport instead of creating one from
// config. Useful in tests that don't want to bind a real UDP socket.
func WithTransport(t *osc.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithProvider injects an LLM provider instead of creating one from the
// config registry.
func WithProvider(p llm.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithConfigPath enables hot-reload: New starts a [config.Watcher] polling
// path for changes once the rest of the application is wired. Omitted in
// tests that construct a config.Config in memory, since there is no file
// to watch.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// App owns the full subsystem lifetime: the OSC transport, the DAW
// bridge, the client-channel manager, and the HTTP server that exposes
// it alongside health and metrics endpoints.
type App struct {
	cfg        *config.Config
	configPath string

	transport *osc.Transport
	bridge    *daw.Bridge
	provider  llm.Provider
	channels  *clientchannel.Manager
	watcher   *config.Watcher

	metrics *observe.Metrics
	health  *health.Handler
	server  *http.Server

	logger *slog.Logger

	closers  []func() error
	stopOnce sync.Once
}

// New wires all subsystems together from cfg and registry. It binds the
// OSC transport's local UDP port eagerly (a bind failure is fatal per
// spec §4.1) but does not start its receive loop — call Run for that.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	logger := slog.Default()
	a := &App{cfg: cfg, logger: logger, metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(a)
	}

	if a.transport == nil {
		t, err := osc.New(osc.Config{
			LocalAddr:  fmt.Sprintf("0.0.0.0:%d", cfg.OSC.LocalPort),
			RemoteHost: cfg.OSC.RemoteHost,
			RemotePort: cfg.OSC.RemotePort,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("app: bind osc transport: %w", err)
		}
		a.transport = t
	}
	a.closers = append(a.closers, a.transport.Close)

	shim := oscrpc.New(a.transport)
	a.bridge = daw.New(shim, a.transport, cfg.OSC.LivenessTimeout, cfg.OSC.QueryTimeout)

	if a.provider == nil {
		if registry == nil {
			return nil, errors.New("app: no provider registry and no provider injected")
		}
		p, err := registry.CreateLLM(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("app: create llm provider: %w", err)
		}
		// Every provider is wrapped in a single-entry fallback group so a
		// string of failures trips its circuit breaker and the agent loop
		// gets a clear error instead of hammering a down backend.
		a.provider = resilience.NewLLMFallback(p, cfg.LLM.Name, resilience.FallbackConfig{})
	}

	a.channels = clientchannel.NewManager(clientchannel.Config{
		Bridge:           a.bridge,
		Provider:         a.provider,
		Transport:        a.transport,
		DebounceInterval: cfg.Session.DebounceInterval,
		HistoryWindow:    cfg.Session.HistoryWindow,
		ApprovalTimeout:  cfg.Session.ApprovalTimeout,
		SystemPrompt:     defaultSystemPrompt,
		Logger:           logger,
	})
	a.closers = append(a.closers, func() error { a.channels.Shutdown(); return nil })

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange)
		if err != nil {
			return nil, fmt.Errorf("app: start config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error { a.watcher.Stop(); return nil })
	}

	a.health = health.New(health.Checker{Name: "daw", Check: a.checkDAWLive})

	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/channel", observe.Middleware(a.metrics)(a.channels))

	a.server = &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}

	return a, nil
}

// defaultSystemPrompt seeds every agent loop with the fixed three-tool
// contract (spec §4.7); it names no DAW-specific detail since the tool
// descriptions carry that.
const defaultSystemPrompt = "You are an assistant embedded in a digital audio workstation. " +
	"You can inspect the mixer, read device parameters, and change them, but " +
	"every parameter change requires the user's explicit approval before it " +
	"takes effect. Always enumerate or read before guessing at track, device, " +
	"or parameter identifiers."

// onConfigChange applies a reloaded config's live-reloadable settings to
// already-running subsystems. Session settings take effect for sessions
// attached after this call; OSC endpoint changes are logged by the watcher
// itself and are not applied here, since picking them up requires rebinding
// the shared transport every session depends on.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.SessionChanged {
		a.channels.UpdateDefaults(new.Session.DebounceInterval, new.Session.HistoryWindow, new.Session.ApprovalTimeout)
		a.logger.Info("app: applied reloaded session settings",
			"debounce_interval", new.Session.DebounceInterval,
			"history_window", new.Session.HistoryWindow,
			"approval_timeout", new.Session.ApprovalTimeout,
		)
	}
	if d.LLMChanged {
		a.logger.Warn("app: llm provider settings changed in config but require a process restart to take effect")
	}
}

// checkDAWLive reports the DAW bridge's own liveness probe as a readiness
// check, so /readyz reflects whether the DAW is actually responding, not
// just whether the process is up.
func (a *App) checkDAWLive(ctx context.Context) error {
	if !a.bridge.IsLive(ctx) {
		return fmt.Errorf("daw: not responding")
	}
	return nil
}

// Run starts the OSC receive loop and the HTTP server, blocking until
// either fails or ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		if err := a.transport.Listen(); err != nil {
			errCh <- fmt.Errorf("osc listen: %w", err)
			return
		}
		errCh <- nil
	}()

	go func() {
		a.logger.Info("app: serving client channel", "addr", a.cfg.Server.ListenAddr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown tears down the HTTP server, then the client-channel sessions,
// then the OSC transport, matching spec §5's ordering: stop accepting new
// work before releasing the shared transport every session depends on.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.logger.Info("app: shutting down")

		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("app: http shutdown error", "error", err)
		}

		// Closers were appended in construction order (transport first), so
		// run them in reverse to release the transport last.
		for i := len(a.closers) - 1; i >= 0; i-- {
			closer := a.closers[i]
			select {
			case <-ctx.Done():
				a.logger.Warn("app: shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.logger.Warn("app: closer error", "index", i, "error", err)
			}
		}

		a.logger.Info("app: shutdown complete")
	})
	return shutdownErr
}

// Bridge returns the DAW bridge, mainly for tests that want to drive
// liveness or enumeration directly without going through a session.
func (a *App) Bridge() *daw.Bridge { return a.bridge }
