// Package app wires the cleancut subsystems into a running broker.
//
// The App struct owns the full lifecycle: New builds every subsystem and
// binds the listening port, Run serves until ctx is cancelled, and Shutdown
// tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithListener,
// WithAuditDB, WithCommand, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cleancut/internal/analysis"
	"github.com/MrWong99/cleancut/internal/audit"
	"github.com/MrWong99/cleancut/internal/config"
	"github.com/MrWong99/cleancut/internal/control"
	"github.com/MrWong99/cleancut/internal/dispatch"
	"github.com/MrWong99/cleancut/internal/health"
	"github.com/MrWong99/cleancut/internal/observe"
	"github.com/MrWong99/cleancut/internal/resilience"
	"github.com/MrWong99/cleancut/internal/silence"
	"github.com/MrWong99/cleancut/internal/supervisor"
	"github.com/MrWong99/cleancut/internal/transport"
	"github.com/MrWong99/cleancut/internal/workflow"
)

// ShutdownTimeout bounds the graceful HTTP shutdown once Run's context ends.
const ShutdownTimeout = 15 * time.Second

// ErrBind is returned by New when the listen address cannot be bound. It is
// the only startup failure the broker treats as fatal.
var ErrBind = errors.New("app: cannot bind listen address")

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	level      *slog.LevelVar
	metrics    *observe.Metrics
	provider   *observe.Provider
	observer   workflow.Observer
	command    analysis.CommandFunc
	auditDB    audit.DB
	listener   net.Listener
	configPath string
	pollEvery  time.Duration

	// Subsystems, initialised in New.
	slot     *supervisor.Slot
	disp     *dispatch.Dispatcher
	runner   *analysis.Runner
	store    *silence.Store
	orch     *workflow.Orchestrator
	health   *health.Handler
	watcher  *config.Watcher
	server   *http.Server
	checkers []health.Checker

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLevelVar lets config reloads change the level of the installed logger.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics records on m instead of observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProvider serves p's Prometheus registry on /metrics.
func WithProvider(p *observe.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithObserver receives workflow notifications. Default: workflow.LogObserver.
func WithObserver(o workflow.Observer) Option {
	return func(a *App) { a.observer = o }
}

// WithCommand replaces exec.CommandContext for analyzer processes.
func WithCommand(fn analysis.CommandFunc) Option {
	return func(a *App) { a.command = fn }
}

// WithAuditDB injects the audit database instead of dialing
// audit.postgres_dsn.
func WithAuditDB(db audit.DB) Option {
	return func(a *App) { a.auditDB = db }
}

// WithListener serves on ln instead of binding server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch reloads path every interval while Run is active. A zero
// interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.pollEvery = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together and binding the
// listen address. A failed bind returns an error wrapping [ErrBind]; a
// missing audit database only disables the audit log.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.observer == nil {
		a.observer = workflow.LogObserver{}
	}

	// ── 1. Audit log ─────────────────────────────────────────────────────
	recorder := a.initAudit(ctx)

	// ── 2. Session store + analyzer ──────────────────────────────────────
	a.store = silence.NewStore(silence.WithRecorder(recorder), silence.WithMetrics(a.metrics))
	a.initRunner()

	// ── 3. Peer slot, dispatcher, orchestrator ───────────────────────────
	a.slot = supervisor.NewSlot(supervisor.WithMetrics(a.metrics))
	a.orch = workflow.New(workflow.Config{
		Peer:           a.slot,
		Store:          a.store,
		Analyzer:       a.runner,
		Identity:       cfg.Server.Identity,
		RequestTimeout: cfg.Requests.ExportTimeout,
		Defaults:       workflowDefaults(cfg),
		Observer:       a.observer,
		Metrics:        a.metrics,
	})
	a.slot.Subscribe(a.orch.OnPeerStatus)
	a.disp = dispatch.New(dispatch.WithMetrics(a.metrics))
	a.orch.Register(a.disp)

	// ── 4. Health ────────────────────────────────────────────────────────
	a.checkers = append(a.checkers,
		health.Analyzer(a.runner.Python(), func() bool { return a.runner.BreakerState() == resilience.StateOpen }),
		health.Peer(a.slot.Connected),
	)
	a.health = health.New(a.checkers...)

	// ── 5. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		var wopts []config.WatcherOption
		if a.pollEvery > 0 {
			wopts = append(wopts, config.WithInterval(a.pollEvery))
		}
		w, err := config.NewWatcher(a.configPath, a.Reload, wopts...)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = w
	}

	// ── 6. HTTP server ───────────────────────────────────────────────────
	if a.listener == nil {
		ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
		if err != nil {
			a.runClosers()
			return nil, fmt.Errorf("%w %s: %v", ErrBind, cfg.Server.ListenAddr, err)
		}
		a.listener = ln
	}
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(a.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAudit connects the audit log when configured. Any failure is logged and
// leaves the no-op recorder in place.
func (a *App) initAudit(ctx context.Context) silence.Recorder {
	if a.auditDB == nil {
		dsn := a.cfg.Audit.PostgresDSN
		if dsn == "" {
			return audit.Nop{}
		}
		pool, err := audit.Open(ctx, dsn)
		if err != nil {
			slog.Warn("audit log disabled", "err", err)
			return audit.Nop{}
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		a.auditDB = pool
	}

	log := audit.NewPostgresLog(a.auditDB)
	if err := log.Migrate(ctx); err != nil {
		slog.Warn("audit log disabled", "err", err)
		log.Close()
		return audit.Nop{}
	}
	a.closers = append(a.closers, func() error {
		log.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Ping("audit", log))
	slog.Info("audit log enabled")
	return log
}

func (a *App) initRunner() {
	ac := a.cfg.Analysis
	a.runner = analysis.NewRunner(analysis.Config{
		Python:         ac.Python,
		Detectors:      analysis.NewDetectors(ac.Scripts),
		StatsScript:    ac.StatsScript,
		DecimateScript: ac.DecimateScript,
		Breaker: analysis.NewBreaker(resilience.BreakerConfig{
			MaxFailures:  ac.Breaker.MaxFailures,
			ResetTimeout: ac.Breaker.ResetTimeout,
		}),
		Metrics: a.metrics,
		Command: a.command,
	})
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the workflow orchestrator.
func (a *App) Orchestrator() *workflow.Orchestrator { return a.orch }

// Slot returns the peer slot.
func (a *App) Slot() *supervisor.Slot { return a.slot }

// Addr returns the bound listen address.
func (a *App) Addr() net.Addr { return a.listener.Addr() }

// Handler returns the broker's routes without middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.serveWS)
	mux.HandleFunc("GET /ws", a.serveWS)
	a.health.Register(mux)
	control.New(a.orch, a.slot.Connected).Register(mux)
	if a.provider != nil {
		mux.Handle("GET /metrics", a.provider.Handler())
	}
	return mux
}

// serveWS upgrades the request, makes the connection the current peer and
// runs the dispatcher until it closes.
func (a *App) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := transport.Accept(w, r, a.cfg.Server.AllowedOrigins)
	if err != nil {
		slog.Debug("websocket upgrade rejected", "remote", r.RemoteAddr, "err", err)
		return
	}
	a.slot.Attach(c)

	err = a.disp.Serve(r.Context(), c)
	_ = c.Close("connection ended")
	a.slot.Detach(c)
	if err != nil && r.Context().Err() == nil {
		slog.Warn("peer connection ended with error", "conn_id", c.ID(), "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when configured, watches the config file. It blocks
// until ctx is cancelled, then shuts the server down within
// [ShutdownTimeout]. A clean stop returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("broker listening", "addr", a.listener.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(a.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), ShutdownTimeout)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by http.Server.
		a.slot.Close("broker shutting down")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: shutdown http: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Reload applies the hot-reloadable parts of a config change. Everything else
// is logged as requiring a restart. It is the config watcher's callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DefaultsChanged || d.DetectorChanged {
		a.orch.SetDefaults(workflowDefaults(new))
		slog.Info("detection defaults changed",
			"threshold_db", new.Analysis.Defaults.ThresholdDB,
			"min_silence_ms", new.Analysis.Defaults.MinSilenceMs,
			"padding_ms", new.Analysis.Defaults.PaddingMs,
			"detector", new.Analysis.Detector,
		)
	}
	if d.ScriptsChanged {
		a.runner.Detectors().Replace(new.Analysis.Scripts)
		slog.Info("detector scripts changed", "detectors", a.runner.Detectors().Names())
	}
	for _, name := range d.RestartRequired {
		slog.Warn("config change takes effect after restart", "setting", name)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels pending peer requests and closes subsystems in reverse
// init order. If ctx expires first, the remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.slot.Close("broker shutting down")
		a.orch.Close()
		// Already closed when Run served on it.
		_ = a.listener.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level. Unknown values map
// to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func workflowDefaults(cfg *config.Config) workflow.Defaults {
	d := cfg.Analysis.Defaults
	return workflow.Defaults{
		ThresholdDB:  d.ThresholdDB,
		MinSilenceMs: d.MinSilenceMs,
		PaddingMs:    d.PaddingMs,
		Detector:     cfg.Analysis.Detector,
	}
}
