// Package app wires all voxclone subsystems into a running application.
//
// The App struct owns the full lifecycle: New loads the voice profiles,
// builds the engine failover chain and the synthesizer, Run serves the
// health and metrics endpoints, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithPlatform, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxclone/internal/config"
	"github.com/MrWong99/voxclone/internal/health"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/internal/resilience"
	"github.com/MrWong99/voxclone/internal/speech"
	"github.com/MrWong99/voxclone/pkg/audio"
	"github.com/MrWong99/voxclone/pkg/voice"
	"github.com/MrWong99/voxclone/pkg/voice/postgres"
)

// shutdownGrace bounds how long Run waits for in-flight HTTP requests.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	store    *voice.Store
	platform audio.Platform
	engine   *resilience.EngineFallback
	synth    *speech.Synthesizer
	sessions *SessionManager
	health   *health.Handler

	metrics        *observe.Metrics
	metricsHandler http.Handler
	levelVar       *slog.LevelVar
	newMixer       MixerFactory

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a voice store instead of loading one from config.
func WithStore(s *voice.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPlatform sets the voice platform. Without one, no [SessionManager] is
// created and only the HTTP surface runs.
func WithPlatform(p audio.Platform) Option {
	return func(a *App) { a.platform = p }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets configuration reloads adjust the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMixerFactory overrides the playback mixer built per connection.
func WithMixerFactory(f MixerFactory) Option {
	return func(a *App) { a.newMixer = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Engines are created
// through reg from the engine section of cfg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		reg: reg,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Voice profiles ────────────────────────────────────────────────
	if a.store == nil {
		store, err := loadStore(ctx, cfg.Voices)
		if err != nil {
			return nil, fmt.Errorf("app: init voices: %w", err)
		}
		a.store = store
	}
	a.metrics.VoicesLoaded.Record(ctx, int64(a.store.Len()))

	// ── 2. Engines ───────────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 3. Synthesizer ───────────────────────────────────────────────────
	if err := a.initSynthesizer(); err != nil {
		return nil, fmt.Errorf("app: init synthesizer: %w", err)
	}

	// ── 4. Voice sessions ────────────────────────────────────────────────
	if a.platform != nil {
		a.sessions = NewSessionManager(SessionManagerConfig{
			Platform:    a.platform,
			Synthesizer: a.synth,
			JoinSound:   cfg.Discord.JoinSound,
			Gap:         cfg.Discord.PlaybackGap,
			Metrics:     a.metrics,
			NewMixer:    a.newMixer,
		})
		a.closers = append(a.closers, func() error {
			a.sessions.Shutdown()
			return nil
		})
	}

	// ── 5. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.NonEmpty("voices", func() int { return a.synth.Store().Len() }),
		health.Available("engine", a.engine.Available),
	)

	slog.Info("app initialised",
		"voices", a.store.Len(),
		"skipped", len(a.store.Skipped()),
		"engines", a.engine.Names(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// loadStore reads the profile directory and, when configured, the Postgres
// table. Directory profiles win over database rows with the same name.
func loadStore(ctx context.Context, vc config.VoicesConfig) (*voice.Store, error) {
	store := voice.NewStore()
	if vc.Dir != "" {
		s, err := voice.Load(ctx, vc.Dir)
		if err != nil {
			return nil, err
		}
		store = s
	}

	if vc.PostgresDSN == "" {
		return store, nil
	}

	pool, err := postgres.Connect(ctx, vc.PostgresDSN)
	if err != nil {
		return nil, err
	}
	defer pool.Close()

	profiles, skipped, err := postgres.Fetch(ctx, pool, vc.PostgresTable)
	if err != nil {
		return nil, err
	}
	for _, le := range skipped {
		slog.Warn("voice profile skipped", "path", le.Path, "err", le.Err)
	}
	slog.Info("loaded voice profiles from postgres", "table", vc.PostgresTable, "count", len(profiles))
	return store.With(profiles...), nil
}

// initEngine creates the primary engine and every fallback through the
// registry and puts them behind one circuit-broken failover chain.
func (a *App) initEngine() error {
	ec := a.cfg.Engine
	primary, err := a.reg.CreateTTS(ec.ProviderEntry)
	if err != nil {
		return fmt.Errorf("create engine %q: %w", ec.Name, err)
	}
	a.engine = resilience.NewEngineFallback(primary, ec.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})

	for i, fb := range ec.Fallbacks {
		p, err := a.reg.CreateTTS(fb)
		if err != nil {
			return fmt.Errorf("create fallback engine %q (index %d): %w", fb.Name, i, err)
		}
		a.engine.AddFallback(fb.Name, p)
		slog.Info("fallback engine registered", "name", fb.Name, "index", i)
	}
	return nil
}

func (a *App) initSynthesizer() error {
	opts := []speech.Option{
		speech.WithMetrics(a.metrics),
		speech.WithEngineName(a.cfg.Engine.Name),
	}
	if dir := a.cfg.Output.Dir; dir != "" {
		opts = append(opts, speech.WithSink(speech.FileSink{Dir: dir}))
		slog.Info("archiving utterances", "dir", dir)
	}
	synth, err := speech.New(a.store, a.engine, SpeechConfig(a.cfg), opts...)
	if err != nil {
		return err
	}
	a.synth = synth
	return nil
}

// SpeechConfig maps the engine and assembly sections of cfg onto the
// per-session synthesis parameters.
func SpeechConfig(cfg *config.Config) speech.Config {
	return speech.Config{
		Language:           cfg.Engine.Language,
		EmitEveryFrames:    cfg.Engine.EmitEveryFrames,
		DecodeWindowFrames: cfg.Engine.DecodeWindowFrames,
		OverlapSamples:     cfg.Engine.Overlap(),
		CrossfadeWindow:    cfg.Assembly.Window(),
		SampleRate:         cfg.Assembly.SampleRate,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Synthesizer returns the shared synthesizer.
func (a *App) Synthesizer() *speech.Synthesizer { return a.synth }

// Sessions returns the voice session manager, or nil without a platform.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Engine returns the engine failover chain.
func (a *App) Engine() *resilience.EngineFallback { return a.engine }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed configuration:
// the log level and the voice profile sources. Everything else is logged as
// requiring a restart. A voice source that fails to load keeps the current
// store.
func (a *App) ApplyConfig(ctx context.Context, old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.GapChanged && a.sessions != nil {
		a.sessions.SetGap(d.NewGap)
		slog.Info("playback gap changed", "gap", d.NewGap)
	}

	if d.VoicesChanged {
		store, err := loadStore(ctx, new.Voices)
		if err != nil {
			slog.Error("voice reload failed, keeping current profiles", "err", err)
		} else {
			a.synth.SetStore(store)
			a.metrics.VoicesLoaded.Record(ctx, int64(store.Len()))
			slog.Info("voice profiles reloaded", "voices", store.Len(), "skipped", len(store.Skipped()))
		}
	}

	for _, field := range d.RestartRequired {
		slog.Warn("config change requires restart", "field", field)
	}
}

// SlogLevel converts a config log level to its slog equivalent.
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

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP surface: /healthz, /readyz and, when configured,
// /metrics, all behind the observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Run serves the HTTP surface on server.listen_addr and blocks until ctx is
// cancelled. When ctx is done, Run returns context.Canceled (or the
// underlying cause).
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
