package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voxclone/internal/app"
	"github.com/MrWong99/voxclone/internal/config"
	"github.com/MrWong99/voxclone/internal/speech"
	"github.com/MrWong99/voxclone/pkg/audio"
	audiomock "github.com/MrWong99/voxclone/pkg/audio/mock"
	"github.com/MrWong99/voxclone/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxclone/pkg/provider/tts/mock"
	"github.com/MrWong99/voxclone/pkg/voice"
)

// testConfig returns a minimal valid config using the "mock" engine.
func testConfig(voicesDir string) *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Voices: config.VoicesConfig{Dir: voicesDir},
		Engine: config.EngineConfig{ProviderEntry: config.ProviderEntry{Name: "mock"}},
	}
	cfg.ApplyDefaults()
	return cfg
}

// testRegistry registers engine under "mock" and "backup".
func testRegistry(engine tts.Provider) *config.Registry {
	reg := config.NewRegistry()
	factory := func(config.ProviderEntry) (tts.Provider, error) { return engine, nil }
	reg.RegisterTTS("mock", factory)
	reg.RegisterTTS("backup", factory)
	return reg
}

// writeVoices creates one JSON profile per name in a fresh directory.
func writeVoices(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n+".json"), []byte("[0.1, 0.2, 0.3]"), 0o644); err != nil {
			t.Fatalf("write profile: %v", err)
		}
	}
	return dir
}

func newTestApp(t *testing.T, cfg *config.Config, engine tts.Provider, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, testRegistry(engine), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_LoadsVoicesFromDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(writeVoices(t, "narrator", "goblin"))
	a := newTestApp(t, cfg, &ttsmock.Provider{})

	got := a.Synthesizer().Store().Names()
	if len(got) != 2 || got[0] != "goblin" || got[1] != "narrator" {
		t.Errorf("Names() = %v, want [goblin narrator]", got)
	}
	if a.Sessions() != nil {
		t.Error("Sessions() should be nil without a platform")
	}
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	cfg := testConfig("")
	store := voice.NewStore(voice.NewProfile("narrator", "test", []float32{0.1}, nil))
	platform := &audiomock.Platform{Conn: &audiomock.Connection{}}

	a := newTestApp(t, cfg, &ttsmock.Provider{},
		app.WithStore(store),
		app.WithPlatform(platform),
	)
	if a.Sessions() == nil {
		t.Fatal("Sessions() should be set with a platform")
	}
	if got := a.Synthesizer().Store(); got != store {
		t.Error("synthesizer should use the injected store")
	}
}

func TestNew_MissingVoiceDir(t *testing.T) {
	t.Parallel()

	cfg := testConfig(filepath.Join(t.TempDir(), "missing"))
	_, err := app.New(context.Background(), cfg, testRegistry(&ttsmock.Provider{}), app.WithMetrics(testMetrics(t)))

	var cfgErr *voice.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New() error = %v, want *voice.ConfigError", err)
	}
}

func TestNew_UnknownEngine(t *testing.T) {
	t.Parallel()

	cfg := testConfig(writeVoices(t, "narrator"))
	cfg.Engine.Name = "does-not-exist"

	_, err := app.New(context.Background(), cfg, testRegistry(&ttsmock.Provider{}), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_UnknownFallback(t *testing.T) {
	t.Parallel()

	cfg := testConfig(writeVoices(t, "narrator"))
	cfg.Engine.Fallbacks = []config.ProviderEntry{{Name: "backup"}, {Name: "nope"}}

	_, err := app.New(context.Background(), cfg, testRegistry(&ttsmock.Provider{}), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("New() error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestNew_EngineChain(t *testing.T) {
	t.Parallel()

	cfg := testConfig(writeVoices(t, "narrator"))
	cfg.Engine.Fallbacks = []config.ProviderEntry{{Name: "backup"}}

	a := newTestApp(t, cfg, &ttsmock.Provider{})
	got := a.Engine().Names()
	if len(got) != 2 || got[0] != "mock" || got[1] != "backup" {
		t.Errorf("engine names = %v, want [mock backup]", got)
	}
}

func TestSpeechConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig("")
	zero := 0
	cfg.Engine.OverlapSamples = &zero
	cfg.Assembly.CrossfadeWindow = &zero

	got := app.SpeechConfig(cfg)
	want := speech.Config{
		Language:           config.DefaultLanguage,
		EmitEveryFrames:    config.DefaultEmitEveryFrames,
		DecodeWindowFrames: config.DefaultDecodeWindowFrames,
		OverlapSamples:     0,
		CrossfadeWindow:    0,
		SampleRate:         config.DefaultSampleRate,
	}
	if got != want {
		t.Errorf("SpeechConfig() = %+v, want %+v", got, want)
	}

	def := app.SpeechConfig(testConfig(""))
	if def.OverlapSamples != config.DefaultOverlapSamples || def.CrossfadeWindow != config.DefaultCrossfadeWindow {
		t.Errorf("defaults = %+v", def)
	}
}

func TestOutputDirArchivesUtterances(t *testing.T) {
	t.Parallel()

	out := t.TempDir()
	cfg := testConfig(writeVoices(t, "narrator"))
	cfg.Output.Dir = out

	engine := &ttsmock.Provider{Chunks: []tts.Chunk{speechChunk()}}
	a := newTestApp(t, cfg, engine)

	if _, err := a.Synthesizer().Synthesize(context.Background(), "narrator", "hello"); err != nil {
		t.Fatalf("Synthesize() error: %v", err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".wav") {
		t.Errorf("archive = %v, want one .wav file", entries)
	}
}

func TestHandler_Health(t *testing.T) {
	t.Parallel()

	metricsHit := false
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metricsHit = true
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		store  *voice.Store
		path   string
		status int
	}{
		{"healthz", voice.NewStore(), "/healthz", http.StatusOK},
		{"ready with voices", voice.NewStore(voice.NewProfile("narrator", "test", []float32{1}, nil)), "/readyz", http.StatusOK},
		{"not ready without voices", voice.NewStore(), "/readyz", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t, testConfig(""), &ttsmock.Provider{}, app.WithStore(tt.store))

			rec := httptest.NewRecorder()
			a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.status {
				t.Errorf("GET %s = %d, want %d; body %s", tt.path, rec.Code, tt.status, rec.Body.String())
			}
		})
	}

	a := newTestApp(t, testConfig(""), &ttsmock.Provider{},
		app.WithStore(voice.NewStore()),
		app.WithMetricsHandler(metrics),
	)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !metricsHit {
		t.Errorf("GET /metrics = %d, hit = %v", rec.Code, metricsHit)
	}
}

func TestApplyConfig_ReloadsVoices(t *testing.T) {
	t.Parallel()

	oldCfg := testConfig(writeVoices(t, "narrator"))
	a := newTestApp(t, oldCfg, &ttsmock.Provider{})

	newCfg := testConfig(writeVoices(t, "goblin", "wizard"))
	a.ApplyConfig(context.Background(), oldCfg, newCfg)

	got := a.Synthesizer().Store().Names()
	if len(got) != 2 || got[0] != "goblin" || got[1] != "wizard" {
		t.Errorf("Names() after reload = %v, want [goblin wizard]", got)
	}
}

func TestApplyConfig_FailedReloadKeepsStore(t *testing.T) {
	t.Parallel()

	oldCfg := testConfig(writeVoices(t, "narrator"))
	a := newTestApp(t, oldCfg, &ttsmock.Provider{})
	before := a.Synthesizer().Store()

	newCfg := testConfig(filepath.Join(t.TempDir(), "gone"))
	a.ApplyConfig(context.Background(), oldCfg, newCfg)

	if a.Synthesizer().Store() != before {
		t.Error("store should be unchanged after a failed reload")
	}
}

func TestApplyConfig_LogLevel(t *testing.T) {
	t.Parallel()

	var lv slog.LevelVar
	oldCfg := testConfig(writeVoices(t, "narrator"))
	a := newTestApp(t, oldCfg, &ttsmock.Provider{}, app.WithLevelVar(&lv))

	newCfg := *oldCfg
	newCfg.Server.LogLevel = config.LogDebug
	a.ApplyConfig(context.Background(), oldCfg, &newCfg)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, testConfig(writeVoices(t, "narrator")), &ttsmock.Provider{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_LeavesVoiceChannel(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{Output: make(chan<- audio.AudioFrame, 8)}
	platform := &audiomock.Platform{Conn: conn}
	a := newTestApp(t, testConfig(writeVoices(t, "narrator")), &ttsmock.Provider{}, app.WithPlatform(platform))

	if err := a.Sessions().Join(context.Background(), "voice-1", "user-1"); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if got := conn.Disconnects(); got != 1 {
		t.Errorf("Disconnect calls = %d, want 1", got)
	}
}

func TestShutdown_RespectsDeadline(t *testing.T) {
	t.Parallel()

	platform := &audiomock.Platform{Conn: &audiomock.Connection{}}
	a := newTestApp(t, testConfig(writeVoices(t, "narrator")), &ttsmock.Provider{}, app.WithPlatform(platform))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
}
