// Command voxclone is the main entry point for the voxclone voice bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voxclone/internal/app"
	"github.com/MrWong99/voxclone/internal/config"
	discordbot "github.com/MrWong99/voxclone/internal/discord"
	"github.com/MrWong99/voxclone/internal/discord/commands"
	"github.com/MrWong99/voxclone/internal/observe"
	"github.com/MrWong99/voxclone/pkg/provider/tts"
	"github.com/MrWong99/voxclone/pkg/provider/tts/openai"
	"github.com/MrWong99/voxclone/pkg/provider/tts/qwen"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload voices and log level when the config file changes or on SIGHUP")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxclone: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxclone: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("voxclone starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	opts := []app.Option{
		app.WithMetricsHandler(telemetry.MetricsHandler()),
		app.WithLevelVar(levelVar),
	}

	// ── Discord bot (optional) ────────────────────────────────────────────────
	var bot *discordbot.Bot
	if cfg.Discord.Token != "" {
		bot, err = discordbot.New(ctx, discordbot.Config{
			Token:         cfg.Discord.Token,
			GuildID:       cfg.Discord.GuildID,
			AllowedRoleID: cfg.Discord.AllowedRoleID,
		})
		if err != nil {
			slog.Error("failed to create Discord bot", "err", err)
			return 1
		}
		opts = append(opts, app.WithPlatform(bot.Platform()))
		slog.Info("discord bot connected", "guild_id", cfg.Discord.GuildID)
	} else {
		slog.Warn("discord token not set, serving health and metrics only")
	}

	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if bot != nil {
			_ = bot.Close()
		}
		return 1
	}

	if bot != nil {
		commands.NewVoiceCommands(bot, application.Sessions())
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(ctx, old, new)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go func() { _ = watcher.Run(ctx) }()
			go reloadOnHangup(ctx, watcher)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	// The bot goes last so /leave can still reach Discord during shutdown.
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines wires the engine factories shipped with voxclone
// into reg.
func registerBuiltinEngines(reg *config.Registry) {
	reg.RegisterTTS("qwen", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []qwen.Option
		if entry.Model != "" {
			opts = append(opts, qwen.WithModel(entry.Model))
		}
		if entry.APIKey != "" {
			opts = append(opts, qwen.WithAPIKey(entry.APIKey))
		}
		return qwen.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if d, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, ok := entry.Options["max_retries"].(int); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered engine", "name", name)
	}
}

// reloadOnHangup reloads the configuration on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config reload failed, keeping current configuration", "err", err)
				continue
			}
			slog.Info("config reload requested", "changed", changed)
		}
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration parses a duration string such as "30s" from a provider Options
// map. ok is false when the key is absent or not a valid duration.
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s, ok := opts[key].(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0, false
	}
	return d, true
}
