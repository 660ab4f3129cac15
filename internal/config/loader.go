package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownEngines are the engines cmd/voxclone registers. Other names only
// produce a warning in [Validate].
var KnownEngines = []string{"qwen", "openai"}

// Load opens path and hands it to [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML strictly, so unknown keys fail, then fills in
// defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem in cfg at once as a joined error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Discord.Token != "" && cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required when discord.token is set"))
	}
	if cfg.Discord.PlaybackGap < 0 {
		errs = append(errs, fmt.Errorf("discord.playback_gap %v must not be negative", cfg.Discord.PlaybackGap))
	}

	if cfg.Voices.Dir == "" && cfg.Voices.PostgresDSN == "" {
		errs = append(errs, errors.New("voices: at least one of voices.dir or voices.postgres_dsn is required"))
	}

	if cfg.Engine.Name == "" {
		errs = append(errs, errors.New("engine.name is required"))
	}
	validateEngineName("engine", cfg.Engine.Name)
	if cfg.Engine.EmitEveryFrames <= 0 {
		errs = append(errs, fmt.Errorf("engine.emit_every_frames %d must be positive", cfg.Engine.EmitEveryFrames))
	}
	if cfg.Engine.DecodeWindowFrames <= 0 {
		errs = append(errs, fmt.Errorf("engine.decode_window_frames %d must be positive", cfg.Engine.DecodeWindowFrames))
	}
	if ov := cfg.Engine.Overlap(); ov < 0 {
		errs = append(errs, fmt.Errorf("engine.overlap_samples %d must not be negative", ov))
	}
	for i, fb := range cfg.Engine.Fallbacks {
		prefix := fmt.Sprintf("engine.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateEngineName(prefix, fb.Name)
	}

	if w := cfg.Assembly.Window(); w < 0 {
		errs = append(errs, fmt.Errorf("assembly.crossfade_window %d must not be negative", w))
	}
	if cfg.Assembly.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("assembly.sample_rate %d must be positive", cfg.Assembly.SampleRate))
	}

	return errors.Join(errs...)
}

func validateEngineName(field, name string) {
	if name != "" && !slices.Contains(KnownEngines, name) {
		slog.Warn("engine name not built in, check for a typo", "field", field, "name", name, "known", KnownEngines)
	}
}
