// Package config provides the configuration schema, loader, and engine
// registry for the voxclone voice bridge.
package config

import "time"

// LogLevel controls log verbosity for the voxclone server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr         = ":8080"
	DefaultLanguage           = "English"
	DefaultEmitEveryFrames    = 8
	DefaultDecodeWindowFrames = 80
	DefaultOverlapSamples     = 512
	DefaultCrossfadeWindow    = 200
	DefaultSampleRate         = 24000
	DefaultPostgresTable      = "voice_profiles"
	DefaultPlaybackGap        = 150 * time.Millisecond
)

// Config is the root configuration structure for voxclone.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Discord  DiscordConfig  `yaml:"discord"`
	Voices   VoicesConfig   `yaml:"voices"`
	Engine   EngineConfig   `yaml:"engine"`
	Assembly AssemblyConfig `yaml:"assembly"`
	Output   OutputConfig   `yaml:"output"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// DiscordConfig configures the bot. An empty Token runs voxclone without
// Discord, serving only health and metrics.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`

	// AllowedRoleID restricts the voice commands to members holding this
	// role. Empty allows everyone.
	AllowedRoleID string `yaml:"allowed_role_id"`

	// JoinSound is an optional WAV file played after /join.
	JoinSound string `yaml:"join_sound"`

	// PlaybackGap is the silence inserted between queued utterances.
	PlaybackGap time.Duration `yaml:"playback_gap"`
}

// VoicesConfig lists the sources of voice profiles. Directory profiles win
// over Postgres rows with the same name.
type VoicesConfig struct {
	// Dir is the profile directory, scanned once at startup.
	Dir string `yaml:"dir"`

	// PostgresDSN enables the pgvector profile table when set.
	PostgresDSN string `yaml:"postgres_dsn"`

	// PostgresTable names the profile table.
	PostgresTable string `yaml:"postgres_table"`
}

// ProviderEntry is the configuration block of one synthesis engine. Name is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered engine implementation (e.g., "qwen", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the engine if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the engine's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model served by the engine.
	Model string `yaml:"model"`

	// Options holds engine-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// EngineConfig selects the primary engine, its fallbacks, and the streaming
// parameters sent with every request.
type EngineConfig struct {
	ProviderEntry `yaml:",inline"`

	Language           string `yaml:"language"`
	EmitEveryFrames    int    `yaml:"emit_every_frames"`
	DecodeWindowFrames int    `yaml:"decode_window_frames"`

	// OverlapSamples is a pointer so an explicit 0 survives defaulting.
	OverlapSamples *int `yaml:"overlap_samples"`

	// Fallbacks are tried in order when the primary engine is unavailable.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// Overlap returns the configured overlap, or the default when unset.
func (e EngineConfig) Overlap() int {
	if e.OverlapSamples == nil {
		return DefaultOverlapSamples
	}
	return *e.OverlapSamples
}

// AssemblyConfig holds the overlap-add parameters.
type AssemblyConfig struct {
	// CrossfadeWindow is a pointer so an explicit 0 survives defaulting.
	CrossfadeWindow *int `yaml:"crossfade_window"`
	SampleRate      int  `yaml:"sample_rate"`
}

// Window returns the configured crossfade window, or the default when unset.
func (a AssemblyConfig) Window() int {
	if a.CrossfadeWindow == nil {
		return DefaultCrossfadeWindow
	}
	return *a.CrossfadeWindow
}

// OutputConfig configures the on-disk archive of finished utterances.
type OutputConfig struct {
	// Dir receives one WAV per utterance when set.
	Dir string `yaml:"dir"`
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Discord.PlaybackGap == 0 {
		c.Discord.PlaybackGap = DefaultPlaybackGap
	}
	if c.Voices.PostgresTable == "" {
		c.Voices.PostgresTable = DefaultPostgresTable
	}
	if c.Engine.Language == "" {
		c.Engine.Language = DefaultLanguage
	}
	if c.Engine.EmitEveryFrames == 0 {
		c.Engine.EmitEveryFrames = DefaultEmitEveryFrames
	}
	if c.Engine.DecodeWindowFrames == 0 {
		c.Engine.DecodeWindowFrames = DefaultDecodeWindowFrames
	}
	if c.Assembly.SampleRate == 0 {
		c.Assembly.SampleRate = DefaultSampleRate
	}
}
