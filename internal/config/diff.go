package config

import "time"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GapChanged bool
	NewGap     time.Duration

	// VoicesChanged is true when any voice source setting changed and the
	// profile store should be reloaded.
	VoicesChanged bool

	// RestartRequired lists settings that changed but only take effect after
	// a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Voices != new.Voices {
		d.VoicesChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Discord.PlaybackGap != new.Discord.PlaybackGap {
		d.GapChanged = true
		d.NewGap = new.Discord.PlaybackGap
	}
	oldDiscord, newDiscord := old.Discord, new.Discord
	oldDiscord.PlaybackGap, newDiscord.PlaybackGap = 0, 0
	if oldDiscord != newDiscord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if !sameEngine(old.Engine, new.Engine) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if old.Assembly.Window() != new.Assembly.Window() || old.Assembly.SampleRate != new.Assembly.SampleRate {
		d.RestartRequired = append(d.RestartRequired, "assembly")
	}
	if old.Output != new.Output {
		d.RestartRequired = append(d.RestartRequired, "output")
	}

	return d
}

// sameEngine compares the fields of two engine configs that affect
// construction. Options maps are not compared.
func sameEngine(a, b EngineConfig) bool {
	if !sameEntry(a.ProviderEntry, b.ProviderEntry) ||
		a.Language != b.Language ||
		a.EmitEveryFrames != b.EmitEveryFrames ||
		a.DecodeWindowFrames != b.DecodeWindowFrames ||
		a.Overlap() != b.Overlap() ||
		len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
