package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; changing a
// provider name requires a process restart since it swaps out a live
// connection, so provider diffs are intentionally not surfaced here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	VoiceChanged bool
	NewVoice     VoiceConfig
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Voice != new.Session.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Session.Voice
	}

	return d
}
