package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SessionChanged bool
	NewSession     SessionConfig

	// OSCChanged is true if any OSC endpoint or timeout setting changed.
	// These fields require a transport restart; they are reported here so
	// the watcher can warn, not applied live.
	OSCChanged bool
	NewOSC     OSCConfig

	LLMChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	if old.OSC != new.OSC {
		d.OSCChanged = true
		d.NewOSC = new.OSC
	}

	if old.LLM.Name != new.LLM.Name || old.LLM.Model != new.LLM.Model || old.LLM.BaseURL != new.LLM.BaseURL {
		d.LLMChanged = true
	}

	return d
}
