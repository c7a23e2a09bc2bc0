// Package config provides the configuration schema, loader, and provider
// registry for dawbridge.
package config

import "time"

// Config is the root configuration structure for dawbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	OSC     OSCConfig     `yaml:"osc"`
	Session SessionConfig `yaml:"session"`
	LLM     ProviderEntry `yaml:"llm"`
}

// ServerConfig holds network and logging settings for the dawbridge server.
type ServerConfig struct {
	// ListenAddr is the TCP address the client-channel server listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Valid values: "debug", "info", "warn", "error".
	LogLevel LogLevel `yaml:"log_level"`
}

// LogLevel is a validated, named verbosity level.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// IsValid reports whether l is one of the recognised log levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, "":
		return true
	default:
		return false
	}
}

// OSCConfig holds the OSC transport endpoint and timeout settings (spec §6).
type OSCConfig struct {
	// LocalPort is the UDP port dawbridge listens on for OSC replies and
	// push notifications. Defaults to 11001.
	LocalPort int `yaml:"local_port"`

	// RemotePort is the UDP port the DAW's OSC listener is bound to.
	// Defaults to 11000.
	RemotePort int `yaml:"remote_port"`

	// RemoteHost is the DAW's OSC listener address. Defaults to "127.0.0.1".
	RemoteHost string `yaml:"remote_host"`

	// LivenessTimeout bounds an is_live probe. Defaults to 5s.
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`

	// QueryTimeout bounds any other request/response OSC call. Defaults to 2s.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// SessionConfig holds parameter-observer and agent-loop settings (spec §6).
type SessionConfig struct {
	// HistoryWindow bounds how long a parameter's change history is retained
	// by the parameter observer. Defaults to 30m.
	HistoryWindow time.Duration `yaml:"history_window"`

	// DebounceInterval coalesces rapid parameter-change notifications for the
	// same parameter. Defaults to 500ms.
	DebounceInterval time.Duration `yaml:"debounce_interval"`

	// ApprovalTimeout bounds how long the agent loop waits for a client's
	// approval/denial of a mutating tool call before treating it as denied.
	// Defaults to 2m. Not part of spec.md's configuration table; see
	// SPEC_FULL.md §4 item 6.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
}

// ProviderEntry configures the LLM backend used by the agent loop (C7).
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "anthropic", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration not covered above.
	Options map[string]any `yaml:"options"`
}

// Defaults returns the spec-mandated default values (spec §6) as a [Config].
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogLevelInfo,
		},
		OSC: OSCConfig{
			LocalPort:       11001,
			RemotePort:      11000,
			RemoteHost:      "127.0.0.1",
			LivenessTimeout: 5 * time.Second,
			QueryTimeout:    2 * time.Second,
		},
		Session: SessionConfig{
			HistoryWindow:    30 * time.Minute,
			DebounceInterval: 500 * time.Millisecond,
			ApprovalTimeout:  2 * time.Minute,
		},
	}
}

// ApplyDefaults fills zero-valued fields of cfg with values from [Defaults].
func ApplyDefaults(cfg *Config) {
	d := Defaults()

	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = d.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = d.Server.LogLevel
	}
	if cfg.OSC.LocalPort == 0 {
		cfg.OSC.LocalPort = d.OSC.LocalPort
	}
	if cfg.OSC.RemotePort == 0 {
		cfg.OSC.RemotePort = d.OSC.RemotePort
	}
	if cfg.OSC.RemoteHost == "" {
		cfg.OSC.RemoteHost = d.OSC.RemoteHost
	}
	if cfg.OSC.LivenessTimeout == 0 {
		cfg.OSC.LivenessTimeout = d.OSC.LivenessTimeout
	}
	if cfg.OSC.QueryTimeout == 0 {
		cfg.OSC.QueryTimeout = d.OSC.QueryTimeout
	}
	if cfg.Session.HistoryWindow == 0 {
		cfg.Session.HistoryWindow = d.Session.HistoryWindow
	}
	if cfg.Session.DebounceInterval == 0 {
		cfg.Session.DebounceInterval = d.Session.DebounceInterval
	}
	if cfg.Session.ApprovalTimeout == 0 {
		cfg.Session.ApprovalTimeout = d.Session.ApprovalTimeout
	}
}
