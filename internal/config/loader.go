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

// ValidProviderNames lists known LLM provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq",
	"llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path, applies defaults, and
// returns a validated [Config]. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies spec-mandated
// defaults to any zero-valued field, and validates the result. Useful in
// tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.OSC.LocalPort <= 0 || cfg.OSC.LocalPort > 65535 {
		errs = append(errs, fmt.Errorf("osc.local_port %d is out of range [1, 65535]", cfg.OSC.LocalPort))
	}
	if cfg.OSC.RemotePort <= 0 || cfg.OSC.RemotePort > 65535 {
		errs = append(errs, fmt.Errorf("osc.remote_port %d is out of range [1, 65535]", cfg.OSC.RemotePort))
	}
	if cfg.OSC.RemoteHost == "" {
		errs = append(errs, errors.New("osc.remote_host must not be empty"))
	}
	if cfg.OSC.LivenessTimeout <= 0 {
		errs = append(errs, errors.New("osc.liveness_timeout must be positive"))
	}
	if cfg.OSC.QueryTimeout <= 0 {
		errs = append(errs, errors.New("osc.query_timeout must be positive"))
	}

	if cfg.Session.HistoryWindow <= 0 {
		errs = append(errs, errors.New("session.history_window must be positive"))
	}
	if cfg.Session.DebounceInterval < 0 {
		errs = append(errs, errors.New("session.debounce_interval must not be negative"))
	}
	if cfg.Session.ApprovalTimeout <= 0 {
		errs = append(errs, errors.New("session.approval_timeout must be positive"))
	}

	validateProviderName(cfg.LLM.Name)

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// [ValidProviderNames]. Unknown names are not an error — third-party
// providers may be registered under any name.
func validateProviderName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown llm provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
