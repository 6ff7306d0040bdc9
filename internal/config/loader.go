package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses configuration from a file, layering it over
// Defaults() and validating the result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDefaults loads configPath if it is non-empty and exists, otherwise
// returns Defaults(). An explicit path that fails to load is an error.
func LoadOrDefaults(configPath string) (*Config, error) {
	if configPath == "" {
		return Defaults(), nil
	}
	return Load(configPath)
}

// applyDefaults backfills zero values that yaml left empty (e.g. a partial
// runner section).
func applyDefaults(cfg *Config) {
	def := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.State.Path == "" {
		cfg.State.Path = def.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.Runner.Ceiling <= 0 {
		cfg.Runner.Ceiling = def.Runner.Ceiling
	}
	if cfg.Runner.PollInterval <= 0 {
		cfg.Runner.PollInterval = def.Runner.PollInterval
	}
	if cfg.Runner.GracePeriod <= 0 {
		cfg.Runner.GracePeriod = def.Runner.GracePeriod
	}
	if cfg.Runner.HeartbeatInterval <= 0 {
		cfg.Runner.HeartbeatInterval = def.Runner.HeartbeatInterval
	}
	if cfg.Agent.WorkDir == "" {
		cfg.Agent.WorkDir = def.Agent.WorkDir
	}
	if cfg.Agent.MaxSteps <= 0 {
		cfg.Agent.MaxSteps = def.Agent.MaxSteps
	}
	if cfg.Agent.ShellTimeout <= 0 {
		cfg.Agent.ShellTimeout = def.Agent.ShellTimeout
	}
	if cfg.Agent.MaxToolOutput <= 0 {
		cfg.Agent.MaxToolOutput = def.Agent.MaxToolOutput
	}
}

func validate(cfg *Config) error {
	switch cfg.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("service.log_level must be one of debug/info/warn/error, got %q", cfg.Service.LogLevel)
	}

	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text, got %q", cfg.Service.LogFormat)
	}

	if cfg.Runner.PollInterval >= cfg.Runner.Ceiling {
		return fmt.Errorf("runner.poll_interval (%s) must be shorter than runner.ceiling (%s)",
			cfg.Runner.PollInterval, cfg.Runner.Ceiling)
	}

	if cfg.API.Enabled && cfg.API.APIKey == "" {
		return fmt.Errorf("api.enabled requires api.api_key to be set")
	}

	return nil
}
