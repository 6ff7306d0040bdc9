package config

import "time"

// Config represents the complete squire configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`
	Runner  RunnerConfig  `yaml:"runner"`
	Agent   AgentConfig   `yaml:"agent"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// RunnerConfig defines the supervisor and worker timing contracts.
type RunnerConfig struct {
	// Ceiling is the hard wall-clock limit the supervisor allows a worker
	// before forcing termination.
	Ceiling time.Duration `yaml:"ceiling"`

	// PollInterval is the supervisor's inter-poll sleep while draining
	// worker output.
	PollInterval time.Duration `yaml:"poll_interval"`

	// GracePeriod is how long the supervisor waits after SIGTERM before
	// escalating to SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`

	// HeartbeatInterval is the longest the worker stays silent before
	// emitting a heartbeat envelope.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// WorkerCommand overrides the worker executable and its leading
	// arguments. Empty means re-exec the current binary with the hidden
	// "worker" subcommand.
	WorkerCommand []string `yaml:"worker_command,omitempty"`
}

// AgentConfig defines the built-in agent's execution policy.
type AgentConfig struct {
	WorkDir       string        `yaml:"work_dir"`
	AllowShell    bool          `yaml:"allow_shell"`
	MaxSteps      int           `yaml:"max_steps"`
	ShellTimeout  time.Duration `yaml:"shell_timeout"`
	MaxToolOutput int           `yaml:"max_tool_output"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "squire",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/squire.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8086",
		},
		Runner: RunnerConfig{
			Ceiling:           5 * time.Minute,
			PollInterval:      50 * time.Millisecond,
			GracePeriod:       5 * time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Agent: AgentConfig{
			WorkDir:       ".",
			AllowShell:    true,
			MaxSteps:      8,
			ShellTimeout:  60 * time.Second,
			MaxToolOutput: 64 * 1024,
		},
	}
}
