package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
service:
  log_level: debug
state:
  path: ./test.db
runner:
  ceiling: 30s
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Error("log_level not parsed")
				}
				if cfg.State.Path != "./test.db" {
					t.Error("state.path not parsed")
				}
				if cfg.Runner.Ceiling != 30*time.Second {
					t.Error("runner.ceiling not parsed")
				}
				// Defaults backfill everything the file omitted.
				if cfg.Runner.PollInterval != 50*time.Millisecond {
					t.Error("default poll_interval not applied")
				}
				if cfg.Runner.GracePeriod != 5*time.Second {
					t.Error("default grace_period not applied")
				}
				if cfg.Agent.MaxSteps != 8 {
					t.Error("default agent.max_steps not applied")
				}
			},
		},
		{
			name: "runner timing contract",
			yaml: `
runner:
  ceiling: 2s
  poll_interval: 10ms
  grace_period: 1s
  heartbeat_interval: 500ms
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Runner.Ceiling != 2*time.Second {
					t.Error("ceiling not parsed")
				}
				if cfg.Runner.PollInterval != 10*time.Millisecond {
					t.Error("poll_interval not parsed")
				}
				if cfg.Runner.HeartbeatInterval != 500*time.Millisecond {
					t.Error("heartbeat_interval not parsed")
				}
			},
		},
		{
			name: "worker command override",
			yaml: `
runner:
  worker_command: ["/bin/bash", "fake-worker.sh"]
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if len(cfg.Runner.WorkerCommand) != 2 || cfg.Runner.WorkerCommand[0] != "/bin/bash" {
					t.Errorf("worker_command = %v", cfg.Runner.WorkerCommand)
				}
			},
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: loud
`,
			wantErr: true,
		},
		{
			name: "poll interval exceeds ceiling",
			yaml: `
runner:
  ceiling: 1s
  poll_interval: 2s
`,
			wantErr: true,
		},
		{
			name: "api enabled without key",
			yaml: `
api:
  enabled: true
`,
			wantErr: true,
		},
		{
			name: "api enabled with key",
			yaml: `
api:
  enabled: true
  api_key: hunter2
`,
			wantErr: false,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.API.Listen != "127.0.0.1:8086" {
					t.Error("default api.listen not applied")
				}
			},
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [not a map",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaults(t *testing.T) {
	cfg, err := LoadOrDefaults("")
	if err != nil {
		t.Fatalf("LoadOrDefaults(\"\"): %v", err)
	}
	if cfg.Runner.Ceiling != 5*time.Minute {
		t.Errorf("default ceiling = %v, want 5m", cfg.Runner.Ceiling)
	}
	if cfg.Service.Name != "squire" {
		t.Errorf("default service name = %q", cfg.Service.Name)
	}
}
