package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "squire", cfg.Service.Name)
	assert.Equal(t, "info", cfg.Service.LogLevel)
	assert.Equal(t, "json", cfg.Service.LogFormat)
	assert.Equal(t, "./data/squire.db", cfg.State.Path)
	assert.False(t, cfg.API.Enabled)

	// The timing contract has to hold out of the box.
	assert.Equal(t, 5*time.Minute, cfg.Runner.Ceiling)
	assert.Equal(t, 50*time.Millisecond, cfg.Runner.PollInterval)
	assert.Less(t, cfg.Runner.PollInterval, cfg.Runner.Ceiling)
	assert.Equal(t, 5*time.Second, cfg.Runner.GracePeriod)
	assert.Equal(t, 10*time.Second, cfg.Runner.HeartbeatInterval)
	assert.Empty(t, cfg.Runner.WorkerCommand)

	assert.Equal(t, 8, cfg.Agent.MaxSteps)
	assert.True(t, cfg.Agent.AllowShell)

	require.NoError(t, validate(cfg))
}

func TestLoadKeepsUnsetSectionsAtDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "squire.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: test-squire
runner:
  ceiling: 90s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "test-squire", cfg.Service.Name)
	assert.Equal(t, 90*time.Second, cfg.Runner.Ceiling)

	// Everything the file is silent on stays at the defaults.
	def := Defaults()
	assert.Equal(t, def.Service.LogLevel, cfg.Service.LogLevel)
	assert.Equal(t, def.Runner.PollInterval, cfg.Runner.PollInterval)
	assert.Equal(t, def.Agent, cfg.Agent)
}
