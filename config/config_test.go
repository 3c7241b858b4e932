package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.EqualValues(t, 4*1024*1024, cfg.Ring.CapacityBytes)
	require.EqualValues(t, 64*1024, cfg.Ring.MaxFrameBytes)
	require.Equal(t, 7, cfg.Store.RetentionDays)
	require.Equal(t, 4096, cfg.Store.QueueDepth)
	require.Equal(t, 2000, cfg.Store.BatchTimeoutMs)
	require.Equal(t, 5000, cfg.Drain.TimeoutMs)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"capacity not power of two", func(c *Config) { c.Ring.CapacityBytes = 3 * 1024 * 1024 }},
		{"zero capacity", func(c *Config) { c.Ring.CapacityBytes = 0 }},
		{"frame larger than ring", func(c *Config) { c.Ring.MaxFrameBytes = 8 * 1024 * 1024 }},
		{"empty ring name", func(c *Config) { c.Ring.Name = "" }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"negative retention", func(c *Config) { c.Store.RetentionDays = -1 }},
		{"zero queue depth", func(c *Config) { c.Store.QueueDepth = 0 }},
		{"zero batch timeout", func(c *Config) { c.Store.BatchTimeoutMs = 0 }},
		{"empty rules path", func(c *Config) { c.Scanner.RulesPath = "" }},
		{"zero scan size", func(c *Config) { c.Scanner.MaxSizeBytes = 0 }},
		{"zero drain timeout", func(c *Config) { c.Drain.TimeoutMs = 0 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log output", func(c *Config) { c.Log.Output = "syslog" }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.modify(cfg)
		require.Error(t, cfg.Validate(), tt.name)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	contents := `
ring:
  capacity_bytes: 1048576
store:
  path: /tmp/test.db
  retention_days: 3
  retention:
    etw_event: 1
scanner:
  workers: 4
  rules_path: /tmp/rules
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 1048576, cfg.Ring.CapacityBytes)
	require.Equal(t, "/tmp/test.db", cfg.Store.Path)
	require.Equal(t, 3, cfg.Store.RetentionDays)
	require.Equal(t, 1, cfg.Store.Retention["etw_event"])
	require.Equal(t, 4, cfg.Scanner.Workers)
	// Untouched keys keep their defaults.
	require.Equal(t, 4096, cfg.Store.QueueDepth)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ring:\n  capacity_bytes: 12345\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Store.QueueDepth, cfg.Store.QueueDepth)
}
