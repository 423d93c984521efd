package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://localhost:3000/api", cfg.RemoteURL)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ProbeInterval)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
	assert.Equal(t, queue.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, queue.PolicyAcknowledged, cfg.Policy())
	assert.True(t, cfg.ReloadAfterDrain)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasksync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
remote_url: https://tasks.example.com/api
sync_interval: 30s
queue_policy: clear_all
log:
  level: debug
  max_backups: 7
`), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://tasks.example.com/api", cfg.RemoteURL)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, queue.PolicyClearAll, cfg.Policy())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Log.MaxBackups)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestLoad_env(t *testing.T) {
	t.Setenv("TASKSYNC_REMOTE_TIMEOUT", "3s")
	t.Setenv("TASKSYNC_LOG_LEVEL", "warn")
	t.Setenv("TASKSYNC_RELOAD_AFTER_DRAIN", "false")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.ReloadAfterDrain)
}

func TestLoad_flagsOverrideEnv(t *testing.T) {
	t.Setenv("TASKSYNC_REMOTE_URL", "http://env.example.com/api")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("remote-url", "", "")
	flags.String("data-dir", "", "")
	require.NoError(t, flags.Parse([]string{"--remote-url", "http://flag.example.com/api"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, "http://flag.example.com/api", cfg.RemoteURL)
	assert.NotEmpty(t, cfg.DataDir, "an unset flag must not blank the default")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.DataDir = " " }},
		{"relative remote url", func(c *Config) { c.RemoteURL = "/api" }},
		{"zero timeout", func(c *Config) { c.RemoteTimeout = 0 }},
		{"zero probe interval", func(c *Config) { c.ProbeInterval = 0 }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"backoff max below base", func(c *Config) { c.BackoffMax = time.Second }},
		{"unknown policy", func(c *Config) { c.QueuePolicy = "sometimes" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestQueueOptions(t *testing.T) {
	cfg := Default()
	cfg.MaxRetries = 2

	opts := cfg.QueueOptions()
	assert.Equal(t, 2, opts.MaxRetries)
	assert.Equal(t, queue.DefaultBackoffBase, opts.BackoffBase)
}
