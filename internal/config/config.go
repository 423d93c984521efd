// Package config loads tasksync settings from defaults, an optional config
// file, TASKSYNC_* environment variables and command-line flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// EnvPrefix prefixes every environment override, e.g. TASKSYNC_REMOTE_URL
// or TASKSYNC_LOG_LEVEL.
const EnvPrefix = "TASKSYNC"

// Config holds the runtime settings of the client.
type Config struct {
	DataDir          string        `mapstructure:"data_dir"`
	RemoteURL        string        `mapstructure:"remote_url"`
	RemoteTimeout    time.Duration `mapstructure:"remote_timeout"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	SyncInterval     time.Duration `mapstructure:"sync_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	QueuePolicy      string        `mapstructure:"queue_policy"`
	ReloadAfterDrain bool          `mapstructure:"reload_after_drain"`
	ListenAddr       string        `mapstructure:"listen_addr"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	MachineID        string        `mapstructure:"machine_id"`
	Log              LogConfig     `mapstructure:"log"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tasksync")
	}
	return "./data"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("remote_url", "http://localhost:3000/api")
	v.SetDefault("remote_timeout", 10*time.Second)
	v.SetDefault("probe_interval", 15*time.Second)
	v.SetDefault("sync_interval", time.Minute)
	v.SetDefault("max_retries", queue.DefaultMaxRetries)
	v.SetDefault("backoff_base", queue.DefaultBackoffBase)
	v.SetDefault("backoff_max", queue.DefaultBackoffMax)
	v.SetDefault("queue_policy", string(queue.PolicyAcknowledged))
	v.SetDefault("reload_after_drain", true)
	v.SetDefault("listen_addr", "127.0.0.1:8090")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
	v.SetDefault("machine_id", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Default returns the built-in settings with environment overrides applied.
// It panics if the environment holds an invalid value.
func Default() *Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load resolves settings. configFile may be empty; flags may be nil. Only
// flags the user set override the other sources.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"data-dir":           "data_dir",
	"remote-url":         "remote_url",
	"remote-timeout":     "remote_timeout",
	"probe-interval":     "probe_interval",
	"sync-interval":      "sync_interval",
	"queue-policy":       "queue_policy",
	"reload-after-drain": "reload_after_drain",
	"listen":             "listen_addr",
	"machine-id":         "machine_id",
	"log-level":          "log.level",
	"log-file":           "log.file",
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	u, err := url.Parse(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("remote_url %q must be an absolute http(s) URL", c.RemoteURL)
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote_timeout must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and not exceed backoff_max")
	}
	if _, err := queue.ParsePolicy(c.QueuePolicy); err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Policy returns the parsed queue policy.
func (c *Config) Policy() queue.Policy {
	p, _ := queue.ParsePolicy(c.QueuePolicy)
	return p
}

// QueueOptions returns the retry settings for the mutation queue.
func (c *Config) QueueOptions() queue.Options {
	return queue.Options{
		MaxRetries:  c.MaxRetries,
		BackoffBase: c.BackoffBase,
		BackoffMax:  c.BackoffMax,
	}
}
