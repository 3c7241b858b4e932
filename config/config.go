// Package config loads and validates the agent's single declarative
// configuration file.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full agent configuration.
type Config struct {
	Ring     RingConfig     `mapstructure:"ring"`
	Store    StoreConfig    `mapstructure:"store"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Sigma    SigmaConfig    `mapstructure:"sigma"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Drain    DrainConfig    `mapstructure:"drain"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
}

// RingConfig describes the shared-memory transport.
type RingConfig struct {
	Name          string `mapstructure:"name"`
	CapacityBytes uint64 `mapstructure:"capacity_bytes"`
	MaxFrameBytes uint32 `mapstructure:"max_frame_bytes"`
	PeerTimeoutMs int    `mapstructure:"peer_timeout_ms"`
}

// StoreConfig describes the event store.
type StoreConfig struct {
	Path           string         `mapstructure:"path"`
	RetentionDays  int            `mapstructure:"retention_days"`
	Retention      map[string]int `mapstructure:"retention"` // per-table override, days
	QueueDepth     int            `mapstructure:"queue_depth"`
	BatchTimeoutMs int            `mapstructure:"batch_timeout_ms"`
}

// ScannerConfig describes the file scanner.
type ScannerConfig struct {
	Workers       int    `mapstructure:"workers"`
	MaxSizeBytes  uint64 `mapstructure:"max_size_bytes"`
	FileTimeoutMs int    `mapstructure:"file_timeout_ms"`
	RulesPath     string `mapstructure:"rules_path"`
}

// SigmaConfig describes behavioral detection. An empty rules path disables
// it.
type SigmaConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

// DispatchConfig bounds the in-process routing queue.
type DispatchConfig struct {
	QueueDepth int `mapstructure:"queue_depth"`
}

// DrainConfig bounds shutdown.
type DrainConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms"`
}

// HTTPConfig is the local health/metrics/query listener.
type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// LogConfig mirrors the logging package options.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ring: RingConfig{
			Name:          "Global\\GladixSharedSection",
			CapacityBytes: 4 * 1024 * 1024,
			MaxFrameBytes: 64 * 1024,
			PeerTimeoutMs: 30_000,
		},
		Store: StoreConfig{
			Path:           "data/gladix.db",
			RetentionDays:  7,
			QueueDepth:     4096,
			BatchTimeoutMs: 2000,
		},
		Scanner: ScannerConfig{
			Workers:       0, // 0 = max(2, cpus-1)
			MaxSizeBytes:  64 * 1024 * 1024,
			FileTimeoutMs: 10_000,
			RulesPath:     "rules",
		},
		Dispatch: DispatchConfig{QueueDepth: 4096},
		Drain:    DrainConfig{TimeoutMs: 5000},
		HTTP:     HTTPConfig{Listen: "127.0.0.1:8351"},
		Log: LogConfig{
			Level:      "info",
			Output:     "both",
			FilePath:   "logs/agent.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Load reads the YAML file at path (if non-empty) over the defaults, with
// GLADIX_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GLADIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("ring.name", def.Ring.Name)
	v.SetDefault("ring.capacity_bytes", def.Ring.CapacityBytes)
	v.SetDefault("ring.max_frame_bytes", def.Ring.MaxFrameBytes)
	v.SetDefault("ring.peer_timeout_ms", def.Ring.PeerTimeoutMs)
	v.SetDefault("store.path", def.Store.Path)
	v.SetDefault("store.retention_days", def.Store.RetentionDays)
	v.SetDefault("store.queue_depth", def.Store.QueueDepth)
	v.SetDefault("store.batch_timeout_ms", def.Store.BatchTimeoutMs)
	v.SetDefault("scanner.workers", def.Scanner.Workers)
	v.SetDefault("scanner.max_size_bytes", def.Scanner.MaxSizeBytes)
	v.SetDefault("scanner.file_timeout_ms", def.Scanner.FileTimeoutMs)
	v.SetDefault("scanner.rules_path", def.Scanner.RulesPath)
	v.SetDefault("dispatch.queue_depth", def.Dispatch.QueueDepth)
	v.SetDefault("drain.timeout_ms", def.Drain.TimeoutMs)
	v.SetDefault("http.listen", def.HTTP.Listen)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.output", def.Log.Output)
	v.SetDefault("log.file_path", def.Log.FilePath)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	if c.Ring.Name == "" {
		return errors.New("ring.name is required")
	}
	if c.Ring.CapacityBytes == 0 || bits.OnesCount64(c.Ring.CapacityBytes) != 1 {
		return fmt.Errorf("ring.capacity_bytes must be a power of two, got %d", c.Ring.CapacityBytes)
	}
	if c.Ring.MaxFrameBytes == 0 || uint64(c.Ring.MaxFrameBytes) > c.Ring.CapacityBytes {
		return fmt.Errorf("ring.max_frame_bytes must be in (0, capacity], got %d", c.Ring.MaxFrameBytes)
	}
	if c.Store.Path == "" {
		return errors.New("store.path is required")
	}
	if c.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must not be negative")
	}
	if c.Store.QueueDepth <= 0 {
		return errors.New("store.queue_depth must be positive")
	}
	if c.Store.BatchTimeoutMs <= 0 {
		return errors.New("store.batch_timeout_ms must be positive")
	}
	if c.Scanner.RulesPath == "" {
		return errors.New("scanner.rules_path is required")
	}
	if c.Scanner.MaxSizeBytes == 0 {
		return errors.New("scanner.max_size_bytes must be positive")
	}
	if c.Drain.TimeoutMs <= 0 {
		return errors.New("drain.timeout_ms must be positive")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	switch c.Log.Output {
	case "", "console", "file", "both":
	default:
		return fmt.Errorf("log.output must be one of console, file, both; got %q", c.Log.Output)
	}
	return nil
}
