// Package config provides YAML-based configuration loading for the transport
// demo tooling.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the process
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Transport selects and parameterizes the backend
	Transport TransportConfig `mapstructure:"transport"`

	// Chaos optionally injects faults on outbound connections
	Chaos ChaosConfig `mapstructure:"chaos"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TransportConfig selects the backend for the demo.
type TransportConfig struct {
	// Kind: mem, tcp or quic
	Kind string `mapstructure:"kind"`
	// Host to bind wire-facing endpoints on (ignored by mem)
	Host string `mapstructure:"host"`
}

// ChaosConfig parameterizes the fault model applied to the demo's outbound
// connection. All-zero means no faults.
type ChaosConfig struct {
	Loss     float64 `mapstructure:"loss"`
	Dup      float64 `mapstructure:"dup"`
	DelayMS  int     `mapstructure:"delay_ms"`
	JitterMS int     `mapstructure:"jitter_ms"`
	Seed     int64   `mapstructure:"seed"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "dproc-echo",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/dproc.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{Kind: "tcp", Host: "127.0.0.1"},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix DPROC and `.`/`-` are replaced with `_`.
// Example: DPROC_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DPROC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.host", cfg.Transport.Host)
	v.SetDefault("chaos.loss", cfg.Chaos.Loss)
	v.SetDefault("chaos.dup", cfg.Chaos.Dup)
	v.SetDefault("chaos.delay_ms", cfg.Chaos.DelayMS)
	v.SetDefault("chaos.jitter_ms", cfg.Chaos.JitterMS)
	v.SetDefault("chaos.seed", cfg.Chaos.Seed)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("DPROC_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `dproc`
		v.SetConfigName("dproc")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dproc"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "mem", "tcp", "quic":
		// ok
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}
	if c.Transport.Host == "" {
		c.Transport.Host = "127.0.0.1"
	}

	if c.Chaos.Loss < 0 || c.Chaos.Loss > 1 {
		return fmt.Errorf("chaos.loss out of range: %v", c.Chaos.Loss)
	}
	if c.Chaos.Dup < 0 || c.Chaos.Dup > 1 {
		return fmt.Errorf("chaos.dup out of range: %v", c.Chaos.Dup)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
