// Package config loads repository-level settings the way the original
// meta.toml / environment layer does for pijul: a typed struct with
// sane defaults, overridable by a config file and then by environment
// variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// Config holds settings for a single repository checkout. It is
// deliberately small: per spec.md §1 the CLI, transports, and terminal
// rendering are external collaborators, so nothing here configures
// them.
type Config struct {
	// DefaultBranch is used when .pijul/current_branch is absent.
	DefaultBranch string `yaml:"default_branch"`

	Store    StoreConfig    `yaml:"store"`
	Patch    PatchConfig    `yaml:"patch"`
	Remote   RemoteConfig   `yaml:"remote"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig controls the C1 kv store backing a repository's pristine.
type StoreConfig struct {
	// InitialMapSize is the initial mmap size bboltDB opens .pijul/pristine
	// with, in bytes. Grown on demand (§5, §9 "out-of-space retry").
	InitialMapSize int64 `yaml:"initial_map_size"`
	// GrowthFactor multiplies InitialMapSize on each out-of-space retry.
	GrowthFactor float64 `yaml:"growth_factor"`
}

// PatchConfig controls C8 envelope production.
type PatchConfig struct {
	// CompressionLevel is passed to compress/gzip (1-9, 0 = default).
	CompressionLevel int `yaml:"compression_level"`
}

// RemoteConfig configures the (expansion) remote patch cache side
// table — see SPEC_FULL.md §4's RemoteCache row. Empty DSN disables it.
type RemoteConfig struct {
	CacheDriver string `yaml:"cache_driver"` // "sqlite3" or "pgx"
	CacheDSN    string `yaml:"cache_dsn"`
}

// LoggingConfig controls internal/logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
}

// Default returns a Config usable without any file or environment
// present: a local sqlite cache, an 8MiB initial store, gzip level 6.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		DefaultBranch: "master",
		Store: StoreConfig{
			InitialMapSize: 8 * 1024 * 1024,
			GrowthFactor:   2,
		},
		Patch: PatchConfig{
			CompressionLevel: 6,
		},
		Remote: RemoteConfig{
			CacheDriver: "sqlite3",
			CacheDSN:    filepath.Join(homeDir, ".pijul", "remote-cache.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			JSONFormat: false,
		},
	}
}

// Load reads configuration from path (or, if empty, from the standard
// .pijul/meta.toml / ./meta.toml search path), with PIJUL_-prefixed
// environment variables overriding whatever was read. A missing config
// file is not an error: Default()'s values stand in for it.
func Load(path string) (*Config, error) {
	NewEnvLoader().Load()

	v := viper.New()
	v.SetConfigType("toml")

	cfg := Default()
	v.SetDefault("default_branch", cfg.DefaultBranch)
	v.SetDefault("store", cfg.Store)
	v.SetDefault("patch", cfg.Patch)
	v.SetDefault("remote", cfg.Remote)
	v.SetDefault("logging", cfg.Logging)

	v.SetEnvPrefix("PIJUL")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("meta")
		v.AddConfigPath(".pijul")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if branch := os.Getenv("PIJUL_DEFAULT_BRANCH"); branch != "" {
		cfg.DefaultBranch = branch
	}
	if dsn := os.Getenv("PIJUL_REMOTE_CACHE_DSN"); dsn != "" {
		cfg.Remote.CacheDSN = dsn
	}
	if driver := os.Getenv("PIJUL_REMOTE_CACHE_DRIVER"); driver != "" {
		cfg.Remote.CacheDriver = driver
	}
	if size := os.Getenv("PIJUL_STORE_INITIAL_MAP_SIZE"); size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			cfg.Store.InitialMapSize = n
		}
	}
	if level := os.Getenv("PIJUL_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// Save writes configuration to path as TOML.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.SetConfigType("toml")

	v.Set("default_branch", c.DefaultBranch)
	v.Set("store", c.Store)
	v.Set("patch", c.Patch)
	v.Set("remote", c.Remote)
	v.Set("logging", c.Logging)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
