// Package config provides unified configuration for the blockrel store.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the blockrel store and its admin
// tooling.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`
}

// StoreConfig holds database and query behavior configuration.
type StoreConfig struct {
	// Path is the SQLite database path; defaults to DataDir/blockrel.db
	Path string `json:"path" yaml:"path"`

	// StatementTimeout bounds a single query statement; zero disables it
	StatementTimeout time.Duration `json:"statement_timeout" yaml:"statement_timeout"`

	// LogSQLTiming logs every query with its elapsed time and fingerprint
	LogSQLTiming bool `json:"log_sql_timing" yaml:"log_sql_timing"`

	// DefaultHistoryBlocks is the history retention horizon applied to
	// deployments that do not set their own
	DefaultHistoryBlocks int32 `json:"default_history_blocks" yaml:"default_history_blocks"`
}

// CacheConfig holds layout cache configuration.
type CacheConfig struct {
	// TTL is how long a cached layout stays fresh; zero disables caching
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// SweepInterval is the minimum time between cache sweeps
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/blockrel",
		Store: StoreConfig{
			StatementTimeout:     30 * time.Second,
			LogSQLTiming:         false,
			DefaultHistoryBlocks: 0,
		},
		Cache: CacheConfig{
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/blockrel"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "blockrel.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Store.StatementTimeout < 0 {
		return fmt.Errorf("store.statement_timeout must not be negative, got %s", c.Store.StatementTimeout)
	}
	if c.Store.DefaultHistoryBlocks < 0 {
		return fmt.Errorf("store.default_history_blocks must not be negative, got %d", c.Store.DefaultHistoryBlocks)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative, got %s", c.Cache.TTL)
	}
	if c.Cache.TTL > 0 && c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive when caching is enabled, got %s", c.Cache.SweepInterval)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables use the BLOCKREL_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("BLOCKREL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BLOCKREL_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("BLOCKREL_STORE_STATEMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.StatementTimeout = d
		}
	}
	if v := os.Getenv("BLOCKREL_STORE_LOG_SQL_TIMING"); v != "" {
		cfg.Store.LogSQLTiming = v == "true" || v == "1"
	}
	if v := os.Getenv("BLOCKREL_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = d
		}
	}
	if v := os.Getenv("BLOCKREL_CACHE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.SweepInterval = d
		}
	}
}
