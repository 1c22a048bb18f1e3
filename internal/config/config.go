package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kvengine/internal/engine"
	"kvengine/internal/logging"
	"kvengine/internal/metrics"
)

// Config is the structured option document loaded once at open. A subset of
// the storage tunables (cache size, compression) can be re-applied to a
// running engine via Engine.ApplyTunables.
type Config struct {
	Storage StorageConfig  `yaml:"storage" json:"storage"`
	Logging logging.Config `yaml:"logging" json:"logging"`
	Metrics MetricsConfig  `yaml:"metrics" json:"metrics"`
}

type StorageConfig struct {
	DataPath       string   `yaml:"data_path" json:"data_path"`
	InMemory       bool     `yaml:"in_memory" json:"in_memory"`
	SyncWrites     bool     `yaml:"sync_writes" json:"sync_writes"`
	ColumnFamilies []string `yaml:"column_families" json:"column_families"`

	CreateMissingColumnFamilies bool `yaml:"create_missing_column_families" json:"create_missing_column_families"`

	BlockCacheSize      int64    `yaml:"block_cache_size" json:"block_cache_size"`
	WriteBufferSize     int64    `yaml:"write_buffer_size" json:"write_buffer_size"`
	MaxOpenFiles        int      `yaml:"max_open_files" json:"max_open_files"`
	CompressionPerLevel []string `yaml:"compression_per_level" json:"compression_per_level"`
	EnableStatistics    bool     `yaml:"enable_statistics" json:"enable_statistics"`

	EncryptionMethod    string        `yaml:"encryption_method" json:"encryption_method"`
	KeyRotationInterval time.Duration `yaml:"key_rotation_interval" json:"key_rotation_interval"`

	GCInterval   time.Duration `yaml:"gc_interval" json:"gc_interval"`
	StrictChecks bool          `yaml:"strict_checks" json:"strict_checks"`

	// ColumnFamilyOptions holds per-CF overrides of the tunables above,
	// keyed by CF name.
	ColumnFamilyOptions map[string]CFOverride `yaml:"column_family_options" json:"column_family_options"`
}

type CFOverride struct {
	BlockCacheDisabled bool   `yaml:"block_cache_disabled" json:"block_cache_disabled"`
	Compression        string `yaml:"compression" json:"compression"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataPath:                    "./data/kvengine",
			InMemory:                    false,
			SyncWrites:                  true,
			ColumnFamilies:              []string{"default"},
			CreateMissingColumnFamilies: true,
			BlockCacheSize:              256 * 1024 * 1024,
			WriteBufferSize:             64 * 1024 * 1024,
			MaxOpenFiles:                0,
			CompressionPerLevel:         []string{"none", "snappy", "zstd"},
			EnableStatistics:            true,
			EncryptionMethod:            "plaintext",
			KeyRotationInterval:         10 * 24 * time.Hour,
			GCInterval:                  10 * time.Minute,
			StrictChecks:                true,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	if dataPath := os.Getenv("KV_STORAGE_DATA_PATH"); dataPath != "" {
		config.Storage.DataPath = dataPath
	}
	if inMemory := os.Getenv("KV_STORAGE_IN_MEMORY"); inMemory != "" {
		if b, err := strconv.ParseBool(inMemory); err == nil {
			config.Storage.InMemory = b
		}
	}
	if syncWrites := os.Getenv("KV_STORAGE_SYNC_WRITES"); syncWrites != "" {
		if b, err := strconv.ParseBool(syncWrites); err == nil {
			config.Storage.SyncWrites = b
		}
	}
	if cfs := os.Getenv("KV_STORAGE_COLUMN_FAMILIES"); cfs != "" {
		config.Storage.ColumnFamilies = strings.Split(cfs, ",")
	}
	if size := os.Getenv("KV_STORAGE_BLOCK_CACHE_SIZE"); size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			config.Storage.BlockCacheSize = n
		}
	}
	if size := os.Getenv("KV_STORAGE_WRITE_BUFFER_SIZE"); size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			config.Storage.WriteBufferSize = n
		}
	}
	if method := os.Getenv("KV_STORAGE_ENCRYPTION_METHOD"); method != "" {
		config.Storage.EncryptionMethod = method
	}

	if level := os.Getenv("KV_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("KV_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if enabled := os.Getenv("KV_METRICS_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Metrics.Enabled = b
		}
	}
}

func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataPath == "" {
		return fmt.Errorf("data path cannot be empty when not using in-memory storage")
	}
	if len(c.Storage.ColumnFamilies) == 0 {
		return fmt.Errorf("at least one column family must be configured")
	}
	seen := make(map[string]bool)
	for _, cf := range c.Storage.ColumnFamilies {
		if cf == "" {
			return fmt.Errorf("column family name cannot be empty")
		}
		if seen[cf] {
			return fmt.Errorf("duplicate column family %q", cf)
		}
		seen[cf] = true
	}
	for cf := range c.Storage.ColumnFamilyOptions {
		if !seen[cf] {
			return fmt.Errorf("column_family_options references unknown column family %q", cf)
		}
	}

	if c.Storage.BlockCacheSize < 0 {
		return fmt.Errorf("block_cache_size must be >= 0")
	}
	if c.Storage.WriteBufferSize <= 0 {
		return fmt.Errorf("write_buffer_size must be positive")
	}
	if c.Storage.GCInterval < 0 {
		return fmt.Errorf("gc_interval must be >= 0")
	}

	validCompression := map[string]bool{"none": true, "snappy": true, "zstd": true}
	for _, comp := range c.Storage.CompressionPerLevel {
		if !validCompression[comp] {
			return fmt.Errorf("invalid compression %q", comp)
		}
	}
	for cf, override := range c.Storage.ColumnFamilyOptions {
		if override.Compression != "" && !validCompression[override.Compression] {
			return fmt.Errorf("invalid compression %q for column family %q", override.Compression, cf)
		}
	}

	validMethods := map[string]bool{
		"": true, "plaintext": true, "aes-128-ctr": true, "aes-192-ctr": true, "aes-256-ctr": true,
	}
	if !validMethods[c.Storage.EncryptionMethod] {
		return fmt.Errorf("invalid encryption_method: %s", c.Storage.EncryptionMethod)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true, "": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// EngineOptions converts the document into the engine's option set. The key
// manager and compaction filter are runtime collaborators injected by the
// caller, not configuration.
func (c *Config) EngineOptions(km engine.KeyManager, filter engine.CompactionFilter, reg *metrics.Registry) engine.Options {
	opts := engine.DefaultOptions()
	opts.InMemory = c.Storage.InMemory
	opts.SyncWrites = c.Storage.SyncWrites
	opts.CreateMissingColumnFamilies = c.Storage.CreateMissingColumnFamilies
	opts.BlockCacheSize = c.Storage.BlockCacheSize
	opts.WriteBufferSize = c.Storage.WriteBufferSize
	opts.MaxOpenFiles = c.Storage.MaxOpenFiles
	opts.CompressionPerLevel = append([]string{}, c.Storage.CompressionPerLevel...)
	opts.EnableStatistics = c.Storage.EnableStatistics && c.Metrics.Enabled
	opts.EncryptionMethod = c.Storage.EncryptionMethod
	opts.KeyManager = km
	if c.Storage.KeyRotationInterval > 0 {
		opts.KeyRotationInterval = c.Storage.KeyRotationInterval
	}
	opts.CompactionFilter = filter
	opts.GCInterval = c.Storage.GCInterval
	opts.StrictChecks = c.Storage.StrictChecks
	opts.Logger = logging.NewLogger(c.Logging)
	opts.Metrics = reg

	if len(c.Storage.ColumnFamilyOptions) > 0 {
		opts.ColumnFamilyOptions = make(map[string]engine.CFOptions, len(c.Storage.ColumnFamilyOptions))
		for cf, override := range c.Storage.ColumnFamilyOptions {
			opts.ColumnFamilyOptions[cf] = engine.CFOptions{
				BlockCacheDisabled: override.BlockCacheDisabled,
				Compression:        override.Compression,
			}
		}
	}
	return opts
}

// Tunables extracts the reloadable subset for Engine.ApplyTunables.
func (c *Config) Tunables() engine.Tunables {
	return engine.Tunables{
		BlockCacheSize:      c.Storage.BlockCacheSize,
		CompressionPerLevel: append([]string{}, c.Storage.CompressionPerLevel...),
	}
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
