// Package config loads graphkv configuration from environment variables and
// an optional YAML file.
//
// Configuration is built in layers: defaults, then the YAML file (when a path
// is given), then GRAPHKV_* environment variables. Later layers override
// earlier ones only for the values they set.
//
// Example Usage:
//
//	cfg, err := config.Load("graphkv.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Configuration error: %v", err)
//	}
//	logger := cfg.Logging.NewLogger(os.Stderr)
//
// Environment Variables:
//
// Storage:
//   - GRAPHKV_BACKEND: badger, log or memory (default: badger)
//   - GRAPHKV_DATA_DIR: data directory (default: ./data)
//   - GRAPHKV_IN_MEMORY: run Badger without disk (default: false)
//   - GRAPHKV_SYNC_WRITES: fsync every Badger commit (default: false)
//   - GRAPHKV_LOW_MEMORY: shrink Badger caches (default: false)
//   - GRAPHKV_MEMTABLE_SIZE, GRAPHKV_VLOG_FILE_SIZE: sizes like "64MB"
//   - GRAPHKV_SYNC_MODE: log backend durability, immediate|batch|none
//   - GRAPHKV_BATCH_SYNC_INTERVAL: e.g. "100ms"
//
// Codec:
//   - GRAPHKV_CODEC: binary or json (default: binary)
//   - GRAPHKV_ENCRYPTION_ENABLED, GRAPHKV_ENCRYPTION_PASSWORD,
//     GRAPHKV_ENCRYPTION_SALT, GRAPHKV_KEY_ITERATIONS
//
// Graph:
//   - GRAPHKV_CONFLICT_POLICY: overwrite or reject (default: overwrite)
//   - GRAPHKV_BULK_CHUNK_SIZE: edges per bulk chunk (default: 10000)
//
// Logging:
//   - GRAPHKV_LOG_LEVEL: DEBUG, INFO, WARN, ERROR (default: INFO)
//   - GRAPHKV_LOG_FORMAT: text or json (default: text)
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all graphkv configuration.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Codec   CodecConfig   `yaml:"codec"`
	Graph   GraphConfig   `yaml:"graph"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and tunes the key-value backend.
type StorageConfig struct {
	// Backend is badger, log or memory.
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`

	// Badger
	InMemory         bool     `yaml:"in_memory"`
	SyncWrites       bool     `yaml:"sync_writes"`
	LowMemory        bool     `yaml:"low_memory"`
	MemTableSize     ByteSize `yaml:"mem_table_size"`
	ValueLogFileSize ByteSize `yaml:"value_log_file_size"`

	// Log backend
	SyncMode          string        `yaml:"sync_mode"`
	BatchSyncInterval time.Duration `yaml:"batch_sync_interval"`
}

// CodecConfig selects the on-disk encoding.
type CodecConfig struct {
	// Format is binary or json.
	Format string `yaml:"format"`

	// Encryption at rest wraps Format with AES-256-GCM.
	EncryptionEnabled  bool   `yaml:"encryption_enabled"`
	EncryptionPassword string `yaml:"encryption_password"`
	EncryptionSalt     string `yaml:"encryption_salt"`
	KeyIterations      int    `yaml:"key_iterations"`

	// RetiredPasswords are earlier encryption passwords, oldest first.
	// Records sealed under them stay readable after a rotation.
	RetiredPasswords []string `yaml:"retired_passwords"`
}

// GraphConfig tunes the graph store.
type GraphConfig struct {
	// ConflictPolicy is overwrite or reject.
	ConflictPolicy string `yaml:"conflict_policy"`
	// BulkChunkSize caps edges per bulk write; 0 disables chunking.
	BulkChunkSize int `yaml:"bulk_chunk_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (DEBUG, INFO, WARN, ERROR)
	Level string `yaml:"level"`
	// Format (json, text)
	Format string `yaml:"format"`
}

// ByteSize is a byte count that reads "64MB"-style strings from YAML.
type ByteSize int64

// UnmarshalYAML accepts plain integers and size strings.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n := parseMemorySize(s)
	if n == 0 && !isZeroSize(s) {
		return fmt.Errorf("invalid size %q", s)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string { return FormatMemorySize(int64(b)) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:           "badger",
			DataDir:           "./data",
			SyncMode:          "batch",
			BatchSyncInterval: 100 * time.Millisecond,
		},
		Codec: CodecConfig{
			Format:        "binary",
			KeyIterations: 600000,
		},
		Graph: GraphConfig{
			ConflictPolicy: "overwrite",
			BulkChunkSize:  10000,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// LoadFromEnv returns the defaults overridden by environment variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadFile returns the defaults overridden by the YAML file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load layers the YAML file at path (skipped when empty) and the
// environment over the defaults. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Backend = getEnv("GRAPHKV_BACKEND", c.Storage.Backend)
	c.Storage.DataDir = getEnv("GRAPHKV_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("GRAPHKV_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("GRAPHKV_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.LowMemory = getEnvBool("GRAPHKV_LOW_MEMORY", c.Storage.LowMemory)
	if v := os.Getenv("GRAPHKV_MEMTABLE_SIZE"); v != "" {
		c.Storage.MemTableSize = ByteSize(parseMemorySize(v))
	}
	if v := os.Getenv("GRAPHKV_VLOG_FILE_SIZE"); v != "" {
		c.Storage.ValueLogFileSize = ByteSize(parseMemorySize(v))
	}
	c.Storage.SyncMode = getEnv("GRAPHKV_SYNC_MODE", c.Storage.SyncMode)
	c.Storage.BatchSyncInterval = getEnvDuration("GRAPHKV_BATCH_SYNC_INTERVAL", c.Storage.BatchSyncInterval)

	c.Codec.Format = getEnv("GRAPHKV_CODEC", c.Codec.Format)
	c.Codec.EncryptionEnabled = getEnvBool("GRAPHKV_ENCRYPTION_ENABLED", c.Codec.EncryptionEnabled)
	c.Codec.EncryptionPassword = getEnv("GRAPHKV_ENCRYPTION_PASSWORD", c.Codec.EncryptionPassword)
	c.Codec.EncryptionSalt = getEnv("GRAPHKV_ENCRYPTION_SALT", c.Codec.EncryptionSalt)
	c.Codec.KeyIterations = getEnvInt("GRAPHKV_KEY_ITERATIONS", c.Codec.KeyIterations)
	c.Codec.RetiredPasswords = getEnvList("GRAPHKV_RETIRED_PASSWORDS", c.Codec.RetiredPasswords)

	c.Graph.ConflictPolicy = getEnv("GRAPHKV_CONFLICT_POLICY", c.Graph.ConflictPolicy)
	c.Graph.BulkChunkSize = getEnvInt("GRAPHKV_BULK_CHUNK_SIZE", c.Graph.BulkChunkSize)

	c.Logging.Level = getEnv("GRAPHKV_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("GRAPHKV_LOG_FORMAT", c.Logging.Format)
}

// Validate checks the configuration for invalid values.
//
// Call Validate() after loading and before opening a store.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Backend) {
	case "badger":
		if c.Storage.DataDir == "" && !c.Storage.InMemory {
			return fmt.Errorf("badger backend needs a data directory or in_memory")
		}
	case "log":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("log backend needs a data directory")
		}
		switch strings.ToLower(c.Storage.SyncMode) {
		case "immediate", "batch", "none":
		default:
			return fmt.Errorf("invalid sync mode: %q", c.Storage.SyncMode)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}
	if c.Storage.MemTableSize < 0 || c.Storage.ValueLogFileSize < 0 {
		return fmt.Errorf("badger sizes must not be negative")
	}

	switch strings.ToLower(c.Codec.Format) {
	case "binary", "json":
	default:
		return fmt.Errorf("invalid codec format: %q", c.Codec.Format)
	}
	if c.Codec.EncryptionEnabled {
		if c.Codec.EncryptionPassword == "" {
			return fmt.Errorf("encryption enabled but no password provided")
		}
		if c.Codec.KeyIterations <= 0 {
			return fmt.Errorf("invalid key iterations: %d", c.Codec.KeyIterations)
		}
		for i, p := range c.Codec.RetiredPasswords {
			if p == "" {
				return fmt.Errorf("empty retired password at position %d", i)
			}
		}
	}

	switch strings.ToLower(c.Graph.ConflictPolicy) {
	case "overwrite", "reject":
	default:
		return fmt.Errorf("invalid conflict policy: %q", c.Graph.ConflictPolicy)
	}
	if c.Graph.BulkChunkSize < 0 {
		return fmt.Errorf("invalid bulk chunk size: %d", c.Graph.BulkChunkSize)
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}
	return nil
}

// String returns a representation of the Config that is safe to log. The
// encryption password is never included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Backend: %s, DataDir: %s, Codec: %s, Encrypted: %v, Conflict: %s, Chunk: %d, Log: %s/%s}",
		c.Storage.Backend, c.Storage.DataDir,
		c.Codec.Format, c.Codec.EncryptionEnabled,
		c.Graph.ConflictPolicy, c.Graph.BulkChunkSize,
		c.Logging.Level, c.Logging.Format,
	)
}

// NewLogger builds a slog.Logger writing to w at the configured level and
// format. Invalid settings fall back to INFO and text.
func (l LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %q", s)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

// getEnvList splits a comma-separated variable, dropping blank items.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses sizes like "64MB", "1g" or "1024". Unparseable
// input yields 0.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "G")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

func isZeroSize(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == "0"
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1 << 10
		MB = KB << 10
		GB = MB << 10
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
