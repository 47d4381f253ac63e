package nodestore

import (
	"fmt"
	"time"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore/compression"
)

// Config holds configuration options for opening a DB.
type Config struct {
	// Backend specifies the adapter to use
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`

	// Path specifies the file system path for file-backed adapters
	Path string `json:"path" yaml:"path" mapstructure:"path"`

	// DSN is the connection string for the postgres adapter
	DSN string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`

	// Compression configuration for stored payloads (key-value adapters)
	Compressor       string `json:"compressor" yaml:"compressor" mapstructure:"compressor"`
	CompressionLevel int    `json:"compression_level" yaml:"compression_level" mapstructure:"compression_level"`

	// Parallel read configuration
	ReadThreads int `json:"read_threads" yaml:"read_threads" mapstructure:"read_threads"`

	// Pebble block cache size in megabytes
	BlockCacheMB int `json:"block_cache_mb" yaml:"block_cache_mb" mapstructure:"block_cache_mb"`

	// SQL tuning; empty values fall back to ARENA_SQL_SYNCHRONOUS and
	// ARENA_SQL_JOURNAL_MODE, then to OFF and WAL
	SQLSynchronous  string        `json:"sql_synchronous" yaml:"sql_synchronous" mapstructure:"sql_synchronous"`
	SQLJournalMode  string        `json:"sql_journal_mode" yaml:"sql_journal_mode" mapstructure:"sql_journal_mode"`
	SQLBusyTimeout  time.Duration `json:"sql_busy_timeout" yaml:"sql_busy_timeout" mapstructure:"sql_busy_timeout"`
	CreateIfMissing bool          `json:"create_if_missing" yaml:"create_if_missing" mapstructure:"create_if_missing"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend:          "memory",
		Path:             "./arena",
		Compressor:       "lz4",
		CompressionLevel: 1,
		ReadThreads:      8,
		BlockCacheMB:     64,
		SQLBusyTimeout:   10 * time.Second,
		CreateIfMissing:  true,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Backend == "" {
		return NewValidationError("backend", nil, "must be specified")
	}

	if !IsBackendAvailable(c.Backend) {
		return NewValidationError("backend", c.Backend, fmt.Sprintf("must be one of %v", AvailableBackends()))
	}

	info, _ := BackendDescription(c.Backend)
	if info.Persistent && info.NeedsPath && c.Path == "" {
		return NewValidationError("path", nil, "must be specified for file-backed backends")
	}

	if c.Backend == "postgres" && c.DSN == "" {
		return NewValidationError("dsn", nil, "must be specified for postgres")
	}

	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return NewValidationError("compression_level", c.CompressionLevel, "must be between 0 and 9")
	}

	if c.ReadThreads < 1 {
		return NewValidationError("read_threads", c.ReadThreads, "must be at least 1")
	}

	if c.BlockCacheMB < 0 {
		return NewValidationError("block_cache_mb", c.BlockCacheMB, "must be non-negative")
	}

	if c.SQLBusyTimeout < 0 {
		return NewValidationError("sql_busy_timeout", c.SQLBusyTimeout, "must be non-negative")
	}

	if !compression.IsAvailable(c.Compressor) {
		return NewValidationError("compressor", c.Compressor, ErrUnsupportedCompressor.Error())
	}

	return nil
}

// Option represents a functional option for configuring a DB.
type Option func(*Config)

// WithPath sets the storage path.
func WithPath(path string) Option {
	return func(c *Config) {
		c.Path = path
	}
}

// WithBackend sets the storage backend.
func WithBackend(backend string) Option {
	return func(c *Config) {
		c.Backend = backend
	}
}

// WithDSN sets the postgres connection string.
func WithDSN(dsn string) Option {
	return func(c *Config) {
		c.DSN = dsn
	}
}

// WithCompression sets the compression algorithm and level.
func WithCompression(compressor string, level int) Option {
	return func(c *Config) {
		c.Compressor = compressor
		c.CompressionLevel = level
	}
}

// WithReadThreads sets the number of parallel batch readers.
func WithReadThreads(threads int) Option {
	return func(c *Config) {
		c.ReadThreads = threads
	}
}

// WithSQLPragmas overrides the sqlite synchronous and journal_mode pragmas.
func WithSQLPragmas(synchronous, journalMode string) Option {
	return func(c *Config) {
		c.SQLSynchronous = synchronous
		c.SQLJournalMode = journalMode
	}
}

// WithCreateIfMissing controls whether the database should be created if it doesn't exist.
func WithCreateIfMissing(create bool) Option {
	return func(c *Config) {
		c.CreateIfMissing = create
	}
}

// ApplyOptions applies the given options to the config.
func (c *Config) ApplyOptions(options ...Option) {
	for _, option := range options {
		option(c)
	}
}

// Clone creates a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// String returns a string representation of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf(`NodeStore Configuration:
  Backend: %s
  Path: %s
  Compression: %s (level %d)
  Read Threads: %d
  Block Cache: %d MB
  Create If Missing: %t`,
		c.Backend,
		c.Path,
		c.Compressor, c.CompressionLevel,
		c.ReadThreads,
		c.BlockCacheMB,
		c.CreateIfMissing)
}
