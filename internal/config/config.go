package config

import (
	"fmt"
	"time"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// Config is the complete configuration of the storage engine and the
// arenactl tool.
type Config struct {
	// DB selects and tunes the persistence adapter
	DB nodestore.Config `toml:"db" mapstructure:"db"`

	// Storage configures the backend caches and the arena
	Storage StorageConfig `toml:"storage" mapstructure:"storage"`

	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`

	// Internal field, not from config file
	configPath string
}

// StorageConfig represents the [storage] section.
type StorageConfig struct {
	// CacheSize bounds the read cache in nodes; zero is unbounded
	CacheSize int `toml:"cache_size" mapstructure:"cache_size"`

	// Layout is the storage layout version, "v1" (refcounted, collectable)
	// or "v2" (no refcounts, no collection)
	Layout string `toml:"layout" mapstructure:"layout"`

	// RecursionLimit bounds the nesting of values decoded from the wire
	RecursionLimit int `toml:"recursion_limit" mapstructure:"recursion_limit"`

	// PreFetchDepth is how deep arenactl warms the cache below a root
	PreFetchDepth int `toml:"prefetch_depth" mapstructure:"prefetch_depth"`

	// NegativeCacheSize bounds the cache of keys known to be absent from
	// the DB; zero disables it
	NegativeCacheSize int `toml:"negative_cache_size" mapstructure:"negative_cache_size"`

	// NegativeCacheTTL is how long an absent key is remembered; zero keeps
	// it until evicted
	NegativeCacheTTL time.Duration `toml:"negative_cache_ttl" mapstructure:"negative_cache_ttl"`
}

// LogConfig represents the [log] section.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"` // text or json
	Color  bool   `toml:"color" mapstructure:"color"`
}

// MetricsConfig represents the [metrics] section.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" mapstructure:"enabled"`
	Namespace string `toml:"namespace" mapstructure:"namespace"`
}

// ConfigPath returns the file the configuration was read from, empty when
// it came from defaults and environment only.
func (c *Config) ConfigPath() string {
	return c.configPath
}

// LayoutVersion returns the parsed storage layout.
func (c *StorageConfig) LayoutVersion() (arena.LayoutVersion, error) {
	return arena.ParseLayoutVersion(c.Layout)
}

// Options translates the section into Storage options.
func (c *StorageConfig) Options() ([]arena.Option, error) {
	layout, err := c.LayoutVersion()
	if err != nil {
		return nil, err
	}
	return []arena.Option{
		arena.WithCacheSize(c.CacheSize),
		arena.WithLayout(layout),
		arena.WithRecursionLimit(c.RecursionLimit),
		arena.WithNegativeCache(c.NegativeCacheSize, c.NegativeCacheTTL),
	}, nil
}

// Apply configures the process logger.
func (l *LogConfig) Apply() {
	log.SetLogger(log.ParseLevel(l.Level), l.Format == "json", l.Color)
}

// String returns a short summary used in startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("db=%s path=%s layout=%s cache=%d metrics=%t",
		c.DB.Backend, c.DB.Path, c.Storage.Layout, c.Storage.CacheSize, c.Metrics.Enabled)
}
