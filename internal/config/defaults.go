package config

import (
	"github.com/spf13/viper"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// setDefaults registers every key, so that environment variables can
// override keys the file leaves out.
func setDefaults(v *viper.Viper) {
	db := nodestore.DefaultConfig()
	v.SetDefault("db.backend", db.Backend)
	v.SetDefault("db.path", db.Path)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.compressor", db.Compressor)
	v.SetDefault("db.compression_level", db.CompressionLevel)
	v.SetDefault("db.read_threads", db.ReadThreads)
	v.SetDefault("db.block_cache_mb", db.BlockCacheMB)
	v.SetDefault("db.sql_synchronous", "")
	v.SetDefault("db.sql_journal_mode", "")
	v.SetDefault("db.sql_busy_timeout", db.SQLBusyTimeout)
	v.SetDefault("db.create_if_missing", db.CreateIfMissing)

	v.SetDefault("storage.cache_size", arena.DefaultCacheSize)
	v.SetDefault("storage.layout", arena.DefaultLayout.String())
	v.SetDefault("storage.recursion_limit", arena.DefaultRecursionLimit)
	v.SetDefault("storage.prefetch_depth", 0)
	negative := nodestore.DefaultNegativeCacheConfig()
	v.SetDefault("storage.negative_cache_size", negative.MaxSize)
	v.SetDefault("storage.negative_cache_ttl", negative.TTL)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "arena")
}
