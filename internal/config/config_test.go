package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/config"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arena.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[db]
backend = "pebble"
path = "/tmp/arena-test/db"
compressor = "none"
sql_busy_timeout = "3s"

[storage]
cache_size = 500
layout = "v2"
recursion_limit = 64
negative_cache_size = 250
negative_cache_ttl = "30s"

[log]
level = "debug"
format = "json"

[metrics]
enabled = true
namespace = "ledger"
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, path, cfg.ConfigPath())
	assert.Equal(t, "pebble", cfg.DB.Backend)
	assert.Equal(t, "/tmp/arena-test/db", cfg.DB.Path)
	assert.Equal(t, "none", cfg.DB.Compressor)
	assert.Equal(t, 3*time.Second, cfg.DB.SQLBusyTimeout)
	assert.Equal(t, 500, cfg.Storage.CacheSize)
	assert.Equal(t, 64, cfg.Storage.RecursionLimit)
	assert.Equal(t, 250, cfg.Storage.NegativeCacheSize)
	assert.Equal(t, 30*time.Second, cfg.Storage.NegativeCacheTTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "ledger", cfg.Metrics.Namespace)

	layout, err := cfg.Storage.LayoutVersion()
	require.NoError(t, err)
	assert.Equal(t, arena.LayoutV2, layout)

	opts, err := cfg.Storage.Options()
	require.NoError(t, err)
	assert.Len(t, opts, 4)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Empty(t, cfg.ConfigPath())
	assert.Equal(t, "memory", cfg.DB.Backend)
	assert.True(t, cfg.DB.CreateIfMissing)
	assert.Equal(t, arena.DefaultCacheSize, cfg.Storage.CacheSize)
	assert.Equal(t, arena.DefaultRecursionLimit, cfg.Storage.RecursionLimit)
	assert.Equal(t, "v1", cfg.Storage.Layout)
	assert.Equal(t, nodestore.DefaultNegativeCacheConfig().MaxSize, cfg.Storage.NegativeCacheSize)
	assert.Equal(t, nodestore.DefaultNegativeCacheConfig().TTL, cfg.Storage.NegativeCacheTTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[storage]
cache_size = 500
`)
	t.Setenv("ARENA_STORAGE_CACHE_SIZE", "42")
	t.Setenv("ARENA_DB_PATH", "/from/env")
	t.Setenv("ARENA_LOG_LEVEL", "warn")

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Storage.CacheSize)
	assert.Equal(t, "/from/env", cfg.DB.Path)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not exist")
	})

	t.Run("malformed file", func(t *testing.T) {
		_, err := config.LoadConfig(writeConfig(t, "[storage\ncache_size = "))
		assert.Error(t, err)
	})

	for name, content := range map[string]string{
		"unknown backend":     "[db]\nbackend = \"tape\"\n",
		"negative cache":      "[storage]\ncache_size = -1\n",
		"unknown layout":      "[storage]\nlayout = \"v9\"\n",
		"zero recursion":      "[storage]\nrecursion_limit = 0\n",
		"negative prefetch":   "[storage]\nprefetch_depth = -2\n",
		"negative miss cache": "[storage]\nnegative_cache_size = -1\n",
		"negative miss ttl":   "[storage]\nnegative_cache_ttl = \"-1s\"\n",
		"bad log level":       "[log]\nlevel = \"loud\"\n",
		"bad log format":      "[log]\nformat = \"xml\"\n",
		"metrics no namespc":  "[metrics]\nenabled = true\nnamespace = \"\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadConfig(writeConfig(t, content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config validation failed")
		})
	}
}

func TestValidateConfig(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	require.NoError(t, config.ValidateConfig(cfg))

	cfg.Storage.Layout = "2"
	assert.NoError(t, config.ValidateConfig(cfg))

	cfg.Log.Format = ""
	assert.Error(t, config.ValidateConfig(cfg))
}
