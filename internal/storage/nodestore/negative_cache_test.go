package nodestore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

func newNegativeCache(t *testing.T, ttl time.Duration, size int) *nodestore.NegativeCache {
	t.Helper()
	nc, err := nodestore.NewNegativeCache(nodestore.NegativeCacheConfig{TTL: ttl, MaxSize: size})
	require.NoError(t, err)
	require.NotNil(t, nc)
	return nc
}

func TestNegativeCache(t *testing.T) {
	missing := arenakey.Hash([]byte("missing node"), nil)

	t.Run("mark and check", func(t *testing.T) {
		nc := newNegativeCache(t, time.Minute, 10)
		assert.False(t, nc.IsMissing(missing))
		nc.MarkMissing(missing)
		assert.True(t, nc.IsMissing(missing))
		assert.Equal(t, 1, nc.Size())

		s := nc.Stats()
		assert.EqualValues(t, 1, s.Hits)
		assert.EqualValues(t, 1, s.Misses)
		assert.EqualValues(t, 1, s.Insertions)
		assert.InDelta(t, 50, s.HitRate(), 0.001)
	})

	t.Run("remove", func(t *testing.T) {
		nc := newNegativeCache(t, time.Minute, 10)
		nc.MarkMissing(missing)
		nc.Remove(missing)
		assert.False(t, nc.IsMissing(missing))
		assert.Zero(t, nc.Size())
	})

	t.Run("expiration", func(t *testing.T) {
		nc := newNegativeCache(t, 50*time.Millisecond, 10)
		nc.MarkMissing(missing)
		require.True(t, nc.IsMissing(missing))
		time.Sleep(100 * time.Millisecond)
		assert.False(t, nc.IsMissing(missing))
		assert.EqualValues(t, 1, nc.Stats().Expirations)
	})

	t.Run("sweep", func(t *testing.T) {
		nc := newNegativeCache(t, 50*time.Millisecond, 10)
		for i := 0; i < 5; i++ {
			nc.MarkMissing(arenakey.Hash([]byte{byte(i)}, nil))
		}
		time.Sleep(100 * time.Millisecond)
		nc.MarkMissing(missing)
		assert.Equal(t, 5, nc.Sweep())
		assert.Equal(t, 1, nc.Size())
		assert.True(t, nc.IsMissing(missing))
	})

	t.Run("no expiry", func(t *testing.T) {
		nc := newNegativeCache(t, 0, 10)
		nc.MarkMissing(missing)
		assert.Zero(t, nc.Sweep())
		assert.True(t, nc.IsMissing(missing))
	})

	t.Run("eviction", func(t *testing.T) {
		nc := newNegativeCache(t, time.Minute, 3)
		keys := make([]arenakey.Key, 5)
		for i := range keys {
			keys[i] = arenakey.Hash([]byte{byte(i)}, nil)
			nc.MarkMissing(keys[i])
		}
		assert.Equal(t, 3, nc.Size())
		assert.EqualValues(t, 2, nc.Stats().Evictions)
		assert.False(t, nc.IsMissing(keys[0]), "oldest marks are evicted first")
		assert.True(t, nc.IsMissing(keys[4]))
	})

	t.Run("clear", func(t *testing.T) {
		nc := newNegativeCache(t, time.Minute, 10)
		nc.MarkMissing(missing)
		nc.Clear()
		assert.False(t, nc.IsMissing(missing))
	})

	t.Run("disabled", func(t *testing.T) {
		nc, err := nodestore.NewNegativeCache(nodestore.NegativeCacheConfig{})
		require.NoError(t, err)
		assert.Nil(t, nc)
		nc.MarkMissing(missing)
		assert.False(t, nc.IsMissing(missing))
		assert.Zero(t, nc.Size())
		assert.Zero(t, nc.Stats().Hits)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := nodestore.NewNegativeCache(nodestore.NegativeCacheConfig{MaxSize: -1})
		assert.ErrorIs(t, err, nodestore.ErrInvalidConfig)
		_, err = nodestore.NewNegativeCache(nodestore.NegativeCacheConfig{MaxSize: 1, TTL: -time.Second})
		assert.ErrorIs(t, err, nodestore.ErrInvalidConfig)
	})
}
