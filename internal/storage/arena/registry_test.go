package arena_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("one storage per db", func(t *testing.T) {
		r := arena.NewRegistry()
		db := nodestore.NewMemoryDB()
		s1, err := r.Init(ctx, db)
		require.NoError(t, err)
		s2, err := r.Init(ctx, db, arena.WithCacheSize(1))
		require.NoError(t, err)
		assert.Same(t, s1, s2)
		assert.Equal(t, arena.DefaultCacheSize, s2.Options().CacheSize)

		s3, err := r.Init(ctx, nodestore.NewMemoryDB())
		require.NoError(t, err)
		assert.NotSame(t, s1, s3)
	})

	t.Run("defaults", func(t *testing.T) {
		r := arena.NewRegistry()
		_, err := r.Default("main")
		assert.ErrorIs(t, err, arena.ErrNoDefaultStorage)

		s := newStorage(t, nil)
		require.NoError(t, r.SetDefault("main", s))
		assert.ErrorIs(t, r.SetDefault("main", newStorage(t, nil)), arena.ErrStorageAlreadySet)
		require.NoError(t, r.SetDefault("aux", newStorage(t, nil)))
		assert.Equal(t, []string{"aux", "main"}, r.Defaults())

		got, err := r.Default("main")
		require.NoError(t, err)
		assert.Same(t, s, got)

		again, err := r.Init(ctx, s.DB())
		require.NoError(t, err)
		assert.Same(t, s, again, "a default is also registered by db")

		dropped, ok := r.DropDefault("main")
		assert.True(t, ok)
		assert.Same(t, s, dropped)
		_, ok = r.DropDefault("main")
		assert.False(t, ok)
		require.NoError(t, r.SetDefault("main", newStorage(t, nil)))
	})

	t.Run("close flushes and closes every storage", func(t *testing.T) {
		r := arena.NewRegistry()
		db := nodestore.NewMemoryDB()
		s, err := r.Init(ctx, db)
		require.NoError(t, err)
		require.NoError(t, r.SetDefault("main", s))

		root := chain(s.Arena(), 3)
		require.NoError(t, root.Persist())
		require.NoError(t, r.Close(ctx))
		assert.Empty(t, r.Defaults())

		_, err = db.Size(ctx)
		assert.ErrorIs(t, err, nodestore.ErrBackendClosed)
		assert.GreaterOrEqual(t, db.Stats().Writes, int64(3), "pending nodes were flushed before closing")
	})
}
