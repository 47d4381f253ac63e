package nodestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

func TestVerify(t *testing.T) {
	ctx := context.Background()

	t.Run("ConsistentTree", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		buildTree(t, db)

		result, err := nodestore.Verify(ctx, db, nil)
		require.NoError(t, err)
		assert.True(t, result.IsValid(), result.String())
		assert.Equal(t, int64(6), result.TotalNodes)
	})

	t.Run("HashMismatch", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		k, _ := leaf("honest")
		require.NoError(t, db.InsertNode(ctx, k, &nodestore.Object{Data: []byte("tampered")}))

		result, err := nodestore.Verify(ctx, db, nil)
		require.NoError(t, err)
		assert.False(t, result.IsValid())
		assert.Equal(t, int64(1), result.HashMismatch)
		assert.Equal(t, k, result.CorruptKeys[0])
	})

	t.Run("MissingChildAndRefCount", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		ghost, _ := leaf("ghost")
		k, obj := parent("p", 0, ghost)
		require.NoError(t, db.InsertNode(ctx, k, obj))
		c, cobj := leaf("c")
		cobj.RefCount = 5
		require.NoError(t, db.InsertNode(ctx, c, cobj))

		result, err := nodestore.Verify(ctx, db, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.MissingChildren)
		assert.Equal(t, int64(1), result.RefCountMismatch)
		assert.Equal(t, int64(2), result.CorruptNodes)

		opts := nodestore.DefaultVerifyOptions()
		opts.CheckRefCounts = false
		opts.StopOnFirstError = true
		_, err = nodestore.Verify(ctx, db, opts)
		assert.ErrorIs(t, err, nodestore.ErrMissingNode)
	})

	t.Run("SQLite", func(t *testing.T) {
		db, err := nodestore.Open(nil, nodestore.WithBackend("sqlite"), nodestore.WithPath(filepath.Join(t.TempDir(), "v.sqlite")))
		require.NoError(t, err)
		defer db.Close()
		buildTree(t, db)

		var progress []int64
		opts := nodestore.DefaultVerifyOptions()
		opts.ProgressInterval = 2
		opts.ProgressCallback = func(n int64) { progress = append(progress, n) }

		result, err := nodestore.Verify(ctx, db, opts)
		require.NoError(t, err)
		assert.True(t, result.IsValid(), result.String())
		assert.Equal(t, []int64{2, 4, 6}, progress)
	})

	t.Run("Pebble", func(t *testing.T) {
		db, err := nodestore.Open(nil, nodestore.WithBackend("pebble"), nodestore.WithPath(t.TempDir()))
		require.NoError(t, err)
		defer db.Close()
		buildTree(t, db)

		result, err := nodestore.Verify(ctx, nodestore.Wrap(db, "w"), nil)
		require.NoError(t, err)
		assert.True(t, result.IsValid(), result.String())
	})
}
