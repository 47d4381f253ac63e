package arena_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore/mocks"
)

type rawNode struct {
	key      arena.Key
	data     []byte
	children []arena.Key
}

func mkRaw(data string, children ...arena.Key) rawNode {
	return rawNode{key: arenakey.Hash([]byte(data), children), data: []byte(data), children: children}
}

func cacheAll(t *testing.T, b *arena.StorageBackend, nodes ...rawNode) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, b.Cache(context.Background(), n.key, n.data, n.children))
	}
}

func uncacheAll(t *testing.T, b *arena.StorageBackend, nodes ...rawNode) {
	t.Helper()
	for _, n := range nodes {
		require.NoError(t, b.Uncache(context.Background(), n.key))
	}
}

func TestBackendCache(t *testing.T) {
	ctx := context.Background()

	t.Run("temporary nodes never reach the db", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		b := backendOf(newStorage(t, db).Arena())
		leafA, leafB := mkRaw("a"), mkRaw("b")
		root := mkRaw("root", leafA.key, leafB.key)

		cacheAll(t, b, leafA, leafB, root)
		obj, err := b.Get(ctx, leafA.key)
		require.NoError(t, err)
		require.NotNil(t, obj)
		assert.Equal(t, uint32(1), obj.RefCount)

		uncacheAll(t, b, root, leafA, leafB)
		require.NoError(t, b.FlushAllChangesToDB(ctx))

		n, err := db.Size(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		for _, k := range []arena.Key{leafA.key, leafB.key, root.key} {
			obj, err := b.Get(ctx, k)
			require.NoError(t, err)
			assert.Nil(t, obj)
		}
	})

	t.Run("children released in any order", func(t *testing.T) {
		b := backendOf(newStorage(t, nil).Arena())
		kid := mkRaw("kid")
		root := mkRaw("root", kid.key)
		cacheAll(t, b, kid, root)

		// The child goes first; it must survive while the parent holds it.
		uncacheAll(t, b, kid)
		obj, err := b.Get(ctx, kid.key)
		require.NoError(t, err)
		require.NotNil(t, obj)

		uncacheAll(t, b, root)
		obj, err = b.Get(ctx, kid.key)
		require.NoError(t, err)
		assert.Nil(t, obj)
		assert.Zero(t, b.GetStats().WriteCacheLen)
	})

	t.Run("caching twice is idempotent", func(t *testing.T) {
		b := backendOf(newStorage(t, nil).Arena())
		kid := mkRaw("kid")
		root := mkRaw("root", kid.key)
		cacheAll(t, b, kid, root, root)

		obj, err := b.Get(ctx, kid.key)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), obj.RefCount)
	})

	t.Run("uncaching an unknown key is a no-op", func(t *testing.T) {
		b := backendOf(newStorage(t, nil).Arena())
		assert.NoError(t, b.Uncache(ctx, mkRaw("ghost").key))
	})
}

func TestBackendPersist(t *testing.T) {
	ctx := context.Background()
	db := nodestore.NewMemoryDB()
	b := backendOf(newStorage(t, db).Arena())

	kid := mkRaw("kid")
	root := mkRaw("root", kid.key)
	cacheAll(t, b, kid, root)

	require.NoError(t, b.Persist(ctx, root.key))
	require.NoError(t, b.Persist(ctx, root.key))
	n, err := b.GetRootCount(ctx, root.key)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), n)

	uncacheAll(t, b, root, kid)
	require.NoError(t, b.FlushAllChangesToDB(ctx))

	stored, err := db.GetNode(ctx, kid.key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, uint32(1), stored.RefCount)
	dbRoots, err := db.GetRoots(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[arena.Key]uint32{root.key: 2}, dbRoots)

	t.Run("unpersist is pending until flushed", func(t *testing.T) {
		require.NoError(t, b.Unpersist(ctx, root.key))
		roots, err := b.GetRoots(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), roots[root.key])

		dbCount, err := db.GetRootCount(ctx, root.key)
		require.NoError(t, err)
		assert.Equal(t, uint32(2), dbCount)

		require.NoError(t, b.FlushAllChangesToDB(ctx))
		dbCount, err = db.GetRootCount(ctx, root.key)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), dbCount)
	})

	t.Run("unpersisting a non-root fails", func(t *testing.T) {
		assert.Error(t, b.Unpersist(ctx, kid.key))
	})

	t.Run("persisting an unknown key fails", func(t *testing.T) {
		err := b.Persist(ctx, mkRaw("ghost").key)
		assert.ErrorIs(t, err, arena.ErrNotInArena)
	})
}

func TestBackendFlushEvictions(t *testing.T) {
	ctx := context.Background()
	db := nodestore.NewMemoryDB()
	b := backendOf(newStorage(t, db, arena.WithCacheSize(2)).Arena())

	var nodes []rawNode
	for i := 0; i < 5; i++ {
		nodes = append(nodes, mkRaw(fmt.Sprintf("n%d", i)))
	}
	cacheAll(t, b, nodes...)
	for _, n := range nodes {
		require.NoError(t, b.Persist(ctx, n.key))
	}
	require.Equal(t, 5, b.GetStats().WriteCacheLen)

	require.NoError(t, b.FlushCacheEvictionsToDB(ctx))
	assert.Equal(t, 2, b.GetStats().WriteCacheLen)
	size, err := db.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	// The oldest nodes went first.
	for _, n := range nodes[:3] {
		obj, err := db.GetNode(ctx, n.key)
		require.NoError(t, err)
		assert.NotNil(t, obj)
	}

	require.NoError(t, b.FlushAllChangesToDB(ctx))
	assert.Zero(t, b.GetStats().WriteCacheLen)
	size, err = db.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, size)
}

func TestBackendStats(t *testing.T) {
	ctx := context.Background()
	b := backendOf(newStorage(t, nil).Arena())
	n := mkRaw("payload")
	cacheAll(t, b, n)

	_, err := b.Get(ctx, n.key)
	require.NoError(t, err)
	_, err = b.Get(ctx, mkRaw("other").key)
	require.NoError(t, err)

	s := b.GetStats()
	assert.Equal(t, uint64(1), s.CacheHits)
	assert.Equal(t, uint64(1), s.CacheMisses)
	assert.Equal(t, 1, s.WriteCacheLen)
	assert.Equal(t, 1, s.LiveInserts)
	assert.Equal(t, (&nodestore.Object{Data: []byte("payload")}).Size(), s.WriteCacheBytes)
	assert.InDelta(t, 0.5, s.HitRate(), 1e-9)

	assert.Equal(t, s, b.GetStats(), "stats are side-effect free")
}

func TestBackendPreFetch(t *testing.T) {
	ctx := context.Background()
	db := nodestore.NewMemoryDB()
	writer := backendOf(newStorage(t, db).Arena())
	l1, l2 := mkRaw("l1"), mkRaw("l2")
	mid := mkRaw("mid", l1.key, l2.key)
	root := mkRaw("root", mid.key)
	cacheAll(t, writer, l1, l2, mid, root)
	require.NoError(t, writer.Persist(ctx, root.key))
	require.NoError(t, writer.FlushAllChangesToDB(ctx))

	b := backendOf(newStorage(t, db).Arena())
	require.NoError(t, b.PreFetch(ctx, root.key, nodestore.Unbounded, true))
	assert.Equal(t, 4, b.GetStats().ReadCacheLen)

	before := b.GetStats().CacheMisses
	for _, k := range []arena.Key{root.key, mid.key, l1.key, l2.key} {
		obj, err := b.Get(ctx, k)
		require.NoError(t, err)
		require.NotNil(t, obj)
	}
	assert.Equal(t, before, b.GetStats().CacheMisses)
}

func TestBackendGC(t *testing.T) {
	ctx := context.Background()

	t.Run("collects unreachable trees", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		b := backendOf(newStorage(t, db).Arena())
		shared := mkRaw("shared")
		keepKid := mkRaw("keep-kid")
		keep := mkRaw("keep", keepKid.key, shared.key)
		dropKid := mkRaw("drop-kid")
		drop := mkRaw("drop", dropKid.key, shared.key)
		all := []rawNode{shared, keepKid, keep, dropKid, drop}

		cacheAll(t, b, all...)
		require.NoError(t, b.Persist(ctx, keep.key))
		require.NoError(t, b.Persist(ctx, drop.key))
		require.NoError(t, b.FlushAllChangesToDB(ctx))
		uncacheAll(t, b, all...)
		require.NoError(t, b.Unpersist(ctx, drop.key))

		unreachable, err := b.GetUnreachableKeys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []arena.Key{drop.key}, unreachable)

		res, err := b.GC(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Deleted)

		for _, n := range []rawNode{drop, dropKid} {
			obj, err := b.Get(ctx, n.key)
			require.NoError(t, err)
			assert.Nil(t, obj, "%s should be collected", n.data)
		}
		for _, n := range []rawNode{keep, keepKid, shared} {
			obj, err := b.Get(ctx, n.key)
			require.NoError(t, err)
			assert.NotNil(t, obj, "%s should survive", n.data)
		}
		obj, err := b.Get(ctx, shared.key)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), obj.RefCount)

		require.NoError(t, b.FlushAllChangesToDB(ctx))
		stored, err := db.GetNode(ctx, shared.key)
		require.NoError(t, err)
		assert.Equal(t, uint32(1), stored.RefCount)
		dbRoots, err := db.GetRoots(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[arena.Key]uint32{keep.key: 1}, dbRoots)
	})

	t.Run("live insertions survive", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		b := backendOf(newStorage(t, db).Arena())
		kid := mkRaw("kid")
		root := mkRaw("root", kid.key)
		cacheAll(t, b, kid, root)
		require.NoError(t, b.FlushAllChangesToDB(ctx))

		res, err := b.GC(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Deleted)
		size, err := db.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, size)
	})

	t.Run("random forest matches reachability", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for round := 0; round < 5; round++ {
			db := nodestore.NewMemoryDB()
			b := backendOf(newStorage(t, db).Arena())

			var nodes []rawNode
			for i := 0; i < 60; i++ {
				var kids []arena.Key
				if len(nodes) > 0 {
					for j := rng.Intn(4); j > 0; j-- {
						kids = append(kids, nodes[rng.Intn(len(nodes))].key)
					}
				}
				nodes = append(nodes, mkRaw(fmt.Sprintf("r%d-n%d", round, i), kids...))
			}
			cacheAll(t, b, nodes...)
			roots := map[arena.Key]bool{}
			for _, n := range nodes {
				if rng.Intn(6) == 0 {
					roots[n.key] = true
					require.NoError(t, b.Persist(ctx, n.key))
				}
			}
			require.NoError(t, b.FlushAllChangesToDB(ctx))
			for i := len(nodes) - 1; i >= 0; i-- {
				require.NoError(t, b.Uncache(ctx, nodes[i].key))
			}

			_, err := b.GC(ctx)
			require.NoError(t, err)
			require.NoError(t, b.FlushAllChangesToDB(ctx))

			reachable := map[arena.Key]bool{}
			byKey := map[arena.Key]rawNode{}
			for _, n := range nodes {
				byKey[n.key] = n
			}
			var mark func(arena.Key)
			mark = func(k arena.Key) {
				if reachable[k] {
					return
				}
				reachable[k] = true
				for _, c := range byKey[k].children {
					mark(c)
				}
			}
			for k := range roots {
				mark(k)
			}

			for _, n := range nodes {
				obj, err := db.GetNode(ctx, n.key)
				require.NoError(t, err)
				if reachable[n.key] {
					assert.NotNil(t, obj, "reachable node %s collected", n.data)
				} else {
					assert.Nil(t, obj, "unreachable node %s kept", n.data)
				}
			}

			// Stored counts agree with the surviving parents.
			report, err := nodestore.Verify(ctx, db, nodestore.DefaultVerifyOptions())
			require.NoError(t, err)
			assert.True(t, report.IsValid(), report.String())
		}
	})
}

func TestBackendFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk on fire")

	newMockStorage := func(t *testing.T) (*mocks.MockDB, *arena.StorageBackend) {
		ctrl := gomock.NewController(t)
		db := mocks.NewMockDB(ctrl)
		db.EXPECT().Name().Return("mock").AnyTimes()
		db.EXPECT().ID().Return("mock:1").AnyTimes()
		db.EXPECT().GetMeta(gomock.Any(), nodestore.MetaLayoutVersion).Return([]byte("v1"), nil)
		s, err := arena.NewStorage(ctx, db)
		require.NoError(t, err)
		return db, backendOf(s.Arena())
	}

	t.Run("read errors are backend unavailable", func(t *testing.T) {
		db, b := newMockStorage(t)
		db.EXPECT().GetNode(gomock.Any(), gomock.Any()).Return(nil, boom)

		obj, err := b.Get(ctx, mkRaw("x").key)
		assert.Nil(t, obj)
		require.Error(t, err)
		assert.ErrorIs(t, err, nodestore.ErrBackendUnavailable)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("unknown keys are not errors", func(t *testing.T) {
		db, b := newMockStorage(t)
		db.EXPECT().GetNode(gomock.Any(), gomock.Any()).Return(nil, nil)
		obj, err := b.Get(ctx, mkRaw("x").key)
		assert.NoError(t, err)
		assert.Nil(t, obj)
	})

	t.Run("known missing keys skip the db", func(t *testing.T) {
		db, b := newMockStorage(t)
		n := mkRaw("n")
		db.EXPECT().GetNode(gomock.Any(), n.key).Return(nil, nil).Times(1)

		for i := 0; i < 3; i++ {
			obj, err := b.Get(ctx, n.key)
			require.NoError(t, err)
			assert.Nil(t, obj)
		}
		ok, err := b.Contains(ctx, n.key)
		require.NoError(t, err)
		assert.False(t, ok)
		s := b.GetStats()
		assert.Equal(t, uint64(1), s.CacheMisses)
		assert.Equal(t, uint64(2), s.MissingHits)

		// Creating the node forgets the miss.
		require.NoError(t, b.Cache(ctx, n.key, n.data, nil))
		obj, err := b.Get(ctx, n.key)
		require.NoError(t, err)
		require.NotNil(t, obj)
		assert.Equal(t, n.data, obj.Data)
	})

	t.Run("corrupt nodes are rejected", func(t *testing.T) {
		db, b := newMockStorage(t)
		n := mkRaw("n")
		tampered := &nodestore.Object{Data: []byte("m")}
		db.EXPECT().GetNode(gomock.Any(), n.key).Return(tampered, nil).Times(2)

		for i := 0; i < 2; i++ {
			obj, err := b.Get(ctx, n.key)
			assert.Nil(t, obj)
			require.Error(t, err)
			assert.ErrorIs(t, err, nodestore.ErrDataCorrupt)
		}
		assert.Zero(t, b.GetStats().ReadCacheLen, "corrupt nodes are not cached")
	})

	t.Run("failed flush keeps pending changes", func(t *testing.T) {
		db, b := newMockStorage(t)
		n := mkRaw("n")
		db.EXPECT().GetNode(gomock.Any(), n.key).Return(nil, nil)
		require.NoError(t, b.Cache(ctx, n.key, n.data, nil))

		db.EXPECT().BatchUpdate(gomock.Any(), gomock.Any()).Return(boom)
		err := b.FlushAllChangesToDB(ctx)
		assert.ErrorIs(t, err, nodestore.ErrBackendUnavailable)
		assert.Equal(t, 1, b.GetStats().WriteCacheLen)

		db.EXPECT().BatchUpdate(gomock.Any(), gomock.Len(1)).Return(nil)
		require.NoError(t, b.FlushAllChangesToDB(ctx))
		assert.Zero(t, b.GetStats().WriteCacheLen)
	})

	t.Run("failed gc changes nothing", func(t *testing.T) {
		db, b := newMockStorage(t)
		victim := mkRaw("victim")
		stored := &nodestore.Object{Data: victim.data}

		db.EXPECT().GetRoots(gomock.Any()).Return(map[arena.Key]uint32{}, nil)
		db.EXPECT().GetUnreachableKeys(gomock.Any()).Return([]arena.Key{victim.key}, nil)
		db.EXPECT().GetNode(gomock.Any(), victim.key).Return(stored, nil)
		db.EXPECT().BatchUpdate(gomock.Any(), gomock.Any()).Return(boom)

		before := b.GetStats()
		_, err := b.GC(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, before, b.GetStats())
	})

	t.Run("gc read failure aborts", func(t *testing.T) {
		db, b := newMockStorage(t)
		db.EXPECT().GetRoots(gomock.Any()).Return(nil, boom)
		_, err := b.GC(ctx)
		assert.ErrorIs(t, err, nodestore.ErrBackendUnavailable)
	})
}

func TestBackendNegativeCache(t *testing.T) {
	ctx := context.Background()
	n := mkRaw("n")
	write := func(t *testing.T, db nodestore.DB) {
		t.Helper()
		require.NoError(t, db.BatchUpdate(ctx, []nodestore.Update{
			nodestore.InsertNode(n.key, &nodestore.Object{Data: n.data}),
		}))
	}

	t.Run("misses are remembered", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		b := backendOf(newStorage(t, db).Arena())
		obj, err := b.Get(ctx, n.key)
		require.NoError(t, err)
		require.Nil(t, obj)

		// A write the backend does not see stays invisible.
		write(t, db)
		obj, err = b.Get(ctx, n.key)
		require.NoError(t, err)
		assert.Nil(t, obj)
		assert.Equal(t, uint64(1), b.GetStats().MissingHits)
	})

	t.Run("disabled", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		b := backendOf(newStorage(t, db, arena.WithNegativeCache(0, 0)).Arena())
		obj, err := b.Get(ctx, n.key)
		require.NoError(t, err)
		require.Nil(t, obj)

		write(t, db)
		obj, err = b.Get(ctx, n.key)
		require.NoError(t, err)
		assert.NotNil(t, obj)
		assert.Zero(t, b.GetStats().MissingHits)
	})

	t.Run("expired misses go to the db again", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		b := backendOf(newStorage(t, db, arena.WithNegativeCache(16, 20*time.Millisecond)).Arena())
		obj, err := b.Get(ctx, n.key)
		require.NoError(t, err)
		require.Nil(t, obj)

		write(t, db)
		time.Sleep(50 * time.Millisecond)
		obj, err = b.Get(ctx, n.key)
		require.NoError(t, err)
		assert.NotNil(t, obj)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := arena.NewStorage(ctx, nodestore.NewMemoryDB(), arena.WithNegativeCache(-1, 0))
		assert.ErrorIs(t, err, nodestore.ErrInvalidConfig)
	})
}

func TestLayoutVersions(t *testing.T) {
	ctx := context.Background()

	t.Run("layout v2 disables gc", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		s := newStorage(t, db, arena.WithLayout(arena.LayoutV2))
		b := backendOf(s.Arena())
		assert.Equal(t, arena.LayoutV2, b.Layout())

		_, err := b.GC(ctx)
		assert.ErrorIs(t, err, arena.ErrGCDisabled)
		_, err = b.GetUnreachableKeys(ctx)
		assert.ErrorIs(t, err, arena.ErrGCDisabled)

		kid := mkRaw("kid")
		root := mkRaw("root", kid.key)
		cacheAll(t, b, kid, root)
		require.NoError(t, b.Persist(ctx, root.key))
		require.NoError(t, b.FlushAllChangesToDB(ctx))
		stored, err := db.GetNode(ctx, kid.key)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Zero(t, stored.RefCount, "v2 does not persist reference counts")
	})

	t.Run("reloaded counts", func(t *testing.T) {
		for _, layout := range []arena.LayoutVersion{arena.LayoutV1, arena.LayoutV2} {
			t.Run(layout.String(), func(t *testing.T) {
				logger, hook := logtest.NewNullLogger()
				logger.SetLevel(logrus.DebugLevel)
				prev := log.Replace(logger)
				t.Cleanup(func() { log.Replace(prev) })

				db := nodestore.NewMemoryDB()
				other := mkRaw("other")
				require.NoError(t, db.BatchUpdate(ctx, []nodestore.Update{
					nodestore.InsertNode(other.key, &nodestore.Object{Data: other.data}),
				}))
				b := backendOf(newStorage(t, db, arena.WithLayout(layout), arena.WithCacheSize(1)).Arena())

				kid := mkRaw("kid")
				root := mkRaw("root", kid.key)
				cacheAll(t, b, kid, root)
				uncacheAll(t, b, kid)

				// The child reaches the db while its parent is pending, then
				// leaves memory before the parent releases it.
				require.NoError(t, b.FlushCacheEvictionsToDB(ctx))
				_, err := b.Get(ctx, other.key)
				require.NoError(t, err)
				uncacheAll(t, b, root)
				require.NoError(t, b.FlushAllChangesToDB(ctx))

				for _, e := range hook.AllEntries() {
					assert.Greater(t, e.Level, logrus.WarnLevel, "unexpected log: %s", e.Message)
				}
				stored, err := db.GetNode(ctx, kid.key)
				require.NoError(t, err)
				require.NotNil(t, stored)
				assert.Zero(t, stored.RefCount)
			})
		}
	})

	t.Run("version is stamped and checked", func(t *testing.T) {
		db := nodestore.NewMemoryDB()
		newStorage(t, db)
		raw, err := db.GetMeta(ctx, nodestore.MetaLayoutVersion)
		require.NoError(t, err)
		assert.Equal(t, "v1", string(raw))

		_, err = arena.NewStorage(ctx, db, arena.WithLayout(arena.LayoutV2))
		assert.ErrorIs(t, err, arena.ErrLayoutMismatch)
		_, err = arena.NewStorage(ctx, db)
		assert.NoError(t, err)
	})

	t.Run("parse", func(t *testing.T) {
		v, err := arena.ParseLayoutVersion("v2")
		require.NoError(t, err)
		assert.Equal(t, arena.LayoutV2, v)
		_, err = arena.ParseLayoutVersion("9")
		assert.Error(t, err)
	})
}
