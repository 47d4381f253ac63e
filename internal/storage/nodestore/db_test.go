package nodestore_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// openers lists every adapter that can run without external services.
func openers() map[string]func(t *testing.T) nodestore.DB {
	file := func(backend string) func(t *testing.T) nodestore.DB {
		return func(t *testing.T) nodestore.DB {
			path := filepath.Join(t.TempDir(), backend)
			db, err := nodestore.Open(nil, nodestore.WithBackend(backend), nodestore.WithPath(path), nodestore.WithReadThreads(4))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		}
	}
	m := map[string]func(t *testing.T) nodestore.DB{
		"memory":        file("memory"),
		"sqlite-memory": file("sqlite-memory"),
		"sqlite":        file("sqlite"),
		"pebble":        file("pebble"),
		"leveldb":       file("leveldb"),
		"bolt":          file("bolt"),
	}
	if dsn := os.Getenv("ARENA_TEST_POSTGRES_DSN"); dsn != "" {
		m["postgres"] = func(t *testing.T) nodestore.DB {
			db, err := nodestore.Open(nil, nodestore.WithBackend("postgres"), nodestore.WithDSN(dsn))
			require.NoError(t, err)
			t.Cleanup(func() { db.Close() })
			return db
		}
	}
	return m
}

func leaf(data string) (arenakey.Key, *nodestore.Object) {
	obj := &nodestore.Object{Data: []byte(data)}
	return arenakey.Hash(obj.Data, nil), obj
}

func parent(data string, refs uint32, children ...arenakey.Key) (arenakey.Key, *nodestore.Object) {
	obj := &nodestore.Object{Data: []byte(data), RefCount: refs, Children: children}
	return arenakey.Hash(obj.Data, children), obj
}

func sortKeys(keys []arenakey.Key) []arenakey.Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

func TestDBConformance(t *testing.T) {
	ctx := context.Background()

	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			t.Run("InsertGetDelete", func(t *testing.T) {
				db := open(t)
				k, obj := leaf("hello")

				got, err := db.GetNode(ctx, k)
				require.NoError(t, err)
				assert.Nil(t, got, "missing node must be nil without error")

				require.NoError(t, db.InsertNode(ctx, k, obj))
				got, err = db.GetNode(ctx, k)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.True(t, obj.Equal(got), "got %+v", got)

				require.NoError(t, db.DeleteNode(ctx, k))
				got, err = db.GetNode(ctx, k)
				require.NoError(t, err)
				assert.Nil(t, got)

				require.NoError(t, db.DeleteNode(ctx, k), "deleting an absent node is not an error")
			})

			t.Run("ChildrenAndRefCount", func(t *testing.T) {
				db := open(t)
				a, objA := leaf("a")
				b, objB := leaf("b")
				p, objP := parent("p", 3, a, b, a)
				require.NoError(t, db.BatchUpdate(ctx, []nodestore.Update{
					nodestore.InsertNode(a, objA),
					nodestore.InsertNode(b, objB),
					nodestore.InsertNode(p, objP),
				}))

				got, err := db.GetNode(ctx, p)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, []arenakey.Key{a, b, a}, got.Children)
				assert.Equal(t, uint32(3), got.RefCount)

				n, err := db.Size(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, n)
			})

			t.Run("BatchLastUpdateWins", func(t *testing.T) {
				db := open(t)
				k, obj := leaf("x")
				require.NoError(t, db.BatchUpdate(ctx, []nodestore.Update{
					nodestore.InsertNode(k, obj),
					nodestore.SetRootCount(k, 2),
					nodestore.DeleteNode(k),
					nodestore.SetRootCount(k, 0),
				}))
				got, err := db.GetNode(ctx, k)
				require.NoError(t, err)
				assert.Nil(t, got)
				count, err := db.GetRootCount(ctx, k)
				require.NoError(t, err)
				assert.Zero(t, count)

				require.NoError(t, db.BatchUpdate(ctx, nil))
			})

			t.Run("BatchGetNodes", func(t *testing.T) {
				db := open(t)
				var keys []arenakey.Key
				for _, d := range []string{"1", "2", "3", "4", "5"} {
					k, obj := leaf(d)
					require.NoError(t, db.InsertNode(ctx, k, obj))
					keys = append(keys, k)
				}
				missing, _ := leaf("missing")
				query := append([]arenakey.Key{missing}, keys...)

				objs, err := db.BatchGetNodes(ctx, query)
				require.NoError(t, err)
				require.Len(t, objs, len(query))
				assert.Nil(t, objs[0])
				for i, obj := range objs[1:] {
					require.NotNil(t, obj)
					assert.Equal(t, keys[i], arenakey.Hash(obj.Data, obj.Children))
				}
			})

			t.Run("Roots", func(t *testing.T) {
				db := open(t)
				k1, _ := leaf("r1")
				k2, _ := leaf("r2")

				// Roots may be set on keys that are not stored.
				require.NoError(t, db.SetRootCount(ctx, k1, 2))
				require.NoError(t, db.SetRootCount(ctx, k2, 1))

				c, err := db.GetRootCount(ctx, k1)
				require.NoError(t, err)
				assert.Equal(t, uint32(2), c)

				roots, err := db.GetRoots(ctx)
				require.NoError(t, err)
				assert.Equal(t, map[arenakey.Key]uint32{k1: 2, k2: 1}, roots)

				require.NoError(t, db.SetRootCount(ctx, k1, 0))
				roots, err = db.GetRoots(ctx)
				require.NoError(t, err)
				assert.Equal(t, map[arenakey.Key]uint32{k2: 1}, roots)
			})

			t.Run("UnreachableKeys", func(t *testing.T) {
				db := open(t)
				free, freeObj := leaf("free")
				rooted, rootedObj := leaf("rooted")
				held, heldObj := leaf("held")
				heldObj.RefCount = 1

				require.NoError(t, db.BatchUpdate(ctx, []nodestore.Update{
					nodestore.InsertNode(free, freeObj),
					nodestore.InsertNode(rooted, rootedObj),
					nodestore.InsertNode(held, heldObj),
					nodestore.SetRootCount(rooted, 1),
				}))

				keys, err := db.GetUnreachableKeys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []arenakey.Key{free}, keys)

				// Dropping the reference makes the node unreachable.
				heldObj.RefCount = 0
				require.NoError(t, db.InsertNode(ctx, held, heldObj))
				keys, err = db.GetUnreachableKeys(ctx)
				require.NoError(t, err)
				assert.Equal(t, sortKeys([]arenakey.Key{free, held}), sortKeys(keys))
			})

			t.Run("Meta", func(t *testing.T) {
				db := open(t)
				v, err := db.GetMeta(ctx, nodestore.MetaLayoutVersion)
				require.NoError(t, err)
				assert.Nil(t, v)

				require.NoError(t, db.SetMeta(ctx, nodestore.MetaLayoutVersion, []byte{1}))
				require.NoError(t, db.SetMeta(ctx, nodestore.MetaLayoutVersion, []byte{2}))
				v, err = db.GetMeta(ctx, nodestore.MetaLayoutVersion)
				require.NoError(t, err)
				assert.Equal(t, []byte{2}, v)
			})

			t.Run("Closed", func(t *testing.T) {
				db := open(t)
				require.NoError(t, db.Close())
				require.NoError(t, db.Close(), "double close is a no-op")

				k, _ := leaf("late")
				_, err := db.GetNode(ctx, k)
				assert.ErrorIs(t, err, nodestore.ErrBackendClosed)
				assert.True(t, nodestore.IsBackendClosed(err))
			})
		})
	}
}

func TestPersistentReopen(t *testing.T) {
	ctx := context.Background()

	for _, backend := range []string{"sqlite", "pebble", "leveldb", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "db")
			k, obj := leaf("durable")

			db, err := nodestore.Open(nil, nodestore.WithBackend(backend), nodestore.WithPath(path))
			require.NoError(t, err)
			id := db.ID()
			require.NoError(t, db.BatchUpdate(ctx, []nodestore.Update{
				nodestore.InsertNode(k, obj),
				nodestore.SetRootCount(k, 1),
			}))
			require.NoError(t, db.Close())

			db, err = nodestore.Open(nil, nodestore.WithBackend(backend), nodestore.WithPath(path))
			require.NoError(t, err)
			defer db.Close()
			assert.Equal(t, id, db.ID())

			got, err := db.GetNode(ctx, k)
			require.NoError(t, err)
			assert.True(t, obj.Equal(got))
			c, err := db.GetRootCount(ctx, k)
			require.NoError(t, err)
			assert.Equal(t, uint32(1), c)
		})
	}
}

func TestSQLiteExclusiveOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.sqlite")
	cfg := nodestore.DefaultConfig()
	cfg.ApplyOptions(nodestore.WithBackend("sqlite"), nodestore.WithPath(path))

	first, err := nodestore.Open(cfg)
	require.NoError(t, err)

	_, err = nodestore.Open(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, nodestore.ErrConcurrentFileOpen)

	require.NoError(t, first.Close())

	second, err := nodestore.Open(cfg)
	require.NoError(t, err, "lock is released on close")
	require.NoError(t, second.Close())
}

func TestSQLitePragmaValidation(t *testing.T) {
	_, err := nodestore.Open(nil,
		nodestore.WithBackend("sqlite-memory"),
		nodestore.WithSQLPragmas("OFF; DROP TABLE node", ""))
	assert.ErrorIs(t, err, nodestore.ErrInvalidConfig)

	t.Setenv(nodestore.EnvSQLJournalMode, "memory")
	db, err := nodestore.Open(nil, nodestore.WithBackend("sqlite-memory"))
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestWrappedDB(t *testing.T) {
	inner := nodestore.NewMemoryDB()
	w := nodestore.Wrap(inner, "isolated")

	assert.Equal(t, "isolated/memory", w.Name())
	assert.Equal(t, "isolated/"+inner.ID(), w.ID())
	assert.Same(t, inner, w.Unwrap())

	k, obj := leaf("through")
	require.NoError(t, w.InsertNode(context.Background(), k, obj))
	got, err := inner.GetNode(context.Background(), k)
	require.NoError(t, err)
	assert.True(t, obj.Equal(got))
}

func TestMemoryDBStats(t *testing.T) {
	db := nodestore.NewMemoryDB()
	k, obj := leaf("stat")
	require.NoError(t, db.InsertNode(context.Background(), k, obj))
	_, err := db.GetNode(context.Background(), k)
	require.NoError(t, err)

	stats := db.Stats()
	assert.Equal(t, int64(1), stats.Reads)
	assert.Equal(t, int64(1), stats.Writes)
	assert.Equal(t, 1, stats.NodeCount)
}

func TestMemoryDBIdentity(t *testing.T) {
	assert.NotEqual(t, nodestore.NewMemoryDB().ID(), nodestore.NewMemoryDB().ID())
}
