package collections_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

func newArena(t *testing.T) *arena.Arena {
	t.Helper()
	s, err := arena.NewStorage(context.Background(), nodestore.NewMemoryDB())
	require.NoError(t, err)
	return s.Arena()
}

// roundTrip serializes v from a and decodes it into a fresh arena.
func roundTrip[T arena.Storable[T]](t *testing.T, a *arena.Arena, v T) T {
	t.Helper()
	sp := arena.Alloc(a, v)
	data, err := arena.Serialize(sp)
	require.NoError(t, err)
	back, err := arena.Deserialize[T](newArena(t), data)
	require.NoError(t, err)
	require.Equal(t, sp.Key(), back.Key())
	out, err := back.Get()
	require.NoError(t, err)
	return out
}

// retag serializes v and rewrites its header to claim the type named by
// tag. Only types with the same node shape can be swapped this way.
func retag[T arena.Storable[T]](t *testing.T, a *arena.Arena, v T, tag string) []byte {
	t.Helper()
	data, err := arena.Serialize(arena.Alloc(a, v))
	require.NoError(t, err)
	from := []byte("midnight:" + v.Tag() + ":")
	require.True(t, bytes.HasPrefix(data, from))
	return append([]byte("midnight:"+tag+":"), data[len(from):]...)
}

func u64s(n int) []arena.U64 {
	out := make([]arena.U64, n)
	for i := range out {
		out[i] = arena.U64(i * i)
	}
	return out
}
