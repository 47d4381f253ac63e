package arena_test

import (
	"context"
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// treeNode is a labelled node with up to MaxChildren subtrees.
type treeNode struct {
	Label uint64
	Kids  []*arena.Sp[treeNode]
}

func (treeNode) Tag() string { return "test-tree-node[v1]" }

func (n treeNode) Children() []arena.Key {
	keys := make([]arena.Key, len(n.Kids))
	for i, k := range n.Kids {
		keys[i] = k.Key()
	}
	return keys
}

func (n treeNode) ToBinaryRepr(w *arena.Writer) {
	w.WriteU64(n.Label)
	w.WriteU8(uint8(len(n.Kids)))
}

func (treeNode) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (treeNode, error) {
	label, err := r.ReadU64()
	if err != nil {
		return treeNode{}, err
	}
	n, err := r.ReadU8()
	if err != nil {
		return treeNode{}, err
	}
	out := treeNode{Label: label}
	for i := 0; i < int(n); i++ {
		kid, err := arena.GetNext[treeNode](l, it)
		if err != nil {
			return treeNode{}, err
		}
		out.Kids = append(out.Kids, kid)
	}
	return out, nil
}

// CheckInvariant rejects labels with the top bit set, to exercise strict
// loading.
func (n treeNode) CheckInvariant() error {
	if n.Label>>63 != 0 {
		return fmt.Errorf("label %#x out of range", n.Label)
	}
	return nil
}

func leaf(a *arena.Arena, label uint64) *arena.Sp[treeNode] {
	return arena.Alloc(a, treeNode{Label: label})
}

func branch(a *arena.Arena, label uint64, kids ...*arena.Sp[treeNode]) *arena.Sp[treeNode] {
	return arena.Alloc(a, treeNode{Label: label, Kids: kids})
}

// chain builds a path of depth nodes, the root labelled depth-1.
func chain(a *arena.Arena, depth int) *arena.Sp[treeNode] {
	sp := leaf(a, 0)
	for i := 1; i < depth; i++ {
		sp = branch(a, uint64(i), sp)
	}
	return sp
}

func sumLabels(t *testing.T, sp *arena.Sp[treeNode]) uint64 {
	t.Helper()
	n, err := sp.Get()
	require.NoError(t, err)
	total := n.Label
	for _, k := range n.Kids {
		total += sumLabels(t, k)
	}
	return total
}

func newStorage(t *testing.T, db nodestore.DB, opts ...arena.Option) *arena.Storage {
	t.Helper()
	if db == nil {
		db = nodestore.NewMemoryDB()
	}
	s, err := arena.NewStorage(context.Background(), db, opts...)
	require.NoError(t, err)
	return s
}

func backendOf(a *arena.Arena) *arena.StorageBackend {
	var b *arena.StorageBackend
	_ = a.WithBackend(func(sb *arena.StorageBackend) error {
		b = sb
		return nil
	})
	return b
}

// collectGarbage runs the Go collector until pending cleanups had a chance
// to run.
func collectGarbage() {
	for i := 0; i < 3; i++ {
		runtime.GC()
		runtime.Gosched()
	}
}
