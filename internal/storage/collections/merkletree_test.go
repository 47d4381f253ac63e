package collections_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/collections"
)

type tree = collections.MerkleTree[arena.U64]

func leafValue(i uint64) []byte {
	return []byte(fmt.Sprintf("leaf-%d", i))
}

func buildTree(t *testing.T, a *arena.Arena, height uint8, indices ...uint64) tree {
	t.Helper()
	mt, err := collections.NewMerkleTree[arena.U64](a, height)
	require.NoError(t, err)
	for _, i := range indices {
		mt, err = mt.Update(i, leafValue(i), arena.U64(i))
		require.NoError(t, err)
	}
	return mt
}

func root(t *testing.T, mt tree) collections.Digest {
	t.Helper()
	r, err := mt.Root()
	require.NoError(t, err)
	return r
}

func TestMerkleTreeHeights(t *testing.T) {
	a := newArena(t)
	for _, h := range []uint8{0, collections.MaxTreeHeight + 1} {
		_, err := collections.NewMerkleTree[arena.U64](a, h)
		assert.ErrorIs(t, err, collections.ErrInvalidHeight, "height %d", h)
	}
	for _, h := range []uint8{1, collections.MaxTreeHeight} {
		mt := buildTree(t, a, h)
		assert.Equal(t, h, mt.Height())
		assert.True(t, root(t, mt).IsZero(), "empty tree has the zero root")
	}

	mt := buildTree(t, a, 32, 0, 1<<32-1)
	_, err := mt.Update(1<<32, []byte("x"), 0)
	assert.ErrorIs(t, err, collections.ErrInvalidIndex)
}

func TestMerkleTreeUpdate(t *testing.T) {
	a := newArena(t)
	mt := buildTree(t, a, 4, 3, 5, 9)
	assert.False(t, root(t, mt).IsZero())

	t.Run("order independent", func(t *testing.T) {
		other := buildTree(t, a, 4, 9, 3, 5)
		assert.True(t, mt.Equal(other))
		assert.Equal(t, root(t, mt), root(t, other))
	})

	t.Run("index", func(t *testing.T) {
		hash, aux, ok, err := mt.Index(5)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, collections.LeafHash(leafValue(5)), hash)
		v, err := aux.Get()
		require.NoError(t, err)
		assert.Equal(t, arena.U64(5), v)

		_, _, ok, err = mt.Index(4)
		require.NoError(t, err)
		assert.False(t, ok)

		_, _, _, err = mt.Index(16)
		assert.ErrorIs(t, err, collections.ErrInvalidIndex)
	})

	t.Run("leaves", func(t *testing.T) {
		leaves, err := mt.Leaves()
		require.NoError(t, err)
		var idx []uint64
		for _, l := range leaves {
			idx = append(idx, l.Index)
			assert.Equal(t, collections.LeafHash(leafValue(l.Index)), l.Hash)
		}
		assert.Equal(t, []uint64{3, 5, 9}, idx)
	})

	t.Run("overwrite changes the root", func(t *testing.T) {
		changed, err := mt.Update(5, []byte("other"), 0)
		require.NoError(t, err)
		assert.NotEqual(t, root(t, mt), root(t, changed))
		restored, err := changed.Update(5, leafValue(5), 5)
		require.NoError(t, err)
		assert.Equal(t, root(t, mt), root(t, restored))
	})
}

func TestMerkleTreePaths(t *testing.T) {
	a := newArena(t)
	mt := buildTree(t, a, 5, 0, 1, 7, 20, 31)

	for _, i := range []uint64{0, 1, 7, 20, 31} {
		p, err := mt.Path(i)
		require.NoError(t, err)
		assert.Len(t, p.Entries, 5)
		assert.Equal(t, collections.LeafHash(leafValue(i)), p.Leaf)
		ok, err := mt.VerifyPath(p)
		require.NoError(t, err)
		assert.True(t, ok, "path for %d", i)

		p.Leaf = collections.LeafHash([]byte("forged"))
		ok, err = mt.VerifyPath(p)
		require.NoError(t, err)
		assert.False(t, ok, "forged leaf at %d", i)
	}

	_, err := mt.Path(2)
	assert.ErrorIs(t, err, collections.ErrInvalidIndex)

	p, found, err := mt.FindPath(leafValue(20))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, root(t, mt), p.Root())
	_, found, err = mt.FindPath([]byte("absent"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMerkleTreeCollapse(t *testing.T) {
	a := newArena(t)
	mt := buildTree(t, a, 4, 0, 1, 2, 3, 4, 5)
	before := root(t, mt)

	c, err := mt.Collapse(0, 3)
	require.NoError(t, err)
	assert.Equal(t, before, root(t, c), "collapsing keeps the root")

	_, _, _, err = c.Index(2)
	assert.ErrorIs(t, err, collections.ErrCollapsedIndex)
	_, err = c.Update(2, []byte("late"), 0)
	assert.ErrorIs(t, err, collections.ErrCollapsedIndex)

	p, err := c.Path(4)
	require.NoError(t, err)
	ok, err := c.VerifyPath(p)
	require.NoError(t, err)
	assert.True(t, ok, "paths past the collapsed range still verify")

	leaves, err := c.Leaves()
	require.NoError(t, err)
	assert.Len(t, leaves, 2)

	t.Run("empty region", func(t *testing.T) {
		c, err := mt.Collapse(9, 14)
		require.NoError(t, err)
		assert.Equal(t, before, root(t, c))
		_, err = c.Update(10, []byte("x"), 0)
		assert.ErrorIs(t, err, collections.ErrCollapsedIndex)
		grown, err := c.Update(15, leafValue(15), 15)
		require.NoError(t, err)
		assert.Equal(t, root(t, buildTree(t, a, 4, 0, 1, 2, 3, 4, 5, 15)), root(t, grown))
	})

	t.Run("whole tree", func(t *testing.T) {
		c, err := mt.Collapse(0, 15)
		require.NoError(t, err)
		assert.Equal(t, before, root(t, c))
		leaves, err := c.Leaves()
		require.NoError(t, err)
		assert.Empty(t, leaves)
	})

	t.Run("bad ranges", func(t *testing.T) {
		_, err := mt.Collapse(5, 4)
		assert.ErrorIs(t, err, collections.ErrInvalidIndex)
		_, err = mt.Collapse(0, 16)
		assert.ErrorIs(t, err, collections.ErrInvalidIndex)
	})
}

func TestMerkleTreeRoundTrip(t *testing.T) {
	a := newArena(t)
	for _, mt := range []tree{
		buildTree(t, a, 1),
		buildTree(t, a, 3, 6),
		buildTree(t, a, 8, 0, 17, 100, 255),
	} {
		back := roundTrip(t, a, mt)
		assert.Equal(t, mt.Height(), back.Height())
		assert.Equal(t, root(t, mt), root(t, back))
	}

	collapsed, err := buildTree(t, a, 6, 1, 2, 3, 40).Collapse(0, 31)
	require.NoError(t, err)
	back := roundTrip(t, a, collapsed)
	_, _, _, err = back.Index(2)
	assert.ErrorIs(t, err, collections.ErrCollapsedIndex)

	t.Run("tampered leaf hash", func(t *testing.T) {
		mt := buildTree(t, a, 3, 1, 2)
		data, err := arena.Serialize(arena.Alloc(a, mt))
		require.NoError(t, err)
		h := collections.LeafHash(leafValue(2))
		at := bytes.Index(data, h[:])
		require.Positive(t, at)
		data[at] ^= 0xff
		_, err = arena.Deserialize[tree](newArena(t), data)
		assert.Error(t, err)
	})
}

type rawWireNode struct {
	_        struct{} `cbor:",toarray"`
	Children []uint64
	Data     []byte
}

type rawWire struct {
	_     struct{} `cbor:",toarray"`
	Nodes []rawWireNode
}

// encodeTree builds the wire form of a tree from hand-written nodes, listed
// children first with the tree itself last.
func encodeTree(t *testing.T, nodes ...rawWireNode) []byte {
	t.Helper()
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	require.NoError(t, err)
	body, err := em.Marshal(rawWire{Nodes: nodes})
	require.NoError(t, err)
	return append([]byte(arena.WirePrefix+tree{}.Tag()+":"), body...)
}

func treeNodeData(kind, height uint8, hash collections.Digest) []byte {
	data := []byte{kind, height}
	if kind == 0 {
		return data
	}
	return append(data, hash[:]...)
}

func TestMerkleTreeRejectsNonCanonical(t *testing.T) {
	const (
		stub uint8 = iota
		leaf
		collapsed
		branch
	)
	var zero collections.Digest
	h0, h1 := collections.LeafHash(leafValue(0)), collections.LeafHash(leafValue(1))
	aux := rawWireNode{Data: arena.EncodeNode(arena.U64(0)).Data}
	top := func(height uint8, child uint64) rawWireNode {
		return rawWireNode{Children: []uint64{child}, Data: []byte{height}}
	}
	combined := func(l, r collections.Digest) collections.Digest {
		c := buildTree(t, newArena(t), 1)
		c, err := c.UpdateHash(0, l, 0)
		require.NoError(t, err)
		c, err = c.UpdateHash(1, r, 0)
		require.NoError(t, err)
		return root(t, c)
	}

	t.Run("hand built encoding matches", func(t *testing.T) {
		a := newArena(t)
		data, err := arena.Serialize(arena.Alloc(a, buildTree(t, a, 1, 0)))
		require.NoError(t, err)
		assert.Equal(t, data, encodeTree(t,
			aux,
			rawWireNode{Children: []uint64{0}, Data: treeNodeData(leaf, 0, h0)},
			rawWireNode{Data: treeNodeData(stub, 0, zero)},
			rawWireNode{Children: []uint64{1, 2}, Data: treeNodeData(branch, 1, combined(h0, zero))},
			top(1, 3),
		))
		_, err = arena.Deserialize[tree](newArena(t), data)
		require.NoError(t, err)
	})

	for _, tc := range []struct {
		name  string
		nodes []rawWireNode
	}{
		{
			name: "branch over two stubs",
			nodes: []rawWireNode{
				{Data: treeNodeData(stub, 0, zero)},
				{Children: []uint64{0, 0}, Data: treeNodeData(branch, 1, zero)},
				top(1, 1),
			},
		},
		{
			name: "branch over two collapsed nodes",
			nodes: []rawWireNode{
				{Data: treeNodeData(collapsed, 0, h0)},
				{Data: treeNodeData(collapsed, 0, h1)},
				{Children: []uint64{0, 1}, Data: treeNodeData(branch, 1, combined(h0, h1))},
				top(1, 2),
			},
		},
		{
			name: "branch hash mismatch",
			nodes: []rawWireNode{
				aux,
				{Children: []uint64{0}, Data: treeNodeData(leaf, 0, h0)},
				{Data: treeNodeData(stub, 0, zero)},
				{Children: []uint64{1, 2}, Data: treeNodeData(branch, 1, h1)},
				top(1, 3),
			},
		},
		{
			name: "branch over a child of the wrong height",
			nodes: []rawWireNode{
				{Data: treeNodeData(stub, 0, zero)},
				{Data: treeNodeData(collapsed, 1, h0)},
				{Children: []uint64{0, 1}, Data: treeNodeData(branch, 2, combined(zero, h0))},
				top(2, 2),
			},
		},
		{
			name: "leaf above height zero",
			nodes: []rawWireNode{
				aux,
				{Children: []uint64{0}, Data: treeNodeData(leaf, 1, h0)},
				top(1, 1),
			},
		},
		{
			name: "branch at height zero",
			nodes: []rawWireNode{
				{Data: treeNodeData(stub, 0, zero)},
				{Data: treeNodeData(collapsed, 0, h0)},
				{Children: []uint64{0, 1}, Data: treeNodeData(branch, 0, h0)},
				top(1, 2),
			},
		},
		{
			name: "root height differs from the tree",
			nodes: []rawWireNode{
				{Data: treeNodeData(stub, 2, zero)},
				top(1, 0),
			},
		},
		{
			name: "unknown node kind",
			nodes: []rawWireNode{
				{Data: treeNodeData(7, 1, h0)},
				top(1, 0),
			},
		},
		{
			name: "tree height zero",
			nodes: []rawWireNode{
				{Data: treeNodeData(stub, 0, zero)},
				top(0, 0),
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := arena.Deserialize[tree](newArena(t), encodeTree(t, tc.nodes...))
			assert.Error(t, err)
		})
	}
}
