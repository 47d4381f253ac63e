package collections

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
)

// MaxTreeHeight is the tallest bounded Merkle tree.
const MaxTreeHeight = 32

var (
	// ErrInvalidHeight indicates a tree height outside 1..MaxTreeHeight
	ErrInvalidHeight = errors.New("invalid merkle tree height")

	// ErrInvalidIndex indicates a leaf index outside the tree or without a leaf
	ErrInvalidIndex = errors.New("invalid merkle tree index")

	// ErrCollapsedIndex indicates access to a collapsed part of the tree
	ErrCollapsedIndex = errors.New("merkle tree index collapsed")
)

// leafDomain separates leaf hashes from interior hashes.
var leafDomain = []byte("mdn:lh")

// Digest is a leaf or interior hash of a Merkle tree.
type Digest [sha256.Size]byte

func (d Digest) IsZero() bool {
	return d == Digest{}
}

// LeafHash returns the hash a leaf holding value contributes to the tree.
func LeafHash(value []byte) Digest {
	h := sha256.New()
	h.Write(leafDomain)
	h.Write(value)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// combine hashes two siblings. Empty subtrees hash to zero at every height,
// so a branch over two empty halves is itself zero.
func combine(left, right Digest) Digest {
	if left.IsZero() && right.IsZero() {
		return Digest{}
	}
	var buf [2 * sha256.Size]byte
	copy(buf[:], left[:])
	copy(buf[sha256.Size:], right[:])
	return sha256.Sum256(buf[:])
}

type treeKind uint8

const (
	treeStub treeKind = iota
	treeLeaf
	treeCollapsed
	treeBranch
)

// treeNode is a node of a bounded Merkle tree. A stub is an untouched
// subtree with no leaves; a collapsed node keeps only the hash of a
// subtree that can no longer be updated.
type treeNode[A arena.Storable[A]] struct {
	kind   treeKind
	height uint8
	hash   Digest
	aux    *arena.Sp[A]
	left   *arena.Sp[treeNode[A]]
	right  *arena.Sp[treeNode[A]]
}

func (treeNode[A]) Tag() string {
	return "merkle-tree-node[v1](" + arena.TagOf[A]() + ")"
}

func (n treeNode[A]) Children() []arena.Key {
	switch n.kind {
	case treeLeaf:
		return []arena.Key{n.aux.Key()}
	case treeBranch:
		return []arena.Key{n.left.Key(), n.right.Key()}
	}
	return nil
}

func (n treeNode[A]) ToBinaryRepr(w *arena.Writer) {
	w.WriteU8(uint8(n.kind))
	w.WriteU8(n.height)
	if n.kind != treeStub {
		w.WriteRaw(n.hash[:])
	}
}

func (treeNode[A]) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (treeNode[A], error) {
	var n treeNode[A]
	kind, err := r.ReadU8()
	if err != nil {
		return n, err
	}
	n.kind = treeKind(kind)
	if n.height, err = r.ReadU8(); err != nil {
		return n, err
	}
	if n.height > MaxTreeHeight {
		return n, fmt.Errorf("%w: %d", ErrInvalidHeight, n.height)
	}
	switch n.kind {
	case treeStub:
		return n, nil
	case treeLeaf, treeCollapsed, treeBranch:
	default:
		return n, fmt.Errorf("%w: merkle tree node kind %d", arena.ErrUnknownTag, kind)
	}
	raw, err := r.ReadRaw(sha256.Size)
	if err != nil {
		return n, err
	}
	copy(n.hash[:], raw)

	switch n.kind {
	case treeLeaf:
		if n.height != 0 {
			return n, fmt.Errorf("%w: leaf at height %d", arena.ErrDeserialization, n.height)
		}
		n.aux, err = arena.GetNext[A](l, it)
	case treeBranch:
		if n.height == 0 {
			return n, fmt.Errorf("%w: branch at height 0", arena.ErrDeserialization)
		}
		if n.left, err = arena.GetNext[treeNode[A]](l, it); err != nil {
			return n, err
		}
		n.right, err = arena.GetNext[treeNode[A]](l, it)
	}
	return n, err
}

// CheckInvariant verifies branch heights, shape and hashes against
// resident children.
func (n treeNode[A]) CheckInvariant() error {
	if n.kind != treeBranch {
		return nil
	}
	l, r := n.left.Peek(), n.right.Peek()
	if l == nil || r == nil {
		return nil
	}
	if l.height+1 != n.height || r.height+1 != n.height {
		return fmt.Errorf("branch at height %d over heights %d and %d", n.height, l.height, r.height)
	}
	// Builders fold these shapes into a single stub or collapsed node.
	switch {
	case l.kind == treeStub && r.kind == treeStub:
		return fmt.Errorf("branch at height %d over two stubs", n.height)
	case l.kind == treeCollapsed && r.kind == treeCollapsed:
		return fmt.Errorf("branch at height %d over two collapsed nodes", n.height)
	}
	if combine(l.root(), r.root()) != n.hash {
		return errors.New("branch hash does not match its children")
	}
	return nil
}

func (n treeNode[A]) root() Digest {
	return n.hash
}

type treeBuilder[A arena.Storable[A]] struct {
	a *arena.Arena
}

func (b treeBuilder[A]) stub(height uint8) *arena.Sp[treeNode[A]] {
	return arena.Alloc(b.a, treeNode[A]{kind: treeStub, height: height})
}

func (b treeBuilder[A]) collapsed(height uint8, hash Digest) *arena.Sp[treeNode[A]] {
	return arena.Alloc(b.a, treeNode[A]{kind: treeCollapsed, height: height, hash: hash})
}

func (b treeBuilder[A]) branch(height uint8, left, right *arena.Sp[treeNode[A]]) (*arena.Sp[treeNode[A]], error) {
	l, err := left.Get()
	if err != nil {
		return nil, err
	}
	r, err := right.Get()
	if err != nil {
		return nil, err
	}
	return arena.Alloc(b.a, treeNode[A]{
		kind:   treeBranch,
		height: height,
		hash:   combine(l.root(), r.root()),
		left:   left,
		right:  right,
	}), nil
}

// split returns the halves of a stub or branch.
func (b treeBuilder[A]) split(n treeNode[A]) (left, right *arena.Sp[treeNode[A]]) {
	if n.kind == treeStub {
		s := b.stub(n.height - 1)
		return s, s
	}
	return n.left, n.right
}

func (b treeBuilder[A]) update(sp *arena.Sp[treeNode[A]], index uint64, hash Digest, aux *arena.Sp[A]) (*arena.Sp[treeNode[A]], error) {
	n, err := sp.Get()
	if err != nil {
		return nil, err
	}
	if n.kind == treeCollapsed {
		return nil, fmt.Errorf("%w: %d at height %d", ErrCollapsedIndex, index, n.height)
	}
	if n.height == 0 {
		return arena.Alloc(b.a, treeNode[A]{kind: treeLeaf, hash: hash, aux: aux}), nil
	}
	left, right := b.split(n)
	half := uint64(1) << (n.height - 1)
	if index < half {
		left, err = b.update(left, index, hash, aux)
	} else {
		right, err = b.update(right, index-half, hash, aux)
	}
	if err != nil {
		return nil, err
	}
	return b.branch(n.height, left, right)
}

// collapse replaces the leaves in [start, end], relative to sp, by hashes.
func (b treeBuilder[A]) collapse(sp *arena.Sp[treeNode[A]], start, end uint64) (*arena.Sp[treeNode[A]], error) {
	n, err := sp.Get()
	if err != nil {
		return nil, err
	}
	switch {
	case n.kind == treeCollapsed:
		return sp, nil
	case n.kind == treeLeaf:
		return b.collapsed(0, n.hash), nil
	case start == 0 && end == (uint64(1)<<n.height)-1:
		return b.collapsed(n.height, n.root()), nil
	}

	left, right := b.split(n)
	half := uint64(1) << (n.height - 1)
	if start < half {
		if left, err = b.collapse(left, start, min(end, half-1)); err != nil {
			return nil, err
		}
	}
	if end >= half {
		if right, err = b.collapse(right, max(start, half)-half, end-half); err != nil {
			return nil, err
		}
	}
	l, err := left.Get()
	if err != nil {
		return nil, err
	}
	r, err := right.Get()
	if err != nil {
		return nil, err
	}
	if l.kind == treeCollapsed && r.kind == treeCollapsed {
		return b.collapsed(n.height, n.root()), nil
	}
	return b.branch(n.height, left, right)
}

// MerkleTree is a binary Merkle tree of fixed height whose leaves carry
// auxiliary data of type A. It is indexed like an array of length
// 2^height.
type MerkleTree[A arena.Storable[A]] struct {
	height uint8
	root   *arena.Sp[treeNode[A]]
}

// NewMerkleTree returns an empty tree of the given height.
func NewMerkleTree[A arena.Storable[A]](a *arena.Arena, height uint8) (MerkleTree[A], error) {
	if height == 0 || height > MaxTreeHeight {
		return MerkleTree[A]{}, fmt.Errorf("%w: %d", ErrInvalidHeight, height)
	}
	return MerkleTree[A]{height: height, root: treeBuilder[A]{a: a}.stub(height)}, nil
}

func (MerkleTree[A]) Tag() string {
	return "merkle-tree[v1](" + arena.TagOf[A]() + ")"
}

func (t MerkleTree[A]) Children() []arena.Key {
	return []arena.Key{t.root.Key()}
}

func (t MerkleTree[A]) ToBinaryRepr(w *arena.Writer) {
	w.WriteU8(t.height)
}

func (MerkleTree[A]) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (MerkleTree[A], error) {
	var t MerkleTree[A]
	var err error
	if t.height, err = r.ReadU8(); err != nil {
		return t, err
	}
	if t.height == 0 || t.height > MaxTreeHeight {
		return t, fmt.Errorf("%w: %d", ErrInvalidHeight, t.height)
	}
	t.root, err = arena.GetNext[treeNode[A]](l, it)
	return t, err
}

func (t MerkleTree[A]) CheckInvariant() error {
	if n := t.root.Peek(); n != nil && n.height != t.height {
		return fmt.Errorf("tree of height %d over a root of height %d", t.height, n.height)
	}
	return nil
}

func (t MerkleTree[A]) builder() treeBuilder[A] {
	return treeBuilder[A]{a: t.root.Arena()}
}

// Height returns the height of the tree.
func (t MerkleTree[A]) Height() uint8 {
	return t.height
}

// Key returns the arena key of the root node.
func (t MerkleTree[A]) Key() arena.Key {
	return t.root.Key()
}

// Equal reports whether both trees have the same shape and leaves.
func (t MerkleTree[A]) Equal(other MerkleTree[A]) bool {
	return t.height == other.height && t.root.Equal(other.root)
}

// Root returns the Merkle root. An empty tree has the zero root.
func (t MerkleTree[A]) Root() (Digest, error) {
	n, err := t.root.Get()
	if err != nil {
		return Digest{}, err
	}
	return n.root(), nil
}

func (t MerkleTree[A]) checkIndex(i uint64) error {
	if i >= uint64(1)<<t.height {
		return fmt.Errorf("%w: %d in tree of height %d", ErrInvalidIndex, i, t.height)
	}
	return nil
}

// Update stores value at index.
func (t MerkleTree[A]) Update(index uint64, value []byte, aux A) (MerkleTree[A], error) {
	return t.UpdateHash(index, LeafHash(value), aux)
}

// UpdateHash stores an already hashed leaf at index.
func (t MerkleTree[A]) UpdateHash(index uint64, hash Digest, aux A) (MerkleTree[A], error) {
	if err := t.checkIndex(index); err != nil {
		return t, err
	}
	b := t.builder()
	root, err := b.update(t.root, index, hash, arena.Alloc(b.a, aux))
	if err != nil {
		return t, err
	}
	return MerkleTree[A]{height: t.height, root: root}, nil
}

// Index returns the leaf hash and auxiliary data at index. ok is false for
// an index that was never updated.
func (t MerkleTree[A]) Index(index uint64) (hash Digest, aux *arena.Sp[A], ok bool, err error) {
	if err := t.checkIndex(index); err != nil {
		return Digest{}, nil, false, err
	}
	sp := t.root
	for {
		n, err := sp.Get()
		if err != nil {
			return Digest{}, nil, false, err
		}
		switch n.kind {
		case treeStub:
			return Digest{}, nil, false, nil
		case treeLeaf:
			return n.hash, n.aux, true, nil
		case treeCollapsed:
			return Digest{}, nil, false, fmt.Errorf("%w: %d", ErrCollapsedIndex, index)
		}
		half := uint64(1) << (n.height - 1)
		if index < half {
			sp = n.left
		} else {
			sp, index = n.right, index-half
		}
	}
}

// Collapse replaces the leaves from start to end, both inclusive, with
// their hashes. The root is unchanged; the range can no longer be updated
// or indexed.
func (t MerkleTree[A]) Collapse(start, end uint64) (MerkleTree[A], error) {
	if start > end {
		return t, fmt.Errorf("%w: range %d..%d", ErrInvalidIndex, start, end)
	}
	if err := t.checkIndex(end); err != nil {
		return t, err
	}
	root, err := t.builder().collapse(t.root, start, end)
	if err != nil {
		return t, err
	}
	return MerkleTree[A]{height: t.height, root: root}, nil
}

// TreeLeaf is a populated leaf of a MerkleTree.
type TreeLeaf[A arena.Storable[A]] struct {
	Index uint64
	Hash  Digest
	Aux   *arena.Sp[A]
}

// Leaves returns the populated, uncollapsed leaves in index order.
func (t MerkleTree[A]) Leaves() ([]TreeLeaf[A], error) {
	var out []TreeLeaf[A]
	var visit func(sp *arena.Sp[treeNode[A]], offset uint64) error
	visit = func(sp *arena.Sp[treeNode[A]], offset uint64) error {
		n, err := sp.Get()
		if err != nil {
			return err
		}
		switch n.kind {
		case treeLeaf:
			out = append(out, TreeLeaf[A]{Index: offset, Hash: n.hash, Aux: n.aux})
		case treeBranch:
			if err := visit(n.left, offset); err != nil {
				return err
			}
			return visit(n.right, offset+uint64(1)<<(n.height-1))
		}
		return nil
	}
	return out, visit(t.root, 0)
}

// PathEntry is one step of a MerklePath.
type PathEntry struct {
	Sibling  Digest
	GoesLeft bool
}

// MerklePath proves that a leaf is part of a tree. Entries run from the
// leaf up to the root.
type MerklePath struct {
	Leaf    Digest
	Entries []PathEntry
}

// Root returns the root the path commits to.
func (p MerklePath) Root() Digest {
	acc := p.Leaf
	for _, e := range p.Entries {
		if e.GoesLeft {
			acc = combine(acc, e.Sibling)
		} else {
			acc = combine(e.Sibling, acc)
		}
	}
	return acc
}

// Path returns the proof for the leaf at index.
func (t MerkleTree[A]) Path(index uint64) (MerklePath, error) {
	if err := t.checkIndex(index); err != nil {
		return MerklePath{}, err
	}
	var entries []PathEntry
	sp, i := t.root, index
	for {
		n, err := sp.Get()
		if err != nil {
			return MerklePath{}, err
		}
		switch n.kind {
		case treeStub:
			return MerklePath{}, fmt.Errorf("%w: no leaf at %d", ErrInvalidIndex, index)
		case treeCollapsed:
			return MerklePath{}, fmt.Errorf("%w: %d", ErrCollapsedIndex, index)
		case treeLeaf:
			for l, r := 0, len(entries)-1; l < r; l, r = l+1, r-1 {
				entries[l], entries[r] = entries[r], entries[l]
			}
			return MerklePath{Leaf: n.hash, Entries: entries}, nil
		}
		half := uint64(1) << (n.height - 1)
		goLeft := i < half
		next, sibling := n.left, n.right
		if !goLeft {
			next, sibling, i = n.right, n.left, i-half
		}
		s, err := sibling.Get()
		if err != nil {
			return MerklePath{}, err
		}
		entries = append(entries, PathEntry{Sibling: s.root(), GoesLeft: goLeft})
		sp = next
	}
}

// FindPath returns the proof for the first leaf holding value. It scans
// every leaf and suits small trees only.
func (t MerkleTree[A]) FindPath(value []byte) (MerklePath, bool, error) {
	want := LeafHash(value)
	leaves, err := t.Leaves()
	if err != nil {
		return MerklePath{}, false, err
	}
	for _, leaf := range leaves {
		if leaf.Hash == want {
			p, err := t.Path(leaf.Index)
			return p, err == nil, err
		}
	}
	return MerklePath{}, false, nil
}

// VerifyPath reports whether p leads to the root of t.
func (t MerkleTree[A]) VerifyPath(p MerklePath) (bool, error) {
	if len(p.Entries) != int(t.height) {
		return false, nil
	}
	root, err := t.Root()
	if err != nil {
		return false, err
	}
	return p.Root() == root, nil
}
