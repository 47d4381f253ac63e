// Package mpt implements a Merkle Patricia Trie whose nodes live in a
// storage arena.
//
// Paths are sequences of nibbles (values 0..15). The trie is canonical: the
// same set of paths and values yields the same root key regardless of the
// order of insertions and removals. Tries are persistent; every update
// returns a new trie sharing unchanged nodes with the old one.
package mpt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
)

var (
	// ErrInvalidNibble indicates a path element above 15
	ErrInvalidNibble = errors.New("invalid path nibble")

	// ErrOddNibbles indicates a nibble path that does not form whole bytes
	ErrOddNibbles = errors.New("odd number of nibbles")
)

// Trie maps nibble paths to values.
type Trie[V arena.Storable[V]] struct {
	root *arena.Sp[Node[V]]
}

// New returns an empty trie allocated in a.
func New[V arena.Storable[V]](a *arena.Arena) Trie[V] {
	return Trie[V]{root: arena.Alloc(a, Node[V]{Kind: KindEmpty})}
}

// FromRoot wraps an existing root node.
func FromRoot[V arena.Storable[V]](root *arena.Sp[Node[V]]) Trie[V] {
	return Trie[V]{root: root}
}

func (Trie[V]) Tag() string {
	return "mpt(" + arena.TagOf[V]() + ")"
}

func (t Trie[V]) Children() []arena.Key {
	return []arena.Key{t.root.Key()}
}

func (Trie[V]) ToBinaryRepr(*arena.Writer) {}

func (Trie[V]) FromBinaryRepr(_ *arena.Reader, it *arena.ChildIter, l arena.Loader) (Trie[V], error) {
	root, err := arena.GetNext[Node[V]](l, it)
	if err != nil {
		return Trie[V]{}, err
	}
	return Trie[V]{root: root}, nil
}

// Root returns the root node pointer.
func (t Trie[V]) Root() *arena.Sp[Node[V]] {
	return t.root
}

// Key returns the key of the root node, which commits to the whole content.
func (t Trie[V]) Key() arena.Key {
	return t.root.Key()
}

func (t Trie[V]) arena() *arena.Arena {
	return t.root.Arena()
}

// Equal reports whether both tries hold the same content.
func (t Trie[V]) Equal(other Trie[V]) bool {
	return t.root.Equal(other.root)
}

// Size returns the number of values in the trie.
func (t Trie[V]) Size() (uint64, error) {
	n, err := t.root.Get()
	if err != nil {
		return 0, err
	}
	return n.Size, nil
}

// IsEmpty reports whether the trie holds no values.
func (t Trie[V]) IsEmpty() (bool, error) {
	n, err := t.root.Get()
	if err != nil {
		return false, err
	}
	return n.Kind == KindEmpty, nil
}

// Insert stores v under path, replacing any previous value.
func (t Trie[V]) Insert(path []byte, v V) (Trie[V], error) {
	return t.InsertSp(path, arena.Alloc(t.arena(), v))
}

// InsertSp stores an already allocated value under path.
func (t Trie[V]) InsertSp(path []byte, v *arena.Sp[V]) (Trie[V], error) {
	if err := checkNibbles(path); err != nil {
		return t, err
	}
	b := builder[V]{a: t.arena()}
	root, err := b.insert(t.root, path, v)
	if err != nil {
		return t, err
	}
	return Trie[V]{root: root}, nil
}

// Remove deletes the value under path. Removing an absent path returns the
// trie unchanged.
func (t Trie[V]) Remove(path []byte) (Trie[V], error) {
	if err := checkNibbles(path); err != nil {
		return t, err
	}
	b := builder[V]{a: t.arena()}
	root, _, err := b.remove(t.root, path)
	if err != nil {
		return t, err
	}
	return Trie[V]{root: root}, nil
}

// LookupSp returns the pointer stored under path, nil if there is none.
func (t Trie[V]) LookupSp(path []byte) (*arena.Sp[V], error) {
	sp := t.root
	for {
		n, err := sp.Get()
		if err != nil {
			return nil, err
		}
		switch n.Kind {
		case KindEmpty:
			return nil, nil
		case KindLeaf:
			if len(path) == 0 {
				return n.Value, nil
			}
			return nil, nil
		case KindBranch:
			if len(path) == 0 || path[0] > 15 || n.Slots[path[0]] == nil {
				return nil, nil
			}
			sp, path = n.Slots[path[0]], path[1:]
		case KindExtension:
			if !bytes.HasPrefix(path, n.Path) {
				return nil, nil
			}
			sp, path = n.Child, path[len(n.Path):]
		case KindMidBranchLeaf:
			if len(path) == 0 {
				return n.Value, nil
			}
			sp = n.Child
		default:
			return nil, fmt.Errorf("%w: trie node kind %d", arena.ErrUnknownTag, n.Kind)
		}
	}
}

// Lookup returns the value stored under path.
func (t Trie[V]) Lookup(path []byte) (V, bool, error) {
	var zero V
	sp, err := t.LookupSp(path)
	if err != nil || sp == nil {
		return zero, false, err
	}
	v, err := sp.Get()
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Entry is one path and value of a trie.
type Entry[V arena.Storable[V]] struct {
	Path  []byte
	Value *arena.Sp[V]
}

// Walk calls fn for every entry in path order; a path comes before the
// paths it prefixes. Returning an error from fn stops the walk.
func (t Trie[V]) Walk(fn func(path []byte, v *arena.Sp[V]) error) error {
	return walk(t.root, nil, fn)
}

func walk[V arena.Storable[V]](sp *arena.Sp[Node[V]], prefix []byte, fn func([]byte, *arena.Sp[V]) error) error {
	n, err := sp.Get()
	if err != nil {
		return err
	}
	switch n.Kind {
	case KindLeaf:
		return fn(bytes.Clone(prefix), n.Value)
	case KindBranch:
		for i, c := range n.Slots {
			if c == nil {
				continue
			}
			if err := walk(c, append(prefix, byte(i)), fn); err != nil {
				return err
			}
		}
	case KindExtension:
		return walk(n.Child, append(prefix, n.Path...), fn)
	case KindMidBranchLeaf:
		if err := fn(bytes.Clone(prefix), n.Value); err != nil {
			return err
		}
		return walk(n.Child, prefix, fn)
	}
	return nil
}

// Entries returns every entry in path order.
func (t Trie[V]) Entries() ([]Entry[V], error) {
	var out []Entry[V]
	err := t.Walk(func(path []byte, v *arena.Sp[V]) error {
		out = append(out, Entry[V]{Path: path, Value: v})
		return nil
	})
	return out, err
}

// ToNibbles splits each byte into its high and low nibble.
func ToNibbles(b []byte) []byte {
	out := make([]byte, 0, 2*len(b))
	for _, c := range b {
		out = append(out, c>>4, c&0x0f)
	}
	return out
}

// FromNibbles joins pairs of nibbles back into bytes.
func FromNibbles(nibbles []byte) ([]byte, error) {
	if len(nibbles)%2 != 0 {
		return nil, ErrOddNibbles
	}
	if err := checkNibbles(nibbles); err != nil {
		return nil, err
	}
	out := make([]byte, len(nibbles)/2)
	for i := range out {
		out[i] = nibbles[2*i]<<4 | nibbles[2*i+1]
	}
	return out, nil
}

func checkNibbles(path []byte) error {
	for i, nb := range path {
		if nb > 15 {
			return fmt.Errorf("%w: %d at position %d", ErrInvalidNibble, nb, i)
		}
	}
	return nil
}
