// Package collections provides authenticated containers stored in an arena:
// arrays, maps, hash maps, hash sets, bounded Merkle trees and the closed set
// of contract state values built from them.
//
// All containers are persistent values. Updates return a new container and
// leave the receiver untouched; unchanged nodes are shared between the two.
// Equal contents give equal root keys.
package collections

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/mpt"
)

// ErrIndexOutOfRange indicates an array index at or past the length
var ErrIndexOutOfRange = errors.New("index out of range")

// Array is a growable sequence. Element i is stored in a trie under the
// big-endian nibbles of i with leading zeros dropped, so small arrays have
// short paths.
type Array[V arena.Storable[V]] struct {
	trie mpt.Trie[V]
}

// NewArray returns an empty array allocated in a.
func NewArray[V arena.Storable[V]](a *arena.Arena) Array[V] {
	return Array[V]{trie: mpt.New[V](a)}
}

// ArrayOf returns an array holding values in order.
func ArrayOf[V arena.Storable[V]](a *arena.Arena, values ...V) (Array[V], error) {
	arr := NewArray[V](a)
	for _, v := range values {
		var err error
		if arr, err = arr.Push(v); err != nil {
			return arr, err
		}
	}
	return arr, nil
}

func (Array[V]) Tag() string {
	return "mpt-array(" + arena.TagOf[V]() + ")"
}

func (arr Array[V]) Children() []arena.Key {
	return arr.trie.Children()
}

func (Array[V]) ToBinaryRepr(*arena.Writer) {}

func (Array[V]) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (Array[V], error) {
	t, err := mpt.Trie[V]{}.FromBinaryRepr(r, it, l)
	if err != nil {
		return Array[V]{}, err
	}
	return Array[V]{trie: t}, nil
}

// CheckInvariant verifies that every stored index is below the length.
func (arr Array[V]) CheckInvariant() error {
	n, err := arr.Len()
	if err != nil {
		return err
	}
	return arr.trie.Walk(func(path []byte, _ *arena.Sp[V]) error {
		i, err := nibblesToIndex(path)
		if err != nil {
			return err
		}
		if i >= n {
			return fmt.Errorf("array index %d with length %d", i, n)
		}
		return nil
	})
}

// Key returns the root key, which commits to the whole array.
func (arr Array[V]) Key() arena.Key {
	return arr.trie.Key()
}

// Equal reports whether both arrays hold the same elements.
func (arr Array[V]) Equal(other Array[V]) bool {
	return arr.trie.Equal(other.trie)
}

// Len returns the number of elements.
func (arr Array[V]) Len() (uint64, error) {
	return arr.trie.Size()
}

// IsEmpty reports whether the array has no elements.
func (arr Array[V]) IsEmpty() (bool, error) {
	return arr.trie.IsEmpty()
}

// GetSp returns the element at i, nil when i is out of range.
func (arr Array[V]) GetSp(i uint64) (*arena.Sp[V], error) {
	return arr.trie.LookupSp(indexToNibbles(i))
}

// Get returns the element at i. ok is false when i is out of range.
func (arr Array[V]) Get(i uint64) (v V, ok bool, err error) {
	return arr.trie.Lookup(indexToNibbles(i))
}

// Insert replaces the element at an existing index. ok is false, and the
// array returned unchanged, when i is out of range; use Push to grow.
func (arr Array[V]) Insert(i uint64, v V) (Array[V], bool, error) {
	n, err := arr.Len()
	if err != nil {
		return arr, false, err
	}
	if i >= n {
		return arr, false, nil
	}
	t, err := arr.trie.Insert(indexToNibbles(i), v)
	if err != nil {
		return arr, false, err
	}
	return Array[V]{trie: t}, true, nil
}

// Push appends v, growing the length by one.
func (arr Array[V]) Push(v V) (Array[V], error) {
	n, err := arr.Len()
	if err != nil {
		return arr, err
	}
	t, err := arr.trie.Insert(indexToNibbles(n), v)
	if err != nil {
		return arr, err
	}
	return Array[V]{trie: t}, nil
}

// Sps returns the element pointers in index order.
func (arr Array[V]) Sps() ([]*arena.Sp[V], error) {
	n, err := arr.Len()
	if err != nil {
		return nil, err
	}
	out := make([]*arena.Sp[V], n)
	err = arr.trie.Walk(func(path []byte, v *arena.Sp[V]) error {
		i, err := nibblesToIndex(path)
		if err != nil {
			return err
		}
		if i >= n {
			return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, n)
		}
		out[i] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if slices.Contains(out, nil) {
		return nil, fmt.Errorf("%w: array has holes", arena.ErrDeserialization)
	}
	return out, nil
}

// Values returns the elements in index order.
func (arr Array[V]) Values() ([]V, error) {
	sps, err := arr.Sps()
	if err != nil {
		return nil, err
	}
	out := make([]V, len(sps))
	for i, sp := range sps {
		if out[i], err = sp.Get(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func indexToNibbles(i uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], i)
	nibbles := mpt.ToNibbles(buf[:])
	for len(nibbles) > 0 && nibbles[0] == 0 {
		nibbles = nibbles[1:]
	}
	return nibbles
}

func nibblesToIndex(nibbles []byte) (uint64, error) {
	if len(nibbles) > 16 {
		return 0, fmt.Errorf("%w: array index of %d nibbles", arena.ErrDeserialization, len(nibbles))
	}
	if len(nibbles) > 0 && nibbles[0] == 0 {
		return 0, fmt.Errorf("%w: array index with leading zero", arena.ErrDeserialization)
	}
	var i uint64
	for _, nb := range nibbles {
		i = i<<4 | uint64(nb)
	}
	return i, nil
}
