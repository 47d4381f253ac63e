package mpt

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
)

// Kind is the discriminant of a trie node.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindLeaf
	KindBranch
	KindExtension
	KindMidBranchLeaf
)

var kindNames = [...]string{
	KindEmpty:         "empty",
	KindLeaf:          "leaf",
	KindBranch:        "branch",
	KindExtension:     "extension",
	KindMidBranchLeaf: "mid-branch-leaf",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MaxExtension is the longest nibble path a single extension node holds.
// Longer paths are chained, full chunks first.
const MaxExtension = 255

// Node is one node of a trie. Which fields are set depends on Kind:
//
//	Leaf:          Value
//	Branch:        Slots (nil for empty slots, at least two set)
//	Extension:     Path (1..MaxExtension nibbles), Child
//	MidBranchLeaf: Value stored at this path, Child (a branch or extension)
//
// Size is the number of values below the node, the node's own included.
type Node[V arena.Storable[V]] struct {
	Kind     Kind
	Size     uint64
	Value    *arena.Sp[V]
	Slots    [16]*arena.Sp[Node[V]]
	Path     []byte
	Child    *arena.Sp[Node[V]]
}

func (Node[V]) Tag() string {
	return "mpt-node(" + arena.TagOf[V]() + ")"
}

func (n Node[V]) mask() uint16 {
	var m uint16
	for i, c := range n.Slots {
		if c != nil {
			m |= 1 << i
		}
	}
	return m
}

func (n Node[V]) Children() []arena.Key {
	switch n.Kind {
	case KindLeaf:
		return []arena.Key{n.Value.Key()}
	case KindBranch:
		keys := make([]arena.Key, 0, 16)
		for _, c := range n.Slots {
			if c != nil {
				keys = append(keys, c.Key())
			}
		}
		return keys
	case KindExtension:
		return []arena.Key{n.Child.Key()}
	case KindMidBranchLeaf:
		return []arena.Key{n.Value.Key(), n.Child.Key()}
	}
	return nil
}

func (n Node[V]) ToBinaryRepr(w *arena.Writer) {
	w.WriteU8(uint8(n.Kind))
	if n.Kind == KindEmpty {
		return
	}
	w.WriteU64(n.Size)
	switch n.Kind {
	case KindBranch:
		w.WriteU16(n.mask())
	case KindExtension:
		w.WriteU8(uint8(len(n.Path)))
		w.WriteRaw(packNibbles(n.Path))
	}
}

func (Node[V]) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (Node[V], error) {
	var n Node[V]
	kind, err := r.ReadU8()
	if err != nil {
		return n, err
	}
	n.Kind = Kind(kind)
	if n.Kind == KindEmpty {
		return n, nil
	}
	if n.Size, err = r.ReadU64(); err != nil {
		return n, err
	}

	switch n.Kind {
	case KindLeaf:
		n.Value, err = arena.GetNext[V](l, it)
	case KindBranch:
		var m uint16
		if m, err = r.ReadU16(); err != nil {
			return n, err
		}
		if bits.OnesCount16(m) < 2 {
			return n, fmt.Errorf("%w: branch with %d children", arena.ErrDeserialization, bits.OnesCount16(m))
		}
		for i := range n.Slots {
			if m&(1<<i) == 0 {
				continue
			}
			if n.Slots[i], err = arena.GetNext[Node[V]](l, it); err != nil {
				return n, err
			}
		}
	case KindExtension:
		var length uint8
		if length, err = r.ReadU8(); err != nil {
			return n, err
		}
		if length == 0 {
			return n, fmt.Errorf("%w: empty extension", arena.ErrDeserialization)
		}
		var packed []byte
		if packed, err = r.ReadRaw((int(length) + 1) / 2); err != nil {
			return n, err
		}
		if n.Path, err = unpackNibbles(packed, int(length)); err != nil {
			return n, err
		}
		n.Child, err = arena.GetNext[Node[V]](l, it)
	case KindMidBranchLeaf:
		if n.Value, err = arena.GetNext[V](l, it); err != nil {
			return n, err
		}
		n.Child, err = arena.GetNext[Node[V]](l, it)
	default:
		return n, fmt.Errorf("%w: trie node kind %d", arena.ErrUnknownTag, kind)
	}
	return n, err
}

// CheckInvariant verifies that the node is in canonical form and that its
// size matches its children. Children that are not resident are trusted.
func (n Node[V]) CheckInvariant() error {
	switch n.Kind {
	case KindEmpty:
		return nil
	case KindLeaf:
		if n.Size != 1 {
			return fmt.Errorf("leaf size %d", n.Size)
		}
		return nil
	case KindBranch:
		var sum uint64
		for i, c := range n.Slots {
			if c == nil {
				continue
			}
			cn := c.Peek()
			if cn == nil {
				return nil
			}
			if cn.Kind == KindEmpty {
				return fmt.Errorf("branch slot %d holds an empty node", i)
			}
			sum += cn.Size
		}
		if sum != n.Size {
			return fmt.Errorf("branch size %d, children hold %d", n.Size, sum)
		}
	case KindExtension:
		cn := n.Child.Peek()
		if cn == nil {
			return nil
		}
		switch {
		case cn.Kind == KindEmpty:
			return errors.New("extension to an empty node")
		case cn.Kind == KindExtension && len(n.Path) != MaxExtension:
			return fmt.Errorf("extension of %d nibbles followed by another extension", len(n.Path))
		}
		if cn.Size != n.Size {
			return fmt.Errorf("extension size %d, child holds %d", n.Size, cn.Size)
		}
	case KindMidBranchLeaf:
		cn := n.Child.Peek()
		if cn == nil {
			return nil
		}
		if cn.Kind != KindBranch && cn.Kind != KindExtension {
			return fmt.Errorf("mid-branch leaf over a %s", cn.Kind)
		}
		if cn.Size+1 != n.Size {
			return fmt.Errorf("mid-branch leaf size %d, child holds %d", n.Size, cn.Size)
		}
	}
	return nil
}

// packNibbles packs two nibbles per byte, high nibble first. An odd
// trailing nibble leaves the low half of the last byte zero.
func packNibbles(nibbles []byte) []byte {
	out := make([]byte, (len(nibbles)+1)/2)
	for i, nb := range nibbles {
		if i%2 == 0 {
			out[i/2] |= nb << 4
		} else {
			out[i/2] |= nb
		}
	}
	return out
}

func unpackNibbles(packed []byte, n int) ([]byte, error) {
	if n%2 == 1 && packed[len(packed)-1]&0x0f != 0 {
		return nil, fmt.Errorf("%w: padding nibble set", arena.ErrDeserialization)
	}
	out := make([]byte, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = packed[i/2] >> 4
		} else {
			out[i] = packed[i/2] & 0x0f
		}
	}
	return out, nil
}
