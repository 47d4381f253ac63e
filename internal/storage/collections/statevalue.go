package collections

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
)

// CellBound is the largest cell payload, 32 KiB.
const CellBound = 1 << 15

// ErrCellTooLarge indicates a cell over CellBound
var ErrCellTooLarge = errors.New("cell exceeds size bound")

// StateKind is the discriminant of a StateValue.
type StateKind uint8

const (
	StateNull StateKind = iota
	StateCell
	StateMap
	StateArray
	StateBoundedMerkleTree
)

func (k StateKind) String() string {
	switch k {
	case StateNull:
		return "null"
	case StateCell:
		return "cell"
	case StateMap:
		return "map"
	case StateArray:
		return "array"
	case StateBoundedMerkleTree:
		return "bounded-merkle-tree"
	}
	return fmt.Sprintf("StateKind(%d)", uint8(k))
}

// ValueMap is the map shape held by a StateValue.
type ValueMap = HashMap[arena.Bytes, StateValue]

// StateValue is the value of a piece of contract state. It is exactly one
// of null, a cell of bytes, a map from byte strings to state values, an
// array of state values or a bounded Merkle tree. The zero value is null.
type StateValue struct {
	kind StateKind
	cell *arena.Sp[arena.Bytes]
	m    ValueMap
	arr  Array[StateValue]
	tree MerkleTree[arena.Unit]
}

// Null returns the null state value.
func Null() StateValue {
	return StateValue{}
}

// NewCell returns a cell holding data.
func NewCell(a *arena.Arena, data []byte) (StateValue, error) {
	if len(data) > CellBound {
		return StateValue{}, fmt.Errorf("%w: %d bytes", ErrCellTooLarge, len(data))
	}
	return StateValue{kind: StateCell, cell: arena.Alloc(a, arena.Bytes(data))}, nil
}

// NewStateMap returns a state value holding m.
func NewStateMap(m ValueMap) StateValue {
	return StateValue{kind: StateMap, m: m}
}

// NewStateArray returns a state value holding arr.
func NewStateArray(arr Array[StateValue]) StateValue {
	return StateValue{kind: StateArray, arr: arr}
}

// NewStateTree returns a state value holding t.
func NewStateTree(t MerkleTree[arena.Unit]) StateValue {
	return StateValue{kind: StateBoundedMerkleTree, tree: t}
}

func (StateValue) Tag() string {
	return "impact-state-value[v2]"
}

func (v StateValue) Children() []arena.Key {
	switch v.kind {
	case StateCell:
		return []arena.Key{v.cell.Key()}
	case StateMap:
		return v.m.Children()
	case StateArray:
		return v.arr.Children()
	case StateBoundedMerkleTree:
		return v.tree.Children()
	}
	return nil
}

func (v StateValue) ToBinaryRepr(w *arena.Writer) {
	w.WriteU8(uint8(v.kind))
	switch v.kind {
	case StateMap:
		v.m.ToBinaryRepr(w)
	case StateArray:
		v.arr.ToBinaryRepr(w)
	case StateBoundedMerkleTree:
		v.tree.ToBinaryRepr(w)
	}
}

func (StateValue) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (StateValue, error) {
	kind, err := r.ReadU8()
	if err != nil {
		return StateValue{}, err
	}
	v := StateValue{kind: StateKind(kind)}
	switch v.kind {
	case StateNull:
	case StateCell:
		v.cell, err = arena.GetNext[arena.Bytes](l, it)
	case StateMap:
		v.m, err = ValueMap{}.FromBinaryRepr(r, it, l)
	case StateArray:
		v.arr, err = Array[StateValue]{}.FromBinaryRepr(r, it, l)
	case StateBoundedMerkleTree:
		v.tree, err = MerkleTree[arena.Unit]{}.FromBinaryRepr(r, it, l)
	default:
		return StateValue{}, fmt.Errorf("%w: state value kind %d", arena.ErrUnknownTag, kind)
	}
	return v, err
}

// CheckInvariant enforces the cell bound and the invariants of the held
// container.
func (v StateValue) CheckInvariant() error {
	switch v.kind {
	case StateCell:
		if c := v.cell.Peek(); c != nil && len(*c) > CellBound {
			return fmt.Errorf("%w: %d bytes", ErrCellTooLarge, len(*c))
		}
	case StateMap:
		return v.m.CheckInvariant()
	case StateArray:
		return v.arr.CheckInvariant()
	case StateBoundedMerkleTree:
		return v.tree.CheckInvariant()
	}
	return nil
}

// Kind returns which variant v holds.
func (v StateValue) Kind() StateKind {
	return v.kind
}

// Cell returns the cell contents when v is a cell.
func (v StateValue) Cell() (*arena.Sp[arena.Bytes], bool) {
	return v.cell, v.kind == StateCell
}

// Map returns the map when v is a map.
func (v StateValue) Map() (ValueMap, bool) {
	return v.m, v.kind == StateMap
}

// Array returns the array when v is an array.
func (v StateValue) Array() (Array[StateValue], bool) {
	return v.arr, v.kind == StateArray
}

// Tree returns the Merkle tree when v is a bounded Merkle tree.
func (v StateValue) Tree() (MerkleTree[arena.Unit], bool) {
	return v.tree, v.kind == StateBoundedMerkleTree
}

// Equal reports whether both values have the same variant and content.
func (v StateValue) Equal(other StateValue) bool {
	return arena.EncodeNode(v).Key() == arena.EncodeNode(other).Key()
}

// LogSize is the base two logarithm of the size of v, rounded up: the cell
// length, map or array entry count, or the tree height.
func (v StateValue) LogSize() (int, error) {
	var n uint64
	switch v.kind {
	case StateNull:
		return 0, nil
	case StateCell:
		c, err := v.cell.Get()
		if err != nil {
			return 0, err
		}
		n = uint64(len(c))
	case StateMap:
		size, err := v.m.Size()
		if err != nil {
			return 0, err
		}
		n = size
	case StateArray:
		size, err := v.arr.Len()
		if err != nil {
			return 0, err
		}
		n = size
	case StateBoundedMerkleTree:
		return int(v.tree.Height()), nil
	}
	if n <= 1 {
		return 0, nil
	}
	return bits.Len64(n - 1), nil
}
