package arena

import (
	"fmt"
	"reflect"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
)

// Key identifies a node by the hash of its payload and children.
type Key = arenakey.Key

// MaxChildren is the largest number of children a single node may have.
const MaxChildren = 16

// Storable is implemented by every type that can live in the arena.
//
// A value is split into a payload (ToBinaryRepr) and an ordered list of
// child keys (Children), usually the keys of the Sp fields it holds.
// FromBinaryRepr rebuilds a value from a payload, pulling children from the
// iterator in the same order, resolved through the loader.
//
// Tag is called on the zero value and must not depend on its fields. It
// names the type and version of the payload layout; a layout change needs a
// new tag.
type Storable[T any] interface {
	Tag() string
	Children() []Key
	ToBinaryRepr(w *Writer)
	FromBinaryRepr(r *Reader, children *ChildIter, l Loader) (T, error)
}

// InvariantChecker is implemented by types with structural invariants that
// strict loaders verify after decoding untrusted input.
type InvariantChecker interface {
	CheckInvariant() error
}

// Node is the intermediate representation of a stored value: its payload
// and its ordered child keys.
type Node struct {
	Data     []byte
	Children []Key
}

// Key returns the content hash of the node.
func (n Node) Key() Key {
	return arenakey.Hash(n.Data, n.Children)
}

// EncodeNode splits v into its node representation.
func EncodeNode[T Storable[T]](v T) Node {
	children := v.Children()
	if len(children) > MaxChildren {
		panic(fmt.Sprintf("arena: %s has %d children, at most %d allowed",
			typeOf[T](), len(children), MaxChildren))
	}
	w := NewWriter()
	v.ToBinaryRepr(w)
	return Node{Data: w.Bytes(), Children: children}
}

// TagOf returns the tag of T.
func TagOf[T Storable[T]]() string {
	var zero T
	return zero.Tag()
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeFor[T]()
}

// decodeNode rebuilds a T from node, rejecting leftover payload bytes and
// unconsumed children.
func decodeNode[T Storable[T]](key Key, node Node, l Loader) (T, error) {
	var zero T
	r := NewReader(node.Data)
	it := newChildIter(node.Children)
	v, err := zero.FromBinaryRepr(r, it, l)
	if err != nil {
		return zero, newDecodeError(typeOf[T](), key, err)
	}
	if r.HasMore() {
		return zero, newDecodeError(typeOf[T](), key,
			fmt.Errorf("%w: %d trailing payload bytes", ErrDeserialization, r.Remaining()))
	}
	if it.Remaining() != 0 {
		return zero, newDecodeError(typeOf[T](), key,
			fmt.Errorf("%w: %d unconsumed children", ErrDeserialization, it.Remaining()))
	}
	if l.checksInvariants() {
		if ic, ok := any(v).(InvariantChecker); ok {
			if err := ic.CheckInvariant(); err != nil {
				return zero, newDecodeError(typeOf[T](), key, err)
			}
		}
	}
	return v, nil
}

// Unit carries no data.
type Unit struct{}

func (Unit) Tag() string { return "()" }
func (Unit) Children() []Key { return nil }
func (Unit) ToBinaryRepr(*Writer) {}
func (Unit) FromBinaryRepr(*Reader, *ChildIter, Loader) (Unit, error) {
	return Unit{}, nil
}

type Bool bool

func (Bool) Tag() string { return "bool" }
func (Bool) Children() []Key { return nil }
func (b Bool) ToBinaryRepr(w *Writer) { w.WriteBool(bool(b)) }
func (Bool) FromBinaryRepr(r *Reader, _ *ChildIter, _ Loader) (Bool, error) {
	v, err := r.ReadBool()
	return Bool(v), err
}

type U8 uint8

func (U8) Tag() string { return "u8" }
func (U8) Children() []Key { return nil }
func (v U8) ToBinaryRepr(w *Writer) { w.WriteU8(uint8(v)) }
func (U8) FromBinaryRepr(r *Reader, _ *ChildIter, _ Loader) (U8, error) {
	v, err := r.ReadU8()
	return U8(v), err
}

type U32 uint32

func (U32) Tag() string { return "u32" }
func (U32) Children() []Key { return nil }
func (v U32) ToBinaryRepr(w *Writer) { w.WriteU32(uint32(v)) }
func (U32) FromBinaryRepr(r *Reader, _ *ChildIter, _ Loader) (U32, error) {
	v, err := r.ReadU32()
	return U32(v), err
}

type U64 uint64

func (U64) Tag() string { return "u64" }
func (U64) Children() []Key { return nil }
func (v U64) ToBinaryRepr(w *Writer) { w.WriteU64(uint64(v)) }
func (U64) FromBinaryRepr(r *Reader, _ *ChildIter, _ Loader) (U64, error) {
	v, err := r.ReadU64()
	return U64(v), err
}

// Bytes is an opaque byte string.
type Bytes []byte

func (Bytes) Tag() string { return "bytes" }
func (Bytes) Children() []Key { return nil }
func (b Bytes) ToBinaryRepr(w *Writer) { w.WriteBytes(b) }
func (Bytes) FromBinaryRepr(r *Reader, _ *ChildIter, _ Loader) (Bytes, error) {
	v, err := r.ReadBytes()
	return Bytes(v), err
}

// Str is a UTF-8 string.
type Str string

func (Str) Tag() string { return "string" }
func (Str) Children() []Key { return nil }
func (s Str) ToBinaryRepr(w *Writer) { w.WriteString(string(s)) }
func (Str) FromBinaryRepr(r *Reader, _ *ChildIter, _ Loader) (Str, error) {
	v, err := r.ReadString()
	return Str(v), err
}

// Pair stores two values as separate children.
type Pair[A Storable[A], B Storable[B]] struct {
	First  *Sp[A]
	Second *Sp[B]
}

// NewPair allocates both halves in a and returns the pair.
func NewPair[A Storable[A], B Storable[B]](a *Arena, first A, second B) Pair[A, B] {
	return Pair[A, B]{First: Alloc(a, first), Second: Alloc(a, second)}
}

func (Pair[A, B]) Tag() string {
	return "(" + TagOf[A]() + "," + TagOf[B]() + ")"
}

func (p Pair[A, B]) Children() []Key {
	return []Key{p.First.Key(), p.Second.Key()}
}

func (Pair[A, B]) ToBinaryRepr(*Writer) {}

func (Pair[A, B]) FromBinaryRepr(_ *Reader, it *ChildIter, l Loader) (Pair[A, B], error) {
	first, err := GetNext[A](l, it)
	if err != nil {
		return Pair[A, B]{}, err
	}
	second, err := GetNext[B](l, it)
	if err != nil {
		return Pair[A, B]{}, err
	}
	return Pair[A, B]{First: first, Second: second}, nil
}
