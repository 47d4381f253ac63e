// Package delta tracks which arena nodes a ledger has already been charged
// for, and computes the bytes written and deleted when its state moves from
// one set of roots to another.
//
// Charged nodes are kept in an RcMap, itself a storable value, so the
// tracking state is versioned and persisted like any other state.
package delta

import (
	"errors"
	"fmt"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/collections"
)

var (
	// ErrNotCharged indicates a key that is not tracked by the RcMap
	ErrNotCharged = errors.New("key is not charged")
	// ErrStillReferenced indicates removal of a key with a non-zero count
	ErrStillReferenced = errors.New("key is still referenced")
)

// ChargedKey is an arena key used as a map key. It has no children, so
// holding one does not keep the node it names alive.
type ChargedKey arena.Key

func (ChargedKey) Tag() string { return "charged-key[v1]" }
func (ChargedKey) Children() []arena.Key { return nil }
func (k ChargedKey) ToBinaryRepr(w *arena.Writer) {
	w.WriteRaw(k[:])
}

func (ChargedKey) FromBinaryRepr(r *arena.Reader, _ *arena.ChildIter, _ arena.Loader) (ChargedKey, error) {
	raw, err := r.ReadRaw(arenakey.Size)
	if err != nil {
		return ChargedKey{}, err
	}
	var k ChargedKey
	copy(k[:], raw)
	return k, nil
}

// KeyRef holds a node alive without decoding it. Its only child is the key
// it names.
type KeyRef struct {
	Target arena.Key
}

func (KeyRef) Tag() string { return "keyref[v1]" }
func (r KeyRef) Children() []arena.Key { return []arena.Key{r.Target} }
func (KeyRef) ToBinaryRepr(*arena.Writer) {}

func (KeyRef) FromBinaryRepr(_ *arena.Reader, it *arena.ChildIter, _ arena.Loader) (KeyRef, error) {
	k, err := it.Next()
	if err != nil {
		return KeyRef{}, err
	}
	return KeyRef{Target: k}, nil
}

// RcMap counts, for every charged node, how many charged parents refer to
// it. Nodes with a count of at least one are kept by key only. Nodes with a
// count of zero are held through a KeyRef until they are collected, so the
// store cannot drop them before their deletion has been accounted for.
//
// A key is in at most one of the two maps.
type RcMap struct {
	counts collections.Map[ChargedKey, arena.U64]
	zero   collections.Map[ChargedKey, KeyRef]
	arena  *arena.Arena
}

// NewRcMap returns an empty RcMap allocated in a.
func NewRcMap(a *arena.Arena) RcMap {
	return RcMap{
		counts: collections.NewMap[ChargedKey, arena.U64](a),
		zero:   collections.NewMap[ChargedKey, KeyRef](a),
		arena:  a,
	}
}

func (RcMap) Tag() string { return "rcmap[v1]" }

func (m RcMap) Children() []arena.Key {
	return append(m.counts.Children(), m.zero.Children()...)
}

func (RcMap) ToBinaryRepr(*arena.Writer) {}

func (RcMap) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (RcMap, error) {
	counts, err := collections.Map[ChargedKey, arena.U64]{}.FromBinaryRepr(r, it, l)
	if err != nil {
		return RcMap{}, err
	}
	zero, err := collections.Map[ChargedKey, KeyRef]{}.FromBinaryRepr(r, it, l)
	if err != nil {
		return RcMap{}, err
	}
	return RcMap{counts: counts, zero: zero, arena: l.Arena()}, nil
}

// CheckInvariant verifies that counted entries are positive, that every
// KeyRef names its own key and that no key is in both maps.
func (m RcMap) CheckInvariant() error {
	counted, err := m.counts.Entries()
	if err != nil {
		return err
	}
	for _, e := range counted {
		v, err := e.Value.Get()
		if err != nil {
			return err
		}
		if v == 0 {
			return fmt.Errorf("key %s counted with zero references", arena.Key(e.Key).Short())
		}
	}
	refs, err := m.zero.Entries()
	if err != nil {
		return err
	}
	for _, e := range refs {
		ref, err := e.Value.Get()
		if err != nil {
			return err
		}
		if ref.Target != arena.Key(e.Key) {
			return fmt.Errorf("key %s held through a reference to %s", arena.Key(e.Key).Short(), ref.Target.Short())
		}
		ok, err := m.counts.Contains(e.Key)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("key %s is both counted and unreferenced", arena.Key(e.Key).Short())
		}
	}
	return nil
}

// Equal reports whether both maps track the same keys with the same counts.
func (m RcMap) Equal(other RcMap) bool {
	return m.counts.Equal(other.counts) && m.zero.Equal(other.zero)
}

// Arena returns the arena the map is allocated in.
func (m RcMap) Arena() *arena.Arena {
	return m.arena
}

// Contains reports whether key is charged.
func (m RcMap) Contains(key arena.Key) (bool, error) {
	_, ok, err := m.RC(key)
	return ok, err
}

// RC returns the reference count of key, and false if key is not charged.
func (m RcMap) RC(key arena.Key) (uint64, bool, error) {
	v, ok, err := m.counts.Get(ChargedKey(key))
	if err != nil {
		return 0, false, err
	}
	if ok {
		return uint64(v), true, nil
	}
	ok, err = m.zero.Contains(ChargedKey(key))
	if err != nil {
		return 0, false, err
	}
	return 0, ok, nil
}

// Len returns the number of charged keys.
func (m RcMap) Len() (uint64, error) {
	n, err := m.counts.Size()
	if err != nil {
		return 0, err
	}
	z, err := m.zero.Size()
	if err != nil {
		return 0, err
	}
	return n + z, nil
}

// SetRC sets the reference count of key, charging it if it was not. A key
// set to zero moves into the unreferenced set and is held until collected.
func (m RcMap) SetRC(key arena.Key, rc uint64) (RcMap, error) {
	ck := ChargedKey(key)
	var err error
	if rc == 0 {
		if m.counts, err = m.counts.Remove(ck); err != nil {
			return m, err
		}
		ok, err := m.zero.Contains(ck)
		if err != nil || ok {
			return m, err
		}
		m.zero, err = m.zero.Insert(ck, KeyRef{Target: key})
		return m, err
	}
	if m.zero, err = m.zero.Remove(ck); err != nil {
		return m, err
	}
	m.counts, err = m.counts.Insert(ck, arena.U64(rc))
	return m, err
}

// Unreferenced returns the charged keys with a zero count, ordered by key.
func (m RcMap) Unreferenced() ([]arena.Key, error) {
	keys, err := m.zero.Keys()
	if err != nil {
		return nil, err
	}
	out := make([]arena.Key, len(keys))
	for i, k := range keys {
		out[i] = arena.Key(k)
	}
	return out, nil
}

// UnreachableKeysNotIn returns the unreferenced keys that are not roots.
func (m RcMap) UnreachableKeysNotIn(roots map[arena.Key]struct{}) ([]arena.Key, error) {
	keys, err := m.Unreferenced()
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if _, ok := roots[k]; !ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// RemoveUnreachable stops charging key. Only keys with a zero count can be
// removed.
func (m RcMap) RemoveUnreachable(key arena.Key) (RcMap, error) {
	rc, ok, err := m.RC(key)
	switch {
	case err != nil:
		return m, err
	case !ok:
		return m, fmt.Errorf("%w: %s", ErrNotCharged, key.Short())
	case rc != 0:
		return m, fmt.Errorf("%w: %s has %d references", ErrStillReferenced, key.Short(), rc)
	}
	m.zero, err = m.zero.Remove(ChargedKey(key))
	return m, err
}
