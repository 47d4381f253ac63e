package collections

import (
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
)

// HashSet is a set of storable values, a HashMap with unit values.
type HashSet[V arena.Storable[V]] struct {
	m HashMap[V, arena.Unit]
}

// NewHashSet returns an empty set allocated in a.
func NewHashSet[V arena.Storable[V]](a *arena.Arena) HashSet[V] {
	return HashSet[V]{m: NewHashMap[V, arena.Unit](a)}
}

// HashSetOf returns a set holding values.
func HashSetOf[V arena.Storable[V]](a *arena.Arena, values ...V) (HashSet[V], error) {
	s := NewHashSet[V](a)
	for _, v := range values {
		var err error
		if s, err = s.Insert(v); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (HashSet[V]) Tag() string {
	return "hash-set(" + arena.TagOf[V]() + ")"
}

func (s HashSet[V]) Children() []arena.Key {
	return s.m.Children()
}

func (HashSet[V]) ToBinaryRepr(*arena.Writer) {}

func (HashSet[V]) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (HashSet[V], error) {
	m, err := HashMap[V, arena.Unit]{}.FromBinaryRepr(r, it, l)
	if err != nil {
		return HashSet[V]{}, err
	}
	return HashSet[V]{m: m}, nil
}

func (s HashSet[V]) CheckInvariant() error {
	return s.m.CheckInvariant()
}

// Key returns the root key of the set.
func (s HashSet[V]) Key() arena.Key {
	return s.m.Key()
}

// Equal reports whether both sets hold the same members.
func (s HashSet[V]) Equal(other HashSet[V]) bool {
	return s.m.Equal(other.m)
}

// Size returns the number of members.
func (s HashSet[V]) Size() (uint64, error) {
	return s.m.Size()
}

// IsEmpty reports whether the set has no members.
func (s HashSet[V]) IsEmpty() (bool, error) {
	return s.m.IsEmpty()
}

// Insert adds v.
func (s HashSet[V]) Insert(v V) (HashSet[V], error) {
	m, err := s.m.Insert(v, arena.Unit{})
	if err != nil {
		return s, err
	}
	return HashSet[V]{m: m}, nil
}

// Remove drops v if present.
func (s HashSet[V]) Remove(v V) (HashSet[V], error) {
	m, err := s.m.Remove(v)
	if err != nil {
		return s, err
	}
	return HashSet[V]{m: m}, nil
}

// Member reports whether v is in the set.
func (s HashSet[V]) Member(v V) (bool, error) {
	return s.m.Contains(v)
}

// Values returns the members, ordered by hash.
func (s HashSet[V]) Values() ([]V, error) {
	return s.m.Keys()
}

// IsSubset reports whether every member of s is a member of other.
func (s HashSet[V]) IsSubset(other HashSet[V]) (bool, error) {
	n, err := s.Size()
	if err != nil {
		return false, err
	}
	m, err := other.Size()
	if err != nil || n > m {
		return false, err
	}
	entries, err := s.m.Entries()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		sp, err := other.m.trie.LookupSp(keyPath(e.First.Key()))
		if err != nil || sp == nil {
			return false, err
		}
	}
	return true, nil
}

// Union returns a set with the members of both sets.
func (s HashSet[V]) Union(other HashSet[V]) (HashSet[V], error) {
	entries, err := other.m.Entries()
	if err != nil {
		return s, err
	}
	out := s
	for _, e := range entries {
		if out.m, err = out.m.InsertSp(e.First, e.Second); err != nil {
			return s, err
		}
	}
	return out, nil
}
