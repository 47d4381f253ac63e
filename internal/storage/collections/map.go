package collections

import (
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/mpt"
)

// Map is an ordered map keyed by the payload bytes of K. Keys must have no
// children. Values are held as Sps in trie leaves, so a large value is
// shared, not copied, between versions of the map.
type Map[K arena.Storable[K], V arena.Storable[V]] struct {
	trie mpt.Trie[V]
}

// MapEntry is one key and value of a Map.
type MapEntry[K arena.Storable[K], V arena.Storable[V]] struct {
	Key   K
	Value *arena.Sp[V]
}

// NewMap returns an empty map allocated in a.
func NewMap[K arena.Storable[K], V arena.Storable[V]](a *arena.Arena) Map[K, V] {
	return Map[K, V]{trie: mpt.New[V](a)}
}

func (Map[K, V]) Tag() string {
	return "mpt-map(" + arena.TagOf[K]() + "," + arena.TagOf[V]() + ")"
}

func (m Map[K, V]) Children() []arena.Key {
	return m.trie.Children()
}

func (Map[K, V]) ToBinaryRepr(*arena.Writer) {}

func (Map[K, V]) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (Map[K, V], error) {
	t, err := mpt.Trie[V]{}.FromBinaryRepr(r, it, l)
	if err != nil {
		return Map[K, V]{}, err
	}
	return Map[K, V]{trie: t}, nil
}

// CheckInvariant verifies that every path decodes to a key.
func (m Map[K, V]) CheckInvariant() error {
	return m.trie.Walk(func(path []byte, _ *arena.Sp[V]) error {
		_, err := pathToKey[K](path)
		return err
	})
}

// Key returns the root key of the map.
func (m Map[K, V]) Key() arena.Key {
	return m.trie.Key()
}

// Equal reports whether both maps hold the same entries.
func (m Map[K, V]) Equal(other Map[K, V]) bool {
	return m.trie.Equal(other.trie)
}

// Size returns the number of entries.
func (m Map[K, V]) Size() (uint64, error) {
	return m.trie.Size()
}

// IsEmpty reports whether the map has no entries.
func (m Map[K, V]) IsEmpty() (bool, error) {
	return m.trie.IsEmpty()
}

// Insert stores v under k, replacing any previous value.
func (m Map[K, V]) Insert(k K, v V) (Map[K, V], error) {
	return m.InsertSp(k, arena.Alloc(m.trie.Root().Arena(), v))
}

// InsertSp stores an allocated value under k.
func (m Map[K, V]) InsertSp(k K, v *arena.Sp[V]) (Map[K, V], error) {
	path, err := keyToPath(k)
	if err != nil {
		return m, err
	}
	t, err := m.trie.InsertSp(path, v)
	if err != nil {
		return m, err
	}
	return Map[K, V]{trie: t}, nil
}

// Remove deletes k. Removing an absent key returns the map unchanged.
func (m Map[K, V]) Remove(k K) (Map[K, V], error) {
	path, err := keyToPath(k)
	if err != nil {
		return m, err
	}
	t, err := m.trie.Remove(path)
	if err != nil {
		return m, err
	}
	return Map[K, V]{trie: t}, nil
}

// GetSp returns the value stored under k, nil if there is none.
func (m Map[K, V]) GetSp(k K) (*arena.Sp[V], error) {
	path, err := keyToPath(k)
	if err != nil {
		return nil, err
	}
	return m.trie.LookupSp(path)
}

// Get returns the value stored under k.
func (m Map[K, V]) Get(k K) (V, bool, error) {
	var zero V
	sp, err := m.GetSp(k)
	if err != nil || sp == nil {
		return zero, false, err
	}
	v, err := sp.Get()
	return v, err == nil, err
}

// Contains reports whether k is present.
func (m Map[K, V]) Contains(k K) (bool, error) {
	sp, err := m.GetSp(k)
	return sp != nil, err
}

// Entries returns every entry ordered by key bytes.
func (m Map[K, V]) Entries() ([]MapEntry[K, V], error) {
	var out []MapEntry[K, V]
	err := m.trie.Walk(func(path []byte, v *arena.Sp[V]) error {
		k, err := pathToKey[K](path)
		if err != nil {
			return err
		}
		out = append(out, MapEntry[K, V]{Key: k, Value: v})
		return nil
	})
	return out, err
}

// Keys returns every key ordered by key bytes.
func (m Map[K, V]) Keys() ([]K, error) {
	entries, err := m.Entries()
	if err != nil {
		return nil, err
	}
	keys := make([]K, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys, nil
}

func keyToPath[K arena.Storable[K]](k K) ([]byte, error) {
	data, err := arena.EncodePayload(k)
	if err != nil {
		return nil, err
	}
	return mpt.ToNibbles(data), nil
}

func pathToKey[K arena.Storable[K]](path []byte) (K, error) {
	var zero K
	data, err := mpt.FromNibbles(path)
	if err != nil {
		return zero, err
	}
	return arena.DecodePayload[K](data)
}
