package collections

import (
	"fmt"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/mpt"
)

// HashMap maps keys of any storable type by the hash of the key. The trie
// path of an entry is the arena key of K, and the leaf holds both the key
// and the value, so keys can be recovered and may have children.
type HashMap[K arena.Storable[K], V arena.Storable[V]] struct {
	trie mpt.Trie[arena.Pair[K, V]]
}

// NewHashMap returns an empty hash map allocated in a.
func NewHashMap[K arena.Storable[K], V arena.Storable[V]](a *arena.Arena) HashMap[K, V] {
	return HashMap[K, V]{trie: mpt.New[arena.Pair[K, V]](a)}
}

func (HashMap[K, V]) Tag() string {
	return "hash-map(" + arena.TagOf[K]() + "," + arena.TagOf[V]() + ")"
}

func (m HashMap[K, V]) Children() []arena.Key {
	return m.trie.Children()
}

func (HashMap[K, V]) ToBinaryRepr(*arena.Writer) {}

func (HashMap[K, V]) FromBinaryRepr(r *arena.Reader, it *arena.ChildIter, l arena.Loader) (HashMap[K, V], error) {
	t, err := mpt.Trie[arena.Pair[K, V]]{}.FromBinaryRepr(r, it, l)
	if err != nil {
		return HashMap[K, V]{}, err
	}
	return HashMap[K, V]{trie: t}, nil
}

// CheckInvariant verifies that every entry sits under the hash of its key.
func (m HashMap[K, V]) CheckInvariant() error {
	return m.trie.Walk(func(path []byte, sp *arena.Sp[arena.Pair[K, V]]) error {
		p, err := sp.Get()
		if err != nil {
			return err
		}
		want := p.First.Key()
		raw, err := mpt.FromNibbles(path)
		if err != nil {
			return err
		}
		if got, err := arenakey.FromBytes(raw); err != nil || got != want {
			return fmt.Errorf("hash map entry for %s stored under another hash", want.Short())
		}
		return nil
	})
}

// Key returns the root key of the map.
func (m HashMap[K, V]) Key() arena.Key {
	return m.trie.Key()
}

// Equal reports whether both maps hold the same entries.
func (m HashMap[K, V]) Equal(other HashMap[K, V]) bool {
	return m.trie.Equal(other.trie)
}

// Size returns the number of entries.
func (m HashMap[K, V]) Size() (uint64, error) {
	return m.trie.Size()
}

// IsEmpty reports whether the map has no entries.
func (m HashMap[K, V]) IsEmpty() (bool, error) {
	return m.trie.IsEmpty()
}

func (m HashMap[K, V]) arena() *arena.Arena {
	return m.trie.Root().Arena()
}

// hashPath returns the trie path of k. It is the key the arena gives k's
// node, which is SHA-256 over the serialized key.
func hashPath[K arena.Storable[K]](k K) []byte {
	return keyPath(arena.EncodeNode(k).Key())
}

func keyPath(k arena.Key) []byte {
	return mpt.ToNibbles(k[:])
}

// Insert stores v under k, replacing any previous value.
func (m HashMap[K, V]) Insert(k K, v V) (HashMap[K, V], error) {
	a := m.arena()
	return m.InsertSp(arena.Alloc(a, k), arena.Alloc(a, v))
}

// InsertSp stores allocated key and value pointers.
func (m HashMap[K, V]) InsertSp(k *arena.Sp[K], v *arena.Sp[V]) (HashMap[K, V], error) {
	pair := arena.Alloc(m.arena(), arena.Pair[K, V]{First: k, Second: v})
	t, err := m.trie.InsertSp(keyPath(k.Key()), pair)
	if err != nil {
		return m, err
	}
	return HashMap[K, V]{trie: t}, nil
}

// Remove deletes k. Removing an absent key returns the map unchanged.
func (m HashMap[K, V]) Remove(k K) (HashMap[K, V], error) {
	t, err := m.trie.Remove(hashPath(k))
	if err != nil {
		return m, err
	}
	return HashMap[K, V]{trie: t}, nil
}

// GetSp returns the value stored under k, nil if there is none.
func (m HashMap[K, V]) GetSp(k K) (*arena.Sp[V], error) {
	sp, err := m.trie.LookupSp(hashPath(k))
	if err != nil || sp == nil {
		return nil, err
	}
	p, err := sp.Get()
	if err != nil {
		return nil, err
	}
	return p.Second, nil
}

// Get returns the value stored under k.
func (m HashMap[K, V]) Get(k K) (V, bool, error) {
	var zero V
	sp, err := m.GetSp(k)
	if err != nil || sp == nil {
		return zero, false, err
	}
	v, err := sp.Get()
	return v, err == nil, err
}

// Contains reports whether k is present.
func (m HashMap[K, V]) Contains(k K) (bool, error) {
	sp, err := m.trie.LookupSp(hashPath(k))
	return sp != nil, err
}

// Entries returns every key and value pair, ordered by key hash.
func (m HashMap[K, V]) Entries() ([]arena.Pair[K, V], error) {
	var out []arena.Pair[K, V]
	err := m.trie.Walk(func(_ []byte, sp *arena.Sp[arena.Pair[K, V]]) error {
		p, err := sp.Get()
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// Keys returns every key, ordered by key hash.
func (m HashMap[K, V]) Keys() ([]K, error) {
	entries, err := m.Entries()
	if err != nil {
		return nil, err
	}
	keys := make([]K, 0, len(entries))
	for _, e := range entries {
		k, err := e.First.Get()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}
