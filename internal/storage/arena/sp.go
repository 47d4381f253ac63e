package arena

import (
	"context"
	"fmt"
	"sync"
)

// Sp is a content-addressed pointer to a T stored in an Arena.
//
// An Sp is either resident, holding the decoded value, or lazy, holding
// only the key. A lazy Sp decodes its value on the first Get. Identity,
// equality and ordering are those of the key, so two Sps of equal content
// are interchangeable, and within one arena they share one decoded value.
//
// Sps are handed around by pointer and are safe for concurrent use. When
// the last Sp for a key is garbage collected, the arena tells the backend it
// no longer needs the node. That never writes anything; persisting is an
// explicit act (Persist, and flushing the backend).
type Sp[T Storable[T]] struct {
	arena *Arena
	key   Key

	mu   sync.Mutex
	data *T
}

// Key returns the content hash of the value.
func (s *Sp[T]) Key() Key {
	return s.key
}

// Arena returns the arena the Sp belongs to.
func (s *Sp[T]) Arena() *Arena {
	return s.arena
}

// IsLazy reports whether the value has not been decoded yet (or was
// unloaded). Decoders can skip re-validating lazy children, their content
// was checked against the key when it was stored.
func (s *Sp[T]) IsLazy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Get returns the value, decoding it first if the Sp is lazy. Concurrent
// calls decode at most once. A failed decode leaves the Sp lazy.
func (s *Sp[T]) Get() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		return *s.data, nil
	}
	p, err := forceLoad[T](s.arena, s.key)
	if err != nil {
		var zero T
		return zero, err
	}
	s.data = p
	return *p, nil
}

// MustGet is like Get but panics if the value cannot be loaded.
func (s *Sp[T]) MustGet() T {
	v, err := s.Get()
	if err != nil {
		panic(fmt.Sprintf("arena: load %s: %v", s.key.Short(), err))
	}
	return v
}

// Peek returns the shared decoded value, or nil if the Sp is lazy. The
// value must not be modified.
func (s *Sp[T]) Peek() *T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Unload drops the decoded value, making the Sp lazy again. The key and
// every other reference stay valid.
func (s *Sp[T]) Unload() {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
}

// Equal reports whether both Sps refer to the same content.
func (s *Sp[T]) Equal(other *Sp[T]) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.key == other.key
}

// Compare orders Sps by key.
func (s *Sp[T]) Compare(other *Sp[T]) int {
	return s.key.Compare(other.key)
}

// Persist marks the value as a GC root.
func (s *Sp[T]) Persist() error {
	return s.arena.persist(s.key)
}

// Unpersist removes one GC root mark from the value.
func (s *Sp[T]) Unpersist() error {
	return s.arena.backend.Unpersist(context.Background(), s.key)
}

func (s *Sp[T]) String() string {
	state := "resident"
	if s.IsLazy() {
		state = "lazy"
	}
	return fmt.Sprintf("Sp<%s>(%s, %s)", TagOf[T](), s.key.Short(), state)
}
