package arena

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// Registry hands out one Storage per DB identity and keeps named default
// storages. Tests can use separate registries side by side.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Storage
	defaults map[string]*Storage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Storage),
		defaults: make(map[string]*Storage),
	}
}

// Init returns the Storage for db, creating it with opts on first use.
// Later calls for the same DB identity return the same Storage and ignore
// opts.
func (r *Registry) Init(ctx context.Context, db nodestore.DB, opts ...Option) (*Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[db.ID()]; ok {
		return s, nil
	}
	s, err := NewStorage(ctx, db, opts...)
	if err != nil {
		return nil, err
	}
	r.byID[db.ID()] = s
	return s, nil
}

// SetDefault makes s the default storage under name.
func (r *Registry) SetDefault(name string, s *Storage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defaults[name]; ok {
		return fmt.Errorf("%w: %q", ErrStorageAlreadySet, name)
	}
	r.defaults[name] = s
	r.byID[s.db.ID()] = s
	return nil
}

// Default returns the default storage under name.
func (r *Registry) Default(name string) (*Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.defaults[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDefaultStorage, name)
	}
	return s, nil
}

// DropDefault clears the default under name and returns what was there.
// The storage itself stays open.
func (r *Registry) DropDefault(name string) (*Storage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.defaults[name]
	delete(r.defaults, name)
	return s, ok
}

// Defaults returns the names with a default storage, sorted.
func (r *Registry) Defaults() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.defaults))
	for n := range r.defaults {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close closes every storage of the registry and empties it.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, s := range r.byID {
		if err := s.Close(ctx); err != nil && first == nil {
			first = err
		}
		delete(r.byID, id)
	}
	clear(r.defaults)
	return first
}
