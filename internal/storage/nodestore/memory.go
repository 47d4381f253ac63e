package nodestore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// MemoryDB implements an in-memory DB. It is the default backend for tests
// and for arenas that never need to outlive the process.
type MemoryDB struct {
	id string

	mu    sync.RWMutex
	nodes map[Key]*Object
	roots map[Key]uint32
	meta  map[string][]byte

	closed int64 // atomic flag

	// Statistics
	stats struct {
		reads        int64
		writes       int64
		bytesRead    int64
		bytesWritten int64
	}
}

// NewMemoryDB creates a new empty in-memory DB.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		id:    "memory:" + uuid.NewString(),
		nodes: make(map[Key]*Object),
		roots: make(map[Key]uint32),
		meta:  make(map[string][]byte),
	}
}

// Name returns the name of this backend.
func (m *MemoryDB) Name() string {
	return "memory"
}

// ID returns the unique identity of this instance.
func (m *MemoryDB) ID() string {
	return m.id
}

func (m *MemoryDB) checkOpen() error {
	if atomic.LoadInt64(&m.closed) != 0 {
		return NewErrorWithoutKey("access", m.Name(), ErrBackendClosed)
	}
	return nil
}

// GetNode retrieves a single node by key.
func (m *MemoryDB) GetNode(_ context.Context, key Key) (*Object, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	obj, found := m.nodes[key]
	m.mu.RUnlock()

	if !found {
		return nil, nil
	}

	atomic.AddInt64(&m.stats.reads, 1)
	atomic.AddInt64(&m.stats.bytesRead, int64(obj.Size()))

	// Return a copy to prevent mutation
	return obj.Clone(), nil
}

// BatchGetNodes retrieves several nodes under one read lock.
func (m *MemoryDB) BatchGetNodes(_ context.Context, keys []Key) ([]*Object, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	results := make([]*Object, len(keys))

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, key := range keys {
		if obj, found := m.nodes[key]; found {
			results[i] = obj.Clone()
			atomic.AddInt64(&m.stats.reads, 1)
			atomic.AddInt64(&m.stats.bytesRead, int64(obj.Size()))
		}
	}
	return results, nil
}

// GetUnreachableKeys returns stored nodes with zero references that are not roots.
func (m *MemoryDB) GetUnreachableKeys(_ context.Context) ([]Key, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []Key
	for key, obj := range m.nodes {
		if obj.RefCount == 0 && m.roots[key] == 0 {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// InsertNode stores a copy of obj.
func (m *MemoryDB) InsertNode(_ context.Context, key Key, obj *Object) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	m.insertLocked(key, obj)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDB) insertLocked(key Key, obj *Object) {
	m.nodes[key] = obj.Clone()
	atomic.AddInt64(&m.stats.writes, 1)
	atomic.AddInt64(&m.stats.bytesWritten, int64(obj.Size()))
}

// DeleteNode removes a node.
func (m *MemoryDB) DeleteNode(_ context.Context, key Key) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.nodes, key)
	m.mu.Unlock()
	return nil
}

// BatchUpdate applies all updates under one write lock.
func (m *MemoryDB) BatchUpdate(_ context.Context, updates []Update) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range updates {
		switch u.Kind {
		case UpdateInsertNode:
			m.insertLocked(u.Key, u.Object)
		case UpdateDeleteNode:
			delete(m.nodes, u.Key)
		case UpdateSetRootCount:
			m.setRootLocked(u.Key, u.RootCount)
		}
	}
	return nil
}

// GetRootCount returns the root count of key.
func (m *MemoryDB) GetRootCount(_ context.Context, key Key) (uint32, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roots[key], nil
}

// SetRootCount sets the root count of key.
func (m *MemoryDB) SetRootCount(_ context.Context, key Key, count uint32) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	m.setRootLocked(key, count)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDB) setRootLocked(key Key, count uint32) {
	if count == 0 {
		delete(m.roots, key)
		return
	}
	m.roots[key] = count
}

// GetRoots returns a copy of the root table.
func (m *MemoryDB) GetRoots(_ context.Context) (map[Key]uint32, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	roots := make(map[Key]uint32, len(m.roots))
	for k, v := range m.roots {
		roots[k] = v
	}
	return roots, nil
}

// Size returns the number of stored nodes.
func (m *MemoryDB) Size(_ context.Context) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes), nil
}

// GetMeta returns a metadata value.
func (m *MemoryDB) GetMeta(_ context.Context, name string) ([]byte, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.meta[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// SetMeta stores a metadata value.
func (m *MemoryDB) SetMeta(_ context.Context, name string, value []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	m.mu.Lock()
	m.meta[name] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

// Close drops all data. Further calls fail with ErrBackendClosed.
func (m *MemoryDB) Close() error {
	if !atomic.CompareAndSwapInt64(&m.closed, 0, 1) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[Key]*Object)
	m.roots = make(map[Key]uint32)
	m.meta = make(map[string][]byte)
	return nil
}

// MemoryStats holds operation counters for a MemoryDB.
type MemoryStats struct {
	Reads        int64
	Writes       int64
	BytesRead    int64
	BytesWritten int64
	NodeCount    int
}

// Stats returns the operation counters.
func (m *MemoryDB) Stats() MemoryStats {
	m.mu.RLock()
	count := len(m.nodes)
	m.mu.RUnlock()

	return MemoryStats{
		Reads:        atomic.LoadInt64(&m.stats.reads),
		Writes:       atomic.LoadInt64(&m.stats.writes),
		BytesRead:    atomic.LoadInt64(&m.stats.bytesRead),
		BytesWritten: atomic.LoadInt64(&m.stats.bytesWritten),
		NodeCount:    count,
	}
}
