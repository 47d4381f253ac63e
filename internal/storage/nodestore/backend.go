package nodestore

import (
	"fmt"
	"sort"
	"sync"
)

// BackendFactory is a function that opens a DB for the given configuration.
type BackendFactory func(config *Config) (DB, error)

// BackendInfo provides information about a backend.
type BackendInfo struct {
	Name        string // Backend name
	Description string // Human-readable description
	Persistent  bool   // Whether the backend provides persistent storage
	NeedsPath   bool   // Whether the backend stores its data under Config.Path
	Compression bool   // Whether stored payloads go through a Compressor
}

// String returns a string representation of the backend info.
func (bi BackendInfo) String() string {
	features := []string{}
	if bi.Persistent {
		features = append(features, "persistent")
	} else {
		features = append(features, "in-memory")
	}
	if bi.Compression {
		features = append(features, "compression")
	}

	return fmt.Sprintf("%s: %s (Features: %v)", bi.Name, bi.Description, features)
}

type registeredBackend struct {
	info    BackendInfo
	factory BackendFactory
}

var (
	backendMu sync.RWMutex
	backends  = make(map[string]registeredBackend)
)

// RegisterBackend registers a backend factory under info.Name.
func RegisterBackend(info BackendInfo, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backends[info.Name] = registeredBackend{info: info, factory: factory}
}

// CreateBackend opens a DB with the named backend.
func CreateBackend(name string, config *Config) (DB, error) {
	backendMu.RLock()
	b, ok := backends[name]
	backendMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, name)
	}

	return b.factory(config)
}

// Open validates the configuration and opens the configured backend.
func Open(config *Config, options ...Option) (DB, error) {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	config.ApplyOptions(options...)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return CreateBackend(config.Backend, config)
}

// AvailableBackends returns the sorted names of the registered backends.
func AvailableBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsBackendAvailable checks if a backend with the given name is available.
func IsBackendAvailable(name string) bool {
	backendMu.RLock()
	_, ok := backends[name]
	backendMu.RUnlock()
	return ok
}

// BackendDescription returns the registered info for a backend.
func BackendDescription(name string) (BackendInfo, bool) {
	backendMu.RLock()
	defer backendMu.RUnlock()
	b, ok := backends[name]
	return b.info, ok
}

func init() {
	RegisterBackend(BackendInfo{
		Name:        "memory",
		Description: "process-local map, lost on close",
	}, func(*Config) (DB, error) { return NewMemoryDB(), nil })

	RegisterBackend(BackendInfo{
		Name:        "pebble",
		Description: "LSM key-value store (cockroachdb/pebble)",
		Persistent:  true,
		NeedsPath:   true,
		Compression: true,
	}, func(c *Config) (DB, error) { return OpenPebbleDB(c) })

	RegisterBackend(BackendInfo{
		Name:        "leveldb",
		Description: "LSM key-value store (goleveldb)",
		Persistent:  true,
		NeedsPath:   true,
		Compression: true,
	}, func(c *Config) (DB, error) { return OpenLevelDB(c) })

	RegisterBackend(BackendInfo{
		Name:        "bolt",
		Description: "B+tree key-value store (bbolt)",
		Persistent:  true,
		NeedsPath:   true,
		Compression: true,
	}, func(c *Config) (DB, error) { return OpenBoltDB(c) })

	RegisterBackend(BackendInfo{
		Name:        "sqlite",
		Description: "SQLite file with an exclusive process lock",
		Persistent:  true,
		NeedsPath:   true,
	}, func(c *Config) (DB, error) { return OpenSQLite(c) })

	RegisterBackend(BackendInfo{
		Name:        "sqlite-memory",
		Description: "private in-memory SQLite database",
	}, func(c *Config) (DB, error) { return OpenSQLiteMemory(c) })

	RegisterBackend(BackendInfo{
		Name:        "postgres",
		Description: "PostgreSQL database (lib/pq)",
		Persistent:  true,
	}, func(c *Config) (DB, error) { return OpenPostgres(c) })
}
