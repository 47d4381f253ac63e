package nodestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

// pebbleStore adapts a pebble.DB to the kvStore surface.
type pebbleStore struct {
	db *pebble.DB
}

// OpenPebbleDB opens (or creates) a pebble-backed DB at config.Path.
func OpenPebbleDB(config *Config) (*KVDB, error) {
	if config.CreateIfMissing {
		if err := os.MkdirAll(config.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", config.Path, err)
		}
	}

	opts := buildPebbleOptions(config)
	opts.ErrorIfNotExists = !config.CreateIfMissing

	db, err := pebble.Open(config.Path, opts)
	if err != nil {
		return nil, NewErrorWithoutKey("open", "pebble", fmt.Errorf("failed to open PebbleDB at %s: %w", config.Path, err))
	}

	return newKVDB("pebble", "pebble:"+absPath(config.Path), &pebbleStore{db: db}, config)
}

// buildPebbleOptions tunes pebble for point lookups by content hash and
// bursty batch writes from cache flushes.
func buildPebbleOptions(config *Config) *pebble.Options {
	cacheBytes := int64(config.BlockCacheMB) << 20
	if cacheBytes <= 0 {
		cacheBytes = 8 << 20
	}

	opts := &pebble.Options{
		Cache:                       pebble.NewCache(cacheBytes),
		MaxOpenFiles:                1000,
		MemTableSize:                32 << 20,
		MemTableStopWritesThreshold: 4,
		MaxConcurrentCompactions: func() int {
			return runtime.NumCPU()
		},
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 20,
		LBaseMaxBytes:         128 << 20,
		Levels:                make([]pebble.LevelOptions, 7),
	}

	for i := range opts.Levels {
		opts.Levels[i] = pebble.LevelOptions{
			BlockSize:      16 << 10,
			IndexBlockSize: 128 << 10,
			FilterPolicy:   bloom.FilterPolicy(10),
			FilterType:     pebble.TableFilter,
			TargetFileSize: int64(4<<20) << uint(i),
			// Payloads are compressed before they reach pebble
			Compression: pebble.NoCompression,
		}
		if opts.Levels[i].TargetFileSize > 128<<20 {
			opts.Levels[i].TargetFileSize = 128 << 20
		}
	}

	return opts
}

func (s *pebbleStore) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *pebbleStore) write(puts []kvPair, dels [][]byte) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, p := range puts {
		if err := batch.Set(p.key, p.value, nil); err != nil {
			return err
		}
	}
	for _, k := range dels {
		if err := batch.Delete(k, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *pebbleStore) iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *pebbleStore) close() error {
	if err := s.db.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if there is none.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
