package nodestore

import (
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelStore adapts a goleveldb database to the kvStore surface.
type levelStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a goleveldb-backed DB at config.Path.
func OpenLevelDB(config *Config) (*KVDB, error) {
	cacheMB := config.BlockCacheMB
	if cacheMB <= 0 {
		cacheMB = 8
	}
	db, err := leveldb.OpenFile(config.Path, &opt.Options{
		ErrorIfMissing:     !config.CreateIfMissing,
		Filter:             filter.NewBloomFilter(10),
		BlockCacheCapacity: cacheMB * opt.MiB,
		// Payloads are compressed before they reach leveldb
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, NewErrorWithoutKey("open", "leveldb", fmt.Errorf("failed to open leveldb at %s: %w", config.Path, err))
	}
	return newKVDB("leveldb", "leveldb:"+absPath(config.Path), &levelStore{db: db}, config)
}

func (s *levelStore) get(key []byte) ([]byte, error) {
	value, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *levelStore) write(puts []kvPair, dels [][]byte) error {
	batch := new(leveldb.Batch)
	for _, p := range puts {
		batch.Put(p.key, p.value)
	}
	for _, k := range dels {
		batch.Delete(k)
	}
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (s *levelStore) iterate(prefix []byte, fn func(key, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *levelStore) close() error {
	return s.db.Close()
}
