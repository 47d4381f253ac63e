package nodestore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var boltBucket = []byte("arena")

// boltStore adapts a bbolt file to the kvStore surface. All entries live in
// one bucket; the key layout prefixes keep the tables apart.
type boltStore struct {
	db *bbolt.DB
}

// OpenBoltDB opens (or creates) a bbolt-backed DB. config.Path names a
// directory holding arena.db.
func OpenBoltDB(config *Config) (*KVDB, error) {
	file := filepath.Join(config.Path, "arena.db")
	if config.CreateIfMissing {
		if err := os.MkdirAll(config.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", config.Path, err)
		}
	} else if _, err := os.Stat(file); err != nil {
		return nil, NewErrorWithoutKey("open", "bolt", err)
	}

	db, err := bbolt.Open(file, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		if err == bbolt.ErrTimeout {
			err = ErrConcurrentFileOpen
		}
		return nil, NewErrorWithoutKey("open", "bolt", fmt.Errorf("failed to open bolt file %s: %w", file, err))
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, NewErrorWithoutKey("open", "bolt", fmt.Errorf("failed to create bucket: %w", err))
	}

	return newKVDB("bolt", "bolt:"+absPath(file), &boltStore{db: db}, config)
}

func (s *boltStore) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		value := tx.Bucket(boltBucket).Get(key)
		if value != nil {
			// Values are only valid during the transaction
			out = make([]byte, len(value))
			copy(out, value)
		}
		return nil
	})
	return out, err
}

func (s *boltStore) write(puts []kvPair, dels [][]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, p := range puts {
			if err := bucket.Put(p.key, p.value); err != nil {
				return err
			}
		}
		for _, k := range dels {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) iterate(prefix []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if err := fn(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *boltStore) close() error {
	return s.db.Close()
}
