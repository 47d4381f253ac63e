package nodestore

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// NegativeCache tracks keys that are known to be missing from a DB, so
// repeated lookups of absent nodes skip the DB. It is only sound while its
// owner is the single writer of the DB and forgets every key it creates.
//
// Entries expire after the TTL. Past MaxSize the oldest marks are evicted.
// A nil *NegativeCache is valid and never reports a key missing.
type NegativeCache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[Key, time.Time] // key -> expiration time
	ttl     time.Duration
	maxSize int
	stats   NegativeCacheStats
}

// NegativeCacheConfig holds configuration for the negative cache.
type NegativeCacheConfig struct {
	// TTL is the time-to-live for entries, zero for no expiry
	TTL time.Duration

	// MaxSize is the maximum number of entries, zero to disable the cache
	MaxSize int
}

// DefaultNegativeCacheConfig returns the defaults used by Storage.
func DefaultNegativeCacheConfig() NegativeCacheConfig {
	return NegativeCacheConfig{
		TTL:     5 * time.Minute,
		MaxSize: 100000,
	}
}

// NewNegativeCache creates a negative cache. A zero MaxSize returns nil,
// the disabled cache.
func NewNegativeCache(config NegativeCacheConfig) (*NegativeCache, error) {
	if config.MaxSize < 0 || config.TTL < 0 {
		return nil, fmt.Errorf("%w: negative cache size %d, ttl %s", ErrInvalidConfig, config.MaxSize, config.TTL)
	}
	if config.MaxSize == 0 {
		return nil, nil
	}
	entries, err := simplelru.NewLRU[Key, time.Time](config.MaxSize, nil)
	if err != nil {
		return nil, err
	}
	return &NegativeCache{entries: entries, ttl: config.TTL, maxSize: config.MaxSize}, nil
}

// expiry returns the expiration time of a new mark, zero if marks never
// expire.
func (nc *NegativeCache) expiry() time.Time {
	if nc.ttl == 0 {
		return time.Time{}
	}
	return time.Now().Add(nc.ttl)
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && now.After(expiresAt)
}

// MarkMissing records that key is not present in the DB.
func (nc *NegativeCache) MarkMissing(key Key) {
	if nc == nil {
		return
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()

	if !nc.entries.Contains(key) {
		nc.stats.Insertions++
	}
	// Re-adding moves the key to the front, so entries stay ordered by
	// expiration time.
	if nc.entries.Add(key, nc.expiry()) {
		nc.stats.Evictions++
	}
}

// IsMissing reports whether key is known to be missing and not expired.
func (nc *NegativeCache) IsMissing(key Key) bool {
	if nc == nil {
		return false
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()

	expiresAt, found := nc.entries.Peek(key)
	if !found {
		nc.stats.Misses++
		return false
	}
	if expired(expiresAt, time.Now()) {
		nc.entries.Remove(key)
		nc.stats.Expirations++
		nc.stats.Misses++
		return false
	}
	nc.stats.Hits++
	return true
}

// Remove forgets key. It must be called when key is added to the DB.
func (nc *NegativeCache) Remove(key Key) {
	if nc == nil {
		return
	}
	nc.mu.Lock()
	nc.entries.Remove(key)
	nc.mu.Unlock()
}

// Clear removes all entries.
func (nc *NegativeCache) Clear() {
	if nc == nil {
		return
	}
	nc.mu.Lock()
	nc.entries.Purge()
	nc.mu.Unlock()
}

// Sweep removes all expired entries and returns how many were removed.
func (nc *NegativeCache) Sweep() int {
	if nc == nil {
		return 0
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()

	now := time.Now()
	removed := 0
	for {
		_, expiresAt, ok := nc.entries.GetOldest()
		if !ok || !expired(expiresAt, now) {
			break
		}
		nc.entries.RemoveOldest()
		removed++
	}
	nc.stats.Expirations += int64(removed)
	return removed
}

// Size returns the current number of entries.
func (nc *NegativeCache) Size() int {
	if nc == nil {
		return 0
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.entries.Len()
}

// Stats returns statistics about the negative cache.
func (nc *NegativeCache) Stats() NegativeCacheStats {
	if nc == nil {
		return NegativeCacheStats{}
	}
	nc.mu.Lock()
	defer nc.mu.Unlock()
	s := nc.stats
	s.Size = nc.entries.Len()
	s.MaxSize = nc.maxSize
	s.TTL = nc.ttl
	return s
}

// NegativeCacheStats holds statistics for the negative cache.
type NegativeCacheStats struct {
	Hits        int64         // lookups answered as missing
	Misses      int64         // lookups not in the cache
	Insertions  int64         // entries added
	Expirations int64         // entries expired
	Evictions   int64         // entries evicted for space
	Size        int           // current number of entries
	MaxSize     int           // maximum number of entries
	TTL         time.Duration // time-to-live for entries
}

// HitRate returns the cache hit rate as a percentage.
func (s NegativeCacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

func (s NegativeCacheStats) String() string {
	return fmt.Sprintf("size=%d/%d hits=%d misses=%d (%.2f%%) insertions=%d expirations=%d evictions=%d ttl=%s",
		s.Size, s.MaxSize, s.Hits, s.Misses, s.HitRate(),
		s.Insertions, s.Expirations, s.Evictions, s.TTL)
}
