package arena

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sirupsen/logrus"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// StorageBackend sits between an Arena and a DB. It owns a bounded read
// cache of unmodified DB nodes, an unbounded write cache of pending changes,
// the reference and root counts of every node, and garbage collection.
//
// New nodes stay in memory until they are flushed, so temporary structures
// that are dropped before a flush never reach the DB. Count changes to nodes
// already in the DB are tracked as deltas and disappear when they cancel out.
//
// Keys the DB was found not to hold are remembered in a negative cache, so
// repeated lookups of absent nodes skip the DB. Nodes read from the DB are
// checked against their key.
//
// All methods are serialized by one mutex. The backend assumes it is the only
// writer of its DB.
type StorageBackend struct {
	mu sync.Mutex

	db        nodestore.DB
	cacheSize int
	collector collector
	metrics   *Metrics

	readCache   *simplelru.LRU[Key, *cacheValue]
	writeCache  *simplelru.LRU[Key, *cacheValue]
	liveInserts map[Key]struct{}
	missing     *nodestore.NegativeCache

	hits        uint64
	misses      uint64
	missingHits uint64
}

// Stats are run-time counters of a StorageBackend.
type Stats struct {
	CacheHits       uint64 // Get calls served from memory
	CacheMisses     uint64 // Get calls that went to the DB
	MissingHits     uint64 // Get calls answered by the negative cache
	ReadCacheLen    int
	WriteCacheLen   int
	WriteCacheBytes int // payload and child bytes of pending nodes
	LiveInserts     int
}

// HitRate returns the fraction of Get calls served from memory.
func (s Stats) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

func (s Stats) String() string {
	return fmt.Sprintf("hits=%d misses=%d (%.1f%%) known-missing=%d read=%d write=%d (%d bytes) live=%d",
		s.CacheHits, s.CacheMisses, s.HitRate()*100, s.MissingHits,
		s.ReadCacheLen, s.WriteCacheLen, s.WriteCacheBytes, s.LiveInserts)
}

// newStorageBackend creates a backend over db. cacheSize bounds the read
// cache and is the size the write cache is cut down to by
// FlushCacheEvictionsToDB; zero means unbounded.
func newStorageBackend(db nodestore.DB, cacheSize int, layout LayoutVersion, negative nodestore.NegativeCacheConfig, metrics *Metrics) (*StorageBackend, error) {
	if cacheSize < 0 {
		return nil, fmt.Errorf("%w: negative cache size %d", nodestore.ErrInvalidConfig, cacheSize)
	}
	c, err := newCollector(layout)
	if err != nil {
		return nil, err
	}
	readSize := cacheSize
	if readSize == 0 {
		readSize = math.MaxInt
	}
	readCache, err := simplelru.NewLRU[Key, *cacheValue](readSize, nil)
	if err != nil {
		return nil, err
	}
	writeCache, err := simplelru.NewLRU[Key, *cacheValue](math.MaxInt, nil)
	if err != nil {
		return nil, err
	}
	missing, err := nodestore.NewNegativeCache(negative)
	if err != nil {
		return nil, err
	}
	return &StorageBackend{
		db:          db,
		cacheSize:   cacheSize,
		collector:   c,
		metrics:     metrics,
		readCache:   readCache,
		writeCache:  writeCache,
		liveInserts: make(map[Key]struct{}),
		missing:     missing,
	}, nil
}

// DB returns the underlying DB.
func (b *StorageBackend) DB() nodestore.DB {
	return b.db
}

// Layout returns the storage layout version the backend runs with.
func (b *StorageBackend) Layout() LayoutVersion {
	return b.collector.version()
}

// CacheSize returns the configured cache bound, zero if unbounded.
func (b *StorageBackend) CacheSize() int {
	return b.cacheSize
}

func (b *StorageBackend) dbError(op string, key Key, err error) error {
	var dbErr *nodestore.DBError
	if errors.As(err, &dbErr) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nodestore.NewError(op, b.db.Name(), key, err)
}

// Get returns the node stored under key, looking in the write cache, the
// read cache and finally the DB. An unknown key yields nil without error.
//
// A node read from the DB is cached together with its children. Failing to
// pre-fetch the children only logs.
//
// The returned object must not be modified.
func (b *StorageBackend) Get(ctx context.Context, key Key) (*nodestore.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(ctx, key)
}

func (b *StorageBackend) getLocked(ctx context.Context, key Key) (*nodestore.Object, error) {
	if cv := b.peek(key); cv != nil {
		b.hits++
		b.metrics.cacheHit()
		if cv.state == stateUpdate {
			b.remove(key)
			cv = &cacheValue{state: stateReadAndUpdate, obj: cv.obj, delta: cv.delta}
			b.insert(key, cv)
		} else {
			b.promote(key)
		}
		return shallow(cv.obj), nil
	}

	if b.missing.IsMissing(key) {
		b.missingHits++
		return nil, nil
	}

	b.misses++
	b.metrics.cacheMiss()
	obj, err := b.readLocked(ctx, "get", key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, nil
	}
	b.insert(key, &cacheValue{state: stateRead, obj: obj})

	if len(obj.Children) > 0 && (b.cacheSize == 0 || b.cacheSize > 2*MaxChildren) {
		if err := b.preFetchLocked(ctx, key, 1, false); err != nil {
			log.Component("arena").WithError(err).WithField("key", key.Short()).
				Debug("child pre-fetch failed")
		}
		b.promote(key)
	}
	return shallow(obj), nil
}

// readLocked reads key from the DB and checks that the stored node hashes to
// key. Absent keys are remembered in the negative cache.
func (b *StorageBackend) readLocked(ctx context.Context, op string, key Key) (*nodestore.Object, error) {
	obj, err := b.db.GetNode(ctx, key)
	if err != nil {
		return nil, b.dbError(op, key, err)
	}
	if obj == nil {
		b.missing.MarkMissing(key)
		return nil, nil
	}
	if err := b.verify(op, key, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (b *StorageBackend) verify(op string, key Key, obj *nodestore.Object) error {
	if got := (Node{Data: obj.Data, Children: obj.Children}).Key(); got != key {
		log.Component("arena").WithFields(logrus.Fields{
			"key":    key.Short(),
			"hashed": got.Short(),
			"db":     b.db.Name(),
		}).Error("stored node does not match its key")
		return nodestore.NewError(op, b.db.Name(), key,
			fmt.Errorf("%w: node hashes to %s", nodestore.ErrDataCorrupt, got.Short()))
	}
	return nil
}

func shallow(obj *nodestore.Object) *nodestore.Object {
	out := *obj
	return &out
}

// Contains reports whether key is in memory or in the DB.
func (b *StorageBackend) Contains(ctx context.Context, key Key) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peek(key) != nil {
		return true, nil
	}
	if b.missing.IsMissing(key) {
		return false, nil
	}
	obj, err := b.readLocked(ctx, "contains", key)
	if err != nil {
		return false, err
	}
	return obj != nil, nil
}

// Cache registers a live insertion of a node whose children are already
// known to the backend. The node and everything it references are kept until
// Uncache, even if not otherwise referenced. Caching a key that is already
// live only refreshes its cache position.
//
// A node that is neither in memory nor in the DB is created in the write
// cache and its children's reference counts are incremented.
func (b *StorageBackend) Cache(ctx context.Context, key Key, data []byte, children []Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, live := b.liveInserts[key]; live {
		b.promote(key)
		return nil
	}

	if cv := b.peek(key); cv != nil {
		switch cv.state {
		case stateUpdate:
			b.remove(key)
			b.insert(key, &cacheValue{state: stateReadAndUpdate, obj: cv.obj, delta: cv.delta})
		case stateCreateAndDelete:
			b.remove(key)
			b.insert(key, &cacheValue{state: stateCreateAndUpdate, obj: cv.obj, delta: cv.delta})
		default:
			b.promote(key)
		}
		b.liveInserts[key] = struct{}{}
		return nil
	}

	if !b.missing.IsMissing(key) {
		obj, err := b.readLocked(ctx, "cache", key)
		if err != nil {
			return err
		}
		if obj != nil {
			b.insert(key, &cacheValue{state: stateRead, obj: obj})
			b.liveInserts[key] = struct{}{}
			return nil
		}
	}

	if err := b.updateCountsLocked(ctx, children, refDelta(1), nil); err != nil {
		return err
	}
	b.insert(key, &cacheValue{state: stateCreate, obj: &nodestore.Object{
		Data:     data,
		Children: slices.Clone(children),
	}})
	b.missing.Remove(key)
	b.liveInserts[key] = struct{}{}
	return nil
}

// Uncache ends the live insertion of key. A new node nothing references is
// dropped, releasing its children. Uncaching a key that is not live is a
// no-op.
func (b *StorageBackend) Uncache(ctx context.Context, key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, live := b.liveInserts[key]; !live {
		return nil
	}
	delete(b.liveInserts, key)

	cv := b.peek(key)
	if cv == nil {
		return nil
	}
	switch cv.state {
	case stateCreate:
		b.remove(key)
		return b.updateCountsLocked(ctx, cv.obj.Children, refDelta(-1), nil)
	case stateCreateAndUpdate:
		cv.state = stateCreateAndDelete
	}
	return nil
}

// IsLive reports whether key is cached and not yet uncached.
func (b *StorageBackend) IsLive(key Key) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.liveInserts[key]
	return ok
}

// Persist marks key as a GC root. Roots are counted: a key persisted twice
// must be unpersisted twice.
func (b *StorageBackend) Persist(ctx context.Context, key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.peek(key) == nil {
		obj, err := b.readLocked(ctx, "persist", key)
		if err != nil {
			return err
		}
		if obj == nil {
			return fmt.Errorf("persist %s: %w", key.Short(), ErrNotInArena)
		}
		return b.updateCountsLocked(ctx, []Key{key}, rootDelta(1), map[Key]*nodestore.Object{key: obj})
	}
	return b.updateCountsLocked(ctx, []Key{key}, rootDelta(1), nil)
}

// Unpersist removes one root mark from key.
func (b *StorageBackend) Unpersist(ctx context.Context, key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, err := b.rootCountLocked(ctx, key)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unpersist %s: key is not a GC root", key.Short())
	}
	return b.updateCountsLocked(ctx, []Key{key}, rootDelta(-1), nil)
}

// GetRootCount returns the root count of key including pending changes.
func (b *StorageBackend) GetRootCount(ctx context.Context, key Key) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rootCountLocked(ctx, key)
}

func (b *StorageBackend) rootCountLocked(ctx context.Context, key Key) (uint32, error) {
	stored, err := b.db.GetRootCount(ctx, key)
	if err != nil {
		return 0, b.dbError("get_root_count", key, err)
	}
	var pending int64
	if cv := b.peek(key); cv != nil {
		pending = cv.delta.root
	}
	n := int64(stored) + pending
	if n < 0 {
		log.Component("arena").WithField("key", key.Short()).
			Errorf("negative root count %d, treating as zero", n)
		n = 0
	}
	return uint32(n), nil
}

// GetRoots returns every GC root with its (positive) count, including
// pending changes.
func (b *StorageBackend) GetRoots(ctx context.Context) (map[Key]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rootsLocked(ctx)
}

func (b *StorageBackend) rootsLocked(ctx context.Context) (map[Key]uint32, error) {
	roots, err := b.db.GetRoots(ctx)
	if err != nil {
		return nil, b.dbError("get_roots", Key{}, err)
	}
	for _, key := range b.writeCache.Keys() {
		cv, _ := b.writeCache.Peek(key)
		if cv.delta.root == 0 {
			continue
		}
		n := int64(roots[key]) + cv.delta.root
		if n > 0 {
			roots[key] = uint32(n)
		} else {
			delete(roots, key)
		}
	}
	return roots, nil
}

// PreFetch loads the DAG below key into the read cache, down to maxDepth
// (key is at depth 0, nodestore.Unbounded for no limit). With truncate the
// walk stops at nodes already in memory.
func (b *StorageBackend) PreFetch(ctx context.Context, key Key, maxDepth int, truncate bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preFetchLocked(ctx, key, maxDepth, truncate)
}

func (b *StorageBackend) preFetchLocked(ctx context.Context, key Key, maxDepth int, truncate bool) error {
	maxCount := nodestore.Unbounded
	if b.cacheSize > 0 {
		maxCount = b.cacheSize
	}
	cacheGet := func(k Key) *nodestore.Object {
		if cv := b.peek(k); cv != nil {
			return cv.obj
		}
		return nil
	}
	nodes, err := nodestore.BFSGetNodes(ctx, b.db, key, cacheGet, truncate, maxDepth, maxCount)
	if err != nil {
		return b.dbError("pre_fetch", key, err)
	}
	// Deepest first, so the root ends up least recently used.
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if err := b.verify("pre_fetch", n.Key, n.Object); err != nil {
			return err
		}
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if b.peek(n.Key) == nil {
			b.insert(n.Key, &cacheValue{state: stateRead, obj: n.Object})
		}
	}
	return nil
}

// FlushCacheEvictionsToDB writes the least recently used pending nodes to
// the DB until the write cache holds at most the cache size. Nothing happens
// with an unbounded cache.
func (b *StorageBackend) FlushCacheEvictionsToDB(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cacheSize == 0 || b.writeCache.Len() <= b.cacheSize {
		return nil
	}
	keys := b.writeCache.Keys()
	return b.flushLocked(ctx, keys[:len(keys)-b.cacheSize])
}

// FlushAllChangesToDB writes every pending node and root change to the DB in
// one batch.
func (b *StorageBackend) FlushAllChangesToDB(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx, b.writeCache.Keys())
}

// flushLocked writes the given write-cache entries. Memory is only touched
// once the DB accepted the batch; the flushed nodes stay cached as reads.
func (b *StorageBackend) flushLocked(ctx context.Context, keys []Key) error {
	if len(keys) == 0 {
		return nil
	}
	persistRefs := b.collector.persistsRefCounts()
	updates := make([]nodestore.Update, 0, len(keys))
	for _, key := range keys {
		cv, ok := b.writeCache.Peek(key)
		if !ok {
			continue
		}
		stored := cv.obj
		if !persistRefs {
			stored = &nodestore.Object{Data: cv.obj.Data, Children: cv.obj.Children}
		}
		switch cv.state {
		case stateUpdate, stateReadAndUpdate:
			if cv.delta.ref != 0 && persistRefs {
				updates = append(updates, nodestore.InsertNode(key, stored))
			}
			if cv.delta.root != 0 {
				dbCount, err := b.db.GetRootCount(ctx, key)
				if err != nil {
					return b.dbError("flush", key, err)
				}
				n := int64(dbCount) + cv.delta.root
				if n < 0 {
					log.Component("arena").WithField("key", key.Short()).
						Errorf("negative root count %d on flush, writing zero", n)
					n = 0
				}
				updates = append(updates, nodestore.SetRootCount(key, uint32(n)))
			}
		case stateCreate, stateCreateAndUpdate, stateCreateAndDelete:
			updates = append(updates, nodestore.InsertNode(key, stored))
			if cv.delta.root > 0 {
				updates = append(updates, nodestore.SetRootCount(key, uint32(cv.delta.root)))
			}
		}
	}

	if err := b.db.BatchUpdate(ctx, updates); err != nil {
		return b.dbError("flush", Key{}, err)
	}

	for _, key := range keys {
		cv, ok := b.writeCache.Peek(key)
		if !ok {
			continue
		}
		b.writeCache.Remove(key)
		b.readCache.Add(key, &cacheValue{state: stateRead, obj: cv.obj})
	}
	b.metrics.flushed(len(keys))
	log.Component("arena").WithFields(logrus.Fields{
		"nodes":   len(keys),
		"updates": len(updates),
		"db":      b.db.Name(),
	}).Debug("flushed pending changes")
	return nil
}

// GetUnreachableKeys returns the keys GC would start collecting from: nodes
// with a zero reference count that are neither roots nor live insertions.
func (b *StorageBackend) GetUnreachableKeys(ctx context.Context) ([]Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collector.unreachable(ctx, b)
}

// GC removes every node that is no longer reachable from a root or a live
// insertion, from memory and from the DB. On error nothing is changed.
func (b *StorageBackend) GC(ctx context.Context) (GCResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, err := b.collector.collect(ctx, b)
	if err != nil {
		return res, err
	}
	b.metrics.collected(res)
	log.Component("arena").WithFields(logrus.Fields{
		"deleted":  res.Deleted,
		"scanned":  res.Scanned,
		"duration": res.Duration,
	}).Info("garbage collection finished")
	return res, nil
}

// GetStats returns a snapshot of the backend counters.
func (b *StorageBackend) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	bytes := 0
	for _, cv := range b.writeCache.Values() {
		bytes += cv.obj.Size()
	}
	return Stats{
		CacheHits:       b.hits,
		CacheMisses:     b.misses,
		MissingHits:     b.missingHits,
		ReadCacheLen:    b.readCache.Len(),
		WriteCacheLen:   b.writeCache.Len(),
		WriteCacheBytes: bytes,
		LiveInserts:     len(b.liveInserts),
	}
}

// updateCountsLocked applies d to each of keys. Nodes missing from memory
// are read from the DB (or taken from known) before anything changes, so a
// read failure leaves the backend untouched. Keys found nowhere are skipped.
func (b *StorageBackend) updateCountsLocked(ctx context.Context, keys []Key, d delta, known map[Key]*nodestore.Object) error {
	var missing []Key
	for _, k := range keys {
		if b.peek(k) == nil && known[k] == nil && !slices.Contains(missing, k) {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		objs, err := b.db.BatchGetNodes(ctx, missing)
		if err != nil {
			return b.dbError("update_counts", missing[0], err)
		}
		if known == nil {
			known = make(map[Key]*nodestore.Object, len(missing))
		}
		for i, obj := range objs {
			if obj != nil {
				known[missing[i]] = obj
			}
		}
	}

	stored := b.collector.persistsRefCounts()
	var released []Key
	for _, k := range keys {
		cv := b.peek(k)
		if cv == nil {
			obj := known[k]
			if obj == nil {
				log.Component("arena").WithField("key", k.Short()).
					Warn("count update for unknown node ignored")
				continue
			}
			b.insert(k, &cacheValue{state: stateUpdate, obj: withDelta(k, obj, d, stored), delta: d})
			continue
		}

		nv, remove, release := cv.next(k, d, stored)
		switch {
		case remove:
			b.remove(k)
			if release {
				released = append(released, cv.obj.Children...)
			}
		case nv.state.pending() != cv.state.pending():
			b.remove(k)
			b.insert(k, nv)
		default:
			*cv = *nv
			b.promote(k)
		}
	}
	if len(released) > 0 {
		return b.updateCountsLocked(ctx, released, refDelta(-1), nil)
	}
	return nil
}

func (b *StorageBackend) peek(key Key) *cacheValue {
	if cv, ok := b.writeCache.Peek(key); ok {
		return cv
	}
	if cv, ok := b.readCache.Peek(key); ok {
		return cv
	}
	return nil
}

func (b *StorageBackend) remove(key Key) {
	if !b.writeCache.Remove(key) {
		b.readCache.Remove(key)
	}
}

func (b *StorageBackend) promote(key Key) {
	if _, ok := b.writeCache.Get(key); !ok {
		b.readCache.Get(key)
	}
}

// insert adds a value for a key not currently in memory, to the write cache
// if it is pending and to the (evicting) read cache otherwise.
func (b *StorageBackend) insert(key Key, cv *cacheValue) {
	if cv.state.pending() {
		b.writeCache.Add(key, cv)
		return
	}
	b.readCache.Add(key, cv)
}
