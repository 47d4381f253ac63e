// Package arena stores values as content-addressed nodes. Values are split
// into nodes by the Storable contract, handed around as Sp pointers, and kept
// in memory or persisted through a StorageBackend.
package arena

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"weak"

	"golang.org/x/sync/singleflight"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// Arena hands out Sps for the nodes of one StorageBackend.
//
// It tracks how many live Sps exist per key, telling the backend to cache a
// node when its first Sp appears and to uncache it when the last one is
// garbage collected. Decoded values are shared per (key, type) through weak
// pointers, so equal content is held in memory once.
//
// Arenas are created by NewStorage only.
type Arena struct {
	backend        *StorageBackend
	metrics        *Metrics
	recursionLimit int

	mu       sync.Mutex
	meta     map[Key]*keyMeta
	payloads map[payloadKey]weakPayload

	// loads deduplicates concurrent decodes of the same (key, type).
	loads singleflight.Group
}

type keyMeta struct {
	count  int
	cached bool
	// pending holds the node until the backend accepted it.
	pending *Node
}

type payloadKey struct {
	key Key
	typ reflect.Type
}

type weakPayload interface {
	alive() bool
}

type weakRef[T any] struct {
	p weak.Pointer[T]
}

func (w weakRef[T]) alive() bool {
	return w.p.Value() != nil
}

func newArena(backend *StorageBackend, recursionLimit int, metrics *Metrics) *Arena {
	if recursionLimit <= 0 {
		recursionLimit = DefaultRecursionLimit
	}
	return &Arena{
		backend:        backend,
		metrics:        metrics,
		recursionLimit: recursionLimit,
		meta:           make(map[Key]*keyMeta),
		payloads:       make(map[payloadKey]weakPayload),
	}
}

// Alloc stores v in the arena and returns a resident Sp for it. If an equal
// value of the same type is already resident, its payload is shared.
//
// Alloc panics if v has more than MaxChildren children.
func Alloc[T Storable[T]](a *Arena, v T) *Sp[T] {
	node := EncodeNode(v)
	key := node.Key()

	a.mu.Lock()
	defer a.mu.Unlock()
	p := internPayloadLocked(a, key, &v)
	return newSpLocked(a, key, p, &node)
}

// Get returns a resident Sp for key, decoding the whole value eagerly. An
// unknown key yields nil without error.
func Get[T Storable[T]](a *Arena, key Key) (*Sp[T], error) {
	sp, err := loadFromBackend[T](&backendLoader{arena: a, maxDepth: nodestore.Unbounded}, key)
	if err != nil {
		if isTopLevelMiss(err) {
			return nil, nil
		}
		return nil, err
	}
	return sp, nil
}

// GetLazy returns a lazy Sp for key without decoding anything. It never
// fails; an unknown key or a broken node is reported by the first Get.
func GetLazy[T Storable[T]](a *Arena, key Key) *Sp[T] {
	a.mu.Lock()
	if p := lookupPayloadLocked[T](a, key); p != nil {
		defer a.mu.Unlock()
		return newSpLocked(a, key, p, nil)
	}
	if m := a.meta[key]; m != nil && (m.cached || m.pending != nil) {
		defer a.mu.Unlock()
		return newSpLocked[T](a, key, nil, nil)
	}
	a.mu.Unlock()

	var node *Node
	obj, err := a.backend.Get(context.Background(), key)
	switch {
	case err != nil:
		log.Component("arena").WithError(err).WithField("key", key.Short()).
			Debug("lazy lookup failed, deferring to first load")
	case obj != nil:
		node = &Node{Data: obj.Data, Children: obj.Children}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return newSpLocked[T](a, key, nil, node)
}

// WithBackend runs f with the arena's backend, for operations such as
// flushing, GC or stats.
func (a *Arena) WithBackend(f func(b *StorageBackend) error) error {
	return f(a.backend)
}

// Size returns the number of keys that currently have live Sps.
func (a *Arena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.meta)
}

// RecursionLimit returns the nesting bound applied to wire decoding.
func (a *Arena) RecursionLimit() int {
	return a.recursionLimit
}

// Node returns the node stored under key, or nil if the key is unknown.
func (a *Arena) Node(key Key) (*Node, error) {
	a.mu.Lock()
	if m := a.meta[key]; m != nil && m.pending != nil {
		n := *m.pending
		a.mu.Unlock()
		return &n, nil
	}
	a.mu.Unlock()

	obj, err := a.backend.Get(context.Background(), key)
	if err != nil || obj == nil {
		return nil, err
	}
	return &Node{Data: obj.Data, Children: obj.Children}, nil
}

// Children returns the child keys of the node stored under key.
func (a *Arena) Children(key Key) ([]Key, error) {
	n, err := a.Node(key)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInArena, key.Short())
	}
	return n.Children, nil
}

func (a *Arena) persist(key Key) error {
	a.mu.Lock()
	err := a.ensureCachedLocked(key)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.backend.Persist(context.Background(), key)
}

// newSpLocked creates an Sp and counts it against key. node, or failing
// that the payload, supplies the node when the key is new to the arena.
func newSpLocked[T Storable[T]](a *Arena, key Key, p *T, node *Node) *Sp[T] {
	sp := &Sp[T]{arena: a, key: key, data: p}

	m := a.meta[key]
	if m == nil {
		m = &keyMeta{}
		a.meta[key] = m
	}
	m.count++
	if !m.cached {
		if m.pending == nil {
			switch {
			case node != nil:
				m.pending = node
			case p != nil:
				n := EncodeNode(*p)
				m.pending = &n
			}
		}
		_ = a.ensureCachedLocked(key)
	}

	runtime.AddCleanup(sp, a.release, key)
	return sp
}

// learnNodeLocked records the node of a key first tracked while unknown.
func (a *Arena) learnNodeLocked(key Key, node Node) {
	m := a.meta[key]
	if m == nil || m.cached {
		return
	}
	if m.pending == nil {
		m.pending = &node
	}
	_ = a.ensureCachedLocked(key)
}

// ensureCachedLocked hands a tracked key to the backend, children first.
// On failure the node stays pending and is retried on the next occasion.
func (a *Arena) ensureCachedLocked(key Key) error {
	m := a.meta[key]
	if m == nil || m.cached {
		return nil
	}
	if m.pending == nil {
		return fmt.Errorf("%w: %s", ErrNotInArena, key.Short())
	}
	for _, child := range m.pending.Children {
		if cm := a.meta[child]; cm != nil && !cm.cached && cm.pending != nil {
			if err := a.ensureCachedLocked(child); err != nil {
				return err
			}
		}
	}
	if err := a.backend.Cache(context.Background(), key, m.pending.Data, m.pending.Children); err != nil {
		log.Component("arena").WithError(err).WithField("key", key.Short()).
			Warn("caching node failed, will retry")
		return err
	}
	m.cached = true
	m.pending = nil
	return nil
}

// release runs when an Sp for key has been garbage collected.
func (a *Arena) release(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.meta[key]
	if m == nil {
		return
	}
	m.count--
	if m.count > 0 {
		return
	}
	delete(a.meta, key)
	if !m.cached {
		return
	}
	if err := a.backend.Uncache(context.Background(), key); err != nil {
		log.Component("arena").WithError(err).WithField("key", key.Short()).
			Error("uncaching node failed")
	}
}

func lookupPayloadLocked[T any](a *Arena, key Key) *T {
	e, ok := a.payloads[payloadKey{key: key, typ: typeOf[T]()}]
	if !ok {
		return nil
	}
	return e.(weakRef[T]).p.Value()
}

// internPayloadLocked returns the resident payload for (key, T), registering
// p as that payload if there is none.
func internPayloadLocked[T any](a *Arena, key Key, p *T) *T {
	if existing := lookupPayloadLocked[T](a, key); existing != nil {
		return existing
	}
	typ := typeOf[T]()
	if typ.Size() == 0 {
		return p
	}
	pk := payloadKey{key: key, typ: typ}
	a.payloads[pk] = weakRef[T]{p: weak.Make(p)}
	runtime.AddCleanup(p, a.prunePayload, pk)
	return p
}

func (a *Arena) prunePayload(pk payloadKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.payloads[pk]; ok && !e.alive() {
		delete(a.payloads, pk)
	}
}
