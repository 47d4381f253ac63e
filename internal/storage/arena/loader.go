package arena

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// DefaultRecursionLimit bounds the nesting depth of values decoded from
// untrusted input.
const DefaultRecursionLimit = 250

// Loader resolves child keys while a value is being decoded. It is passed to
// Storable.FromBinaryRepr, which should hand it on through Load or GetNext
// and never inspect it otherwise.
//
// There are two loaders: one that reads from the arena's StorageBackend and
// one that reads from a finite set of nodes received over the wire.
type Loader interface {
	// Arena returns the arena decoded values belong to.
	Arena() *Arena
	// RecursionDepth returns how many loads deep the current decode is.
	RecursionDepth() int

	checksInvariants() bool
}

// Load returns an Sp for key, resolved the way l resolves children.
func Load[T Storable[T]](l Loader, key Key) (*Sp[T], error) {
	switch l := l.(type) {
	case *backendLoader:
		return loadFromBackend[T](l, key)
	case *irLoader:
		return loadFromIR[T](l, key)
	}
	return nil, fmt.Errorf("arena: unsupported loader %T", l)
}

// GetNext loads the next child from children as an Sp[T].
func GetNext[T Storable[T]](l Loader, children *ChildIter) (*Sp[T], error) {
	key, err := children.Next()
	if err != nil {
		return nil, err
	}
	return Load[T](l, key)
}

// backendLoader reads nodes through the StorageBackend. maxDepth limits how
// many levels are decoded eagerly: zero returns lazy handles and unbounded
// decodes everything. Data from the backend was hashed when it was written,
// so invariants are not re-checked.
type backendLoader struct {
	arena    *Arena
	maxDepth int
	depth    int
}

func (l *backendLoader) Arena() *Arena          { return l.arena }
func (l *backendLoader) RecursionDepth() int    { return l.depth }
func (l *backendLoader) checksInvariants() bool { return false }

func (l *backendLoader) child() *backendLoader {
	next := l.maxDepth
	if next != nodestore.Unbounded {
		next--
	}
	return &backendLoader{arena: l.arena, maxDepth: next, depth: l.depth + 1}
}

func loadFromBackend[T Storable[T]](l *backendLoader, key Key) (*Sp[T], error) {
	a := l.arena

	a.mu.Lock()
	if p := lookupPayloadLocked[T](a, key); p != nil {
		sp := newSpLocked(a, key, p, nil)
		a.mu.Unlock()
		return sp, nil
	}
	a.mu.Unlock()

	obj, err := a.backend.Get(context.Background(), key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInArena, key.Short())
	}
	node := Node{Data: obj.Data, Children: obj.Children}

	if l.maxDepth == 0 {
		a.mu.Lock()
		defer a.mu.Unlock()
		return newSpLocked[T](a, key, nil, &node), nil
	}

	p, err := decodeFromBackend[T](l, key, node)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p = internPayloadLocked(a, key, p)
	return newSpLocked(a, key, p, &node), nil
}

func decodeFromBackend[T Storable[T]](l *backendLoader, key Key, node Node) (*T, error) {
	start := time.Now()
	v, err := decodeNode[T](key, node, l.child())
	l.arena.metrics.decoded(typeOf[T](), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// forceLoad decodes the value under key one level deep, for dereferencing a
// lazy Sp. Concurrent loads of the same key and type share one decode.
// Nothing is cached if decoding fails.
func forceLoad[T Storable[T]](a *Arena, key Key) (*T, error) {
	a.mu.Lock()
	if p := lookupPayloadLocked[T](a, key); p != nil {
		a.mu.Unlock()
		return p, nil
	}
	a.mu.Unlock()

	v, err, _ := a.loads.Do(flightKey(key, typeOf[T]()), func() (any, error) {
		return forceLoadOnce[T](a, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*T), nil
}

func flightKey(key Key, typ reflect.Type) string {
	return key.String() + "/" + typ.PkgPath() + "." + typ.String()
}

func forceLoadOnce[T Storable[T]](a *Arena, key Key) (*T, error) {
	// A load that finished while this one waited to start left the payload.
	a.mu.Lock()
	if p := lookupPayloadLocked[T](a, key); p != nil {
		a.mu.Unlock()
		return p, nil
	}
	a.mu.Unlock()

	obj, err := a.backend.Get(context.Background(), key)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, &DecodeError{Type: typeName(typeOf[T]()), Key: key, Cause: ErrNotInArena}
	}
	node := Node{Data: obj.Data, Children: obj.Children}
	p, err := decodeFromBackend[T](&backendLoader{arena: a, maxDepth: 1}, key, node)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	p = internPayloadLocked(a, key, p)
	a.learnNodeLocked(key, node)
	return p, nil
}

// irLoader decodes from a finite map of nodes, typically received over the
// wire. It is strict: every node must be present, invariants are checked and
// nesting is bounded. Each (key, type) is decoded once per top-level decode.
type irLoader struct {
	arena   *Arena
	nodes   map[Key]Node
	depth   int
	limit   int
	visited map[payloadKey]any
}

func newIRLoader(a *Arena, nodes map[Key]Node) *irLoader {
	return &irLoader{
		arena:   a,
		nodes:   nodes,
		limit:   a.recursionLimit,
		visited: make(map[payloadKey]any),
	}
}

func (l *irLoader) Arena() *Arena          { return l.arena }
func (l *irLoader) RecursionDepth() int    { return l.depth }
func (l *irLoader) checksInvariants() bool { return true }

func loadFromIR[T Storable[T]](l *irLoader, key Key) (*Sp[T], error) {
	vk := payloadKey{key: key, typ: typeOf[T]()}
	if sp, ok := l.visited[vk]; ok {
		return sp.(*Sp[T]), nil
	}
	node, ok := l.nodes[key]
	if !ok {
		return nil, newDecodeError(vk.typ, key,
			fmt.Errorf("%w: node missing from graph", ErrDeserialization))
	}
	if l.depth > l.limit {
		return nil, newDecodeError(vk.typ, key,
			fmt.Errorf("%w: depth %d > %d", ErrRecursionLimitExceeded, l.depth, l.limit))
	}

	child := &irLoader{arena: l.arena, nodes: l.nodes, depth: l.depth + 1, limit: l.limit, visited: l.visited}
	start := time.Now()
	v, err := decodeNode[T](key, node, child)
	l.arena.metrics.decoded(vk.typ, time.Since(start), err)
	if err != nil {
		return nil, err
	}

	sp := Alloc(l.arena, v)
	if sp.Key() != key {
		return nil, newDecodeError(vk.typ, key,
			fmt.Errorf("%w: re-encodes to %s", ErrNotNormalForm, sp.Key().Short()))
	}
	l.visited[vk] = sp
	return sp, nil
}

// isTopLevelMiss reports whether err is the plain "not in arena" error for
// the requested key rather than for one of its descendants.
func isTopLevelMiss(err error) bool {
	var de *DecodeError
	return errors.Is(err, ErrNotInArena) && !errors.As(err, &de)
}

// payloadLoader decodes values that have no children, such as map keys
// recovered from trie paths.
type payloadLoader struct{}

func (payloadLoader) Arena() *Arena          { return nil }
func (payloadLoader) RecursionDepth() int    { return 0 }
func (payloadLoader) checksInvariants() bool { return true }

// EncodePayload returns the payload of v, which must have no children.
func EncodePayload[T Storable[T]](v T) ([]byte, error) {
	if n := len(v.Children()); n != 0 {
		return nil, fmt.Errorf("arena: %s has %d children, payload alone does not identify it", typeOf[T](), n)
	}
	return EncodeNode(v).Data, nil
}

// DecodePayload rebuilds a childless T from its payload.
func DecodePayload[T Storable[T]](data []byte) (T, error) {
	return decodeNode[T](Node{Data: data}.Key(), Node{Data: data}, payloadLoader{})
}
