package nodestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Key layout shared by every key-value adapter:
//
//	'n' || key -> encoded Object
//	'z' || key -> empty; present while the node's ref count is zero
//	'r' || key -> u32 big-endian root count (absent when zero)
//	'm' || name -> metadata value
const (
	prefixNode     byte = 'n'
	prefixZeroRefs byte = 'z'
	prefixRoot     byte = 'r'
	prefixMeta     byte = 'm'
)

type kvPair struct {
	key   []byte
	value []byte
}

// kvStore is the surface a key-value engine offers the DAG layout.
type kvStore interface {
	// get returns nil, nil when the key is absent.
	get(key []byte) ([]byte, error)
	// write applies puts then deletes atomically.
	write(puts []kvPair, dels [][]byte) error
	// iterate calls fn for each entry whose key starts with prefix, in key order.
	iterate(prefix []byte, fn func(key, value []byte) error) error
	close() error
}

// KVDB implements DB on top of an ordered key-value engine.
type KVDB struct {
	name        string
	id          string
	store       kvStore
	codec       *ObjectCodec
	readThreads int

	closed int64 // atomic flag
}

func newKVDB(name, id string, store kvStore, config *Config) (*KVDB, error) {
	c, err := NewObjectCodec(config.Compressor, config.CompressionLevel)
	if err != nil {
		store.close()
		return nil, err
	}
	threads := config.ReadThreads
	if threads < 1 {
		threads = 1
	}
	return &KVDB{name: name, id: id, store: store, codec: c, readThreads: threads}, nil
}

func prefixed(prefix byte, rest []byte) []byte {
	out := make([]byte, 1+len(rest))
	out[0] = prefix
	copy(out[1:], rest)
	return out
}

// Name returns the name of this backend.
func (d *KVDB) Name() string {
	return d.name
}

// ID returns the identity of the underlying store.
func (d *KVDB) ID() string {
	return d.id
}

func (d *KVDB) checkOpen(op string) error {
	if atomic.LoadInt64(&d.closed) != 0 {
		return NewErrorWithoutKey(op, d.name, ErrBackendClosed)
	}
	return nil
}

// GetNode retrieves a single node by key.
func (d *KVDB) GetNode(_ context.Context, key Key) (*Object, error) {
	if err := d.checkOpen("get_node"); err != nil {
		return nil, err
	}
	raw, err := d.store.get(prefixed(prefixNode, key[:]))
	if err != nil {
		return nil, NewError("get_node", d.name, key, err)
	}
	if raw == nil {
		return nil, nil
	}
	obj, err := d.codec.Decode(raw)
	if err != nil {
		return nil, NewError("get_node", d.name, key, err)
	}
	return obj, nil
}

// BatchGetNodes fans lookups out over ReadThreads goroutines.
func (d *KVDB) BatchGetNodes(ctx context.Context, keys []Key) ([]*Object, error) {
	if err := d.checkOpen("batch_get_nodes"); err != nil {
		return nil, err
	}
	results := make([]*Object, len(keys))
	if len(keys) <= 1 || d.readThreads == 1 {
		for i, key := range keys {
			obj, err := d.GetNode(ctx, key)
			if err != nil {
				return nil, err
			}
			results[i] = obj
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.readThreads)
	for i, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			obj, err := d.GetNode(gctx, key)
			if err != nil {
				return err
			}
			results[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetUnreachableKeys walks the zero-ref index and drops roots.
func (d *KVDB) GetUnreachableKeys(_ context.Context) ([]Key, error) {
	if err := d.checkOpen("get_unreachable_keys"); err != nil {
		return nil, err
	}
	var candidates []Key
	err := d.store.iterate([]byte{prefixZeroRefs}, func(k, _ []byte) error {
		var key Key
		if len(k) != 1+len(key) {
			return fmt.Errorf("%w: malformed zero-ref entry", ErrDataCorrupt)
		}
		copy(key[:], k[1:])
		candidates = append(candidates, key)
		return nil
	})
	if err != nil {
		return nil, NewErrorWithoutKey("get_unreachable_keys", d.name, err)
	}

	keys := candidates[:0]
	for _, key := range candidates {
		raw, err := d.store.get(prefixed(prefixRoot, key[:]))
		if err != nil {
			return nil, NewError("get_unreachable_keys", d.name, key, err)
		}
		if raw == nil {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

type kvOp struct {
	key   []byte
	value []byte
	del   bool
}

func (d *KVDB) stage(u Update, ops []kvOp) ([]kvOp, error) {
	switch u.Kind {
	case UpdateInsertNode:
		value, err := d.codec.Encode(u.Object)
		if err != nil {
			return nil, err
		}
		ops = append(ops, kvOp{key: prefixed(prefixNode, u.Key[:]), value: value})
		ops = append(ops, kvOp{key: prefixed(prefixZeroRefs, u.Key[:]), value: []byte{}, del: u.Object.RefCount != 0})
	case UpdateDeleteNode:
		ops = append(ops,
			kvOp{key: prefixed(prefixNode, u.Key[:]), del: true},
			kvOp{key: prefixed(prefixZeroRefs, u.Key[:]), del: true})
	case UpdateSetRootCount:
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], u.RootCount)
		ops = append(ops, kvOp{key: prefixed(prefixRoot, u.Key[:]), value: v[:], del: u.RootCount == 0})
	default:
		return nil, fmt.Errorf("unknown update kind %s", u.Kind)
	}
	return ops, nil
}

// apply folds a sequence of updates into one atomic engine write. When
// several updates touch the same engine key, the last one wins.
func (d *KVDB) apply(op string, updates []Update) error {
	if err := d.checkOpen(op); err != nil {
		return err
	}
	var ops []kvOp
	for _, u := range updates {
		var err error
		if ops, err = d.stage(u, ops); err != nil {
			return NewError(op, d.name, u.Key, err)
		}
	}

	last := make(map[string]int, len(ops))
	for i, o := range ops {
		last[string(o.key)] = i
	}
	var puts []kvPair
	var dels [][]byte
	for i, o := range ops {
		if last[string(o.key)] != i {
			continue
		}
		if o.del {
			dels = append(dels, o.key)
		} else {
			puts = append(puts, kvPair{key: o.key, value: o.value})
		}
	}
	if err := d.store.write(puts, dels); err != nil {
		return NewErrorWithoutKey(op, d.name, err)
	}
	return nil
}

// InsertNode stores a node.
func (d *KVDB) InsertNode(_ context.Context, key Key, obj *Object) error {
	return d.apply("insert_node", []Update{InsertNode(key, obj)})
}

// DeleteNode removes a node.
func (d *KVDB) DeleteNode(_ context.Context, key Key) error {
	return d.apply("delete_node", []Update{DeleteNode(key)})
}

// BatchUpdate applies all updates in one engine write.
func (d *KVDB) BatchUpdate(_ context.Context, updates []Update) error {
	if len(updates) == 0 {
		return d.checkOpen("batch_update")
	}
	return d.apply("batch_update", updates)
}

// GetRootCount returns the root count of key.
func (d *KVDB) GetRootCount(_ context.Context, key Key) (uint32, error) {
	if err := d.checkOpen("get_root_count"); err != nil {
		return 0, err
	}
	raw, err := d.store.get(prefixed(prefixRoot, key[:]))
	if err != nil {
		return 0, NewError("get_root_count", d.name, key, err)
	}
	if raw == nil {
		return 0, nil
	}
	if len(raw) != 4 {
		return 0, NewError("get_root_count", d.name, key, ErrDataCorrupt)
	}
	return binary.BigEndian.Uint32(raw), nil
}

// SetRootCount sets the root count of key.
func (d *KVDB) SetRootCount(_ context.Context, key Key, count uint32) error {
	return d.apply("set_root_count", []Update{SetRootCount(key, count)})
}

// GetRoots returns every stored root.
func (d *KVDB) GetRoots(_ context.Context) (map[Key]uint32, error) {
	if err := d.checkOpen("get_roots"); err != nil {
		return nil, err
	}
	roots := make(map[Key]uint32)
	err := d.store.iterate([]byte{prefixRoot}, func(k, v []byte) error {
		var key Key
		if len(k) != 1+len(key) || len(v) != 4 {
			return fmt.Errorf("%w: malformed root entry", ErrDataCorrupt)
		}
		copy(key[:], k[1:])
		roots[key] = binary.BigEndian.Uint32(v)
		return nil
	})
	if err != nil {
		return nil, NewErrorWithoutKey("get_roots", d.name, err)
	}
	return roots, nil
}

// Size counts stored nodes.
func (d *KVDB) Size(_ context.Context) (int, error) {
	if err := d.checkOpen("size"); err != nil {
		return 0, err
	}
	n := 0
	err := d.store.iterate([]byte{prefixNode}, func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, NewErrorWithoutKey("size", d.name, err)
	}
	return n, nil
}

// GetMeta returns a metadata value.
func (d *KVDB) GetMeta(_ context.Context, name string) ([]byte, error) {
	if err := d.checkOpen("get_meta"); err != nil {
		return nil, err
	}
	v, err := d.store.get(prefixed(prefixMeta, []byte(name)))
	if err != nil {
		return nil, NewErrorWithoutKey("get_meta", d.name, err)
	}
	return v, nil
}

// SetMeta stores a metadata value.
func (d *KVDB) SetMeta(_ context.Context, name string, value []byte) error {
	if err := d.checkOpen("set_meta"); err != nil {
		return err
	}
	if err := d.store.write([]kvPair{{key: prefixed(prefixMeta, []byte(name)), value: value}}, nil); err != nil {
		return NewErrorWithoutKey("set_meta", d.name, err)
	}
	return nil
}

// ForEach visits every stored node in key order.
func (d *KVDB) ForEach(fn func(Key, *Object) error) error {
	if err := d.checkOpen("for_each"); err != nil {
		return err
	}
	return d.store.iterate([]byte{prefixNode}, func(k, v []byte) error {
		var key Key
		if len(k) != 1+len(key) {
			return fmt.Errorf("%w: malformed node key", ErrDataCorrupt)
		}
		copy(key[:], k[1:])
		obj, err := d.codec.Decode(v)
		if err != nil {
			return NewError("for_each", d.name, key, err)
		}
		return fn(key, obj)
	})
}

// Close closes the underlying store.
func (d *KVDB) Close() error {
	if !atomic.CompareAndSwapInt64(&d.closed, 0, 1) {
		return nil
	}
	return d.store.close()
}
