package arena

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// LayoutVersion identifies how the arena lays out its nodes in the DB.
type LayoutVersion uint32

const (
	// LayoutV1 persists reference counts and supports garbage collection.
	LayoutV1 LayoutVersion = 1
	// LayoutV2 does not persist reference counts. Garbage collection is
	// disabled.
	LayoutV2 LayoutVersion = 2

	// DefaultLayout is the layout new storages are created with.
	DefaultLayout = LayoutV1
)

func (v LayoutVersion) String() string {
	return "v" + strconv.FormatUint(uint64(v), 10)
}

// ParseLayoutVersion parses "1", "v1", "2" or "v2".
func ParseLayoutVersion(s string) (LayoutVersion, error) {
	if len(s) > 0 && (s[0] == 'v' || s[0] == 'V') {
		s = s[1:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid layout version %q: %w", s, err)
	}
	v := LayoutVersion(n)
	if _, err := newCollector(v); err != nil {
		return 0, err
	}
	return v, nil
}

// GCResult summarizes one garbage collection pass.
type GCResult struct {
	Scanned  int // candidate nodes examined
	Deleted  int // nodes removed from memory and DB
	Duration time.Duration
}

// collector is the garbage collection strategy of a layout version.
type collector interface {
	version() LayoutVersion
	persistsRefCounts() bool
	unreachable(ctx context.Context, b *StorageBackend) ([]Key, error)
	collect(ctx context.Context, b *StorageBackend) (GCResult, error)
}

func newCollector(v LayoutVersion) (collector, error) {
	switch v {
	case LayoutV1:
		return refCountCollector{}, nil
	case LayoutV2:
		return disabledCollector{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported layout version %d", nodestore.ErrInvalidConfig, uint32(v))
}

// disabledCollector backs layouts without reference counts.
type disabledCollector struct{}

func (disabledCollector) version() LayoutVersion  { return LayoutV2 }
func (disabledCollector) persistsRefCounts() bool { return false }

func (disabledCollector) unreachable(context.Context, *StorageBackend) ([]Key, error) {
	return nil, ErrGCDisabled
}

func (disabledCollector) collect(context.Context, *StorageBackend) (GCResult, error) {
	return GCResult{}, ErrGCDisabled
}

// refCountCollector deletes nodes whose reference count is zero and that are
// neither roots nor live insertions, cascading into their children. Over
// DAGs this reaches the same result as marking from the roots.
type refCountCollector struct{}

func (refCountCollector) version() LayoutVersion  { return LayoutV1 }
func (refCountCollector) persistsRefCounts() bool { return true }

func (refCountCollector) unreachable(ctx context.Context, b *StorageBackend) ([]Key, error) {
	plan, err := newGCPlan(ctx, b)
	if err != nil {
		return nil, err
	}
	return plan.seeds, nil
}

func (refCountCollector) collect(ctx context.Context, b *StorageBackend) (GCResult, error) {
	start := time.Now()
	plan, err := newGCPlan(ctx, b)
	if err != nil {
		return GCResult{}, err
	}
	if err := plan.run(ctx); err != nil {
		return GCResult{}, err
	}

	updates := make([]nodestore.Update, 0, len(plan.order))
	for _, k := range plan.order {
		updates = append(updates, nodestore.DeleteNode(k))
		// An unpersist that was never flushed still leaves a DB root entry.
		if cv := b.peek(k); cv != nil && cv.delta.root != 0 {
			updates = append(updates, nodestore.SetRootCount(k, 0))
		}
	}
	if len(updates) > 0 {
		if err := b.db.BatchUpdate(ctx, updates); err != nil {
			return GCResult{}, b.dbError("gc", Key{}, err)
		}
	}

	// The DB no longer has the deleted nodes; bring memory in line.
	for _, k := range plan.order {
		b.remove(k)
	}
	for k, adj := range plan.adjust {
		if _, gone := plan.deleted[k]; gone || adj == 0 {
			continue
		}
		if err := b.updateCountsLocked(ctx, []Key{k}, refDelta(adj), plan.fetched); err != nil {
			return GCResult{}, err
		}
	}
	return GCResult{
		Scanned:  plan.scanned,
		Deleted:  len(plan.order),
		Duration: time.Since(start),
	}, nil
}

// gcPlan computes the set of collectable nodes without changing the backend.
type gcPlan struct {
	b       *StorageBackend
	roots   map[Key]struct{}
	seeds   []Key
	fetched map[Key]*nodestore.Object
	adjust  map[Key]int64
	deleted map[Key]struct{}
	order   []Key
	scanned int
}

func newGCPlan(ctx context.Context, b *StorageBackend) (*gcPlan, error) {
	p := &gcPlan{
		b:       b,
		roots:   make(map[Key]struct{}),
		fetched: make(map[Key]*nodestore.Object),
		adjust:  make(map[Key]int64),
		deleted: make(map[Key]struct{}),
	}

	roots, err := b.rootsLocked(ctx)
	if err != nil {
		return nil, err
	}
	for k := range roots {
		p.roots[k] = struct{}{}
	}
	for k := range b.liveInserts {
		p.roots[k] = struct{}{}
	}

	dbKeys, err := b.db.GetUnreachableKeys(ctx)
	if err != nil {
		return nil, b.dbError("get_unreachable_keys", Key{}, err)
	}
	candidates := append([]Key{}, dbKeys...)
	for _, k := range b.writeCache.Keys() {
		if cv, _ := b.writeCache.Peek(k); cv.obj.RefCount == 0 {
			candidates = append(candidates, k)
		}
	}

	seen := make(map[Key]struct{}, len(candidates))
	for _, k := range candidates {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if _, root := p.roots[k]; root {
			continue
		}
		obj, err := p.view(ctx, k)
		if err != nil {
			return nil, err
		}
		if obj == nil || obj.RefCount != 0 {
			continue
		}
		p.seeds = append(p.seeds, k)
	}
	return p, nil
}

// view returns the current object for key, preferring memory. DB reads are
// remembered for the apply phase.
func (p *gcPlan) view(ctx context.Context, key Key) (*nodestore.Object, error) {
	if cv := p.b.peek(key); cv != nil {
		return cv.obj, nil
	}
	if obj, ok := p.fetched[key]; ok {
		return obj, nil
	}
	obj, err := p.b.db.GetNode(ctx, key)
	if err != nil {
		return nil, p.b.dbError("gc", key, err)
	}
	p.fetched[key] = obj
	return obj, nil
}

func (p *gcPlan) prefetch(ctx context.Context, keys []Key) error {
	var missing []Key
	for _, k := range keys {
		if p.b.peek(k) != nil {
			continue
		}
		if _, ok := p.fetched[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	objs, err := p.b.db.BatchGetNodes(ctx, missing)
	if err != nil {
		return p.b.dbError("gc", missing[0], err)
	}
	for i, obj := range objs {
		p.fetched[missing[i]] = obj
	}
	return nil
}

func (p *gcPlan) run(ctx context.Context) error {
	stack := append([]Key{}, p.seeds...)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := p.deleted[key]; done {
			continue
		}
		p.scanned++
		obj, err := p.view(ctx, key)
		if err != nil {
			return err
		}
		if obj == nil {
			continue
		}
		p.deleted[key] = struct{}{}
		p.order = append(p.order, key)

		if err := p.prefetch(ctx, obj.Children); err != nil {
			return err
		}
		for _, child := range obj.Children {
			p.adjust[child]--
			if _, root := p.roots[child]; root {
				continue
			}
			if _, done := p.deleted[child]; done {
				continue
			}
			cobj, err := p.view(ctx, child)
			if err != nil {
				return err
			}
			if cobj != nil && int64(cobj.RefCount)+p.adjust[child] <= 0 {
				stack = append(stack, child)
			}
		}
	}
	return nil
}
