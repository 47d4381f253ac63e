package delta

import (
	"fmt"
	"slices"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// Results is the cost of moving charged state to a new set of roots.
type Results struct {
	BytesWritten uint64
	BytesDeleted uint64
	NodesWritten uint64
	NodesDeleted uint64

	// Written and Deleted list the keys behind the counts, ordered by key.
	Written []arena.Key
	Deleted []arena.Key

	// Charged is the updated RcMap.
	Charged RcMap
}

func (r Results) String() string {
	return fmt.Sprintf("written=%d nodes/%d bytes deleted=%d nodes/%d bytes",
		r.NodesWritten, r.BytesWritten, r.NodesDeleted, r.BytesDeleted)
}

// NodeCost returns the bytes charged for storing n: its stored size plus
// its own key.
func NodeCost(n *arena.Node) uint64 {
	obj := nodestore.Object{Data: n.Data, Children: n.Children}
	return uint64(obj.Size() + arenakey.Size)
}

func keySet(keys []arena.Key) map[arena.Key]struct{} {
	set := make(map[arena.Key]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func sortKeys(keys []arena.Key) []arena.Key {
	slices.SortFunc(keys, func(x, y arena.Key) int { return x.Compare(y) })
	return keys
}

// Writes returns the keys reachable from roots that are not yet charged.
// The walk stops at charged keys, whose descendants are charged already.
func (m RcMap) Writes(roots []arena.Key) ([]arena.Key, error) {
	seen := make(map[arena.Key]struct{})
	var out []arena.Key
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		k := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[k]; ok {
			continue
		}
		charged, err := m.Contains(k)
		if err != nil {
			return nil, err
		}
		if charged {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
		children, err := m.arena.Children(k)
		if err != nil {
			return nil, err
		}
		stack = append(stack, children...)
	}
	return sortKeys(out), nil
}

// Charge adds keys to the map. Each starts with no references, and each of
// their child edges adds one to the count of the child. The children of a
// new key must be charged or in keys.
func (m RcMap) Charge(keys []arena.Key) (RcMap, error) {
	inc := make(map[arena.Key]uint64, len(keys))
	for _, k := range keys {
		if _, ok := inc[k]; !ok {
			inc[k] = 0
		}
		children, err := m.arena.Children(k)
		if err != nil {
			return m, err
		}
		for _, c := range children {
			inc[c]++
		}
	}
	updated := make([]arena.Key, 0, len(inc))
	for k := range inc {
		updated = append(updated, k)
	}
	for _, k := range sortKeys(updated) {
		rc, _, err := m.RC(k)
		if err != nil {
			return m, err
		}
		if m, err = m.SetRC(k, rc+inc[k]); err != nil {
			return m, err
		}
	}
	return m, nil
}

// Collect stops charging unreferenced keys that are not roots, and the
// descendants whose counts drop to zero because of it. It visits at most
// stepLimit keys; whatever is left stays unreferenced for the next call.
// Collect returns the removed keys, ordered by key.
func (m RcMap) Collect(roots []arena.Key, stepLimit int) (RcMap, []arena.Key, error) {
	rootSet := keySet(roots)
	initial, err := m.UnreachableKeysNotIn(rootSet)
	if err != nil {
		return m, nil, err
	}

	var (
		queue   []arena.Key
		removed []arena.Key
		visited = make(map[arena.Key]struct{})
		rcs     = make(map[arena.Key]uint64)
		dec     = make(map[arena.Key]uint64)
	)
	next := func() (arena.Key, bool) {
		if len(initial) > 0 {
			k := initial[0]
			initial = initial[1:]
			return k, true
		}
		if len(queue) > 0 {
			k := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			return k, true
		}
		return arena.Key{}, false
	}

	for steps := 0; steps < stepLimit; steps++ {
		k, ok := next()
		if !ok {
			break
		}
		if _, done := visited[k]; done {
			continue
		}
		visited[k] = struct{}{}
		children, err := m.arena.Children(k)
		if err != nil {
			return m, nil, err
		}
		for _, c := range children {
			rc, cached := rcs[c]
			if !cached {
				if rc, _, err = m.RC(c); err != nil {
					return m, nil, err
				}
				rcs[c] = rc
			}
			dec[c]++
			if _, root := rootSet[c]; dec[c] >= rc && !root {
				queue = append(queue, c)
			}
		}
		removed = append(removed, k)
	}

	changed := make([]arena.Key, 0, len(dec))
	for c := range dec {
		changed = append(changed, c)
	}
	for _, c := range sortKeys(changed) {
		rc := rcs[c]
		if d := dec[c]; d > rc {
			log.Component("delta").Warnf("reference count of charged key %s below zero, clamped", c.Short())
			rc = 0
		} else {
			rc -= d
		}
		if m, err = m.SetRC(c, rc); err != nil {
			return m, nil, err
		}
	}
	for _, k := range removed {
		if m, err = m.RemoveUnreachable(k); err != nil {
			return m, nil, err
		}
	}
	return m, sortKeys(removed), nil
}

func (r *Results) addWrites(a *arena.Arena, keys []arena.Key) error {
	for _, k := range keys {
		n, err := a.Node(k)
		if err != nil {
			return err
		}
		if n == nil {
			return fmt.Errorf("%w: %s", arena.ErrNotInArena, k.Short())
		}
		r.BytesWritten += NodeCost(n)
	}
	r.NodesWritten += uint64(len(keys))
	r.Written = keys
	return nil
}

// InitialCosts charges everything reachable from roots into an empty map.
func InitialCosts(a *arena.Arena, roots []arena.Key) (Results, error) {
	m := NewRcMap(a)
	writes, err := m.Writes(roots)
	if err != nil {
		return Results{}, err
	}
	var r Results
	if err := r.addWrites(a, writes); err != nil {
		return Results{}, err
	}
	if r.Charged, err = m.Charge(writes); err != nil {
		return Results{}, err
	}
	return r, nil
}

// IncrementalCosts moves the charged state in k0 to roots. Nodes reachable
// from roots and not yet charged are written. Up to gcLimit unreferenced
// nodes are then collected and counted as deleted. The nodes of k0 must
// stay reachable, through k0 or otherwise, until the call returns.
func IncrementalCosts(k0 RcMap, roots []arena.Key, gcLimit int) (Results, error) {
	a := k0.arena
	writes, err := k0.Writes(roots)
	if err != nil {
		return Results{}, err
	}
	var r Results
	if err := r.addWrites(a, writes); err != nil {
		return Results{}, err
	}
	m, err := k0.Charge(writes)
	if err != nil {
		return Results{}, err
	}
	m, deleted, err := m.Collect(roots, gcLimit)
	if err != nil {
		return Results{}, err
	}
	for _, k := range deleted {
		n, err := a.Node(k)
		if err != nil {
			return Results{}, err
		}
		if n == nil {
			return Results{}, fmt.Errorf("%w: %s", arena.ErrNotInArena, k.Short())
		}
		r.BytesDeleted += NodeCost(n)
	}
	r.NodesDeleted = uint64(len(deleted))
	r.Deleted = deleted
	r.Charged = m

	log.Component("delta").WithField("roots", len(roots)).Debugf("charged state moved: %s", r)
	return r, nil
}
