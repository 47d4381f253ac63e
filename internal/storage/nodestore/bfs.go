package nodestore

import (
	"context"
	"fmt"
)

// Unbounded disables a depth or count limit in BFSGetNodes.
const Unbounded = -1

// BFSGetNodes collects the nodes reachable from key in breadth-first order.
//
// cacheGet reports nodes the caller already holds in memory. Those are not
// returned. With truncate set the walk stops at them, otherwise it continues
// through their children. maxDepth limits the depth (key is at depth 0) and
// maxCount the number of returned nodes; Unbounded disables either limit.
//
// The result lists the nodes in the order they were read from db. A missing
// key is tolerated, a missing descendant is reported as ErrMissingNode.
func BFSGetNodes(ctx context.Context, db DB, key Key, cacheGet func(Key) *Object, truncate bool, maxDepth, maxCount int) ([]KeyedObject, error) {
	var out []KeyedObject
	visited := make(map[Key]struct{})
	current := []Key{key}

	for depth := 0; len(current) > 0 && (maxDepth == Unbounded || depth <= maxDepth); depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next, unknown []Key
		for _, k := range current {
			if _, seen := visited[k]; seen {
				continue
			}
			visited[k] = struct{}{}
			if cacheGet != nil {
				if obj := cacheGet(k); obj != nil {
					if !truncate {
						next = append(next, obj.Children...)
					}
					continue
				}
			}
			unknown = append(unknown, k)
		}

		if maxCount != Unbounded {
			if room := maxCount - len(out); len(unknown) > room {
				unknown = unknown[:max(room, 0)]
			}
		}
		if len(unknown) == 0 {
			if maxCount != Unbounded && len(out) >= maxCount {
				break
			}
			current = next
			continue
		}

		objs, err := db.BatchGetNodes(ctx, unknown)
		if err != nil {
			return nil, err
		}
		for i, obj := range objs {
			if obj == nil {
				if depth > 0 {
					return nil, NewError("bfs_get_nodes", db.Name(), unknown[i],
						fmt.Errorf("%w: child of %s", ErrMissingNode, key.Short()))
				}
				continue
			}
			next = append(next, obj.Children...)
			out = append(out, KeyedObject{Key: unknown[i], Object: obj})
		}
		current = next
	}
	return out, nil
}
