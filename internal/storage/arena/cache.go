package arena

import (
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore"
)

// delta is a pending change to the reference and root counts of a node,
// relative to what the DB holds (or to creation, for new nodes).
type delta struct {
	ref  int64
	root int64
}

func refDelta(n int64) delta  { return delta{ref: n} }
func rootDelta(n int64) delta { return delta{root: n} }

func (d delta) add(o delta) delta {
	return delta{ref: d.ref + o.ref, root: d.root + o.root}
}

func (d delta) isZero() bool {
	return d.ref == 0 && d.root == 0
}

// cacheState says how an in-memory node relates to the DB.
type cacheState uint8

const (
	// stateRead is an unmodified copy of a DB node.
	stateRead cacheState = iota
	// stateUpdate is a DB node with pending count changes.
	stateUpdate
	// stateReadAndUpdate is a read node that also has pending count changes.
	// Unlike stateUpdate it falls back to stateRead once the changes cancel out.
	stateReadAndUpdate
	// stateCreate is a new node, not in the DB, held by a live cache insertion.
	stateCreate
	// stateCreateAndUpdate is a new node with non-zero counts.
	stateCreateAndUpdate
	// stateCreateAndDelete is a new node no longer held by the arena but still
	// referenced. It goes away with its last reference.
	stateCreateAndDelete
)

var cacheStateNames = [...]string{
	stateRead:            "read",
	stateUpdate:          "update",
	stateReadAndUpdate:   "read+update",
	stateCreate:          "create",
	stateCreateAndUpdate: "create+update",
	stateCreateAndDelete: "create+delete",
}

func (s cacheState) String() string {
	if int(s) < len(cacheStateNames) {
		return cacheStateNames[s]
	}
	return "unknown"
}

// pending reports whether the state carries changes not yet in the DB.
func (s cacheState) pending() bool {
	return s != stateRead
}

type cacheValue struct {
	state cacheState
	obj   *nodestore.Object
	delta delta
}

// withDelta returns a copy of obj with d applied to its reference count.
// Payload and children are shared, they never change for a key.
//
// Counts below zero are clamped. With stored counts that is corruption; when
// counts are not stored, nodes reloaded from the DB start at zero and
// clamping is routine.
func withDelta(key Key, obj *nodestore.Object, d delta, stored bool) *nodestore.Object {
	out := *obj
	n := int64(obj.RefCount) + d.ref
	if n < 0 {
		entry := log.Component("arena").WithField("key", key.Short())
		if stored {
			entry.Errorf("reference count underflow (%d%+d), clamping to zero", obj.RefCount, d.ref)
		} else {
			entry.Debugf("reference count of reloaded node clamped to zero (%d%+d)", obj.RefCount, d.ref)
		}
		n = 0
	}
	out.RefCount = uint32(n)
	return &out
}

// next computes the state after applying d. remove is set when the entry
// should leave memory; release additionally means the entry was the last
// holder of its children. stored tells whether reference counts are kept in
// the DB.
func (cv *cacheValue) next(key Key, d delta, stored bool) (nv *cacheValue, remove, release bool) {
	obj := withDelta(key, cv.obj, d, stored)
	combined := cv.delta.add(d)
	switch cv.state {
	case stateRead:
		return &cacheValue{state: stateReadAndUpdate, obj: obj, delta: d}, false, false
	case stateUpdate:
		if combined.isZero() {
			return nil, true, false
		}
		return &cacheValue{state: stateUpdate, obj: obj, delta: combined}, false, false
	case stateReadAndUpdate:
		if combined.isZero() {
			return &cacheValue{state: stateRead, obj: obj}, false, false
		}
		return &cacheValue{state: stateReadAndUpdate, obj: obj, delta: combined}, false, false
	case stateCreate:
		return &cacheValue{state: stateCreateAndUpdate, obj: obj, delta: d}, false, false
	case stateCreateAndUpdate:
		if combined.isZero() {
			return &cacheValue{state: stateCreate, obj: obj}, false, false
		}
		return &cacheValue{state: stateCreateAndUpdate, obj: obj, delta: combined}, false, false
	case stateCreateAndDelete:
		if combined.isZero() {
			return nil, true, true
		}
		return &cacheValue{state: stateCreateAndDelete, obj: obj, delta: combined}, false, false
	}
	return nil, true, false
}
