// Package nodestore provides the persistence layer underneath the storage
// arena: a content-addressed DAG of nodes keyed by SHA-256, each carrying a
// reference count, plus a table of GC root counts.
//
// A DB does not enforce logical consistency of the DAG. Child keys may point
// at nodes that are absent, stored reference counts may disagree with the
// number of referencing parents, and a root count may be set on a node that is
// not stored. Keeping the DAG consistent is the job of the caller.
package nodestore

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
)

// Key is the content hash used to address nodes.
type Key = arenakey.Key

// Object is the on-disk form of a node.
type Object struct {
	Data     []byte // Node payload, excluding children
	RefCount uint32 // Number of stored parents referencing this node
	Children []Key  // Child keys in the order the owning type lists them
}

// Clone returns a deep copy of the object.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	return &Object{
		Data:     bytes.Clone(o.Data),
		RefCount: o.RefCount,
		Children: slices.Clone(o.Children),
	}
}

// Equal reports whether two objects carry the same data, count and children.
func (o *Object) Equal(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.RefCount == other.RefCount &&
		bytes.Equal(o.Data, other.Data) &&
		slices.Equal(o.Children, other.Children)
}

// Size returns an estimate of the object's in-memory footprint in bytes.
func (o *Object) Size() int {
	return len(o.Data) + len(o.Children)*arenakey.Size + 4
}

// KeyedObject pairs an object with its key.
type KeyedObject struct {
	Key    Key
	Object *Object
}

// UpdateKind identifies the operation carried by an Update.
type UpdateKind uint8

const (
	// UpdateInsertNode stores (or replaces) a node.
	UpdateInsertNode UpdateKind = iota + 1
	// UpdateDeleteNode removes a node.
	UpdateDeleteNode
	// UpdateSetRootCount sets the GC root count of a key. Zero removes the root.
	UpdateSetRootCount
)

// String returns the string representation of the UpdateKind.
func (k UpdateKind) String() string {
	switch k {
	case UpdateInsertNode:
		return "InsertNode"
	case UpdateDeleteNode:
		return "DeleteNode"
	case UpdateSetRootCount:
		return "SetRootCount"
	default:
		return fmt.Sprintf("UpdateKind(%d)", uint8(k))
	}
}

// Update is one entry of an atomic batch.
type Update struct {
	Kind      UpdateKind
	Key       Key
	Object    *Object // Set for UpdateInsertNode
	RootCount uint32  // Set for UpdateSetRootCount
}

// InsertNode builds an insert update.
func InsertNode(key Key, obj *Object) Update {
	return Update{Kind: UpdateInsertNode, Key: key, Object: obj}
}

// DeleteNode builds a delete update.
func DeleteNode(key Key) Update {
	return Update{Kind: UpdateDeleteNode, Key: key}
}

// SetRootCount builds a root count update.
func SetRootCount(key Key, count uint32) Update {
	return Update{Kind: UpdateSetRootCount, Key: key, RootCount: count}
}

//go:generate mockgen -destination=mocks/db.go -package=mocks . DB

// DB is the contract every persistence adapter satisfies.
//
// Missing nodes are reported as a nil object with a nil error. Any non-nil
// error means the adapter itself failed.
type DB interface {
	// Name returns the adapter name, e.g. "memory" or "sqlite".
	Name() string

	// ID returns an identity unique to this DB instance. Two handles to the
	// same underlying store report the same ID.
	ID() string

	// GetNode returns the node stored under key, or nil if there is none.
	GetNode(ctx context.Context, key Key) (*Object, error)

	// BatchGetNodes looks up several keys. The result is aligned with keys
	// and holds nil for every missing node.
	BatchGetNodes(ctx context.Context, keys []Key) ([]*Object, error)

	// GetUnreachableKeys returns the keys of all nodes with a zero reference
	// count that are not GC roots.
	GetUnreachableKeys(ctx context.Context) ([]Key, error)

	// InsertNode stores a node, replacing any previous value.
	InsertNode(ctx context.Context, key Key, obj *Object) error

	// DeleteNode removes a node. Deleting an absent node is not an error.
	DeleteNode(ctx context.Context, key Key) error

	// BatchUpdate applies all updates atomically, in order.
	BatchUpdate(ctx context.Context, updates []Update) error

	// GetRootCount returns the GC root count of key, zero if it is not a root.
	GetRootCount(ctx context.Context, key Key) (uint32, error)

	// SetRootCount sets the GC root count of key. Zero removes the root.
	SetRootCount(ctx context.Context, key Key, count uint32) error

	// GetRoots returns every root with its (positive) root count.
	GetRoots(ctx context.Context) (map[Key]uint32, error)

	// Size returns the number of stored nodes.
	Size(ctx context.Context) (int, error)

	// GetMeta returns a metadata value, or nil if unset.
	GetMeta(ctx context.Context, name string) ([]byte, error)

	// SetMeta stores a metadata value.
	SetMeta(ctx context.Context, name string, value []byte) error

	// Close releases the DB's resources.
	Close() error
}

// Metadata names used by the storage layer.
const (
	// MetaLayoutVersion holds the on-disk layout version of the arena.
	MetaLayoutVersion = "layout_version"
)
