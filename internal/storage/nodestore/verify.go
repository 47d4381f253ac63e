package nodestore

import (
	"context"
	"fmt"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
)

// Iterable is implemented by DBs that can enumerate every stored node.
type Iterable interface {
	ForEach(fn func(Key, *Object) error) error
}

// VerificationResult holds the result of a verification operation.
type VerificationResult struct {
	TotalNodes       int64 // Total number of nodes checked
	CorruptNodes     int64 // Number of nodes with any problem
	HashMismatch     int64 // Nodes whose key is not the hash of their content
	MissingChildren  int64 // Child references to nodes that are not stored
	RefCountMismatch int64 // Nodes whose stored ref count disagrees with their stored parents
	CorruptKeys      []Key // Keys of corrupt nodes (limited to MaxCorruptNodes)
}

// IsValid returns true if no corruption was detected.
func (r *VerificationResult) IsValid() bool {
	return r.CorruptNodes == 0
}

// String returns a formatted string representation of the verification result.
func (r *VerificationResult) String() string {
	status := "VALID"
	if !r.IsValid() {
		status = "CORRUPT"
	}

	return fmt.Sprintf(`Verification Result: %s
  Total Nodes: %d
  Corrupt Nodes: %d
  Hash Mismatches: %d
  Missing Children: %d
  Ref Count Mismatches: %d`,
		status,
		r.TotalNodes,
		r.CorruptNodes,
		r.HashMismatch,
		r.MissingChildren,
		r.RefCountMismatch)
}

// VerifyOptions holds options for verification operations.
type VerifyOptions struct {
	// StopOnFirstError stops verification when the first error is encountered.
	StopOnFirstError bool

	// CheckRefCounts compares each stored ref count with the number of
	// stored parents. Counts are only meaningful for refcounted layouts.
	CheckRefCounts bool

	// MaxCorruptNodes limits the number of corrupt keys collected.
	MaxCorruptNodes int

	// ProgressCallback is called periodically with the number of nodes verified.
	ProgressCallback func(verified int64)

	// ProgressInterval specifies how often to call ProgressCallback.
	ProgressInterval int64
}

// DefaultVerifyOptions returns default verification options.
func DefaultVerifyOptions() *VerifyOptions {
	return &VerifyOptions{
		CheckRefCounts:   true,
		MaxCorruptNodes:  100,
		ProgressInterval: 10000,
	}
}

// Verify checks every stored node of db: the key must be the content hash,
// every child must be stored and, optionally, ref counts must match the
// number of referencing parents.
func Verify(ctx context.Context, db DB, opts *VerifyOptions) (*VerificationResult, error) {
	if opts == nil {
		opts = DefaultVerifyOptions()
	}
	it, ok := db.(Iterable)
	if !ok {
		if w, wrapped := db.(*WrappedDB); wrapped {
			it, ok = w.Unwrap().(Iterable)
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: backend %s cannot enumerate nodes", ErrUnsupportedBackend, db.Name())
	}

	// First pass: collect every node. Corruption checks need the full key set.
	nodes := make(map[Key]*Object)
	err := it.ForEach(func(k Key, obj *Object) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		nodes[k] = obj
		return nil
	})
	if err != nil {
		return nil, err
	}

	parents := make(map[Key]uint32, len(nodes))
	for _, obj := range nodes {
		for _, c := range obj.Children {
			parents[c]++
		}
	}

	result := &VerificationResult{
		CorruptKeys: make([]Key, 0, opts.MaxCorruptNodes),
	}
	markCorrupt := func(k Key) {
		result.CorruptNodes++
		if len(result.CorruptKeys) < opts.MaxCorruptNodes {
			result.CorruptKeys = append(result.CorruptKeys, k)
		}
	}

	for k, obj := range nodes {
		result.TotalNodes++
		if opts.ProgressCallback != nil && opts.ProgressInterval > 0 && result.TotalNodes%opts.ProgressInterval == 0 {
			opts.ProgressCallback(result.TotalNodes)
		}

		corrupt := false
		if arenakey.Hash(obj.Data, obj.Children) != k {
			result.HashMismatch++
			corrupt = true
			if opts.StopOnFirstError {
				markCorrupt(k)
				return result, fmt.Errorf("%w: hash mismatch for node %s", ErrDataCorrupt, k)
			}
		}
		for _, c := range obj.Children {
			if _, ok := nodes[c]; !ok {
				result.MissingChildren++
				corrupt = true
				if opts.StopOnFirstError {
					markCorrupt(k)
					return result, fmt.Errorf("%w: node %s references %s", ErrMissingNode, k, c)
				}
			}
		}
		if opts.CheckRefCounts && obj.RefCount != parents[k] {
			result.RefCountMismatch++
			corrupt = true
			if opts.StopOnFirstError {
				markCorrupt(k)
				return result, fmt.Errorf("%w: node %s has ref count %d but %d parents",
					ErrDataCorrupt, k, obj.RefCount, parents[k])
			}
		}
		if corrupt {
			markCorrupt(k)
		}
	}

	return result, nil
}

// ForEach visits every stored node.
func (m *MemoryDB) ForEach(fn func(Key, *Object) error) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	m.mu.RLock()
	snapshot := make([]KeyedObject, 0, len(m.nodes))
	for k, obj := range m.nodes {
		snapshot = append(snapshot, KeyedObject{Key: k, Object: obj.Clone()})
	}
	m.mu.RUnlock()

	for _, ko := range snapshot {
		if err := fn(ko.Key, ko.Object); err != nil {
			return err
		}
	}
	return nil
}

// ForEach visits every stored node.
func (d *SQLDB) ForEach(fn func(Key, *Object) error) error {
	if err := d.checkOpen("for_each"); err != nil {
		return err
	}
	rows, err := d.db.Query("SELECT key, data, ref_count, children FROM node")
	if err != nil {
		return NewErrorWithoutKey("for_each", d.dialect.name, err)
	}
	// Drain first; sqlite runs on a single connection.
	var all []KeyedObject
	for rows.Next() {
		var raw, data, children []byte
		var refCount int64
		if err := rows.Scan(&raw, &data, &refCount, &children); err != nil {
			rows.Close()
			return NewErrorWithoutKey("for_each", d.dialect.name, err)
		}
		key, err := arenakey.FromBytes(raw)
		if err != nil {
			rows.Close()
			return NewErrorWithoutKey("for_each", d.dialect.name, fmt.Errorf("%w: %v", ErrDataCorrupt, err))
		}
		keys, err := decodeChildren(children)
		if err != nil {
			rows.Close()
			return NewError("for_each", d.dialect.name, key, err)
		}
		all = append(all, KeyedObject{Key: key, Object: &Object{Data: data, RefCount: uint32(refCount), Children: keys}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return NewErrorWithoutKey("for_each", d.dialect.name, err)
	}
	for _, ko := range all {
		if err := fn(ko.Key, ko.Object); err != nil {
			return err
		}
	}
	return nil
}
