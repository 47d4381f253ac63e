package mpt

import (
	"bytes"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arena"
)

// builder produces nodes in canonical form. Every node it returns is built
// through one of the mk* constructors, which merge and collapse as needed.
type builder[V arena.Storable[V]] struct {
	a *arena.Arena
}

func (b builder[V]) alloc(n Node[V]) *arena.Sp[Node[V]] {
	return arena.Alloc(b.a, n)
}

func (b builder[V]) empty() *arena.Sp[Node[V]] {
	return b.alloc(Node[V]{Kind: KindEmpty})
}

func (b builder[V]) leaf(v *arena.Sp[V]) *arena.Sp[Node[V]] {
	return b.alloc(Node[V]{Kind: KindLeaf, Size: 1, Value: v})
}

// mkExtension prefixes child with path. Runs of extensions below are merged
// and the combined path is split into chunks of MaxExtension nibbles, the
// short chunk last.
func (b builder[V]) mkExtension(path []byte, child *arena.Sp[Node[V]]) (*arena.Sp[Node[V]], error) {
	if len(path) == 0 {
		return child, nil
	}
	full := bytes.Clone(path)
	cn, err := child.Get()
	if err != nil {
		return nil, err
	}
	for cn.Kind == KindExtension {
		full = append(full, cn.Path...)
		child = cn.Child
		if cn, err = child.Get(); err != nil {
			return nil, err
		}
	}
	if cn.Kind == KindEmpty {
		return child, nil
	}

	var chunks [][]byte
	for len(full) > 0 {
		n := min(len(full), MaxExtension)
		chunks = append(chunks, full[:n])
		full = full[n:]
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		child = b.alloc(Node[V]{Kind: KindExtension, Size: cn.Size, Path: chunks[i], Child: child})
	}
	return child, nil
}

// mkBranch builds a branch over children, nil marking empty slots. With no
// children left it is empty, with one it becomes an extension.
func (b builder[V]) mkBranch(children [16]*arena.Sp[Node[V]]) (*arena.Sp[Node[V]], error) {
	var (
		size  uint64
		count int
		last  int
	)
	for i, c := range children {
		if c == nil {
			continue
		}
		cn, err := c.Get()
		if err != nil {
			return nil, err
		}
		if cn.Kind == KindEmpty {
			children[i] = nil
			continue
		}
		size += cn.Size
		count++
		last = i
	}
	switch count {
	case 0:
		return b.empty(), nil
	case 1:
		return b.mkExtension([]byte{byte(last)}, children[last])
	}
	return b.alloc(Node[V]{Kind: KindBranch, Size: size, Slots: children}), nil
}

// mkMidBranchLeaf stores v at the path of child. Over an empty child it is a
// plain leaf.
func (b builder[V]) mkMidBranchLeaf(v *arena.Sp[V], child *arena.Sp[Node[V]]) (*arena.Sp[Node[V]], error) {
	cn, err := child.Get()
	if err != nil {
		return nil, err
	}
	if cn.Kind == KindEmpty {
		return b.leaf(v), nil
	}
	return b.alloc(Node[V]{Kind: KindMidBranchLeaf, Size: cn.Size + 1, Value: v, Child: child}), nil
}

func (b builder[V]) insert(sp *arena.Sp[Node[V]], path []byte, v *arena.Sp[V]) (*arena.Sp[Node[V]], error) {
	n, err := sp.Get()
	if err != nil {
		return nil, err
	}
	switch n.Kind {
	case KindEmpty:
		return b.mkExtension(path, b.leaf(v))

	case KindLeaf:
		if len(path) == 0 {
			return b.leaf(v), nil
		}
		below, err := b.mkExtension(path, b.leaf(v))
		if err != nil {
			return nil, err
		}
		return b.mkMidBranchLeaf(n.Value, below)

	case KindBranch:
		if len(path) == 0 {
			return b.mkMidBranchLeaf(v, sp)
		}
		children := n.Slots
		var child *arena.Sp[Node[V]]
		if c := children[path[0]]; c != nil {
			child, err = b.insert(c, path[1:], v)
		} else {
			child, err = b.mkExtension(path[1:], b.leaf(v))
		}
		if err != nil {
			return nil, err
		}
		children[path[0]] = child
		return b.mkBranch(children)

	case KindExtension:
		c := commonPrefix(n.Path, path)
		if c == len(n.Path) {
			child, err := b.insert(n.Child, path[c:], v)
			if err != nil {
				return nil, err
			}
			return b.mkExtension(n.Path, child)
		}
		rest, err := b.mkExtension(n.Path[c:], n.Child)
		if err != nil {
			return nil, err
		}
		if c == len(path) {
			// path ends inside the extension
			mid, err := b.mkMidBranchLeaf(v, rest)
			if err != nil {
				return nil, err
			}
			return b.mkExtension(path, mid)
		}
		var children [16]*arena.Sp[Node[V]]
		if children[n.Path[c]], err = b.mkExtension(n.Path[c+1:], n.Child); err != nil {
			return nil, err
		}
		if children[path[c]], err = b.mkExtension(path[c+1:], b.leaf(v)); err != nil {
			return nil, err
		}
		branch, err := b.mkBranch(children)
		if err != nil {
			return nil, err
		}
		return b.mkExtension(path[:c], branch)

	case KindMidBranchLeaf:
		if len(path) == 0 {
			return b.mkMidBranchLeaf(v, n.Child)
		}
		child, err := b.insert(n.Child, path, v)
		if err != nil {
			return nil, err
		}
		return b.mkMidBranchLeaf(n.Value, child)
	}
	return sp, nil
}

// remove returns the node without path and whether anything was removed.
func (b builder[V]) remove(sp *arena.Sp[Node[V]], path []byte) (*arena.Sp[Node[V]], bool, error) {
	n, err := sp.Get()
	if err != nil {
		return nil, false, err
	}
	switch n.Kind {
	case KindLeaf:
		if len(path) == 0 {
			return b.empty(), true, nil
		}

	case KindBranch:
		if len(path) == 0 || n.Slots[path[0]] == nil {
			return sp, false, nil
		}
		child, removed, err := b.remove(n.Slots[path[0]], path[1:])
		if err != nil || !removed {
			return sp, false, err
		}
		children := n.Slots
		children[path[0]] = child
		out, err := b.mkBranch(children)
		return out, err == nil, err

	case KindExtension:
		if !bytes.HasPrefix(path, n.Path) {
			return sp, false, nil
		}
		child, removed, err := b.remove(n.Child, path[len(n.Path):])
		if err != nil || !removed {
			return sp, false, err
		}
		out, err := b.mkExtension(n.Path, child)
		return out, err == nil, err

	case KindMidBranchLeaf:
		if len(path) == 0 {
			return n.Child, true, nil
		}
		child, removed, err := b.remove(n.Child, path)
		if err != nil || !removed {
			return sp, false, err
		}
		out, err := b.mkMidBranchLeaf(n.Value, child)
		return out, err == nil, err
	}
	return sp, false, nil
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
