package arena

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// WirePrefix starts every serialized value, followed by the type tag and ":".
const WirePrefix = "midnight:"

// wireNode is one node of a serialized graph. Children refer to earlier
// nodes of the same graph by index.
type wireNode struct {
	_        struct{} `cbor:",toarray"`
	Children []uint64
	Data     []byte
}

// topoSortedNodes lists the nodes of a value children first, each node once,
// the root last.
type topoSortedNodes struct {
	_     struct{} `cbor:",toarray"`
	Nodes []wireNode
}

var (
	wireEnc cbor.EncMode
	wireDec cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encOpts.NilContainers = cbor.NilContainerAsEmpty
	if wireEnc, err = encOpts.EncMode(); err != nil {
		panic(err)
	}
	wireDec, err = cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		TagsMd:          cbor.TagsForbidden,
		MaxNestedLevels: 8,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Serialize encodes the value behind sp with all of its descendants.
func Serialize[T Storable[T]](sp *Sp[T]) ([]byte, error) {
	return SerializeBounded(sp, 0)
}

// SerializeBounded is like Serialize but fails with ErrSizeLimit once the
// node data exceeds limit bytes. Zero disables the limit.
func SerializeBounded[T Storable[T]](sp *Sp[T], limit int) ([]byte, error) {
	nodes, err := nodeList(sp.arena, sp.key, limit)
	if err != nil {
		return nil, err
	}
	body, err := wireEnc.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("encode node list: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(wireHeader[T]())
	buf.Write(body)
	return buf.Bytes(), nil
}

// Deserialize decodes a value written by Serialize into a. The input must be
// in normal form: exactly the bytes Serialize produces for the value.
func Deserialize[T Storable[T]](a *Arena, data []byte) (*Sp[T], error) {
	header := wireHeader[T]()
	if !bytes.HasPrefix(data, []byte(header)) {
		return nil, newDecodeError(typeOf[T](), Key{}, fmt.Errorf("%w: expected header %q", ErrUnknownTag, header))
	}
	body := data[len(header):]

	var topo topoSortedNodes
	if err := wireDec.Unmarshal(body, &topo); err != nil {
		return nil, newDecodeError(typeOf[T](), Key{}, fmt.Errorf("%w: %v", ErrDeserialization, err))
	}
	if len(topo.Nodes) == 0 {
		return nil, newDecodeError(typeOf[T](), Key{}, fmt.Errorf("%w: empty node list", ErrDeserialization))
	}

	keys := make([]Key, len(topo.Nodes))
	graph := make(map[Key]Node, len(topo.Nodes))
	for i, wn := range topo.Nodes {
		if len(wn.Children) > MaxChildren {
			return nil, newDecodeError(typeOf[T](), Key{}, fmt.Errorf("%w: node %d has %d children", ErrTooManyChildren, i, len(wn.Children)))
		}
		children := make([]Key, len(wn.Children))
		for j, idx := range wn.Children {
			if idx >= uint64(i) {
				return nil, newDecodeError(typeOf[T](), Key{}, fmt.Errorf("%w: node %d refers forward to %d", ErrDeserialization, i, idx))
			}
			children[j] = keys[idx]
		}
		n := Node{Data: wn.Data, Children: children}
		if n.Data == nil {
			n.Data = []byte{}
		}
		keys[i] = n.Key()
		graph[keys[i]] = n
	}
	root := keys[len(keys)-1]

	sp, err := loadFromIR[T](newIRLoader(a, graph), root)
	if err != nil {
		return nil, err
	}

	again, err := nodeList(a, root, 0)
	if err != nil {
		return nil, err
	}
	reencoded, err := wireEnc.Marshal(again)
	if err != nil {
		return nil, fmt.Errorf("encode node list: %w", err)
	}
	if !bytes.Equal(reencoded, body) {
		return nil, newDecodeError(typeOf[T](), root, ErrNotNormalForm)
	}
	return sp, nil
}

func wireHeader[T Storable[T]]() string {
	return WirePrefix + TagOf[T]() + ":"
}

// ParseWireTag returns the type tag of serialized data.
func ParseWireTag(data []byte) (string, error) {
	s := string(data[:min(len(data), 512)])
	if !strings.HasPrefix(s, WirePrefix) {
		return "", fmt.Errorf("%w: missing %q prefix", ErrUnknownTag, WirePrefix)
	}
	s = s[len(WirePrefix):]
	// Tags may nest ":" inside brackets; the header ends at the first
	// top-level colon.
	depth := 0
	for i, r := range s {
		switch r {
		case '(', '[', '<':
			depth++
		case ')', ']', '>':
			depth--
		case ':':
			if depth == 0 {
				return s[:i], nil
			}
		}
	}
	return "", fmt.Errorf("%w: unterminated tag", ErrUnknownTag)
}

// nodeList walks the graph below root in post-order, children in declared
// order, and lists every node once.
func nodeList(a *Arena, root Key, limit int) (*topoSortedNodes, error) {
	index := make(map[Key]uint64)
	out := &topoSortedNodes{}
	size := 0

	type frame struct {
		key      Key
		node     *Node
		next     int
		children []uint64
	}
	load := func(k Key) (*frame, error) {
		n, err := a.Node(k)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, fmt.Errorf("serialize: %w: %s", ErrNotInArena, k.Short())
		}
		return &frame{key: k, node: n}, nil
	}

	f, err := load(root)
	if err != nil {
		return nil, err
	}
	stack := []*frame{f}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.next < len(top.node.Children) {
			child := top.node.Children[top.next]
			top.next++
			if idx, ok := index[child]; ok {
				top.children = append(top.children, idx)
				continue
			}
			cf, err := load(child)
			if err != nil {
				return nil, err
			}
			stack = append(stack, cf)
			continue
		}

		stack = stack[:len(stack)-1]
		if _, ok := index[top.key]; !ok {
			size += len(top.node.Data) + 8*len(top.node.Children)
			if limit > 0 && size > limit {
				return nil, fmt.Errorf("%w: more than %d bytes", ErrSizeLimit, limit)
			}
			index[top.key] = uint64(len(out.Nodes))
			out.Nodes = append(out.Nodes, wireNode{Children: top.children, Data: top.node.Data})
		}
		if len(stack) > 0 {
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, index[top.key])
		}
	}
	return out, nil
}
