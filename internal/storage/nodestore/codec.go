package nodestore

import (
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore/compression"
)

// storedObject is the msgpack record written by key-value adapters.
type storedObject struct {
	_struct  bool `codec:",toarray"`
	Data     []byte
	RefCount uint32
	Children []byte
}

// ObjectCodec turns Objects into compressed msgpack records and back.
type ObjectCodec struct {
	handle     *codec.MsgpackHandle
	compressor compression.Compressor
	level      int
}

// NewObjectCodec creates a codec using the named compressor.
func NewObjectCodec(compressor string, level int) (*ObjectCodec, error) {
	c, err := compression.Get(compressor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCompressor, err)
	}
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return &ObjectCodec{handle: h, compressor: c, level: level}, nil
}

// Compressor returns the name of the compressor in use.
func (c *ObjectCodec) Compressor() string {
	return c.compressor.Name()
}

// Encode serializes and compresses obj.
func (c *ObjectCodec) Encode(obj *Object) ([]byte, error) {
	rec := storedObject{
		Data:     obj.Data,
		RefCount: obj.RefCount,
		Children: arenakey.Encode(obj.Children),
	}
	var raw []byte
	if err := codec.NewEncoderBytes(&raw, c.handle).Encode(&rec); err != nil {
		return nil, fmt.Errorf("encode object: %w", err)
	}
	out, err := c.compressor.Compress(raw, c.level)
	if err != nil {
		return nil, NewCompressionError(c.compressor.Name(), "compress", len(raw), err)
	}
	return out, nil
}

// Decode decompresses and deserializes a stored record.
func (c *ObjectCodec) Decode(b []byte) (*Object, error) {
	raw, err := c.compressor.Decompress(b)
	if err != nil {
		return nil, NewCompressionError(c.compressor.Name(), "decompress", len(b), err)
	}
	var rec storedObject
	if err := codec.NewDecoderBytes(raw, c.handle).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: decode object: %v", ErrDataCorrupt, err)
	}
	children, err := arenakey.Decode(rec.Children)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorrupt, err)
	}
	if len(children) == 0 {
		children = nil
	}
	return &Object{Data: rec.Data, RefCount: rec.RefCount, Children: children}, nil
}
