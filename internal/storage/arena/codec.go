package arena

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
)

// Writer accumulates the payload of a node. Integers are little-endian and
// fixed width, byte strings carry a u32 length prefix.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty payload writer.
func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) WriteByte(b byte) error {
	return w.buf.WriteByte(b)
}

func (w *Writer) WriteU8(v uint8) {
	w.buf.WriteByte(v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *Writer) WriteU16(v uint16) {
	w.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
}

func (w *Writer) WriteU32(v uint32) {
	w.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
}

func (w *Writer) WriteU64(v uint64) {
	w.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
}

// WriteRaw appends b without a length prefix.
func (w *Writer) WriteRaw(b []byte) {
	w.buf.Write(b)
}

// WriteBytes appends b with a u32 length prefix.
func (w *Writer) WriteBytes(b []byte) {
	if len(b) > math.MaxUint32 {
		panic("arena: byte string longer than 4GiB")
	}
	w.WriteU32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

func (w *Writer) Len() int {
	return w.buf.Len()
}

// Reader consumes a node payload written by Writer. Every read fails with
// ErrDeserialization once the payload is exhausted.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// HasMore reports whether unread bytes remain.
func (r *Reader) HasMore() bool {
	return r.pos < len(r.data)
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrDeserialization, n, r.pos, r.Remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadByte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadU8() (uint8, error) {
	return r.ReadByte()
}

// ReadBool accepts only 0 and 1, keeping the encoding canonical.
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("%w: invalid bool byte %#x", ErrDeserialization, b)
}

func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadRaw returns a copy of the next n bytes.
func (r *Reader) ReadRaw(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(b), nil
}

// ReadBytes reads a u32 length prefixed byte string.
func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: byte string of %d bytes exceeds payload", ErrDeserialization, n)
	}
	b, _ := r.take(int(n))
	return append([]byte{}, b...), nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ChildIter hands out the child keys of a node in declared order.
type ChildIter struct {
	keys []arenakey.Key
	pos  int
}

func newChildIter(keys []arenakey.Key) *ChildIter {
	return &ChildIter{keys: keys}
}

// Next returns the next child key.
func (it *ChildIter) Next() (arenakey.Key, error) {
	if it.pos >= len(it.keys) {
		return arenakey.Key{}, fmt.Errorf("%w: node has only %d children", ErrDeserialization, len(it.keys))
	}
	k := it.keys[it.pos]
	it.pos++
	return k, nil
}

// Remaining returns the number of children not yet consumed.
func (it *ChildIter) Remaining() int {
	return len(it.keys) - it.pos
}
