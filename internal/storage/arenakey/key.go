// Package arenakey defines the content hash that identifies every node in the
// storage arena.
package arenakey

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the length of a Key in bytes.
const Size = sha256.Size

// ErrInvalidKey is returned when a byte slice or string cannot be parsed as a Key.
var ErrInvalidKey = errors.New("invalid arena key")

// Key is the SHA-256 content hash of a node's payload and its child keys.
type Key [Size]byte

// Zero is the all-zero key. No real node hashes to it.
var Zero Key

// Hash computes the key of a node:
//
//	SHA-256(u32_le(len(data)) || data || child_0 || ... || child_n)
//
// The length prefix separates the payload from the child list, so two
// different (data, children) pairs never share a preimage.
func Hash(data []byte, children []Key) Key {
	h := sha256.New()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	h.Write(lenBuf[:])
	h.Write(data)
	for i := range children {
		h.Write(children[i][:])
	}
	var k Key
	h.Sum(k[:0])
	return k
}

// FromBytes copies b into a Key.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Size {
		return k, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// MustFromBytes is FromBytes for inputs known to be well formed.
func MustFromBytes(b []byte) Key {
	k, err := FromBytes(b)
	if err != nil {
		panic(err)
	}
	return k
}

// FromHex parses a 64 character hex string.
func FromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return FromBytes(b)
}

// Bytes returns the key as a freshly allocated slice.
func (k Key) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, k[:])
	return out
}

// String returns the lowercase hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 8 hex characters, for logs.
func (k Key) Short() string {
	return hex.EncodeToString(k[:4])
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Zero
}

// Compare orders keys lexicographically by their bytes.
func (k Key) Compare(other Key) int {
	return bytes.Compare(k[:], other[:])
}

// Less reports whether k sorts before other.
func (k Key) Less(other Key) bool {
	return k.Compare(other) < 0
}

// Encode writes the concatenation of keys, the form children are persisted in.
func Encode(keys []Key) []byte {
	out := make([]byte, 0, len(keys)*Size)
	for i := range keys {
		out = append(out, keys[i][:]...)
	}
	return out
}

// Decode splits a concatenation produced by Encode.
func Decode(b []byte) ([]Key, error) {
	if len(b)%Size != 0 {
		return nil, fmt.Errorf("%w: child list length %d is not a multiple of %d", ErrInvalidKey, len(b), Size)
	}
	keys := make([]Key, len(b)/Size)
	for i := range keys {
		copy(keys[i][:], b[i*Size:(i+1)*Size])
	}
	return keys, nil
}
