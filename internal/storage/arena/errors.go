package arena

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
)

var (
	// ErrDeserialization indicates a malformed payload or node shape
	ErrDeserialization = errors.New("deserialization failed")

	// ErrUnknownTag indicates a discriminant or type tag the decoder does not know
	ErrUnknownTag = errors.New("unknown type tag")

	// ErrRecursionLimitExceeded indicates that decoding nested deeper than allowed
	ErrRecursionLimitExceeded = errors.New("recursion limit exceeded")

	// ErrNotInArena indicates that a key is neither cached nor stored
	ErrNotInArena = errors.New("key not in storage arena")

	// ErrNotNormalForm indicates a wire graph that does not re-encode identically
	ErrNotNormalForm = errors.New("deserialized storage graph not in normal form")

	// ErrTooManyChildren indicates a node with more children than a node may hold
	ErrTooManyChildren = errors.New("too many children")

	// ErrGCDisabled indicates that the storage layout does not support collection
	ErrGCDisabled = errors.New("garbage collection disabled for this storage layout")

	// ErrLayoutMismatch indicates a DB written with a different storage layout
	ErrLayoutMismatch = errors.New("storage layout version mismatch")

	// ErrStorageAlreadySet indicates a registry slot that is already occupied
	ErrStorageAlreadySet = errors.New("default storage already set")

	// ErrNoDefaultStorage indicates an empty registry slot
	ErrNoDefaultStorage = errors.New("no default storage")

	// ErrSizeLimit indicates a serialization that exceeds its size bound
	ErrSizeLimit = errors.New("serialized size limit exceeded")
)

// DecodeError records which value failed to decode.
type DecodeError struct {
	Type  string       // Go type being decoded
	Key   arenakey.Key // Key of the node (zero if unknown)
	Cause error        // Underlying error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("decode %s: %v", e.Type, e.Cause)
	}
	return fmt.Sprintf("decode %s at %s: %v", e.Type, e.Key.Short(), e.Cause)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// newDecodeError wraps cause unless it already is a DecodeError for a deeper node.
func newDecodeError(typ reflect.Type, key arenakey.Key, cause error) error {
	var de *DecodeError
	if errors.As(cause, &de) {
		return cause
	}
	return &DecodeError{Type: typeName(typ), Key: key, Cause: cause}
}

// IsDecodeError reports whether err came from decoding a stored value.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de) ||
		errors.Is(err, ErrDeserialization) ||
		errors.Is(err, ErrUnknownTag) ||
		errors.Is(err, ErrRecursionLimitExceeded)
}

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
