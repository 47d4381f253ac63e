package nodestore

import (
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable indicates that the underlying store failed an operation
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrConcurrentFileOpen indicates that another process holds the database file
	ErrConcurrentFileOpen = errors.New("database file is already open by another process")

	// ErrDataCorrupt indicates that stored data is corrupted
	ErrDataCorrupt = errors.New("data corruption detected")

	// ErrMissingNode indicates that a child reachable from a stored node is absent
	ErrMissingNode = errors.New("referenced node missing from storage")

	// ErrBackendClosed indicates that the backend is closed
	ErrBackendClosed = errors.New("backend is closed")

	// ErrInvalidConfig indicates that the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnsupportedBackend indicates that a backend is not supported
	ErrUnsupportedBackend = errors.New("unsupported backend")

	// ErrUnsupportedCompressor indicates that a compressor is not supported
	ErrUnsupportedCompressor = errors.New("unsupported compressor")
)

// DBError wraps an adapter failure with the operation and key involved.
type DBError struct {
	Operation string // The operation that failed
	Key       Key    // The key involved in the operation (zero if not applicable)
	Backend   string // The backend name
	Cause     error  // The underlying error
}

// Error implements the error interface.
func (e *DBError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("nodestore %s error on backend %s: %v",
			e.Operation, e.Backend, e.Cause)
	}
	return fmt.Sprintf("nodestore %s error on backend %s for key %s: %v",
		e.Operation, e.Backend, e.Key.String(), e.Cause)
}

// Unwrap returns the underlying error.
func (e *DBError) Unwrap() error {
	return e.Cause
}

// Is reports adapter failures as ErrBackendUnavailable unless the cause is
// one of the more specific sentinels.
func (e *DBError) Is(target error) bool {
	if target == ErrBackendUnavailable {
		return !errors.Is(e.Cause, ErrDataCorrupt) && !errors.Is(e.Cause, ErrMissingNode)
	}
	return errors.Is(e.Cause, target)
}

// NewError creates a new DBError.
func NewError(operation, backend string, key Key, cause error) *DBError {
	return &DBError{
		Operation: operation,
		Key:       key,
		Backend:   backend,
		Cause:     cause,
	}
}

// NewErrorWithoutKey creates a new DBError without a key.
func NewErrorWithoutKey(operation, backend string, cause error) *DBError {
	return &DBError{
		Operation: operation,
		Backend:   backend,
		Cause:     cause,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string      // The field that failed validation
	Value   interface{} // The invalid value
	Message string      // Human-readable error message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("validation error: %s (value: %v): %s",
			e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Is makes every ValidationError match ErrInvalidConfig.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// CompressionError represents a compression-related error.
type CompressionError struct {
	Compressor string // The compressor name
	Operation  string // "compress" or "decompress"
	DataSize   int    // Size of the data being processed
	Cause      error  // The underlying error
}

// Error implements the error interface.
func (e *CompressionError) Error() string {
	return fmt.Sprintf("compression error: %s %s failed for %d bytes: %v",
		e.Compressor, e.Operation, e.DataSize, e.Cause)
}

// Unwrap returns the underlying error.
func (e *CompressionError) Unwrap() error {
	return e.Cause
}

// Is makes failed decompression match ErrDataCorrupt.
func (e *CompressionError) Is(target error) bool {
	return target == ErrDataCorrupt && e.Operation == "decompress"
}

// NewCompressionError creates a new CompressionError.
func NewCompressionError(compressor, operation string, dataSize int, cause error) *CompressionError {
	return &CompressionError{
		Compressor: compressor,
		Operation:  operation,
		DataSize:   dataSize,
		Cause:      cause,
	}
}

// IsBackendUnavailable checks if an error came from a failing adapter.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// IsDataCorrupt checks if an error indicates data corruption.
func IsDataCorrupt(err error) bool {
	return errors.Is(err, ErrDataCorrupt)
}

// IsBackendClosed checks if an error indicates that the backend is closed.
func IsBackendClosed(err error) bool {
	return errors.Is(err, ErrBackendClosed)
}

// WrapError wraps an error with additional context.
func WrapError(err error, operation, backend string, key Key) error {
	if err == nil {
		return nil
	}
	return NewError(operation, backend, key, err)
}

// WrapErrorWithoutKey wraps an error with additional context but without a key.
func WrapErrorWithoutKey(err error, operation, backend string) error {
	if err == nil {
		return nil
	}
	return NewErrorWithoutKey(operation, backend, err)
}
