package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
)

// NoCompressor implements a pass-through compressor that doesn't compress data.
type NoCompressor struct{}

// Name returns the name of the compressor.
func (c *NoCompressor) Name() string {
	return "none"
}

// Compress returns a copy of the data.
func (c *NoCompressor) Compress(data []byte, level int) ([]byte, error) {
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// Decompress returns a copy of the data.
func (c *NoCompressor) Decompress(data []byte) ([]byte, error) {
	result := make([]byte, len(data))
	copy(result, data)
	return result, nil
}

// MaxCompressedSize returns the same size since no compression is performed.
func (c *NoCompressor) MaxCompressedSize(uncompressedSize int) int {
	return uncompressedSize
}

const (
	lz4Stored byte = 0
	lz4Block  byte = 1
)

// LZ4Compressor implements LZ4 block compression.
//
// Output layout: uvarint(uncompressed length) || mode || body, where mode
// lz4Stored means the body is the raw input (used when the input does not
// compress).
type LZ4Compressor struct{}

// Name returns the name of the compressor.
func (c *LZ4Compressor) Name() string {
	return "lz4"
}

// Compress compresses data using LZ4.
func (c *LZ4Compressor) Compress(data []byte, level int) ([]byte, error) {
	header := make([]byte, binary.MaxVarintLen64+1)
	n := binary.PutUvarint(header, uint64(len(data)))

	if len(data) == 0 {
		header[n] = lz4Stored
		return header[:n+1], nil
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	var hashTable [1 << 16]int
	size, err := lz4.CompressBlock(data, compressed, hashTable[:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compression failed: %w", err)
	}

	if size == 0 || size >= len(data) {
		header[n] = lz4Stored
		return append(header[:n+1], data...), nil
	}
	header[n] = lz4Block
	return append(header[:n+1], compressed[:size]...), nil
}

// Decompress decompresses LZ4 data produced by Compress.
func (c *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	length, n := binary.Uvarint(data)
	if n <= 0 || n >= len(data) {
		return nil, fmt.Errorf("%w: bad lz4 header", ErrCorruptInput)
	}
	mode, body := data[n], data[n+1:]

	switch mode {
	case lz4Stored:
		if uint64(len(body)) != length {
			return nil, fmt.Errorf("%w: stored length %d, header says %d", ErrCorruptInput, len(body), length)
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case lz4Block:
		out := make([]byte, length)
		size, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
		}
		if uint64(size) != length {
			return nil, fmt.Errorf("%w: decompressed %d bytes, header says %d", ErrCorruptInput, size, length)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown lz4 mode %d", ErrCorruptInput, mode)
	}
}

// MaxCompressedSize returns the maximum compressed size for a given uncompressed size.
func (c *LZ4Compressor) MaxCompressedSize(uncompressedSize int) int {
	bound := lz4.CompressBlockBound(uncompressedSize)
	if bound < uncompressedSize {
		bound = uncompressedSize
	}
	return bound + binary.MaxVarintLen64 + 1
}
