package compression_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/nodestore/compression"
)

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"lz4", "none"}, compression.Available())
	assert.True(t, compression.IsAvailable("lz4"))
	assert.False(t, compression.IsAvailable("zstd"))

	_, err := compression.Get("zstd")
	assert.ErrorIs(t, err, compression.ErrUnknownCompressor)
}

func TestRoundTrip(t *testing.T) {
	inputs := map[string][]byte{
		"empty":      {},
		"short":      []byte("abc"),
		"repetitive": bytes.Repeat([]byte("midnight"), 512),
		"incompressible": func() []byte {
			b := make([]byte, 300)
			for i := range b {
				b[i] = byte(i*131 + i/7)
			}
			return b
		}(),
	}

	for _, name := range compression.Available() {
		c, err := compression.Get(name)
		require.NoError(t, err)
		for label, in := range inputs {
			t.Run(name+"/"+label, func(t *testing.T) {
				out, err := c.Compress(in, 1)
				require.NoError(t, err)
				assert.LessOrEqual(t, len(out), c.MaxCompressedSize(len(in)))

				back, err := c.Decompress(out)
				require.NoError(t, err)
				assert.Equal(t, len(in), len(back))
				assert.True(t, bytes.Equal(in, back))
			})
		}
	}
}

func TestLZ4ShrinksRepetitiveInput(t *testing.T) {
	c := &compression.LZ4Compressor{}
	in := bytes.Repeat([]byte{0xAB}, 4096)
	out, err := c.Compress(in, 1)
	require.NoError(t, err)
	assert.Less(t, len(out), len(in)/4)
}

func TestLZ4RejectsCorruptInput(t *testing.T) {
	c := &compression.LZ4Compressor{}

	_, err := c.Decompress(nil)
	assert.ErrorIs(t, err, compression.ErrCorruptInput)

	_, err = c.Decompress([]byte{5, 0, 'a'})
	assert.ErrorIs(t, err, compression.ErrCorruptInput)

	_, err = c.Decompress([]byte{1, 9, 'a'})
	assert.ErrorIs(t, err, compression.ErrCorruptInput)
}
