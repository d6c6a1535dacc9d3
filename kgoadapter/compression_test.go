package kgoadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdCodec_CompressThenDecompressRoundTrips(t *testing.T) {
	codec, err := NewZstdCodec()
	require.NoError(t, err)
	assert.Equal(t, "zstd", codec.Name())

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility: " +
		"the quick brown fox jumps over the lazy dog")

	compressed, err := codec.Compress(payload)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(payload))

	out, err := codec.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestZstdCodec_DecompressInvalidInputFails(t *testing.T) {
	codec, err := NewZstdCodec()
	require.NoError(t, err)

	_, err = codec.Decompress([]byte("not zstd data"))
	assert.Error(t, err)
}

func TestLZ4Codec_CompressThenDecompressRoundTrips(t *testing.T) {
	codec := NewLZ4Codec()
	assert.Equal(t, "lz4", codec.Name())

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated for compressibility: " +
		"the quick brown fox jumps over the lazy dog")

	compressed, err := codec.Compress(payload)
	require.NoError(t, err)

	out, err := codec.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestLZ4Codec_DecompressInvalidInputFails(t *testing.T) {
	codec := NewLZ4Codec()
	_, err := codec.Decompress([]byte("not lz4 data"))
	assert.Error(t, err)
}
