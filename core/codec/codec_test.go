package codec

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/core/model"
)

func testCoderConfig() model.ChunkCoderConfig {
	return model.ChunkCoderConfig{
		Compress:       "zstd",
		Cipher:         "chacha20poly1305",
		FragDigestType: "blake3",
		DataFrags:      2,
		ParityFrags:    2,
	}
}

func makeChunk(t *testing.T, cfg model.ChunkCoderConfig, seed int64, n int) *model.Chunk {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(seed))
	_, err := rng.Read(data)
	require.NoError(t, err)

	return &model.Chunk{
		CoderConfig: cfg,
		Data:        data,
	}
}

func encoded(t *testing.T, cfg model.ChunkCoderConfig, seed int64, n int) (*Codec, *model.Chunk, []byte) {
	t.Helper()
	c := New(4)
	chunk := makeChunk(t, cfg, seed, n)
	plain := append([]byte{}, chunk.Data...)

	require.NoError(t, c.EncodeChunk(context.Background(), chunk))
	chunk.Data = nil
	return c, chunk, plain
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c, chunk, plain := encoded(t, testCoderConfig(), 1, 128<<10)

	require.Len(t, chunk.Frags, 4)
	require.NotEmpty(t, chunk.Digest)
	require.NotEmpty(t, chunk.CipherKey)

	got, err := c.DecodeChunk(context.Background(), chunk, chunk.Frags)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestDecodeFromDataFragsOnly(t *testing.T) {
	c, chunk, plain := encoded(t, testCoderConfig(), 2, 64<<10)

	var dataOnly []model.Frag
	for _, frag := range chunk.Frags {
		if frag.Kind == model.FragKindData {
			dataOnly = append(dataOnly, frag)
		}
	}

	got, err := c.DecodeChunk(context.Background(), chunk, dataOnly)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestDecodeReconstructsMissingDataFrag(t *testing.T) {
	c, chunk, plain := encoded(t, testCoderConfig(), 3, 64<<10)

	frags := append([]model.Frag{}, chunk.Frags...)
	frags[0].Data = nil

	got, err := c.DecodeChunk(context.Background(), chunk, frags)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestDecodeFromParityOnly(t *testing.T) {
	c, chunk, plain := encoded(t, testCoderConfig(), 4, 64<<10)

	var parityOnly []model.Frag
	for _, frag := range chunk.Frags {
		if frag.Kind != model.FragKindData {
			parityOnly = append(parityOnly, frag)
		}
	}
	require.Len(t, parityOnly, 2)

	got, err := c.DecodeChunk(context.Background(), chunk, parityOnly)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestDecodeFailsWithTooFewFrags(t *testing.T) {
	c, chunk, _ := encoded(t, testCoderConfig(), 5, 64<<10)

	_, err := c.DecodeChunk(context.Background(), chunk, chunk.Frags[:1])
	assert.ErrorIs(t, err, ErrInsufficientFrags)
}

func TestEncodeWithoutCompressOrCipher(t *testing.T) {
	cfg := model.ChunkCoderConfig{
		FragDigestType: "sha256",
		DataFrags:      3,
		ParityFrags:    1,
	}
	c, chunk, plain := encoded(t, cfg, 6, 100<<10)

	assert.Equal(t, chunk.Size, chunk.CompressSize)
	assert.Empty(t, chunk.CipherKey)

	got, err := c.DecodeChunk(context.Background(), chunk, chunk.Frags)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestEncodeLZ4(t *testing.T) {
	cfg := testCoderConfig()
	cfg.Compress = "lz4"

	c := New(2)
	chunk := &model.Chunk{CoderConfig: cfg}
	// repetitive payload so lz4 actually compresses
	chunk.Data = bytes.Repeat([]byte("tern object store "), 4<<10)
	plain := append([]byte{}, chunk.Data...)

	require.NoError(t, c.EncodeChunk(context.Background(), chunk))
	assert.Less(t, chunk.CompressSize, chunk.Size)

	got, err := c.DecodeChunk(context.Background(), chunk, chunk.Frags)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestIncompressibleDataStoredRaw(t *testing.T) {
	// high-entropy payload; zstd output would only grow it
	c, chunk, plain := encoded(t, testCoderConfig(), 7, 32<<10)

	assert.Equal(t, chunk.Size, chunk.CompressSize)

	got, err := c.DecodeChunk(context.Background(), chunk, chunk.Frags)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestLRCFragsActAsParity(t *testing.T) {
	cfg := testCoderConfig()
	cfg.ParityFrags = 1
	cfg.LRCFrags = 1

	c, chunk, plain := encoded(t, cfg, 8, 64<<10)
	require.Len(t, chunk.Frags, 4)
	assert.Equal(t, model.FragKindLRC, chunk.Frags[3].Kind)

	// drop one data fragment; the lrc fragment participates in recovery
	frags := []model.Frag{chunk.Frags[1], chunk.Frags[2], chunk.Frags[3]}
	got, err := c.DecodeChunk(context.Background(), chunk, frags)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plain, got))
}

func TestUnknownConfigRejected(t *testing.T) {
	c := New(1)

	chunk := makeChunk(t, model.ChunkCoderConfig{Compress: "brotli", DataFrags: 1}, 9, 1<<10)
	err := c.EncodeChunk(context.Background(), chunk)
	assert.ErrorIs(t, err, ErrUnknownCompressType)

	chunk = makeChunk(t, model.ChunkCoderConfig{Cipher: "des", DataFrags: 1}, 10, 1<<10)
	err = c.EncodeChunk(context.Background(), chunk)
	assert.ErrorIs(t, err, ErrUnknownCipherType)
}
