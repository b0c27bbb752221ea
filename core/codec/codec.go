package codec

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/reedsolomon"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/lib/checksum"
)

var (
	ErrUnknownCompressType = errors.New("unknown compress type")
	ErrUnknownCipherType   = errors.New("unknown cipher type")
	ErrInsufficientFrags   = errors.New("not enough fragments to reconstruct chunk")
	ErrBadDecodedSize      = errors.New("decoded chunk size mismatch")
)

const contentDigestType = "sha256"

// shared zstd coders; EncodeAll/DecodeAll are safe for concurrent use
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Codec is the chunk encode/decode kernel: compress, encrypt, erasure-code
// and digest fragments on the way down, and the reverse on the way up. All
// work runs under a bounded worker pool; callers must not retain chunk
// plaintext past EncodeChunk.
type Codec struct {
	slots chan struct{}
}

func New(concurrency int) *Codec {
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Codec{
		slots: make(chan struct{}, concurrency),
	}
}

func (c *Codec) acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Codec) release() {
	<-c.slots
}

// EncodeChunk fills the chunk's digest, cipher material, compress size and
// fragments from its plaintext Data. The plaintext buffer itself is left
// for the caller to drop.
func (c *Codec) EncodeChunk(ctx context.Context, chunk *model.Chunk) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	cfg := chunk.CoderConfig
	plain := chunk.Data
	chunk.Size = int64(len(plain))

	digest, err := checksum.Sum(contentDigestType, plain)
	if err != nil {
		return err
	}
	chunk.Digest = digest

	frame, err := compress(cfg.Compress, plain)
	if err != nil {
		return err
	}
	chunk.CompressSize = int64(len(frame))

	frame, err = encrypt(cfg.Cipher, chunk, frame)
	if err != nil {
		return err
	}

	shards, err := erasureSplit(cfg, frame)
	if err != nil {
		return err
	}

	frags := make([]model.Frag, 0, cfg.TotalFrags())
	for i, shard := range shards {
		kind, index := fragPosition(cfg, i)
		fragDigest, err := checksum.Sum(fragDigestType(cfg), shard)
		if err != nil {
			return err
		}
		frags = append(frags, model.Frag{
			Index:  index,
			Kind:   kind,
			Digest: fragDigest,
			Data:   shard,
		})
	}
	chunk.Frags = frags

	return nil
}

// DecodeChunk reconstructs the chunk plaintext from the given fragments.
// Fragments with nil Data count as missing; any k data-sized shards
// suffice when parity is configured.
func (c *Codec) DecodeChunk(ctx context.Context, chunk *model.Chunk, frags []model.Frag) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	cfg := chunk.CoderConfig
	frame, err := erasureJoin(cfg, chunk, frags)
	if err != nil {
		return nil, err
	}

	frame, err = decrypt(cfg.Cipher, chunk, frame)
	if err != nil {
		return nil, err
	}

	plain, err := decompress(cfg.Compress, chunk, frame)
	if err != nil {
		return nil, err
	}

	if int64(len(plain)) != chunk.Size {
		return nil, ErrBadDecodedSize
	}

	return plain, nil
}

func fragDigestType(cfg model.ChunkCoderConfig) string {
	if cfg.FragDigestType == "" {
		return "blake3"
	}
	return cfg.FragDigestType
}

// compression is applied only when it actually shrinks the frame; a frame
// whose length equals the chunk size is stored raw.
func compress(compressType string, plain []byte) ([]byte, error) {
	var compressed []byte

	switch compressType {
	case "":
		return plain, nil
	case "zstd":
		compressed = zstdEncoder.EncodeAll(plain, nil)
	case "lz4":
		var compressor lz4.Compressor
		buf := make([]byte, lz4.CompressBlockBound(len(plain)))
		n, err := compressor.CompressBlock(plain, buf)
		if err != nil || n == 0 {
			return plain, nil
		}
		compressed = buf[:n]
	default:
		return nil, ErrUnknownCompressType
	}

	if len(compressed) >= len(plain) {
		return plain, nil
	}
	return compressed, nil
}

func decompress(compressType string, chunk *model.Chunk, frame []byte) ([]byte, error) {
	if chunk.CompressSize == chunk.Size {
		return frame, nil
	}

	switch compressType {
	case "zstd":
		return zstdDecoder.DecodeAll(frame, nil)
	case "lz4":
		plain := make([]byte, chunk.Size)
		n, err := lz4.UncompressBlock(frame, plain)
		if err != nil {
			return nil, err
		}
		return plain[:n], nil
	default:
		return nil, ErrUnknownCompressType
	}
}

func encrypt(cipherType string, chunk *model.Chunk, frame []byte) ([]byte, error) {
	switch cipherType {
	case "":
		return frame, nil
	case "chacha20poly1305":
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		iv := make([]byte, chacha20poly1305.NonceSize)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}

		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, err
		}

		chunk.CipherKey = key
		chunk.CipherIV = iv
		return aead.Seal(nil, iv, frame, nil), nil
	default:
		return nil, ErrUnknownCipherType
	}
}

func decrypt(cipherType string, chunk *model.Chunk, frame []byte) ([]byte, error) {
	switch cipherType {
	case "":
		return frame, nil
	case "chacha20poly1305":
		aead, err := chacha20poly1305.New(chunk.CipherKey)
		if err != nil {
			return nil, err
		}
		return aead.Open(nil, chunk.CipherIV, frame, nil)
	default:
		return nil, ErrUnknownCipherType
	}
}

// cipherFrameLen is the length of the erasure-coded frame before shard
// padding, derived from the chunk metadata.
func cipherFrameLen(cfg model.ChunkCoderConfig, chunk *model.Chunk) int {
	n := int(chunk.CompressSize)
	if cfg.Cipher == "chacha20poly1305" {
		n += chacha20poly1305.Overhead
	}
	return n
}

// fragPosition maps a flat shard index to the canonical (kind, index)
// ordering: data 0..k-1, parity 0..m-1, lrc 0..l-1.
func fragPosition(cfg model.ChunkCoderConfig, i int) (model.FragKind, int) {
	if i < cfg.DataFrags {
		return model.FragKindData, i
	}
	if i < cfg.DataFrags+cfg.ParityFrags {
		return model.FragKindParity, i - cfg.DataFrags
	}
	return model.FragKindLRC, i - cfg.DataFrags - cfg.ParityFrags
}

func shardLen(cfg model.ChunkCoderConfig, frameLen int) int {
	return (frameLen + cfg.DataFrags - 1) / cfg.DataFrags
}

func erasureSplit(cfg model.ChunkCoderConfig, frame []byte) ([][]byte, error) {
	k := cfg.DataFrags
	parity := cfg.ParityFrags + cfg.LRCFrags

	size := shardLen(cfg, len(frame))
	padded := make([]byte, k*size)
	copy(padded, frame)

	shards := make([][]byte, k+parity)
	for i := 0; i < k; i++ {
		shards[i] = padded[i*size : (i+1)*size]
	}

	if parity == 0 {
		return shards, nil
	}

	for i := k; i < k+parity; i++ {
		shards[i] = make([]byte, size)
	}

	enc, err := reedsolomon.New(k, parity)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(shards); err != nil {
		return nil, err
	}

	return shards, nil
}

func erasureJoin(cfg model.ChunkCoderConfig, chunk *model.Chunk, frags []model.Frag) ([]byte, error) {
	k := cfg.DataFrags
	parity := cfg.ParityFrags + cfg.LRCFrags
	frameLen := cipherFrameLen(cfg, chunk)
	size := shardLen(cfg, frameLen)

	shards := make([][]byte, k+parity)
	for _, frag := range frags {
		if frag.Data == nil || len(frag.Data) != size {
			continue
		}
		pos := model.KindRank(frag.Kind)
		var i int
		switch pos {
		case 0:
			i = frag.Index
		case 1:
			i = k + frag.Index
		default:
			i = k + cfg.ParityFrags + frag.Index
		}
		if i < 0 || i >= len(shards) {
			continue
		}
		shards[i] = frag.Data
	}

	missing := 0
	for i := 0; i < k; i++ {
		if shards[i] == nil {
			missing++
		}
	}

	if missing > 0 {
		if parity == 0 {
			return nil, ErrInsufficientFrags
		}

		enc, err := reedsolomon.New(k, parity)
		if err != nil {
			return nil, err
		}
		if err := enc.ReconstructData(shards); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFrags, err)
		}
	}

	frame := bytes.Join(shards[:k], nil)
	return frame[:frameLen], nil
}
