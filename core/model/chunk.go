package model

import "github.com/google/uuid"

type FragKind string

const (
	FragKindData   FragKind = "data"
	FragKindParity FragKind = "parity"
	FragKindLRC    FragKind = "lrc"
)

// KindRank orders fragment kinds for the canonical (kind, index) ordering.
func KindRank(k FragKind) int {
	switch k {
	case FragKindData:
		return 0
	case FragKindParity:
		return 1
	default:
		return 2
	}
}

// ChunkSplitConfig drives the content-defined splitter. The expected chunk
// size is MinChunk + 2^AvgChunkBits, bounded above by MaxChunk.
type ChunkSplitConfig struct {
	MinChunk     int
	MaxChunk     int
	AvgChunkBits int
	CalcMD5      bool
	CalcSHA256   bool
}

// ChunkCoderConfig drives the encode kernel. Compress is "" (off), "zstd"
// or "lz4". Cipher is "" (off) or "chacha20poly1305".
type ChunkCoderConfig struct {
	Compress       string
	Cipher         string
	FragDigestType string
	DataFrags      int
	ParityFrags    int
	LRCFrags       int
}

// TotalFrags is the number of fragments produced per chunk.
func (c ChunkCoderConfig) TotalFrags() int {
	return c.DataFrags + c.ParityFrags + c.LRCFrags
}

// Block is one stored replica of one fragment on one agent.
type Block struct {
	ID         uuid.UUID
	NodeID     uuid.UUID
	Address    string
	DigestType string
	Digest     []byte
	Size       int64
}

// Frag is one piece of a chunk after erasure coding. Data holds the cipher
// frame while the fragment is in flight and is dropped once its blocks are
// written.
type Frag struct {
	Index  int
	Kind   FragKind
	Digest []byte
	Data   []byte
	Blocks []Block
}

// Chunk is a contiguous content-defined range of the stream. Data holds the
// plaintext between splitting and encoding and is dropped after the encode
// step. Parts are the placements this chunk serves within the object.
type Chunk struct {
	ID           uuid.UUID
	Size         int64
	Digest       []byte
	CompressSize int64
	CipherKey    []byte
	CipherIV     []byte
	CoderConfig  ChunkCoderConfig
	Frags        []Frag
	Parts        []Part

	Data []byte

	// DupChunkID is set by allocation when the chunk deduplicates
	// against an existing chunk; no fragments are written in that case.
	DupChunkID uuid.UUID

	// MinWrittenFrags is the durability floor returned by allocation.
	MinWrittenFrags int
}

// IsDup reports whether allocation resolved this chunk to an existing one.
func (c *Chunk) IsDup() bool {
	return c.DupChunkID != uuid.Nil
}
