package splitter

import (
	"crypto/md5"
	"crypto/sha256"
	"errors"
	"hash"

	"github.com/ternstore/tern/core/model"
)

var (
	ErrMinChunkInvalid     = errors.New("min chunk must be positive")
	ErrChunkBoundsInvalid  = errors.New("min chunk must not exceed max chunk")
	ErrAvgChunkBitsInvalid = errors.New("avg chunk bits must not be negative")
)

// Splitter scans a byte stream once, emits content-defined chunk
// boundaries and computes whole-stream digests. A boundary is declared at
// position p of the current chunk when p >= min chunk and either the low
// avg-chunk bits of the rolling hash are all set or p reaches max chunk.
// The window and hash reset on every boundary, so boundaries depend only
// on the bytes since the previous one.
//
// Finish emits no trailing boundary; whatever the caller has buffered past
// the last boundary is the final chunk.
type Splitter struct {
	minChunk     int
	maxChunk     int
	avgChunkBits int

	md5Hash    hash.Hash
	sha256Hash hash.Hash

	window    [rabinWindowLen]byte
	windowPos int
	chunkPos  int
	hash      uint64
}

func New(cfg model.ChunkSplitConfig) (*Splitter, error) {
	if cfg.MinChunk <= 0 {
		return nil, ErrMinChunkInvalid
	}
	if cfg.MinChunk > cfg.MaxChunk {
		return nil, ErrChunkBoundsInvalid
	}
	if cfg.AvgChunkBits < 0 {
		return nil, ErrAvgChunkBitsInvalid
	}

	s := &Splitter{
		minChunk:     cfg.MinChunk,
		maxChunk:     cfg.MaxChunk,
		avgChunkBits: cfg.AvgChunkBits,
	}

	if cfg.CalcMD5 {
		s.md5Hash = md5.New()
	}
	if cfg.CalcSHA256 {
		s.sha256Hash = sha256.New()
	}

	return s, nil
}

// Push consumes the whole buffer and returns the sizes of the chunks whose
// boundaries were reached, in stream order. An empty push is a no-op.
func (s *Splitter) Push(data []byte) []int {
	if len(data) == 0 {
		return nil
	}

	if s.md5Hash != nil {
		s.md5Hash.Write(data)
	}
	if s.sha256Hash != nil {
		s.sha256Hash.Write(data)
	}

	var points []int
	for {
		n, boundary := s.nextPoint(data)
		if !boundary {
			break
		}
		points = append(points, s.chunkPos)
		s.chunkPos = 0
		data = data[n:]
	}

	return points
}

// Pending reports how many bytes of the current chunk have been consumed
// since the last boundary.
func (s *Splitter) Pending() int {
	return s.chunkPos
}

// Finish finalizes the whole-stream digests. Digests that were not enabled
// come back nil.
func (s *Splitter) Finish() (md5Sum, sha256Sum []byte) {
	if s.md5Hash != nil {
		md5Sum = s.md5Hash.Sum(nil)
	}
	if s.sha256Hash != nil {
		sha256Sum = s.sha256Hash.Sum(nil)
	}
	return md5Sum, sha256Sum
}

// nextPoint advances through data until a boundary or the end of the
// buffer, returning how many bytes it consumed and whether a boundary was
// reached. The hot loop works on stack copies of the splitter state.
func (s *Splitter) nextPoint(data []byte) (int, bool) {
	windowPos := s.windowPos
	windowData := s.window[:]

	chunkPos := s.chunkPos
	total := chunkPos + len(data)
	min := s.minChunk
	if total < min {
		min = total
	}
	max := s.maxChunk
	if total < max {
		max = total
	}

	hash := s.hash
	avgChunkMask := ^(^uint64(0) << s.avgChunkBits)
	avgChunkVal := ^uint64(0) & avgChunkMask

	i := 0
	boundary := false

	// below the min chunk length the hash result would be discarded, so
	// skip byte scanning entirely
	if chunkPos < min {
		i += min - chunkPos
		chunkPos = min
	}

	for chunkPos < max {
		hash = defaultRabin.update(hash, data[i], windowData[windowPos])
		windowData[windowPos] = data[i]
		windowPos++
		chunkPos++
		i++
		if windowPos >= rabinWindowLen {
			windowPos = 0
		}
		if hash&avgChunkMask == avgChunkVal {
			boundary = true
			break
		}
	}

	if boundary || chunkPos >= s.maxChunk {
		for j := range windowData {
			windowData[j] = 0
		}
		s.windowPos = 0
		s.chunkPos = chunkPos
		s.hash = 0
		return i, true
	}

	s.windowPos = windowPos
	s.chunkPos = chunkPos
	s.hash = hash
	return len(data), false
}
