package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/lib/checksum"
	"github.com/ternstore/tern/rpc/metadata"
)

const (
	defaultReadRequestSize = 4 << 20

	videoTailPrefetchDelay = 10 * time.Millisecond
	videoTailPrefetchBytes = 1024
	videoPrefetchMinSize   = 1 << 20
)

type ReadParams struct {
	Bucket string
	Key    string
	ObjID  uuid.UUID // optional; resolved from bucket/key when zero

	Start int64
	End   int64 // -1 reads to EOF

	// RequestSize is the number of bytes each stream pull requests
	// through the cache; 0 takes the default.
	RequestSize int
}

// ReadObjectStream returns a stream over the requested object range. Each
// pull acquires a byte-denominated admission slot, reads through the
// aligned range cache and pushes the returned buffers in offset order.
func (c *Client) ReadObjectStream(ctx context.Context, params ReadParams) (io.ReadCloser, error) {
	reply, err := c.md.ReadObjectMD(ctx, metadata.ReadObjectMDArgs{
		Bucket: params.Bucket,
		Key:    params.Key,
		ObjID:  params.ObjID,
	})
	if err != nil {
		return nil, err
	}
	objMD := reply.ObjectMD

	start := params.Start
	if start < 0 {
		start = 0
	}
	end := objMD.Size
	if params.End >= 0 && params.End < end {
		end = params.End
	}
	if start > end {
		start = end
	}

	requestSize := params.RequestSize
	if requestSize <= 0 {
		requestSize = defaultReadRequestSize
	}

	stream := &objectReadStream{
		c:           c,
		ctx:         ctx,
		md:          objMD,
		pos:         start,
		end:         end,
		requestSize: requestSize,
	}

	if c.shouldPrefetchVideoTail(start, objMD) {
		go c.prefetchVideoTail(objMD)
	}

	return stream, nil
}

// ReadEntireObject reads the full object into memory; testing convenience.
func (c *Client) ReadEntireObject(ctx context.Context, params ReadParams) ([]byte, error) {
	params.Start = 0
	params.End = -1

	stream, err := c.ReadObjectStream(ctx, params)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	return io.ReadAll(stream)
}

func (c *Client) shouldPrefetchVideoTail(start int64, objMD model.ObjectMD) bool {
	return start == 0 &&
		objMD.Size > videoPrefetchMinSize &&
		strings.HasPrefix(objMD.ContentType, "video") &&
		c.streamSem.Waiting() < c.cfg.Video.ReadStreamPreFetchLoadCap
}

// prefetchVideoTail warms the cache with the last KiB of the object,
// where video containers keep their index. Failures are logged and
// ignored.
func (c *Client) prefetchVideoTail(objMD model.ObjectMD) {
	time.Sleep(videoTailPrefetchDelay)

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	_, err := c.rangeCache.Get(ctx, objMD, objMD.Size-videoTailPrefetchBytes, objMD.Size)
	if err != nil {
		log.Debugw("video tail prefetch failed", "obj", objMD.ObjID, "err", err)
	}
}

type objectReadStream struct {
	c           *Client
	ctx         context.Context
	md          model.ObjectMD
	requestSize int

	mu      sync.Mutex
	pos     int64
	end     int64
	pending []byte
	closed  bool
	failed  bool
}

func (s *objectReadStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.failed {
		return 0, io.EOF
	}

	for len(s.pending) == 0 {
		if s.pos >= s.end {
			return 0, io.EOF
		}
		if err := s.fill(); err != nil {
			// the stream emits its error exactly once, then EOF
			s.failed = true
			return 0, err
		}
	}

	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close sets the closed flag; the next pull observes it and pending
// buffers are dropped immediately to release memory.
func (s *objectReadStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.pending = nil
	return nil
}

func (s *objectReadStream) fill() error {
	requestedEnd := s.pos + int64(s.requestSize)
	if requestedEnd > s.end {
		requestedEnd = s.end
	}
	window := requestedEnd - s.pos

	if err := s.c.acquireStream(s.ctx, window); err != nil {
		return err
	}
	defer s.c.streamSem.Release(window)

	bufs, err := s.c.readObjectWithCache(s.ctx, s.md, s.pos, requestedEnd)
	if err != nil {
		return err
	}

	for _, buf := range bufs {
		if len(buf) > 0 {
			s.pending = append(s.pending, buf...)
		}
	}
	s.pos = requestedEnd
	return nil
}

// readObjectWithCache splits [start, end) into aligned sub-ranges and
// fetches them through the range cache, at most the configured number in
// parallel. Buffers come back in ascending offset order.
func (c *Client) readObjectWithCache(ctx context.Context, objMD model.ObjectMD, start, end int64) ([][]byte, error) {
	align := c.cfg.IO.ObjectRangeAlign

	type subRange struct{ start, end int64 }
	var subs []subRange
	for pos := start; pos < end; {
		subEnd := (pos/align + 1) * align
		if subEnd > end {
			subEnd = end
		}
		subs = append(subs, subRange{start: pos, end: subEnd})
		pos = subEnd
	}

	results := make([][]byte, len(subs))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(c.cfg.IO.ReadRangeConcurrency)

	for i, sub := range subs {
		i, sub := i, sub
		group.Go(func() error {
			buf, err := c.rangeCache.Get(gctx, objMD, sub.start, sub.end)
			if err != nil {
				return err
			}
			results[i] = buf
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// readObjectRange is the cache loader: it maps the range, fetches and
// decodes every part that intersects it and assembles the exact window.
func (c *Client) readObjectRange(ctx context.Context, objMD model.ObjectMD, start, end int64) ([]byte, error) {
	if end > objMD.Size {
		end = objMD.Size
	}
	if start >= end {
		return nil, nil
	}

	reply, err := c.md.ReadObjectMappings(ctx, metadata.ReadObjectMappingsArgs{
		ObjID: objMD.ObjID,
		Start: start,
		End:   end,
	})
	if err != nil {
		return nil, err
	}
	mapping := reply.Mapping

	parts := make([]model.Part, 0, len(mapping.Parts))
	for _, part := range mapping.Parts {
		if part.End > start && part.Start < end {
			parts = append(parts, part)
		}
	}

	plains := make([][]byte, len(parts))
	group, gctx := errgroup.WithContext(ctx)
	for i := range parts {
		i := i
		group.Go(func() error {
			plain, err := c.readPart(gctx, objMD, &mapping, parts[i])
			if err != nil {
				return err
			}
			plains[i] = plain
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return assembleRange(objMD, parts, plains, start, end)
}

// assembleRange materializes the exact [start, end) window from the
// intersecting slices of each part's chunk data.
func assembleRange(objMD model.ObjectMD, parts []model.Part, plains [][]byte, start, end int64) ([]byte, error) {
	out := make([]byte, 0, end-start)
	cursor := start

	for i, part := range parts {
		isectStart := part.Start
		if isectStart < start {
			isectStart = start
		}
		isectEnd := part.End
		if isectEnd > end {
			isectEnd = end
		}
		if isectStart >= isectEnd {
			continue
		}

		if isectStart != cursor {
			return nil, fmt.Errorf("%w: object %s range [%d,%d) gap at %d",
				ErrRangeUnmapped, objMD.ObjID, start, end, cursor)
		}

		sliceStart := part.ChunkOffset + (isectStart - part.Start)
		sliceEnd := sliceStart + (isectEnd - isectStart)
		plain := plains[i]
		if sliceEnd > int64(len(plain)) {
			return nil, fmt.Errorf("%w: object %s part %d chunk slice [%d,%d) beyond %d decoded bytes",
				ErrAssembledLength, objMD.ObjID, part.Seq, sliceStart, sliceEnd, len(plain))
		}

		out = append(out, plain[sliceStart:sliceEnd]...)
		cursor = isectEnd
	}

	if cursor != end {
		return nil, fmt.Errorf("%w: object %s range [%d,%d) unmapped tail from %d",
			ErrRangeUnmapped, objMD.ObjID, start, end, cursor)
	}
	if int64(len(out)) != end-start {
		return nil, fmt.Errorf("%w: object %s assembled %d bytes for [%d,%d)",
			ErrAssembledLength, objMD.ObjID, len(out), start, end)
	}

	return out, nil
}

// readPart reconstructs the plaintext of one part's chunk. Data fragments
// are tried first; on any data-fragment failure the read retries with the
// full fragment set and lets the kernel reconstruct.
func (c *Client) readPart(ctx context.Context, objMD model.ObjectMD, mapping *model.ObjectMapping, part model.Part) ([]byte, error) {
	chunk, ok := mapping.ChunkByID(part.ChunkID)
	if !ok {
		return nil, fmt.Errorf("%w: part %d names unknown chunk %s", ErrRangeUnmapped, part.Seq, part.ChunkID)
	}

	if c.verificationMode() {
		return c.readChunkVerify(ctx, objMD, chunk)
	}

	frags := cloneFrags(chunk.Frags)

	missingData := false
	for i := range frags {
		frag := &frags[i]
		if frag.Kind != model.FragKindData {
			continue
		}
		if err := c.readFrag(ctx, objMD, frag); err != nil {
			log.Warnw("data fragment unreadable, will reconstruct",
				"chunk", chunk.ID, "frag", frag.Index, "err", err)
			missingData = true
		}
	}

	if !missingData {
		return c.coder.DecodeChunk(ctx, chunk, frags)
	}

	// second pass fetches everything still missing, parity and lrc
	// included, so the kernel can reconstruct
	for i := range frags {
		frag := &frags[i]
		if frag.Data != nil {
			continue
		}
		if err := c.readFrag(ctx, objMD, frag); err != nil {
			log.Warnw("fragment unreadable", "chunk", chunk.ID, "kind", frag.Kind, "frag", frag.Index, "err", err)
		}
	}

	return c.coder.DecodeChunk(ctx, chunk, frags)
}

// readFrag fetches one fragment payload, trying its replica blocks in
// order until one succeeds.
func (c *Client) readFrag(ctx context.Context, objMD model.ObjectMD, frag *model.Frag) error {
	var lastErr error
	for _, blockMD := range frag.Blocks {
		data, err := c.readBlock(ctx, objMD, blockMD)
		if err != nil {
			lastErr = err
			continue
		}
		frag.Data = data
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("fragment %s-%d has no replica blocks", frag.Kind, frag.Index)
	}
	return lastErr
}

// readChunkVerify reads every replica of every fragment, asserts digest
// and replica equality, and cross-checks decoding through a parity-only
// fragment set.
func (c *Client) readChunkVerify(ctx context.Context, objMD model.ObjectMD, chunk *model.Chunk) ([]byte, error) {
	frags := cloneFrags(chunk.Frags)

	for i := range frags {
		frag := &frags[i]
		var payload []byte

		for _, blockMD := range frag.Blocks {
			data, err := c.readBlock(ctx, objMD, blockMD)
			if err != nil {
				return nil, err
			}
			if payload == nil {
				payload = data
				continue
			}
			if !bytes.Equal(payload, data) {
				return nil, fmt.Errorf("%w: replicas of fragment %s-%d of chunk %s differ",
					ErrVerification, frag.Kind, frag.Index, chunk.ID)
			}
		}

		frag.Data = payload
	}

	dataOnly := make([]model.Frag, 0, len(frags))
	parityOnly := make([]model.Frag, 0, len(frags))
	for _, frag := range frags {
		if frag.Kind == model.FragKindData {
			dataOnly = append(dataOnly, frag)
		} else {
			parityOnly = append(parityOnly, frag)
		}
	}

	plain, err := c.coder.DecodeChunk(ctx, chunk, dataOnly)
	if err != nil {
		return nil, err
	}

	// the parity-only cross-check needs at least k parity-side shards
	if len(parityOnly) >= chunk.CoderConfig.DataFrags {
		parityPlain, err := c.coder.DecodeChunk(ctx, chunk, parityOnly)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(plain, parityPlain) {
			return nil, fmt.Errorf("%w: parity decode of chunk %s differs from data decode",
				ErrVerification, chunk.ID)
		}
	}

	return plain, nil
}

// readBlock fetches one block replica under the global and per-agent read
// governors and the block read timeout. The payload digest is recomputed
// locally on every read that carries one; a mismatch is tampering in
// verification mode and an unreadable replica otherwise.
func (c *Client) readBlock(ctx context.Context, objMD model.ObjectMD, blockMD model.Block) ([]byte, error) {
	if c.injectReadFault() {
		c.reportBlockError(objMD, blockMD, "read", rpcCodeBlockReadFailed, errInjectedReadFault)
		return nil, errInjectedReadFault
	}

	if err := c.readGlobalSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.readGlobalSem.Release(1)

	bctx, cancel := context.WithTimeout(ctx, c.cfg.IO.ReadBlockTimeout)
	defer cancel()

	agentKey := blockMD.NodeID.String()
	if err := c.readAgentSem.Acquire(bctx, agentKey, 1); err != nil {
		return nil, err
	}
	defer c.readAgentSem.Release(agentKey, 1)

	data, err := c.blocks.ReadBlock(bctx, blockMD)
	if err != nil {
		c.reportBlockError(objMD, blockMD, "read", rpcCodeBlockReadFailed, err)
		return nil, err
	}

	if len(blockMD.Digest) > 0 {
		digest, err := checksum.Sum(blockMD.DigestType, data)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(digest, blockMD.Digest) {
			// in verification mode a corrupt replica is a tampering
			// failure; otherwise it is one more unreadable replica and
			// the caller falls through to the next one
			if c.verificationMode() {
				err := fmt.Errorf("%w: block %s on node %s", ErrTampering, blockMD.ID, blockMD.NodeID)
				c.reportBlockError(objMD, blockMD, "read", rpcCodeTampering, err)
				return nil, err
			}

			err = fmt.Errorf("block %s payload does not match digest", blockMD.ID)
			c.reportBlockError(objMD, blockMD, "read", rpcCodeBlockReadFailed, err)
			return nil, err
		}
	}

	return data, nil
}

func cloneFrags(frags []model.Frag) []model.Frag {
	cloned := make([]model.Frag, len(frags))
	copy(cloned, frags)
	for i := range cloned {
		cloned[i].Data = nil
	}
	return cloned
}
