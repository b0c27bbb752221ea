package client

import (
	"context"
	"encoding/hex"
	"errors"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/core/splitter"
	"github.com/ternstore/tern/lib/semaphore"
	"github.com/ternstore/tern/rpc/metadata"
)

// pipeline stage watermarks
const (
	sourceReadSize      = 256 << 10
	sourceWatermarkBufs = 4
	splitterWatermark   = 100
	encodeWatermark     = 20
	uploadWatermark     = 1
)

type UploadParams struct {
	Bucket      string
	Key         string
	Size        int64 // -1 when unknown
	ContentType string

	Source          io.Reader
	ChunkedEncoding bool

	// CopySource makes this upload a server-side copy of an existing
	// object instead of consuming Source.
	CopySource *CopySource
}

type CopySource struct {
	Bucket   string
	Key      string
	Start    int64
	End      int64
	HasRange bool
}

type UploadResult struct {
	ObjID    uuid.UUID
	Etag     string
	MD5      string
	SHA256   string
	Size     int64
	NumParts int
}

type MultipartParams struct {
	Bucket string
	Key    string
	ObjID  uuid.UUID
	Num    int
	Size   int64 // -1 when unknown

	Source          io.Reader
	ChunkedEncoding bool
}

type MultipartResult struct {
	MultipartID uuid.UUID
	Etag        string
	MD5         string
	Size        int64
	NumParts    int
}

// UploadObject streams one object through the upload pipeline and returns
// after the completion RPC. On any failure after creation it issues a
// best-effort abort and re-raises the original error.
func (c *Client) UploadObject(ctx context.Context, params UploadParams) (*UploadResult, error) {
	admission := c.admissionSize(params.Size)
	if err := c.acquireStream(ctx, admission); err != nil {
		return nil, err
	}
	defer c.streamSem.Release(admission)

	create, err := c.md.CreateObjectUpload(ctx, metadata.CreateObjectUploadArgs{
		Bucket:      params.Bucket,
		Key:         params.Key,
		Size:        params.Size,
		ContentType: params.ContentType,
	})
	if err != nil {
		return nil, err
	}

	result, err := c.uploadCreated(ctx, params, create)
	if err != nil {
		c.abortUpload(create.ObjID)
		return nil, err
	}

	return result, nil
}

func (c *Client) uploadCreated(ctx context.Context, params UploadParams, create *metadata.CreateObjectUploadReply) (*UploadResult, error) {
	objMD := model.ObjectMD{
		ObjID:       create.ObjID,
		BucketID:    create.BucketID,
		TierID:      create.TierID,
		Bucket:      params.Bucket,
		Key:         params.Key,
		ContentType: params.ContentType,
	}

	if params.CopySource != nil {
		if params.CopySource.Bucket == params.Bucket && !params.CopySource.HasRange {
			return c.copyObject(ctx, params, create)
		}

		// ranged or cross-bucket copies stream through the normal
		// pipeline
		stream, err := c.ReadObjectStream(ctx, ReadParams{
			Bucket: params.CopySource.Bucket,
			Key:    params.CopySource.Key,
			Start:  params.CopySource.Start,
			End:    copySourceEnd(params.CopySource),
		})
		if err != nil {
			return nil, err
		}
		defer stream.Close()
		params.Source = stream
	}

	pr, err := c.runPipeline(ctx, objMD, uuid.Nil, create.ChunkSplitConfig, create.ChunkCoderConfig, params.Source, params.ChunkedEncoding)
	if err != nil {
		return nil, err
	}

	complete, err := c.md.CompleteObjectUpload(ctx, metadata.CompleteObjectUploadArgs{
		ObjID:    create.ObjID,
		Size:     pr.size,
		NumParts: pr.numParts,
		MD5:      pr.md5,
		SHA256:   pr.sha256,
	})
	if err != nil {
		return nil, err
	}

	return &UploadResult{
		ObjID:    create.ObjID,
		Etag:     complete.Etag,
		MD5:      pr.md5,
		SHA256:   pr.sha256,
		Size:     pr.size,
		NumParts: pr.numParts,
	}, nil
}

// UploadMultipart streams one multipart through the pipeline with
// part-relative offsets; the metadata service rewrites them to absolute
// object offsets when the whole object upload completes.
func (c *Client) UploadMultipart(ctx context.Context, params MultipartParams) (*MultipartResult, error) {
	admission := c.admissionSize(params.Size)
	if err := c.acquireStream(ctx, admission); err != nil {
		return nil, err
	}
	defer c.streamSem.Release(admission)

	create, err := c.md.CreateMultipart(ctx, metadata.CreateMultipartArgs{
		ObjID: params.ObjID,
		Num:   params.Num,
	})
	if err != nil {
		return nil, err
	}

	objMD := model.ObjectMD{
		ObjID:  params.ObjID,
		Bucket: params.Bucket,
		Key:    params.Key,
	}

	pr, err := c.runPipeline(ctx, objMD, create.MultipartID, create.ChunkSplitConfig, create.ChunkCoderConfig, params.Source, params.ChunkedEncoding)
	if err != nil {
		return nil, err
	}

	complete, err := c.md.CompleteMultipart(ctx, metadata.CompleteMultipartArgs{
		ObjID:       params.ObjID,
		MultipartID: create.MultipartID,
		Num:         params.Num,
		Size:        pr.size,
		MD5:         pr.md5,
		NumParts:    pr.numParts,
	})
	if err != nil {
		return nil, err
	}

	return &MultipartResult{
		MultipartID: create.MultipartID,
		Etag:        complete.Etag,
		MD5:         pr.md5,
		Size:        pr.size,
		NumParts:    pr.numParts,
	}, nil
}

func (c *Client) acquireStream(ctx context.Context, admission int64) error {
	err := c.streamSem.Acquire(ctx, admission)
	if err == nil {
		return nil
	}

	if errors.Is(err, semaphore.ErrTimeout) {
		c.reportStress()
		return ErrStreamItemTimeout
	}
	return err
}

// admissionSize maps the declared object size onto a semaphore
// reservation, clamped between the minimal lock and the per-stream cap.
func (c *Client) admissionSize(declared int64) int64 {
	if declared < 0 {
		return c.cfg.IO.StreamMinimalSizeLock
	}
	if declared > c.cfg.IO.StreamSemaphoreSizeCap {
		return c.cfg.IO.StreamSemaphoreSizeCap
	}
	if declared < c.cfg.IO.StreamMinimalSizeLock {
		return c.cfg.IO.StreamMinimalSizeLock
	}
	return declared
}

func (c *Client) abortUpload(objID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	err := c.md.AbortObjectUpload(ctx, metadata.AbortObjectUploadArgs{ObjID: objID})
	if err != nil {
		log.Warnw("upload abort failed", "obj", objID, "err", err)
	}
}

func copySourceEnd(cs *CopySource) int64 {
	if !cs.HasRange {
		return -1
	}
	return cs.End
}

// copyObject is the zero-byte copy path: same bucket, no range. The new
// object is finalized onto the source's chunks without moving a byte.
func (c *Client) copyObject(ctx context.Context, params UploadParams, create *metadata.CreateObjectUploadReply) (*UploadResult, error) {
	srcMD, err := c.md.ReadObjectMD(ctx, metadata.ReadObjectMDArgs{
		Bucket: params.CopySource.Bucket,
		Key:    params.CopySource.Key,
	})
	if err != nil {
		return nil, err
	}

	mappings, err := c.md.ReadObjectMappings(ctx, metadata.ReadObjectMappingsArgs{
		ObjID: srcMD.ObjectMD.ObjID,
		Start: 0,
		End:   srcMD.ObjectMD.Size,
	})
	if err != nil {
		return nil, err
	}

	finalize := metadata.FinalizeObjectPartsArgs{ObjID: create.ObjID}
	for _, part := range mappings.Mapping.Parts {
		part.ObjID = create.ObjID
		finalize.Parts = append(finalize.Parts, part)
	}
	for _, chunk := range mappings.Mapping.Chunks {
		md := chunk
		md.Data = nil
		md.DupChunkID = chunk.ID
		for i := range md.Frags {
			md.Frags[i].Data = nil
		}
		finalize.Chunks = append(finalize.Chunks, md)
	}

	reply, err := c.md.FinalizeObjectParts(ctx, finalize)
	if err != nil {
		return nil, err
	}
	if reply.HadErrors {
		return nil, ErrUploadMap
	}

	complete, err := c.md.CompleteObjectUpload(ctx, metadata.CompleteObjectUploadArgs{
		ObjID:    create.ObjID,
		Size:     srcMD.ObjectMD.Size,
		NumParts: len(finalize.Parts),
		MD5:      srcMD.ObjectMD.MD5,
		SHA256:   srcMD.ObjectMD.SHA256,
	})
	if err != nil {
		return nil, err
	}

	return &UploadResult{
		ObjID:    create.ObjID,
		Etag:     complete.Etag,
		MD5:      srcMD.ObjectMD.MD5,
		SHA256:   srcMD.ObjectMD.SHA256,
		Size:     srcMD.ObjectMD.Size,
		NumParts: len(finalize.Parts),
	}, nil
}

type pipelineResult struct {
	size     int64
	numParts int
	md5      string
	sha256   string
}

type encodeOutcome struct {
	chunk *model.Chunk
	err   error
}

// runPipeline wires source reader -> splitter -> encoder -> coalescer ->
// uploader as bounded channel stages. Backpressure is the channel
// capacities; cancellation is the errgroup context.
func (c *Client) runPipeline(ctx context.Context, objMD model.ObjectMD, multipartID uuid.UUID, splitCfg model.ChunkSplitConfig, coderCfg model.ChunkCoderConfig, source io.Reader, chunked bool) (*pipelineResult, error) {
	group, gctx := errgroup.WithContext(ctx)
	result := &pipelineResult{}

	readCh := make(chan []byte, sourceWatermarkBufs)
	group.Go(func() error {
		defer close(readCh)
		return readSource(gctx, source, chunked, readCh)
	})

	chunkCh := make(chan *model.Chunk, splitterWatermark)
	group.Go(func() error {
		defer close(chunkCh)
		return c.splitStage(gctx, objMD, multipartID, splitCfg, coderCfg, readCh, chunkCh, result)
	})

	// the encoder fans out to the codec worker pool but hands results
	// downstream in chunk order via a queue of futures
	futureCh := make(chan chan encodeOutcome, encodeWatermark)
	group.Go(func() error {
		defer close(futureCh)
		for {
			chunk, ok, err := recvChunk(gctx, chunkCh)
			if err != nil || !ok {
				return err
			}

			future := make(chan encodeOutcome, 1)
			select {
			case futureCh <- future:
			case <-gctx.Done():
				return gctx.Err()
			}

			group.Go(func() error {
				err := c.coder.EncodeChunk(gctx, chunk)
				future <- encodeOutcome{chunk: chunk, err: err}
				return nil
			})
		}
	})

	encodedCh := make(chan *model.Chunk, encodeWatermark)
	group.Go(func() error {
		defer close(encodedCh)
		for {
			select {
			case future, ok := <-futureCh:
				if !ok {
					return nil
				}
				outcome := <-future
				if outcome.err != nil {
					return outcome.err
				}

				// plaintext is released before the allocator step
				outcome.chunk.Data = nil

				select {
				case encodedCh <- outcome.chunk:
				case <-gctx.Done():
					return gctx.Err()
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	batchCh := make(chan []*model.Chunk, uploadWatermark)
	group.Go(func() error {
		defer close(batchCh)
		return coalesce(gctx, c.cfg.IO.CoalescerMaxLength, c.cfg.IO.CoalescerMaxWait, encodedCh, batchCh)
	})

	group.Go(func() error {
		for {
			select {
			case batch, ok := <-batchCh:
				if !ok {
					return nil
				}
				m := newMapClient(c, objMD)
				if err := m.Run(gctx, batch); err != nil {
					return err
				}
				result.numParts += len(batch)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func recvChunk(ctx context.Context, ch <-chan *model.Chunk) (*model.Chunk, bool, error) {
	select {
	case chunk, ok := <-ch:
		return chunk, ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func readSource(ctx context.Context, source io.Reader, chunked bool, out chan<- []byte) error {
	if chunked {
		source = newChunkedReader(source)
	}

	for {
		buf := make([]byte, sourceReadSize)
		n, err := source.Read(buf)
		if n > 0 {
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// splitStage feeds source buffers through the splitter, cuts chunks at
// the emitted boundaries and records the stream digests and size. The
// residue past the last boundary becomes the final chunk.
func (c *Client) splitStage(ctx context.Context, objMD model.ObjectMD, multipartID uuid.UUID, splitCfg model.ChunkSplitConfig, coderCfg model.ChunkCoderConfig, in <-chan []byte, out chan<- *model.Chunk, result *pipelineResult) error {
	split, err := splitter.New(splitCfg)
	if err != nil {
		return err
	}

	var pending []byte
	var offset int64
	seq := 0

	emit := func(size int) error {
		data := make([]byte, size)
		copy(data, pending)
		pending = pending[size:]

		chunk := &model.Chunk{
			Size:        int64(size),
			CoderConfig: coderCfg,
			Data:        data,
			Parts: []model.Part{{
				ObjID:       objMD.ObjID,
				MultipartID: multipartID,
				Seq:         seq,
				Start:       offset,
				End:         offset + int64(size),
			}},
		}
		seq++
		offset += int64(size)

		select {
		case out <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

loop:
	for {
		select {
		case buf, ok := <-in:
			if !ok {
				break loop
			}

			points := split.Push(buf)
			pending = append(pending, buf...)
			for _, point := range points {
				if err := emit(point); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if split.Pending() > 0 {
		if err := emit(split.Pending()); err != nil {
			return err
		}
	}

	md5Sum, sha256Sum := split.Finish()
	result.size = offset
	if md5Sum != nil {
		result.md5 = hex.EncodeToString(md5Sum)
	}
	if sha256Sum != nil {
		result.sha256 = hex.EncodeToString(sha256Sum)
	}

	return nil
}
