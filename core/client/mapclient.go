package client

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/rpc/metadata"
)

type mapClientState int

const (
	mapStateInit mapClientState = iota
	mapStateAllocate
	mapStateWrite
	mapStateFinalize
	mapStateDone
	mapStateFailed
)

// mapClient runs one coalesced batch of chunks through the
// allocate -> write -> finalize state machine against the metadata
// service. Each batch gets its own instance, so concurrent batches (and
// re-entrant fragment re-reads) never share state.
type mapClient struct {
	c         *Client
	objMD     model.ObjectMD
	checkDups bool

	state     mapClientState
	hadErrors bool
}

func newMapClient(c *Client, objMD model.ObjectMD) *mapClient {
	return &mapClient{
		c:         c,
		objMD:     objMD,
		checkDups: true,
		state:     mapStateInit,
	}
}

func (m *mapClient) Run(ctx context.Context, chunks []*model.Chunk) error {
	err := m.run(ctx, chunks)
	if err != nil {
		m.state = mapStateFailed
		m.hadErrors = true
		return err
	}

	m.state = mapStateDone
	return nil
}

func (m *mapClient) run(ctx context.Context, chunks []*model.Chunk) error {
	m.state = mapStateAllocate
	if err := m.allocate(ctx, chunks); err != nil {
		return err
	}

	m.state = mapStateWrite
	results, err := m.write(ctx, chunks)
	if err != nil {
		return err
	}

	m.state = mapStateFinalize
	return m.finalize(ctx, chunks, results)
}

// allocate submits content and fragment digests for the whole batch and
// applies the service verdicts: chunk ids, dedup hits, block allocations
// and the durability floor.
func (m *mapClient) allocate(ctx context.Context, chunks []*model.Chunk) error {
	args := metadata.AllocateObjectPartsArgs{
		ObjID:     m.objMD.ObjID,
		CheckDups: m.checkDups,
	}
	for _, chunk := range chunks {
		args.Parts = append(args.Parts, chunk.Parts...)
		args.Chunks = append(args.Chunks, chunkMDForWire(chunk))
	}

	reply, err := m.c.md.AllocateObjectParts(ctx, args)
	if err != nil {
		return err
	}
	if len(reply.Chunks) != len(chunks) {
		return fmt.Errorf("allocation returned %d chunks for %d submitted", len(reply.Chunks), len(chunks))
	}

	for i, alloc := range reply.Chunks {
		chunk := chunks[i]
		chunk.ID = alloc.ChunkID
		chunk.DupChunkID = alloc.DupChunkID
		chunk.MinWrittenFrags = alloc.MinWrittenFrags
		for j := range chunk.Parts {
			chunk.Parts[j].ChunkID = alloc.ChunkID
		}

		if chunk.IsDup() {
			// duplicates are never written; drop cipher frames now
			for j := range chunk.Frags {
				chunk.Frags[j].Data = nil
			}
			continue
		}

		for _, fragAlloc := range alloc.Frags {
			frag := findFrag(chunk, fragAlloc.Kind, fragAlloc.Index)
			if frag == nil {
				return fmt.Errorf("allocation names unknown fragment %s-%d of chunk %s", fragAlloc.Kind, fragAlloc.Index, chunk.ID)
			}
			frag.Blocks = fragAlloc.Blocks
		}
	}

	return nil
}

// write pushes every allocated (fragment, block) replica to its agent.
// Individual replica failures are reported and tolerated while the chunk
// still meets its durability floor; a chunk below the floor fails the
// batch.
func (m *mapClient) write(ctx context.Context, chunks []*model.Chunk) ([]metadata.BlockResult, error) {
	var (
		group, gctx = errgroup.WithContext(ctx)
		results     = make(chan metadata.BlockResult, 64)
	)

	for _, chunk := range chunks {
		if chunk.IsDup() {
			continue
		}

		chunk := chunk
		group.Go(func() error {
			defer releaseFragData(chunk)
			return m.writeChunk(gctx, chunk, results)
		})
	}

	var collected []metadata.BlockResult
	done := make(chan struct{})
	go func() {
		for result := range results {
			collected = append(collected, result)
		}
		close(done)
	}()

	err := group.Wait()
	close(results)
	<-done

	if err != nil {
		return collected, err
	}
	return collected, nil
}

func (m *mapClient) writeChunk(ctx context.Context, chunk *model.Chunk, results chan<- metadata.BlockResult) error {
	var writeErrs error
	writtenFrags := 0

	for i := range chunk.Frags {
		frag := &chunk.Frags[i]
		written := 0

		for _, blockMD := range frag.Blocks {
			err := m.c.blocks.WriteBlock(ctx, blockMD, frag.Data)
			if err != nil {
				writeErrs = multierr.Append(writeErrs, err)
				m.c.reportBlockError(m.objMD, blockMD, "write", rpcCodeBlockWriteFailed, err)
				results <- metadata.BlockResult{BlockID: blockMD.ID, Written: false, Message: err.Error()}
				continue
			}

			written++
			results <- metadata.BlockResult{BlockID: blockMD.ID, Written: true}
		}

		if written > 0 {
			writtenFrags++
		}
	}

	if writtenFrags < chunk.MinWrittenFrags {
		m.hadErrors = true
		return multierr.Append(
			fmt.Errorf("%w: chunk %s wrote %d fragments, floor is %d", ErrUploadMap, chunk.ID, writtenFrags, chunk.MinWrittenFrags),
			writeErrs,
		)
	}

	return nil
}

// finalize commits the batch: part placements, chunk records and which
// blocks actually landed.
func (m *mapClient) finalize(ctx context.Context, chunks []*model.Chunk, results []metadata.BlockResult) error {
	args := metadata.FinalizeObjectPartsArgs{
		ObjID:        m.objMD.ObjID,
		BlockResults: results,
	}
	for _, chunk := range chunks {
		args.Parts = append(args.Parts, chunk.Parts...)
		args.Chunks = append(args.Chunks, chunkMDForWire(chunk))
	}

	reply, err := m.c.md.FinalizeObjectParts(ctx, args)
	if err != nil {
		return err
	}
	if reply.HadErrors {
		m.hadErrors = true
		return ErrUploadMap
	}

	return nil
}

// chunkMDForWire copies a chunk for the metadata service, without payload
// buffers.
func chunkMDForWire(chunk *model.Chunk) model.Chunk {
	md := *chunk
	md.Data = nil
	md.Frags = make([]model.Frag, len(chunk.Frags))
	for i, frag := range chunk.Frags {
		frag.Data = nil
		md.Frags[i] = frag
	}
	return md
}

func findFrag(chunk *model.Chunk, kind model.FragKind, index int) *model.Frag {
	for i := range chunk.Frags {
		if chunk.Frags[i].Kind == kind && chunk.Frags[i].Index == index {
			return &chunk.Frags[i]
		}
	}
	return nil
}

func releaseFragData(chunk *model.Chunk) {
	for i := range chunk.Frags {
		chunk.Frags[i].Data = nil
	}
}
