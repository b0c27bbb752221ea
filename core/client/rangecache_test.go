package client

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ternstore/tern/core/devstore"
	"github.com/ternstore/tern/rpc/metadata"
)

// countingMD wraps the metadata service and counts mapping loads, which
// only happen on cache misses.
type countingMD struct {
	MetadataService
	mappings atomic.Int32
}

func (c *countingMD) ReadObjectMappings(ctx context.Context, args metadata.ReadObjectMappingsArgs) (*metadata.ReadObjectMappingsReply, error) {
	c.mappings.Add(1)
	return c.MetadataService.ReadObjectMappings(ctx, args)
}

func newCountingEngine(t *testing.T, cfg *Config) (*Client, *countingMD) {
	t.Helper()

	store, err := devstore.New(testStoreConfig(), t.TempDir(), 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	counting := &countingMD{MetadataService: store.Metadata}
	engine, err := NewClient(cfg, counting, store.Blocks)
	require.NoError(t, err)
	return engine, counting
}

func TestRangeCacheHitsSkipMappingLoads(t *testing.T) {
	engine, counting := newCountingEngine(t, testClientConfig())
	data := testPayload(t, 21, 100<<10)
	uploadBytes(t, engine, "media", "cached", "application/octet-stream", data)

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "cached"})
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
	loadsAfterFirst := counting.mappings.Load()
	require.Greater(t, loadsAfterFirst, int32(0))

	// second read is served from cache after validation; no new loads
	got, err = engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "cached"})
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
	assert.Equal(t, loadsAfterFirst, counting.mappings.Load())
}

func TestRangeCacheCoalescesConcurrentMisses(t *testing.T) {
	engine, counting := newCountingEngine(t, testClientConfig())
	data := testPayload(t, 22, 32<<10)
	uploadBytes(t, engine, "media", "contended", "application/octet-stream", data)

	mdReply, err := engine.md.ReadObjectMD(context.Background(), metadata.ReadObjectMDArgs{Bucket: "media", Key: "contended"})
	require.NoError(t, err)

	var group errgroup.Group
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			buf, err := engine.rangeCache.Get(context.Background(), mdReply.ObjectMD, 0, int64(len(data)))
			if err != nil {
				return err
			}
			if !bytes.Equal(data, buf) {
				return assert.AnError
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	// at most one in-flight load per key
	assert.Equal(t, int32(1), counting.mappings.Load())
}

func TestRangeCacheEvictsByBytes(t *testing.T) {
	cfg := testClientConfig()
	cfg.IO.ObjectRangeAlign = 16 << 10
	cfg.IO.ObjectRangeCacheCap = 32 << 10
	engine, _ := newCountingEngine(t, cfg)

	data := testPayload(t, 23, 128<<10)
	uploadBytes(t, engine, "media", "evicted", "application/octet-stream", data)

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "evicted"})
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	// 128 KiB of aligned entries cannot stay under a 32 KiB budget
	assert.LessOrEqual(t, engine.rangeCache.Len(), 2)
}

func TestRangeCacheReturnsNilPastEOF(t *testing.T) {
	engine, _ := newTestEngine(t, testClientConfig())
	data := testPayload(t, 24, 8<<10)
	uploadBytes(t, engine, "media", "short", "application/octet-stream", data)

	mdReply, err := engine.md.ReadObjectMD(context.Background(), metadata.ReadObjectMDArgs{Bucket: "media", Key: "short"})
	require.NoError(t, err)

	buf, err := engine.rangeCache.Get(context.Background(), mdReply.ObjectMD, 1<<20, 1<<20+1024)
	require.NoError(t, err)
	assert.Nil(t, buf)
}
