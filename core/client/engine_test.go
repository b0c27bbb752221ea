package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternstore/tern/core/devstore"
	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/rpc/metadata"
)

func testStoreConfig() devstore.Config {
	cfg := devstore.DefaultConfig()
	cfg.SplitConfig = model.ChunkSplitConfig{
		MinChunk:     4 << 10,
		MaxChunk:     32 << 10,
		AvgChunkBits: 13,
		CalcMD5:      true,
		CalcSHA256:   true,
	}
	return cfg
}

func testClientConfig() *Config {
	cfg := DefaultConfig()
	cfg.IO.ObjectRangeAlign = 64 << 10
	cfg.IO.ObjectRangeCacheCap = 8 << 20
	return cfg
}

func newTestEngine(t *testing.T, cfg *Config) (*Client, *devstore.Store) {
	t.Helper()

	store, err := devstore.New(testStoreConfig(), t.TempDir(), 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine, err := NewClient(cfg, store.Metadata, store.Blocks)
	require.NoError(t, err)
	return engine, store
}

func uploadBytes(t *testing.T, engine *Client, bucket, key, contentType string, data []byte) *UploadResult {
	t.Helper()

	result, err := engine.UploadObject(context.Background(), UploadParams{
		Bucket:      bucket,
		Key:         key,
		Size:        int64(len(data)),
		ContentType: contentType,
		Source:      bytes.NewReader(data),
	})
	require.NoError(t, err)
	return result
}

func testPayload(t *testing.T, seed int64, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rng := rand.New(rand.NewSource(seed))
	_, err := rng.Read(data)
	require.NoError(t, err)
	return data
}

func countBlockFiles(t *testing.T, store *devstore.Store) int {
	t.Helper()

	count := 0
	for _, agent := range store.Agents {
		entries, err := os.ReadDir(agent.Root())
		require.NoError(t, err)
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), ".block") {
				count++
			}
		}
	}
	return count
}

func TestUploadReadRoundTrip(t *testing.T) {
	engine, _ := newTestEngine(t, testClientConfig())
	data := testPayload(t, 1, 300<<10)

	result := uploadBytes(t, engine, "media", "clips/a", "application/octet-stream", data)
	assert.Equal(t, int64(len(data)), result.Size)
	wantMD5 := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(wantMD5[:]), result.MD5)
	assert.Greater(t, result.NumParts, 1)

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "clips/a"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestUploadEmptyObject(t *testing.T) {
	engine, _ := newTestEngine(t, testClientConfig())

	result := uploadBytes(t, engine, "media", "empty", "text/plain", nil)
	assert.Equal(t, int64(0), result.Size)
	assert.Equal(t, 0, result.NumParts)

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "empty"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRangedRead(t *testing.T) {
	engine, _ := newTestEngine(t, testClientConfig())
	data := testPayload(t, 2, 200<<10)
	uploadBytes(t, engine, "media", "ranged", "application/octet-stream", data)

	start, end := int64(70<<10)+13, int64(150<<10)+7
	stream, err := engine.ReadObjectStream(context.Background(), ReadParams{
		Bucket: "media", Key: "ranged", Start: start, End: end,
	})
	require.NoError(t, err)
	defer stream.Close()

	got := make([]byte, 0, end-start)
	buf := make([]byte, 8<<10)
	for {
		n, err := stream.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			break
		}
	}
	assert.True(t, bytes.Equal(data[start:end], got))
}

func TestDedupWritesNoNewBlocks(t *testing.T) {
	engine, store := newTestEngine(t, testClientConfig())
	data := testPayload(t, 3, 120<<10)

	uploadBytes(t, engine, "media", "orig", "application/octet-stream", data)
	blocksAfterFirst := countBlockFiles(t, store)

	uploadBytes(t, engine, "media", "twin", "application/octet-stream", data)
	assert.Equal(t, blocksAfterFirst, countBlockFiles(t, store))

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "twin"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestCopyObjectSameBucket(t *testing.T) {
	engine, store := newTestEngine(t, testClientConfig())
	data := testPayload(t, 4, 150<<10)

	src := uploadBytes(t, engine, "media", "src", "application/octet-stream", data)
	blocksAfterSrc := countBlockFiles(t, store)

	copied, err := engine.UploadObject(context.Background(), UploadParams{
		Bucket: "media",
		Key:    "dst",
		CopySource: &CopySource{
			Bucket: "media",
			Key:    "src",
		},
	})
	require.NoError(t, err)

	// zero-byte copy: same content, same md5, no block writes
	assert.Equal(t, src.MD5, copied.MD5)
	assert.Equal(t, src.Size, copied.Size)
	assert.NotEqual(t, src.ObjID, copied.ObjID)
	assert.Equal(t, blocksAfterSrc, countBlockFiles(t, store))

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "dst"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestOverwriteNotServedFromCache(t *testing.T) {
	engine, _ := newTestEngine(t, testClientConfig())
	first := testPayload(t, 5, 100<<10)
	second := testPayload(t, 6, 100<<10)

	uploadBytes(t, engine, "media", "mutable", "application/octet-stream", first)

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "mutable"})
	require.NoError(t, err)
	require.True(t, bytes.Equal(first, got))
	require.Greater(t, engine.rangeCache.Len(), 0)

	uploadBytes(t, engine, "media", "mutable", "application/octet-stream", second)

	got, err = engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "mutable"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(second, got))
}

func TestVerificationSurfacesTampering(t *testing.T) {
	engine, store := newTestEngine(t, testClientConfig())
	data := testPayload(t, 7, 60<<10)

	uploadBytes(t, engine, "media", "tampered", "application/octet-stream", data)

	corruptOneBlock(t, store)

	engine.SetVerificationMode()
	_, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "tampered"})
	assert.ErrorIs(t, err, ErrTampering)

	// without verification the corrupt replica counts as unreadable and
	// the kernel reconstructs around it
	engine.ClearVerificationMode()
	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "tampered"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func corruptOneBlock(t *testing.T, store *devstore.Store) {
	t.Helper()

	for _, agent := range store.Agents {
		dir := agent.Root()
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)

		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name(), ".block") {
				continue
			}

			path := filepath.Join(dir, entry.Name())
			payload, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NotEmpty(t, payload)

			payload[0] ^= 0xff
			require.NoError(t, os.WriteFile(path, payload, 0640))
			return
		}
	}
	t.Fatal("no block files found")
}

func TestAdmissionClampsToCap(t *testing.T) {
	cfg := testClientConfig()
	cfg.IO.SemaphoreCap = 256 << 10
	cfg.IO.StreamSemaphoreSizeCap = 256 << 10
	engine, _ := newTestEngine(t, cfg)

	// declared size exceeds the cap; admission sizes to the cap and the
	// upload still completes
	data := testPayload(t, 8, 1<<20)
	result := uploadBytes(t, engine, "media", "big", "application/octet-stream", data)
	assert.Equal(t, int64(len(data)), result.Size)

	assert.Equal(t, int64(0), engine.streamSem.Held())
	assert.Equal(t, int64(256<<10), engine.admissionSize(1<<30))

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "big"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestAdmissionTimeoutReportsStress(t *testing.T) {
	cfg := testClientConfig()
	cfg.IO.StreamSemaphoreTimeout = 30 * time.Millisecond
	engine, store := newTestEngine(t, cfg)

	// exhaust the byte semaphore so admission must time out
	require.NoError(t, engine.streamSem.Acquire(context.Background(), cfg.IO.SemaphoreCap))
	defer engine.streamSem.Release(cfg.IO.SemaphoreCap)

	_, err := engine.UploadObject(context.Background(), UploadParams{
		Bucket: "media",
		Key:    "late",
		Size:   1 << 20,
		Source: bytes.NewReader(testPayload(t, 9, 1<<20)),
	})
	assert.ErrorIs(t, err, ErrStreamItemTimeout)

	require.Eventually(t, func() bool {
		return store.Metadata.StressReports() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUploadMultipart(t *testing.T) {
	engine, store := newTestEngine(t, testClientConfig())

	partA := testPayload(t, 10, 90<<10)
	partB := testPayload(t, 11, 70<<10)
	full := append(append([]byte{}, partA...), partB...)

	create, err := store.Metadata.CreateObjectUpload(context.Background(), metadata.CreateObjectUploadArgs{
		Bucket: "media",
		Key:    "assembled",
		Size:   int64(len(full)),
	})
	require.NoError(t, err)

	for num, part := range [][]byte{partA, partB} {
		_, err := engine.UploadMultipart(context.Background(), MultipartParams{
			Bucket: "media",
			Key:    "assembled",
			ObjID:  create.ObjID,
			Num:    num + 1,
			Size:   int64(len(part)),
			Source: bytes.NewReader(part),
		})
		require.NoError(t, err)
	}

	wantMD5 := md5.Sum(full)
	_, err = store.Metadata.CompleteObjectUpload(context.Background(), metadata.CompleteObjectUploadArgs{
		ObjID:    create.ObjID,
		Size:     int64(len(full)),
		NumParts: -1,
		MD5:      hex.EncodeToString(wantMD5[:]),
	})
	require.NoError(t, err)

	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "assembled"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(full, got))
}

func TestVideoTailPrefetch(t *testing.T) {
	cfg := testClientConfig()
	cfg.IO.ObjectRangeAlign = 4 << 10
	engine, _ := newTestEngine(t, cfg)

	data := testPayload(t, 12, 2<<20)
	uploadBytes(t, engine, "media", "movie", "video/mp4", data)
	engine.rangeCache.Reset()

	stream, err := engine.ReadObjectStream(context.Background(), ReadParams{
		Bucket: "media", Key: "movie", End: -1, RequestSize: 4 << 10,
	})
	require.NoError(t, err)
	defer stream.Close()

	buf := make([]byte, 1024)
	_, err = stream.Read(buf)
	require.NoError(t, err)

	// the head pull plus the speculative tail fetch populate two
	// aligned entries
	require.Eventually(t, func() bool {
		return engine.rangeCache.Len() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestErrorInjectionFailsReads(t *testing.T) {
	cfg := testClientConfig()
	engine, _ := newTestEngine(t, cfg)
	data := testPayload(t, 13, 40<<10)
	uploadBytes(t, engine, "media", "faulty", "application/octet-stream", data)

	engine.cfg.IO.ErrorInjectionOnRead = 1.0
	_, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "faulty"})
	assert.Error(t, err)

	engine.cfg.IO.ErrorInjectionOnRead = 0
	engine.rangeCache.Reset()
	got, err := engine.ReadEntireObject(context.Background(), ReadParams{Bucket: "media", Key: "faulty"})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestUploadAbortOnFailure(t *testing.T) {
	engine, store := newTestEngine(t, testClientConfig())

	// a source that fails mid-stream
	failing := io.MultiReader(bytes.NewReader(testPayload(t, 14, 8<<10)), errReader{})
	_, err := engine.UploadObject(context.Background(), UploadParams{
		Bucket: "media",
		Key:    "broken",
		Size:   1 << 20,
		Source: failing,
	})
	require.Error(t, err)

	// the failed upload left no visible object
	_, err = store.Metadata.ReadObjectMD(context.Background(), metadata.ReadObjectMDArgs{Bucket: "media", Key: "broken"})
	assert.ErrorIs(t, err, devstore.ErrObjectNotFound)
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) {
	return 0, errors.New("source failed mid-stream")
}
