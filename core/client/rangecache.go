package client

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ternstore/tern/core/model"
	"github.com/ternstore/tern/lib/cache"
	"github.com/ternstore/tern/rpc/metadata"
)

// holeEntryUsage charges cache space for entries with no buffer (EOF or
// hole ranges).
const holeEntryUsage = 1024

type rangeEntry struct {
	md  model.ObjectMD
	buf []byte // nil past EOF
}

// RangeCache caches aligned object ranges, bounded by total bytes. A hit
// is served only after a light metadata RPC confirms the cached snapshot
// still matches the authoritative object version; concurrent misses on
// one key collapse into a single load.
type RangeCache struct {
	c     *Client
	align int64

	mu  sync.Mutex
	lru *cache.LRU[string, rangeEntry]

	group singleflight.Group
}

func newRangeCache(c *Client) *RangeCache {
	return &RangeCache{
		c:     c,
		align: c.cfg.IO.ObjectRangeAlign,
		lru:   cache.NewLRU[string, rangeEntry](c.cfg.IO.ObjectRangeCacheCap),
	}
}

func rangeKey(objID string, alignedStart int64) string {
	return fmt.Sprintf("%s:%d", objID, alignedStart)
}

// Get returns the intersection of [start, end) with the aligned range
// containing start, loading and caching the full aligned range on miss.
// A nil buffer means the intersection is empty or past EOF.
func (rc *RangeCache) Get(ctx context.Context, objMD model.ObjectMD, start, end int64) ([]byte, error) {
	alignedStart := start / rc.align * rc.align
	key := rangeKey(objMD.ObjID.String(), alignedStart)

	entry, hit := rc.lookup(key)
	if hit {
		valid, err := rc.validate(ctx, entry)
		if err != nil {
			return nil, err
		}
		if valid {
			return sliceEntry(entry, alignedStart, start, end), nil
		}
		rc.invalidate(key)
	}

	loaded, err, _ := rc.group.Do(key, func() (any, error) {
		// somebody else may have completed a load while this call
		// waited on the flight group
		if entry, ok := rc.lookup(key); ok {
			return entry, nil
		}

		buf, err := rc.c.readObjectRange(ctx, objMD, alignedStart, alignedStart+rc.align)
		if err != nil {
			return rangeEntry{}, err
		}

		entry := rangeEntry{md: objMD, buf: buf}
		rc.store(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	return sliceEntry(loaded.(rangeEntry), alignedStart, start, end), nil
}

// Len reports how many aligned ranges are currently cached.
func (rc *RangeCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lru.Len()
}

// Reset drops all cached ranges.
func (rc *RangeCache) Reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lru = cache.NewLRU[string, rangeEntry](rc.c.cfg.IO.ObjectRangeCacheCap)
}

func (rc *RangeCache) lookup(key string) (rangeEntry, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lru.Get(key)
}

func (rc *RangeCache) store(key string, entry rangeEntry) {
	usage := int64(holeEntryUsage)
	if entry.buf != nil {
		usage = int64(len(entry.buf))
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lru.Put(key, entry, usage)
}

func (rc *RangeCache) invalidate(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lru.Remove(key)
}

// validate confirms the cached snapshot against the authoritative
// metadata; objects may be overwritten or versioned at any time.
func (rc *RangeCache) validate(ctx context.Context, entry rangeEntry) (bool, error) {
	reply, err := rc.c.md.ReadObjectMD(ctx, metadata.ReadObjectMDArgs{
		Bucket: entry.md.Bucket,
		Key:    entry.md.Key,
	})
	if err != nil {
		return false, nil
	}

	return entry.md.Same(reply.ObjectMD), nil
}

func sliceEntry(entry rangeEntry, alignedStart, start, end int64) []byte {
	if entry.buf == nil {
		return nil
	}

	bufEnd := alignedStart + int64(len(entry.buf))
	if start < alignedStart {
		start = alignedStart
	}
	if end > bufEnd {
		end = bufEnd
	}
	if start >= end {
		return nil
	}

	return entry.buf[start-alignedStart : end-alignedStart]
}
