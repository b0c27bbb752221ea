package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUPutGet(t *testing.T) {
	lru := NewLRU[string, []byte](100)

	lru.Put("a", []byte("aaaa"), 4)
	lru.Put("b", []byte("bbbb"), 4)

	v, ok := lru.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("aaaa"), v)
	assert.Equal(t, int64(8), lru.Usage())
}

func TestLRUEvictsByBytes(t *testing.T) {
	lru := NewLRU[string, []byte](10)

	lru.Put("a", make([]byte, 4), 4)
	lru.Put("b", make([]byte, 4), 4)
	lru.Put("c", make([]byte, 4), 4)

	// 12 bytes exceed the 10 byte budget, the oldest entry goes
	_, ok := lru.Get("a")
	assert.False(t, ok)

	_, ok = lru.Get("b")
	assert.True(t, ok)
	_, ok = lru.Get("c")
	assert.True(t, ok)
	assert.LessOrEqual(t, lru.Usage(), int64(10))
}

func TestLRUGetRefreshesRecency(t *testing.T) {
	lru := NewLRU[string, []byte](8)

	lru.Put("a", make([]byte, 4), 4)
	lru.Put("b", make([]byte, 4), 4)

	_, ok := lru.Get("a")
	require.True(t, ok)

	lru.Put("c", make([]byte, 4), 4)

	// "b" was least recently used, so it is the one evicted
	_, ok = lru.Get("b")
	assert.False(t, ok)
	_, ok = lru.Get("a")
	assert.True(t, ok)
}

func TestLRURemove(t *testing.T) {
	lru := NewLRU[string, []byte](100)

	lru.Put("a", make([]byte, 4), 4)
	lru.Remove("a")

	_, ok := lru.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int64(0), lru.Usage())
	assert.Equal(t, 0, lru.Len())
}

func TestLRUOversizedEntryEvictsEverything(t *testing.T) {
	lru := NewLRU[string, []byte](8)

	lru.Put("a", make([]byte, 4), 4)
	lru.Put("big", make([]byte, 32), 32)

	// over budget even alone, nothing stays
	assert.Equal(t, 0, lru.Len())
	assert.Equal(t, int64(0), lru.Usage())
}
