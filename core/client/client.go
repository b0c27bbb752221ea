package client

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternstore/tern/core/codec"
	"github.com/ternstore/tern/lib/logger"
	"github.com/ternstore/tern/lib/semaphore"
)

var log, _ = logger.New("io-client")

// Client is the object I/O engine: it turns caller byte streams into
// content-defined, erasure-coded, deduplicated chunks spread across block
// agents, and reconstructs object bytes back out of them. All admission
// state (semaphores, range cache) is instance scoped so engines can be
// torn down independently.
type Client struct {
	cfg    *Config
	md     MetadataService
	blocks BlockStore
	coder  *codec.Codec

	streamSem     *semaphore.Timed
	readGlobalSem *semaphore.Timed
	readAgentSem  *semaphore.Keyed
	rangeCache    *RangeCache

	verification atomic.Bool

	lastStressReport atomic.Int64

	randMu  sync.Mutex
	errRand *rand.Rand
}

func NewClient(cfg *Config, md MetadataService, blocks BlockStore) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:           cfg,
		md:            md,
		blocks:        blocks,
		coder:         codec.New(cfg.IO.EncodeConcurrency),
		streamSem:     semaphore.NewTimed(cfg.IO.SemaphoreCap, cfg.IO.StreamSemaphoreTimeout),
		readGlobalSem: semaphore.NewTimed(cfg.IO.ReadConcurrencyGlobal, cfg.IO.ReadBlockTimeout),
		readAgentSem:  semaphore.NewKeyed(cfg.IO.ReadConcurrencyAgent),
		errRand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.rangeCache = newRangeCache(c)

	return c, nil
}

// SetVerificationMode makes reads fetch every replica of every fragment,
// verify digests and replica equality client side, and cross-check decode
// through a parity-only fragment set.
func (c *Client) SetVerificationMode() {
	c.verification.Store(true)
}

func (c *Client) ClearVerificationMode() {
	c.verification.Store(false)
}

func (c *Client) verificationMode() bool {
	return c.verification.Load()
}

// injectReadFault rolls the configured error-injection probability; each
// block read rolls independently.
func (c *Client) injectReadFault() bool {
	p := c.cfg.IO.ErrorInjectionOnRead
	if p <= 0 {
		return false
	}

	c.randMu.Lock()
	defer c.randMu.Unlock()
	return c.errRand.Float64() < p
}
