package semaphore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var ErrTimeout = errors.New("semaphore acquisition timed out")

// Timed is a weighted semaphore with a fixed acquisition timeout. It also
// tracks how many acquisitions are currently waiting, which callers use as
// a load signal.
type Timed struct {
	sem      *semaphore.Weighted
	capacity int64
	timeout  time.Duration
	waiting  atomic.Int64
	held     atomic.Int64
}

func NewTimed(capacity int64, timeout time.Duration) *Timed {
	return &Timed{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
		timeout:  timeout,
	}
}

func (t *Timed) Capacity() int64 {
	return t.capacity
}

// Acquire blocks until n units are available, the context is cancelled or
// the timeout elapses. Timeout is reported as ErrTimeout.
func (t *Timed) Acquire(ctx context.Context, n int64) error {
	if n > t.capacity {
		n = t.capacity
	}

	t.waiting.Add(1)
	defer t.waiting.Add(-1)

	actx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := t.sem.Acquire(actx, n)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrTimeout
		}
		return err
	}

	t.held.Add(n)
	return nil
}

func (t *Timed) Release(n int64) {
	if n > t.capacity {
		n = t.capacity
	}

	t.held.Add(-n)
	t.sem.Release(n)
}

// Waiting reports the number of acquisitions currently blocked or in
// flight through Acquire.
func (t *Timed) Waiting() int64 {
	return t.waiting.Load()
}

// Held reports the units currently acquired and not yet released.
func (t *Timed) Held() int64 {
	return t.held.Load()
}

// Keyed is a set of weighted semaphores, one per key, each with the same
// capacity. Semaphores are created on first use and kept for the lifetime
// of the set.
type Keyed struct {
	capacity int64
	mu       sync.Mutex
	sems     map[string]*semaphore.Weighted
}

func NewKeyed(capacity int64) *Keyed {
	return &Keyed{
		capacity: capacity,
		sems:     make(map[string]*semaphore.Weighted),
	}
}

func (k *Keyed) get(key string) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()

	sem, exists := k.sems[key]
	if !exists {
		sem = semaphore.NewWeighted(k.capacity)
		k.sems[key] = sem
	}

	return sem
}

func (k *Keyed) Acquire(ctx context.Context, key string, n int64) error {
	return k.get(key).Acquire(ctx, n)
}

func (k *Keyed) Release(key string, n int64) {
	k.get(key).Release(n)
}
