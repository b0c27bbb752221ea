package client

import (
	"context"
	"time"

	"github.com/ternstore/tern/core/model"
)

// coalesce buffers encoded chunks and flushes them downstream when either
// maxLength items are buffered or maxWait has elapsed since the first
// buffered item. Ordering is preserved; any residue flushes on input
// close. Batching amortizes one mapping round trip across many chunks.
func coalesce(ctx context.Context, maxLength int, maxWait time.Duration, in <-chan *model.Chunk, out chan<- []*model.Chunk) error {
	var batch []*model.Chunk

	timer := time.NewTimer(maxWait)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		select {
		case out <- batch:
			batch = nil
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case chunk, ok := <-in:
			if !ok {
				return flush()
			}

			if len(batch) == 0 {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(maxWait)
			}

			batch = append(batch, chunk)
			if len(batch) >= maxLength {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
