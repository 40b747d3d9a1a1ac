// Package batch runs indexed work in fixed-size batches with a pause between
// batches. The pause is backpressure against rate-limited read endpoints.
package batch

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultSize  = 5
	DefaultPause = 100 * time.Millisecond
)

// Pool describes the batching policy. The zero value uses the defaults.
type Pool struct {
	Size  int
	Pause time.Duration

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a pool with the given batch size and inter-batch pause.
func New(size int, pause time.Duration) *Pool {
	return &Pool{Size: size, Pause: pause}
}

// Run calls fn for every index in [0, n). Calls within a batch run
// concurrently; batch k+1 starts only after every call of batch k returned
// and the pause elapsed. An error from fn or a cancelled ctx stops the run
// after the current batch.
func (p *Pool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n < 0 {
		return fmt.Errorf("batch: negative item count %d", n)
	}
	size := p.Size
	if size <= 0 {
		size = DefaultSize
	}
	pause := p.Pause
	if pause < 0 {
		pause = 0
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for start := 0; start < n; start += size {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+size, n)
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error { return fn(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if end < n && pause > 0 {
			if err := sleep(ctx, pause); err != nil {
				return err
			}
		}
	}
	return nil
}

// Batches returns how many batches Run issues for n items.
func (p *Pool) Batches(n int) int {
	size := p.Size
	if size <= 0 {
		size = DefaultSize
	}
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
