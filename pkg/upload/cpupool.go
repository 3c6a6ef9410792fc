package upload

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// cpuPool bounds the CPU-heavy work of the upload path (sealing,
// hashing, decompression) so a burst of completions cannot starve the
// HTTP handlers.
type cpuPool struct {
	sem *semaphore.Weighted
}

func newCPUPool() *cpuPool {
	n := runtime.GOMAXPROCS(0)
	if n > 8 {
		n = 8
	}
	return &cpuPool{sem: semaphore.NewWeighted(int64(n))}
}

// do runs fn with a pool slot held.
func (p *cpuPool) do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
