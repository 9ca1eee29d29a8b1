// Package workerpool runs CPU bound work with parallelism bounded by the
// number of available CPUs.
package workerpool

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent CPU work.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// New returns a pool of size slots, runtime.NumCPU() when size <= 0.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Do runs fn once a slot is free. A job still waiting for a slot is
// abandoned when ctx is done; a started job always runs to completion.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer p.sem.Release(1)
	return fn()
}
