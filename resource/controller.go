// Package resource provides global budgets shared across tables: buffer
// memory, merge worker slots and merge write-back throughput.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for buffer-pool frame memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxMergeWorkers is the maximum number of concurrent merge passes.
	// If 0, defaults to 1.
	MaxMergeWorkers int64

	// MergeIOLimitBytesPerSec caps merge write-back throughput so a large
	// consolidation cannot starve foreground page IO. If 0, unlimited.
	MergeIOLimitBytesPerSec int64
}

// Controller manages the global resources.
type Controller struct {
	cfg Config

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// Concurrency
	mergeSem *semaphore.Weighted

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxMergeWorkers <= 0 {
		cfg.MaxMergeWorkers = 1
	}

	c := &Controller{
		cfg:      cfg,
		mergeSem: semaphore.NewWeighted(cfg.MaxMergeWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.MergeIOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.MergeIOLimitBytesPerSec), int(cfg.MergeIOLimitBytesPerSec))
	}

	return c
}

// TryAcquireMemory attempts to reserve frame memory without blocking.
// Returns true if acquired, false if the limit would be exceeded.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return false
		}
	}

	c.memUsed.Add(bytes)
	return true
}

// ReleaseMemory releases reserved frame memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current tracked memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireMerge reserves a merge worker slot, blocking until one is free or
// ctx is canceled.
func (c *Controller) AcquireMerge(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.mergeSem.Acquire(ctx, 1)
}

// TryAcquireMerge reserves a merge worker slot without blocking.
func (c *Controller) TryAcquireMerge() bool {
	if c == nil {
		return true
	}
	return c.mergeSem.TryAcquire(1)
}

// ReleaseMerge releases a merge worker slot.
func (c *Controller) ReleaseMerge() {
	if c == nil {
		return
	}
	c.mergeSem.Release(1)
}

// AcquireIO waits until the merge IO budget allows the given number of
// bytes. Requests larger than the burst are consumed in burst-sized chunks.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := bytes
		if n > burst {
			n = burst
		}
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
