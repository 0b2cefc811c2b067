// Package resource bounds the concurrency and IO appetite of the store.
// Foreground candidate loading competes for loader slots, maintenance
// passes (archive cycles, backups) for maintenance slots, and bulk copies
// go through a shared byte-rate limiter so they cannot starve foreground
// reads.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxLoaders is the maximum number of records loaded from disk
	// concurrently during bulk operations. If 0, defaults to 4.
	MaxLoaders int64

	// MaxMaintenance is the maximum number of concurrent maintenance
	// passes. If 0, defaults to 1: archive cycles and backups then
	// serialize against each other.
	MaxMaintenance int64

	// IOLimitBytesPerSec throttles bulk file copies (backup, restore).
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages shared resources. A nil *Controller is valid and
// enforces nothing.
type Controller struct {
	loadSem  *semaphore.Weighted
	maintSem *semaphore.Weighted

	ioLimiter *rate.Limiter

	loadsInFlight atomic.Int64
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxLoaders <= 0 {
		cfg.MaxLoaders = 4
	}
	if cfg.MaxMaintenance <= 0 {
		cfg.MaxMaintenance = 1
	}

	c := &Controller{
		loadSem:  semaphore.NewWeighted(cfg.MaxLoaders),
		maintSem: semaphore.NewWeighted(cfg.MaxMaintenance),
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireLoader reserves a slot for one disk load, blocking until a slot
// frees up or ctx is canceled.
func (c *Controller) AcquireLoader(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if err := c.loadSem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.loadsInFlight.Add(1)
	return nil
}

// TryAcquireLoader reserves a loader slot without blocking.
func (c *Controller) TryAcquireLoader() bool {
	if c == nil {
		return true
	}
	if !c.loadSem.TryAcquire(1) {
		return false
	}
	c.loadsInFlight.Add(1)
	return true
}

// ReleaseLoader returns a loader slot.
func (c *Controller) ReleaseLoader() {
	if c == nil {
		return
	}
	c.loadsInFlight.Add(-1)
	c.loadSem.Release(1)
}

// LoadsInFlight returns the number of loader slots currently held.
func (c *Controller) LoadsInFlight() int64 {
	if c == nil {
		return 0
	}
	return c.loadsInFlight.Load()
}

// AcquireMaintenance reserves a maintenance slot, blocking until one frees
// up or ctx is canceled.
func (c *Controller) AcquireMaintenance(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.maintSem.Acquire(ctx, 1)
}

// TryAcquireMaintenance reserves a maintenance slot without blocking.
func (c *Controller) TryAcquireMaintenance() bool {
	if c == nil {
		return true
	}
	return c.maintSem.TryAcquire(1)
}

// ReleaseMaintenance returns a maintenance slot.
func (c *Controller) ReleaseMaintenance() {
	if c == nil {
		return
	}
	c.maintSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil || bytes <= 0 {
		return nil
	}
	// WaitN rejects bursts above the limiter's capacity outright, so
	// oversized requests are split.
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
