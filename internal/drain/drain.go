// Package drain provides the process-wide draining flag and an
// in-flight counter used by both the broker and the connector to bound
// graceful shutdown.
package drain

import (
	"context"
	"sync"
	"sync/atomic"
)

var draining atomic.Bool

// Start marks the process as draining; new work should be rejected.
func Start() { draining.Store(true) }

// Stop clears the draining flag.
func Stop() { draining.Store(false) }

// IsDraining reports whether draining is in progress.
func IsDraining() bool { return draining.Load() }

// Counter tracks in-flight requests that must complete (or be force
// failed) before a drain deadline elapses.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

// Inc increments the in-flight counter.
func (c *Counter) Inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
}

// Dec decrements the in-flight counter.
func (c *Counter) Dec() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
}

// Load returns the current in-flight count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until the count reaches zero or ctx ends, returning
// whether it reached zero (false means ctx ended first, i.e. the drain
// deadline elapsed and remaining requests must be force-failed).
func (c *Counter) WaitForZero(ctx context.Context) bool {
	ch := c.zeroChannel()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Counter) zeroChannel() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	return c.zeroCh
}
