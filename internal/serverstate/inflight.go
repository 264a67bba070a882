package serverstate

import (
	"context"
	"sync"
)

// Counter tracks in-flight exchanges that should block draining.
type Counter struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

// Inc increments the in-flight counter.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.init()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

// Dec decrements the in-flight counter.
func (c *Counter) Dec() {
	c.mu.Lock()
	c.init()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	c.mu.Unlock()
}

// Load returns the current in-flight count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until the count is zero or the context is done.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	c.init()
	ch := c.zeroCh
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// init lazily creates zeroCh, closed while the count is zero. Callers hold mu.
func (c *Counter) init() {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
}

var exchanges Counter

// InFlight returns the shared counter of running exchanges.
func InFlight() *Counter { return &exchanges }
