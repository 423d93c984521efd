// Package clock hands out strictly increasing millisecond ticks.
//
// A tick doubles as placeholder task id, last-modified stamp and queue key,
// so two local writes in the same millisecond must never share one.
package clock

import (
	"sync"
	"time"
)

// Monotonic returns max(now, last+1) on every call.
type Monotonic struct {
	mu   sync.Mutex
	last int64
	now  func() int64
}

// New creates a clock reading wall time in unix milliseconds.
func New() *Monotonic {
	return &Monotonic{now: func() int64 { return time.Now().UnixMilli() }}
}

// NewWithSource creates a clock over a custom millisecond source.
func NewWithSource(now func() int64) *Monotonic {
	return &Monotonic{now: now}
}

// Next returns the next tick.
func (c *Monotonic) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now()
	if t <= c.last {
		t = c.last + 1
	}
	c.last = t
	return t
}

// Observe raises the floor so later ticks are greater than v.
func (c *Monotonic) Observe(v int64) {
	c.mu.Lock()
	if v > c.last {
		c.last = v
	}
	c.mu.Unlock()
}
