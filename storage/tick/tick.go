/*
Package tick provides the monotonic tick counter.

In xv6, `ticks` is incremented by timer interrupt on cpu 0 and read without lock.
The block cache uses ticks as recency timestamp of released buffers.
Here the counter is advanced by Run() (instead of timer interrupt) or explicitly by Tick().
*/
package tick

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock is source of recency timestamp
type Clock interface {
	// Now returns current ticks. the value never decreases.
	Now() uint64
}

// Counter is monotonic tick counter. zero value starts at 0.
type Counter struct {
	ticks atomic.Uint64
}

// Now returns current ticks
func (c *Counter) Now() uint64 {
	return c.ticks.Load()
}

// Tick advances the counter by one and returns the new value
func (c *Counter) Tick() uint64 {
	return c.ticks.Add(1)
}

// Run advances the counter every interval until ctx is done.
// this plays the role of clock interrupt handler (clockintr).
func (c *Counter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick()
		}
	}
}

// autoClock advances its counter on every read.
// this is used when no external clock is configured, so that every release gets distinct timestamp.
type autoClock struct {
	c Counter
}

// NewAutoClock returns Clock which ticks on every Now()
func NewAutoClock() Clock {
	return &autoClock{}
}

// Now advances and returns the ticks
func (a *autoClock) Now() uint64 {
	return a.c.Tick()
}
