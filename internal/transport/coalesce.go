package transport

import (
	"context"
	"sync"
	"time"
)

const (
	coalesceMaxSize = 50
	coalesceWindow  = 100 * time.Millisecond
)

// coalesceBuffer batches enqueued lines into groups of up to 50, flushed
// either at that size or after a 100ms window, whichever comes first (spec
// §4.4).
type coalesceBuffer struct {
	mu    sync.Mutex
	buf   []Line
	timer *time.Timer
	send  func(ctx context.Context, group []Line) error
}

func newCoalesceBuffer(send func(ctx context.Context, group []Line) error) *coalesceBuffer {
	return &coalesceBuffer{send: send}
}

func (c *coalesceBuffer) add(l Line) {
	c.mu.Lock()
	c.buf = append(c.buf, l)
	var toFlush []Line
	if len(c.buf) >= coalesceMaxSize {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		toFlush = c.buf
		c.buf = nil
	} else if c.timer == nil {
		c.timer = time.AfterFunc(coalesceWindow, c.onTimerFire)
	}
	c.mu.Unlock()

	if toFlush != nil {
		go c.flush(toFlush)
	}
}

func (c *coalesceBuffer) onTimerFire() {
	c.mu.Lock()
	c.timer = nil
	buf := c.buf
	c.buf = nil
	c.mu.Unlock()

	if len(buf) > 0 {
		c.flush(buf)
	}
}

func (c *coalesceBuffer) flush(group []Line) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = c.send(ctx, group)
}

// Drain forces an immediate, synchronous flush of whatever is buffered, used
// on shutdown so nothing is stranded in memory. The send's result is
// discarded: the queue already holds the data, so loss is bounded to
// in-flight HTTP (spec §4.5 shutdown).
func (c *coalesceBuffer) Drain() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	buf := c.buf
	c.buf = nil
	c.mu.Unlock()

	if len(buf) > 0 {
		c.flush(buf)
	}
}
