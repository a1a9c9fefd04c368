package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCoalesceBufferFlushesAtMaxSize(t *testing.T) {
	var mu sync.Mutex
	var flushed [][]Line
	done := make(chan struct{}, 4)

	c := newCoalesceBuffer(func(ctx context.Context, group []Line) error {
		mu.Lock()
		flushed = append(flushed, group)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	for i := 0; i < coalesceMaxSize; i++ {
		c.add(Line{BatchID: string(rune('a' + i%26))})
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected a flush once the buffer reached coalesceMaxSize")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 || len(flushed[0]) != coalesceMaxSize {
		t.Fatalf("expected one flush of %d lines, got %v groups", coalesceMaxSize, len(flushed))
	}
}

func TestCoalesceBufferFlushesOnTimerWindow(t *testing.T) {
	done := make(chan []Line, 1)
	c := newCoalesceBuffer(func(ctx context.Context, group []Line) error {
		done <- group
		return nil
	})

	c.add(Line{BatchID: "only-one"})

	select {
	case group := <-done:
		if len(group) != 1 {
			t.Fatalf("expected a single-line group, got %d", len(group))
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the coalesce window timer to flush the lone line")
	}
}

func TestCoalesceBufferDrainFlushesImmediately(t *testing.T) {
	done := make(chan []Line, 1)
	c := newCoalesceBuffer(func(ctx context.Context, group []Line) error {
		done <- group
		return nil
	})

	c.add(Line{BatchID: "pending"})
	c.Drain()

	select {
	case group := <-done:
		if len(group) != 1 {
			t.Fatalf("expected Drain to flush the buffered line, got %d", len(group))
		}
	case <-time.After(time.Second):
		t.Fatalf("Drain must flush synchronously without waiting for the window")
	}
}
