package sensor

import "sync"

// DoubleBuffer implements spec §4.2/§9's two-vector swap: a single producer
// (the sensor callback) appends to the write half while a single consumer
// (the flush driver) swaps it out whole, amortizing the per-flush allocation
// that copying would otherwise cost at 100+ readings/second.
//
// Reader and flush driver may run on different goroutines; Push and Swap
// take the same mutex, which plays the role of the atomic write-index plus
// release barrier spec §9 calls for in a systems language — cheaper to
// reason about here than a lock-free index without sacrificing the
// single-writer-per-half invariant.
type DoubleBuffer struct {
	mu      sync.Mutex
	active  []Reading
	spare   []Reading
}

// NewDoubleBuffer returns an empty buffer with room for capacity readings before
// the backing array must grow.
func NewDoubleBuffer(capacity int) *DoubleBuffer {
	return &DoubleBuffer{
		active: make([]Reading, 0, capacity),
		spare:  make([]Reading, 0, capacity),
	}
}

// Push appends a reading to the currently active half. O(1) amortized,
// non-suspending, safe to call from the sensor callback.
func (b *DoubleBuffer) Push(r Reading) {
	b.mu.Lock()
	b.active = append(b.active, r)
	b.mu.Unlock()
}

// Len reports the write-side size. Callers on a different goroutine than
// Push may observe a stale but never torn value.
func (b *DoubleBuffer) Len() int {
	b.mu.Lock()
	n := len(b.active)
	b.mu.Unlock()
	return n
}

// Swap flips the active half to the (cleared) spare half and returns the
// previous active half by move — no per-flush copy. The returned slice is
// owned by the caller; it will not be touched again until a later Swap
// hands back the same backing array.
func (b *DoubleBuffer) Swap() []Reading {
	b.mu.Lock()
	out := b.active
	b.active = b.spare[:0]
	b.spare = out
	b.mu.Unlock()
	return out
}
