// Package ringbuf provides a bounded overwrite ring buffer for model.Tick.
// Once full, the oldest tick is silently overwritten. That caps memory under
// tick bursts and is expected behavior, not an error; the dropped count is
// exposed for metrics.
//
// The ring itself is not synchronized; the owning aggregator guards each
// per-instrument ring with its own lock.
package ringbuf

import "tradecore/internal/model"

// Ring is a fixed-capacity tick buffer with overwrite-on-full semantics.
// Capacity is rounded up to the next power of two for fast bitwise modulo.
type Ring struct {
	buf  []model.Tick
	mask uint64

	head    uint64 // next write index (monotonic)
	dropped uint64 // ticks overwritten because the ring was full
}

// New creates a ring buffer. capacity is rounded up to the next power of two.
// Minimum capacity is 2.
func New(capacity int) *Ring {
	cap := nextPow2(capacity)
	if cap < 2 {
		cap = 2
	}
	return &Ring{
		buf:  make([]model.Tick, cap),
		mask: uint64(cap - 1),
	}
}

// Push appends a tick, overwriting the oldest entry if the ring is full.
func (r *Ring) Push(t model.Tick) {
	if r.head >= uint64(len(r.buf)) {
		r.dropped++
	}
	r.buf[r.head&r.mask] = t
	r.head++
}

// Snapshot returns the buffered ticks in arrival order (oldest first)
// as a fresh slice.
func (r *Ring) Snapshot() []model.Tick {
	n := r.Len()
	out := make([]model.Tick, 0, n)
	start := r.head - uint64(n)
	for i := uint64(0); i < uint64(n); i++ {
		out = append(out, r.buf[(start+i)&r.mask])
	}
	return out
}

// Len returns the current number of buffered ticks.
func (r *Ring) Len() int {
	if r.head >= uint64(len(r.buf)) {
		return len(r.buf)
	}
	return int(r.head)
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Dropped returns the total number of ticks overwritten due to a full ring.
func (r *Ring) Dropped() uint64 {
	return r.dropped
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
