// Package fifo implements a fixed-capacity circular buffer of audio
// sub-slots with block push and pop.
//
// The buffer is single-producer/single-consumer: one goroutine pushes, one
// pops. Read and write indices are atomics so [FIFO.Fill] is safe to call from
// any goroutine, but [FIFO.Reset] is a cross-thread mutation and must be
// serialized by the caller (see package watermark).
//
// One slot is always left unused so that a full buffer can be told apart from
// an empty one: the maximum fill is Capacity()-1.
package fifo

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrFull is returned by [FIFO.PushBlock] when the block does not fit.
	ErrFull = errors.New("fifo: full")

	// ErrEmpty is returned by [FIFO.PopBlock] when fewer samples are buffered
	// than requested.
	ErrEmpty = errors.New("fifo: empty")

	// ErrShortBuffer is returned when the caller's byte slice is smaller than
	// n sub-slots.
	ErrShortBuffer = errors.New("fifo: short buffer")
)

// FIFO is a circular buffer of capacity sub-slots of subslotSize bytes each.
type FIFO struct {
	buf      []byte
	capacity int
	subslot  int

	write atomic.Int64
	read  atomic.Int64
}

// New creates a FIFO holding up to capacity-1 samples of subslotSize bytes,
// pre-seeded with initialFill samples of silence.
func New(capacity, subslotSize, initialFill int) (*FIFO, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("fifo: capacity %d must be at least 2", capacity)
	}
	if subslotSize < 2 || subslotSize > 4 {
		return nil, fmt.Errorf("fifo: subslot size %d not in [2,4]", subslotSize)
	}
	if initialFill < 0 || initialFill >= capacity {
		return nil, fmt.Errorf("fifo: initial fill %d out of range [0,%d)", initialFill, capacity)
	}
	f := &FIFO{
		buf:      make([]byte, capacity*subslotSize),
		capacity: capacity,
		subslot:  subslotSize,
	}
	f.write.Store(int64(initialFill))
	return f, nil
}

// Reset discards all content, zeroes the storage and pre-seeds initialFill
// samples of silence. Values outside [0,capacity) are clamped.
func (f *FIFO) Reset(initialFill int) {
	initialFill = max(0, min(initialFill, f.capacity-1))
	clear(f.buf)
	f.read.Store(0)
	f.write.Store(int64(initialFill))
}

// Capacity returns the number of slots, one more than the maximum fill.
func (f *FIFO) Capacity() int { return f.capacity }

// SubslotSize returns the bytes per sample.
func (f *FIFO) SubslotSize() int { return f.subslot }

// Fill returns the number of buffered samples, (write-read) mod capacity.
func (f *FIFO) Fill() int {
	w := int(f.write.Load())
	r := int(f.read.Load())
	n := w - r
	if n < 0 {
		n += f.capacity
	}
	return n
}

// Space returns how many more samples can be pushed.
func (f *FIFO) Space() int { return f.capacity - f.Fill() - 1 }

// FillRelativeToHalf returns Fill() - Capacity()/2. A positive value means the
// producer is running ahead of the consumer. It is the error term for rate
// tracking.
func (f *FIFO) FillRelativeToHalf() int { return f.Fill() - f.capacity/2 }

// PushBlock appends n samples taken from data. It either stores all n samples
// or none: ErrFull is returned when n > Space().
func (f *FIFO) PushBlock(data []byte, n int) error {
	if n == 0 {
		return nil
	}
	if n < 0 || len(data) < n*f.subslot {
		return fmt.Errorf("%w: %d bytes for %d samples", ErrShortBuffer, len(data), n)
	}
	if n > f.Space() {
		return ErrFull
	}
	w := int(f.write.Load())
	first := min(n, f.capacity-w)
	copy(f.buf[w*f.subslot:], data[:first*f.subslot])
	if rest := n - first; rest > 0 {
		copy(f.buf, data[first*f.subslot:n*f.subslot])
	}
	f.write.Store(int64((w + n) % f.capacity))
	return nil
}

// PopBlock removes n samples into out. It either delivers all n samples or
// none: ErrEmpty is returned when n > Fill().
func (f *FIFO) PopBlock(out []byte, n int) error {
	if n == 0 {
		return nil
	}
	if n < 0 || len(out) < n*f.subslot {
		return fmt.Errorf("%w: %d bytes for %d samples", ErrShortBuffer, len(out), n)
	}
	if n > f.Fill() {
		return ErrEmpty
	}
	r := int(f.read.Load())
	first := min(n, f.capacity-r)
	copy(out, f.buf[r*f.subslot:(r+first)*f.subslot])
	if rest := n - first; rest > 0 {
		copy(out[first*f.subslot:], f.buf[:rest*f.subslot])
	}
	f.read.Store(int64((r + n) % f.capacity))
	return nil
}
