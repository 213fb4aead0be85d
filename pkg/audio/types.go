package audio

import (
	"sync"
	"sync/atomic"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is one fixed-size block of interleaved audio moving through the
// processing pipeline. Samples are left-justified signed 32-bit values stored
// time-major: the sample for time step t and channel ch lives at
// Samples[t*Channels+ch].
//
// A Frame is owned by exactly one component at a time. Ownership moves when
// the frame is sent on a queue or handed to a sink; the previous owner must
// not touch it afterwards.
type Frame struct {
	// Samples holds Advance*Channels interleaved samples.
	Samples []int32

	// Advance is the number of time steps in the frame.
	Advance int

	// Channels is the number of interleaved channels.
	Channels int

	// Seq is a monotonically increasing sequence number assigned by the
	// producer. It is informational only.
	Seq uint64
}

// NewFrame allocates a zeroed frame of the given geometry.
func NewFrame(advance, channels int) *Frame {
	return &Frame{
		Samples:  make([]int32, advance*channels),
		Advance:  advance,
		Channels: channels,
	}
}

// Clear zeroes every sample.
func (f *Frame) Clear() { clear(f.Samples) }

// FramePool recycles frames of one geometry. It is safe for concurrent use.
type FramePool struct {
	advance  int
	channels int
	pool     sync.Pool
	seq      atomic.Uint64

	gets     atomic.Int64
	releases atomic.Int64
}

// NewFramePool returns a pool handing out frames of advance×channels samples.
func NewFramePool(advance, channels int) *FramePool {
	p := &FramePool{advance: advance, channels: channels}
	p.pool.New = func() any { return NewFrame(advance, channels) }
	return p
}

// Get returns a zeroed frame with a fresh sequence number.
func (p *FramePool) Get() *Frame {
	f := p.pool.Get().(*Frame)
	f.Clear()
	f.Seq = p.seq.Add(1)
	p.gets.Add(1)
	return f
}

// Release returns f to the pool. Frames of a different geometry are dropped.
// Releasing nil is a no-op.
func (p *FramePool) Release(f *Frame) {
	if f == nil {
		return
	}
	p.releases.Add(1)
	if f.Advance != p.advance || f.Channels != p.channels {
		return
	}
	p.pool.Put(f)
}

// Outstanding reports frames handed out by Get and not yet released.
func (p *FramePool) Outstanding() int64 { return p.gets.Load() - p.releases.Load() }

// Released reports how many frames have been returned via Release.
func (p *FramePool) Released() int64 { return p.releases.Load() }

// Advance returns the time steps per frame.
func (p *FramePool) Advance() int { return p.advance }

// Channels returns the channel count per frame.
func (p *FramePool) Channels() int { return p.channels }
