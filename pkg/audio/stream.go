package audio

import "context"

// Source produces frames for the head of a processing pipeline.
//
// Next blocks until a frame is available or ctx is done. Returning nil means
// "no frame this time" and the caller simply polls again; it is not an error.
type Source interface {
	Next(ctx context.Context) *Frame
}

// Disposition is a sink's answer to a frame handed to it.
type Disposition int

const (
	// Retained means the sink keeps ownership and will release the frame.
	Retained Disposition = iota

	// Declined means the sink is done with the frame; the caller must
	// release it immediately.
	Declined
)

// String returns "retained" or "declined".
func (d Disposition) String() string {
	if d == Retained {
		return "retained"
	}
	return "declined"
}

// Sink consumes frames at the tail of a processing pipeline.
type Sink interface {
	Accept(ctx context.Context, f *Frame) Disposition
}

// Releaser returns frames whose ownership nobody kept.
// [FramePool] implements Releaser.
type Releaser interface {
	Release(f *Frame)
}

// SourceFunc adapts an ordinary function to [Source].
type SourceFunc func(ctx context.Context) *Frame

// Next calls fn(ctx).
func (fn SourceFunc) Next(ctx context.Context) *Frame { return fn(ctx) }

// SinkFunc adapts an ordinary function to [Sink].
type SinkFunc func(ctx context.Context, f *Frame) Disposition

// Accept calls fn(ctx, f).
func (fn SinkFunc) Accept(ctx context.Context, f *Frame) Disposition { return fn(ctx, f) }
