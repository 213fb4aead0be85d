package usbaudio

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/uacbridge/pkg/audio"
)

// DefaultFrameTimeout bounds how long a [PipelineSource] waits for a frame
// before substituting silence.
const DefaultFrameTimeout = 20 * time.Millisecond

// PipelineSource is the DSP-side end of the host→device path. It receives
// frame blobs from an [OutStream] relay and turns them into pipeline frames,
// remapping the stream's channel count to the pool's.
//
// When no blob arrives within the timeout the frame is silence, so the
// pipeline keeps its cadence while the host is not streaming.
type PipelineSource struct {
	rx       Receiver
	port     int
	pool     *audio.FramePool
	channels int
	subslot  int
	timeout  time.Duration
	log      *slog.Logger

	wire    *audio.Frame
	failing bool
}

// NewPipelineSource reads blobs of geo.FrameBytes from port on rx. channels
// is the stream's channel count.
func NewPipelineSource(rx Receiver, port int, geo Geometry, channels int, pool *audio.FramePool, timeout time.Duration, log *slog.Logger) *PipelineSource {
	if timeout == 0 {
		timeout = DefaultFrameTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &PipelineSource{
		rx:       rx,
		port:     port,
		pool:     pool,
		channels: channels,
		subslot:  geo.Subslot,
		timeout:  timeout,
		log:      log,
		wire:     audio.NewFrame(geo.FrameSamples/channels, channels),
	}
}

// Next implements [audio.Source]. It returns nil only when ctx is done.
//
// A failing Rx is logged once per episode; Next then waits out the frame
// timeout and returns silence so the pipeline keeps its cadence.
func (s *PipelineSource) Next(ctx context.Context) *audio.Frame {
	blob, err := s.rx.Rx(ctx, s.port, s.timeout)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		if !s.failing {
			s.failing = true
			s.log.Error("frame receive failed, substituting silence", "port", s.port, "err", err)
		}
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil
		}
		return s.pool.Get()
	}
	if s.failing {
		s.failing = false
		s.log.Info("frame receive recovered", "port", s.port)
	}
	f := s.pool.Get()
	if len(blob) == 0 {
		return f
	}
	if err := audio.DecodeFrame(s.wire, blob, s.subslot); err != nil {
		s.log.Warn("dropping malformed frame blob", "err", err)
		return f
	}
	audio.RemapChannels(f.Samples, f.Channels, s.wire.Samples, s.channels)
	return f
}

// PipelineSink is the DSP-side end of the device→host path. It serializes
// each frame for an [InStream] and sends it on the port. It never retains
// frames.
type PipelineSink struct {
	tx       Transmitter
	port     int
	channels int
	subslot  int
	log      *slog.Logger

	wire *audio.Frame
	blob []byte
}

// NewPipelineSink writes blobs of geo.FrameBytes to port on tx. channels is
// the stream's channel count.
func NewPipelineSink(tx Transmitter, port int, geo Geometry, channels int, log *slog.Logger) *PipelineSink {
	if log == nil {
		log = slog.Default()
	}
	return &PipelineSink{
		tx:       tx,
		port:     port,
		channels: channels,
		subslot:  geo.Subslot,
		log:      log,
		wire:     audio.NewFrame(geo.FrameSamples/channels, channels),
		blob:     make([]byte, geo.FrameBytes),
	}
}

// Accept implements [audio.Sink].
func (s *PipelineSink) Accept(ctx context.Context, f *audio.Frame) audio.Disposition {
	s.wire.Clear()
	audio.RemapChannels(s.wire.Samples, s.channels, f.Samples, f.Channels)
	s.wire.Seq = f.Seq
	s.blob = audio.EncodeFrame(s.blob, s.wire, s.subslot)
	if err := s.tx.Tx(ctx, s.port, s.blob); err != nil && ctx.Err() == nil {
		s.log.Warn("frame send failed", "port", s.port, "err", err)
	}
	return audio.Declined
}
