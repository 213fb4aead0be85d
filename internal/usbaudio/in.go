package usbaudio

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/uacbridge/internal/observe"
	"github.com/MrWong99/uacbridge/pkg/audio"
	"github.com/MrWong99/uacbridge/pkg/audio/fifo"
	"github.com/MrWong99/uacbridge/pkg/audio/src"
	"github.com/MrWong99/uacbridge/pkg/audio/watermark"
)

// InStream is the device→host adapter.
//
// [InStream.Run] receives frame blobs from the DSP side and buffers them.
// [InStream.OnTransmit] runs on the USB driver goroutine for every IN
// transfer and always returns exactly one nominal transfer.
type InStream struct {
	*stream

	rx     Receiver
	port   int
	interp *src.Interpolator

	// Owned by the OnTransmit goroutine.
	popped []byte
	work   []int32
	up     []int32
	out    []byte

	// Owned by the relay goroutine.
	dropping bool
}

// NewInStream returns a device→host adapter fed from port on rx.
func NewInStream(cfg StreamConfig, rx Receiver, port int, opts ...Option) (*InStream, error) {
	if rx == nil {
		return nil, errors.New("usbaudio: in stream needs a receiver")
	}
	s, err := newStream(DirIn, cfg, opts)
	if err != nil {
		return nil, err
	}
	g := s.geo
	i := &InStream{
		stream: s,
		rx:     rx,
		port:   port,
		popped: make([]byte, g.TransferSamples*g.Subslot),
		work:   make([]int32, g.TransferSamples),
		up:     make([]int32, g.TransferFrames*cfg.Channels),
		out:    make([]byte, g.TransferFrames*cfg.Channels*g.Subslot),
	}
	if s.coef != nil {
		if i.interp, err = src.NewInterpolator(s.coef, cfg.Channels); err != nil {
			return nil, fmt.Errorf("usbaudio: in interpolator: %w", err)
		}
	}
	return i, nil
}

// Run is the relay loop: it blocks on the port, validates each blob and
// pushes it into the FIFO while the interface is open. Frames arriving while
// the interface is closed are dropped. It returns nil when ctx is cancelled.
func (i *InStream) Run(ctx context.Context) error {
	i.log.Info("in relay started", "port", i.port)
	defer i.log.Info("in relay stopped")
	for {
		blob, err := i.rx.Rx(ctx, i.port, -1)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("usbaudio: in relay: %w", err)
		}
		if len(blob) != i.geo.FrameBytes {
			i.violation("unexpected frame blob size", "bytes", len(blob), "want", i.geo.FrameBytes)
			continue
		}
		if !i.open.Load() {
			if !i.dropping {
				i.dropping = true
				i.log.Debug("interface closed, dropping pipeline frames")
			}
			continue
		}
		i.dropping = false
		if err := i.ctl.Push(blob, i.geo.FrameSamples); err != nil && !errors.Is(err, fifo.ErrFull) &&
			!errors.Is(err, watermark.ErrClosed) {
			i.log.Warn("in fifo push failed", "err", err)
		}
	}
}

// OnTransmit produces the payload for one IN transfer. It never blocks. The
// returned slice is reused by the next call.
//
// Before the watermark is reached, on underrun, and while the interface is
// closed the payload is silence.
func (i *InStream) OnTransmit() []byte {
	if !i.open.Load() {
		clear(i.out)
		return i.out
	}
	if i.stale.Swap(false) && i.interp != nil {
		i.interp.Reset()
	}

	status := observe.TransferOK
	switch err := i.ctl.Pop(i.popped, i.geo.TransferSamples); {
	case errors.Is(err, watermark.ErrUnderrun):
		status = observe.TransferSilence
	case errors.Is(err, watermark.ErrNotReady):
		status = observe.TransferNotReady
	case err != nil:
		i.violation("in fifo pop failed", "err", err)
		status = observe.TransferRejected
	}

	audio.Unpack(i.work, i.popped, i.geo.Subslot)
	samples := i.work
	if i.interp != nil {
		n := i.interp.Process(i.up, i.work)
		samples = i.up[:n*i.cfg.Channels]
	}
	i.controls.apply(samples)
	audio.Pack(i.out, samples, i.geo.Subslot)
	i.recordTransfer(status)
	return i.out
}
