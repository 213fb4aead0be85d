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

// OutStream is the host→device adapter.
//
// [OutStream.OnReceive] runs on the USB driver goroutine for every OUT
// transfer. [OutStream.Run] is the relay goroutine that forwards whole
// pipeline frames to the DSP side.
type OutStream struct {
	*stream

	tx   Transmitter
	port int
	dec  *src.Decimator

	// Owned by the OnReceive goroutine.
	usb    []int32
	conv   []int32
	packed []byte

	// Owned by the relay goroutine.
	frame []byte

	notify chan struct{}
}

// NewOutStream returns a host→device adapter that relays frames to port on
// tx.
func NewOutStream(cfg StreamConfig, tx Transmitter, port int, opts ...Option) (*OutStream, error) {
	if tx == nil {
		return nil, errors.New("usbaudio: out stream needs a transmitter")
	}
	s, err := newStream(DirOut, cfg, opts)
	if err != nil {
		return nil, err
	}
	g := s.geo
	o := &OutStream{
		stream: s,
		tx:     tx,
		port:   port,
		usb:    make([]int32, g.MaxTransferFrames*cfg.Channels),
		frame:  make([]byte, g.FrameBytes),
		notify: make(chan struct{}, 1),
	}
	maxOut := (g.MaxTransferFrames+g.Ratio-1)/g.Ratio + 1
	o.conv = make([]int32, maxOut*cfg.Channels)
	o.packed = make([]byte, max(len(o.usb), len(o.conv))*g.Subslot)
	if s.coef != nil {
		if o.dec, err = src.NewDecimator(s.coef, cfg.Channels); err != nil {
			return nil, fmt.Errorf("usbaudio: out decimator: %w", err)
		}
	}
	return o, nil
}

// OnReceive consumes the payload of one OUT transfer. It never blocks.
//
// A payload must hold exactly TransferFrames or MaxTransferFrames time
// steps; anything else is a contract violation and is rejected with
// [ErrTransferSize]. An empty payload is ignored. On FIFO overflow the stream resets and [fifo.ErrFull] is
// returned.
func (o *OutStream) OnReceive(payload []byte) error {
	if !o.open.Load() {
		return ErrInterfaceClosed
	}
	ch := o.cfg.Channels
	stepBytes := ch * o.geo.Subslot
	if len(payload) == 0 {
		return nil
	}
	if len(payload)%stepBytes != 0 || !o.geo.AcceptsFrames(len(payload)/stepBytes) {
		o.violation("unexpected OUT transfer size",
			"bytes", len(payload),
			"nominal", o.geo.TransferFrames*stepBytes,
		)
		o.recordTransfer(observe.TransferRejected)
		return fmt.Errorf("%w: %d bytes", ErrTransferSize, len(payload))
	}
	frames := len(payload) / stepBytes
	if o.stale.Swap(false) && o.dec != nil {
		o.dec.Reset()
	}

	samples := o.usb[:frames*ch]
	audio.Unpack(samples, payload, o.geo.Subslot)
	o.controls.apply(samples)
	if o.dec != nil {
		n := o.dec.Process(o.conv, samples)
		samples = o.conv[:n*ch]
	}
	nb := audio.Pack(o.packed, samples, o.geo.Subslot)

	err := o.ctl.Push(o.packed[:nb], len(samples))
	switch {
	case errors.Is(err, fifo.ErrFull):
		o.recordTransfer(observe.TransferOverflow)
		return err
	case err != nil:
		o.recordTransfer(observe.TransferRejected)
		return err
	}
	o.recordTransfer(observe.TransferOK)

	if o.ctl.State() == watermark.Ready && o.ctl.Fill() >= o.geo.NotifyLevel {
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run is the relay loop. Each wake-up drains whole pipeline frames while the
// FIFO holds at least NotifyLevel samples and sends each one on the port.
// It returns nil when ctx is cancelled.
func (o *OutStream) Run(ctx context.Context) error {
	o.log.Info("out relay started", "port", o.port)
	defer o.log.Info("out relay stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.notify:
		}
		for o.ctl.State() == watermark.Ready && o.ctl.Fill() >= o.geo.NotifyLevel {
			if err := o.ctl.Pop(o.frame, o.geo.FrameSamples); err != nil {
				break
			}
			if err := o.tx.Tx(ctx, o.port, o.frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("usbaudio: out relay: %w", err)
			}
		}
	}
}
