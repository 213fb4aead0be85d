// Package usbsim is an in-process stand-in for a USB host and the device's
// class driver. It opens both streaming interfaces, sends a test tone on the
// host→device stream and polls the device→host stream, at the configured
// isochronous service rate.
package usbsim

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/uacbridge/internal/usbaudio"
	"github.com/MrWong99/uacbridge/pkg/audio"
	"github.com/MrWong99/uacbridge/pkg/audio/fifo"
)

// Out is the host→device side the simulator drives.
type Out interface {
	SetInterface(alt uint8)
	OnReceive(payload []byte) error
	Geometry() usbaudio.Geometry
}

// In is the device→host side the simulator drives.
type In interface {
	SetInterface(alt uint8)
	OnTransmit() []byte
}

// Config configures a [Host].
type Config struct {
	// TransfersPerSecond is the service rate of both streams.
	TransfersPerSecond int

	// Channels is the host→device channel count.
	Channels int

	// USBRate is the bus sample rate in Hz.
	USBRate int

	// ToneHz and Amplitude set the generated sine. Amplitude is relative to
	// full scale.
	ToneHz    float64
	Amplitude float64

	// OnCapture, when set, receives every device→host payload. The slice is
	// only valid during the call.
	OnCapture func(payload []byte)

	Logger *slog.Logger
}

// Stats counts the work done by a [Host].
type Stats struct {
	Sent      int64 `json:"sent"`
	Received  int64 `json:"received"`
	Overflows int64 `json:"overflows"`
	Errors    int64 `json:"errors"`
}

// Host simulates a USB host. Create with [New] and drive with [Host.Run].
type Host struct {
	cfg Config
	out Out
	in  In
	log *slog.Logger

	mu    sync.Mutex
	tone  float64
	amp   float64
	phase float64

	payload []byte
	samples []int32

	sent, received, overflows, errs atomic.Int64
}

// New returns a host for the given streams. in may be nil for a playback
// only device.
func New(cfg Config, out Out, in In) (*Host, error) {
	if out == nil {
		return nil, errors.New("usbsim: host needs an out stream")
	}
	if cfg.TransfersPerSecond <= 0 || cfg.USBRate <= 0 || cfg.Channels < 1 {
		return nil, errors.New("usbsim: transfers per second, usb rate and channels must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := out.Geometry()
	return &Host{
		cfg:     cfg,
		out:     out,
		in:      in,
		log:     cfg.Logger,
		tone:    cfg.ToneHz,
		amp:     cfg.Amplitude,
		payload: make([]byte, g.TransferFrames*cfg.Channels*g.Subslot),
		samples: make([]int32, g.TransferFrames*cfg.Channels),
	}, nil
}

// SetTone changes the generated sine. It is safe to call while running.
func (h *Host) SetTone(hz, amplitude float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tone = hz
	h.amp = amplitude
	h.log.Info("simulator tone changed", "tone_hz", hz, "amplitude", amplitude)
}

// Stats returns the current counters.
func (h *Host) Stats() Stats {
	return Stats{
		Sent:      h.sent.Load(),
		Received:  h.received.Load(),
		Overflows: h.overflows.Load(),
		Errors:    h.errs.Load(),
	}
}

// Run opens both interfaces and services transfers until ctx is done, then
// closes the interfaces. It always returns nil.
func (h *Host) Run(ctx context.Context) error {
	period, perTick := schedule(h.cfg.TransfersPerSecond)
	h.out.SetInterface(1)
	if h.in != nil {
		h.in.SetInterface(1)
	}
	h.log.Info("usb host simulator started", "transfers_per_second", h.cfg.TransfersPerSecond)
	defer func() {
		h.out.SetInterface(0)
		if h.in != nil {
			h.in.SetInterface(0)
		}
		h.log.Info("usb host simulator stopped", "sent", h.sent.Load(), "received", h.received.Load())
	}()

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for range perTick {
				h.Step()
			}
		}
	}
}

// Step performs one OUT and one IN transfer.
func (h *Host) Step() {
	h.fillTone()
	switch err := h.out.OnReceive(h.payload); {
	case err == nil:
		h.sent.Add(1)
	case errors.Is(err, fifo.ErrFull):
		h.overflows.Add(1)
	default:
		h.errs.Add(1)
	}
	if h.in == nil {
		return
	}
	p := h.in.OnTransmit()
	h.received.Add(1)
	if h.cfg.OnCapture != nil {
		h.cfg.OnCapture(p)
	}
}

// fillTone writes the next transfer of sine into payload, the same value on
// every channel.
func (h *Host) fillTone() {
	h.mu.Lock()
	step := 2 * math.Pi * h.tone / float64(h.cfg.USBRate)
	level := h.amp * math.MaxInt32
	phase := h.phase
	ch := h.cfg.Channels
	frames := len(h.samples) / ch
	for t := range frames {
		v := int32(level * math.Sin(phase))
		for c := range ch {
			h.samples[t*ch+c] = v
		}
		phase += step
	}
	h.phase = math.Mod(phase, 2*math.Pi)
	h.mu.Unlock()
	audio.Pack(h.payload, h.samples, len(h.payload)/len(h.samples))
}

// schedule splits a transfer rate into a ticker period no shorter than a
// millisecond and the number of transfers per tick.
func schedule(tps int) (time.Duration, int) {
	if tps <= 1000 {
		return time.Second / time.Duration(tps), 1
	}
	return time.Millisecond, tps / 1000
}
