// Package usbaudio adapts USB Audio Class 2 isochronous streaming to the
// fixed-rate frame pipeline.
//
// An [OutStream] (host→device, the speaker path) takes the payload of every
// OUT transfer, converts it to the pipeline rate and hands whole pipeline
// frames to a relay goroutine that forwards them over an intertile port. An
// [InStream] (device→host, the microphone path) buffers frames arriving from
// the pipeline and answers every IN transfer request with exactly one
// transfer of samples, or silence.
//
// The USB driver callbacks ([OutStream.OnReceive], [InStream.OnTransmit])
// never block. Interface events ([OutStream.SetInterface] and friends) may
// arrive from a different goroutine than the data path; the watermark
// controller serializes the resulting FIFO reset.
package usbaudio

import (
	"errors"
	"fmt"

	"github.com/MrWong99/uacbridge/pkg/audio"
)

// Direction names used in logs and metric attributes.
const (
	DirOut = "out" // host→device
	DirIn  = "in"  // device→host
)

// StreamConfig describes one streaming interface.
type StreamConfig struct {
	// Channels is the number of interleaved channels on the wire and in
	// frame-exchange blobs.
	Channels int

	// BitDepth is the sample resolution: 16, 24 or 32.
	BitDepth int

	// USBRate is the sample rate on the bus in Hz.
	USBRate int

	// PipelineRate is the internal processing rate in Hz. USBRate must be an
	// integer multiple of it.
	PipelineRate int

	// FrameAdvance is the number of time steps per pipeline frame.
	FrameAdvance int

	// TransfersPerSecond is the isochronous service rate: 1000 at full
	// speed, 8000 at high speed with bInterval 1.
	TransfersPerSecond int

	// FIFOCapacity overrides the derived FIFO capacity in samples.
	FIFOCapacity int

	// TapsPerPhase sets the rate converter filter length; zero selects the
	// converter default.
	TapsPerPhase int
}

// Geometry holds the sizes derived from a [StreamConfig]. All sample counts
// are at the pipeline rate and include every channel.
type Geometry struct {
	// Subslot is the wire and FIFO sample size in bytes.
	Subslot int

	// Ratio is USBRate/PipelineRate; 1 bypasses rate conversion.
	Ratio int

	// TransferFrames is the nominal number of USB-rate time steps per
	// transfer. MaxTransferFrames is ceil(USBRate/TransfersPerSecond); a
	// transfer must carry exactly one of the two.
	TransferFrames    int
	MaxTransferFrames int

	// TransferSamples is one nominal transfer at the pipeline rate.
	TransferSamples int

	// FrameSamples is one pipeline frame; FrameBytes is its blob size.
	FrameSamples int
	FrameBytes   int

	// Capacity and Low configure the FIFO and watermark controller.
	Capacity int
	Low      int

	// NotifyLevel is the fill at which the OUT relay is woken.
	// It is zero for IN streams.
	NotifyLevel int
}

var errConfig = errors.New("usbaudio: invalid stream config")

// AcceptsFrames reports whether a transfer of n time steps has a valid size.
func (g Geometry) AcceptsFrames(n int) bool {
	return n == g.TransferFrames || n == g.MaxTransferFrames
}

// geometry validates c for direction dir and derives its sizes. An
// unsupported bit depth is not an error here: it is reported through
// subslotOK so the caller can apply the contract-violation policy.
func (c StreamConfig) geometry(dir string) (g Geometry, subslotOK bool, err error) {
	var errs []error
	if c.Channels < 1 {
		errs = append(errs, fmt.Errorf("channels %d must be positive", c.Channels))
	}
	if c.FrameAdvance < 1 {
		errs = append(errs, fmt.Errorf("frame advance %d must be positive", c.FrameAdvance))
	}
	if c.USBRate <= 0 || c.PipelineRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rates %d/%d must be positive", c.USBRate, c.PipelineRate))
	} else if c.USBRate%c.PipelineRate != 0 {
		errs = append(errs, fmt.Errorf("usb rate %d is not a multiple of pipeline rate %d", c.USBRate, c.PipelineRate))
	}
	if c.TransfersPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("transfers per second %d must be positive", c.TransfersPerSecond))
	}
	if c.FIFOCapacity < 0 {
		errs = append(errs, fmt.Errorf("fifo capacity %d must not be negative", c.FIFOCapacity))
	}
	if err := errors.Join(errs...); err != nil {
		return g, false, fmt.Errorf("%w (%s): %w", errConfig, dir, err)
	}

	g.Subslot, subslotOK = audio.SubslotFromBitDepth(c.BitDepth)
	g.Ratio = c.USBRate / c.PipelineRate
	g.TransferFrames = c.USBRate / c.TransfersPerSecond
	if g.TransferFrames < 1 {
		return g, subslotOK, fmt.Errorf("%w (%s): fewer than one sample per transfer", errConfig, dir)
	}
	if g.TransferFrames%g.Ratio != 0 {
		return g, subslotOK, fmt.Errorf("%w (%s): %d samples per transfer not divisible by rate ratio %d",
			errConfig, dir, g.TransferFrames, g.Ratio)
	}
	// Fractional rates alternate between floor and ceil time steps per
	// transfer; exact rates only ever carry the nominal count.
	g.MaxTransferFrames = g.TransferFrames
	if c.USBRate%c.TransfersPerSecond != 0 {
		g.MaxTransferFrames++
	}
	g.TransferSamples = g.TransferFrames / g.Ratio * c.Channels
	// FIFO headroom still allows one extra step so sizing is the same for
	// exact and fractional rates.
	maxTransfer := (g.TransferFrames + g.Ratio) / g.Ratio * c.Channels
	g.FrameSamples = c.FrameAdvance * c.Channels
	g.FrameBytes = g.FrameSamples * g.Subslot

	var minCapacity int
	switch dir {
	case DirOut:
		// Ready once one transfer is buffered; wake the relay when a whole
		// frame beyond that is available.
		g.Low = g.TransferSamples
		g.NotifyLevel = g.Low + g.FrameSamples
		g.Capacity = max(2*g.FrameSamples, g.NotifyLevel+2*maxTransfer) + 1
		minCapacity = g.NotifyLevel + maxTransfer + 1
	default:
		// Ready once two frames are buffered; half a frame of headroom.
		g.Low = 2 * g.FrameSamples
		g.Capacity = g.FrameSamples*5/2 + g.TransferSamples + 1
		minCapacity = g.Low + 1
	}
	if c.FIFOCapacity > 0 {
		if c.FIFOCapacity < minCapacity {
			return g, subslotOK, fmt.Errorf("%w (%s): fifo capacity %d below minimum %d",
				errConfig, dir, c.FIFOCapacity, minCapacity)
		}
		g.Capacity = c.FIFOCapacity
	}
	return g, subslotOK, nil
}
