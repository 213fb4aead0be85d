package usbaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/uacbridge/internal/observe"
	"github.com/MrWong99/uacbridge/pkg/audio/fifo"
	"github.com/MrWong99/uacbridge/pkg/audio/src"
	"github.com/MrWong99/uacbridge/pkg/audio/watermark"
)

var (
	// ErrTransferSize is returned for transfers whose length does not fit
	// the stream geometry.
	ErrTransferSize = errors.New("usbaudio: unexpected transfer size")

	// ErrInterfaceClosed is returned for data arriving while the streaming
	// interface has alternate setting 0.
	ErrInterfaceClosed = errors.New("usbaudio: interface closed")
)

// Transmitter sends a blob on a numbered port. [intertile.Link] implements it.
type Transmitter interface {
	Tx(ctx context.Context, port int, data []byte) error
}

// Receiver receives a blob from a numbered port, returning a zero-length
// blob on timeout. [intertile.Link] implements it.
type Receiver interface {
	Rx(ctx context.Context, port int, timeout time.Duration) ([]byte, error)
}

// RateTracker observes the FIFO fill error after every transfer. It is the
// hook for host clock recovery; the default implementation ignores it.
type RateTracker interface {
	Observe(direction string, fillRelativeToHalf int)
}

// NopRateTracker is the inert [RateTracker].
type NopRateTracker struct{}

// Observe implements [RateTracker].
func (NopRateTracker) Observe(string, int) {}

// Option configures an [OutStream] or [InStream].
type Option func(*stream)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *stream) { s.log = l }
}

// WithMetrics records stream metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *stream) { s.metrics = m }
}

// WithRateTracker installs a clock-recovery hook.
func WithRateTracker(t RateTracker) Option {
	return func(s *stream) { s.tracker = t }
}

// WithControlState shares feature unit state with a [ControlPlane]. When
// omitted the stream creates its own.
func WithControlState(c *ControlState) Option {
	return func(s *stream) { s.controls = c }
}

// Status is a point-in-time view of one stream.
type Status struct {
	Direction  string `json:"direction"`
	Open       bool   `json:"open"`
	State      string `json:"state"`
	Fill       int    `json:"fill"`
	Capacity   int    `json:"capacity"`
	Overflows  int64  `json:"overflows"`
	Underruns  int64  `json:"underruns"`
	Violations int64  `json:"violations"`
}

// stream is the state shared by both directions.
type stream struct {
	dir      string
	cfg      StreamConfig
	geo      Geometry
	coef     *src.Coefficients
	ctl      *watermark.Controller
	controls *ControlState

	// open is the interface_open flag: set by a nonzero alternate setting,
	// cleared by alternate setting 0 or an interface reset.
	open atomic.Bool

	// stale is set by the controller's reset hook and consumed by the data
	// path goroutine that owns the rate converter.
	stale atomic.Bool

	violations atomic.Int64

	log     *slog.Logger
	metrics *observe.Metrics
	tracker RateTracker
}

func newStream(dir string, cfg StreamConfig, opts []Option) (*stream, error) {
	s := &stream{dir: dir, cfg: cfg, tracker: NopRateTracker{}}
	for _, o := range opts {
		o(s)
	}
	s.log = observe.StreamLogger(s.log, dir)

	geo, subslotOK, err := cfg.geometry(dir)
	if err != nil {
		return nil, err
	}
	s.geo = geo
	if !subslotOK {
		s.violation("unsupported bit depth, using 16-bit sub-slots", "bit_depth", cfg.BitDepth)
	}
	if geo.Ratio > 1 {
		if s.coef, err = src.Design(geo.Ratio, cfg.TapsPerPhase); err != nil {
			return nil, fmt.Errorf("usbaudio: %s rate converter: %w", dir, err)
		}
	}

	f, err := fifo.New(geo.Capacity, geo.Subslot, 0)
	if err != nil {
		return nil, fmt.Errorf("usbaudio: %s fifo: %w", dir, err)
	}
	s.ctl, err = watermark.New(f, geo.Low,
		watermark.WithName(dir),
		watermark.WithLogger(s.log),
		watermark.WithTransitionHook(s.onTransition),
	)
	if err != nil {
		return nil, fmt.Errorf("usbaudio: %s watermark: %w", dir, err)
	}
	s.ctl.OnReset(func() { s.stale.Store(true) })

	if s.controls == nil {
		s.controls = NewControlState(cfg.Channels)
	} else if s.controls.Channels() != cfg.Channels {
		return nil, fmt.Errorf("usbaudio: %s control state has %d channels, stream has %d",
			dir, s.controls.Channels(), cfg.Channels)
	}

	s.log.Info("usb stream configured",
		"channels", cfg.Channels,
		"subslot", geo.Subslot,
		"usb_rate", cfg.USBRate,
		"ratio", geo.Ratio,
		"fifo_capacity", geo.Capacity,
		"low", geo.Low,
	)
	return s, nil
}

// SetInterface handles an alternate-setting change on the streaming
// interface. Any change resets the FIFO; a nonzero alt then starts filling.
func (s *stream) SetInterface(alt uint8) {
	s.ctl.Close()
	if alt == 0 {
		if s.open.Swap(false) {
			s.recordInterface(false)
			s.log.Info("usb interface closed")
		}
		return
	}
	if !s.open.Swap(true) {
		s.recordInterface(true)
	}
	s.ctl.Open()
	s.log.Info("usb interface opened", "alt", alt)
}

// CloseInterface handles an interface closed by bus reset or endpoint close.
func (s *stream) CloseInterface() {
	s.ctl.Close()
	if s.open.Swap(false) {
		s.recordInterface(false)
	}
	s.log.Info("usb interface reset")
}

// IsOpen reports the interface_open flag.
func (s *stream) IsOpen() bool { return s.open.Load() }

// Geometry returns the derived stream sizes.
func (s *stream) Geometry() Geometry { return s.geo }

// Controls returns the feature unit state applied to this stream.
func (s *stream) Controls() *ControlState { return s.controls }

// State returns the watermark controller state.
func (s *stream) State() watermark.State { return s.ctl.State() }

// Status returns a snapshot for health reporting.
func (s *stream) Status() Status {
	st := s.ctl.Stats()
	return Status{
		Direction:  s.dir,
		Open:       s.open.Load(),
		State:      s.ctl.State().String(),
		Fill:       s.ctl.Fill(),
		Capacity:   s.ctl.Capacity(),
		Overflows:  st.Overflows,
		Underruns:  st.Underruns,
		Violations: s.violations.Load(),
	}
}

// violation reports a configuration or integration bug. It panics in
// uacdebug builds and is logged and counted otherwise.
func (s *stream) violation(msg string, args ...any) {
	s.violations.Add(1)
	if debugContracts {
		panic(fmt.Sprintf("usbaudio: %s: contract violation: %s %v", s.dir, msg, args))
	}
	s.log.Error("contract violation: "+msg, args...)
}

func (s *stream) onTransition(_, to watermark.State) {
	if s.metrics != nil {
		s.metrics.RecordWatermark(context.Background(), s.dir, to.String())
	}
}

func (s *stream) recordInterface(open bool) {
	if s.metrics != nil {
		s.metrics.RecordInterface(context.Background(), s.dir, open)
	}
}

func (s *stream) recordTransfer(status string) {
	fill := s.ctl.Fill()
	s.tracker.Observe(s.dir, s.ctl.FillRelativeToHalf())
	if s.metrics != nil {
		s.metrics.RecordTransfer(context.Background(), s.dir, status, fill)
	}
}
