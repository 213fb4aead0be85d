// Package watermark gates a [fifo.FIFO] with a three-state fill controller so
// that a consumer only starts draining once enough audio has accumulated, and
// so that overflow and underrun are handled without stalling either side.
//
//	Reset ──Open──▶ Filling ──fill ≥ low──▶ Ready
//	  ▲                                       │
//	  └──────── overflow / Close ─────────────┘
//
// Every operation runs under one mutex. That lock is the critical section that
// makes the cross-goroutine reset (interface close, overflow) safe against a
// concurrent push or pop.
package watermark

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/uacbridge/pkg/audio/fifo"
)

// State is the controller state.
type State int

const (
	// Reset means the stream is idle; the FIFO holds nothing meaningful.
	Reset State = iota

	// Filling means the producer is accumulating toward the low threshold.
	Filling

	// Ready means the consumer may pop.
	Ready
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Reset:
		return "reset"
	case Filling:
		return "filling"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotReady is returned by [Controller.Pop] before the low threshold has
	// been reached. The output has been zero-filled.
	ErrNotReady = errors.New("watermark: not ready")

	// ErrUnderrun is returned by [Controller.Pop] when the controller is Ready
	// but the FIFO ran dry. The output has been zero-filled and the state is
	// still Ready.
	ErrUnderrun = errors.New("watermark: underrun")

	// ErrClosed is returned by [Controller.Push] while the stream interface is
	// closed. Nothing is stored.
	ErrClosed = errors.New("watermark: interface closed")
)

// Stats is a snapshot of controller counters.
type Stats struct {
	Overflows   int64
	Underruns   int64
	Transitions int64
}

// Controller owns a FIFO and its fill state. It is safe for concurrent use by
// one producer, one consumer, and any number of observers.
type Controller struct {
	mu    sync.Mutex
	fifo  *fifo.FIFO
	low   int
	state State
	open  bool

	starved bool // inside an underrun episode
	stats   Stats

	name         string
	logger       *slog.Logger
	onReset      []func()
	onTransition func(from, to State)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithName labels log lines emitted by the controller.
func WithName(name string) Option {
	return func(c *Controller) { c.name = name }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithTransitionHook registers fn to observe every state change. fn is called
// with the controller lock held and must not call back into the controller.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(c *Controller) { c.onTransition = fn }
}

// New wraps f with a controller that becomes Ready once f holds at least low
// samples. low must be reachable: 0 < low < f.Capacity().
func New(f *fifo.FIFO, low int, opts ...Option) (*Controller, error) {
	if f == nil {
		return nil, errors.New("watermark: nil fifo")
	}
	if low <= 0 || low >= f.Capacity() {
		return nil, fmt.Errorf("watermark: low threshold %d outside (0,%d)", low, f.Capacity())
	}
	c := &Controller{fifo: f, low: low, name: "stream"}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	f.Reset(0)
	return c, nil
}

// OnReset registers fn to run whenever the controller enters Reset. Hooks run
// with the controller lock held and must only record the event (for example by
// setting an atomic flag) for the owning goroutine to act on.
func (c *Controller) OnReset(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReset = append(c.onReset, fn)
}

// Open marks the stream interface open and starts filling.
func (c *Controller) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	if c.state == Reset {
		c.setState(Filling)
		c.promote()
	}
}

// Close marks the stream interface closed and forces Reset, discarding all
// buffered samples. Closing an already closed controller is a no-op apart
// from re-clearing the FIFO.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.reset()
}

// IsOpen reports whether the interface is open.
func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Push stores n samples from data. On overflow the FIFO is emptied, the
// controller returns to Reset and [fifo.ErrFull] is returned; while the
// interface stays open the next Push starts filling again.
func (c *Controller) Push(data []byte, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrClosed
	}
	if c.state == Reset {
		c.setState(Filling)
	}
	if err := c.fifo.PushBlock(data, n); err != nil {
		if errors.Is(err, fifo.ErrFull) {
			c.stats.Overflows++
			c.logger.Warn("audio fifo overflow, resetting",
				"stream", c.name,
				"samples", n,
				"fill", c.fifo.Fill(),
				"capacity", c.fifo.Capacity(),
			)
			c.reset()
		}
		return err
	}
	c.promote()
	return nil
}

// Pop removes n samples into out. Before Ready it zero-fills out and returns
// [ErrNotReady]. In Ready with too little data it zero-fills out, counts an
// underrun, stays Ready and returns [ErrUnderrun].
func (c *Controller) Pop(out []byte, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	size := n * c.fifo.SubslotSize()
	if len(out) < size {
		return fmt.Errorf("%w: %d bytes for %d samples", fifo.ErrShortBuffer, len(out), n)
	}
	if c.state != Ready {
		clear(out[:size])
		return ErrNotReady
	}
	if err := c.fifo.PopBlock(out, n); err != nil {
		clear(out[:size])
		if !errors.Is(err, fifo.ErrEmpty) {
			return err
		}
		c.stats.Underruns++
		if !c.starved {
			c.starved = true
			c.logger.Warn("audio fifo underrun, sending silence",
				"stream", c.name,
				"samples", n,
				"fill", c.fifo.Fill(),
			)
		}
		return ErrUnderrun
	}
	if c.starved {
		c.starved = false
		c.logger.Debug("audio fifo recovered from underrun", "stream", c.name, "fill", c.fifo.Fill())
	}
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fill returns the number of buffered samples.
func (c *Controller) Fill() int { return c.fifo.Fill() }

// FillRelativeToHalf forwards [fifo.FIFO.FillRelativeToHalf].
func (c *Controller) FillRelativeToHalf() int { return c.fifo.FillRelativeToHalf() }

// Low returns the Ready threshold in samples.
func (c *Controller) Low() int { return c.low }

// Capacity returns the FIFO capacity in samples.
func (c *Controller) Capacity() int { return c.fifo.Capacity() }

// SubslotSize returns the FIFO sample size in bytes.
func (c *Controller) SubslotSize() int { return c.fifo.SubslotSize() }

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// reset clears the FIFO into Reset. Caller holds mu.
func (c *Controller) reset() {
	c.fifo.Reset(0)
	c.starved = false
	c.setState(Reset)
	for _, fn := range c.onReset {
		fn()
	}
}

// promote moves Filling to Ready once the threshold is met. Caller holds mu.
func (c *Controller) promote() {
	if c.state == Filling && c.fifo.Fill() >= c.low {
		c.setState(Ready)
	}
}

func (c *Controller) setState(s State) {
	if s == c.state {
		return
	}
	from := c.state
	c.state = s
	c.stats.Transitions++
	c.logger.Debug("watermark state change", "stream", c.name, "from", from, "to", s)
	if c.onTransition != nil {
		c.onTransition(from, s)
	}
}
