// Package pipeline runs an ordered chain of frame-processing stages, one
// goroutine per stage, connected by bounded channels that carry frame
// ownership from stage to stage.
//
// Stage 0 pulls frames from an [audio.Source]; the last stage hands them to
// an [audio.Sink]. A full channel blocks the sender, which is the only flow
// control inside the pipeline: nothing is ever dropped here.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/uacbridge/internal/observe"
	"github.com/MrWong99/uacbridge/pkg/audio"
)

// DefaultQueueDepth is the capacity of each inter-stage channel.
const DefaultQueueDepth = 2

// ErrAlreadyRunning is returned by [Pipeline.Run] when called concurrently.
var ErrAlreadyRunning = errors.New("pipeline: already running")

// Stage processes a frame in place. It may change sample values but not the
// frame's size, and it must not retain the frame after returning.
type Stage func(f *audio.Frame)

// Config describes a pipeline.
type Config struct {
	// Name labels logs and metrics. Default: "pipeline".
	Name string

	// Stages run in order. At least one is required.
	Stages []Stage

	// StageNames optionally labels each stage. When empty, stages are named
	// stage0, stage1, ... Otherwise it must match len(Stages).
	StageNames []string

	// QueueDepth is the capacity of each inter-stage channel.
	// Default: [DefaultQueueDepth].
	QueueDepth int

	// Source feeds stage 0.
	Source audio.Source

	// Sink receives frames from the last stage.
	Sink audio.Sink

	// Releaser takes back frames the sink declined and frames still in
	// flight at shutdown.
	Releaser audio.Releaser

	// Logger defaults to [slog.Default].
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *observe.Metrics
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	// Processed counts frames each stage has run, indexed by stage.
	Processed []int64

	// Retained counts frames whose ownership the sink kept.
	Retained int64

	// Released counts frames the pipeline returned to the releaser.
	Released int64
}

// Pipeline is a configured stage chain. Create one with [New] and start it with
// [Pipeline.Run].
type Pipeline struct {
	name     string
	stages   []Stage
	names    []string
	depth    int
	source   audio.Source
	sink     audio.Sink
	releaser audio.Releaser
	log      *slog.Logger
	metrics  *observe.Metrics

	running   atomic.Bool
	processed []atomic.Int64
	retained  atomic.Int64
	released  atomic.Int64
}

// New validates cfg and returns a pipeline ready to run.
func New(cfg Config) (*Pipeline, error) {
	var errs []error
	if len(cfg.Stages) == 0 {
		errs = append(errs, errors.New("at least one stage is required"))
	}
	for i, s := range cfg.Stages {
		if s == nil {
			errs = append(errs, fmt.Errorf("stage %d is nil", i))
		}
	}
	if len(cfg.StageNames) != 0 && len(cfg.StageNames) != len(cfg.Stages) {
		errs = append(errs, fmt.Errorf("%d stage names for %d stages", len(cfg.StageNames), len(cfg.Stages)))
	}
	if cfg.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("queue depth %d must not be negative", cfg.QueueDepth))
	}
	if cfg.Source == nil {
		errs = append(errs, errors.New("source is required"))
	}
	if cfg.Sink == nil {
		errs = append(errs, errors.New("sink is required"))
	}
	if cfg.Releaser == nil {
		errs = append(errs, errors.New("releaser is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		name:      cfg.Name,
		stages:    cfg.Stages,
		names:     cfg.StageNames,
		depth:     cfg.QueueDepth,
		source:    cfg.Source,
		sink:      cfg.Sink,
		releaser:  cfg.Releaser,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		processed: make([]atomic.Int64, len(cfg.Stages)),
	}
	if p.name == "" {
		p.name = "pipeline"
	}
	if p.depth == 0 {
		p.depth = DefaultQueueDepth
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("pipeline", p.name)
	if len(p.names) == 0 {
		p.names = make([]string, len(p.stages))
		for i := range p.names {
			p.names[i] = fmt.Sprintf("stage%d", i)
		}
	}
	return p, nil
}

// Run starts one goroutine per stage and blocks until ctx is cancelled. Frames
// still queued between stages at shutdown are returned to the releaser.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	queues := make([]chan *audio.Frame, len(p.stages)-1)
	for i := range queues {
		queues[i] = make(chan *audio.Frame, p.depth)
	}

	p.log.Info("pipeline started", "stages", len(p.stages), "queue_depth", p.depth)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.stages {
		var in <-chan *audio.Frame
		var out chan<- *audio.Frame
		if i > 0 {
			in = queues[i-1]
		}
		if i < len(queues) {
			out = queues[i]
		}
		g.Go(func() error {
			p.stageLoop(gctx, i, in, out)
			return nil
		})
	}
	err := g.Wait()

	for _, q := range queues {
		p.drain(q)
	}
	p.log.Info("pipeline stopped", "released", p.released.Load(), "retained", p.retained.Load())
	return err
}

func (p *Pipeline) stageLoop(ctx context.Context, i int, in <-chan *audio.Frame, out chan<- *audio.Frame) {
	stage := p.stages[i]
	name := p.names[i]
	for {
		var f *audio.Frame
		if in == nil {
			if ctx.Err() != nil {
				return
			}
			if f = p.source.Next(ctx); f == nil {
				continue
			}
		} else {
			select {
			case f = <-in:
			case <-ctx.Done():
				return
			}
		}

		start := time.Now()
		stage(f)
		p.processed[i].Add(1)
		if p.metrics != nil {
			p.metrics.RecordStage(ctx, p.name, name, time.Since(start))
		}

		if out != nil {
			select {
			case out <- f:
			case <-ctx.Done():
				p.release(f)
				return
			}
		} else {
			d := p.sink.Accept(ctx, f)
			if d == audio.Declined {
				p.release(f)
			} else {
				p.retained.Add(1)
			}
			if p.metrics != nil {
				p.metrics.RecordPipelineFrame(ctx, p.name, d.String())
			}
		}

		runtime.Gosched()
	}
}

// drain releases whatever is left in q once every stage has stopped.
func (p *Pipeline) drain(q chan *audio.Frame) {
	for {
		select {
		case f := <-q:
			p.release(f)
		default:
			return
		}
	}
}

func (p *Pipeline) release(f *audio.Frame) {
	p.released.Add(1)
	p.releaser.Release(f)
}

// Running reports whether Run is active.
func (p *Pipeline) Running() bool { return p.running.Load() }

// Name returns the configured name.
func (p *Pipeline) Name() string { return p.name }

// StageNames returns the stage labels in order.
func (p *Pipeline) StageNames() []string { return append([]string(nil), p.names...) }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Processed: make([]int64, len(p.processed)),
		Retained:  p.retained.Load(),
		Released:  p.released.Load(),
	}
	for i := range p.processed {
		s.Processed[i] = p.processed[i].Load()
	}
	return s
}
