// Package app wires all uacbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the streaming loops, and Shutdown tears
// everything down in order.
//
// For testing, inject metric instruments or a logger via functional
// options (WithMetrics, WithLogger). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/uacbridge/internal/config"
	"github.com/MrWong99/uacbridge/internal/dsp"
	"github.com/MrWong99/uacbridge/internal/health"
	"github.com/MrWong99/uacbridge/internal/intertile"
	"github.com/MrWong99/uacbridge/internal/monitor"
	"github.com/MrWong99/uacbridge/internal/observe"
	"github.com/MrWong99/uacbridge/internal/pipeline"
	"github.com/MrWong99/uacbridge/internal/usbaudio"
	"github.com/MrWong99/uacbridge/internal/usbsim"
	"github.com/MrWong99/uacbridge/pkg/audio"
	"github.com/MrWong99/uacbridge/pkg/audio/wavtap"
)

// httpShutdownTimeout bounds the graceful HTTP shutdown at the end of Run.
const httpShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and runs the USB audio bridge.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	version  string
	registry *config.Registry

	metrics  *observe.Metrics
	gatherer *prometheus.Registry

	// Subsystems, initialised in New, torn down in Shutdown.
	link     *intertile.Link
	controls *usbaudio.ControlPlane
	pool     *audio.FramePool
	out      *usbaudio.OutStream
	in       *usbaudio.InStream
	pipeline *pipeline.Pipeline
	tap      *wavtap.Recorder
	hub      *monitor.Hub
	sim      *usbsim.Host

	ln     net.Listener
	srv    *http.Server
	served atomic.Bool

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the verbosity of the handler
// behind the logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects metric instruments. New then skips the global OTel
// provider setup and /metrics serves an empty registry.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRegistry supplies the stage registry. Default: a registry holding the
// built-in DSP stages.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithVersion sets the service version reported in telemetry.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated; see [config.Validate].
//
// New binds the HTTP listener so address conflicts surface here rather than
// in Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.registry == nil {
		a.registry = config.NewRegistry()
		dsp.Register(a.registry)
	}

	if err := a.initTelemetry(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	if err := a.initStreams(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init streams: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initSimulator(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init simulator: %w", err)
	}
	if err := a.initHTTP(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init http: %w", err)
	}
	return a, nil
}

// initTelemetry sets up the OTel providers and the Prometheus registry
// behind /metrics, unless metrics were injected.
func (a *App) initTelemetry(ctx context.Context) error {
	a.gatherer = prometheus.NewRegistry()
	if a.metrics != nil {
		return nil
	}
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: a.version,
		Registerer:     a.gatherer,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return shutdown(sctx)
	})
	a.metrics = observe.DefaultMetrics()
	return nil
}

// initStreams creates the link, the control plane and both streaming
// adapters.
func (a *App) initStreams() error {
	cfg := a.cfg
	a.link = intertile.NewLink(cfg.Intertile.Depth)
	a.controls = usbaudio.NewControlPlane(cfg.USB.SampleRate, usbaudio.DefaultClockID, a.log, a.metrics)

	outState := usbaudio.NewControlState(cfg.USB.HostToDevice.Channels)
	inState := usbaudio.NewControlState(cfg.USB.DeviceToHost.Channels)
	a.controls.Attach(usbaudio.DefaultOutEntities, outState)
	a.controls.Attach(usbaudio.DefaultInEntities, inState)

	var err error
	a.out, err = usbaudio.NewOutStream(streamConfig(cfg, cfg.USB.HostToDevice), a.link, cfg.Intertile.HostToDevicePort,
		usbaudio.WithLogger(a.log),
		usbaudio.WithMetrics(a.metrics),
		usbaudio.WithControlState(outState),
	)
	if err != nil {
		return err
	}
	a.in, err = usbaudio.NewInStream(streamConfig(cfg, cfg.USB.DeviceToHost), a.link, cfg.Intertile.DeviceToHostPort,
		usbaudio.WithLogger(a.log),
		usbaudio.WithMetrics(a.metrics),
		usbaudio.WithControlState(inState),
	)
	return err
}

// initPipeline builds the DSP side: the source reading host→device frames,
// the configured stages, the optional WAV tap and the sink feeding the
// device→host stream.
func (a *App) initPipeline() error {
	cfg := a.cfg
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	a.pool = audio.NewFramePool(cfg.Audio.FrameAdvance, cfg.Audio.Channels)

	stages, names, err := a.registry.CreateStages(cfg.Pipeline.Stages, format)
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		stages = append(stages, dsp.Passthrough())
		names = append(names, dsp.NamePassthrough)
	}

	if cfg.Tap.Path != "" {
		a.tap, err = wavtap.Create(cfg.Tap.Path, format, tapBitDepth(cfg.USB.DeviceToHost.BitDepth))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, a.tap.Close)
		stages = append(stages, tapStage(a.tap, a.log))
		names = append(names, "tap")
		a.log.Info("wav tap enabled", "path", cfg.Tap.Path)
	}

	source := usbaudio.NewPipelineSource(a.link, cfg.Intertile.HostToDevicePort, a.out.Geometry(),
		cfg.USB.HostToDevice.Channels, a.pool, cfg.Intertile.RxTimeout, a.log)
	var sink audio.Sink = usbaudio.NewPipelineSink(a.link, cfg.Intertile.DeviceToHostPort, a.in.Geometry(),
		cfg.USB.DeviceToHost.Channels, a.log)

	if cfg.Monitor.Enabled {
		a.hub = monitor.NewHub(cfg.Monitor.Buffer, a.log, a.metrics)
		a.closers = append(a.closers, func() error { a.hub.Close(); return nil })
		next := sink
		sink = audio.SinkFunc(func(ctx context.Context, f *audio.Frame) audio.Disposition {
			a.hub.PublishFrame(f)
			return next.Accept(ctx, f)
		})
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		Name:       "bridge",
		Stages:     stages,
		StageNames: names,
		QueueDepth: cfg.Pipeline.QueueDepth,
		Source:     source,
		Sink:       sink,
		Releaser:   a.pool,
		Logger:     a.log,
		Metrics:    a.metrics,
	})
	return err
}

// initSimulator creates the in-process USB host when enabled.
func (a *App) initSimulator() error {
	cfg := a.cfg
	if !cfg.Simulator.Enabled {
		return nil
	}
	var err error
	a.sim, err = usbsim.New(usbsim.Config{
		TransfersPerSecond: cfg.USB.TransfersPerSecond,
		Channels:           cfg.USB.HostToDevice.Channels,
		USBRate:            cfg.USB.SampleRate,
		ToneHz:             cfg.Simulator.ToneHz,
		Amplitude:          cfg.Simulator.Amplitude,
		Logger:             a.log,
	}, a.out, a.in)
	return err
}

// initHTTP registers /metrics, the health endpoints and the monitor, and
// binds the listener.
func (a *App) initHTTP() error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler(a.gatherer))
	health.New(
		health.Running("pipeline", a.pipeline.Running),
		health.Streams(a.out, a.in),
	).WithStatus(func() any { return a.Status() }).Register(mux)
	if a.hub != nil {
		mux.Handle("GET "+a.cfg.Monitor.Path, a.hub)
	}

	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.ln = ln
	a.srv = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	a.closers = append(a.closers, func() error {
		if a.served.Load() {
			return a.srv.Close()
		}
		return a.ln.Close()
	})
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts both relays, the pipeline, the simulator when enabled and the
// HTTP server, and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("bridge running",
		"addr", a.Addr(),
		"stages", a.pipeline.StageNames(),
		"simulator", a.sim != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.out.Run(gctx) })
	g.Go(func() error { return a.in.Run(gctx) })
	g.Go(func() error { return a.pipeline.Run(gctx) })
	if a.sim != nil {
		g.Go(func() error { return a.sim.Run(gctx) })
	}
	g.Go(func() error { return a.serve(gctx) })
	return g.Wait()
}

// serve runs the HTTP server until ctx is done, then shuts it down.
func (a *App) serve(ctx context.Context) error {
	a.served.Store(true)
	errc := make(chan error, 1)
	go func() { errc <- a.srv.Serve(a.ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	// Hijacked websocket connections are not tracked by the server.
	if a.hub != nil {
		a.hub.Close()
	}
	sctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(sctx); err != nil {
		a.log.Warn("http shutdown error", "err", err)
	}
	return nil
}

// ─── Runtime ─────────────────────────────────────────────────────────────────

// Status is the body of GET /status.
type Status struct {
	Out            usbaudio.Status `json:"out"`
	In             usbaudio.Status `json:"in"`
	Pipeline       pipeline.Stats  `json:"pipeline"`
	Simulator      *usbsim.Stats   `json:"simulator,omitempty"`
	MonitorClients int             `json:"monitor_clients"`
	TapFrames      int64           `json:"tap_frames"`
}

// Status returns a snapshot of every subsystem.
func (a *App) Status() Status {
	st := Status{
		Out:      a.out.Status(),
		In:       a.in.Status(),
		Pipeline: a.pipeline.Stats(),
	}
	if a.sim != nil {
		s := a.sim.Stats()
		st.Simulator = &s
	}
	if a.hub != nil {
		st.MonitorClients = a.hub.Clients()
	}
	if a.tap != nil {
		st.TapFrames = a.tap.Frames()
	}
	return st
}

// ApplyConfig applies the hot-reloadable part of d: the log level and the
// simulator tone. Sections listed in d.RestartRequired are only logged.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SimulatorChanged && a.sim != nil {
		a.sim.SetTone(d.NewSimulator.ToneHz, d.NewSimulator.Amplitude)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// Addr returns the address the HTTP server listens on.
func (a *App) Addr() string { return a.ln.Addr().String() }

// Controls returns the UAC2 control plane a class driver forwards
// class-specific requests to.
func (a *App) Controls() *usbaudio.ControlPlane { return a.controls }

// Out returns the host→device adapter a class driver feeds OUT transfers to.
func (a *App) Out() *usbaudio.OutStream { return a.out }

// In returns the device→host adapter a class driver polls for IN transfers.
func (a *App) In() *usbaudio.InStream { return a.in }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. Call it after Run has
// returned. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.out.CloseInterface()
		a.in.CloseInterface()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil && !errors.Is(err, net.ErrClosed) {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete", "frames_outstanding", a.pool.Outstanding())
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// streamConfig combines the shared USB and pipeline settings with one
// direction's stream settings.
func streamConfig(cfg *config.Config, s config.StreamConfig) usbaudio.StreamConfig {
	return usbaudio.StreamConfig{
		Channels:           s.Channels,
		BitDepth:           s.BitDepth,
		USBRate:            cfg.USB.SampleRate,
		PipelineRate:       cfg.Audio.SampleRate,
		FrameAdvance:       cfg.Audio.FrameAdvance,
		TransfersPerSecond: cfg.USB.TransfersPerSecond,
		FIFOCapacity:       s.FIFOCapacity,
		TapsPerPhase:       cfg.USB.TapsPerPhase,
	}
}

// tapBitDepth records at the device→host resolution, or 16 bits when that
// is not a WAV-representable depth.
func tapBitDepth(bits int) int {
	switch bits {
	case 16, 24, 32:
		return bits
	}
	return 16
}

// tapStage writes every frame to rec. After the first write error the stage
// stops recording and passes frames through.
func tapStage(rec *wavtap.Recorder, log *slog.Logger) pipeline.Stage {
	failed := false
	return func(f *audio.Frame) {
		if failed {
			return
		}
		if err := rec.WriteFrame(f); err != nil {
			failed = true
			if !errors.Is(err, wavtap.ErrClosed) {
				log.Warn("wav tap stopped", "err", err)
			}
		}
	}
}
