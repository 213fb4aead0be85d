package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-audio/wav"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/uacbridge/internal/app"
	"github.com/MrWong99/uacbridge/internal/config"
	"github.com/MrWong99/uacbridge/internal/monitor"
	"github.com/MrWong99/uacbridge/internal/observe"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// testConfig returns a validated config running the simulator on a free
// local port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server:    config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Simulator: config.SimulatorConfig{Enabled: true},
		Pipeline: config.PipelineConfig{Stages: []config.StageEntry{
			{Name: "dc_block"},
			{Name: "gain", Options: map[string]any{"db": -6.0}},
		}},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithLogger(quietLogger()), app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// start runs a until the test ends and returns a function that stops it
// and reports Run's error.
func start(t *testing.T, a *app.App) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	stopped := false
	stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if serr := a.Shutdown(sctx); serr != nil {
				return serr
			}
			return err
		case <-time.After(5 * time.Second):
			return errors.New("Run did not return after cancel")
		}
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func getStatus(t *testing.T, addr string) app.Status {
	t.Helper()
	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	var st app.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	return st
}

func TestApp_SimulatedRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a := newApp(t, cfg)
	stop := start(t, a)
	addr := a.Addr()

	waitFor(t, "both streams ready", func() bool {
		st := getStatus(t, addr)
		return st.Out.Open && st.In.Open && st.In.State == "ready" &&
			st.Simulator != nil && st.Simulator.Received > 0
	})

	resp, err := http.Get("http://" + addr + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", resp.StatusCode)
	}

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, resp.StatusCode)
		}
	}

	st := getStatus(t, addr)
	if st.Out.Violations != 0 || st.In.Violations != 0 {
		t.Errorf("violations out=%d in=%d, want 0", st.Out.Violations, st.In.Violations)
	}
	if len(st.Pipeline.Processed) != 2 {
		t.Errorf("processed has %d stages, want 2", len(st.Pipeline.Processed))
	}

	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Out().IsOpen() || a.In().IsOpen() {
		t.Error("interfaces still open after shutdown")
	}
}

func TestApp_MonitorAndTap(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Monitor.Enabled = true
	cfg.Tap.Path = filepath.Join(t.TempDir(), "out.wav")

	a := newApp(t, cfg)
	stop := start(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+a.Addr()+cfg.Monitor.Path, nil)
	if err != nil {
		t.Fatalf("dial monitor: %v", err)
	}
	defer conn.CloseNow()

	typ, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read monitor: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Errorf("message type = %v, want binary", typ)
	}
	_, samples, ok := monitor.Decode(msg)
	if !ok {
		t.Fatal("monitor message did not decode")
	}
	if want := cfg.Audio.FrameAdvance * cfg.Audio.Channels; len(samples) != want {
		t.Errorf("samples = %d, want %d", len(samples), want)
	}

	waitFor(t, "tap frames", func() bool { return a.Status().TapFrames > 0 })
	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	f, err := os.Open(cfg.Tap.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("tap is not a valid WAV file")
	}
	if int(dec.SampleRate) != cfg.Audio.SampleRate || int(dec.NumChans) != cfg.Audio.Channels {
		t.Errorf("tap format = %d Hz %d ch, want %d Hz %d ch",
			dec.SampleRate, dec.NumChans, cfg.Audio.SampleRate, cfg.Audio.Channels)
	}
	if int(dec.BitDepth) != cfg.USB.DeviceToHost.BitDepth {
		t.Errorf("tap bit depth = %d, want %d", dec.BitDepth, cfg.USB.DeviceToHost.BitDepth)
	}
}

func TestApp_WithoutSimulator(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Simulator.Enabled = false
	a := newApp(t, cfg)
	stop := start(t, a)

	waitFor(t, "pipeline running", func() bool {
		resp, err := http.Get("http://" + a.Addr() + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	st := a.Status()
	if st.Out.Open || st.In.Open {
		t.Error("interfaces open without a host")
	}
	if st.Simulator != nil {
		t.Error("simulator stats reported without a simulator")
	}
	if err := stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var level slog.LevelVar
	a := newApp(t, cfg, app.WithLevelVar(&level))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	next := *cfg
	next.Server.LogLevel = config.LogDebug
	next.Simulator.ToneHz = 1000
	next.USB.TransfersPerSecond = 1000

	d := config.Diff(cfg, &next)
	a.ApplyConfig(d)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "usb" {
		t.Errorf("RestartRequired = %v, want [usb]", d.RestartRequired)
	}
}

func TestApp_ControlPlaneReachesStreams(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if err := a.Out().Controls().SetMute(0, true); err != nil {
		t.Fatal(err)
	}
	muted, err := a.Out().Controls().Mute(0)
	if err != nil || !muted {
		t.Fatalf("Mute(0) = %v, %v; want true, nil", muted, err)
	}
	if a.Controls() == nil {
		t.Fatal("control plane is nil")
	}
}

func TestNew_UnknownStage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Pipeline.Stages = []config.StageEntry{{Name: "reverb"}}
	_, err := app.New(context.Background(), cfg, app.WithLogger(quietLogger()), app.WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrStageNotRegistered) {
		t.Fatalf("err = %v, want ErrStageNotRegistered", err)
	}
}

func TestNew_AddressInUse(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig(t)
	cfg.Server.ListenAddr = ln.Addr().String()
	if _, err := app.New(context.Background(), cfg, app.WithLogger(quietLogger()), app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("New succeeded on a bound address")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(t))
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}

func TestNew_DefaultTelemetry(t *testing.T) {
	// InitProvider replaces the global providers.
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	a, err := app.New(context.Background(), testConfig(t), app.WithLogger(quietLogger()), app.WithVersion("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, a)
	addr := a.Addr()

	waitFor(t, "first transfers", func() bool {
		return getStatus(t, addr).Simulator.Received > 0
	})

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", resp.StatusCode)
	}
	for _, want := range []string{"uacbridge_usb_transfers", `service_version="test"`} {
		if !strings.Contains(string(body), want) {
			t.Errorf("/metrics missing %s", want)
		}
	}
}
