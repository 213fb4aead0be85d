package usbsim

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/uacbridge/internal/intertile"
	"github.com/MrWong99/uacbridge/internal/usbaudio"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func streamConfig() usbaudio.StreamConfig {
	return usbaudio.StreamConfig{
		Channels:           1,
		BitDepth:           16,
		USBRate:            48000,
		PipelineRate:       48000,
		FrameAdvance:       48,
		TransfersPerSecond: 1000,
	}
}

func TestSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tps     int
		period  time.Duration
		perTick int
	}{
		{1000, time.Millisecond, 1},
		{500, 2 * time.Millisecond, 1},
		{8000, time.Millisecond, 8},
	}
	for _, tt := range tests {
		p, n := schedule(tt.tps)
		if p != tt.period || n != tt.perTick {
			t.Errorf("schedule(%d) = %v, %d; want %v, %d", tt.tps, p, n, tt.period, tt.perTick)
		}
	}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{TransfersPerSecond: 1000, USBRate: 48000, Channels: 1}, nil, nil); err == nil {
		t.Error("New without out stream succeeded")
	}
	link := intertile.NewLink(1)
	out, err := usbaudio.NewOutStream(streamConfig(), link, 1, usbaudio.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{USBRate: 48000, Channels: 1}, out, nil); err == nil {
		t.Error("New with zero transfer rate succeeded")
	}
}

func TestHost_ToneReachesCapture(t *testing.T) {
	t.Parallel()
	link := intertile.NewLink(4)
	opts := []usbaudio.Option{usbaudio.WithLogger(quietLogger())}
	out, err := usbaudio.NewOutStream(streamConfig(), link, 1, opts...)
	if err != nil {
		t.Fatal(err)
	}
	in, err := usbaudio.NewInStream(streamConfig(), link, 2, opts...)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var peak int16
	h, err := New(Config{
		TransfersPerSecond: 1000,
		Channels:           1,
		USBRate:            48000,
		ToneHz:             1000,
		Amplitude:          0.5,
		Logger:             quietLogger(),
		OnCapture: func(p []byte) {
			mu.Lock()
			defer mu.Unlock()
			for i := 0; i+1 < len(p); i += 2 {
				peak = max(peak, int16(binary.LittleEndian.Uint16(p[i:])))
			}
		},
	}, out, in)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); _ = out.Run(ctx) }()
	go func() { defer wg.Done(); _ = in.Run(ctx) }()
	go func() {
		defer wg.Done()
		// Loop host→device frames straight back to the device→host path.
		for {
			blob, err := link.Rx(ctx, 1, -1)
			if err != nil {
				return
			}
			if err := link.Tx(ctx, 2, blob); err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	out.SetInterface(1)
	in.SetInterface(1)
	for range 100 {
		h.Step()
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	got := peak
	mu.Unlock()
	// Half scale is 16383; the sine's sampled peak at 1 kHz/48 kHz is exact.
	if got < 16000 || got > 16384 {
		t.Errorf("captured peak = %d, want about 16383", got)
	}
	st := h.Stats()
	if st.Sent == 0 || st.Received != 100 || st.Errors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestHost_RunOpensAndClosesInterfaces(t *testing.T) {
	t.Parallel()
	link := intertile.NewLink(4)
	out, err := usbaudio.NewOutStream(streamConfig(), link, 1, usbaudio.WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	h, err := New(Config{TransfersPerSecond: 1000, Channels: 1, USBRate: 48000, ToneHz: 440, Amplitude: 0.1, Logger: quietLogger()}, out, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Sent+h.Stats().Overflows < 5 {
		if time.Now().After(deadline) {
			t.Fatal("simulator did not send transfers")
		}
		time.Sleep(time.Millisecond)
	}
	if !out.IsOpen() {
		t.Error("out interface not open while running")
	}
	h.SetTone(880, 0.2)
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
	if out.IsOpen() {
		t.Error("out interface still open after Run returned")
	}
}
