package usbaudio

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/uacbridge/internal/intertile"
	"github.com/MrWong99/uacbridge/pkg/audio"
)

func TestPipelineSource_DecodesAndDownmixes(t *testing.T) {
	t.Parallel()
	link := intertile.NewLink(2)
	geo, _, err := fullRate().geometry(DirOut)
	if err != nil {
		t.Fatal(err)
	}
	pool := audio.NewFramePool(8, 1)
	src := NewPipelineSource(link, outPort, geo, 2, pool, 50*time.Millisecond, quietLogger())

	// Left 100, right 300 at every step averages to 200.
	v := make([]int16, 16)
	for i := range v {
		v[i] = 100
		if i%2 == 1 {
			v[i] = 300
		}
	}
	if err := link.Tx(context.Background(), outPort, pcm16(v...)); err != nil {
		t.Fatal(err)
	}
	f := src.Next(context.Background())
	if f == nil {
		t.Fatal("Next returned nil")
	}
	for i, s := range f.Samples {
		if s != 200<<16 {
			t.Fatalf("sample %d = %d, want %d", i, s, 200<<16)
		}
	}
	pool.Release(f)
}

func TestPipelineSource_SilenceOnTimeoutAndBadBlob(t *testing.T) {
	t.Parallel()
	link := intertile.NewLink(2)
	geo, _, _ := fullRate().geometry(DirOut)
	pool := audio.NewFramePool(8, 2)
	src := NewPipelineSource(link, outPort, geo, 2, pool, 5*time.Millisecond, quietLogger())

	f := src.Next(context.Background())
	if f == nil {
		t.Fatal("timeout produced nil, want a silence frame")
	}
	for _, s := range f.Samples {
		if s != 0 {
			t.Fatal("timeout frame not silent")
		}
	}
	pool.Release(f)

	_ = link.Tx(context.Background(), outPort, make([]byte, 7))
	f = src.Next(context.Background())
	if f == nil {
		t.Fatal("bad blob produced nil, want a silence frame")
	}
	pool.Release(f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if f := src.Next(ctx); f != nil {
		t.Error("Next after cancel returned a frame")
	}
	if n := pool.Outstanding(); n != 0 {
		t.Errorf("outstanding frames = %d, want 0", n)
	}
}

func TestPipelineSource_RxErrorKeepsCadence(t *testing.T) {
	t.Parallel()
	geo, _, _ := fullRate().geometry(DirOut)
	pool := audio.NewFramePool(8, 2)
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))
	const timeout = 10 * time.Millisecond
	src := NewPipelineSource(intertile.NewLink(2), -1, geo, 2, pool, timeout, log)

	for i := range 2 {
		start := time.Now()
		f := src.Next(context.Background())
		if f == nil {
			t.Fatalf("Next %d returned nil on a live context", i)
		}
		if d := time.Since(start); d < timeout {
			t.Errorf("Next %d returned after %v, want at least %v", i, d, timeout)
		}
		for _, v := range f.Samples {
			if v != 0 {
				t.Fatalf("Next %d frame not silent", i)
			}
		}
		pool.Release(f)
	}
	if n := strings.Count(logs.String(), "frame receive failed"); n != 1 {
		t.Errorf("logged receive failure %d times, want 1", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if f := src.Next(ctx); f != nil {
		t.Error("Next after cancel returned a frame")
	}
}

func TestPipelineSink_UpmixesAndDeclines(t *testing.T) {
	t.Parallel()
	link := intertile.NewLink(2)
	geo, _, _ := fullRate().geometry(DirIn)
	sink := NewPipelineSink(link, inPort, geo, 2, quietLogger())

	f := audio.NewFrame(8, 1)
	for i := range f.Samples {
		f.Samples[i] = int32(i+1) << 16
	}
	if d := sink.Accept(context.Background(), f); d != audio.Declined {
		t.Errorf("disposition = %v, want declined", d)
	}
	blob, err := link.Rx(context.Background(), inPort, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) != geo.FrameBytes {
		t.Fatalf("blob = %d bytes, want %d", len(blob), geo.FrameBytes)
	}
	got := make([]int32, geo.FrameSamples)
	audio.Unpack(got, blob, geo.Subslot)
	for step := range 8 {
		want := int32(step+1) << 16
		if got[2*step] != want || got[2*step+1] != want {
			t.Fatalf("step %d = (%d, %d), want %d on both channels", step, got[2*step], got[2*step+1], want)
		}
	}
}
