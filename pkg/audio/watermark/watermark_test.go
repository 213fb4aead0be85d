package watermark_test

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/uacbridge/pkg/audio/fifo"
	"github.com/MrWong99/uacbridge/pkg/audio/watermark"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, capacity, low int, opts ...watermark.Option) *watermark.Controller {
	t.Helper()
	f, err := fifo.New(capacity, 2, 0)
	if err != nil {
		t.Fatalf("fifo.New: %v", err)
	}
	opts = append([]watermark.Option{watermark.WithLogger(quietLogger())}, opts...)
	c, err := watermark.New(f, low, opts...)
	if err != nil {
		t.Fatalf("watermark.New: %v", err)
	}
	return c
}

func ones(n int) []byte { return bytes.Repeat([]byte{1}, n*2) }

func TestNew_ThresholdBounds(t *testing.T) {
	t.Parallel()
	f, _ := fifo.New(8, 2, 0)
	for _, low := range []int{0, 8, 9, -1} {
		if _, err := watermark.New(f, low); err == nil {
			t.Errorf("New(low=%d) succeeded, want error", low)
		}
	}
	if _, err := watermark.New(nil, 2); err == nil {
		t.Error("New(nil fifo) succeeded")
	}
}

func TestFillingToReady(t *testing.T) {
	t.Parallel()
	c := newController(t, 16, 6)
	if got := c.State(); got != watermark.Reset {
		t.Fatalf("initial state = %v, want reset", got)
	}
	c.Open()
	if got := c.State(); got != watermark.Filling {
		t.Fatalf("after Open = %v, want filling", got)
	}

	out := make([]byte, 8)
	if err := c.Pop(out, 4); !errors.Is(err, watermark.ErrNotReady) {
		t.Fatalf("Pop while filling = %v, want ErrNotReady", err)
	}

	_ = c.Push(ones(4), 4)
	if got := c.State(); got != watermark.Filling {
		t.Fatalf("fill 4 state = %v, want filling", got)
	}
	_ = c.Push(ones(2), 2)
	if got := c.State(); got != watermark.Ready {
		t.Fatalf("fill 6 state = %v, want ready", got)
	}
	if err := c.Pop(out, 4); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if !bytes.Equal(out, ones(4)) {
		t.Errorf("Pop data = %v", out)
	}
}

func TestPopExactlyEmpties(t *testing.T) {
	t.Parallel()
	c := newController(t, 16, 4)
	c.Open()
	_ = c.Push(ones(4), 4)
	if err := c.Pop(make([]byte, 8), 4); err != nil {
		t.Fatalf("Pop to empty: %v", err)
	}
	if c.Fill() != 0 || c.State() != watermark.Ready {
		t.Errorf("fill=%d state=%v, want 0 ready", c.Fill(), c.State())
	}
}

func TestUnderrun_SilenceAndStaysReady(t *testing.T) {
	t.Parallel()
	c := newController(t, 16, 4)
	c.Open()
	_ = c.Push(ones(4), 4)

	out := bytes.Repeat([]byte{0xff}, 12)
	if err := c.Pop(out, 6); !errors.Is(err, watermark.ErrUnderrun) {
		t.Fatalf("Pop = %v, want ErrUnderrun", err)
	}
	if !bytes.Equal(out, make([]byte, 12)) {
		t.Errorf("underrun output not silent: %v", out)
	}
	if got := c.State(); got != watermark.Ready {
		t.Errorf("state after underrun = %v, want ready", got)
	}
	if got := c.Fill(); got != 4 {
		t.Errorf("fill after underrun = %d, want 4", got)
	}
	_ = c.Pop(out, 6)
	if got := c.Stats().Underruns; got != 2 {
		t.Errorf("Underruns = %d, want 2", got)
	}
}

func TestOverflow_ResetsAndRearms(t *testing.T) {
	t.Parallel()
	var resets atomic.Int32
	c := newController(t, 8, 3)
	c.OnReset(func() { resets.Add(1) })
	c.Open()

	_ = c.Push(ones(6), 6)
	if err := c.Push(ones(4), 4); !errors.Is(err, fifo.ErrFull) {
		t.Fatalf("overflowing Push = %v, want ErrFull", err)
	}
	if got := c.State(); got != watermark.Reset {
		t.Fatalf("state after overflow = %v, want reset", got)
	}
	if got := c.Fill(); got != 0 {
		t.Fatalf("fill after overflow = %d, want 0", got)
	}
	if resets.Load() != 1 {
		t.Errorf("reset hook calls = %d, want 1", resets.Load())
	}

	_ = c.Push(ones(2), 2)
	if got := c.State(); got != watermark.Filling {
		t.Errorf("state after re-arm push = %v, want filling", got)
	}
	if got := c.Stats().Overflows; got != 1 {
		t.Errorf("Overflows = %d, want 1", got)
	}
}

func TestClose_ForcesResetIdempotent(t *testing.T) {
	t.Parallel()
	c := newController(t, 16, 4)
	c.Open()
	_ = c.Push(ones(8), 8)
	c.Close()
	if c.State() != watermark.Reset || c.Fill() != 0 {
		t.Fatalf("after Close: state=%v fill=%d", c.State(), c.Fill())
	}
	c.Close()
	if c.State() != watermark.Reset || c.IsOpen() {
		t.Fatalf("after second Close: state=%v open=%v", c.State(), c.IsOpen())
	}
	if err := c.Push(ones(1), 1); !errors.Is(err, watermark.ErrClosed) {
		t.Errorf("Push while closed = %v, want ErrClosed", err)
	}
}

func TestTransitionHook(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var seen []string
	c := newController(t, 16, 2, watermark.WithTransitionHook(func(from, to watermark.State) {
		mu.Lock()
		seen = append(seen, from.String()+">"+to.String())
		mu.Unlock()
	}))
	c.Open()
	_ = c.Push(ones(2), 2)
	c.Close()

	want := []string{"reset>filling", "filling>ready", "ready>reset"}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, seen[i], want[i])
		}
	}
}

// TestConcurrentCloseDuringStreaming exercises the lock that serializes reset
// against push/pop; run with -race.
func TestConcurrentCloseDuringStreaming(t *testing.T) {
	t.Parallel()
	c := newController(t, 64, 8)
	c.Open()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(3)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = c.Push(ones(4), 4)
			}
		}
	}()
	go func() {
		defer wg.Done()
		out := make([]byte, 8)
		for {
			select {
			case <-stop:
				return
			default:
				_ = c.Pop(out, 4)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			c.Close()
			c.Open()
		}
	}()
	for range 1000 {
		if f := c.Fill(); f < 0 || f >= c.Capacity() {
			t.Errorf("fill %d out of range", f)
		}
	}
	close(stop)
	wg.Wait()
}

func TestStateString(t *testing.T) {
	t.Parallel()
	if got := watermark.State(7).String(); got != "state(7)" {
		t.Errorf("String() = %q", got)
	}
}
