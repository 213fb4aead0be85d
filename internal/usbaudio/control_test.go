package usbaudio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"slices"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPlane(t *testing.T) (*ControlPlane, *ControlState, *ControlState) {
	t.Helper()
	p := NewControlPlane(48000, DefaultClockID, quietLogger(), nil)
	out := NewControlState(2)
	in := NewControlState(1)
	p.Attach(DefaultOutEntities, out)
	p.Attach(DefaultInEntities, in)
	return p, out, in
}

func TestControlPlane_Clock(t *testing.T) {
	t.Parallel()
	p, _, _ := newPlane(t)

	cur, err := p.HandleGet(Request{Code: RequestCur, Entity: DefaultClockID, Selector: SelectorSampleFreq})
	if err != nil {
		t.Fatalf("GET CUR sample freq: %v", err)
	}
	if len(cur) != 4 || binary.LittleEndian.Uint32(cur) != 48000 {
		t.Errorf("sample freq CUR = %v, want 48000 in 4 bytes", cur)
	}

	rng, err := p.HandleGet(Request{Code: RequestRange, Entity: DefaultClockID, Selector: SelectorSampleFreq})
	if err != nil {
		t.Fatalf("GET RANGE sample freq: %v", err)
	}
	want := []byte{1, 0, 0x80, 0xbb, 0, 0, 0x80, 0xbb, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(rng, want) {
		t.Errorf("sample freq RANGE = %v, want %v", rng, want)
	}

	short, err := p.HandleGet(Request{Code: RequestRange, Entity: DefaultClockID, Selector: SelectorSampleFreq, Length: 2})
	if err != nil {
		t.Fatalf("short RANGE: %v", err)
	}
	if !bytes.Equal(short, []byte{1, 0}) {
		t.Errorf("truncated RANGE = %v, want [1 0]", short)
	}

	valid, err := p.HandleGet(Request{Code: RequestCur, Entity: DefaultClockID, Selector: SelectorClockValid})
	if err != nil || !bytes.Equal(valid, []byte{1}) {
		t.Errorf("clock valid = %v, %v; want [1]", valid, err)
	}
}

func TestControlPlane_TerminalCluster(t *testing.T) {
	t.Parallel()
	p, _, _ := newPlane(t)
	for _, tc := range []struct {
		entity uint8
		want   byte
	}{
		{DefaultOutEntities.InputTerminal, 2},
		{DefaultOutEntities.OutputTerminal, 2},
		{DefaultInEntities.InputTerminal, 1},
	} {
		b, err := p.HandleGet(Request{Code: RequestCur, Entity: tc.entity, Selector: SelectorConnector})
		if err != nil {
			t.Fatalf("entity %#x: %v", tc.entity, err)
		}
		if len(b) != 6 || b[0] != tc.want {
			t.Errorf("entity %#x cluster = %v, want %d channels in 6 bytes", tc.entity, b, tc.want)
		}
	}
}

func TestControlPlane_MuteAndVolume(t *testing.T) {
	t.Parallel()
	p, out, _ := newPlane(t)
	fu := DefaultOutEntities.FeatureUnit

	if err := p.HandleSet(Request{Code: RequestCur, Entity: fu, Selector: SelectorMute, Channel: 1, Length: 1}, []byte{1}); err != nil {
		t.Fatalf("SET mute: %v", err)
	}
	if m, _ := out.Mute(1); !m {
		t.Error("channel 1 not muted after SET")
	}
	b, err := p.HandleGet(Request{Code: RequestCur, Entity: fu, Selector: SelectorMute, Channel: 1})
	if err != nil || !bytes.Equal(b, []byte{1}) {
		t.Errorf("GET mute = %v, %v; want [1]", b, err)
	}

	vol := make([]byte, 2)
	minus6 := int16(-6 * 256)
	binary.LittleEndian.PutUint16(vol, uint16(minus6))
	if err := p.HandleSet(Request{Code: RequestCur, Entity: fu, Selector: SelectorVolume, Channel: 0, Length: 2}, vol); err != nil {
		t.Fatalf("SET volume: %v", err)
	}
	b, err = p.HandleGet(Request{Code: RequestCur, Entity: fu, Selector: SelectorVolume, Channel: 0})
	if err != nil || !bytes.Equal(b, vol) {
		t.Errorf("GET volume = %v, %v; want %v", b, err, vol)
	}

	rng, err := p.HandleGet(Request{Code: RequestRange, Entity: fu, Selector: SelectorVolume, Channel: 2})
	if err != nil {
		t.Fatalf("GET volume RANGE: %v", err)
	}
	if len(rng) != 8 {
		t.Fatalf("volume RANGE length = %d, want 8", len(rng))
	}
	if n := binary.LittleEndian.Uint16(rng); n != 1 {
		t.Errorf("sub-range count = %d, want 1", n)
	}
	if lo := int16(binary.LittleEndian.Uint16(rng[2:])); lo != VolumeMin {
		t.Errorf("min = %d, want %d", lo, VolumeMin)
	}
	if hi := int16(binary.LittleEndian.Uint16(rng[4:])); hi != VolumeMax {
		t.Errorf("max = %d, want %d", hi, VolumeMax)
	}
	if res := int16(binary.LittleEndian.Uint16(rng[6:])); res != VolumeRes {
		t.Errorf("res = %d, want %d", res, VolumeRes)
	}
}

func TestControlPlane_NotHandled(t *testing.T) {
	t.Parallel()
	p, _, _ := newPlane(t)
	fu := DefaultOutEntities.FeatureUnit

	gets := []struct {
		name string
		req  Request
	}{
		{"unknown entity", Request{Code: RequestCur, Entity: 0x7f, Selector: SelectorMute}},
		{"clock unknown selector", Request{Code: RequestCur, Entity: DefaultClockID, Selector: 0x09}},
		{"clock valid range", Request{Code: RequestRange, Entity: DefaultClockID, Selector: SelectorClockValid}},
		{"terminal range", Request{Code: RequestRange, Entity: DefaultOutEntities.InputTerminal, Selector: SelectorConnector}},
		{"feature channel out of range", Request{Code: RequestCur, Entity: fu, Selector: SelectorMute, Channel: 3}},
		{"volume range channel out of range", Request{Code: RequestRange, Entity: fu, Selector: SelectorVolume, Channel: 3}},
		{"mute range", Request{Code: RequestRange, Entity: fu, Selector: SelectorMute}},
		{"unknown feature selector", Request{Code: RequestCur, Entity: fu, Selector: 0x0a}},
	}
	for _, tt := range gets {
		if _, err := p.HandleGet(tt.req); !errors.Is(err, ErrRequestNotHandled) {
			t.Errorf("GET %s: err = %v, want ErrRequestNotHandled", tt.name, err)
		}
	}

	sets := []struct {
		name string
		req  Request
		data []byte
	}{
		{"range code", Request{Code: RequestRange, Entity: fu, Selector: SelectorVolume, Length: 2}, []byte{0, 0}},
		{"length mismatch", Request{Code: RequestCur, Entity: fu, Selector: SelectorVolume, Length: 2}, []byte{0}},
		{"wrong mute length", Request{Code: RequestCur, Entity: fu, Selector: SelectorMute, Length: 2}, []byte{0, 0}},
		{"clock", Request{Code: RequestCur, Entity: DefaultClockID, Selector: SelectorSampleFreq, Length: 4}, []byte{0, 0, 0, 0}},
		{"terminal", Request{Code: RequestCur, Entity: DefaultOutEntities.InputTerminal, Selector: SelectorConnector, Length: 1}, []byte{0}},
		{"channel out of range", Request{Code: RequestCur, Entity: fu, Selector: SelectorMute, Channel: 3, Length: 1}, []byte{1}},
	}
	for _, tt := range sets {
		if err := p.HandleSet(tt.req, tt.data); !errors.Is(err, ErrRequestNotHandled) {
			t.Errorf("SET %s: err = %v, want ErrRequestNotHandled", tt.name, err)
		}
	}
}

func TestControlState_VolumeClamped(t *testing.T) {
	t.Parallel()
	s := NewControlState(1)
	if err := s.SetVolume(1, math.MaxInt16); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Volume(1); v != VolumeMax {
		t.Errorf("volume = %d, want clamp to %d", v, VolumeMax)
	}
	if err := s.SetVolume(1, math.MinInt16); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Volume(1); v != VolumeMin {
		t.Errorf("volume = %d, want clamp to %d", v, VolumeMin)
	}
}

func TestControlState_Apply(t *testing.T) {
	t.Parallel()
	const x = int32(1 << 28)

	s := NewControlState(2)
	samples := []int32{x, -x, x, -x}
	s.apply(samples)
	if !slices.Equal(samples, []int32{x, -x, x, -x}) {
		t.Errorf("unity gain changed samples: %v", samples)
	}

	_ = s.SetMute(2, true)
	samples = []int32{x, x, x, x}
	s.apply(samples)
	if !slices.Equal(samples, []int32{x, 0, x, 0}) {
		t.Errorf("channel 2 mute: %v", samples)
	}

	_ = s.SetMute(2, false)
	_ = s.SetVolume(0, -6*256)
	_ = s.SetVolume(1, -6*256)
	samples = []int32{x, x}
	s.apply(samples)
	want1 := float64(x) * math.Pow(10, -12.0/20)
	want2 := float64(x) * math.Pow(10, -6.0/20)
	if d := math.Abs(float64(samples[0]) - want1); d > float64(x)/(1<<15) {
		t.Errorf("channel 1 = %d, want about %.0f (master plus channel)", samples[0], want1)
	}
	if d := math.Abs(float64(samples[1]) - want2); d > float64(x)/(1<<15) {
		t.Errorf("channel 2 = %d, want about %.0f (master only)", samples[1], want2)
	}

	_ = s.SetMute(0, true)
	samples = []int32{x, x}
	s.apply(samples)
	if !slices.Equal(samples, []int32{0, 0}) {
		t.Errorf("master mute: %v", samples)
	}
}

func TestControlState_ApplySaturates(t *testing.T) {
	t.Parallel()
	s := NewControlState(1)
	_ = s.SetVolume(1, 12*256)
	samples := []int32{math.MaxInt32, math.MinInt32}
	s.apply(samples)
	if samples[0] != math.MaxInt32 || samples[1] != math.MinInt32 {
		t.Errorf("boosted full scale = %v, want saturation", samples)
	}
}
