package src

import "fmt"

// Decimator reduces the sample rate by the coefficient ratio N.
//
// Input samples are fed one at a time with their position within the current
// block of N frames; each position has its own delay line and coefficient
// branch, and the branch products are summed into a running 64-bit
// accumulator. The block's output is produced when position N-1 arrives.
type Decimator struct {
	coef     *Coefficients
	channels int
	state    []decimState
}

type decimState struct {
	lines [][]int32 // [position][tap], circular, newest at head
	head  int
	phase int
	acc   int64
}

// NewDecimator returns a decimator for interleaved audio with the given
// number of channels.
func NewDecimator(c *Coefficients, channels int) (*Decimator, error) {
	if c == nil {
		return nil, fmt.Errorf("src: nil coefficients")
	}
	if channels < 1 {
		return nil, fmt.Errorf("src: channels %d must be positive", channels)
	}
	d := &Decimator{coef: c, channels: channels, state: make([]decimState, channels)}
	for ch := range d.state {
		lines := make([][]int32, c.ratio)
		for i := range lines {
			lines[i] = make([]int32, c.taps)
		}
		d.state[ch].lines = lines
	}
	return d, nil
}

// Ratio returns N.
func (d *Decimator) Ratio() int { return d.coef.ratio }

// Channels returns the interleaved channel count.
func (d *Decimator) Channels() int { return d.channels }

// Pending returns how many input frames have been consumed toward the next
// output frame.
func (d *Decimator) Pending() int { return d.state[0].phase }

// AddSample feeds one sample x for channel ch at the decimator's current
// block position. It returns the output sample and true when x completed a
// block of N.
func (d *Decimator) AddSample(ch int, x int32) (int32, bool) {
	s := &d.state[ch]
	t := d.coef.taps
	if s.phase == 0 {
		s.head = (s.head + t - 1) % t
		s.acc = 0
	}
	line := s.lines[s.phase]
	line[s.head] = x
	coef := d.coef.decimPhase[s.phase]
	acc := s.acc
	idx := s.head
	for j := range t {
		acc += int64(coef[j]) * int64(line[idx])
		idx++
		if idx == t {
			idx = 0
		}
	}
	s.acc = acc
	s.phase++
	if s.phase < d.coef.ratio {
		return 0, false
	}
	s.phase = 0
	return round(acc), true
}

// Process decimates the interleaved frames in src into dst and returns the
// number of frames written. src need not be a multiple of N frames: partial
// blocks carry over to the next call. dst must have room for
// (Pending()+frames(src))/N frames.
func (d *Decimator) Process(dst, src []int32) int {
	frames := len(src) / d.channels
	out := 0
	for f := range frames {
		done := false
		for ch := range d.channels {
			if y, ok := d.AddSample(ch, src[f*d.channels+ch]); ok {
				dst[out*d.channels+ch] = y
				done = true
			}
		}
		if done {
			out++
		}
	}
	return out
}

// Reset clears every delay line and restarts at block position 0.
func (d *Decimator) Reset() {
	for ch := range d.state {
		s := &d.state[ch]
		for _, l := range s.lines {
			clear(l)
		}
		s.head, s.phase, s.acc = 0, 0, 0
	}
}
