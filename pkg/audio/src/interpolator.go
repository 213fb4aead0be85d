package src

import "fmt"

// Interpolator raises the sample rate by the coefficient ratio N.
//
// Each input sample enters a per-channel delay line; the N outputs for that
// input are produced by the N polyphase branches of the prototype, the first
// by [Interpolator.InputSample] and the rest by [Interpolator.NextSample].
type Interpolator struct {
	coef     *Coefficients
	channels int
	state    []interpState
}

type interpState struct {
	line  []int32 // circular, newest at head
	head  int
	phase int
}

// NewInterpolator returns an interpolator for interleaved audio with the
// given number of channels.
func NewInterpolator(c *Coefficients, channels int) (*Interpolator, error) {
	if c == nil {
		return nil, fmt.Errorf("src: nil coefficients")
	}
	if channels < 1 {
		return nil, fmt.Errorf("src: channels %d must be positive", channels)
	}
	p := &Interpolator{coef: c, channels: channels, state: make([]interpState, channels)}
	for ch := range p.state {
		p.state[ch].line = make([]int32, c.taps)
	}
	return p, nil
}

// Ratio returns N.
func (p *Interpolator) Ratio() int { return p.coef.ratio }

// Channels returns the interleaved channel count.
func (p *Interpolator) Channels() int { return p.channels }

// InputSample pushes x into channel ch's delay line and returns the first of
// the N output samples it produces.
func (p *Interpolator) InputSample(ch int, x int32) int32 {
	s := &p.state[ch]
	t := p.coef.taps
	s.head = (s.head + t - 1) % t
	s.line[s.head] = x
	s.phase = 0
	return p.branch(s, 0)
}

// NextSample returns the next of the remaining N-1 outputs for the most
// recent input on channel ch. Calling it more than N-1 times per input
// wraps around to phase 0 again.
func (p *Interpolator) NextSample(ch int) int32 {
	s := &p.state[ch]
	s.phase = (s.phase + 1) % p.coef.ratio
	return p.branch(s, s.phase)
}

func (p *Interpolator) branch(s *interpState, r int) int32 {
	coef := p.coef.interpPhase[r]
	t := p.coef.taps
	var acc int64
	idx := s.head
	for j := range t {
		acc += int64(coef[j]) * int64(s.line[idx])
		idx++
		if idx == t {
			idx = 0
		}
	}
	return round(acc)
}

// Process interpolates the interleaved frames in src into dst and returns the
// number of frames written, N per input frame. dst must have room for
// N*frames(src) frames.
func (p *Interpolator) Process(dst, src []int32) int {
	n := p.coef.ratio
	c := p.channels
	frames := len(src) / c
	for f := range frames {
		base := f * n
		for ch := range c {
			dst[base*c+ch] = p.InputSample(ch, src[f*c+ch])
			for r := 1; r < n; r++ {
				dst[(base+r)*c+ch] = p.NextSample(ch)
			}
		}
	}
	return frames * n
}

// Reset clears every delay line.
func (p *Interpolator) Reset() {
	for ch := range p.state {
		clear(p.state[ch].line)
		p.state[ch].head = 0
		p.state[ch].phase = 0
	}
}
