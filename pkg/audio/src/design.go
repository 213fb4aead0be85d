// Package src converts between two sample rates related by an integer factor
// using polyphase FIR filters in Q1.30 fixed point.
//
// A [Decimator] turns N input frames into one output frame; an
// [Interpolator] turns one input frame into N output frames. Both share a
// low-pass prototype built once by [Design]. Filter state is kept per
// channel, and neither type performs I/O or allocates after construction.
package src

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/uacbridge/pkg/audio"
)

// Q is the number of fractional bits in coefficients.
const Q = 30

const (
	one  = int64(1) << Q
	half = int64(1) << (Q - 1)

	// cutoffFraction places the prototype cutoff just below the low-rate
	// Nyquist frequency to leave a transition band.
	cutoffFraction = 0.9
)

// DefaultTapsPerPhase is the per-phase filter length used when none is given.
const DefaultTapsPerPhase = 32

// ErrRatio is returned for conversion ratios that cannot be built.
var ErrRatio = errors.New("src: ratio must be at least 2")

// Coefficients holds the quantized tables for one conversion ratio.
// The tables are immutable once built and may be shared between converters.
type Coefficients struct {
	ratio int
	taps  int

	// decim is the direct-form decimation prototype; its taps sum to
	// exactly 1<<Q.
	decim []int32

	// interp is the direct-form interpolation prototype scaled by ratio;
	// each polyphase branch sums to exactly 1<<Q.
	interp []int32

	decimPhase  [][]int32 // [input position][tap]
	interpPhase [][]int32 // [output phase][tap]
}

// Design builds Blackman-windowed sinc low-pass tables of ratio*tapsPerPhase
// taps for conversion by ratio. A tapsPerPhase of zero selects
// [DefaultTapsPerPhase].
func Design(ratio, tapsPerPhase int) (*Coefficients, error) {
	if ratio < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrRatio, ratio)
	}
	if tapsPerPhase == 0 {
		tapsPerPhase = DefaultTapsPerPhase
	}
	if tapsPerPhase < 1 {
		return nil, fmt.Errorf("src: taps per phase %d must be positive", tapsPerPhase)
	}

	n := ratio * tapsPerPhase
	proto := prototype(n, cutoffFraction*0.5/float64(ratio))

	c := &Coefficients{
		ratio:  ratio,
		taps:   tapsPerPhase,
		decim:  quantize(proto),
		interp: make([]int32, n),
	}

	// Each interpolation branch r uses taps r, r+N, r+2N, ...
	branch := make([]float64, tapsPerPhase)
	for r := range ratio {
		for j := range tapsPerPhase {
			branch[j] = proto[j*ratio+r]
		}
		q := quantize(branch)
		for j := range tapsPerPhase {
			c.interp[j*ratio+r] = q[j]
		}
	}

	c.decimPhase = make([][]int32, ratio)
	c.interpPhase = make([][]int32, ratio)
	for i := range ratio {
		dp := make([]int32, tapsPerPhase)
		ip := make([]int32, tapsPerPhase)
		for j := range tapsPerPhase {
			dp[j] = c.decim[j*ratio+ratio-1-i]
			ip[j] = c.interp[j*ratio+i]
		}
		c.decimPhase[i] = dp
		c.interpPhase[i] = ip
	}
	return c, nil
}

// Ratio returns the conversion factor N.
func (c *Coefficients) Ratio() int { return c.ratio }

// TapsPerPhase returns the length of each polyphase branch.
func (c *Coefficients) TapsPerPhase() int { return c.taps }

// DecimationTaps returns a copy of the direct-form decimation filter.
func (c *Coefficients) DecimationTaps() []int32 { return append([]int32(nil), c.decim...) }

// InterpolationTaps returns a copy of the direct-form interpolation filter.
func (c *Coefficients) InterpolationTaps() []int32 { return append([]int32(nil), c.interp...) }

// prototype returns an n-tap windowed-sinc low-pass with cutoff fc in cycles
// per sample.
func prototype(n int, fc float64) []float64 {
	h := make([]float64, n)
	center := float64(n-1) / 2
	for k := range n {
		x := float64(k) - center
		w := 1.0
		if n > 1 {
			p := 2 * math.Pi * float64(k) / float64(n-1)
			w = 0.42 - 0.5*math.Cos(p) + 0.08*math.Cos(2*p)
		}
		h[k] = 2 * fc * sinc(2*fc*x) * w
	}
	return h
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// quantize scales h to Q1.30 so the integer taps sum to exactly 1<<Q. The
// rounding residue is folded into the largest-magnitude tap.
func quantize(h []float64) []int32 {
	var sum float64
	for _, v := range h {
		sum += v
	}
	q := make([]int32, len(h))
	var total int64
	peak := 0
	for i, v := range h {
		q[i] = int32(math.Round(v / sum * float64(one)))
		total += int64(q[i])
		if math.Abs(v) > math.Abs(h[peak]) {
			peak = i
		}
	}
	q[peak] += int32(one - total)
	return q
}

// round converts a Q1.30 accumulator to a saturated sample.
func round(acc int64) int32 {
	return audio.Saturate((acc + half) >> Q)
}
