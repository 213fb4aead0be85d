// Package dsp provides the built-in pipeline stages and registers them by
// name for configuration.
//
//   - passthrough: leaves frames untouched.
//   - gain: scales every sample by options.db decibels.
//   - dc_block: first-order high-pass removing DC offset; options.pole sets
//     the pole radius (default 0.995).
//
// Stages keep their state per channel and saturate instead of wrapping.
package dsp

import (
	"fmt"
	"math"

	"github.com/MrWong99/uacbridge/internal/config"
	"github.com/MrWong99/uacbridge/internal/pipeline"
	"github.com/MrWong99/uacbridge/pkg/audio"
)

// Stage names accepted in pipeline.stages.
const (
	NamePassthrough = "passthrough"
	NameGain        = "gain"
	NameDCBlock     = "dc_block"
)

// DefaultPole is the dc_block pole radius when options.pole is absent.
const DefaultPole = 0.995

// Register adds every built-in stage to r.
func Register(r *config.Registry) {
	r.RegisterStage(NamePassthrough, func(config.StageEntry, audio.Format) (pipeline.Stage, error) {
		return Passthrough(), nil
	})
	r.RegisterStage(NameGain, func(e config.StageEntry, _ audio.Format) (pipeline.Stage, error) {
		db, err := floatOption(e.Options, "db", 0)
		if err != nil {
			return nil, err
		}
		return Gain(db)
	})
	r.RegisterStage(NameDCBlock, func(e config.StageEntry, f audio.Format) (pipeline.Stage, error) {
		pole, err := floatOption(e.Options, "pole", DefaultPole)
		if err != nil {
			return nil, err
		}
		return DCBlock(f.Channels, pole)
	})
}

// Passthrough returns a stage that does nothing.
func Passthrough() pipeline.Stage {
	return func(*audio.Frame) {}
}

// Gain returns a stage scaling samples by db decibels, in [-120, 24].
func Gain(db float64) (pipeline.Stage, error) {
	if math.IsNaN(db) || db < -120 || db > 24 {
		return nil, fmt.Errorf("dsp: gain %.1f dB out of range [-120, 24]", db)
	}
	// Q16 keeps the product of a full-scale sample within int64.
	g := int64(math.Round(math.Pow(10, db/20) * (1 << 16)))
	if g == 1<<16 {
		return Passthrough(), nil
	}
	return func(f *audio.Frame) {
		for i, v := range f.Samples {
			f.Samples[i] = audio.Saturate((int64(v)*g + 1<<15) >> 16)
		}
	}, nil
}

// DCBlock returns a high-pass stage y[n] = x[n] - x[n-1] + pole*y[n-1] for
// frames of the given channel count. pole must be in (0, 1).
func DCBlock(channels int, pole float64) (pipeline.Stage, error) {
	if channels < 1 {
		return nil, fmt.Errorf("dsp: dc_block needs at least one channel, got %d", channels)
	}
	if !(pole > 0 && pole < 1) {
		return nil, fmt.Errorf("dsp: dc_block pole %.4f out of range (0, 1)", pole)
	}
	const q = 16
	r := int64(math.Round(pole * (1 << q)))
	prevX := make([]int64, channels)
	prevY := make([]int64, channels)
	rem := make([]int64, channels) // fractional feedback carried between samples
	return func(f *audio.Frame) {
		if f.Channels != channels {
			return
		}
		for i, v := range f.Samples {
			ch := i % channels
			x := int64(v)
			acc := r*prevY[ch] + rem[ch]
			fb := acc >> q
			rem[ch] = acc - fb<<q
			y := x - prevX[ch] + fb
			prevX[ch] = x
			prevY[ch] = y
			f.Samples[i] = audio.Saturate(y)
		}
	}, nil
}

// floatOption reads a numeric option, accepting the integer and float types
// the YAML decoder produces.
func floatOption(opts map[string]any, key string, def float64) (float64, error) {
	v, ok := opts[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	}
	return 0, fmt.Errorf("dsp: option %q must be a number, got %T", key, v)
}
