package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBitDepths lists the sample resolutions with a native sub-slot size.
var ValidBitDepths = []int{16, 24, 32}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameAdvance < 1 {
		errs = append(errs, fmt.Errorf("audio.frame_advance %d must be positive", cfg.Audio.FrameAdvance))
	}

	// USB
	if cfg.USB.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("usb.sample_rate %d must be positive", cfg.USB.SampleRate))
	} else if cfg.Audio.SampleRate > 0 && cfg.USB.SampleRate%cfg.Audio.SampleRate != 0 {
		errs = append(errs, fmt.Errorf("usb.sample_rate %d is not a multiple of audio.sample_rate %d",
			cfg.USB.SampleRate, cfg.Audio.SampleRate))
	}
	if cfg.USB.TransfersPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("usb.transfers_per_second %d must be positive", cfg.USB.TransfersPerSecond))
	}
	if cfg.USB.TapsPerPhase < 0 {
		errs = append(errs, fmt.Errorf("usb.taps_per_phase %d must not be negative", cfg.USB.TapsPerPhase))
	}
	for _, s := range []struct {
		prefix string
		cfg    StreamConfig
	}{
		{"usb.host_to_device", cfg.USB.HostToDevice},
		{"usb.device_to_host", cfg.USB.DeviceToHost},
	} {
		if s.cfg.Channels < 1 {
			errs = append(errs, fmt.Errorf("%s.channels %d must be positive", s.prefix, s.cfg.Channels))
		}
		if s.cfg.FIFOCapacity < 0 {
			errs = append(errs, fmt.Errorf("%s.fifo_capacity %d must not be negative", s.prefix, s.cfg.FIFOCapacity))
		}
		validateBitDepth(s.prefix, s.cfg.BitDepth)
	}

	// Pipeline
	if cfg.Pipeline.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("pipeline.queue_depth %d must be positive", cfg.Pipeline.QueueDepth))
	}
	for i, st := range cfg.Pipeline.Stages {
		if st.Name == "" {
			errs = append(errs, fmt.Errorf("pipeline.stages[%d].name is required", i))
		}
	}

	// Intertile
	if cfg.Intertile.HostToDevicePort < 0 || cfg.Intertile.DeviceToHostPort < 0 {
		errs = append(errs, fmt.Errorf("intertile ports %d/%d must not be negative",
			cfg.Intertile.HostToDevicePort, cfg.Intertile.DeviceToHostPort))
	}
	if cfg.Intertile.HostToDevicePort == cfg.Intertile.DeviceToHostPort {
		errs = append(errs, fmt.Errorf("intertile.host_to_device_port and device_to_host_port are both %d", cfg.Intertile.HostToDevicePort))
	}
	if cfg.Intertile.RxTimeout < 0 {
		errs = append(errs, fmt.Errorf("intertile.rx_timeout %s must not be negative", cfg.Intertile.RxTimeout))
	}
	if cfg.Intertile.Depth < 1 {
		errs = append(errs, fmt.Errorf("intertile.depth %d must be positive", cfg.Intertile.Depth))
	}

	// Simulator
	if cfg.Simulator.Enabled {
		if cfg.Simulator.ToneHz <= 0 || cfg.Simulator.ToneHz >= float64(cfg.USB.SampleRate)/2 {
			errs = append(errs, fmt.Errorf("simulator.tone_hz %.1f must be between 0 and half of usb.sample_rate", cfg.Simulator.ToneHz))
		}
		if cfg.Simulator.Amplitude <= 0 || cfg.Simulator.Amplitude > 1 {
			errs = append(errs, fmt.Errorf("simulator.amplitude %.2f is out of range (0, 1]", cfg.Simulator.Amplitude))
		}
	}

	// Monitor
	if cfg.Monitor.Enabled {
		if len(cfg.Monitor.Path) == 0 || cfg.Monitor.Path[0] != '/' {
			errs = append(errs, fmt.Errorf("monitor.path %q must start with /", cfg.Monitor.Path))
		}
		if cfg.Monitor.Buffer < 1 {
			errs = append(errs, fmt.Errorf("monitor.buffer %d must be positive", cfg.Monitor.Buffer))
		}
	}

	return errors.Join(errs...)
}

// validateBitDepth logs a warning for bit depths without a native sub-slot;
// the streams fall back to 16-bit sub-slots for those.
func validateBitDepth(prefix string, bits int) {
	if slices.Contains(ValidBitDepths, bits) {
		return
	}
	slog.Warn("unsupported bit depth, streams will use 16-bit sub-slots",
		"field", prefix+".bit_depth",
		"bit_depth", bits,
		"valid", ValidBitDepths,
	)
}
