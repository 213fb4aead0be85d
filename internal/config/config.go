// Package config provides the configuration schema, loader, and stage registry
// for the uacbridge audio bridge.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its [slog.Level]. Unrecognised values map to
// [slog.LevelInfo].
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	USB       USBConfig       `yaml:"usb"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Intertile IntertileConfig `yaml:"intertile"`
	Simulator SimulatorConfig `yaml:"simulator"`
	Tap       TapConfig       `yaml:"tap"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz, /readyz and
	// the monitor (e.g., ":9090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig is the pipeline-side format.
type AudioConfig struct {
	// SampleRate is the processing rate in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the number of channels in a pipeline frame.
	Channels int `yaml:"channels"`

	// FrameAdvance is the number of time steps per frame.
	FrameAdvance int `yaml:"frame_advance"`
}

// USBConfig describes the bus side of both streaming interfaces.
type USBConfig struct {
	// SampleRate is the bus rate in Hz; an integer multiple of
	// audio.sample_rate.
	SampleRate int `yaml:"sample_rate"`

	// TransfersPerSecond is the isochronous service rate (1000 full speed,
	// 8000 high speed).
	TransfersPerSecond int `yaml:"transfers_per_second"`

	// TapsPerPhase sets the rate converter filter length. Zero selects the
	// converter default.
	TapsPerPhase int `yaml:"taps_per_phase"`

	HostToDevice StreamConfig `yaml:"host_to_device"`
	DeviceToHost StreamConfig `yaml:"device_to_host"`
}

// StreamConfig is the per-direction part of [USBConfig].
type StreamConfig struct {
	Channels int `yaml:"channels"`

	// BitDepth is 16, 24 or 32. Other values fall back to 16-bit sub-slots.
	BitDepth int `yaml:"bit_depth"`

	// FIFOCapacity overrides the derived FIFO size in samples.
	FIFOCapacity int `yaml:"fifo_capacity"`
}

// PipelineConfig lists the processing stages between the two streams.
type PipelineConfig struct {
	// QueueDepth is the number of frames buffered between stages.
	QueueDepth int `yaml:"queue_depth"`

	// Stages run in order; each name must be registered in the [Registry].
	Stages []StageEntry `yaml:"stages"`
}

// StageEntry configures one pipeline stage.
type StageEntry struct {
	// Name selects the registered stage factory (e.g., "gain", "dc_block").
	Name string `yaml:"name"`

	// Options holds stage-specific values. Values may be strings, numbers,
	// booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// IntertileConfig configures the link between the USB side and the DSP side.
type IntertileConfig struct {
	HostToDevicePort int `yaml:"host_to_device_port"`
	DeviceToHostPort int `yaml:"device_to_host_port"`

	// RxTimeout bounds how long the DSP side waits for a frame before
	// substituting silence.
	RxTimeout time.Duration `yaml:"rx_timeout"`

	// Depth is the number of blobs each port buffers.
	Depth int `yaml:"depth"`
}

// SimulatorConfig drives both streams from an in-process host instead of a
// USB class driver.
type SimulatorConfig struct {
	Enabled bool `yaml:"enabled"`

	// ToneHz is the frequency of the sine sent on the host→device stream.
	ToneHz float64 `yaml:"tone_hz"`

	// Amplitude is the tone level relative to full scale, in (0, 1].
	Amplitude float64 `yaml:"amplitude"`
}

// TapConfig records the pipeline output to a WAV file.
type TapConfig struct {
	// Path is the output file; empty disables the tap.
	Path string `yaml:"path"`
}

// MonitorConfig exposes device→host transfers over a websocket.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP route of the websocket endpoint.
	Path string `yaml:"path"`

	// Buffer is the number of messages queued per client before messages
	// are dropped for it.
	Buffer int `yaml:"buffer"`
}

// Defaults for a high-speed stereo headset bridged to a 16 kHz pipeline.
const (
	DefaultListenAddr         = ":9090"
	DefaultPipelineRate       = 16000
	DefaultFrameAdvance       = 240
	DefaultUSBRate            = 48000
	DefaultTransfersPerSecond = 8000
	DefaultBitDepth           = 24
	DefaultQueueDepth         = 2
	DefaultHostToDevicePort   = 1
	DefaultDeviceToHostPort   = 2
	DefaultRxTimeout          = 20 * time.Millisecond
	DefaultLinkDepth          = 2
	DefaultToneHz             = 440
	DefaultAmplitude          = 0.25
	DefaultMonitorPath        = "/monitor"
	DefaultMonitorBuffer      = 16
)

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultPipelineRate
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 2
	}
	if cfg.Audio.FrameAdvance == 0 {
		cfg.Audio.FrameAdvance = DefaultFrameAdvance
	}
	if cfg.USB.SampleRate == 0 {
		cfg.USB.SampleRate = DefaultUSBRate
	}
	if cfg.USB.TransfersPerSecond == 0 {
		cfg.USB.TransfersPerSecond = DefaultTransfersPerSecond
	}
	for _, s := range []*StreamConfig{&cfg.USB.HostToDevice, &cfg.USB.DeviceToHost} {
		if s.Channels == 0 {
			s.Channels = cfg.Audio.Channels
		}
		if s.BitDepth == 0 {
			s.BitDepth = DefaultBitDepth
		}
	}
	if cfg.Pipeline.QueueDepth == 0 {
		cfg.Pipeline.QueueDepth = DefaultQueueDepth
	}
	if cfg.Intertile.HostToDevicePort == 0 && cfg.Intertile.DeviceToHostPort == 0 {
		cfg.Intertile.HostToDevicePort = DefaultHostToDevicePort
		cfg.Intertile.DeviceToHostPort = DefaultDeviceToHostPort
	}
	if cfg.Intertile.RxTimeout == 0 {
		cfg.Intertile.RxTimeout = DefaultRxTimeout
	}
	if cfg.Intertile.Depth == 0 {
		cfg.Intertile.Depth = DefaultLinkDepth
	}
	if cfg.Simulator.ToneHz == 0 {
		cfg.Simulator.ToneHz = DefaultToneHz
	}
	if cfg.Simulator.Amplitude == 0 {
		cfg.Simulator.Amplitude = DefaultAmplitude
	}
	if cfg.Monitor.Path == "" {
		cfg.Monitor.Path = DefaultMonitorPath
	}
	if cfg.Monitor.Buffer == 0 {
		cfg.Monitor.Buffer = DefaultMonitorBuffer
	}
}
