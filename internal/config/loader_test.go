package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/uacbridge/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"rate multiple", "audio:\n  sample_rate: 44100\n", "not a multiple"},
		{"negative channels", "audio:\n  channels: -1\n", "audio.channels"},
		{"stream channels", "usb:\n  device_to_host:\n    channels: -2\n", "usb.device_to_host.channels"},
		{"fifo capacity", "usb:\n  host_to_device:\n    fifo_capacity: -5\n", "fifo_capacity"},
		{"stage name", "pipeline:\n  stages:\n    - options: {db: 1}\n", "pipeline.stages[0].name"},
		{"same ports", "intertile:\n  host_to_device_port: 5\n  device_to_host_port: 5\n", "both 5"},
		{"negative timeout", "intertile:\n  rx_timeout: -1s\n", "rx_timeout"},
		{"tone above nyquist", "simulator:\n  enabled: true\n  tone_hz: 30000\n", "simulator.tone_hz"},
		{"amplitude", "simulator:\n  enabled: true\n  amplitude: 2\n", "simulator.amplitude"},
		{"monitor path", "monitor:\n  enabled: true\n  path: live\n", "monitor.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  frame_advance: -1
pipeline:
  queue_depth: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"server.log_level", "audio.frame_advance", "pipeline.queue_depth"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnsupportedBitDepthIsWarning(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader("usb:\n  host_to_device:\n    bit_depth: 20\n"))
	if err != nil {
		t.Fatalf("bit depth 20 should only warn, got: %v", err)
	}
	if cfg.USB.HostToDevice.BitDepth != 20 {
		t.Errorf("bit_depth = %d, want 20 kept for the stream fallback", cfg.USB.HostToDevice.BitDepth)
	}
}

func TestValidate_DisabledSimulatorIgnoresTone(t *testing.T) {
	t.Parallel()
	if _, err := config.LoadFromReader(strings.NewReader("simulator:\n  tone_hz: 90000\n")); err != nil {
		t.Errorf("disabled simulator should not validate its tone, got: %v", err)
	}
}
