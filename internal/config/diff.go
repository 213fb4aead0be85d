package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level and the simulator tone can be applied without a restart;
// every other change is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SimulatorChanged bool
	NewSimulator     SimulatorConfig

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart (e.g., "usb", "pipeline").
	RestartRequired []string
}

// Empty reports whether d describes no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SimulatorChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Simulator tone, but not toggling the simulator itself.
	if old.Simulator.ToneHz != new.Simulator.ToneHz || old.Simulator.Amplitude != new.Simulator.Amplitude {
		d.SimulatorChanged = true
		d.NewSimulator = new.Simulator
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.USB != new.USB {
		d.RestartRequired = append(d.RestartRequired, "usb")
	}
	if !pipelineEqual(old.Pipeline, new.Pipeline) {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Intertile != new.Intertile {
		d.RestartRequired = append(d.RestartRequired, "intertile")
	}
	if old.Simulator.Enabled != new.Simulator.Enabled {
		d.RestartRequired = append(d.RestartRequired, "simulator")
	}
	if old.Tap != new.Tap {
		d.RestartRequired = append(d.RestartRequired, "tap")
	}
	if old.Monitor != new.Monitor {
		d.RestartRequired = append(d.RestartRequired, "monitor")
	}

	return d
}

// pipelineEqual compares two pipeline configs, stage options included.
func pipelineEqual(a, b PipelineConfig) bool {
	if a.QueueDepth != b.QueueDepth || len(a.Stages) != len(b.Stages) {
		return false
	}
	for i := range a.Stages {
		sa, sb := a.Stages[i], b.Stages[i]
		if sa.Name != sb.Name || len(sa.Options) != len(sb.Options) {
			return false
		}
		for k, va := range sa.Options {
			vb, ok := sb.Options[k]
			if !ok || !reflect.DeepEqual(va, vb) {
				return false
			}
		}
	}
	return true
}
