// Package observe provides application-wide observability primitives for
// uacbridge: OpenTelemetry metrics, tracing for the HTTP control surface,
// structured logging helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all uacbridge metrics.
const meterName = "github.com/MrWong99/uacbridge"

// Transfer outcomes used with [Metrics.RecordTransfer].
const (
	TransferOK       = "ok"
	TransferRejected = "rejected"
	TransferSilence  = "silence"
	TransferOverflow = "overflow"
	TransferNotReady = "not_ready"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pipeline ---

	// StageDuration tracks time spent inside one stage function. Use with
	// attributes:
	//   attribute.String("pipeline", ...), attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// PipelineFrames counts frames leaving the last stage. Use with
	// attributes:
	//   attribute.String("pipeline", ...), attribute.String("disposition", ...)
	PipelineFrames metric.Int64Counter

	// --- USB streaming ---

	// Transfers counts USB transfers handled by the adapters. Use with
	// attributes:
	//   attribute.String("direction", ...), attribute.String("status", ...)
	Transfers metric.Int64Counter

	// FIFOOverflows counts overflow resets per direction.
	FIFOOverflows metric.Int64Counter

	// FIFOUnderruns counts silence substitutions per direction.
	FIFOUnderruns metric.Int64Counter

	// FIFOFill reports the most recent fill level in samples per direction.
	FIFOFill metric.Int64Gauge

	// WatermarkTransitions counts controller state changes. Use with
	// attributes:
	//   attribute.String("direction", ...), attribute.String("state", ...)
	WatermarkTransitions metric.Int64Counter

	// InterfacesOpen tracks streaming interfaces with a nonzero alternate
	// setting.
	InterfacesOpen metric.Int64UpDownCounter

	// ControlRequests counts UAC2 control requests. Use with attributes:
	//   attribute.String("entity", ...), attribute.String("outcome", ...)
	ControlRequests metric.Int64Counter

	// --- Monitor ---

	// MonitorClients tracks connected websocket monitor clients.
	MonitorClients metric.Int64UpDownCounter

	// MonitorDropped counts monitor messages dropped for slow clients.
	MonitorDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, excluding
	// upgraded connections. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets defines histogram bucket boundaries (in seconds) sized for
// per-frame DSP work measured in microseconds to a few milliseconds.
var stageBuckets = []float64{
	0.00001, 0.000025, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Pipeline.
	if met.StageDuration, err = m.Float64Histogram("uacbridge.pipeline.stage.duration",
		metric.WithDescription("Time spent in one pipeline stage function per frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineFrames, err = m.Int64Counter("uacbridge.pipeline.frames",
		metric.WithDescription("Frames delivered to the pipeline sink by disposition."),
	); err != nil {
		return nil, err
	}

	// USB streaming.
	if met.Transfers, err = m.Int64Counter("uacbridge.usb.transfers",
		metric.WithDescription("USB audio transfers by direction and status."),
	); err != nil {
		return nil, err
	}
	if met.FIFOOverflows, err = m.Int64Counter("uacbridge.fifo.overflows",
		metric.WithDescription("FIFO overflow resets by direction."),
	); err != nil {
		return nil, err
	}
	if met.FIFOUnderruns, err = m.Int64Counter("uacbridge.fifo.underruns",
		metric.WithDescription("FIFO underruns answered with silence by direction."),
	); err != nil {
		return nil, err
	}
	if met.FIFOFill, err = m.Int64Gauge("uacbridge.fifo.fill",
		metric.WithDescription("Most recent FIFO fill level by direction."),
		metric.WithUnit("{sample}"),
	); err != nil {
		return nil, err
	}
	if met.WatermarkTransitions, err = m.Int64Counter("uacbridge.watermark.transitions",
		metric.WithDescription("Watermark controller state changes by direction and target state."),
	); err != nil {
		return nil, err
	}
	if met.InterfacesOpen, err = m.Int64UpDownCounter("uacbridge.usb.interfaces_open",
		metric.WithDescription("Number of streaming interfaces currently open."),
	); err != nil {
		return nil, err
	}
	if met.ControlRequests, err = m.Int64Counter("uacbridge.usb.control_requests",
		metric.WithDescription("UAC2 control requests by entity and outcome."),
	); err != nil {
		return nil, err
	}

	// Monitor.
	if met.MonitorClients, err = m.Int64UpDownCounter("uacbridge.monitor.clients",
		metric.WithDescription("Number of connected monitor websocket clients."),
	); err != nil {
		return nil, err
	}
	if met.MonitorDropped, err = m.Int64Counter("uacbridge.monitor.dropped",
		metric.WithDescription("Monitor messages dropped because a client fell behind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("uacbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the duration of one stage invocation.
func (m *Metrics) RecordStage(ctx context.Context, pipeline, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			Attr("pipeline", pipeline),
			Attr("stage", stage),
		),
	)
}

// RecordPipelineFrame counts one frame handed to the sink.
func (m *Metrics) RecordPipelineFrame(ctx context.Context, pipeline, disposition string) {
	m.PipelineFrames.Add(ctx, 1,
		metric.WithAttributes(
			Attr("pipeline", pipeline),
			Attr("disposition", disposition),
		),
	)
}

// RecordTransfer counts one USB transfer and records the FIFO fill observed
// after it.
func (m *Metrics) RecordTransfer(ctx context.Context, direction, status string, fill int) {
	dir := metric.WithAttributes(Attr("direction", direction))
	m.Transfers.Add(ctx, 1,
		metric.WithAttributes(
			Attr("direction", direction),
			Attr("status", status),
		),
	)
	m.FIFOFill.Record(ctx, int64(fill), dir)
	switch status {
	case TransferOverflow:
		m.FIFOOverflows.Add(ctx, 1, dir)
	case TransferSilence:
		m.FIFOUnderruns.Add(ctx, 1, dir)
	}
}

// RecordWatermark counts a controller transition into state.
func (m *Metrics) RecordWatermark(ctx context.Context, direction, state string) {
	m.WatermarkTransitions.Add(ctx, 1,
		metric.WithAttributes(
			Attr("direction", direction),
			Attr("state", state),
		),
	)
}

// RecordInterface adjusts the open-interface gauge by +1 or -1.
func (m *Metrics) RecordInterface(ctx context.Context, direction string, open bool) {
	delta := int64(-1)
	if open {
		delta = 1
	}
	m.InterfacesOpen.Add(ctx, delta, metric.WithAttributes(Attr("direction", direction)))
}

// RecordControlRequest counts one UAC2 control request.
func (m *Metrics) RecordControlRequest(ctx context.Context, entity, outcome string) {
	m.ControlRequests.Add(ctx, 1,
		metric.WithAttributes(
			Attr("entity", entity),
			Attr("outcome", outcome),
		),
	)
}
