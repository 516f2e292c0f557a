// Package observe provides observability primitives for echoscribe:
// OpenTelemetry metrics with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for scraping via the standard /metrics endpoint (see [InitProvider]). A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echoscribe metrics.
const meterName = "github.com/takerng/echoscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// TranscribeDuration tracks end-to-end transcription latency. Use with
	// attributes: attribute.String("mode", ...), attribute.String("status", ...)
	TranscribeDuration metric.Float64Histogram

	// TranscodeDuration tracks ffmpeg transcode latency.
	TranscodeDuration metric.Float64Histogram

	// RecognizeAttempts counts recognition attempts. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("outcome", ...)
	RecognizeAttempts metric.Int64Counter

	// QuotaRejections counts requests denied by the daily seconds budget.
	QuotaRejections metric.Int64Counter

	// QuotaRefunds counts refunds issued after failed requests.
	QuotaRefunds metric.Int64Counter

	// MessagesHandled counts chat messages processed by the adapter. Use
	// with attribute: attribute.String("status", ...)
	MessagesHandled metric.Int64Counter

	// InFlight tracks the number of transcription requests in progress.
	InFlight metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Sync
// recognition finishes in seconds; long-running jobs can take minutes.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("echoscribe.transcribe.duration",
		metric.WithDescription("End-to-end transcription latency by mode and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscodeDuration, err = m.Float64Histogram("echoscribe.transcode.duration",
		metric.WithDescription("Latency of ffmpeg transcoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognizeAttempts, err = m.Int64Counter("echoscribe.recognize.attempts",
		metric.WithDescription("Total recognition attempts by mode and outcome."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRejections, err = m.Int64Counter("echoscribe.quota.rejections",
		metric.WithDescription("Total requests denied by the daily quota."),
	); err != nil {
		return nil, err
	}
	if met.QuotaRefunds, err = m.Int64Counter("echoscribe.quota.refunds",
		metric.WithDescription("Total quota refunds after failed requests."),
	); err != nil {
		return nil, err
	}
	if met.MessagesHandled, err = m.Int64Counter("echoscribe.messages.handled",
		metric.WithDescription("Total chat messages processed by status."),
	); err != nil {
		return nil, err
	}
	if met.InFlight, err = m.Int64UpDownCounter("echoscribe.transcribe.in_flight",
		metric.WithDescription("Transcription requests currently in progress."),
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

// RecordTranscribe records one finished transcription with its latency.
func (m *Metrics) RecordTranscribe(ctx context.Context, mode, status string, elapsed time.Duration) {
	m.TranscribeDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordTranscode records one ffmpeg conversion with its latency.
func (m *Metrics) RecordTranscode(ctx context.Context, elapsed time.Duration) {
	m.TranscodeDuration.Record(ctx, elapsed.Seconds())
}

// RecordAttempt records one recognition attempt by mode and outcome.
func (m *Metrics) RecordAttempt(ctx context.Context, mode, outcome string) {
	m.RecognizeAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordMessage records one handled chat message by status.
func (m *Metrics) RecordMessage(ctx context.Context, status string) {
	m.MessagesHandled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
