// Package telemetry wires up the metrics and tracing used across the
// pipeline: Prometheus collectors for chunk throughput and backend health,
// and an OpenTelemetry tracer with a stdout exporter so a full
// transcription is traceable without any collector running.
package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	ChunksProcessed *prometheus.CounterVec
	ChunksFailed    prometheus.Counter
	DecodeSeconds   prometheus.Histogram
	SpeedFactor     prometheus.Gauge
	BackendSwaps    *prometheus.CounterVec
	Requests        *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg (pass a fresh registry in
// tests to avoid duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakascribe_chunks_processed_total",
			Help: "Chunks decoded, by backend.",
		}, []string{"backend"}),
		ChunksFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "wakascribe_chunks_failed_total",
			Help: "Chunks skipped after an inference failure.",
		}),
		DecodeSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wakascribe_chunk_decode_seconds",
			Help:    "Wall time per chunk through mel, encoder and TDT decode.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		SpeedFactor: f.NewGauge(prometheus.GaugeOpts{
			Name: "wakascribe_speed_factor",
			Help: "Wallclock elapsed over audio processed for the last request.",
		}),
		BackendSwaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakascribe_backend_swaps_total",
			Help: "Backend swap attempts, by outcome.",
		}, []string{"outcome"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wakascribe_requests_total",
			Help: "Transcription requests, by source kind and outcome.",
		}, []string{"source", "outcome"}),
	}
}

// Tracer owns the tracer provider lifecycle.
type Tracer struct {
	provider *sdktrace.TracerProvider
}

// NewTracer installs a global tracer provider writing spans to stdout.
// Pretty-printing is off so log lines stay one-per-span.
func NewTracer() (*Tracer, error) {
	exporter, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating stdout exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider}, nil
}

// Start opens a span on the package tracer.
func (t *Tracer) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer("wakascribe").Start(ctx, name)
}

// Shutdown flushes pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
