// Package observability provides OpenTelemetry metrics for the event
// pipeline: ingestion rates, duplicate counts, materialization outcomes
// and touch activity, exported over OTLP gRPC.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	Interval       time.Duration
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "visitsync",
		ServiceVersion: "0.1.0",
		OTLPEndpoint:   "localhost:4317",
		Interval:       15 * time.Second,
		Insecure:       true,
	}
}

// Provider owns the meter provider and the pipeline instruments. A nil
// Provider is valid and records nothing, so callers never need to
// guard their instrumentation sites.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider

	ingested     metric.Int64Counter
	materialized metric.Int64Counter
	benign       metric.Int64Counter
	touches      metric.Int64Counter
	outboxRetry  metric.Int64Counter
}

// New creates a Provider exporting over OTLP gRPC.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP metric exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(mp)

	p := &Provider{meterProvider: mp}
	meter := mp.Meter("visitsync/pipeline")

	if p.ingested, err = meter.Int64Counter("visitsync.events.ingested",
		metric.WithDescription("Scheduling events accepted by the write gateway")); err != nil {
		return nil, err
	}
	if p.materialized, err = meter.Int64Counter("visitsync.occurrences.materialized",
		metric.WithDescription("Domain mutations applied by the materializer")); err != nil {
		return nil, err
	}
	if p.benign, err = meter.Int64Counter("visitsync.conflicts.benign",
		metric.WithDescription("Store conflicts treated as already-applied")); err != nil {
		return nil, err
	}
	if p.touches, err = meter.Int64Counter("visitsync.touches.recorded",
		metric.WithDescription("Touch records accepted by the mutation endpoints")); err != nil {
		return nil, err
	}
	if p.outboxRetry, err = meter.Int64Counter("visitsync.outbox.retries",
		metric.WithDescription("Outbox delivery retries scheduled")); err != nil {
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// RecordIngest counts one gateway acknowledgment.
func (p *Provider) RecordIngest(ctx context.Context, mode string, duplicate bool) {
	if p == nil {
		return
	}
	p.ingested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.Bool("duplicate", duplicate),
	))
}

// RecordMaterialized counts one applied domain mutation.
func (p *Provider) RecordMaterialized(ctx context.Context, kind string) {
	if p == nil {
		return
	}
	p.materialized.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBenignConflict counts one conflict swallowed as already-applied.
func (p *Provider) RecordBenignConflict(ctx context.Context) {
	if p == nil {
		return
	}
	p.benign.Add(ctx, 1)
}

// RecordTouch counts one touch endpoint acknowledgment.
func (p *Provider) RecordTouch(ctx context.Context, kind string, duplicate bool) {
	if p == nil {
		return
	}
	p.touches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("duplicate", duplicate),
	))
}

// RecordOutboxRetry counts one rescheduled outbox delivery.
func (p *Provider) RecordOutboxRetry(ctx context.Context) {
	if p == nil {
		return
	}
	p.outboxRetry.Add(ctx, 1)
}
