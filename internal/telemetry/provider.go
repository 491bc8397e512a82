// ABOUTME: OpenTelemetry SDK meter and tracer providers with OTLP/gRPC exporters
// ABOUTME: Built by the server when telemetry is enabled and flushed on shutdown

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ProviderConfig selects where telemetry is exported.
type ProviderConfig struct {
	ServiceName    string
	Endpoint       string // OTLP/gRPC collector; empty defers to OTEL_EXPORTER_OTLP_ENDPOINT
	Insecure       bool
	ExportInterval time.Duration

	// Reader replaces the periodic OTLP metric reader when set.
	Reader sdkmetric.Reader
	// SpanExporter replaces the batched OTLP span exporter when set. Spans
	// are then exported synchronously.
	SpanExporter sdktrace.SpanExporter
}

// Providers owns the SDK meter and tracer providers.
type Providers struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
}

// NewProviders builds SDK providers for cfg. Exporters connect lazily, so an
// unreachable collector does not fail startup.
func NewProviders(ctx context.Context, cfg ProviderConfig) (*Providers, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "coven-coordinator"
	}
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", name)))
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	reader := cfg.Reader
	if reader == nil {
		opts := []otlpmetricgrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating metric exporter: %w", err)
		}
		var readerOpts []sdkmetric.PeriodicReaderOption
		if cfg.ExportInterval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.ExportInterval))
		}
		reader = sdkmetric.NewPeriodicReader(exp, readerOpts...)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithSyncer(cfg.SpanExporter))
	} else {
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			_ = reader.Shutdown(ctx)
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}

	return &Providers{
		MeterProvider: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
		TracerProvider: sdktrace.NewTracerProvider(traceOpts...),
	}, nil
}

// Install makes p the global meter and tracer provider, so spans started by
// this package are recorded.
func (p *Providers) Install() {
	otel.SetMeterProvider(p.MeterProvider)
	otel.SetTracerProvider(p.TracerProvider)
}

// Metrics creates the coordinator instruments on p's meter provider.
func (p *Providers) Metrics() (*Metrics, error) {
	return NewMetricsFrom(p.MeterProvider)
}

// Shutdown flushes pending telemetry and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.MeterProvider.Shutdown(ctx),
		p.TracerProvider.Shutdown(ctx),
	)
}
