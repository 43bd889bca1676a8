// Package telemetry sets up OpenTelemetry metrics for perfsampler and
// serves them over HTTP.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

// Config holds telemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	RunID          string
	// OTLPEndpoint enables the OTLP gRPC exporter when set
	OTLPEndpoint string
	// ExportInterval for the OTLP periodic reader (default: 30s)
	ExportInterval time.Duration
	// SetGlobal installs the meter provider as the otel global
	SetGlobal bool
	Logger    *zap.Logger
}

// Provider owns the meter provider and the Prometheus registry it feeds
type Provider struct {
	config        Config
	meterProvider *sdkmetric.MeterProvider
	registry      *promclient.Registry
	logger        *zap.Logger
}

// NewProvider builds a meter provider with a Prometheus reader and,
// if configured, an OTLP reader
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.ExportInterval == 0 {
		config.ExportInterval = 30 * time.Second
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.RunID != "" {
		attrs = append(attrs, attribute.String("perfsampler.run_id", config.RunID))
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessPID(),
		resource.WithHost(),
		resource.WithOS(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if config.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.ExportInterval),
		)))
		config.Logger.Info("OTLP metric export enabled", zap.String("endpoint", config.OTLPEndpoint))
	}

	p := &Provider{
		config:        config,
		meterProvider: sdkmetric.NewMeterProvider(opts...),
		registry:      registry,
		logger:        config.Logger,
	}
	if config.SetGlobal {
		otel.SetMeterProvider(p.meterProvider)
	}
	return p, nil
}

// Meter returns a meter from the provider
func (p *Provider) Meter(name string) metric.Meter {
	return p.meterProvider.Meter(name)
}

// Registry returns the Prometheus registry metrics are exported to
func (p *Provider) Registry() *promclient.Registry {
	return p.registry
}

// Shutdown flushes and stops every reader
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.meterProvider.Shutdown(ctx); err != nil && !errors.Is(err, sdkmetric.ErrReaderShutdown) {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}
