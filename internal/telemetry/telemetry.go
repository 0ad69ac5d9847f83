// Package telemetry wires the OpenTelemetry meter provider to a
// Prometheus registry so counters recorded anywhere in the process
// surface on the /metrics endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"
)

// Config configures the telemetry provider.
type Config struct {
	// Enabled wires the global meter provider. When false, metric
	// instruments throughout the process become no-ops.
	Enabled bool

	ServiceName    string
	ServiceVersion string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		ServiceName:    "chittydna",
		ServiceVersion: "dev",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return errors.New("telemetry: service name cannot be empty")
	}
	return nil
}

// Provider owns the meter provider and the Prometheus registry behind
// the metrics endpoint.
type Provider struct {
	config        *Config
	logger        *zap.Logger
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
}

// New creates the provider and installs it as the global OpenTelemetry
// meter provider when enabled.
func New(cfg *Config, logger *zap.Logger) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &Provider{
		config:   cfg,
		logger:   logger,
		registry: registry,
	}
	if !cfg.Enabled {
		logger.Info("telemetry disabled")
		return p, nil
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(p.meterProvider)

	logger.Info("telemetry initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion))
	return p, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (p *Provider) Registry() *prometheus.Registry {
	return p.registry
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown meter provider: %w", err)
	}
	return nil
}
