// Package observability provides the metrics collector and tracing
// setup. Metrics are exported in Prometheus format and scraped from the
// HTTP server's /metrics endpoint.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsCollector manages the engine metrics. A disabled collector is
// valid and records nothing.
type MetricsCollector struct {
	meter metric.Meter

	ticksTotal   metric.Int64Counter
	ticksAborted metric.Int64Counter
	tickDuration metric.Float64Histogram
	receipts     metric.Int64Counter
	breakerMoves metric.Int64Counter
}

// NewMetricsCollector creates a collector backed by a Prometheus
// exporter registered on the global meter provider.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("vigil")

	c := &MetricsCollector{meter: meter}

	if c.ticksTotal, err = meter.Int64Counter(
		"vigil.ticks.total",
		metric.WithDescription("Completed ticks"),
		metric.WithUnit("{tick}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create ticks counter: %w", err)
	}

	if c.ticksAborted, err = meter.Int64Counter(
		"vigil.ticks.aborted",
		metric.WithDescription("Aborted ticks"),
		metric.WithUnit("{tick}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create aborted ticks counter: %w", err)
	}

	if c.tickDuration, err = meter.Float64Histogram(
		"vigil.tick.duration",
		metric.WithDescription("Tick duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tick duration histogram: %w", err)
	}

	if c.receipts, err = meter.Int64Counter(
		"vigil.action.receipts",
		metric.WithDescription("Action receipts by kind and adapter"),
		metric.WithUnit("{receipt}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create receipts counter: %w", err)
	}

	if c.breakerMoves, err = meter.Int64Counter(
		"vigil.breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create breaker transitions counter: %w", err)
	}

	return c, nil
}

// TickCompleted records one finished or aborted tick.
func (c *MetricsCollector) TickCompleted(d time.Duration, stage string, aborted bool) {
	ctx := context.Background()
	if aborted {
		if c.ticksAborted != nil {
			c.ticksAborted.Add(ctx, 1)
		}
		return
	}
	if c.ticksTotal != nil {
		c.ticksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	}
	if c.tickDuration != nil {
		c.tickDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// ReceiptObserved records one action receipt.
func (c *MetricsCollector) ReceiptObserved(kind, adapter string) {
	if c.receipts == nil {
		return
	}
	c.receipts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("adapter", adapter),
	))
}

// BreakerTransition records one circuit breaker state change.
func (c *MetricsCollector) BreakerTransition(adapter, from, to string) {
	if c.breakerMoves == nil {
		return
	}
	c.breakerMoves.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("adapter", adapter),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Handler returns the Prometheus scrape handler.
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}
