// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// ObserveGauge registers an asynchronous gauge that calls fn only when scraped.
// A failing fn skips the sample instead of failing the scrape.
func ObserveGauge(meterName, name, description string, fn func(context.Context) (int64, error), logger *slog.Logger) error {
	meter := otel.Meter(meterName)
	_, err := meter.Int64ObservableGauge(name,
		otelmetric.WithDescription(description),
		otelmetric.WithInt64Callback(func(ctx context.Context, obs otelmetric.Int64Observer) error {
			v, err := fn(ctx)
			if err != nil {
				if logger != nil {
					logger.Warn("gauge callback failed", "metric", name, "error", err)
				}
				return nil
			}
			obs.Observe(v)
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register gauge %s: %w", name, err)
	}
	return nil
}
