package otelinit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds common cross-package instruments shared by the resilience package.
type Metrics struct {
	RetryAttempts          metric.Int64Counter
	CircuitOpenTransitions metric.Int64Counter
}

// InitMetrics sets up a global OTLP push exporter for backend ingestion, and a
// parallel Prometheus registry for local scraping. Returns a shutdown func for the
// push exporter and an http.Handler serving the Prometheus registry (nil if the
// bridge itself failed to initialize).
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, promHandler http.Handler, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	readers := []sdkmetric.Option{sdkmetric.WithResource(res)}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	shutdownFns := make([]func(context.Context) error, 0, 2)

	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	); err != nil {
		slog.Warn("otlp metrics exporter init failed", "error", err)
	} else {
		reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
		readers = append(readers, sdkmetric.WithReader(reader))
		shutdownFns = append(shutdownFns, exp.Shutdown)
	}

	promExporter, err := prometheus.New()
	if err != nil {
		slog.Warn("prometheus bridge init failed", "error", err)
	} else {
		readers = append(readers, sdkmetric.WithReader(promExporter))
	}

	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	slog.Info("metrics initialized", "endpoint", endpoint, "prometheus_bridge", promExporter != nil)

	shutdown = func(ctx context.Context) error {
		var lastErr error
		for _, fn := range shutdownFns {
			if err := fn(ctx); err != nil {
				lastErr = err
			}
		}
		return lastErr
	}

	if promExporter != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		promHandler = mux
	}

	return shutdown, promHandler, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter("mcp")
	retry, _ := meter.Int64Counter("mcp_resilience_retry_attempts_total")
	circuit, _ := meter.Int64Counter("mcp_resilience_circuit_open_total")
	return Metrics{RetryAttempts: retry, CircuitOpenTransitions: circuit}
}
