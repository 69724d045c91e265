// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry pipeline for the binaries and
// the OpenTelemetry implementation of vectorsvc.Observer.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/Query-farm/vgi-vector/internal/config"
)

// Providers is an installed telemetry pipeline.
type Providers struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Propagator     propagation.TextMapPropagator

	metricsAddr string
	shutdown    []func(context.Context) error
}

// Setup builds tracer and meter providers from configuration and installs
// them, together with the W3C trace-context and baggage propagator, as the
// otel globals. Stdout exporters write to w (os.Stdout when nil). The caller
// must call Shutdown to flush.
func Setup(ctx context.Context, tc config.TracingConfig, mc config.MetricsConfig, logger *slog.Logger, w io.Writer) (*Providers, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Providers{
		Propagator: propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName(tc)))

	if err := p.setupTracing(ctx, tc, res, w); err != nil {
		return nil, err
	}
	if err := p.setupMetrics(mc, res, logger, w); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(p.TracerProvider)
	otel.SetMeterProvider(p.MeterProvider)
	otel.SetTextMapPropagator(p.Propagator)

	logger.Debug("telemetry configured",
		"tracing", tc.Enabled, "trace_exporter", tc.Exporter,
		"metrics", mc.Enabled, "metric_exporter", mc.Exporter)
	return p, nil
}

func serviceName(tc config.TracingConfig) string {
	if tc.ServiceName == "" {
		return "vgi-vector"
	}
	return tc.ServiceName
}

func (p *Providers) setupTracing(ctx context.Context, tc config.TracingConfig, res *resource.Resource, w io.Writer) error {
	if !tc.Enabled {
		p.TracerProvider = tracenoop.NewTracerProvider()
		return nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch tc.Exporter {
	case "", "stdout":
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if w != nil {
			opts = append(opts, stdouttrace.WithWriter(w))
		}
		exporter, err = stdouttrace.New(opts...)
	case "otlp":
		endpoint := tc.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := tc.ZipkinEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return fmt.Errorf("unsupported trace exporter: %s", tc.Exporter)
	}
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	rate := tc.SampleRate
	if rate <= 0 || rate > 1.0 {
		rate = 1.0
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	p.TracerProvider = provider
	p.shutdown = append(p.shutdown, provider.Shutdown)
	return nil
}

func (p *Providers) setupMetrics(mc config.MetricsConfig, res *resource.Resource, logger *slog.Logger, w io.Writer) error {
	if !mc.Enabled {
		p.MeterProvider = metricnoop.NewMeterProvider()
		return nil
	}

	var reader sdkmetric.Reader
	switch mc.Exporter {
	case "", "stdout":
		opts := []stdoutmetric.Option{}
		if w != nil {
			opts = append(opts, stdoutmetric.WithWriter(w))
		}
		exporter, err := stdoutmetric.New(opts...)
		if err != nil {
			return fmt.Errorf("failed to create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(30*time.Second))
	case "prometheus":
		registry := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		if err := p.servePrometheus(mc.PrometheusAddress, registry, logger); err != nil {
			return err
		}
		reader = exporter
	default:
		return fmt.Errorf("unsupported metric exporter: %s", mc.Exporter)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	p.MeterProvider = provider
	p.shutdown = append(p.shutdown, provider.Shutdown)
	return nil
}

func (p *Providers) servePrometheus(addr string, registry *promclient.Registry, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus server: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus server failed", "err", err)
		}
	}()
	p.metricsAddr = ln.Addr().String()
	p.shutdown = append(p.shutdown, srv.Shutdown)
	logger.Info("serving metrics", "address", p.metricsAddr)
	return nil
}

// MetricsAddr is the bound /metrics address, or "" when Prometheus is off.
func (p *Providers) MetricsAddr() string {
	return p.metricsAddr
}

// Shutdown flushes exporters and stops the metrics endpoint.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range slices.Backward(p.shutdown) {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
