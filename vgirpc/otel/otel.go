// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package vgiotel adds OpenTelemetry tracing and metrics around every vgi_rpc
// dispatch by implementing [vgirpc.DispatchHook].
//
//	server := vgirpc.NewServer()
//	// ... register methods ...
//	vgiotel.InstrumentServer(server, vgiotel.DefaultConfig())
package vgiotel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/vgi-vector/vgirpc"
)

const instrumentationName = "github.com/Query-farm/vgi-vector/vgirpc/otel"

// OtelConfig configures OpenTelemetry instrumentation for a vgi_rpc server.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from request metadata.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	EnableTracing    bool
	EnableMetrics    bool
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value.
	// Defaults to Server.ServiceName() or "GoRpcServer".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig enables tracing, metrics and exception recording against the
// global providers.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentServer installs the hook via [vgirpc.Server.SetDispatchHook].
func InstrumentServer(server *vgirpc.Server, cfg OtelConfig) {
	server.SetDispatchHook(NewHook(cfg, server.ServiceName()))
}

// NewHook builds the dispatch hook without installing it.
func NewHook(cfg OtelConfig, serviceName string) vgirpc.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "GoRpcServer"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of RPC requests"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of RPC requests"),
		)
	}
	return hook
}

type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart extracts the caller's trace context and starts a server span.
func (h *otelHook) OnDispatchStart(ctx context.Context, info vgirpc.DispatchInfo) (context.Context, vgirpc.HookToken) {
	if info.TransportMetadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.TransportMetadata))
	}

	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "vgi_rpc"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method),
		attribute.String("rpc.vgi_rpc.method_type", info.MethodType),
		attribute.String("rpc.vgi_rpc.server_id", info.ServerID),
	}
	if info.RequestID != "" {
		attrs = append(attrs, attribute.String("rpc.vgi_rpc.request_id", info.RequestID))
	}
	if info.RemoteAddr != "" {
		attrs = append(attrs, attribute.String("network.peer.address", info.RemoteAddr))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, "vgi_rpc/"+info.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records I/O statistics and the outcome, then ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token vgirpc.HookToken, info vgirpc.DispatchInfo, stats *vgirpc.CallStatistics, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	status := "ok"
	errType := ""
	if err != nil {
		status = "error"
		errType = fmt.Sprintf("%T", err)
		var rpcErr *vgirpc.RpcError
		if errors.As(err, &rpcErr) {
			errType = rpcErr.Type
		}
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "vgi_rpc"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, time.Since(st.startTime).Seconds(), metricAttrs)
		}
	}

	if st.span == nil {
		return
	}
	if stats != nil {
		st.span.SetAttributes(
			attribute.Int64("rpc.vgi_rpc.input_rows", stats.InputRows),
			attribute.Int64("rpc.vgi_rpc.output_rows", stats.OutputRows),
			attribute.Int64("rpc.vgi_rpc.input_bytes", stats.InputBytes),
			attribute.Int64("rpc.vgi_rpc.output_bytes", stats.OutputBytes),
		)
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		st.span.SetAttributes(attribute.String("rpc.vgi_rpc.error_type", errType))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}
