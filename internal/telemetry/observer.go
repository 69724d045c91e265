// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/vgi-vector/internal/vectorsvc"
)

const instrumentationName = "github.com/Query-farm/vgi-vector/internal/telemetry"

// Observer records a span, events and a per-operation counter at both ends
// of every call, carrying trace context through the request metadata.
type Observer struct {
	tracer     trace.Tracer
	meter      metric.Meter
	propagator propagation.TextMapPropagator
	counters   map[string]metric.Int64Counter
}

var _ vectorsvc.Observer = (*Observer)(nil)

// NewObserver builds an observer. Nil arguments fall back to the otel globals.
func NewObserver(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	o := &Observer{
		tracer:     tp.Tracer(instrumentationName),
		meter:      mp.Meter(instrumentationName),
		propagator: prop,
		counters:   make(map[string]metric.Int64Counter),
	}
	for _, op := range []string{vectorsvc.MethodDotProduct, vectorsvc.MethodVectorNorm} {
		o.counters[op], _ = o.meter.Int64Counter(op,
			metric.WithUnit("{call}"),
			metric.WithDescription("Number of "+op+" calls"),
		)
	}
	return o
}

// StartClient opens the client span and injects its context into md.
func (o *Observer) StartClient(ctx context.Context, op string, md map[string]string, lengths ...int) (context.Context, vectorsvc.Call) {
	ctx, span := o.tracer.Start(ctx, op+"/client",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("component", "vgi_rpc")),
	)
	span.AddEvent("request sent", trace.WithAttributes(lengthAttrs(lengths)...))
	if md != nil {
		o.propagator.Inject(ctx, propagation.MapCarrier(md))
	}
	o.count(ctx, op, "client")
	return ctx, &call{span: span}
}

// StartServer opens the server span. An active span in ctx, such as the one
// the dispatch hook starts, wins over the context carried in md.
func (o *Observer) StartServer(ctx context.Context, op string, md map[string]string, lengths ...int) (context.Context, vectorsvc.Call) {
	if !trace.SpanContextFromContext(ctx).IsValid() && md != nil {
		ctx = o.propagator.Extract(ctx, propagation.MapCarrier(md))
	}
	ctx, span := o.tracer.Start(ctx, op+"/server",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("component", "vgi_rpc")),
	)
	span.AddEvent("request received", trace.WithAttributes(lengthAttrs(lengths)...))
	o.count(ctx, op, "server")
	return ctx, &call{span: span}
}

func (o *Observer) count(ctx context.Context, op, site string) {
	if c, ok := o.counters[op]; ok {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("site", site)))
	}
}

// lengthAttrs names operand lengths the way the log lines do.
func lengthAttrs(lengths []int) []attribute.KeyValue {
	switch len(lengths) {
	case 0:
		return nil
	case 1:
		return []attribute.KeyValue{attribute.Int("veclen", lengths[0])}
	default:
		return []attribute.KeyValue{
			attribute.Int("vec1len", lengths[0]),
			attribute.Int("vec2len", lengths[1]),
		}
	}
}

type call struct {
	span trace.Span
}

func (c *call) Finish(result float32, err error) {
	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	} else {
		c.span.AddEvent("result computed", trace.WithAttributes(attribute.Float64("result", float64(result))))
	}
	c.span.End()
}
