// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vgiotel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Query-farm/vgi-vector/vgirpc"
)

type halfParams struct {
	X float64 `vgirpc:"x"`
}

func instrumentedConn(t *testing.T) (*vgirpc.Conn, *tracetest.SpanRecorder, *sdkmetric.ManualReader, *sdktrace.TracerProvider) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	server := vgirpc.NewServer()
	server.SetServerID("otel-test")
	server.SetServiceName("HalfService")
	vgirpc.Unary(server, "half", func(_ context.Context, _ *vgirpc.CallContext, p halfParams) (float64, error) {
		if p.X < 0 {
			return 0, vgirpc.InvalidArgument("negative")
		}
		return p.X / 2, nil
	})

	cfg := DefaultConfig()
	cfg.TracerProvider = tp
	cfg.MeterProvider = mp
	cfg.Propagator = propagation.TraceContext{}
	InstrumentServer(server, cfg)

	clientEnd, serverEnd := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.ServeConn(context.Background(), serverEnd)
	}()
	t.Cleanup(func() {
		clientEnd.Close()
		<-done
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	return vgirpc.NewConn(clientEnd), spans, reader, tp
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// waitForSpan returns the named span once it has ended. The hook ends its
// span after the response is written, so the client can get there first.
func waitForSpan(t *testing.T, spans *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	var found sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		for _, s := range spans.Ended() {
			if s.Name() == name {
				found = s
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return found
}

func TestHookRecordsServerSpan(t *testing.T) {
	conn, spans, _, tp := instrumentedConn(t)

	ctx, parent := tp.Tracer("client").Start(context.Background(), "caller")
	md := map[string]string{}
	propagation.TraceContext{}.Inject(ctx, propagation.MapCarrier(md))

	got, err := vgirpc.Call[halfParams, float64](context.Background(), conn, "half", halfParams{X: 8}, md)
	require.NoError(t, err)
	assert.Equal(t, 4.0, got)
	parent.End()

	s := waitForSpan(t, spans, "vgi_rpc/half")
	assert.Equal(t, "vgi_rpc/half", s.Name())
	assert.Equal(t, trace.SpanKindServer, s.SpanKind())
	assert.Equal(t, codes.Ok, s.Status().Code)
	assert.Equal(t, parent.SpanContext().TraceID(), s.SpanContext().TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), s.Parent().SpanID())

	v, ok := attrValue(s.Attributes(), "rpc.service")
	require.True(t, ok)
	assert.Equal(t, "HalfService", v.AsString())
	v, ok = attrValue(s.Attributes(), "rpc.vgi_rpc.server_id")
	require.True(t, ok)
	assert.Equal(t, "otel-test", v.AsString())
	v, ok = attrValue(s.Attributes(), "rpc.vgi_rpc.output_rows")
	require.True(t, ok)
	assert.Equal(t, int64(1), v.AsInt64())
	_, ok = attrValue(s.Attributes(), "network.peer.address")
	assert.True(t, ok)
}

func TestHookMarksErrors(t *testing.T) {
	conn, spans, reader, _ := instrumentedConn(t)

	_, err := vgirpc.Call[halfParams, float64](context.Background(), conn, "half", halfParams{X: -1}, nil)
	require.True(t, vgirpc.IsInvalidArgument(err))

	s := waitForSpan(t, spans, "vgi_rpc/half")
	assert.Equal(t, codes.Error, s.Status().Code)
	v, ok := attrValue(s.Attributes(), "rpc.vgi_rpc.error_type")
	require.True(t, ok)
	assert.Equal(t, vgirpc.TypeInvalidArgument, v.AsString())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var requests int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "rpc.server.requests" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value("status")
				assert.Equal(t, "error", status.AsString())
				requests += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), requests)
}
