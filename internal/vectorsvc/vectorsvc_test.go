// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package vectorsvc_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Query-farm/vgi-vector/internal/telemetry"
	"github.com/Query-farm/vgi-vector/internal/vecmath"
	"github.com/Query-farm/vgi-vector/internal/vectorsvc"
	"github.com/Query-farm/vgi-vector/vgirpc"
)

// liveServer serves the vector service on addr ("127.0.0.1:0" for any port)
// until stop is called.
type liveServer struct {
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
}

func startServer(t *testing.T, addr string, opts ...vectorsvc.ServerOption) *liveServer {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	server := vgirpc.NewServer()
	server.SetServerID("vectorsvc-test")
	vectorsvc.Register(server, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	s := &liveServer{addr: ln.Addr().String(), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		_ = server.ServeListener(ctx, ln)
	}()
	t.Cleanup(s.stop)
	return s
}

func (s *liveServer) stop() {
	s.cancel()
	<-s.done
}

func newClient(t *testing.T, addr string, opts ...vectorsvc.ClientOption) *vectorsvc.Client {
	t.Helper()
	c := vectorsvc.NewClient(addr, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type countingObserver struct {
	vectorsvc.NopObserver
	server atomic.Int64
}

func (o *countingObserver) StartServer(ctx context.Context, op string, md map[string]string, lengths ...int) (context.Context, vectorsvc.Call) {
	o.server.Add(1)
	return o.NopObserver.StartServer(ctx, op, md, lengths...)
}

func TestDotProduct(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr)

	got, err := c.DotProduct(context.Background(), []float32{1, 2, 3}, []float32{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, float32(32), got)

	got, err = c.DotProduct(context.Background(), nil, []float32{})
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestVectorNorm(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr)

	got, err := c.VectorNorm(context.Background(), []float32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, float32(5), got)

	got, err = c.VectorNorm(context.Background(), []float32{})
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestLengthMismatchIsInvalidArgument(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr, vectorsvc.WithClientLogger(logger))

	_, err := c.DotProduct(context.Background(), []float32{1, 2}, []float32{1, 2, 3})
	require.Error(t, err)
	assert.True(t, vgirpc.IsInvalidArgument(err))
	assert.True(t, errors.Is(err, vgirpc.ErrRpc))
	assert.False(t, errors.Is(err, vgirpc.ErrTransport))

	var rpcErr *vgirpc.RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, vecmath.ErrLengthMismatch.Error(), rpcErr.Message)
	assert.Contains(t, rpcErr.Message, "same length")
	assert.Contains(t, logs.String(), "request rejected")

	got, err := c.DotProduct(context.Background(), []float32{2}, []float32{2})
	require.NoError(t, err)
	assert.Equal(t, float32(4), got)
}

type vector1Only struct {
	Vector1 []float32 `vgirpc:"vector1"`
}

func TestIncompleteRequestRejectedBeforeCompute(t *testing.T) {
	obs := &countingObserver{}
	srv := startServer(t, "127.0.0.1:0", vectorsvc.WithServerObserver(obs))
	conn, err := vgirpc.Dial(context.Background(), srv.addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	for _, v := range [][]float32{{}, {1, 2}} {
		_, err := vgirpc.Call[vector1Only, float32](context.Background(), conn,
			vectorsvc.MethodDotProduct, vector1Only{Vector1: v}, nil)
		var rpcErr *vgirpc.RpcError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, vgirpc.TypeTypeError, rpcErr.Type)
		assert.False(t, vgirpc.IsInvalidArgument(err))
		assert.Contains(t, rpcErr.Message, "vector2")
	}
	assert.Zero(t, obs.server.Load())

	got, err := vgirpc.Call[vectorsvc.DotProductRequest, float32](context.Background(), conn,
		vectorsvc.MethodDotProduct, vectorsvc.DotProductRequest{Vector1: []float32{3}, Vector2: []float32{2}}, nil)
	require.NoError(t, err)
	assert.Equal(t, float32(6), got)
	assert.Equal(t, int64(1), obs.server.Load())
}

func TestNaNPassesThroughTheWire(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr)
	nan := float32(math.NaN())

	got, err := c.DotProduct(context.Background(), []float32{nan, 1}, []float32{1, 1})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(got)))

	got, err = c.VectorNorm(context.Background(), []float32{nan})
	require.NoError(t, err)
	assert.True(t, math.IsNaN(float64(got)))
}

func TestCallsAreIdempotent(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr)

	v1 := []float32{0.5, -1.25, 3}
	v2 := []float32{2, 4, -0.5}
	first, err := c.DotProduct(context.Background(), v1, v2)
	require.NoError(t, err)
	for range 5 {
		again, err := c.DotProduct(context.Background(), v1, v2)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestConcurrentCallsShareOneClient(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr)

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x := float32(i)
			got, err := c.DotProduct(context.Background(), []float32{x, 1}, []float32{1, x})
			assert.NoError(t, err)
			assert.Equal(t, 2*x, got)
		}()
	}
	wg.Wait()
}

func TestSeparateClientsAreIndependent(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	a := newClient(t, srv.addr)
	b := newClient(t, srv.addr)

	_, err := a.DotProduct(context.Background(), []float32{1}, []float32{})
	require.Error(t, err)

	got, err := b.VectorNorm(context.Background(), []float32{6, 8})
	require.NoError(t, err)
	assert.Equal(t, float32(10), got)
}

func TestConnectFailureIsTransport(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := newClient(t, addr, vectorsvc.WithConnectTimeout(200*time.Millisecond))
	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, vgirpc.ErrTransport)

	_, err = c.VectorNorm(context.Background(), []float32{1})
	assert.ErrorIs(t, err, vgirpc.ErrTransport)
}

func TestClientRedialsAfterServerRestart(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.VectorNorm(context.Background(), []float32{3, 4})
	require.NoError(t, err)

	srv.stop()
	startServer(t, srv.addr)

	_, err = c.VectorNorm(context.Background(), []float32{3, 4})
	assert.ErrorIs(t, err, vgirpc.ErrTransport)

	got, err := c.VectorNorm(context.Background(), []float32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, float32(5), got)
}

func TestRetryRecoversFromServerRestart(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr, vectorsvc.WithRetry(vectorsvc.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
	}))
	require.NoError(t, c.Connect(context.Background()))

	srv.stop()
	startServer(t, srv.addr)

	got, err := c.VectorNorm(context.Background(), []float32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, float32(5), got)
}

func TestRetryDoesNotRepeatRejectedCalls(t *testing.T) {
	obs := &countingObserver{}
	srv := startServer(t, "127.0.0.1:0", vectorsvc.WithServerObserver(obs))
	c := newClient(t, srv.addr, vectorsvc.WithRetry(vectorsvc.RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
	}))

	_, err := c.DotProduct(context.Background(), []float32{1}, []float32{1, 2})
	require.True(t, vgirpc.IsInvalidArgument(err))
	assert.Equal(t, int64(1), obs.server.Load())
}

func TestObserverDoesNotChangeOutcomes(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	defer tp.Shutdown(context.Background())
	defer mp.Shutdown(context.Background())
	obs := telemetry.NewObserver(tp, mp, propagation.TraceContext{})

	plain := startServer(t, "127.0.0.1:0")
	traced := startServer(t, "127.0.0.1:0", vectorsvc.WithServerObserver(obs))
	plainClient := newClient(t, plain.addr)
	tracedClient := newClient(t, traced.addr, vectorsvc.WithClientObserver(obs))

	cases := []struct {
		v1, v2 []float32
	}{
		{[]float32{1, 2, 3}, []float32{4, 5, 6}},
		{[]float32{}, []float32{}},
		{[]float32{1}, []float32{1, 2}},
	}
	for _, tc := range cases {
		want, wantErr := plainClient.DotProduct(context.Background(), tc.v1, tc.v2)
		got, gotErr := tracedClient.DotProduct(context.Background(), tc.v1, tc.v2)
		assert.Equal(t, want, got)
		if wantErr == nil {
			assert.NoError(t, gotErr)
			continue
		}
		var wantRPC, gotRPC *vgirpc.RpcError
		require.ErrorAs(t, wantErr, &wantRPC)
		require.ErrorAs(t, gotErr, &gotRPC)
		assert.Equal(t, wantRPC.Type, gotRPC.Type)
		assert.Equal(t, wantRPC.Message, gotRPC.Message)
	}

	var clientSpans, serverSpans int
	for _, s := range spans.Ended() {
		switch s.Name() {
		case "dot_product/client":
			clientSpans++
		case "dot_product/server":
			serverSpans++
			assert.True(t, s.Parent().IsValid(), "server span must join the caller's trace")
		}
	}
	assert.Equal(t, len(cases), clientSpans)
	assert.Equal(t, len(cases), serverSpans)
}

func TestDescribe(t *testing.T) {
	srv := startServer(t, "127.0.0.1:0")
	c := newClient(t, srv.addr)

	methods, err := c.Describe(context.Background())
	require.NoError(t, err)
	names := make(map[string]vgirpc.MethodDescription)
	for _, m := range methods {
		names[m.Name] = m
	}
	require.Contains(t, names, vectorsvc.MethodDotProduct)
	require.Contains(t, names, vectorsvc.MethodVectorNorm)
	assert.Equal(t, "list[float32]", names[vectorsvc.MethodDotProduct].ParamTypes["vector1"])
	assert.NotEmpty(t, names[vectorsvc.MethodVectorNorm].Doc)
}
