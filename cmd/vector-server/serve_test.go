// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Query-farm/vgi-vector/internal/config"
	"github.com/Query-farm/vgi-vector/internal/telemetry"
	"github.com/Query-farm/vgi-vector/internal/vecmath"
	"github.com/Query-farm/vgi-vector/internal/vectorsvc"
)

func serveOnce(t *testing.T, cfg config.Config, tel *telemetry.Providers) string {
	t.Helper()
	server := newServer(cfg, config.NewLogger(cfg.Logging, io.Discard), tel)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.ServeListener(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestNewServerPlain(t *testing.T) {
	cfg := config.Default()
	tel, err := telemetry.Setup(context.Background(), cfg.Tracing, cfg.Metrics, nil, io.Discard)
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	addr := serveOnce(t, cfg, tel)
	c := vectorsvc.NewClient(addr)
	defer c.Close()

	got, err := c.DotProduct(context.Background(), []float32{1, 2, 3}, []float32{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, float32(32), got)
}

func TestNewServerWithTracing(t *testing.T) {
	cfg := config.Default()
	cfg.Server.ServerID = "traced"
	cfg.Tracing.Enabled = true
	var spans bytes.Buffer
	tel, err := telemetry.Setup(context.Background(), cfg.Tracing, cfg.Metrics, nil, &spans)
	require.NoError(t, err)

	addr := serveOnce(t, cfg, tel)
	c := vectorsvc.NewClient(addr)
	defer c.Close()

	got, err := c.VectorNorm(context.Background(), []float32{3, 4})
	require.NoError(t, err)
	assert.Equal(t, float32(5), got)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Contains(t, spans.String(), "vector_norm/server")
}

func TestNewServerLogsKernel(t *testing.T) {
	cfg := config.Default()
	cfg.Server.ServerID = "kernel-check"
	var logs bytes.Buffer
	newServer(cfg, config.NewLogger(cfg.Logging, &logs), nil)

	assert.Contains(t, logs.String(), "vector service ready")
	assert.Contains(t, logs.String(), `"kernel":"`+vecmath.Kernel()+`"`)
	assert.Contains(t, logs.String(), `"server_id":"kernel-check"`)
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--log-level", "debug"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "address: 127.0.0.1:50051")
	assert.Contains(t, out.String(), "level: debug")
}
