// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:50051", cfg.Server.Address)
	assert.Equal(t, time.Second, cfg.Client.ConnectTimeout)
	assert.Equal(t, 1, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, 1, cfg.Runtime.Workers)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: 0.0.0.0:6000
  debug_errors: true
client:
  connect_timeout: 250ms
  retry:
    max_attempts: 3
tracing:
  enabled: true
  exporter: zipkin
`), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:6000", cfg.Server.Address)
	assert.True(t, cfg.Server.DebugErrors)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.ConnectTimeout)
	assert.Equal(t, 3, cfg.Client.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Client.Retry.InitialBackoff)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "zipkin", cfg.Tracing.Exporter)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  address: 10.0.0.1:1\n"), 0o600))
	t.Setenv("VGI_VECTOR_CLIENT_ADDRESS", "10.0.0.2:2")
	t.Setenv("VGI_VECTOR_RUNTIME_WORKERS", "4")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:2", cfg.Client.Address)
	assert.Equal(t, 4, cfg.Runtime.Workers)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  workers: 0
tracing:
  exporter: jaeger
metrics:
  exporter: statsd
`), 0o600))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "runtime.workers")
	assert.Contains(t, err.Error(), "tracing.exporter")
	assert.Contains(t, err.Error(), "metrics.exporter")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestYAMLRendersLoadableDocument(t *testing.T) {
	cfg := Default()
	cfg.Server.ServerID = "srv-1"
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "connect_timeout: 1s")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg, back)
}

func TestNewLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "k=v")
}
