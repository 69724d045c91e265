// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Query-farm/vgi-vector/internal/config"
	"github.com/Query-farm/vgi-vector/internal/telemetry"
	"github.com/Query-farm/vgi-vector/internal/vecmath"
	"github.com/Query-farm/vgi-vector/internal/vectorsvc"
	"github.com/Query-farm/vgi-vector/vgirpc"
	vgiotel "github.com/Query-farm/vgi-vector/vgirpc/otel"
)

const serviceName = "VectorService"

// newServer builds the RPC server with the vector methods registered and,
// when telemetry is on, the dispatch hook and observer installed.
func newServer(cfg config.Config, logger *slog.Logger, tel *telemetry.Providers) *vgirpc.Server {
	server := vgirpc.NewServer()
	id := cfg.Server.ServerID
	if id == "" {
		id = uuid.NewString()
	}
	server.SetServerID(id)
	server.SetServiceName(serviceName)
	server.SetDebugErrors(cfg.Server.DebugErrors)
	server.SetLogger(logger)

	var obs vectorsvc.Observer = vectorsvc.NopObserver{}
	if cfg.Tracing.Enabled || cfg.Metrics.Enabled {
		obs = telemetry.NewObserver(tel.TracerProvider, tel.MeterProvider, tel.Propagator)

		hook := vgiotel.DefaultConfig()
		hook.TracerProvider = tel.TracerProvider
		hook.MeterProvider = tel.MeterProvider
		hook.Propagator = tel.Propagator
		hook.EnableTracing = cfg.Tracing.Enabled
		hook.EnableMetrics = cfg.Metrics.Enabled
		vgiotel.InstrumentServer(server, hook)
	}

	vectorsvc.Register(server,
		vectorsvc.WithServerObserver(obs),
		vectorsvc.WithServerLogger(logger))
	logger.Info("vector service ready", "server_id", id, "kernel", vecmath.Kernel(),
		"tracing", cfg.Tracing.Enabled, "metrics", cfg.Metrics.Enabled)
	return server
}

func newServeCommand(a *app) *cobra.Command {
	var unixPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve over TCP, and optionally HTTP and a unix socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), unixPath)
		},
	}
	cmd.Flags().String("address", "", "TCP listen address")
	cmd.Flags().String("http-address", "", "HTTP listen address (empty disables HTTP)")
	cmd.Flags().String("server-id", "", "server identifier (default: random)")
	cmd.Flags().Bool("debug-errors", false, "include stack traces in error responses")
	cmd.Flags().StringVar(&unixPath, "unix", "", "also serve on this unix socket path")
	_ = a.v.BindPFlag("server.address", cmd.Flags().Lookup("address"))
	_ = a.v.BindPFlag("server.http_address", cmd.Flags().Lookup("http-address"))
	_ = a.v.BindPFlag("server.server_id", cmd.Flags().Lookup("server-id"))
	_ = a.v.BindPFlag("server.debug_errors", cmd.Flags().Lookup("debug-errors"))
	return cmd
}

func (a *app) serve(ctx context.Context, unixPath string) error {
	tel, err := telemetry.Setup(ctx, a.cfg.Tracing, a.cfg.Metrics, a.logger, os.Stdout)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(tel, a.logger)

	server := newServer(a.cfg, a.logger, tel)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe(gctx, a.cfg.Server.Address)
	})

	if unixPath != "" {
		_ = os.Remove(unixPath)
		ln, err := net.Listen("unix", unixPath)
		if err != nil {
			return fmt.Errorf("listen unix %s: %w", unixPath, err)
		}
		defer os.Remove(unixPath)
		a.logger.Info("listening", "unix", unixPath)
		g.Go(func() error {
			return server.ServeListener(gctx, ln)
		})
	}

	if addr := a.cfg.Server.HTTPAddress; addr != "" {
		httpHandler := vgirpc.NewHttpServer(server)
		if err := httpHandler.SetCompressionLevel(3); err != nil {
			return err
		}
		srv := &http.Server{
			Addr:              addr,
			Handler:           httpHandler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("listening", "http", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	a.logger.Info("server stopped")
	return err
}

func newStdioCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve one client over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the protocol; exporters must not write there.
			tel, err := telemetry.Setup(cmd.Context(), a.cfg.Tracing, a.cfg.Metrics, a.logger, os.Stderr)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel, a.logger)

			newServer(a.cfg, a.logger, tel).RunStdio()
			return nil
		},
	}
}

func shutdownTelemetry(tel *telemetry.Providers, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", "err", err)
	}
}
