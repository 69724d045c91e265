// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command vector-client calls a running vector-server.
//
//	vector-client dot --v1 1,2,3 --v2 4,5,6
//	vector-client norm --v 3,4
//	vector-client sql "SELECT vector_norm('[3,4]')"
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Query-farm/vgi-vector/internal/config"
	"github.com/Query-farm/vgi-vector/internal/telemetry"
	"github.com/Query-farm/vgi-vector/internal/vectorsvc"
)

type app struct {
	v          *viper.Viper
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	tel        *telemetry.Providers
	client     *vectorsvc.Client
}

// setup loads configuration, starts telemetry and connects. A server that
// cannot be reached is fatal.
func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = config.NewLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(a.logger)

	a.tel, err = telemetry.Setup(ctx, cfg.Tracing, cfg.Metrics, a.logger, os.Stderr)
	if err != nil {
		return err
	}

	var obs vectorsvc.Observer = vectorsvc.NopObserver{}
	if cfg.Tracing.Enabled || cfg.Metrics.Enabled {
		obs = telemetry.NewObserver(a.tel.TracerProvider, a.tel.MeterProvider, a.tel.Propagator)
	}
	a.client = vectorsvc.NewClient(cfg.Client.Address,
		vectorsvc.WithConnectTimeout(cfg.Client.ConnectTimeout),
		vectorsvc.WithRetry(vectorsvc.RetryPolicy{
			MaxAttempts:    cfg.Client.Retry.MaxAttempts,
			InitialBackoff: cfg.Client.Retry.InitialBackoff,
			MaxBackoff:     cfg.Client.Retry.MaxBackoff,
		}),
		vectorsvc.WithClientObserver(obs),
		vectorsvc.WithClientLogger(a.logger),
	)
	if err := a.client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Client.Address, err)
	}
	return nil
}

func (a *app) teardown() {
	if a.client != nil {
		_ = a.client.Close()
	}
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", "err", err)
		}
	}
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.NewViper()}

	root := &cobra.Command{
		Use:           "vector-client",
		Short:         "Call the vector service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.teardown()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.String("address", "", "server address")
	flags.Duration("connect-timeout", 0, "connection timeout")
	flags.Int("retries", 0, "maximum attempts on transport failure")
	flags.String("log-level", "", "debug, info, warn or error")
	_ = a.v.BindPFlag("client.address", flags.Lookup("address"))
	_ = a.v.BindPFlag("client.connect_timeout", flags.Lookup("connect-timeout"))
	_ = a.v.BindPFlag("client.retry.max_attempts", flags.Lookup("retries"))
	_ = a.v.BindPFlag("logging.level", flags.Lookup("log-level"))

	root.AddCommand(
		newDotCommand(a),
		newNormCommand(a),
		newDescribeCommand(a),
		newSQLCommand(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vector-client: %v\n", err)
		stop()
		os.Exit(1)
	}
}
