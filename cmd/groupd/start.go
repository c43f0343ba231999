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

	"github.com/quietwire/groupd/internal/config"
	"github.com/quietwire/groupd/internal/observability"
)

func newStartCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the group synchronization daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, v)
		},
	}
	config.BindServeFlags(cmd, v)
	return cmd
}

func runStart(cmd *cobra.Command, v *viper.Viper) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	obs, err := observability.New(ctx, observability.ObsConfig{
		LogLevel:       cfg.Observability.LogLevel,
		LogFormat:      cfg.Observability.LogFormat,
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		OTLPProtocol:   cfg.Observability.OTLPProtocol,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)

	if _, err := buildDaemon(ctx, cfg, obs); err != nil {
		return err
	}

	slog.Info("groupd started",
		"server", cfg.Server.URL,
		"groups_backend", cfg.Storage.Groups.Backend,
		"avatars_backend", cfg.Storage.Avatars.Backend,
		"metrics", cfg.Observability.MetricsAddr,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := obs.Close(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return err
	}
	return nil
}
