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

	"orcagent/internal/config"
	"orcagent/internal/logging"
	"orcagent/internal/supervisor"
	"orcagent/internal/tracing"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string
	var configPath string

	cmd := &cobra.Command{
		Use:   "orcagentd",
		Short: "Edge orchestrator agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Configure(logLevel); err != nil {
				return err
			}
			return run(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", logging.LevelInfo, "DEBUG|INFO|WARNING|ERROR|CRITICAL")
	cmd.Flags().StringVar(&configPath, "config", "", "path to the operator config file")
	return cmd
}

func run(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Setup(nil)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Warn("tracer provider shutdown failed", "error", err)
		}
	}()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return err
	}

	slog.Info("orchestrator agent starting", "config_path", cfg.Path())
	if err := sup.Run(ctx); err != nil {
		return err
	}
	slog.Info("orchestrator agent stopped cleanly")
	return nil
}
