package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/casys-ai/pml-gateway/gateway"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath, *logLevel)
		},
	}
}

func runServe(configPath, logLevel string) error {
	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("serve requires nats.url: tool dispatch, the sandbox and embedding are reached over NATS")
	}

	ctx := context.Background()

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name(appName))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	adapters := gateway.NewNATSAdapters(nc, cfg.Executor.DefaultTaskTimeout)
	g, err := gateway.New(ctx, cfg, gateway.External{
		Sandbox:  adapters,
		Tools:    adapters,
		Embedder: adapters,
		Catalog:  adapters,
	}, logger)
	if err != nil {
		return fmt.Errorf("wire gateway: %w", err)
	}

	svc, err := gateway.NewService(nc, g.Router(), logger)
	if err != nil {
		return fmt.Errorf("expose meta-tools: %w", err)
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("pml-gateway ready",
		slog.String("version", Version),
		slog.String("nats", cfg.NATS.URL))

	g.Run(signalCtx)
	logger.Info("shutdown signal received")

	// Stop taking requests first, then flush and close.
	svc.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	g.Close(shutdownCtx)

	logger.Info("pml-gateway shutdown complete")
	return nil
}
