// Package commands implements the pml-gateway command line.
package commands

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/casys-ai/pml-gateway/config"
)

// Version and BuildTime are stamped by the build.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

const appName = "pml-gateway"

// Root builds the command tree.
func Root() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Procedural memory gateway for LLM tool orchestration",
		Long: `pml-gateway converts LLM-generated code snippets and intents into
DAGs of MCP tool calls, executes them with checkpoints and approval
gates, and learns successful snippets as reusable capabilities.

Tool dispatch, the code sandbox and intent embedding are reached over
NATS request-reply; state lives in Postgres and Redis.`,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&configPath, &logLevel),
		parseCmd(),
		capabilitiesCmd(&configPath, &logLevel),
		versionCmd(),
	)
	return cmd
}

// newLogger builds the process logger at the requested level.
func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	return config.NewLoader(logger).Load(path)
}
