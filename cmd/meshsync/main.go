package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gotnull/meshsync/internal/config"
	"github.com/gotnull/meshsync/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const programName = "meshsync"

var (
	globalFlags = struct {
		debug      bool
		configFile string
	}{}

	cfg    *config.App
	logger *slog.Logger
)

func setup(cmd *cobra.Command, _ []string) error {
	loaded, err := config.New(globalFlags.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg = loaded

	level := cfg.LogLevel
	if globalFlags.debug {
		level = "DEBUG"
	}
	logger = observability.NewLogger(level,
		observability.WithJSON(cfg.LogJSON),
		observability.WithSource(globalFlags.debug),
	)
	slog.SetDefault(logger)

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
		logger.Debug(fmt.Sprintf(format, v...))
	})); err != nil {
		return fmt.Errorf("set GOMAXPROCS: %w", err)
	}
	if cfg.ConfigPath != "" {
		logger.Debug("config loaded", slog.String("path", cfg.ConfigPath))
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:               programName,
		Short:             "Sync signals between a Meshtastic mesh and the cloud",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.configFile, "config", "c", "", "path to config file to load")

	rootCmd.AddCommand(
		runCommand(),
		sweepCommand(),
		replayCommand(),
		sendCommand(),
		watchCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
