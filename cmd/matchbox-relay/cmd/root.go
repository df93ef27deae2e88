// Package cmd implements the CLI for the matchbox relay server.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ftcvideo/matchbox/internal/observability"
	"github.com/ftcvideo/matchbox/internal/relay"
	"github.com/ftcvideo/matchbox/internal/version"
)

var (
	flagPort      int
	flagToken     string
	flagBasePath  string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:     "matchbox-relay",
	Short:   "Multi-tenant public relay for matchbox instances",
	Version: version.Short(),
	Long: `matchbox-relay accepts outbound tunnel registrations from matchbox
instances and exposes each one under /{event_code}/ on the public
internet, proxying HTTP and WebSocket traffic over the tunnel. It is
typically deployed behind a reverse proxy that terminates TLS.`,
	RunE: runRelay,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.Flags().IntVar(&flagPort, "port", 8080, "port to listen on")
	rootCmd.Flags().StringVar(&flagToken, "token", "", "shared registration token")
	rootCmd.Flags().StringVar(&flagBasePath, "base-path", "", "URL base path (e.g. /FTC/MatchBox)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text, json)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	if flagToken == "" {
		return errors.New("--token is required")
	}

	logger := observability.NewLoggerWithWriter(observability.LoggingConfig{
		Level:  strings.ToLower(flagLogLevel),
		Format: strings.ToLower(flagLogFormat),
	}, os.Stderr)
	observability.SetDefault(logger)

	server := relay.New(flagToken, flagBasePath).WithLogger(logger)
	if err := server.Start(flagPort); err != nil {
		return err
	}
	logger.Info("relay started",
		slog.String("version", version.Version),
		slog.Int("port", flagPort),
		slog.String("base_path", flagBasePath))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
