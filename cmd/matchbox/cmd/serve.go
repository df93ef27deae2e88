package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ftcvideo/matchbox/internal/bus"
	"github.com/ftcvideo/matchbox/internal/config"
	"github.com/ftcvideo/matchbox/internal/core"
	"github.com/ftcvideo/matchbox/internal/version"
	"github.com/ftcvideo/matchbox/internal/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the matchbox daemon",
	Long: `Start the web server, status bus, and (when an event code is
configured) the event orchestrator. The sync worker and reverse tunnel
start automatically when their configuration is present.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("event-code", "", "scoring system event code")
	serveCmd.Flags().String("scoring-host", config.Default().ScoringHost, "scoring system host")
	serveCmd.Flags().Int("scoring-port", config.Default().ScoringPort, "scoring system port")
	serveCmd.Flags().String("obs-host", config.Default().SwitcherHost, "switcher host")
	serveCmd.Flags().Int("obs-port", config.Default().SwitcherPort, "switcher websocket port")
	serveCmd.Flags().String("obs-password", "", "switcher websocket password")
	serveCmd.Flags().Int("web-port", config.Default().WebPort, "local web server port")
	serveCmd.Flags().String("output-dir", config.Default().OutputDir, "clip output directory")
	serveCmd.Flags().String("static-dir", "web_admin", "admin UI static files directory")

	mustBindPFlag("event_code", serveCmd.Flags().Lookup("event-code"))
	mustBindPFlag("scoring_host", serveCmd.Flags().Lookup("scoring-host"))
	mustBindPFlag("scoring_port", serveCmd.Flags().Lookup("scoring-port"))
	mustBindPFlag("switcher_host", serveCmd.Flags().Lookup("obs-host"))
	mustBindPFlag("switcher_port", serveCmd.Flags().Lookup("obs-port"))
	mustBindPFlag("switcher_password", serveCmd.Flags().Lookup("obs-password"))
	mustBindPFlag("web_port", serveCmd.Flags().Lookup("web-port"))
	mustBindPFlag("output_dir", serveCmd.Flags().Lookup("output-dir"))
	mustBindPFlag("web_admin_dir", serveCmd.Flags().Lookup("static-dir"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	store := config.NewStore(cfg, configFilePath())

	// Every slog record also lands in the log ring for /ws/logs.
	logService := bus.NewLogService()
	slog.SetDefault(slog.New(logService.WrapHandler(slog.Default().Handler())))
	logger := slog.Default()

	statusBus := bus.NewStatusBus()
	c := core.New(store, statusBus, logger)

	busServer := bus.NewServer(logService, statusBus, c.SwitcherAddr).WithLogger(logger)
	if err := busServer.Start(cfg.WebSocketPort()); err != nil {
		return err
	}

	webServer := web.NewServer(c, viper.GetString("web_admin_dir")).WithLogger(logger)
	if err := webServer.Start(cfg.WebPort); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		busServer.Shutdown(shutdownCtx)
		return err
	}

	var mdns *web.MDNSService
	if cfg.MDNSName != "" {
		if mdns, err = web.RegisterMDNS(logger, cfg.MDNSName, cfg.EventCode, cfg.WebPort); err != nil {
			logger.Warn("mdns registration failed", slog.Any("error", err))
		}
	}

	logger.Info("matchbox started",
		slog.String("version", version.Version),
		slog.Int("web_port", cfg.WebPort),
		slog.Int("ws_port", cfg.WebSocketPort()))

	// Autostart whatever the configuration enables. Failures are not
	// fatal; the web API can retry any of these.
	if cfg.EventCode != "" {
		if err := c.Start(context.Background()); err != nil {
			logger.Error("orchestrator autostart failed", slog.Any("error", err))
		}
	}
	if cfg.RsyncEnabled && cfg.RsyncHost != "" {
		if err := c.StartSync(); err != nil {
			logger.Error("sync autostart failed", slog.Any("error", err))
		}
	}
	if cfg.TunnelRelayURL != "" {
		if err := c.StartTunnel(); err != nil {
			logger.Error("tunnel autostart failed", slog.Any("error", err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Orchestrator first so no new clip jobs or scene switches are
	// scheduled, then the public surfaces, then the local servers.
	c.Stop()
	c.StopTunnel()
	c.StopSync()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	busServer.Shutdown(shutdownCtx)
	webServer.Shutdown(shutdownCtx)
	if mdns != nil {
		mdns.Shutdown()
	}
	return nil
}
