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

	"github.com/ftcvideo/matchbox/internal/config"
	"github.com/ftcvideo/matchbox/internal/syncer"
)

var syncOnce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push the clips directory to the configured rsync target",
	Long: `Run the clips sync worker standalone. With --once a single push is
performed and the command exits; otherwise it keeps pushing on the
configured interval until interrupted.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().BoolVar(&syncOnce, "once", false, "run one sync and exit")
	syncCmd.Flags().String("event-code", "", "scoring system event code")
	syncCmd.Flags().String("rsync-host", "", "rsync server host")
	syncCmd.Flags().String("rsync-module", "", "rsync module name")
	syncCmd.Flags().String("rsync-username", "", "rsync username")

	mustBindPFlag("event_code", syncCmd.Flags().Lookup("event-code"))
	mustBindPFlag("rsync_host", syncCmd.Flags().Lookup("rsync-host"))
	mustBindPFlag("rsync_module", syncCmd.Flags().Lookup("rsync-module"))
	mustBindPFlag("rsync_username", syncCmd.Flags().Lookup("rsync-username"))
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	store := config.NewStore(cfg, configFilePath())
	logger := slog.Default()
	worker := syncer.NewWorker(store).WithLogger(logger)

	if syncOnce {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		return worker.RunOnce(ctx)
	}

	if err := worker.Start(); err != nil {
		return err
	}
	logger.Info("sync worker running",
		slog.String("target", syncer.TargetURL(store.Get())),
		slog.Int("interval_seconds", cfg.RsyncIntervalSeconds))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	worker.Stop()
	return nil
}
