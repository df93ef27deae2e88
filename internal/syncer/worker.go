// Package syncer pushes the clips tree to a remote rsync daemon on a fixed
// interval.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ftcvideo/matchbox/internal/config"
	"github.com/ftcvideo/matchbox/internal/util"
)

// invocationTimeout bounds one rsync run.
const invocationTimeout = 5 * time.Minute

// Start failure sentinels.
var (
	ErrAlreadyRunning = errors.New("sync worker already running")
	ErrTargetUnset    = errors.New("rsync host and module are required")
)

// Worker runs rsync on a schedule. Stop is cooperative: a running
// invocation completes before Stop returns.
type Worker struct {
	logger *slog.Logger
	store  *config.Store

	mu   sync.Mutex
	cron *cron.Cron
}

// NewWorker creates a stopped sync worker.
func NewWorker(store *config.Store) *Worker {
	return &Worker{
		logger: slog.Default(),
		store:  store,
	}
}

// WithLogger sets the logger.
func (w *Worker) WithLogger(logger *slog.Logger) *Worker {
	w.logger = logger
	return w
}

// Running reports whether the schedule is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cron != nil
}

// Start validates the sync target and begins the interval schedule. The
// first sync runs immediately.
func (w *Worker) Start() error {
	cfg := w.store.Get()
	if cfg.RsyncHost == "" || cfg.RsyncModule == "" {
		return ErrTargetUnset
	}
	interval := cfg.RsyncIntervalSeconds
	if interval <= 0 {
		interval = config.DefaultRsyncInterval
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return ErrAlreadyRunning
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %ds", interval), w.syncOnce); err != nil {
		return fmt.Errorf("scheduling sync: %w", err)
	}
	c.Start()
	w.cron = c

	go w.syncOnce()
	w.logger.Info("sync worker started", slog.Int("interval_seconds", interval))
	return nil
}

// Stop halts the schedule and waits for any in-flight invocation.
func (w *Worker) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	w.logger.Info("sync worker stopped")
}

// syncOnce is the scheduled entry point; failures defer to the next tick.
func (w *Worker) syncOnce() {
	if err := w.RunOnce(context.Background()); err != nil {
		w.logger.Error("sync failed", slog.Any("error", err))
	}
}

// RunOnce performs a single rsync invocation with the configured target.
// A missing source directory is nothing-to-sync, not an error.
func (w *Worker) RunOnce(ctx context.Context) error {
	cfg := w.store.Get()
	if cfg.RsyncHost == "" || cfg.RsyncModule == "" {
		return ErrTargetUnset
	}
	if cfg.EventCode == "" {
		return config.ErrEventCodeRequired
	}

	source, err := cfg.ClipsDir()
	if err != nil {
		return fmt.Errorf("resolving clips dir: %w", err)
	}
	if _, err := os.Stat(source); err != nil {
		w.logger.Warn("source directory does not exist, nothing to sync",
			slog.String("source", source))
		return nil
	}

	rsyncPath, err := util.FindBinary("rsync", "MATCHBOX_RSYNC_BINARY")
	if err != nil {
		return fmt.Errorf("rsync binary not found: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, invocationTimeout)
	defer cancel()

	// Trailing slash on the source syncs directory contents.
	cmd := exec.CommandContext(ctx, rsyncPath,
		"-avz", "--checksum", source+"/", TargetURL(cfg))
	cmd.Env = os.Environ()
	if cfg.RsyncPassword != "" {
		cmd.Env = append(cmd.Env, "RSYNC_PASSWORD="+cfg.RsyncPassword)
	}

	w.logger.Info("syncing clips",
		slog.String("source", source), slog.String("target", TargetURL(cfg)))

	output, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(output)
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return fmt.Errorf("rsync failed: %w: %s", err, tail)
	}

	w.logger.Info("sync completed")
	return nil
}

// TargetURL builds the rsync daemon URL: rsync://{username@}host/module/.
func TargetURL(cfg config.Config) string {
	if cfg.RsyncUsername != "" {
		return fmt.Sprintf("rsync://%s@%s/%s/", cfg.RsyncUsername, cfg.RsyncHost, cfg.RsyncModule)
	}
	return fmt.Sprintf("rsync://%s/%s/", cfg.RsyncHost, cfg.RsyncModule)
}
