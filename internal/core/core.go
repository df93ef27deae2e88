// Package core implements the event orchestrator: it consumes the scoring
// system's event stream, keeps the switcher on the active field's scene, and
// schedules delayed clip extractions for every match start.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/ftcvideo/matchbox/internal/bus"
	"github.com/ftcvideo/matchbox/internal/clipper"
	"github.com/ftcvideo/matchbox/internal/config"
	"github.com/ftcvideo/matchbox/internal/obs"
	"github.com/ftcvideo/matchbox/internal/syncer"
	"github.com/ftcvideo/matchbox/internal/tunnel"
)

const (
	// defaultDrainWindow discards the scoring system's event backlog after
	// connect.
	defaultDrainWindow = 5 * time.Second

	// clipSafetyMargin pads the clip job delay past the nominal match end.
	clipSafetyMargin = 8 * time.Second

	// reconnectBaseDelay and reconnectMaxDelay bound upstream reconnects.
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// ErrAlreadyRunning is returned by Start while the orchestrator runs.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// switcherClient is the slice of the switcher client the orchestrator uses.
type switcherClient interface {
	Connect(ctx context.Context, host string, port int, password string) error
	Connected() bool
	Close()
	SwitchScene(ctx context.Context, name string) error
	ConfigureScenes(ctx context.Context, numFields int, overlayURL string) error
	GetRecordingInfo(ctx context.Context) (*obs.RecordingInfo, error)
}

// clipExtractor produces one clip file from the recording.
type clipExtractor interface {
	Extract(ctx context.Context, sourcePath string, startSeconds, durationSeconds float64, outputPath string) error
}

// ClipJob is a pending clip extraction for one match.
type ClipJob struct {
	MatchName      string
	Field          int
	WallclockStart time.Time
	FireAt         time.Time
}

// Core owns the orchestrator run loop and the daemon's controllable
// subsystems (sync worker, tunnel client).
type Core struct {
	logger    *slog.Logger
	store     *config.Store
	statusBus *bus.StatusBus

	switcher  switcherClient
	extractor clipExtractor
	monitor   *clipper.Monitor

	syncWorker *syncer.Worker
	tun        *tunnel.Client

	drainWindow time.Duration

	mu                sync.Mutex
	running           bool
	upstreamConnected bool
	currentField      *int
	lastRecording     *obs.RecordingInfo
	cancel            context.CancelFunc
	done              chan struct{}
}

// New wires a Core from its collaborators.
func New(store *config.Store, statusBus *bus.StatusBus, logger *slog.Logger) *Core {
	detector := clipper.NewBinaryDetector()
	c := &Core{
		logger:      logger,
		store:       store,
		statusBus:   statusBus,
		switcher:    obs.NewClient().WithLogger(logger),
		extractor:   clipper.NewExtractor(detector).WithLogger(logger),
		monitor:     clipper.NewMonitor(detector).WithLogger(logger),
		syncWorker:  syncer.NewWorker(store).WithLogger(logger),
		drainWindow: defaultDrainWindow,
	}
	c.tun = tunnel.NewClient(store).WithLogger(logger).WithNotify(c.publishStatus)
	return c
}

// Config returns the current configuration.
func (c *Core) Config() config.Config {
	return c.store.Get()
}

// UpdateConfig merges a partial configuration update.
func (c *Core) UpdateConfig(patch map[string]any) (config.Config, error) {
	return c.store.Merge(patch)
}

// SaveConfig persists the current configuration to disk.
func (c *Core) SaveConfig() error {
	return c.store.Save()
}

// SwitcherAddr returns the switcher endpoint for the WebSocket proxy.
func (c *Core) SwitcherAddr() (string, int) {
	cfg := c.store.Get()
	return cfg.SwitcherHost, cfg.SwitcherPort
}

// Running reports whether the orchestrator run loop is active.
func (c *Core) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start validates configuration, connects the switcher, and launches the
// upstream run loop.
func (c *Core) Start(ctx context.Context) error {
	cfg := c.store.Get()
	if err := cfg.ValidateForStart(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.switcher.Connect(ctx, cfg.SwitcherHost, cfg.SwitcherPort, cfg.SwitcherPassword); err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("connecting switcher: %w", err)
	}

	clipsDir, err := cfg.ClipsDir()
	if err == nil {
		err = os.MkdirAll(clipsDir, 0o755)
	}
	if err != nil {
		c.logger.Error("preparing clips directory", slog.Any("error", err))
	} else if err := GenerateIndex(clipsDir, cfg.WebPort, cfg.EventCode); err != nil {
		c.logger.Warn("generating initial index", slog.Any("error", err))
	}

	// Seed the recording monitor; the switcher may not be recording yet.
	if info, err := c.switcher.GetRecordingInfo(ctx); err != nil {
		c.logger.Warn("querying recording info", slog.Any("error", err))
	} else if info != nil {
		c.monitor.SetPath(info.Path, info.StartWallclock)
		c.setLastRecording(info)
	}
	c.monitor.Start()

	go c.run(runCtx)
	c.publishStatus()
	return nil
}

// Stop signals the run loop and waits for it to exit. In-flight clip jobs
// detach and run to completion.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.monitor.Stop()
	c.switcher.Close()

	c.mu.Lock()
	c.running = false
	c.upstreamConnected = false
	c.currentField = nil
	c.cancel = nil
	c.mu.Unlock()
	c.publishStatus()
}

// StartSync starts the periodic clips push.
func (c *Core) StartSync() error {
	if err := c.syncWorker.Start(); err != nil {
		return err
	}
	c.publishStatus()
	return nil
}

// StopSync stops the sync worker, waiting for a running invocation.
func (c *Core) StopSync() {
	c.syncWorker.Stop()
	c.publishStatus()
}

// StartTunnel starts the reverse tunnel client.
func (c *Core) StartTunnel() error {
	if err := c.tun.Start(); err != nil {
		return err
	}
	c.publishStatus()
	return nil
}

// StopTunnel stops the reverse tunnel client.
func (c *Core) StopTunnel() {
	c.tun.Stop()
	c.publishStatus()
}

// ConfigureScenes provisions the switcher scene graph from configuration.
func (c *Core) ConfigureScenes(ctx context.Context) error {
	cfg := c.store.Get()
	if !c.switcher.Connected() {
		if err := c.switcher.Connect(ctx, cfg.SwitcherHost, cfg.SwitcherPort, cfg.SwitcherPassword); err != nil {
			return fmt.Errorf("connecting switcher: %w", err)
		}
	}
	url := obs.OverlayURL(cfg.ScoringHost, cfg.ScoringPort, cfg.EventCode)
	return c.switcher.ConfigureScenes(ctx, cfg.NumFields(), url)
}

// SwitchScene switches the switcher to the named scene.
func (c *Core) SwitchScene(ctx context.Context, name string) error {
	return c.switcher.SwitchScene(ctx, name)
}

// ScanClips lists the clips directory, newest first.
func (c *Core) ScanClips() []ClipInfo {
	dir, err := c.store.Get().ClipsDir()
	if err != nil {
		return nil
	}
	return ScanClips(dir)
}

// Status builds the current status snapshot.
func (c *Core) Status() bus.Status {
	cfg := c.store.Get()
	c.mu.Lock()
	status := bus.Status{
		Running:           c.running,
		SwitcherConnected: c.switcher.Connected(),
		UpstreamConnected: c.upstreamConnected,
		CurrentField:      c.currentField,
		RecordingInfo:     c.lastRecording,
		RecordingActive:   c.monitor.IsRecording(),
		EventCode:         cfg.EventCode,
		SyncRunning:       c.syncWorker.Running(),
		TunnelConnected:   c.tun.Connected(),
	}
	c.mu.Unlock()

	if dir, err := cfg.ClipsDir(); err == nil {
		status.ClipsCount = len(ScanClips(dir))
		if usage, err := disk.Usage(dir); err == nil {
			status.Disk = &bus.DiskUsage{
				TotalBytes:  usage.Total,
				FreeBytes:   usage.Free,
				UsedPercent: usage.UsedPercent,
			}
		}
	}
	return status
}

// publishStatus pushes a fresh snapshot onto the status bus.
func (c *Core) publishStatus() {
	c.statusBus.Publish(c.Status())
}

func (c *Core) setLastRecording(info *obs.RecordingInfo) {
	c.mu.Lock()
	c.lastRecording = info
	c.mu.Unlock()
}

// run is the upstream loop: connect, drain, process, reconnect with
// bounded backoff until the context is cancelled.
func (c *Core) run(ctx context.Context) {
	defer close(c.done)

	var delay time.Duration
	for {
		if ctx.Err() != nil {
			return
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		cfg := c.store.Get()
		url := fmt.Sprintf("ws://%s:%d/stream/display/command/?code=%s",
			cfg.ScoringHost, cfg.ScoringPort, cfg.EventCode)

		ready, err := c.runSession(ctx, url)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Error("upstream connection lost", slog.String("url", url), slog.Any("error", err))
		}

		c.mu.Lock()
		c.upstreamConnected = false
		c.mu.Unlock()
		c.publishStatus()

		delay = nextReconnectDelay(delay, ready)
	}
}

// nextReconnectDelay doubles the backoff up to the cap. A session that made
// it through the drain window resets the backoff to the base.
func nextReconnectDelay(prev time.Duration, ready bool) time.Duration {
	if ready || prev == 0 {
		return reconnectBaseDelay
	}
	next := prev * 2
	if next > reconnectMaxDelay {
		next = reconnectMaxDelay
	}
	return next
}

// runSession is one upstream connection: drain the backlog, then process
// events until the socket closes or the context is cancelled. ready reports
// whether the session got through the drain window.
func (c *Core) runSession(ctx context.Context, url string) (ready bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dialing upstream: %w", err)
	}
	defer conn.Close()
	c.logger.Info("connected to scoring system", slog.String("url", url))

	c.mu.Lock()
	c.upstreamConnected = true
	c.mu.Unlock()
	c.publishStatus()

	// Close the socket when the context is cancelled so reads unblock.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// All reads happen on one goroutine for the whole session. The drain
	// below discards from the same channel, so no read deadline ever
	// touches the connection.
	msgs := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				readErr <- rerr
				return
			}
			select {
			case msgs <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Stale backlog events from before this connection must not trigger
	// scene switches or clips.
	drainTimer := time.NewTimer(c.drainWindow)
	defer drainTimer.Stop()
	discarded := 0
	for !ready {
		select {
		case <-ctx.Done():
			return false, nil
		case <-drainTimer.C:
			ready = true
		case _, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return false, nil
				}
				return false, fmt.Errorf("draining upstream: %w", <-readErr)
			}
			discarded++
		}
	}
	if discarded > 0 {
		c.logger.Info("discarded stale backlog", slog.Int("events", discarded))
	}

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case data, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return true, nil
				}
				return true, fmt.Errorf("reading upstream: %w", <-readErr)
			}
			c.processEvent(ctx, data)
		}
	}
}

// processEvent handles one upstream message. Per-event failures are logged
// and never stop the loop.
func (c *Core) processEvent(ctx context.Context, data []byte) {
	ev, params, ok, err := parseEvent(data)
	if err != nil {
		c.logger.Error("malformed upstream message", slog.Any("error", err))
		return
	}
	if !ok {
		return // heartbeat
	}

	switch ev.Type {
	case EventShowPreview, EventShowMatch:
		field, ok := fieldNumber(ev, params)
		if !ok {
			return
		}
		c.handleFieldDirective(ctx, field)
	case EventStartMatch:
		c.handleStartMatch(params)
	case EventEndMatch:
		c.logger.Info("match ended", slog.String("match", params.MatchName))
	default:
		c.logger.Debug("ignoring event", slog.String("type", ev.Type))
	}
}

// handleFieldDirective switches scenes when the active field changes.
// current_field only advances after the switcher confirms the switch.
func (c *Core) handleFieldDirective(ctx context.Context, field int) {
	c.mu.Lock()
	current := c.currentField
	c.mu.Unlock()
	if current != nil && *current == field {
		return
	}

	cfg := c.store.Get()
	scene, ok := cfg.FieldSceneMapping[field]
	if !ok {
		c.logger.Warn("no scene mapping for field", slog.Int("field", field))
		return
	}

	if err := c.switcher.SwitchScene(ctx, scene); err != nil {
		c.logger.Error("scene switch failed",
			slog.Int("field", field), slog.String("scene", scene), slog.Any("error", err))
		return
	}

	c.mu.Lock()
	c.currentField = &field
	c.mu.Unlock()
	c.logger.Info("current field updated", slog.Int("field", field))
	c.publishStatus()
}

// handleStartMatch schedules exactly one clip job for the match.
func (c *Core) handleStartMatch(params eventParams) {
	cfg := c.store.Get()
	now := time.Now()

	field := 1
	if params.Field != nil {
		field = *params.Field
	} else {
		c.mu.Lock()
		if c.currentField != nil {
			field = *c.currentField
		}
		c.mu.Unlock()
	}

	job := ClipJob{
		MatchName:      params.MatchName,
		Field:          field,
		WallclockStart: now,
		FireAt:         now.Add(clipDelay(cfg)),
	}
	c.logger.Info("match started, clip scheduled",
		slog.String("match", job.MatchName),
		slog.Int("field", job.Field),
		slog.Time("fire_at", job.FireAt))

	// The job detaches from the run loop: a stop or reconnect must not
	// lose a clip already owed to a match.
	time.AfterFunc(time.Until(job.FireAt), func() {
		c.fireClipJob(context.Background(), job)
	})
}

// clipDelay is how long after match start the clip job fires.
func clipDelay(cfg config.Config) time.Duration {
	return time.Duration(cfg.MatchDurationSeconds+cfg.PostMatchBufferSeconds)*time.Second + clipSafetyMargin
}

// clipWindow computes the extraction geometry from the match wallclock and
// the recording's start.
func clipWindow(wallclockStart, recordingStart time.Time, cfg config.Config) (start, duration float64) {
	offset := wallclockStart.Sub(recordingStart).Seconds()
	if offset < 0 {
		offset = 0
	}
	start = offset - float64(cfg.PreMatchBufferSeconds)
	if start < 0 {
		start = 0
	}
	duration = float64(cfg.PreMatchBufferSeconds + cfg.MatchDurationSeconds + cfg.PostMatchBufferSeconds)
	return start, duration
}

// fireClipJob extracts the clip for one job. Recording info is fetched
// fresh at fire time: the operator may have restarted the recording since
// the match started.
func (c *Core) fireClipJob(ctx context.Context, job ClipJob) {
	cfg := c.store.Get()

	info, err := c.switcher.GetRecordingInfo(ctx)
	if err != nil {
		c.logger.Error("clip job failed: recording info unavailable",
			slog.String("match", job.MatchName), slog.Any("error", err))
		return
	}
	if info == nil {
		c.logger.Error("clip job failed: switcher is not recording",
			slog.String("match", job.MatchName))
		return
	}
	c.monitor.SetPath(info.Path, info.StartWallclock)
	c.setLastRecording(info)
	if !c.monitor.IsRecording() {
		c.logger.Warn("recording file shows no recent growth",
			slog.String("match", job.MatchName), slog.String("path", info.Path))
	}

	start, duration := clipWindow(job.WallclockStart, info.StartWallclock, cfg)

	// Best-effort probe; a window that starts past the end of the file
	// would only produce an empty clip.
	if total, derr := c.monitor.Duration(ctx); derr == nil && start >= total {
		c.logger.Error("clip job failed: window starts past the recording end",
			slog.String("match", job.MatchName),
			slog.Float64("start_seconds", start),
			slog.Float64("recording_seconds", total))
		return
	}

	clipsDir, err := cfg.ClipsDir()
	if err != nil {
		c.logger.Error("clip job failed: clips dir unresolvable", slog.Any("error", err))
		return
	}
	if err := os.MkdirAll(clipsDir, 0o755); err != nil {
		c.logger.Error("clip job failed: creating clips dir", slog.Any("error", err))
		return
	}

	name := clipper.ClipName(job.MatchName, job.Field, job.WallclockStart)
	outputPath := clipper.ResolveCollision(clipsDir, name)

	if err := c.extractor.Extract(ctx, info.Path, start, duration, outputPath); err != nil {
		c.logger.Error("clip extraction failed",
			slog.String("match", job.MatchName),
			slog.String("output", outputPath),
			slog.Any("error", err))
		return
	}

	if err := GenerateIndex(clipsDir, cfg.WebPort, cfg.EventCode); err != nil {
		c.logger.Warn("index regeneration failed", slog.Any("error", err))
	}
	c.publishStatus()
}
