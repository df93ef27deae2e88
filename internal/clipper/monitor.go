package clipper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

const (
	// sampleInterval is how often the active recording file is sized.
	sampleInterval = 5 * time.Second

	// growthWindow is how recent a size increase must be for the file to
	// count as actively recording.
	growthWindow = 30 * time.Second
)

// Monitor watches the switcher's active recording file. It answers
// "is currently recording" from observed file growth without asking the
// switcher, and can probe the file's current duration.
type Monitor struct {
	detector *BinaryDetector
	logger   *slog.Logger

	mu            sync.Mutex
	path          string
	startedAt     time.Time
	lastSize      int64
	growthSamples []time.Time

	cancel context.CancelFunc
	done   chan struct{}

	// now is replaceable for tests.
	now func() time.Time
}

// NewMonitor creates a recording monitor. Call Start to begin sampling.
func NewMonitor(detector *BinaryDetector) *Monitor {
	return &Monitor{
		detector: detector,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithLogger sets the logger used for sampler warnings.
func (m *Monitor) WithLogger(logger *slog.Logger) *Monitor {
	m.logger = logger
	return m
}

// Start launches the background size sampler.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop terminates the sampler and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// SetPath declares which file is the active recording. An empty path clears
// the monitor. Changing the path resets all growth history.
func (m *Monitor) SetPath(path string, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if path == m.path {
		return
	}
	m.path = path
	m.startedAt = startedAt
	m.lastSize = 0
	m.growthSamples = nil
}

// Path returns the active recording path and its start wallclock, or an
// empty path if none is set.
func (m *Monitor) Path() (string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path, m.startedAt
}

// IsRecording reports whether the active file has grown within the last 30s.
func (m *Monitor) IsRecording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	return len(m.growthSamples) > 0
}

// run samples the file size every sampleInterval.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample takes one size observation. Errors are logged and treated as
// "not growing"; the sampler never stops on them.
func (m *Monitor) sample() {
	m.mu.Lock()
	path := m.path
	last := m.lastSize
	m.mu.Unlock()

	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		m.logger.Warn("recording file not readable", slog.String("path", path), slog.Any("error", err))
		return
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.path != path {
		return
	}
	if info.Size() > last {
		m.growthSamples = append(m.growthSamples, now)
	}
	m.lastSize = info.Size()
	m.pruneLocked(now)
}

// pruneLocked drops growth samples older than the window. Caller holds mu.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-growthWindow)
	kept := m.growthSamples[:0]
	for _, t := range m.growthSamples {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.growthSamples = kept
}

// Duration probes the current duration of the active recording in seconds.
func (m *Monitor) Duration(ctx context.Context) (float64, error) {
	m.mu.Lock()
	path := m.path
	m.mu.Unlock()
	if path == "" {
		return 0, fmt.Errorf("no active recording")
	}
	return m.probeDuration(ctx, path)
}

// probeDuration asks ffprobe for the container duration of path.
func (m *Monitor) probeDuration(ctx context.Context, path string) (float64, error) {
	paths, err := m.detector.Detect()
	if err != nil {
		return 0, fmt.Errorf("resolving prober: %w", err)
	}
	if paths.FFprobePath == "" {
		return 0, fmt.Errorf("ffprobe not available")
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, paths.FFprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_entries", "format=duration",
		path)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("probing %s: %w", path, err)
	}

	var result struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return 0, fmt.Errorf("parsing probe output: %w", err)
	}
	dur, err := strconv.ParseFloat(result.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing probe duration %q: %w", result.Format.Duration, err)
	}
	return dur, nil
}
