// Package clipper extracts stream-copied clips from the switcher's growing
// recording file and tracks whether that file is actively being written.
package clipper

import (
	"fmt"
	"sync"
	"time"

	"github.com/ftcvideo/matchbox/internal/util"
)

// BinaryPaths holds the resolved encoder and prober binary paths.
type BinaryPaths struct {
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
}

// BinaryDetector resolves and caches the ffmpeg/ffprobe binary paths.
type BinaryDetector struct {
	mu           sync.RWMutex
	paths        *BinaryPaths
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a new binary detector.
func NewBinaryDetector() *BinaryDetector {
	return &BinaryDetector{
		cacheTTL: 5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect resolves the ffmpeg and ffprobe binaries.
// ffmpeg is required; ffprobe is optional (duration queries degrade gracefully).
func (d *BinaryDetector) Detect() (*BinaryPaths, error) {
	d.mu.RLock()
	if d.paths != nil && time.Since(d.lastDetected) < d.cacheTTL {
		paths := d.paths
		d.mu.RUnlock()
		return paths, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.paths != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.paths, nil
	}

	paths := &BinaryPaths{}

	// Search order: MATCHBOX_FFMPEG_BINARY env var -> ./ffmpeg -> PATH
	ffmpegPath, err := util.FindBinary("ffmpeg", "MATCHBOX_FFMPEG_BINARY")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	paths.FFmpegPath = ffmpegPath

	if ffprobePath, err := util.FindBinary("ffprobe", "MATCHBOX_FFPROBE_BINARY"); err == nil {
		paths.FFprobePath = ffprobePath
	}

	d.paths = paths
	d.lastDetected = time.Now()
	return paths, nil
}

// Clear clears the cached binary paths.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = nil
}
