package clipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Extraction failure reasons.
var (
	// ErrEncoderMissing indicates the ffmpeg binary could not be resolved.
	ErrEncoderMissing = errors.New("encoder missing")

	// ErrOutputExists indicates the output file already existed at
	// open-for-create time. Clips are never overwritten.
	ErrOutputExists = errors.New("output already exists")

	// ErrOutputNotCreated indicates the encoder exited zero but produced no file.
	ErrOutputNotCreated = errors.New("output not created")
)

// stderrTailLimit bounds how much encoder stderr is carried in errors.
const stderrTailLimit = 2048

// Extractor stream-copies windows out of a source recording file.
type Extractor struct {
	detector *BinaryDetector
	logger   *slog.Logger
	timeout  time.Duration
}

// NewExtractor creates a clip extractor.
func NewExtractor(detector *BinaryDetector) *Extractor {
	return &Extractor{
		detector: detector,
		logger:   slog.Default(),
		timeout:  5 * time.Minute,
	}
}

// WithLogger sets the logger used for extraction progress.
func (e *Extractor) WithLogger(logger *slog.Logger) *Extractor {
	e.logger = logger
	return e
}

// Extract stream-copies [start, start+duration) seconds of sourcePath into a
// new file at outputPath. The output is created exclusively; an existing file
// at outputPath fails the extraction rather than being overwritten. Negative
// timestamps at container boundaries are normalized to zero.
func (e *Extractor) Extract(ctx context.Context, sourcePath string, startSeconds, durationSeconds float64, outputPath string) error {
	paths, err := e.detector.Detect()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncoderMissing, err)
	}

	// Claim the output name before spawning the encoder. ffmpeg is handed -y
	// because the claim already guarantees uniqueness.
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrOutputExists, outputPath)
		}
		return fmt.Errorf("creating output file: %w", err)
	}
	f.Close()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{
		"-y",
		"-i", sourcePath,
		"-ss", formatSeconds(startSeconds),
		"-t", formatSeconds(durationSeconds),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		outputPath,
	}

	e.logger.Info("extracting clip",
		slog.String("source", sourcePath),
		slog.Float64("start", startSeconds),
		slog.Float64("duration", durationSeconds),
		slog.String("output", outputPath))

	cmd := exec.CommandContext(ctx, paths.FFmpegPath, args...)
	stderr, err := runCapturingStderr(cmd)
	if err != nil {
		// Remove the placeholder so a retry with the same name is possible.
		os.Remove(outputPath)
		return fmt.Errorf("encoder exited with error: %w: %s", err, stderr)
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outputPath)
		return fmt.Errorf("%w: %s", ErrOutputNotCreated, outputPath)
	}

	e.logger.Info("clip extracted",
		slog.String("output", outputPath),
		slog.Int64("bytes", info.Size()))
	return nil
}

// runCapturingStderr runs cmd and returns a bounded tail of its stderr.
func runCapturingStderr(cmd *exec.Cmd) (string, error) {
	var buf boundedBuffer
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}

// boundedBuffer keeps only the last stderrTailLimit bytes written.
type boundedBuffer struct {
	data []byte
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > stderrTailLimit {
		b.data = b.data[len(b.data)-stderrTailLimit:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return string(b.data)
}

// formatSeconds renders a seconds value for the encoder command line.
func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}
