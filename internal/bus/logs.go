// Package bus provides the local WebSocket surface for logs and status: a
// bounded in-memory log ring fed by the slog handler, a status snapshot
// broadcaster, and the switcher WebSocket proxy endpoint.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	// DefaultMaxLogs is the maximum number of log records retained for replay.
	DefaultMaxLogs = 500
	// DefaultBufferSize is the subscriber event buffer size.
	DefaultBufferSize = 100
)

// LogRecord is a single log record as streamed to clients.
type LogRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// LogSubscriber receives new log records as they are emitted.
type LogSubscriber struct {
	ID     string
	Events chan *LogRecord
	Done   chan struct{}
}

// LogService captures log records into a bounded ring and fans them out to
// subscribers.
type LogService struct {
	mu          sync.RWMutex
	logs        []LogRecord
	maxLogs     int
	subscribers map[string]*LogSubscriber
}

// NewLogService creates a log service retaining up to DefaultMaxLogs records.
func NewLogService() *LogService {
	return &LogService{
		logs:        make([]LogRecord, 0, DefaultMaxLogs),
		maxLogs:     DefaultMaxLogs,
		subscribers: make(map[string]*LogSubscriber),
	}
}

// WrapHandler wraps an existing slog.Handler to intercept records. The
// wrapped handler still writes to its destination; records are additionally
// captured for replay and streaming.
func (s *LogService) WrapHandler(handler slog.Handler) slog.Handler {
	return &captureHandler{service: s, wrapped: handler}
}

// Add appends a record to the ring and broadcasts it.
func (s *LogService) Add(record LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = ulid.Make().String()
	}

	if len(s.logs) >= s.maxLogs {
		s.logs = s.logs[1:]
	}
	s.logs = append(s.logs, record)

	// Non-blocking fan-out; a full subscriber just misses the record.
	for _, sub := range s.subscribers {
		select {
		case sub.Events <- &record:
		default:
		}
	}
}

// Subscribe registers a subscriber for new records. The subscriber is
// removed when ctx is cancelled or its Done channel is closed.
func (s *LogService) Subscribe(ctx context.Context) *LogSubscriber {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &LogSubscriber{
		ID:     ulid.Make().String(),
		Events: make(chan *LogRecord, DefaultBufferSize),
		Done:   make(chan struct{}),
	}
	s.subscribers[sub.ID] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.Done:
		}
		s.Unsubscribe(sub.ID)
	}()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *LogService) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.Events)
		delete(s.subscribers, id)
	}
}

// Recent returns up to limit most recent records, oldest first.
func (s *LogService) Recent(limit int) []LogRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.logs) {
		limit = len(s.logs)
	}
	start := len(s.logs) - limit
	result := make([]LogRecord, limit)
	copy(result, s.logs[start:])
	return result
}

// SubscriberCount returns the number of active subscribers.
func (s *LogService) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// captureHandler is a slog.Handler that feeds records into the service.
type captureHandler struct {
	service *LogService
	wrapped slog.Handler
}

func (h *captureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.wrapped.Enabled(ctx, level)
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	h.service.Add(LogRecord{
		Timestamp: r.Time,
		Level:     levelToString(r.Level),
		Message:   r.Message,
	})
	return h.wrapped.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &captureHandler{service: h.service, wrapped: h.wrapped.WithAttrs(attrs)}
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	return &captureHandler{service: h.service, wrapped: h.wrapped.WithGroup(name)}
}

func levelToString(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
