package bus

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/ftcvideo/matchbox/internal/obs"
)

// DiskUsage describes free space on the volume holding the clips directory.
type DiskUsage struct {
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// Status is the daemon's externally visible state. A new value is published
// on every transition.
type Status struct {
	Running           bool               `json:"running"`
	SwitcherConnected bool               `json:"switcher_connected"`
	UpstreamConnected bool               `json:"upstream_connected"`
	CurrentField      *int               `json:"current_field"`
	ClipsCount        int                `json:"clips_count"`
	RecordingInfo     *obs.RecordingInfo `json:"recording_info"`
	RecordingActive   bool               `json:"recording_active"`
	EventCode         string             `json:"event_code"`
	SyncRunning       bool               `json:"sync_running"`
	TunnelConnected   bool               `json:"tunnel_connected"`
	Disk              *DiskUsage         `json:"disk,omitempty"`
}

// StatusSubscriber receives status snapshots as they are published.
type StatusSubscriber struct {
	ID     string
	Events chan Status
	Done   chan struct{}
}

// StatusBus holds the latest status snapshot and fans out new ones.
type StatusBus struct {
	mu          sync.RWMutex
	current     Status
	subscribers map[string]*StatusSubscriber
}

// NewStatusBus creates an empty status bus.
func NewStatusBus() *StatusBus {
	return &StatusBus{
		subscribers: make(map[string]*StatusSubscriber),
	}
}

// Publish records the snapshot as current and broadcasts it.
func (b *StatusBus) Publish(status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = status
	for _, sub := range b.subscribers {
		select {
		case sub.Events <- status:
		default:
		}
	}
}

// Current returns the latest published snapshot.
func (b *StatusBus) Current() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Subscribe registers a subscriber for status transitions.
func (b *StatusBus) Subscribe(ctx context.Context) *StatusSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &StatusSubscriber{
		ID:     ulid.Make().String(),
		Events: make(chan Status, DefaultBufferSize),
		Done:   make(chan struct{}),
	}
	b.subscribers[sub.ID] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-sub.Done:
		}
		b.Unsubscribe(sub.ID)
	}()

	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *StatusBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}
