// Package obs implements the request/response WebSocket client that drives
// the broadcast switcher: scene switching, scene-graph provisioning, and
// recording status queries.
package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection and call failure sentinels.
var (
	ErrAuthFailed   = errors.New("switcher authentication failed")
	ErrUnreachable  = errors.New("switcher unreachable")
	ErrNotConnected = errors.New("switcher not connected")
	ErrCallTimeout  = errors.New("switcher request timed out")
)

// defaultCallTimeout bounds each request/response round trip.
const defaultCallTimeout = 10 * time.Second

// request is the wire form of a switcher call.
type request struct {
	Request string         `json:"request"`
	ID      string         `json:"id"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is the wire form of a switcher reply.
type Response struct {
	ID     string         `json:"id"`
	Status bool           `json:"status"`
	DataIn map[string]any `json:"datain,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Client is a request/response client over a single switcher WebSocket.
// Calls are synchronous to their caller; responses are matched by id, so
// concurrent calls from different goroutines are safe.
type Client struct {
	logger      *slog.Logger
	callTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Response
	closed  chan struct{}
}

// NewClient creates a disconnected switcher client.
func NewClient() *Client {
	return &Client{
		logger:      slog.Default(),
		callTimeout: defaultCallTimeout,
	}
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithCallTimeout overrides the per-request timeout.
func (c *Client) WithCallTimeout(d time.Duration) *Client {
	c.callTimeout = d
	return c
}

// Connect dials the switcher and authenticates if a password is set.
// Idempotent: an existing connection is closed and replaced.
func (c *Client) Connect(ctx context.Context, host string, port int, password string) error {
	c.Close()

	u := url.URL{Scheme: "ws", Host: host + ":" + strconv.Itoa(port)}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]chan Response)
	c.closed = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn)

	if password != "" {
		resp, err := c.Call(ctx, "Authenticate", map[string]any{"password": password})
		if err != nil {
			c.Close()
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		if !resp.Status {
			c.Close()
			return fmt.Errorf("%w: %s", ErrAuthFailed, resp.Error)
		}
	}

	c.logger.Info("connected to switcher", slog.String("host", host), slog.Int("port", port))
	return nil
}

// Connected reports whether a switcher connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close tears down the connection and fails all pending calls.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.closed != nil {
		select {
		case <-c.closed:
		default:
			close(c.closed)
		}
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// readLoop dispatches inbound responses to their pending calls.
// Malformed frames are logged and dropped; the connection stays up.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				for id, ch := range c.pending {
					close(ch)
					delete(c.pending, id)
				}
			}
			c.mu.Unlock()
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Error("malformed switcher frame", slog.Any("error", err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

// Call sends one request and blocks until its response or the per-request
// timeout.
func (c *Client) Call(ctx context.Context, name string, params map[string]any) (Response, error) {
	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Response{}, ErrNotConnected
	}
	c.pending[id] = ch
	err := conn.WriteJSON(request{Request: name, ID: id, Params: params})
	c.mu.Unlock()
	if err != nil {
		c.dropPending(id)
		return Response{}, fmt.Errorf("sending %s: %w", name, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, ErrNotConnected
		}
		return resp, nil
	case <-timer.C:
		c.dropPending(id)
		return Response{}, fmt.Errorf("%w: %s", ErrCallTimeout, name)
	case <-ctx.Done():
		c.dropPending(id)
		return Response{}, ctx.Err()
	}
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// call is Call with the error cases folded in: a status=false response
// becomes an error carrying the switcher's message.
func (c *Client) call(ctx context.Context, name string, params map[string]any) (Response, error) {
	resp, err := c.Call(ctx, name, params)
	if err != nil {
		return Response{}, err
	}
	if !resp.Status {
		return Response{}, fmt.Errorf("%s failed: %s", name, resp.Error)
	}
	return resp, nil
}

// SwitchScene makes the named scene the program scene.
func (c *Client) SwitchScene(ctx context.Context, name string) error {
	_, err := c.call(ctx, "SetCurrentProgramScene", map[string]any{"sceneName": name})
	if err != nil {
		return err
	}
	c.logger.Info("switched scene", slog.String("scene", name))
	return nil
}

// RecordingInfo describes the switcher's active recording.
type RecordingInfo struct {
	Path           string    `json:"path"`
	StartWallclock time.Time `json:"start_wallclock"`
	DurationMS     float64   `json:"duration_ms"`
	Timecode       string    `json:"timecode"`
}

// GetRecordingInfo returns the active recording's path and timing, or nil if
// the switcher is not recording. The recording start wallclock is derived
// from the reported output duration.
func (c *Client) GetRecordingInfo(ctx context.Context) (*RecordingInfo, error) {
	status, err := c.call(ctx, "GetRecordStatus", nil)
	if err != nil {
		return nil, err
	}
	if active, _ := status.DataIn["outputActive"].(bool); !active {
		return nil, nil
	}

	info := &RecordingInfo{}
	if d, ok := status.DataIn["outputDuration"].(float64); ok {
		info.DurationMS = d
	}
	if tc, ok := status.DataIn["outputTimecode"].(string); ok {
		info.Timecode = tc
	}
	info.StartWallclock = time.Now().Add(-time.Duration(info.DurationMS * float64(time.Millisecond)))

	// The advanced output knows the path; fall back to the simple output,
	// then to the record status itself.
	info.Path = c.recordingPath(ctx, status)
	return info, nil
}

// recordingPath resolves the recording file path via the output-settings
// fallback chain.
func (c *Client) recordingPath(ctx context.Context, status Response) string {
	for _, output := range []string{"adv_file_output", "simple_file_output"} {
		resp, err := c.call(ctx, "GetOutputSettings", map[string]any{"outputName": output})
		if err != nil {
			continue
		}
		if settings, ok := resp.DataIn["outputSettings"].(map[string]any); ok {
			if path, ok := settings["path"].(string); ok && path != "" {
				return path
			}
		}
	}
	if path, ok := status.DataIn["outputPath"].(string); ok {
		return path
	}
	return ""
}
