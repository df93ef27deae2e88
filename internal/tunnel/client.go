package tunnel

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ftcvideo/matchbox/internal/auth"
	"github.com/ftcvideo/matchbox/internal/config"
)

const (
	// reconnectBaseDelay and reconnectMaxDelay bound the retry backoff.
	// The delay resets after a successful registration.
	reconnectBaseDelay = 5 * time.Second
	reconnectMaxDelay  = 60 * time.Second

	// localHTTPTimeout bounds one proxied request to the local server.
	localHTTPTimeout = 30 * time.Second
)

// Start failure sentinels.
var (
	ErrAlreadyRunning = errors.New("tunnel already running")
	ErrRelayURLUnset  = errors.New("tunnel relay URL is not configured")
)

// Client maintains the outbound tunnel connection and serves multiplexed
// traffic from the relay.
type Client struct {
	logger *slog.Logger
	store  *config.Store
	notify func()

	httpClient *http.Client

	mu        sync.Mutex
	running   bool
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	conn      *websocket.Conn
	connMu    sync.Mutex // serializes writes on conn
	localWS   map[string]*websocket.Conn
}

// NewClient creates a stopped tunnel client.
func NewClient(store *config.Store) *Client {
	return &Client{
		logger:     slog.Default(),
		store:      store,
		httpClient: &http.Client{Timeout: localHTTPTimeout},
		localWS:    make(map[string]*websocket.Conn),
	}
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithNotify sets a callback invoked on connect/disconnect transitions.
func (c *Client) WithNotify(notify func()) *Client {
	c.notify = notify
	return c
}

// Running reports whether the connect loop is active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Connected reports whether a registered tunnel connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Start launches the connect loop.
func (c *Client) Start() error {
	cfg := c.store.Get()
	if cfg.TunnelRelayURL == "" {
		return ErrRelayURLUnset
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop closes the tunnel and all local bridge sockets.
func (c *Client) Stop() {
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

	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	c.logger.Info("tunnel stopped")
}

// NormalizeRelayURL rewrites http(s) schemes to ws(s) and appends /tunnel
// if absent.
func NormalizeRelayURL(raw string) string {
	u := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://"):
		u = "ws://" + u
	}
	if !strings.HasSuffix(u, "/tunnel") {
		u += "/tunnel"
	}
	return u
}

// run is the connect loop: dial, register, serve, tear down, back off.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		registered, err := c.runSession(ctx)
		c.setConnected(false)
		c.teardownLocalWS()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var rejection *registrationError
			if errors.As(err, &rejection) {
				// The relay refused us outright; retrying would spam it.
				c.logger.Error("tunnel registration rejected", slog.String("message", rejection.message))
				c.mu.Lock()
				c.running = false
				c.mu.Unlock()
				return
			}
			c.logger.Warn("tunnel connection error", slog.Any("error", err))
		}
		if registered {
			delay = reconnectBaseDelay
		}

		c.logger.Info("tunnel reconnecting", slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// registrationError is a relay {type:error} reply to our register frame.
type registrationError struct {
	message string
}

func (e *registrationError) Error() string {
	return "registration rejected: " + e.message
}

// runSession is one tunnel connection. Returns whether registration
// succeeded (used to reset the backoff).
func (c *Client) runSession(ctx context.Context) (bool, error) {
	cfg := c.store.Get()
	url := NormalizeRelayURL(cfg.TunnelRelayURL)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, fmt.Errorf("dialing relay: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	eventCode := cfg.EventCode
	if eventCode == "" {
		eventCode = "default"
	}
	if err := c.writeFrame(Frame{
		Type:       FrameRegister,
		EventCode:  eventCode,
		Password:   cfg.TunnelPassword,
		AllowAdmin: cfg.TunnelAllowAdmin,
		AdminHash:  auth.AdminHash,
		AdminSalt:  auth.AdminSaltHex,
	}); err != nil {
		return false, fmt.Errorf("sending registration: %w", err)
	}

	var reply Frame
	if err := conn.ReadJSON(&reply); err != nil {
		return false, fmt.Errorf("reading registration reply: %w", err)
	}
	switch reply.Type {
	case FrameRegistered:
		c.logger.Info("tunnel registered", slog.String("instance_id", reply.InstanceID))
	case FrameError:
		return false, &registrationError{message: reply.Message}
	default:
		return false, fmt.Errorf("unexpected registration reply %q", reply.Type)
	}

	c.setConnected(true)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("reading tunnel: %w", err)
		}
		c.dispatch(ctx, frame)
	}
}

// dispatch routes one relay frame. Blocking work runs off this goroutine so
// a slow local hop never stalls the tunnel read loop.
func (c *Client) dispatch(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameHTTPRequest:
		go c.handleHTTPRequest(ctx, frame)
	case FrameWSOpen:
		go c.handleWSOpen(ctx, frame)
	case FrameWSData:
		c.handleWSData(frame)
	case FrameWSClose:
		c.handleWSClose(frame.ID)
	case FrameError:
		c.logger.Error("relay error", slog.String("message", frame.Message))
	default:
		c.logger.Debug("ignoring tunnel frame", slog.String("type", frame.Type))
	}
}

// handleHTTPRequest performs the local HTTP hop and replies with the same id.
func (c *Client) handleHTTPRequest(ctx context.Context, frame Frame) {
	cfg := c.store.Get()

	status, headers, body, err := c.doLocalRequest(ctx, cfg.WebPort, frame)
	if err != nil {
		c.logger.Error("tunnel HTTP proxy error", slog.String("path", frame.Path), slog.Any("error", err))
		c.writeFrame(Frame{
			Type:    FrameHTTPResponse,
			ID:      frame.ID,
			Status:  http.StatusBadGateway,
			Headers: map[string]string{"Content-Type": "text/plain"},
			Body:    base64.StdEncoding.EncodeToString([]byte("Tunnel proxy error: " + err.Error())),
		})
		return
	}

	c.writeFrame(Frame{
		Type:    FrameHTTPResponse,
		ID:      frame.ID,
		Status:  status,
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(body),
	})
}

// doLocalRequest executes one request against the local web server.
func (c *Client) doLocalRequest(ctx context.Context, webPort int, frame Frame) (int, map[string]string, []byte, error) {
	var reqBody io.Reader
	if frame.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(frame.Body)
		if err != nil {
			return 0, nil, nil, fmt.Errorf("decoding request body: %w", err)
		}
		reqBody = bytes.NewReader(decoded)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d%s", webPort, frame.Path)
	req, err := http.NewRequestWithContext(ctx, frame.Method, url, reqBody)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("building request: %w", err)
	}
	for key, value := range frame.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("local request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading local response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}
	return resp.StatusCode, headers, body, nil
}

// handleWSOpen opens a local bridge socket for a proxied browser WebSocket.
func (c *Client) handleWSOpen(ctx context.Context, frame Frame) {
	cfg := c.store.Get()
	url := fmt.Sprintf("ws://127.0.0.1:%d%s", cfg.WebSocketPort(), frame.Path)

	dialer := websocket.Dialer{
		Subprotocols:     frame.Subprotocols,
		HandshakeTimeout: 10 * time.Second,
	}
	local, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.logger.Error("tunnel WS open failed", slog.String("url", url), slog.Any("error", err))
		c.writeFrame(Frame{Type: FrameWSError, ID: frame.ID, Message: err.Error()})
		return
	}

	c.mu.Lock()
	c.localWS[frame.ID] = local
	c.mu.Unlock()

	c.writeFrame(Frame{Type: FrameWSOpened, ID: frame.ID})
	go c.bridgeLocalWS(frame.ID, local)
}

// bridgeLocalWS forwards local frames to the relay until the local socket
// closes, then reports ws_close with the same id.
func (c *Client) bridgeLocalWS(id string, local *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		delete(c.localWS, id)
		c.mu.Unlock()
		local.Close()
		c.writeFrame(Frame{Type: FrameWSClose, ID: id})
	}()

	for {
		msgType, data, err := local.ReadMessage()
		if err != nil {
			return
		}
		payload := string(data)
		if msgType == websocket.BinaryMessage {
			payload = base64.StdEncoding.EncodeToString(data)
		}
		if err := c.writeFrame(Frame{Type: FrameWSData, ID: id, Data: payload}); err != nil {
			return
		}
	}
}

// handleWSData forwards relay data to the matching local socket.
func (c *Client) handleWSData(frame Frame) {
	c.mu.Lock()
	local := c.localWS[frame.ID]
	c.mu.Unlock()
	if local == nil {
		return
	}
	if err := local.WriteMessage(websocket.TextMessage, []byte(frame.Data)); err != nil {
		c.handleWSClose(frame.ID)
	}
}

// handleWSClose closes and forgets the matching local socket.
func (c *Client) handleWSClose(id string) {
	c.mu.Lock()
	local := c.localWS[id]
	delete(c.localWS, id)
	c.mu.Unlock()
	if local != nil {
		local.Close()
	}
}

// teardownLocalWS drops all per-connection bridge state between attempts.
func (c *Client) teardownLocalWS() {
	c.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(c.localWS))
	for _, conn := range c.localWS {
		conns = append(conns, conn)
	}
	c.localWS = make(map[string]*websocket.Conn)
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// writeFrame serializes one frame onto the tunnel socket.
func (c *Client) writeFrame(frame Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("tunnel not connected")
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return conn.WriteJSON(frame)
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	changed := c.connected != connected
	c.connected = connected
	notify := c.notify
	c.mu.Unlock()
	if changed && notify != nil {
		notify()
	}
}
