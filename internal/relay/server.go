// Package relay implements the multi-tenant public endpoint. Instances
// register over an outbound WebSocket and are exposed under
// /{event_code}/... path prefixes; browser HTTP requests and WebSocket
// upgrades are multiplexed over the single tunnel socket per instance.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ftcvideo/matchbox/internal/tunnel"
)

const (
	registrationTimeout = 10 * time.Second
	proxyTimeout        = 30 * time.Second

	// Close codes on the tunnel socket.
	CloseBadHandshake = 4000
	CloseBadToken     = 4001
	CloseReplaced     = 4010
)

// Hop-by-hop headers stripped from proxied requests and responses.
var (
	skipRequestHeaders  = []string{"Host", "Connection", "Upgrade", "Transfer-Encoding"}
	skipResponseHeaders = []string{"Transfer-Encoding", "Content-Length", "Connection"}
)

// Server accepts tunnel registrations and proxies public traffic to them.
type Server struct {
	logger   *slog.Logger
	token    string
	basePath string
	upgrader websocket.Upgrader

	mu        sync.Mutex
	instances map[string]*Instance
	idByEvent map[string]string

	httpServer *http.Server
	listener   net.Listener
}

// New creates a relay validating registrations against token. basePath is
// an optional URL prefix, e.g. "/FTC/MatchBox".
func New(token, basePath string) *Server {
	return &Server{
		logger:    slog.Default(),
		token:     token,
		basePath:  strings.TrimRight(basePath, "/"),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		instances: make(map[string]*Instance),
		idByEvent: make(map[string]string),
	}
}

// WithLogger sets the logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger.With("component", "relay")
	return s
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	register := func(r chi.Router) {
		r.Get("/", s.handleDashboard)
		r.Get("/tunnel", s.handleTunnel)
		r.Handle("/{instanceID}/*", http.HandlerFunc(s.handleProxy))
	}
	if s.basePath != "" {
		r.Route(s.basePath, register)
	} else {
		register(r)
	}
	return r
}

// Start binds the listener and begins serving. Bind errors are returned
// synchronously.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("binding relay listener: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("relay server stopped", "error", err)
		}
	}()
	s.logger.Info("relay listening", "addr", listener.Addr().String(), "base_path", s.basePath)
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the HTTP server and closes every live tunnel.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.Unlock()
	for _, inst := range instances {
		inst.teardown()
		inst.closeTunnel(websocket.CloseGoingAway, "relay shutting down")
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) instanceByID(id string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// handleDashboard lists live instances with uptime and an admin link.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	instances := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	s.mu.Unlock()

	now := time.Now()
	var items strings.Builder
	for _, inst := range instances {
		link := s.basePath + "/" + inst.instanceID + "/admin"
		fmt.Fprintf(&items,
			`<div class="instance"><a href="%s">%s</a> &mdash; connected %s</div>`+"\n",
			link, html.EscapeString(inst.eventCode), inst.Uptime(now))
	}
	if items.Len() == 0 {
		items.WriteString(`<p class="empty">No MatchBox instances connected.</p>`)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, dashboardTemplate, items.String())
}

const dashboardTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>MatchBox Relay</title>
    <style>
        body { font-family: -apple-system, sans-serif; max-width: 600px; margin: 40px auto; padding: 0 20px; background: #1a1a2e; color: #e0e0e0; }
        h1 { color: #fff; }
        .instance { padding: 12px 16px; margin: 8px 0; background: #16213e; border-radius: 8px; }
        .instance a { color: #4fc3f7; text-decoration: none; font-weight: 600; }
        .instance a:hover { text-decoration: underline; }
        .empty { color: #888; font-style: italic; }
        .refresh { color: #888; font-size: 0.85em; }
    </style>
    <script>setTimeout(() => location.reload(), 10000);</script>
</head>
<body>
    <h1>MatchBox Relay</h1>
    <h2>Connected Instances</h2>
    %s
    <p class="refresh">Auto-refreshes every 10 seconds.</p>
</body>
</html>`

// handleTunnel accepts an instance registration and runs its read loop.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	var reg tunnel.Frame
	if err := conn.ReadJSON(&reg); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseBadHandshake, "Registration timeout"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if reg.Type != tunnel.FrameRegister {
		conn.WriteJSON(tunnel.Frame{Type: tunnel.FrameError, Message: "First message must be register"})
		conn.Close()
		return
	}
	if s.token != "" && reg.Password != s.token {
		conn.WriteJSON(tunnel.Frame{Type: tunnel.FrameError, Message: "Invalid token"})
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseBadToken, "Invalid token"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	eventCode := reg.EventCode
	if eventCode == "" {
		eventCode = "default"
	}
	inst := newInstance(conn, eventCode)

	// Evict any live instance for the same event code before installing
	// the new one. Pending futures resolve and browser sockets close
	// before the replacement's registered reply is sent.
	s.mu.Lock()
	if oldID, ok := s.idByEvent[eventCode]; ok {
		if old, ok := s.instances[oldID]; ok {
			delete(s.instances, oldID)
			delete(s.idByEvent, eventCode)
			s.mu.Unlock()
			s.logger.Info("replacing existing instance", "event_code", eventCode)
			old.teardown()
			old.closeTunnel(CloseReplaced, "Replaced by new connection")
			s.mu.Lock()
		}
	}
	s.instances[inst.instanceID] = inst
	s.idByEvent[eventCode] = inst.instanceID
	s.mu.Unlock()

	if err := inst.writeFrame(tunnel.Frame{Type: tunnel.FrameRegistered, InstanceID: inst.instanceID}); err != nil {
		s.dropInstance(inst)
		conn.Close()
		return
	}
	s.logger.Info("instance registered", "event_code", eventCode)

	s.readTunnel(inst)

	inst.teardown()
	s.dropInstance(inst)
	conn.Close()
	s.logger.Info("instance disconnected", "event_code", eventCode)
}

// dropInstance removes inst from the maps unless it was already replaced.
func (s *Server) dropInstance(inst *Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.instances[inst.instanceID]; ok && current == inst {
		delete(s.instances, inst.instanceID)
		delete(s.idByEvent, inst.eventCode)
	}
}

// readTunnel dispatches frames arriving from the instance until the socket
// closes.
func (s *Server) readTunnel(inst *Instance) {
	for {
		var frame tunnel.Frame
		if err := inst.conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case tunnel.FrameHTTPResponse:
			inst.resolvePending(frame.ID, frame)
		case tunnel.FrameWSOpened:
			s.logger.Debug("tunnel confirmed local ws", "ws_id", frame.ID)
		case tunnel.FrameWSError:
			s.logger.Warn("tunnel reported ws error", "ws_id", frame.ID, "message", frame.Message)
			if conn, ok := inst.removeBrowserWS(frame.ID); ok {
				conn.Close()
			}
		case tunnel.FrameWSData:
			conn, ok := inst.browser(frame.ID)
			if !ok {
				s.logger.Warn("ws data for unknown browser socket", "ws_id", frame.ID)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame.Data)); err != nil {
				if conn, ok := inst.removeBrowserWS(frame.ID); ok {
					conn.Close()
				}
			}
		case tunnel.FrameWSClose:
			if conn, ok := inst.removeBrowserWS(frame.ID); ok {
				conn.Close()
			}
		}
	}
}

// handleProxy forwards a public request to the instance named in the path.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	inst, ok := s.instanceByID(instanceID)
	if !ok {
		http.Error(w, "Instance not connected", http.StatusBadGateway)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.proxyWebSocket(w, r, inst)
		return
	}
	s.proxyHTTP(w, r, inst)
}

func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, inst *Instance) {
	path := "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if isSkipped(name, skipRequestHeaders) || len(values) == 0 {
			continue
		}
		headers[name] = values[0]
	}

	reqID := uuid.New().String()
	ch := inst.addPending(reqID)

	frame := tunnel.Frame{
		Type:    tunnel.FrameHTTPRequest,
		ID:      reqID,
		Method:  r.Method,
		Path:    path,
		Headers: headers,
	}
	if len(body) > 0 {
		frame.Body = base64.StdEncoding.EncodeToString(body)
	}
	if err := inst.writeFrame(frame); err != nil {
		inst.dropPending(reqID)
		http.Error(w, fmt.Sprintf("Tunnel proxy error: %v", err), http.StatusBadGateway)
		return
	}

	timer := time.NewTimer(proxyTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			// Cancelled by instance replacement or tunnel loss.
			http.Error(w, "Instance gone", http.StatusBadGateway)
			return
		}
		s.writeProxyResponse(w, resp)
	case <-timer.C:
		inst.dropPending(reqID)
		http.Error(w, "Tunnel request timeout", http.StatusGatewayTimeout)
	case <-r.Context().Done():
		inst.dropPending(reqID)
	}
}

func (s *Server) writeProxyResponse(w http.ResponseWriter, resp tunnel.Frame) {
	for name, value := range resp.Headers {
		if isSkipped(name, skipResponseHeaders) {
			continue
		}
		w.Header().Set(name, value)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			s.logger.Warn("undecodable proxied body", "error", err)
			return
		}
		w.Write(decoded)
	}
}

// proxyWebSocket bridges a browser upgrade through the tunnel.
func (s *Server) proxyWebSocket(w http.ResponseWriter, r *http.Request, inst *Instance) {
	requested := requestedSubprotocols(r)
	upgrader := websocket.Upgrader{
		CheckOrigin:  func(*http.Request) bool { return true },
		Subprotocols: requested,
	}
	browser, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wsID := uuid.New().String()
	path := "/" + chi.URLParam(r, "*")
	inst.addBrowserWS(wsID, browser)

	defer func() {
		if conn, ok := inst.removeBrowserWS(wsID); ok {
			conn.Close()
		}
		inst.writeFrame(tunnel.Frame{Type: tunnel.FrameWSClose, ID: wsID})
	}()

	if err := inst.writeFrame(tunnel.Frame{
		Type:         tunnel.FrameWSOpen,
		ID:           wsID,
		Path:         path,
		Subprotocols: requested,
	}); err != nil {
		return
	}
	s.logger.Debug("browser ws bridged", "path", path, "ws_id", wsID)

	for {
		msgType, data, err := browser.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := inst.writeFrame(tunnel.Frame{
			Type: tunnel.FrameWSData,
			ID:   wsID,
			Data: string(data),
		}); err != nil {
			return
		}
	}
}

func requestedSubprotocols(r *http.Request) []string {
	header := r.Header.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	protocols := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			protocols = append(protocols, trimmed)
		}
	}
	return protocols
}

func isSkipped(name string, skip []string) bool {
	for _, s := range skip {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}
