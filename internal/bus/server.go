package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes sent to browser sockets.
const (
	// CloseUpstreamFailure signals the switcher side of a proxied
	// connection failed.
	CloseUpstreamFailure = 4002
	// CloseUnknownPath signals a WebSocket upgrade on an unhandled path.
	CloseUnknownPath = 4004
)

// Server is the WebSocket endpoint on web_port+1 serving /ws/logs,
// /ws/status, and the /ws/obs switcher proxy.
type Server struct {
	logger *slog.Logger
	logs   *LogService
	status *StatusBus

	// switcherAddr yields the switcher host/port at proxy time so
	// configuration changes apply to new connections.
	switcherAddr func() (string, int)

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the bus server.
func NewServer(logs *LogService, status *StatusBus, switcherAddr func() (string, int)) *Server {
	return &Server{
		logger:       slog.Default(),
		logs:         logs,
		status:       status,
		switcherAddr: switcherAddr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WithLogger sets the logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

// Start binds the listen port and begins serving. A bind failure is
// returned synchronously; it is the one fatal startup error.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/logs", s.handleLogs)
	mux.HandleFunc("/ws/status", s.handleStatus)
	mux.HandleFunc("/ws/obs", s.handleSwitcherProxy)
	mux.HandleFunc("/", s.handleUnknown)

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("binding websocket port %d: %w", port, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server stopped", slog.Any("error", err))
		}
	}()

	s.logger.Info("websocket bus listening", slog.Int("port", port))
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleLogs replays the ring, then streams new records until the client
// disconnects.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Subscribe before reading the ring so records emitted during the
	// replay land in the subscription buffer instead of being lost; the
	// overlap between ring and buffer is dropped by ID.
	sub := s.logs.Subscribe(r.Context())
	defer close(sub.Done)

	replayed := make(map[string]struct{})
	for _, record := range s.logs.Recent(DefaultMaxLogs) {
		if err := conn.WriteJSON(record); err != nil {
			return
		}
		replayed[record.ID] = struct{}{}
	}

	clientGone := make(chan struct{})
	go func() {
		discardReads(conn)
		close(clientGone)
	}()

	for {
		select {
		case record, ok := <-sub.Events:
			if !ok {
				return
			}
			if replayed != nil {
				if _, dup := replayed[record.ID]; dup {
					continue
				}
				replayed = nil
			}
			if err := conn.WriteJSON(record); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// handleStatus sends the current snapshot, then one per transition.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := conn.WriteJSON(s.status.Current()); err != nil {
		return
	}

	sub := s.status.Subscribe(r.Context())
	defer close(sub.Done)

	clientGone := make(chan struct{})
	go func() {
		discardReads(conn)
		close(clientGone)
	}()

	for {
		select {
		case status, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(status); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// handleSwitcherProxy bridges a browser WebSocket to the switcher's
// WebSocket, propagating the browser's requested subprotocols upstream and
// the upstream's selected subprotocol back to the browser.
func (s *Server) handleSwitcherProxy(w http.ResponseWriter, r *http.Request) {
	host, port := s.switcherAddr()
	target := fmt.Sprintf("ws://%s:%d", host, port)

	dialer := websocket.Dialer{
		Subprotocols:     requestedSubprotocols(r),
		HandshakeTimeout: 10 * time.Second,
	}
	upstream, _, err := dialer.DialContext(r.Context(), target, nil)
	if err != nil {
		s.logger.Warn("switcher proxy dial failed", slog.String("target", target), slog.Any("error", err))
		browser, uerr := s.upgrader.Upgrade(w, r, nil)
		if uerr != nil {
			return
		}
		closeWith(browser, CloseUpstreamFailure, "switcher unreachable")
		browser.Close()
		return
	}
	defer upstream.Close()

	var responseHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": []string{proto}}
	}
	browser, err := s.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return
	}
	defer browser.Close()

	errc := make(chan error, 2)
	go forwardFrames(browser, upstream, errc)
	go forwardFrames(upstream, browser, errc)

	err = <-errc
	// A failure on either side closes the other with 4002.
	closeWith(browser, CloseUpstreamFailure, "proxy closed")
	closeWith(upstream, CloseUpstreamFailure, "proxy closed")
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("switcher proxy ended", slog.Any("error", err))
	}
}

// handleUnknown accepts the upgrade only to report an unknown path.
func (s *Server) handleUnknown(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	closeWith(conn, CloseUnknownPath, "unknown path "+r.URL.Path)
	conn.Close()
}

// forwardFrames copies messages from src to dst, text as text, binary as
// binary, until either side fails.
func forwardFrames(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
	}
}

// requestedSubprotocols parses the client's Sec-WebSocket-Protocol header.
func requestedSubprotocols(r *http.Request) []string {
	var protos []string
	for _, header := range r.Header["Sec-Websocket-Protocol"] {
		for _, p := range strings.Split(header, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protos = append(protos, p)
			}
		}
	}
	return protos
}

// closeWith sends a close frame with the given code and reason.
func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

// discardReads drains inbound frames so close frames are processed.
func discardReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
	}
}
