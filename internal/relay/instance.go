package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ftcvideo/matchbox/internal/tunnel"
)

// Instance is one registered tunnel connection. The tunnel read loop is the
// only reader of conn; writes from proxy handlers are serialized on writeMu.
type Instance struct {
	conn         *websocket.Conn
	eventCode    string
	instanceID   string
	registeredAt time.Time

	writeMu sync.Mutex

	mu          sync.Mutex
	pendingHTTP map[string]chan tunnel.Frame
	browserWS   map[string]*websocket.Conn
}

func newInstance(conn *websocket.Conn, eventCode string) *Instance {
	return &Instance{
		conn:         conn,
		eventCode:    eventCode,
		instanceID:   eventCode,
		registeredAt: time.Now(),
		pendingHTTP:  make(map[string]chan tunnel.Frame),
		browserWS:    make(map[string]*websocket.Conn),
	}
}

// EventCode returns the event code the instance registered under.
func (i *Instance) EventCode() string { return i.eventCode }

// Uptime returns how long the instance has been registered, formatted as
// "1h 2m 3s", dropping the hour part when zero.
func (i *Instance) Uptime(now time.Time) string {
	d := now.Sub(i.registeredAt).Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}

// writeFrame sends one frame on the tunnel socket.
func (i *Instance) writeFrame(frame tunnel.Frame) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	return i.conn.WriteJSON(frame)
}

// addPending registers a response channel for a proxied HTTP request.
func (i *Instance) addPending(id string) chan tunnel.Frame {
	ch := make(chan tunnel.Frame, 1)
	i.mu.Lock()
	i.pendingHTTP[id] = ch
	i.mu.Unlock()
	return ch
}

// resolvePending delivers a response to the waiting proxy handler. Unknown
// ids are dropped; the handler may have timed out already.
func (i *Instance) resolvePending(id string, frame tunnel.Frame) {
	i.mu.Lock()
	ch, ok := i.pendingHTTP[id]
	if ok {
		delete(i.pendingHTTP, id)
	}
	i.mu.Unlock()
	if ok {
		ch <- frame
	}
}

// dropPending removes a pending entry without delivering, used after a
// handler-side timeout.
func (i *Instance) dropPending(id string) {
	i.mu.Lock()
	delete(i.pendingHTTP, id)
	i.mu.Unlock()
}

func (i *Instance) addBrowserWS(id string, conn *websocket.Conn) {
	i.mu.Lock()
	i.browserWS[id] = conn
	i.mu.Unlock()
}

func (i *Instance) browser(id string) (*websocket.Conn, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	conn, ok := i.browserWS[id]
	return conn, ok
}

// removeBrowserWS detaches a browser socket and returns it for closing.
func (i *Instance) removeBrowserWS(id string) (*websocket.Conn, bool) {
	i.mu.Lock()
	conn, ok := i.browserWS[id]
	if ok {
		delete(i.browserWS, id)
	}
	i.mu.Unlock()
	return conn, ok
}

// teardown cancels every pending HTTP future and closes every browser
// socket. Cancelled channels are closed so waiting handlers observe it as a
// receive of a zero frame.
func (i *Instance) teardown() {
	i.mu.Lock()
	pending := i.pendingHTTP
	browsers := i.browserWS
	i.pendingHTTP = make(map[string]chan tunnel.Frame)
	i.browserWS = make(map[string]*websocket.Conn)
	i.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, conn := range browsers {
		conn.Close()
	}
}

// closeTunnel sends a close frame with the given code and closes the socket.
func (i *Instance) closeTunnel(code int, reason string) {
	i.writeMu.Lock()
	i.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	i.writeMu.Unlock()
	i.conn.Close()
}
