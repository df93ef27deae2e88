// Package tunnel implements the reverse-tunnel client: one persistent
// outbound WebSocket to the relay, multiplexing inbound HTTP requests and
// browser WebSocket bridges back to the local servers.
package tunnel

// Frame types carried on the tunnel socket, both directions.
const (
	FrameRegister     = "register"
	FrameRegistered   = "registered"
	FrameError        = "error"
	FrameHTTPRequest  = "http_request"
	FrameHTTPResponse = "http_response"
	FrameWSOpen       = "ws_open"
	FrameWSOpened     = "ws_opened"
	FrameWSError      = "ws_error"
	FrameWSData       = "ws_data"
	FrameWSClose      = "ws_close"
)

// Frame is one UTF-8 JSON message on the tunnel. Binary HTTP bodies are
// base64-encoded in Body; binary WebSocket payloads are base64-encoded in
// Data, text payloads are carried as-is.
type Frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// register / registered / error
	EventCode  string `json:"event_code,omitempty"`
	Password   string `json:"password,omitempty"`
	AllowAdmin bool   `json:"allow_admin,omitempty"`
	AdminHash  string `json:"admin_hash,omitempty"`
	AdminSalt  string `json:"admin_salt,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Message    string `json:"message,omitempty"`

	// http_request / http_response
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`

	// ws_open / ws_data
	Subprotocols []string `json:"subprotocols,omitempty"`
	Data         string   `json:"data,omitempty"`
}
