package core

import (
	"encoding/json"
	"strings"
)

// Upstream event types acted on. Everything else is logged at debug and
// ignored.
const (
	EventShowPreview = "SHOW_PREVIEW"
	EventShowMatch   = "SHOW_MATCH"
	EventStartMatch  = "START_MATCH"
	EventEndMatch    = "END_MATCH"
)

// upstreamEvent is one JSON object from the scoring system's stream.
type upstreamEvent struct {
	Type   string          `json:"type"`
	Field  *int            `json:"field"`
	Params json.RawMessage `json:"params"`
}

// eventParams holds the params fields the orchestrator cares about.
type eventParams struct {
	Field     *int   `json:"field"`
	MatchName string `json:"matchName"`
}

// parseEvent decodes one upstream message. The heartbeat string "pong" is
// not JSON and yields ok=false without an error.
func parseEvent(data []byte) (upstreamEvent, eventParams, bool, error) {
	if strings.TrimSpace(string(data)) == "pong" {
		return upstreamEvent{}, eventParams{}, false, nil
	}
	var ev upstreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return upstreamEvent{}, eventParams{}, false, err
	}
	var params eventParams
	if len(ev.Params) > 0 {
		// Params errors are tolerated; the event may still carry a
		// top-level field.
		json.Unmarshal(ev.Params, &params)
	}
	return ev, params, true, nil
}

// fieldNumber extracts the field from the event, preferring top-level
// "field" and falling back to "params.field".
func fieldNumber(ev upstreamEvent, params eventParams) (int, bool) {
	if ev.Field != nil {
		return *ev.Field, true
	}
	if params.Field != nil {
		return *params.Field, true
	}
	return 0, false
}
