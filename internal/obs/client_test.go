package obs

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSwitcher is an in-process switcher WebSocket endpoint. Each request
// name maps to a handler returning the datain payload or an error string.
type fakeSwitcher struct {
	t        *testing.T
	server   *httptest.Server
	handlers map[string]func(params map[string]any) (map[string]any, string)

	mu    sync.Mutex
	calls []string
}

func newFakeSwitcher(t *testing.T) *fakeSwitcher {
	f := &fakeSwitcher{
		t:        t,
		handlers: map[string]func(map[string]any) (map[string]any, string){},
	}
	upgrader := websocket.Upgrader{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			var req struct {
				Request string         `json:"request"`
				ID      string         `json:"id"`
				Params  map[string]any `json:"params"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.calls = append(f.calls, req.Request)
			handler := f.handlers[req.Request]
			f.mu.Unlock()

			resp := map[string]any{"id": req.ID, "status": true}
			if handler == nil {
				resp["status"] = false
				resp["error"] = "unknown request " + req.Request
			} else if datain, errMsg := handler(req.Params); errMsg != "" {
				resp["status"] = false
				resp["error"] = errMsg
			} else {
				resp["datain"] = datain
			}
			data, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSwitcher) on(name string, h func(params map[string]any) (map[string]any, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
}

func (f *fakeSwitcher) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSwitcher) hostPort() (string, int) {
	addr := strings.TrimPrefix(f.server.URL, "http://")
	host, portStr, _ := strings.Cut(addr, ":")
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func connectedClient(t *testing.T, f *fakeSwitcher) *Client {
	c := NewClient().WithCallTimeout(2 * time.Second)
	host, port := f.hostPort()
	require.NoError(t, c.Connect(t.Context(), host, port, ""))
	t.Cleanup(c.Close)
	return c
}

func TestSwitchScene(t *testing.T) {
	f := newFakeSwitcher(t)
	f.on("SetCurrentProgramScene", func(params map[string]any) (map[string]any, string) {
		if params["sceneName"] != "Field 2" {
			return nil, "no scene named " + params["sceneName"].(string)
		}
		return map[string]any{}, ""
	})
	c := connectedClient(t, f)

	assert.NoError(t, c.SwitchScene(t.Context(), "Field 2"))

	err := c.SwitchScene(t.Context(), "Field 9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no scene named Field 9")
}

func TestConnect_AuthFailed(t *testing.T) {
	f := newFakeSwitcher(t)
	f.on("Authenticate", func(map[string]any) (map[string]any, string) {
		return nil, "bad password"
	})
	c := NewClient().WithCallTimeout(2 * time.Second)
	host, port := f.hostPort()
	err := c.Connect(t.Context(), host, port, "wrong")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestCall_NotConnected(t *testing.T) {
	c := NewClient()
	_, err := c.Call(t.Context(), "GetSceneList", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestGetRecordingInfo_NotRecording(t *testing.T) {
	f := newFakeSwitcher(t)
	f.on("GetRecordStatus", func(map[string]any) (map[string]any, string) {
		return map[string]any{"outputActive": false}, ""
	})
	c := connectedClient(t, f)

	info, err := c.GetRecordingInfo(t.Context())
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestGetRecordingInfo_AdvancedOutputPath(t *testing.T) {
	f := newFakeSwitcher(t)
	f.on("GetRecordStatus", func(map[string]any) (map[string]any, string) {
		return map[string]any{
			"outputActive":   true,
			"outputDuration": 90000.0,
			"outputTimecode": "00:01:30.000",
		}, ""
	})
	f.on("GetOutputSettings", func(params map[string]any) (map[string]any, string) {
		if params["outputName"] != "adv_file_output" {
			return nil, "unknown output"
		}
		return map[string]any{"outputSettings": map[string]any{"path": "/rec/live.mp4"}}, ""
	})
	c := connectedClient(t, f)

	before := time.Now()
	info, err := c.GetRecordingInfo(t.Context())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "/rec/live.mp4", info.Path)
	assert.Equal(t, 90000.0, info.DurationMS)
	assert.Equal(t, "00:01:30.000", info.Timecode)
	// start_wallclock = now - 90s, within test slack
	assert.WithinDuration(t, before.Add(-90*time.Second), info.StartWallclock, 2*time.Second)
}

func TestGetRecordingInfo_FallsBackToStatusPath(t *testing.T) {
	f := newFakeSwitcher(t)
	f.on("GetRecordStatus", func(map[string]any) (map[string]any, string) {
		return map[string]any{
			"outputActive":   true,
			"outputDuration": 1000.0,
			"outputPath":     "/rec/simple.mkv",
		}, ""
	})
	c := connectedClient(t, f)

	info, err := c.GetRecordingInfo(t.Context())
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "/rec/simple.mkv", info.Path)
}

func TestConfigureScenes_CreatesMissingScenesAndOverlay(t *testing.T) {
	f := newFakeSwitcher(t)
	var createdScenes []string
	f.on("GetSceneList", func(map[string]any) (map[string]any, string) {
		return map[string]any{"scenes": []any{
			map[string]any{"sceneName": "Field 1"},
		}}, ""
	})
	f.on("CreateScene", func(params map[string]any) (map[string]any, string) {
		createdScenes = append(createdScenes, params["sceneName"].(string))
		return map[string]any{}, ""
	})
	f.on("GetInputList", func(map[string]any) (map[string]any, string) {
		return map[string]any{"inputs": []any{}}, ""
	})
	var overlaySettings map[string]any
	f.on("CreateInput", func(params map[string]any) (map[string]any, string) {
		overlaySettings = params["inputSettings"].(map[string]any)
		return map[string]any{}, ""
	})
	var filterKind string
	f.on("CreateSourceFilter", func(params map[string]any) (map[string]any, string) {
		filterKind = params["filterKind"].(string)
		return map[string]any{}, ""
	})
	f.on("GetSceneItemList", func(map[string]any) (map[string]any, string) {
		return map[string]any{"sceneItems": []any{}}, ""
	})
	var itemScenes []string
	f.on("CreateSceneItem", func(params map[string]any) (map[string]any, string) {
		itemScenes = append(itemScenes, params["sceneName"].(string))
		return map[string]any{}, ""
	})

	c := connectedClient(t, f)
	url := OverlayURL("scorehost", 80, "q1evt")
	require.NoError(t, c.ConfigureScenes(t.Context(), 2, url))

	assert.Equal(t, []string{"Field 2"}, createdScenes)
	assert.Equal(t, url, overlaySettings["url"])
	assert.Equal(t, float64(1920), overlaySettings["width"])
	assert.Equal(t, true, overlaySettings["reroute_audio"])
	assert.Equal(t, "chroma_key_filter_v2", filterKind)
	// Overlay was created in Field 1, so only Field 2 needs a scene item.
	assert.Equal(t, []string{"Field 2"}, itemScenes)
}

func TestConfigureScenes_ExistingOverlayGetsURLRefresh(t *testing.T) {
	f := newFakeSwitcher(t)
	f.on("GetSceneList", func(map[string]any) (map[string]any, string) {
		return map[string]any{"scenes": []any{
			map[string]any{"sceneName": "Field 1"},
		}}, ""
	})
	f.on("GetInputList", func(map[string]any) (map[string]any, string) {
		return map[string]any{"inputs": []any{
			map[string]any{"inputName": SharedOverlayName},
		}}, ""
	})
	var updatedURL string
	f.on("SetInputSettings", func(params map[string]any) (map[string]any, string) {
		updatedURL = params["inputSettings"].(map[string]any)["url"].(string)
		return map[string]any{}, ""
	})
	f.on("GetSceneItemList", func(map[string]any) (map[string]any, string) {
		return map[string]any{"sceneItems": []any{
			map[string]any{"sourceName": SharedOverlayName},
		}}, ""
	})

	c := connectedClient(t, f)
	require.NoError(t, c.ConfigureScenes(t.Context(), 1, "http://new/overlay"))

	assert.Equal(t, "http://new/overlay", updatedURL)
	assert.NotContains(t, f.callNames(), "CreateInput")
	assert.NotContains(t, f.callNames(), "CreateSceneItem")
}

func TestOverlayURL(t *testing.T) {
	url := OverlayURL("192.168.1.5", 8080, "USAZTOQ1")
	assert.Contains(t, url, "http://192.168.1.5:8080/event/USAZTOQ1/display/")
	assert.Contains(t, url, "type=audience")
	assert.Contains(t, url, "overlayColor=%23ff00ff")
}
