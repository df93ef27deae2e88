package core

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftcvideo/matchbox/internal/bus"
	"github.com/ftcvideo/matchbox/internal/clipper"
	"github.com/ftcvideo/matchbox/internal/config"
	"github.com/ftcvideo/matchbox/internal/obs"
	"github.com/ftcvideo/matchbox/internal/syncer"
	"github.com/ftcvideo/matchbox/internal/tunnel"
)

type stubSwitcher struct {
	connected bool
	switchErr error
	scenes    []string
	recording *obs.RecordingInfo
	recErr    error
}

func (s *stubSwitcher) Connect(ctx context.Context, host string, port int, password string) error {
	s.connected = true
	return nil
}
func (s *stubSwitcher) Connected() bool { return s.connected }
func (s *stubSwitcher) Close()          { s.connected = false }

func (s *stubSwitcher) SwitchScene(ctx context.Context, name string) error {
	if s.switchErr != nil {
		return s.switchErr
	}
	s.scenes = append(s.scenes, name)
	return nil
}

func (s *stubSwitcher) ConfigureScenes(ctx context.Context, numFields int, overlayURL string) error {
	return nil
}

func (s *stubSwitcher) GetRecordingInfo(ctx context.Context) (*obs.RecordingInfo, error) {
	return s.recording, s.recErr
}

type stubExtractor struct {
	err   error
	calls []extractCall
}

type extractCall struct {
	source   string
	start    float64
	duration float64
	output   string
}

func (s *stubExtractor) Extract(ctx context.Context, sourcePath string, startSeconds, durationSeconds float64, outputPath string) error {
	s.calls = append(s.calls, extractCall{sourcePath, startSeconds, durationSeconds, outputPath})
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(outputPath, []byte("clip"), 0o644)
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.EventCode = "q1evt"
	cfg.OutputDir = t.TempDir()
	return cfg
}

func testCore(t *testing.T, cfg config.Config) (*Core, *stubSwitcher, *stubExtractor) {
	store := config.NewStore(cfg, "")
	sw := &stubSwitcher{connected: true}
	ex := &stubExtractor{}
	detector := clipper.NewBinaryDetector()
	c := &Core{
		logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		store:      store,
		statusBus:  bus.NewStatusBus(),
		switcher:   sw,
		extractor:  ex,
		monitor:    clipper.NewMonitor(detector),
		syncWorker: syncer.NewWorker(store),
	}
	c.tun = tunnel.NewClient(store).WithNotify(c.publishStatus)
	return c, sw, ex
}

// startUpstream serves a fake scoring stream, invoking handler once per
// connection.
func startUpstream(t *testing.T, handler func(conn *websocket.Conn)) string {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunSession_BacklogDiscardedLiveEventsActed(t *testing.T) {
	c, sw, _ := testCore(t, testConfig(t))
	c.drainWindow = 300 * time.Millisecond

	url := startUpstream(t, func(conn *websocket.Conn) {
		// The scoring system replays its backlog right after connect.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SHOW_PREVIEW","field":2}`))
		time.Sleep(600 * time.Millisecond)
		// Live traffic after the window must be acted on.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SHOW_PREVIEW","field":1}`))
		time.Sleep(300 * time.Millisecond)
	})

	ready, err := c.runSession(context.Background(), url)
	assert.True(t, ready)
	assert.Error(t, err) // the server hangs up after the live event

	assert.Equal(t, []string{"Field 1"}, sw.scenes)
	require.NotNil(t, c.currentField)
	assert.Equal(t, 1, *c.currentField)
}

func TestRunSession_CloseDuringDrainNotReady(t *testing.T) {
	c, _, _ := testCore(t, testConfig(t))
	c.drainWindow = time.Second

	url := startUpstream(t, func(conn *websocket.Conn) {})

	ready, err := c.runSession(context.Background(), url)
	assert.False(t, ready)
	assert.Error(t, err)
}

func TestRun_ReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	url := startUpstream(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			return // dropped before the drain completes
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(url, "ws://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.ScoringHost = host
	cfg.ScoringPort = port
	c, _, _ := testCore(t, cfg)
	c.drainWindow = 100 * time.Millisecond
	c.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go c.run(ctx)

	require.Eventually(t, func() bool { return conns.Load() >= 2 },
		5*time.Second, 50*time.Millisecond)
	cancel()
	<-c.done
}

func TestNextReconnectDelay(t *testing.T) {
	assert.Equal(t, reconnectBaseDelay, nextReconnectDelay(0, false))
	assert.Equal(t, 2*time.Second, nextReconnectDelay(time.Second, false))
	assert.Equal(t, reconnectMaxDelay, nextReconnectDelay(16*time.Second, false))
	assert.Equal(t, reconnectMaxDelay, nextReconnectDelay(reconnectMaxDelay, false))

	// A session that got through the drain window resets the backoff.
	assert.Equal(t, reconnectBaseDelay, nextReconnectDelay(reconnectMaxDelay, true))
}

func TestParseEvent(t *testing.T) {
	_, _, ok, err := parseEvent([]byte("pong"))
	require.NoError(t, err)
	assert.False(t, ok)

	ev, params, ok, err := parseEvent([]byte(`{"type":"SHOW_PREVIEW","field":2}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventShowPreview, ev.Type)
	field, found := fieldNumber(ev, params)
	require.True(t, found)
	assert.Equal(t, 2, field)

	// Field nested in params.
	ev, params, ok, err = parseEvent([]byte(`{"type":"START_MATCH","params":{"field":1,"matchName":"Q3"}}`))
	require.NoError(t, err)
	require.True(t, ok)
	field, found = fieldNumber(ev, params)
	require.True(t, found)
	assert.Equal(t, 1, field)
	assert.Equal(t, "Q3", params.MatchName)

	// Missing field everywhere.
	ev, params, _, err = parseEvent([]byte(`{"type":"SHOW_MATCH"}`))
	require.NoError(t, err)
	_, found = fieldNumber(ev, params)
	assert.False(t, found)

	_, _, _, err = parseEvent([]byte("{not json"))
	assert.Error(t, err)
}

func TestFieldDirective_SwitchesOnce(t *testing.T) {
	c, sw, _ := testCore(t, testConfig(t))
	ctx := context.Background()

	c.processEvent(ctx, []byte(`{"type":"SHOW_PREVIEW","field":2}`))
	require.Equal(t, []string{"Field 2"}, sw.scenes)
	require.NotNil(t, c.currentField)
	assert.Equal(t, 2, *c.currentField)

	// Same field again is a no-op.
	c.processEvent(ctx, []byte(`{"type":"SHOW_MATCH","field":2}`))
	assert.Equal(t, []string{"Field 2"}, sw.scenes)

	// Different field switches.
	c.processEvent(ctx, []byte(`{"type":"SHOW_PREVIEW","field":1}`))
	assert.Equal(t, []string{"Field 2", "Field 1"}, sw.scenes)
	assert.Equal(t, 1, *c.currentField)
}

func TestFieldDirective_UnmappedField(t *testing.T) {
	c, sw, _ := testCore(t, testConfig(t))
	c.processEvent(context.Background(), []byte(`{"type":"SHOW_PREVIEW","field":9}`))
	assert.Empty(t, sw.scenes)
	assert.Nil(t, c.currentField)
}

func TestFieldDirective_SwitchFailureKeepsField(t *testing.T) {
	c, sw, _ := testCore(t, testConfig(t))
	sw.switchErr = errors.New("switcher offline")

	c.processEvent(context.Background(), []byte(`{"type":"SHOW_PREVIEW","field":2}`))
	assert.Nil(t, c.currentField)
}

func TestClipDelay(t *testing.T) {
	cfg := config.Default()
	want := time.Duration(cfg.MatchDurationSeconds+cfg.PostMatchBufferSeconds)*time.Second + clipSafetyMargin
	assert.Equal(t, want, clipDelay(cfg))
	assert.Equal(t, 176*time.Second, clipDelay(cfg))
}

func TestClipWindow_Geometry(t *testing.T) {
	cfg := config.Default() // pre 10, match 158, post 10
	recStart := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)

	// Match starts 100s into the recording.
	start, duration := clipWindow(recStart.Add(100*time.Second), recStart, cfg)
	assert.InDelta(t, 90.0, start, 0.001)
	assert.InDelta(t, 178.0, duration, 0.001)

	// Match starts 4s into the recording: the pre-buffer clamps to 0.
	start, _ = clipWindow(recStart.Add(4*time.Second), recStart, cfg)
	assert.InDelta(t, 0.0, start, 0.001)

	// Match wallclock before the recording started clamps the offset.
	start, duration = clipWindow(recStart.Add(-30*time.Second), recStart, cfg)
	assert.InDelta(t, 0.0, start, 0.001)
	assert.InDelta(t, 178.0, duration, 0.001)
}

func TestFireClipJob_ExtractsAndIndexes(t *testing.T) {
	cfg := testConfig(t)
	c, sw, ex := testCore(t, cfg)

	recStart := time.Now().Add(-5 * time.Minute)
	sw.recording = &obs.RecordingInfo{Path: "/tmp/recording.mkv", StartWallclock: recStart}

	matchStart := recStart.Add(2 * time.Minute)
	c.fireClipJob(context.Background(), ClipJob{
		MatchName:      "Q7",
		Field:          2,
		WallclockStart: matchStart,
	})

	require.Len(t, ex.calls, 1)
	call := ex.calls[0]
	assert.Equal(t, "/tmp/recording.mkv", call.source)
	assert.InDelta(t, 110.0, call.start, 0.5)
	assert.InDelta(t, 178.0, call.duration, 0.001)
	assert.Contains(t, filepath.Base(call.output), "Q7 - Field 2 - ")

	clipsDir, err := cfg.ClipsDir()
	require.NoError(t, err)
	indexData, err := os.ReadFile(filepath.Join(clipsDir, "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(indexData), filepath.Base(call.output))
}

func TestFireClipJob_NotRecording(t *testing.T) {
	c, sw, ex := testCore(t, testConfig(t))
	sw.recording = nil

	c.fireClipJob(context.Background(), ClipJob{MatchName: "Q1", Field: 1, WallclockStart: time.Now()})
	assert.Empty(t, ex.calls)
}

func TestFireClipJob_CollisionGetsSuffix(t *testing.T) {
	cfg := testConfig(t)
	c, sw, ex := testCore(t, cfg)
	sw.recording = &obs.RecordingInfo{Path: "/tmp/recording.mkv", StartWallclock: time.Now().Add(-time.Hour)}

	start := time.Now().Add(-10 * time.Minute)
	job := ClipJob{MatchName: "Q1", Field: 1, WallclockStart: start}
	c.fireClipJob(context.Background(), job)
	c.fireClipJob(context.Background(), job)

	require.Len(t, ex.calls, 2)
	assert.NotEqual(t, ex.calls[0].output, ex.calls[1].output)
	assert.Contains(t, filepath.Base(ex.calls[1].output), "_1")
}

func TestStart_RequiresEventCode(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventCode = ""
	c, _, _ := testCore(t, cfg)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, config.ErrEventCodeRequired)
	assert.False(t, c.Running())
}

func TestStatus_Snapshot(t *testing.T) {
	cfg := testConfig(t)
	c, sw, _ := testCore(t, cfg)
	sw.connected = true

	status := c.Status()
	assert.False(t, status.Running)
	assert.True(t, status.SwitcherConnected)
	assert.False(t, status.RecordingActive)
	assert.Equal(t, "q1evt", status.EventCode)
	assert.False(t, status.SyncRunning)
	assert.False(t, status.TunnelConnected)
}

func TestScanClips_NewestFirst(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "Q1 - Field 1 - 20260214 090000.mp4")
	newer := filepath.Join(dir, "Q2 - Field 1 - 20260214 091500.mp4")
	require.NoError(t, os.WriteFile(old, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("bb"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	clips := ScanClips(dir)
	require.Len(t, clips, 2)
	assert.Equal(t, filepath.Base(newer), clips[0].Name)
	assert.Equal(t, int64(2), clips[0].Size)
}

func TestGenerateIndex_ReflectsCurrentSet(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Q1 - Field 1 - 20260214 090000.mp4"), []byte("a"), 0o644))
	require.NoError(t, GenerateIndex(dir, 8000, "q1evt"))

	data, err := os.ReadFile(filepath.Join(dir, "index.html"))
	require.NoError(t, err)
	html := string(data)
	assert.Contains(t, html, "q1evt")
	assert.Contains(t, html, "Q1 - Field 1 - 20260214 090000.mp4")

	// A removed clip disappears on regeneration.
	require.NoError(t, os.Remove(filepath.Join(dir, "Q1 - Field 1 - 20260214 090000.mp4")))
	require.NoError(t, GenerateIndex(dir, 8000, "q1evt"))
	data, err = os.ReadFile(filepath.Join(dir, "index.html"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Q1 - Field 1 - 20260214 090000.mp4")
}

func TestGenerateIndex_IndexNotListed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateIndex(dir, 8000, "q1evt"))
	require.NoError(t, GenerateIndex(dir, 8000, "q1evt"))

	data, err := os.ReadFile(filepath.Join(dir, "index.html"))
	require.NoError(t, err)
	assert.NotContains(t, strings.ToLower(string(data)), `href="index.html"`)
}
