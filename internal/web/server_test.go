package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftcvideo/matchbox/internal/auth"
	"github.com/ftcvideo/matchbox/internal/bus"
	"github.com/ftcvideo/matchbox/internal/config"
	"github.com/ftcvideo/matchbox/internal/core"
)

type fakeController struct {
	cfg      config.Config
	running  bool
	startErr error
	syncErr  error
	calls    []string
}

func (f *fakeController) Config() config.Config { return f.cfg }

func (f *fakeController) UpdateConfig(patch map[string]any) (config.Config, error) {
	f.calls = append(f.calls, "update-config")
	if code, ok := patch["event_code"].(string); ok {
		f.cfg.EventCode = code
	}
	return f.cfg, nil
}

func (f *fakeController) SaveConfig() error {
	f.calls = append(f.calls, "save-config")
	return nil
}

func (f *fakeController) Running() bool { return f.running }

func (f *fakeController) Start(ctx context.Context) error {
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop() {
	f.calls = append(f.calls, "stop")
	f.running = false
}

func (f *fakeController) StartSync() error { f.calls = append(f.calls, "sync-start"); return f.syncErr }
func (f *fakeController) StopSync()        { f.calls = append(f.calls, "sync-stop") }
func (f *fakeController) StartTunnel() error {
	f.calls = append(f.calls, "tunnel-start")
	return nil
}
func (f *fakeController) StopTunnel() { f.calls = append(f.calls, "tunnel-stop") }

func (f *fakeController) ConfigureScenes(ctx context.Context) error {
	f.calls = append(f.calls, "configure-scenes")
	return nil
}

func (f *fakeController) ScanClips() []core.ClipInfo { return nil }

func (f *fakeController) Status() bus.Status {
	return bus.Status{Running: f.running, EventCode: f.cfg.EventCode}
}

func newTestServer(t *testing.T) (*Server, *fakeController) {
	cfg := config.Default()
	cfg.EventCode = "q1evt"
	cfg.OutputDir = t.TempDir()
	cfg.TunnelPassword = "hunter2"
	ctrl := &fakeController{cfg: cfg}
	return NewServer(ctrl, ""), ctrl
}

// doRemote performs a request that appears to come from off the host.
func doRemote(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "203.0.113.9:40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// doLocal performs a request from the loopback interface.
func doLocal(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doLocal(h, httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, PUT, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	rec = doRemote(h, httptest.NewRequest("OPTIONS", "/api/start", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuth_LoopbackTrusted(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doLocal(s.Handler(), httptest.NewRequest("GET", "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_BrowserRedirectsToLogin(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	for _, path := range []string{"/admin", "/admin/config.js", "/api/status", "/obs-web/"} {
		rec := doRemote(h, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusFound, rec.Code, "path %s", path)
		assert.Equal(t, "/admin/_login", rec.Header().Get("Location"), "path %s", path)
	}
}

func TestAuth_APIMutationsGet401(t *testing.T) {
	s, ctrl := newTestServer(t)
	rec := doRemote(s.Handler(), httptest.NewRequest("POST", "/api/start", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, ctrl.calls, "start")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Unauthorized", body["error"])
}

func TestAuth_LoginFlow(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	// Wrong password re-renders the login page with an error.
	form := url.Values{"password": {"wrong"}}
	req := httptest.NewRequest("POST", "/admin/_auth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := doRemote(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid password")

	// Right password sets the session cookie and redirects.
	form = url.Values{"password": {"hunter2"}}
	req = httptest.NewRequest("POST", "/admin/_auth", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = doRemote(h, req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/admin/", rec.Header().Get("Location"))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, auth.SessionCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)

	// The cookie now authenticates remote requests.
	req = httptest.NewRequest("GET", "/api/status", nil)
	req.AddCookie(cookie)
	rec = doRemote(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A tampered cookie does not.
	req = httptest.NewRequest("GET", "/api/status", nil)
	req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value + "ff"})
	rec = doRemote(h, req)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestLoginPage_Unauthenticated(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRemote(s.Handler(), httptest.NewRequest("GET", "/admin/_login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "MatchBox Login")
	assert.NotContains(t, rec.Body.String(), "class=\"error\"")
}

func TestAPI_StartStopLifecycle(t *testing.T) {
	s, ctrl := newTestServer(t)
	h := s.Handler()

	rec := doLocal(h, httptest.NewRequest("POST", "/api/stop", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doLocal(h, httptest.NewRequest("POST", "/api/start", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctrl.running)

	ctrl.startErr = core.ErrAlreadyRunning
	rec = doLocal(h, httptest.NewRequest("POST", "/api/start", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body apiResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Already running", body.Error)

	rec = doLocal(h, httptest.NewRequest("POST", "/api/stop", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ctrl.running)
}

func TestAPI_StartRequiresEventCode(t *testing.T) {
	s, ctrl := newTestServer(t)
	ctrl.startErr = config.ErrEventCodeRequired

	rec := doLocal(s.Handler(), httptest.NewRequest("POST", "/api/start", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Event code is required")
}

func TestAPI_ConfigRoundTrip(t *testing.T) {
	s, ctrl := newTestServer(t)
	h := s.Handler()

	rec := doLocal(h, httptest.NewRequest("GET", "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "q1evt", cfg["event_code"])

	req := httptest.NewRequest("PUT", "/api/config", strings.NewReader(`{"event_code":"finals"}`))
	rec = doLocal(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "finals", ctrl.cfg.EventCode)

	rec = doLocal(h, httptest.NewRequest("POST", "/api/save-config", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, ctrl.calls, "save-config")
}

func TestAPI_ClipsAlwaysArray(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doLocal(s.Handler(), httptest.NewRequest("GET", "/api/clips", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func writeClip(t *testing.T, cfg config.Config, name, content string) {
	dir, err := cfg.ClipsDir()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestClips_IndexAtRoot(t *testing.T) {
	s, ctrl := newTestServer(t)
	writeClip(t, ctrl.cfg, "index.html", "<html>clips</html>")

	rec := doRemote(s.Handler(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>clips</html>", rec.Body.String())
}

func TestClips_FullFile(t *testing.T) {
	s, ctrl := newTestServer(t)
	writeClip(t, ctrl.cfg, "match.mp4", "0123456789")

	rec := doRemote(s.Handler(), httptest.NewRequest("GET", "/match.mp4", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "0123456789", rec.Body.String())
}

func TestClips_RangeRequests(t *testing.T) {
	s, ctrl := newTestServer(t)
	writeClip(t, ctrl.cfg, "match.mp4", "0123456789")
	h := s.Handler()

	req := httptest.NewRequest("GET", "/match.mp4", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := doRemote(h, req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	assert.Equal(t, "2345", rec.Body.String())

	// Open-ended range runs to the last byte.
	req = httptest.NewRequest("GET", "/match.mp4", nil)
	req.Header.Set("Range", "bytes=7-")
	rec = doRemote(h, req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 7-9/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "789", rec.Body.String())

	// Out-of-bounds range is unsatisfiable.
	req = httptest.NewRequest("GET", "/match.mp4", nil)
	req.Header.Set("Range", "bytes=50-60")
	rec = doRemote(h, req)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */10", rec.Header().Get("Content-Range"))

	// A missing start reads from byte 0.
	req = httptest.NewRequest("GET", "/match.mp4", nil)
	req.Header.Set("Range", "bytes=-5")
	rec = doRemote(h, req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 0-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "012345", rec.Body.String())

	// A malformed range degrades to the full file.
	req = httptest.NewRequest("GET", "/match.mp4", nil)
	req.Header.Set("Range", "bytes=x-y")
	rec = doRemote(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
}

func TestClips_MissingFile(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRemote(s.Handler(), httptest.NewRequest("GET", "/nope.mp4", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminStatic_ServesBundle(t *testing.T) {
	staticDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "index.html"), []byte("admin ui"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(staticDir, "obs-web"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staticDir, "obs-web", "index.html"), []byte("obs ui"), 0o644))

	cfg := config.Default()
	cfg.EventCode = "q1evt"
	cfg.OutputDir = t.TempDir()
	s := NewServer(&fakeController{cfg: cfg}, staticDir)
	h := s.Handler()

	rec := doLocal(h, httptest.NewRequest("GET", "/admin", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin ui", rec.Body.String())

	rec = doLocal(h, httptest.NewRequest("GET", "/obs-web/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "obs ui", rec.Body.String())
}

func TestSessionCookie_ExpiresAfterTTL(t *testing.T) {
	s, _ := newTestServer(t)
	secret := s.sessionSecret()
	stale := auth.MakeSessionCookie(secret, "_local", time.Now().Add(-25*time.Hour))

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: stale})
	rec := doRemote(s.Handler(), req)
	assert.Equal(t, http.StatusFound, rec.Code)
}
