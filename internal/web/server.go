// Package web serves the local HTTP surface: the REST control API, the
// admin UI, and the clips directory with range-request support. Everything
// the reverse tunnel exposes publicly is served from here.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ftcvideo/matchbox/internal/bus"
	"github.com/ftcvideo/matchbox/internal/config"
	"github.com/ftcvideo/matchbox/internal/core"
)

// Controller is the daemon surface the API drives. *core.Core implements it.
type Controller interface {
	Config() config.Config
	UpdateConfig(patch map[string]any) (config.Config, error)
	SaveConfig() error
	Running() bool
	Start(ctx context.Context) error
	Stop()
	StartSync() error
	StopSync()
	StartTunnel() error
	StopTunnel()
	ConfigureScenes(ctx context.Context) error
	ScanClips() []core.ClipInfo
	Status() bus.Status
}

// Server is the local HTTP server.
type Server struct {
	logger    *slog.Logger
	ctrl      Controller
	staticDir string

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates the server around ctrl. staticDir holds the admin UI
// bundle; it may be empty, in which case admin static routes return 404.
func NewServer(ctrl Controller, staticDir string) *Server {
	return &Server{
		logger:    slog.Default(),
		ctrl:      ctrl,
		staticDir: staticDir,
	}
}

// WithLogger sets the logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger.With("component", "web")
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.slowRequestLog)
	r.Use(corsHeaders)

	// Login endpoints stay reachable without a session.
	r.Get("/admin/_login", s.handleLoginPage)
	r.Post("/admin/_auth", s.handleAuth)

	// Browser surfaces redirect to the login page when unauthenticated.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth(authRedirect))
		r.Get("/admin", s.serveAdminIndex)
		r.Get("/admin/*", s.serveAdminStatic)
		r.Get("/obs-web", s.serveAdminStatic)
		r.Get("/obs-web/*", s.serveAdminStatic)
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/config", s.handleGetConfig)
		r.Get("/api/clips", s.handleClips)
	})

	// Mutating API calls answer 401 JSON instead of redirecting.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth(authJSON))
		for _, method := range []string{http.MethodPost, http.MethodPut} {
			r.Method(method, "/api/start", http.HandlerFunc(s.handleStart))
			r.Method(method, "/api/stop", http.HandlerFunc(s.handleStop))
			r.Method(method, "/api/configure-obs", http.HandlerFunc(s.handleConfigureScenes))
			r.Method(method, "/api/sync/start", http.HandlerFunc(s.handleSyncStart))
			r.Method(method, "/api/sync/stop", http.HandlerFunc(s.handleSyncStop))
			r.Method(method, "/api/tunnel/start", http.HandlerFunc(s.handleTunnelStart))
			r.Method(method, "/api/tunnel/stop", http.HandlerFunc(s.handleTunnelStop))
			r.Method(method, "/api/config", http.HandlerFunc(s.handleUpdateConfig))
			r.Method(method, "/api/save-config", http.HandlerFunc(s.handleSaveConfig))
		}
	})

	r.Get("/favicon.ico", s.serveAdminStatic)

	// Everything else is the public clips surface.
	r.Get("/", s.serveClipPath)
	r.Get("/*", s.serveClipPath)

	return r
}

// Start binds the listener. Bind errors surface synchronously.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("binding web listener: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Handler()}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("web server stopped", "error", err)
		}
	}()
	s.logger.Info("web server listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("writing json response", "error", err)
	}
}

type apiResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) sendOK(w http.ResponseWriter) {
	s.sendJSON(w, http.StatusOK, apiResult{OK: true})
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, apiResult{OK: false, Error: message})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.ctrl.Config())
}

func (s *Server) handleClips(w http.ResponseWriter, r *http.Request) {
	clips := s.ctrl.ScanClips()
	if clips == nil {
		clips = []core.ClipInfo{}
	}
	s.sendJSON(w, http.StatusOK, clips)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	// The orchestrator outlives the request.
	err := s.ctrl.Start(context.Background())
	switch {
	case err == nil:
		s.sendOK(w)
	case errors.Is(err, core.ErrAlreadyRunning):
		s.sendError(w, http.StatusBadRequest, "Already running")
	case errors.Is(err, config.ErrEventCodeRequired):
		s.sendError(w, http.StatusBadRequest, "Event code is required")
	default:
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Running() {
		s.sendError(w, http.StatusBadRequest, "Not running")
		return
	}
	s.ctrl.Stop()
	s.sendOK(w)
}

func (s *Server) handleConfigureScenes(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ConfigureScenes(r.Context()); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendOK(w)
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartSync(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendOK(w)
}

func (s *Server) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.StopSync()
	s.sendOK(w)
}

func (s *Server) handleTunnelStart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartTunnel(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.sendOK(w)
}

func (s *Server) handleTunnelStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.StopTunnel()
	s.sendOK(w)
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid json body: %v", err))
		return
	}
	if _, err := s.ctrl.UpdateConfig(patch); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("configuration updated via web API")
	s.sendOK(w)
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SaveConfig(); err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendOK(w)
}
