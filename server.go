package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jimmingcheng/pi-robot/internal/audio"
	"github.com/jimmingcheng/pi-robot/internal/metrics"
	"github.com/jimmingcheng/pi-robot/internal/server"
	"github.com/jimmingcheng/pi-robot/internal/types"
)

const (
	levelsInterval = 100 * time.Millisecond  // 10 fps for level meters
	statusInterval = 3000 * time.Millisecond // Status updates every 3s
)

// StatusSource reports the live session status.
type StatusSource interface {
	Status() types.SessionStatus
}

// DeviceLister lists the audio devices of the host.
type DeviceLister interface {
	Devices() ([]audio.Device, error)
}

// ServerDeps are the collaborators of the status server. Status is
// required; the others disable their endpoints when nil.
type ServerDeps struct {
	Status  StatusSource
	Metrics *metrics.Metrics
	Events  server.EventReader
	Webhook server.WebhookTester
	Devices DeviceLister
	Version *VersionChecker
	Logger  *slog.Logger
}

// Server is the robot's read-only status server: JSON endpoints, a live
// WebSocket feed and Prometheus metrics.
type Server struct {
	name     string
	deps     ServerDeps
	commands *server.CommandHandler
	upgrader *server.Upgrader
	logger   *slog.Logger
}

// NewServer returns a status server for the robot called name.
func NewServer(name string, deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "server")
	return &Server{
		name:     name,
		deps:     deps,
		commands: server.NewCommandHandler(deps.Webhook, deps.Events, deps.Logger),
		upgrader: server.NewUpgrader(deps.Logger),
		logger:   logger,
	}
}

// handleWebSocket streams status and levels and accepts commands.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection. send is never
	// closed; every goroutine stops at done.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)

	go s.runWebSocketWriter(conn, send, done)
	go s.runWebSocketReader(conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate)
}

// runWebSocketWriter writes messages from the send channel to the connection
// until the reader is done.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any, done <-chan struct{}) {
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("WebSocket close error", "error", err)
		}
	}()
	for {
		select {
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, send chan<- any, done chan struct{}, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, send, done, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop sends periodic status and level updates until the
// reader exits.
func (s *Server) runWebSocketEventLoop(send chan any, done, statusUpdate <-chan struct{}) {
	levelsTicker := time.NewTicker(levelsInterval)
	statusTicker := time.NewTicker(statusInterval)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()

	// trySend reports false once the reader is done.
	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.buildStatus()) {
		return
	}

	for {
		var msg any
		select {
		case <-done:
			return
		case <-statusUpdate:
			msg = s.buildStatus()
		case <-statusTicker.C:
			msg = s.buildStatus()
		case <-levelsTicker.C:
			msg = types.WSLevelsResponse{Type: "levels", Levels: s.deps.Status.Status().Levels}
		}
		if !trySend(msg) {
			return
		}
	}
}

// buildStatus returns the current status response.
func (s *Server) buildStatus() types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:    "status",
		Robot:   s.name,
		Session: s.deps.Status.Status(),
		Version: s.deps.Version.Info(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleAPIStatus)
	mux.HandleFunc("GET /api/events", s.handleAPIEvents)
	mux.HandleFunc("GET /api/devices", s.handleAPIDevices)
	mux.HandleFunc("POST /api/notifications/webhook/test", s.handleAPITestWebhook)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving on port in the background.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Info("starting status server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
