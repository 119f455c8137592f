package server

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the interface for WebSocket connection operations.
type WebSocketConn interface {
	io.Closer
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// Upgrader upgrades status clients on the robot's own network.
type Upgrader struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewUpgrader returns an upgrader that accepts same-origin, loopback and
// private-network origins.
func NewUpgrader(logger *slog.Logger) *Upgrader {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Upgrader{logger: logger.With("component", "ws")}
	u.upgrader.CheckOrigin = u.checkOrigin
	return u
}

// Upgrade upgrades an HTTP connection to WebSocket.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return u.upgrader.Upgrade(w, r, nil)
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func (u *Upgrader) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests and non-browser clients omit the Origin header
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		u.logger.Warn("rejected WebSocket connection: invalid origin URL", "origin", origin)
		return false
	}
	host := parsed.Hostname()

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == "localhost" || host == requestHost {
		return true
	}

	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
		return true
	}

	u.logger.Warn("rejected WebSocket connection", "origin", origin, "host", host)
	return false
}
