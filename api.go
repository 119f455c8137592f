package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jimmingcheng/pi-robot/internal/audio"
	"github.com/jimmingcheng/pi-robot/internal/server"
	"github.com/jimmingcheng/pi-robot/internal/util"
)

const webhookTestTimeout = 15 * time.Second

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports that the process is serving.
// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIStatus returns the session status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.buildStatus())
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?limit=50&offset=0&filter=reply
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Event log not configured")
		return
	}

	req, err := parseEventsQuery(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": util.ToValidationError(err)})
		return
	}

	events, hasMore, err := req.ReadEvents(s.deps.Events)
	if err != nil {
		s.logger.Error("failed to read event log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read event log")
		return
	}
	s.writeJSON(w, http.StatusOK, server.EventsResult{Events: events, HasMore: hasMore})
}

// parseEventsQuery reads and validates the events query parameters.
func parseEventsQuery(r *http.Request) (server.EventsRequest, error) {
	q := r.URL.Query()
	req := server.EventsRequest{Filter: q.Get("filter")}

	var err error
	if v := q.Get("limit"); v != "" {
		if req.Limit, err = strconv.Atoi(v); err != nil {
			return req, errors.New("limit must be a number")
		}
	}
	if v := q.Get("offset"); v != "" {
		if req.Offset, err = strconv.Atoi(v); err != nil {
			return req, errors.New("offset must be a number")
		}
	}
	return req, req.Validate()
}

// handleAPIDevices lists audio devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Devices == nil {
		s.writeJSON(w, http.StatusOK, []audio.Device{})
		return
	}
	devices, err := s.deps.Devices.Devices()
	if err != nil {
		s.logger.Error("failed to list audio devices", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

// handleAPITestWebhook sends a test notification.
// POST /api/notifications/webhook/test
func (s *Server) handleAPITestWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhook == nil || !s.deps.Webhook.Configured() {
		s.writeError(w, http.StatusBadRequest, "Webhook URL not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), webhookTestTimeout)
	defer cancel()
	if err := s.deps.Webhook.SendTest(ctx); err != nil {
		s.logger.Error("webhook test failed", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
