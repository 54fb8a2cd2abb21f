// internal/server/realtime_handlers.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/markb/boardsync/internal/channel"
	"github.com/markb/boardsync/internal/log"
	"github.com/markb/boardsync/internal/realtime"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type BroadcastRequest struct {
	Channel string         `json:"channel"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type LogsResponse struct {
	Lines    []string `json:"lines"`
	Total    int      `json:"total"`
	Capacity int      `json:"capacity"`
}

const (
	defaultLogLines = 100
	maxLogLines     = 1000
)

func (s *Server) writeError(w http.ResponseWriter, status int, errCode, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

// writeEmitError maps publisher errors onto HTTP statuses.
func (s *Server) writeEmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, realtime.ErrInvalidEvent), errors.Is(err, channel.ErrInvalidChannel):
		s.writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
	case errors.Is(err, realtime.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, "queue_full", "Publish queue is full, retry later")
	case errors.Is(err, realtime.ErrPublisherClosed):
		s.writeError(w, http.StatusServiceUnavailable, "shutting_down", "Server is shutting down")
	default:
		log.Error("realtime: publish failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "server_error", "Failed to publish event")
	}
}

// handlePublish accepts one committed change from a collaborator service.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var change realtime.Change
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if err := s.realtimeService.EmitDatabaseChange(change); err != nil {
		s.writeEmitError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Channel == "" || req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "channel and type are required")
		return
	}

	if err := s.realtimeService.EmitCustomEvent(req.Channel, req.Type, req.Payload); err != nil {
		s.writeEmitError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.realtimeService.Stats())
}

// handleLogs returns the most recent buffered log lines. ?lines= caps the
// count.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	total, capacity, ok := log.TailStats()
	if !ok {
		s.writeError(w, http.StatusNotFound, "logs_disabled", "Log buffer is not enabled")
		return
	}

	n := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "lines must be a positive integer")
			return
		}
		n = min(parsed, maxLogLines)
	}

	lines := log.Tail(n)
	if lines == nil {
		lines = []string{}
	}
	json.NewEncoder(w).Encode(LogsResponse{Lines: lines, Total: total, Capacity: capacity})
}
