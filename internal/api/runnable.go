package api

import (
	"errors"
	"net/http"

	"github.com/nerrad567/runnable-bridge/internal/communicator"
	"github.com/nerrad567/runnable-bridge/internal/process"
)

// handleHealth reports overall health. A runnable that exhausted its
// retries degrades the status but still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.runnable.Stats()

	status := "ok"
	if stats.Runnable != nil && stats.Runnable.Status == process.StatusFailed {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   status,
		"version":  s.version,
		"runnable": stats,
		"clients":  s.hub.ClientCount(),
	})
}

func (s *Server) handleRunnableStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runnable.Stats())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.runnable.Connect(); err != nil {
		if errors.Is(err, communicator.ErrNotConfigured) {
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
			return
		}
		s.logger.Error("runnable connect via API failed",
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
		return
	}
	s.logger.Info("runnable connected via API", "subject", r.Context().Value(ctxKeySubject))
	writeJSON(w, http.StatusOK, s.runnable.Stats())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.runnable.Disconnect()
	s.logger.Info("runnable disconnected via API", "subject", r.Context().Value(ctxKeySubject))
	writeJSON(w, http.StatusOK, s.runnable.Stats())
}
