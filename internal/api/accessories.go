package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/runnable-bridge/internal/accessory"
)

// setCharacteristicRequest is the body of PUT .../characteristics/{characteristic}.
type setCharacteristicRequest struct {
	Value json.RawMessage `json:"value"`
}

// urlParam returns a decoded path parameter.
func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

func (s *Server) handleListAccessories(w http.ResponseWriter, _ *http.Request) {
	accessories := s.platform.Accessories()
	writeJSON(w, http.StatusOK, map[string]any{
		"accessories": accessories,
		"count":       len(accessories),
	})
}

func (s *Server) handleGetAccessory(w http.ResponseWriter, r *http.Request) {
	acc, err := s.platform.Accessory(urlParam(r, "name"))
	if err != nil {
		writeNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleSetCharacteristic(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	characteristic := urlParam(r, "characteristic")

	var req setCharacteristicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Value) == 0 {
		writeBadRequest(w, "value is required")
		return
	}

	err := s.platform.SetCharacteristic(r.Context(), name, characteristic, req.Value)
	switch {
	case err == nil:
	case errors.Is(err, accessory.ErrAccessoryNotFound), errors.Is(err, accessory.ErrUnknownCharacteristic):
		writeNotFound(w, err.Error())
		return
	case errors.Is(err, accessory.ErrInvalidValue):
		writeBadRequest(w, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "accessory busy")
		return
	default:
		s.logger.Warn("set characteristic failed",
			"name", name,
			"characteristic", characteristic,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
		return
	}

	s.logger.Info("characteristic set via API",
		"name", name,
		"characteristic", characteristic,
		"subject", r.Context().Value(ctxKeySubject),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":           name,
		"characteristic": characteristic,
		"value":          req.Value,
	})
}
