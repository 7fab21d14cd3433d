package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zrea200/epkeeper-chatbot/internal/audit"
)

const maxRecentCalls = 200

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"calls":        []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency().Snapshot())
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondJSON(w, http.StatusOK, map[string]any{"calls": []audit.Record{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentCalls)
	}
	records, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("list recent calls failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "audit_unavailable", "could not read call records")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"calls": records})
}

// handleCancelCall aborts the in-flight call of a client, e.g. when the user
// stops playback before synthesis finishes. The aborted request answers 409.
func (s *Server) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	clientID := strings.TrimSpace(chi.URLParam(r, "clientID"))
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "client id is required")
		return
	}
	if !s.calls.Cancel(clientID) {
		respondError(w, http.StatusNotFound, "no_active_call", "client "+clientID+" has no call in flight")
		return
	}
	s.logger.Info("in-flight call cancelled by client", zap.String("client_id", clientID))
	respondJSON(w, http.StatusOK, map[string]any{"client_id": clientID, "cancelled": true})
}
