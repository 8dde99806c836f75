package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jfoltran/tablesync/internal/session"
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.clients.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

// newChangesResponse answers the force-sync endpoint.
type newChangesResponse struct {
	Success     bool   `json:"success"`
	ChangeCount int    `json:"changeCount"`
	LSN         string `json:"lsn"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleNewChanges(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, newChangesResponse{Error: "missing clientId"})
		return
	}

	count, lsnStr, err := s.sessions.FeedNow(r.Context(), clientID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrInvalidArgument) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, newChangesResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, newChangesResponse{
		Success:     true,
		ChangeCount: count,
		LSN:         lsnStr,
	})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "missing clientId"})
		return
	}

	var stats map[string]any
	if r.Body != nil {
		// An empty body forwards an empty stats request.
		_ = json.NewDecoder(r.Body).Decode(&stats)
	}

	if err := s.sessions.ForwardStats(r.Context(), clientID, stats); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrInvalidArgument) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
