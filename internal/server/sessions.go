package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/streamhouse/sessionrelay/internal/relay"
	"github.com/streamhouse/sessionrelay/internal/session"
)

// handlers is the thin route layer over the relay core.
type handlers struct {
	relay  *relay.Relay
	logger *slog.Logger
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *handlers) handleListSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.relay.Log().ListSessions()
	if err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

type createSessionRequest struct {
	ClientID  string `json:"clientId"`
	RequestID string `json:"requestId"`
	Prompt    string `json:"prompt"`
}

func (h *handlers) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if session.ValidateID(req.ClientID) != nil || session.ValidateID(req.RequestID) != nil {
		http.Error(w, "invalid session identifier", http.StatusBadRequest)
		return
	}

	if err := h.relay.StartSession(req.ClientID, req.RequestID, req.Prompt); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to start session", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{
		"sessionKey": session.NewKey(req.ClientID, req.RequestID).String(),
	})
}

type resumeSessionRequest struct {
	NewRequestID string `json:"newRequestId"`
	Prompt       string `json:"prompt"`
}

func (h *handlers) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	requestID := chi.URLParam(r, "requestID")

	var req resumeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if session.ValidateID(clientID) != nil || session.ValidateID(requestID) != nil ||
		session.ValidateID(req.NewRequestID) != nil {
		http.Error(w, "invalid session identifier", http.StatusBadRequest)
		return
	}

	if err := h.relay.ResumeSession(clientID, requestID, req.NewRequestID, req.Prompt); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to resume session", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"sessionKey": session.NewKey(clientID, requestID).String(),
		"upstreamKey": session.NewKey(clientID, req.NewRequestID).String(),
	})
}

func (h *handlers) handleIntervene(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	requestID := chi.URLParam(r, "requestID")
	if session.ValidateID(clientID) != nil || session.ValidateID(requestID) != nil {
		http.Error(w, "invalid session identifier", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	content := string(body)
	if json.Unmarshal(body, &req) == nil && req.Content != "" {
		content = req.Content
	}

	if err := h.relay.Intervene(clientID, requestID, content); err != nil {
		AddError(r.Context(), err)
		http.Error(w, "failed to record intervention", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
