package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// callResponse is the JSON response for a single call log entry.
type callResponse struct {
	CallID          string            `json:"call_id"`
	Script          string            `json:"script"`
	Phone           string            `json:"phone"`
	Status          string            `json:"status"`
	StartedAt       string            `json:"started_at"`
	EndedAt         string            `json:"ended_at,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	Answers         map[string]string `json:"answers"`
}

// handleGetCall returns a call log entry and the answers given on it.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if callID == "" || len(callID) > maxKeyLen {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return
	}

	call, err := s.store.Calls.GetByCallID(r.Context(), callID)
	if err != nil {
		slog.Error("get call: failed to query", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if call == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	answers, err := s.store.Answers.MapByCall(r.Context(), callID)
	if err != nil {
		slog.Error("get call: failed to query answers", "error", err, "call_id", callID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if answers == nil {
		answers = map[string]string{}
	}

	resp := callResponse{
		CallID:    call.CallID,
		Script:    call.ScriptSlug,
		Phone:     call.Phone,
		Status:    call.Status,
		StartedAt: call.StartedAt.Format(time.RFC3339),
		Answers:   answers,
	}
	if call.EndedAt != nil {
		resp.EndedAt = call.EndedAt.Format(time.RFC3339)
		d := int(call.EndedAt.Sub(call.StartedAt).Seconds())
		resp.DurationSeconds = &d
	}

	writeJSON(w, http.StatusOK, resp)
}
