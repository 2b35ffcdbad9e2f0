package api

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/flowpbx/callscript/internal/database/models"
	"github.com/flowpbx/callscript/internal/script"
	"github.com/go-chi/chi/v5"
)

// Script sources reported by the API.
const (
	sourceStore = "store"
	sourceFiles = "files"
)

// scriptRequest is the JSON request body for publishing a script.
type scriptRequest struct {
	Name      string            `json:"name"`
	Language  string            `json:"language"`
	VoiceType string            `json:"voice_type"`
	Flow      []script.FlowItem `json:"flow"`
}

// scriptResponse is the JSON response for a single script.
type scriptResponse struct {
	Slug      string            `json:"slug"`
	Name      string            `json:"name"`
	Language  string            `json:"language"`
	VoiceType string            `json:"voice_type"`
	Flow      []script.FlowItem `json:"flow"`
	Questions int               `json:"questions"`
	Version   int               `json:"version"`
	Source    string            `json:"source"`
	CreatedAt string            `json:"created_at,omitempty"`
	UpdatedAt string            `json:"updated_at,omitempty"`
}

func toScriptResponse(s *script.Script, source string) scriptResponse {
	return scriptResponse{
		Slug:      s.Slug,
		Name:      s.Name,
		Language:  s.Language,
		VoiceType: string(s.VoiceType),
		Flow:      s.Flow,
		Questions: len(s.Questions()),
		Version:   s.Version,
		Source:    source,
	}
}

// storedScriptResponse converts a stored row. Rows that no longer decode
// are still listed so they can be replaced or deleted.
func storedScriptResponse(m *models.Script) scriptResponse {
	var resp scriptResponse
	if s, err := script.FromModel(m); err == nil {
		resp = toScriptResponse(s, sourceStore)
	} else {
		slog.Warn("stored script does not decode", "slug", m.Slug, "error", err)
		resp = scriptResponse{
			Slug:      m.Slug,
			Name:      m.Name,
			Language:  m.Language,
			VoiceType: m.VoiceType,
			Flow:      []script.FlowItem{},
			Version:   m.Version,
			Source:    sourceStore,
		}
	}
	resp.CreatedAt = m.CreatedAt.Format(time.RFC3339)
	resp.UpdatedAt = m.UpdatedAt.Format(time.RFC3339)
	return resp
}

// handleListScripts returns every stored script plus the file-defined
// scripts that no stored script shadows.
func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.Scripts.List(r.Context())
	if err != nil {
		slog.Error("list scripts: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]scriptResponse, 0, len(stored)+s.scripts.Len())
	seen := make(map[string]bool, len(stored))
	for i := range stored {
		items = append(items, storedScriptResponse(&stored[i]))
		seen[stored[i].Slug] = true
	}
	for _, sc := range s.scripts.List() {
		if !seen[sc.Slug] {
			items = append(items, toScriptResponse(sc, sourceFiles))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Slug < items[j].Slug })

	writeJSON(w, http.StatusOK, items)
}

// handleGetScript returns the script a call would use for the slug.
func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !script.ValidSlug(slug) {
		writeError(w, http.StatusBadRequest, "invalid script slug")
		return
	}

	m, err := s.store.Scripts.GetBySlug(r.Context(), slug)
	if err != nil {
		slog.Error("get script: failed to query", "error", err, "slug", slug)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if m != nil {
		writeJSON(w, http.StatusOK, storedScriptResponse(m))
		return
	}

	if sc, ok := s.scripts.Get(slug); ok {
		writeJSON(w, http.StatusOK, toScriptResponse(sc, sourceFiles))
		return
	}
	writeError(w, http.StatusNotFound, "script not found")
}

// handlePublishScript creates or fully replaces the stored script.
func (s *Server) handlePublishScript(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !script.ValidSlug(slug) {
		writeError(w, http.StatusBadRequest, "invalid script slug")
		return
	}

	var req scriptRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateScriptRequest(req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	sc := &script.Script{
		Slug:      slug,
		Name:      req.Name,
		Language:  req.Language,
		VoiceType: script.VoiceType(req.VoiceType),
		Flow:      req.Flow,
	}
	if err := sc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := sc.ToModel()
	if err != nil {
		slog.Error("publish script: failed to encode", "error", err, "slug", slug)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	existing, err := s.store.Scripts.GetBySlug(r.Context(), slug)
	if err != nil {
		slog.Error("publish script: failed to query", "error", err, "slug", slug)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.store.Scripts.Upsert(r.Context(), m); err != nil {
		slog.Error("publish script: failed to upsert", "error", err, "slug", slug)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	published, err := s.store.Scripts.GetBySlug(r.Context(), slug)
	if err != nil || published == nil {
		slog.Error("publish script: failed to re-fetch", "error", err, "slug", slug)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("script published", "slug", slug, "version", published.Version, "questions", len(sc.Questions()))

	status := http.StatusOK
	if existing == nil {
		status = http.StatusCreated
	}
	writeJSON(w, status, storedScriptResponse(published))
}

// handleDeleteScript removes a stored script. File-defined scripts are
// managed on disk and cannot be deleted here.
func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !script.ValidSlug(slug) {
		writeError(w, http.StatusBadRequest, "invalid script slug")
		return
	}

	existing, err := s.store.Scripts.GetBySlug(r.Context(), slug)
	if err != nil {
		slog.Error("delete script: failed to query", "error", err, "slug", slug)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "script not found")
		return
	}

	if err := s.store.Scripts.Delete(r.Context(), slug); err != nil {
		slog.Error("delete script: failed to delete", "error", err, "slug", slug)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("script deleted", "slug", slug, "version", existing.Version)

	w.WriteHeader(http.StatusNoContent)
}

// handleReloadScripts rescans the script definition directory.
func (s *Server) handleReloadScripts(w http.ResponseWriter, r *http.Request) {
	n, err := s.scripts.Reload(r.Context())
	if err != nil {
		slog.Error("reload scripts failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload failed: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":  true,
		"scripts":   n,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// audioDeleteRequest lists the flow keys whose recordings are stale.
type audioDeleteRequest struct {
	Keys []string `json:"keys"`
}

// handleDeleteAudio removes pre-rendered recordings of a script. Keys
// without a recording are ignored.
func (s *Server) handleDeleteAudio(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if !script.ValidSlug(slug) {
		writeError(w, http.StatusBadRequest, "invalid script slug")
		return
	}

	var req audioDeleteRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys is required")
		return
	}
	if len(req.Keys) > maxAudioKeys {
		writeError(w, http.StatusBadRequest, "too many keys")
		return
	}

	res, err := s.audio.Delete(slug, req.Keys)
	if err != nil {
		slog.Error("delete audio failed", "error", err, "slug", slug)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("script audio deleted", "slug", slug, "deleted", len(res.Deleted), "failed", len(res.Failed))

	writeJSON(w, http.StatusOK, res)
}
