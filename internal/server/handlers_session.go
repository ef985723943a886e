package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agentdeck-ai/agentdeck/internal/session"
	"github.com/agentdeck-ai/agentdeck/internal/store"
)

// SettingsUnset is the sentinel value that resets a settings field to its
// default, as opposed to omitting the field (leave unchanged).
const SettingsUnset = "unset"

type createSessionRequest struct {
	Title          string `json:"title"`
	ModelID        string `json:"modelID"`
	PermissionMode string `json:"permissionMode"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
			return
		}
	}

	sess, err := s.sessions.Create(r.Context(), store.CreateOptions{
		Title:          req.Title,
		ModelID:        req.ModelID,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		Search: r.URL.Query().Get("search"),
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "since must be a unix-milli timestamp")
			return
		}
		filter.Since = since
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	writeJSON(w, http.StatusOK, s.sessions.List(filter))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleUpdateSettings patches mutable session settings. An omitted field
// is left unchanged; a field set to "unset" resets to its default.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	patch := session.SettingsPatch{}
	fields := map[string]**string{
		"title":          &patch.Title,
		"modelID":        &patch.ModelID,
		"permissionMode": &patch.PermissionMode,
	}
	for name, dst := range fields {
		val, ok := raw[name]
		if !ok {
			continue
		}
		var str string
		if err := json.Unmarshal(val, &str); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, name+" must be a string")
			return
		}
		if str == SettingsUnset {
			str = ""
		}
		*dst = &str
	}

	sess, err := s.sessions.UpdateSettings(r.Context(), chi.URLParam(r, "sessionID"), patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type forkSessionRequest struct {
	MessageID string `json:"messageID"`
	Title     string `json:"title"`
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req forkSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
			return
		}
	}
	sess, err := s.sessions.Fork(r.Context(), chi.URLParam(r, "sessionID"), req.MessageID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	s.sessions.Abort(r.Context(), chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type permissionReplyRequest struct {
	Response string `json:"response"` // "allow" | "deny"
}

func (s *Server) handlePermissionReply(w http.ResponseWriter, r *http.Request) {
	var req permissionReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	if req.Response != "allow" && req.Response != "deny" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "response must be allow or deny")
		return
	}
	s.sessions.ReplyPermission(chi.URLParam(r, "sessionID"), chi.URLParam(r, "permissionID"), req.Response)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
