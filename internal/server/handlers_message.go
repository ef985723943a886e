package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type messagePartRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendMessageRequest struct {
	Parts []messagePartRequest `json:"parts"`
	Text  string               `json:"text"` // shorthand for a single text part
}

// prompt concatenates the text parts of the request.
func (r *sendMessageRequest) prompt() string {
	if len(r.Parts) == 0 {
		return r.Text
	}
	var sb strings.Builder
	for _, p := range r.Parts {
		if p.Type != "" && p.Type != "text" {
			continue
		}
		if sb.Len() > 0 && p.Text != "" {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// handleSendMessage runs one full turn synchronously and responds with the
// final assistant message. Progress is streamed on /event while this
// request is in flight.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}

	rec, err := s.sessions.SendMessage(r.Context(), chi.URLParam(r, "sessionID"), req.prompt())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	records, err := s.sessions.Messages(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
