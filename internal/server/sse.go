package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentdeck-ai/agentdeck/internal/event"
	"github.com/agentdeck-ai/agentdeck/internal/logging"
)

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// flush pushes buffered bytes to the client. ResponseController reaches
// through middleware wrappers; the plain Flusher is the fallback.
func (s *sseWriter) flush() {
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
}

// writeEnvelope writes one envelope as a `data:` frame.
func (s *sseWriter) writeEnvelope(env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flush()
	return nil
}

// writePing writes a protocol-level comment, not a decodable event.
func (s *sseWriter) writePing() {
	fmt.Fprint(s.w, ": ping\n\n")
	s.flush()
}

// handleEvents streams the workspace event feed as server-sent events.
// Every envelope is one `data:` frame; ping envelopes are rendered as SSE
// comments so clients see activity without a decodable event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flush()

	ch, id := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	logging.Debug().Str("subscriberID", id).Msg("event stream opened")

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				// Evicted or server shutting down.
				return
			}
			if env.Type == event.Ping {
				sse.writePing()
				continue
			}
			if err := sse.writeEnvelope(env); err != nil {
				logging.Error().Err(err).Str("eventType", string(env.Type)).
					Msg("failed to write event")
				return
			}
		}
	}
}
