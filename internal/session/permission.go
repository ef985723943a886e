package session

import (
	"sync"

	"github.com/agentdeck-ai/agentdeck/internal/claude"
	"github.com/agentdeck-ai/agentdeck/internal/event"
	"github.com/agentdeck-ai/agentdeck/internal/store"
)

// permissionRegistry tracks permission requests surfaced by the harness
// during a turn, keyed by permission id. Entries are transient: the
// approval decision itself is handled at the harness boundary, this
// registry only drives the ask/reply event plumbing.
type permissionRegistry struct {
	mu      sync.Mutex
	pending map[string]string // permission id -> session id
}

func (r *permissionRegistry) add(id, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = sessionID
}

func (r *permissionRegistry) remove(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessionID, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return sessionID, ok
}

func (r *permissionRegistry) clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.pending {
		if sid == sessionID {
			delete(r.pending, id)
		}
	}
}

// askPermission publishes permission.asked for a harness permission
// request frame.
func (s *Service) askPermission(sessionID string, sys *claude.SystemMessage) {
	id := sys.PermissionID
	if id == "" {
		id = store.NewID()
	}
	s.permissions.add(id, sessionID)
	s.events.PublishPermissionAsked(event.PermissionAskedData{
		ID:        id,
		SessionID: sessionID,
		ToolName:  sys.ToolName,
		Title:     sys.Title,
	})
}

// ReplyPermission resolves a pending permission request and publishes
// permission.replied. Replying to an unknown id is a no-op.
func (s *Service) ReplyPermission(sessionID, permissionID, response string) {
	if sid, ok := s.permissions.remove(permissionID); ok {
		sessionID = sid
	}
	s.events.PublishPermissionReplied(event.PermissionRepliedData{
		ID:        permissionID,
		SessionID: sessionID,
		Response:  response,
	})
}
