// Package session provides session lifecycle management and the turn
// controller that drives the agent harness.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentdeck-ai/agentdeck/internal/claude"
	"github.com/agentdeck-ai/agentdeck/internal/event"
	"github.com/agentdeck-ai/agentdeck/internal/store"
	"github.com/agentdeck-ai/agentdeck/pkg/types"
)

// ProviderID identifies the agent harness vendor on assistant messages.
const ProviderID = "anthropic"

// Service orchestrates sessions for one workspace: CRUD over the store,
// one-turn-per-session exclusion, and the harness invocation itself.
type Service struct {
	store  *store.Store
	events *event.Broadcaster
	runner claude.Runner

	defaultModelID string
	defaultMode    string

	// active holds the cancellation handle of each executing turn, keyed
	// by session id. Presence in this map is the exclusion lock.
	mu     sync.Mutex
	active map[string]context.CancelFunc

	permissions permissionRegistry
}

// NewService creates a session service.
func NewService(st *store.Store, events *event.Broadcaster, runner claude.Runner, defaultModelID string) *Service {
	return &Service{
		store:          st,
		events:         events,
		runner:         runner,
		defaultModelID: defaultModelID,
		active:         make(map[string]context.CancelFunc),
		permissions:    permissionRegistry{pending: make(map[string]string)},
	}
}

// SetDefaultPermissionMode sets the permission mode applied to sessions
// created without one.
func (s *Service) SetDefaultPermissionMode(mode string) {
	s.defaultMode = mode
}

// Create creates a new session and announces it.
func (s *Service) Create(ctx context.Context, opts store.CreateOptions) (*types.Session, error) {
	if opts.ModelID == "" {
		opts.ModelID = s.defaultModelID
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = s.defaultMode
	}
	sess, err := s.store.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	s.events.PublishSessionCreated(sess)
	return sess, nil
}

// Get retrieves a session.
func (s *Service) Get(id string) (*types.Session, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// List lists sessions.
func (s *Service) List(filter store.ListFilter) []*types.Session {
	return s.store.List(filter)
}

// SettingsPatch is a partial settings update. Nil fields are unchanged;
// an empty string resets the field to its default.
type SettingsPatch struct {
	Title          *string
	ModelID        *string
	PermissionMode *string
}

// UpdateSettings applies a settings patch and announces the update.
func (s *Service) UpdateSettings(ctx context.Context, id string, patch SettingsPatch) (*types.Session, error) {
	model := patch.ModelID
	if model != nil && *model == "" {
		def := s.defaultModelID
		model = &def
	}
	title := patch.Title
	if title != nil && *title == "" {
		title = ptr("New Session")
	}
	mode := patch.PermissionMode
	if mode != nil && *mode == "" {
		def := s.defaultMode
		if def == "" {
			def = types.PermissionDefault
		}
		mode = &def
	}
	sess, err := s.store.Update(ctx, id, store.SessionPatch{
		Title:          title,
		ModelID:        model,
		PermissionMode: mode,
	})
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.events.PublishSessionUpdated(sess)
	return sess, nil
}

// Delete aborts any running turn, removes the session with its messages
// and parts, and announces the deletion. It reports whether the session
// existed.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	sess, ok := s.store.Get(id)
	if !ok {
		return false, nil
	}
	s.Abort(ctx, id)

	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return ok, err
	}
	if ok {
		s.events.PublishSessionDeleted(sess)
	}
	return ok, nil
}

// Fork creates a child session containing the parent's messages up to
// and including messageID (all messages when messageID is empty). The
// continuation token is not inherited: it is derived per turn.
func (s *Service) Fork(ctx context.Context, id, messageID string) (*types.Session, error) {
	parent, ok := s.store.Get(id)
	if !ok {
		return nil, ErrNotFound
	}

	child, err := s.store.Create(ctx, store.CreateOptions{
		Title:          parent.Title + " (fork)",
		ParentID:       &id,
		ModelID:        parent.ModelID,
		PermissionMode: parent.PermissionMode,
	})
	if err != nil {
		return nil, err
	}

	records, err := s.store.Messages(id)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		info := *rec.Info
		info.SessionID = child.ID
		if err := s.store.AddMessage(ctx, child.ID, &info, rec.Parts...); err != nil {
			return nil, err
		}
		if messageID != "" && rec.Info.ID == messageID {
			break
		}
	}

	s.events.PublishSessionCreated(child)
	return child, nil
}

// Messages returns a session's messages with their parts.
func (s *Service) Messages(sessionID string) ([]*store.MessageRecord, error) {
	records, err := s.store.Messages(sessionID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return records, nil
}

// IsActive reports whether a turn is executing for the session.
func (s *Service) IsActive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sessionID]
	return ok
}

// acquire installs the exclusion lock for a session. The presence check
// and insert happen under one mutex so the at-most-one-turn invariant
// holds under parallel callers.
func (s *Service) acquire(ctx context.Context, sessionID string) (context.Context, context.CancelFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[sessionID]; ok {
		return nil, nil, ErrBusy
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.active[sessionID] = cancel
	return turnCtx, cancel, nil
}

// release removes the exclusion lock. Called from the turn's defer path
// so a failed turn can never leave a session permanently busy.
func (s *Service) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sessionID)
}

// Abort cancels the running turn for a session, if any. Aborting an idle
// session is a no-op, never an error.
func (s *Service) Abort(ctx context.Context, sessionID string) {
	s.mu.Lock()
	cancel, ok := s.active[sessionID]
	if ok {
		delete(s.active, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	cancel()
	s.permissions.clear(sessionID)

	if _, err := s.store.Update(ctx, sessionID, store.SessionPatch{Status: ptr(types.StatusIdle)}); err == nil {
		s.events.PublishSessionStatus(sessionID, types.StatusIdle, 0, "")
	}
}

func ptr[T any](v T) *T { return &v }

func nowMillis() int64 { return time.Now().UnixMilli() }

func hasText(text string) bool { return strings.TrimSpace(text) != "" }
