// Package store implements the durable session registry for one
// workspace. It owns the authoritative in-memory and on-disk copies of
// sessions, messages and parts; everything else holds only transient
// per-turn state.
//
// On-disk layout under the workspace data root:
//
//	sessions/<sessionID>.json
//	messages/<sessionID>/<messageID>.json  (message info + full part list)
//	index.json                             (sorted listing summaries)
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/agentdeck-ai/agentdeck/internal/storage"
	"github.com/agentdeck-ai/agentdeck/pkg/types"
)

// ErrNotFound is returned for unknown session or message ids.
var ErrNotFound = storage.ErrNotFound

// DefaultListLimit caps List results when the filter does not set one.
const DefaultListLimit = 50

// MessageRecord is a message with its parts, as persisted per file.
type MessageRecord struct {
	Info  *types.Message `json:"info"`
	Parts []types.Part   `json:"parts"`
}

func (r *MessageRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Info  *types.Message  `json:"info"`
		Parts json.RawMessage `json:"parts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Info = raw.Info
	if len(raw.Parts) > 0 {
		parts, err := types.UnmarshalParts(raw.Parts)
		if err != nil {
			return err
		}
		r.Parts = parts
	}
	return nil
}

// Store is the per-workspace session store.
type Store struct {
	storage     *storage.Storage
	workspaceID string
	directory   string

	mu       sync.RWMutex
	sessions map[string]*types.Session
	messages map[string][]*MessageRecord // per session, creation order
}

// New creates a store for one workspace and rebuilds in-memory state from
// disk. A data directory that does not exist yet means "no data", not an
// error.
func New(ctx context.Context, st *storage.Storage, workspaceID, directory string) (*Store, error) {
	s := &Store{
		storage:     st,
		workspaceID: workspaceID,
		directory:   directory,
		sessions:    make(map[string]*types.Session),
		messages:    make(map[string][]*MessageRecord),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// load rebuilds the same in-memory structures the store would have had if
// the process had never restarted.
func (s *Store) load(ctx context.Context) error {
	err := s.storage.Scan(ctx, []string{"sessions"}, func(key string, data json.RawMessage) error {
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return fmt.Errorf("session %s: %w", key, err)
		}
		// Execution state never survives a restart.
		if sess.Status == types.StatusBusy {
			sess.Status = types.StatusIdle
		}
		s.sessions[sess.ID] = &sess
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	for id := range s.sessions {
		var records []*MessageRecord
		err := s.storage.Scan(ctx, []string{"messages", id}, func(key string, data json.RawMessage) error {
			var rec MessageRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("message %s/%s: %w", id, key, err)
			}
			records = append(records, &rec)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		sortRecords(records)
		s.messages[id] = records
	}
	return nil
}

func sortRecords(records []*MessageRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i].Info, records[j].Info
		if a.Time.Created != b.Time.Created {
			return a.Time.Created < b.Time.Created
		}
		return a.ID < b.ID
	})
}

// CreateOptions are the caller-settable fields of a new session.
type CreateOptions struct {
	Title          string
	ParentID       *string
	ModelID        string
	PermissionMode string
}

// Create creates and persists a new session. The working directory and
// workspace id are server-assigned and immutable.
func (s *Store) Create(ctx context.Context, opts CreateOptions) (*types.Session, error) {
	now := time.Now().UnixMilli()

	title := opts.Title
	if title == "" {
		title = "New Session"
	}
	mode := opts.PermissionMode
	if mode == "" {
		mode = types.PermissionDefault
	}

	sess := &types.Session{
		ID:             NewID(),
		WorkspaceID:    s.workspaceID,
		Directory:      s.directory,
		ParentID:       opts.ParentID,
		Title:          title,
		ModelID:        opts.ModelID,
		Status:         types.StatusIdle,
		PermissionMode: mode,
		Time:           types.SessionTime{Created: now, Updated: now},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistSession(ctx, sess); err != nil {
		return nil, err
	}
	s.sessions[sess.ID] = sess
	if err := s.rewriteIndex(ctx); err != nil {
		return nil, err
	}
	return cloneSession(sess), nil
}

// Get retrieves a session by id.
func (s *Store) Get(id string) (*types.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return cloneSession(sess), true
}

// ListFilter narrows List results.
type ListFilter struct {
	// Since keeps only sessions updated at or after this unix-milli time.
	Since int64
	// Search matches case-insensitively against titles.
	Search string
	// Limit caps the result size. Zero means DefaultListLimit.
	Limit int
}

// List returns sessions sorted by Time.Updated descending.
func (s *Store) List(filter ListFilter) []*types.Session {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	search := strings.ToLower(filter.Search)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if filter.Since > 0 && sess.Time.Updated < filter.Since {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(sess.Title), search) {
			continue
		}
		out = append(out, cloneSession(sess))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Time.Updated != out[j].Time.Updated {
			return out[i].Time.Updated > out[j].Time.Updated
		}
		return out[i].ID > out[j].ID
	})

	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SessionPatch describes a partial session update. Nil fields are left
// unchanged. ID, workspace, directory and creation time cannot be
// patched.
type SessionPatch struct {
	Title          *string
	ModelID        *string
	PermissionMode *string
	Status         *string
	ResumeID       *string
	ClearResumeID  bool
}

// Update applies a patch and bumps Time.Updated monotonically.
func (s *Store) Update(ctx context.Context, id string, patch SessionPatch) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	updated := *sess
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.ModelID != nil {
		updated.ModelID = *patch.ModelID
	}
	if patch.PermissionMode != nil {
		mode := *patch.PermissionMode
		if mode == "" {
			mode = types.PermissionDefault
		}
		updated.PermissionMode = mode
	}
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.ClearResumeID {
		updated.ResumeID = nil
	} else if patch.ResumeID != nil {
		resume := *patch.ResumeID
		updated.ResumeID = &resume
	}

	now := time.Now().UnixMilli()
	if now <= updated.Time.Updated {
		now = updated.Time.Updated + 1
	}
	updated.Time.Updated = now

	if err := s.persistSession(ctx, &updated); err != nil {
		return nil, err
	}
	s.sessions[id] = &updated
	if err := s.rewriteIndex(ctx); err != nil {
		return nil, err
	}
	return cloneSession(&updated), nil
}

// Delete removes a session and cascades to its messages and parts, in
// memory and on disk. It reports whether the session existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}

	if err := s.storage.Delete(ctx, []string{"sessions", id}); err != nil {
		return false, err
	}
	if err := s.storage.DeleteDir(ctx, []string{"messages", id}); err != nil {
		return false, err
	}

	delete(s.sessions, id)
	delete(s.messages, id)

	if err := s.rewriteIndex(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// AddMessage appends a message (with any initial parts) to a session.
func (s *Store) AddMessage(ctx context.Context, sessionID string, info *types.Message, parts ...types.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}

	rec := &MessageRecord{Info: cloneMessage(info), Parts: cloneParts(parts)}
	if err := s.persistMessage(ctx, sessionID, rec); err != nil {
		return err
	}
	s.messages[sessionID] = append(s.messages[sessionID], rec)
	return nil
}

// UpdateMessage applies a mutator to a message's info and, when parts is
// non-nil, replaces its part list. The write is propagated to disk before
// the in-memory copy changes; a persistence failure leaves both intact.
func (s *Store) UpdateMessage(ctx context.Context, sessionID, messageID string, apply func(*types.Message), parts []types.Part) (*MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findMessage(sessionID, messageID)
	if rec == nil {
		return nil, ErrNotFound
	}

	next := &MessageRecord{Info: cloneMessage(rec.Info), Parts: rec.Parts}
	if apply != nil {
		apply(next.Info)
	}
	if parts != nil {
		next.Parts = cloneParts(parts)
	}

	if err := s.persistMessage(ctx, sessionID, next); err != nil {
		return nil, err
	}
	rec.Info = next.Info
	rec.Parts = next.Parts
	return cloneRecord(rec), nil
}

// UpsertPart replaces a part with the same id or appends a new one, then
// persists the owning message file. The part is copied on the way in; the
// caller's struct stays its own.
func (s *Store) UpsertPart(ctx context.Context, sessionID, messageID string, part types.Part) error {
	part = types.ClonePart(part)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.findMessage(sessionID, messageID)
	if rec == nil {
		return ErrNotFound
	}

	parts := make([]types.Part, len(rec.Parts))
	copy(parts, rec.Parts)

	replaced := false
	for i, existing := range parts {
		if existing.PartID() == part.PartID() {
			parts[i] = part
			replaced = true
			break
		}
	}
	if !replaced {
		parts = append(parts, part)
	}

	next := &MessageRecord{Info: rec.Info, Parts: parts}
	if err := s.persistMessage(ctx, sessionID, next); err != nil {
		return err
	}
	rec.Parts = parts
	return nil
}

// Messages returns a session's messages in creation order.
func (s *Store) Messages(sessionID string) ([]*MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}

	records := s.messages[sessionID]
	out := make([]*MessageRecord, len(records))
	for i, rec := range records {
		out[i] = cloneRecord(rec)
	}
	return out, nil
}

// Message returns one message record.
func (s *Store) Message(sessionID, messageID string) (*MessageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec := s.findMessage(sessionID, messageID)
	if rec == nil {
		return nil, false
	}
	return cloneRecord(rec), true
}

// Index returns the persisted listing summaries, sorted by update time
// descending.
func (s *Store) Index(ctx context.Context) ([]types.SessionSummary, error) {
	var index []types.SessionSummary
	if err := s.storage.Get(ctx, []string{"index"}, &index); err != nil {
		if err == storage.ErrNotFound {
			return []types.SessionSummary{}, nil
		}
		return nil, err
	}
	return index, nil
}

func (s *Store) findMessage(sessionID, messageID string) *MessageRecord {
	for _, rec := range s.messages[sessionID] {
		if rec.Info.ID == messageID {
			return rec
		}
	}
	return nil
}

func (s *Store) persistSession(ctx context.Context, sess *types.Session) error {
	return s.storage.Put(ctx, []string{"sessions", sess.ID}, sess)
}

func (s *Store) persistMessage(ctx context.Context, sessionID string, rec *MessageRecord) error {
	return s.storage.Put(ctx, []string{"messages", sessionID, rec.Info.ID}, rec)
}

// rewriteIndex regenerates index.json from the in-memory sessions. Called
// with the write lock held, after every session mutation.
func (s *Store) rewriteIndex(ctx context.Context) error {
	index := make([]types.SessionSummary, 0, len(s.sessions))
	for _, sess := range s.sessions {
		index = append(index, types.SessionSummary{
			ID:      sess.ID,
			Title:   sess.Title,
			Updated: sess.Time.Updated,
		})
	}
	sort.Slice(index, func(i, j int) bool {
		if index[i].Updated != index[j].Updated {
			return index[i].Updated > index[j].Updated
		}
		return index[i].ID > index[j].ID
	})
	return s.storage.Put(ctx, []string{"index"}, index)
}

// NewID generates a new ULID.
func NewID() string {
	return ulid.Make().String()
}

func cloneSession(sess *types.Session) *types.Session {
	out := *sess
	if sess.ParentID != nil {
		v := *sess.ParentID
		out.ParentID = &v
	}
	if sess.ResumeID != nil {
		v := *sess.ResumeID
		out.ResumeID = &v
	}
	return &out
}

func cloneMessage(msg *types.Message) *types.Message {
	out := *msg
	if msg.Time.Completed != nil {
		v := *msg.Time.Completed
		out.Time.Completed = &v
	}
	if msg.Tokens != nil {
		v := *msg.Tokens
		out.Tokens = &v
	}
	if msg.Error != nil {
		v := *msg.Error
		out.Error = &v
	}
	return &out
}

func cloneParts(parts []types.Part) []types.Part {
	if parts == nil {
		return nil
	}
	out := make([]types.Part, len(parts))
	for i, p := range parts {
		out[i] = types.ClonePart(p)
	}
	return out
}

func cloneRecord(rec *MessageRecord) *MessageRecord {
	return &MessageRecord{Info: cloneMessage(rec.Info), Parts: cloneParts(rec.Parts)}
}
