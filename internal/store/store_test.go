package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck-ai/agentdeck/internal/storage"
	"github.com/agentdeck-ai/agentdeck/pkg/types"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(context.Background(), storage.New(dir), "ws1", "/work")
	require.NoError(t, err)
	return s, dir
}

func userMessage(sessionID, id string, created int64) *types.Message {
	return &types.Message{
		ID:        id,
		SessionID: sessionID,
		Role:      "user",
		Time:      types.MessageTime{Created: created},
	}
}

func TestStore_CreateDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, "ws1", sess.WorkspaceID)
	assert.Equal(t, "/work", sess.Directory)
	assert.Equal(t, "New Session", sess.Title)
	assert.Equal(t, types.StatusIdle, sess.Status)
	assert.Equal(t, types.PermissionDefault, sess.PermissionMode)
	assert.Equal(t, sess.Time.Created, sess.Time.Updated)
	assert.Nil(t, sess.ResumeID)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, CreateOptions{Title: "original"})
	require.NoError(t, err)

	got, ok := s.Get(sess.ID)
	require.True(t, ok)

	// Mutating the returned value must not affect the store
	got.Title = "mutated"

	again, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "original", again.Title)
}

func TestStore_GetNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestStore_ListSortedByUpdated(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, CreateOptions{Title: "first"})
	require.NoError(t, err)
	second, err := s.Create(ctx, CreateOptions{Title: "second"})
	require.NoError(t, err)

	// Touch the first session so it becomes the most recent
	time.Sleep(2 * time.Millisecond)
	_, err = s.Update(ctx, first.ID, SessionPatch{Title: ptr("first again")})
	require.NoError(t, err)

	out := s.List(ListFilter{})
	require.Len(t, out, 2)
	assert.Equal(t, first.ID, out[0].ID)
	assert.Equal(t, second.ID, out[1].ID)
}

func TestStore_ListFilters(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, CreateOptions{Title: "Fix the parser"})
	require.NoError(t, err)
	deploy, err := s.Create(ctx, CreateOptions{Title: "Deploy to staging"})
	require.NoError(t, err)

	out := s.List(ListFilter{Search: "deploy"})
	require.Len(t, out, 1)
	assert.Equal(t, deploy.ID, out[0].ID)

	out = s.List(ListFilter{Since: deploy.Time.Updated})
	require.Len(t, out, 1)
	assert.Equal(t, deploy.ID, out[0].ID)

	out = s.List(ListFilter{Limit: 1})
	assert.Len(t, out, 1)
}

func TestStore_UpdateBumpsUpdatedMonotonically(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	prev := sess.Time.Updated
	for i := 0; i < 3; i++ {
		updated, err := s.Update(ctx, sess.ID, SessionPatch{Title: ptr("t")})
		require.NoError(t, err)
		assert.Greater(t, updated.Time.Updated, prev)
		assert.Equal(t, sess.Time.Created, updated.Time.Created)
		prev = updated.Time.Updated
	}
}

func TestStore_UpdateNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Update(context.Background(), "missing", SessionPatch{Title: ptr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ResumeIDLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	updated, err := s.Update(ctx, sess.ID, SessionPatch{ResumeID: ptr("resume-token")})
	require.NoError(t, err)
	require.NotNil(t, updated.ResumeID)
	assert.Equal(t, "resume-token", *updated.ResumeID)

	updated, err = s.Update(ctx, sess.ID, SessionPatch{ClearResumeID: true})
	require.NoError(t, err)
	assert.Nil(t, updated.ResumeID)
}

func TestStore_DeleteCascades(t *testing.T) {
	s, dir := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	msg := userMessage(sess.ID, NewID(), time.Now().UnixMilli())
	require.NoError(t, s.AddMessage(ctx, sess.ID, msg, &types.TextPart{
		ID: NewID(), Type: "text", MessageID: msg.ID, Text: "hello",
	}))

	deleted, err := s.Delete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok := s.Get(sess.ID)
	assert.False(t, ok)
	_, err = s.Messages(sess.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Message files are gone from disk too
	st := storage.New(dir)
	items, err := st.List(ctx, []string{"messages", sess.ID})
	require.NoError(t, err)
	assert.Empty(t, items)

	// Deleting again reports absence
	deleted, err = s.Delete(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_ReloadAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(ctx, storage.New(dir), "ws1", "/work")
	require.NoError(t, err)

	sess, err := s.Create(ctx, CreateOptions{Title: "survives"})
	require.NoError(t, err)

	base := time.Now().UnixMilli()
	for i, id := range []string{"m1", "m2", "m3"} {
		msg := userMessage(sess.ID, id, base+int64(i))
		require.NoError(t, s.AddMessage(ctx, sess.ID, msg, &types.TextPart{
			ID: NewID(), Type: "text", MessageID: id, Text: "turn",
		}))
	}

	// Simulate a crash mid-turn: session left busy on disk
	_, err = s.Update(ctx, sess.ID, SessionPatch{Status: ptr(types.StatusBusy)})
	require.NoError(t, err)

	// New process, same data directory
	reloaded, err := New(ctx, storage.New(dir), "ws1", "/work")
	require.NoError(t, err)

	got, ok := reloaded.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "survives", got.Title)
	assert.Equal(t, types.StatusIdle, got.Status, "busy never survives a restart")

	records, err := reloaded.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "m1", records[0].Info.ID)
	assert.Equal(t, "m2", records[1].Info.ID)
	assert.Equal(t, "m3", records[2].Info.ID)
	require.Len(t, records[0].Parts, 1)
	assert.Equal(t, "text", records[0].Parts[0].PartType())
}

func TestStore_UpsertPart(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	msg := userMessage(sess.ID, NewID(), time.Now().UnixMilli())
	require.NoError(t, s.AddMessage(ctx, sess.ID, msg))

	part := &types.TextPart{ID: "p1", Type: "text", MessageID: msg.ID, Text: "a"}
	require.NoError(t, s.UpsertPart(ctx, sess.ID, msg.ID, part))

	// Same id replaces in place
	grown := &types.TextPart{ID: "p1", Type: "text", MessageID: msg.ID, Text: "ab"}
	require.NoError(t, s.UpsertPart(ctx, sess.ID, msg.ID, grown))

	other := &types.TextPart{ID: "p2", Type: "text", MessageID: msg.ID, Text: "c"}
	require.NoError(t, s.UpsertPart(ctx, sess.ID, msg.ID, other))

	rec, ok := s.Message(sess.ID, msg.ID)
	require.True(t, ok)
	require.Len(t, rec.Parts, 2)
	assert.Equal(t, "ab", rec.Parts[0].(*types.TextPart).Text)
	assert.Equal(t, "p2", rec.Parts[1].PartID())
}

func TestStore_UpsertPartCopiesBothWays(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	msg := userMessage(sess.ID, NewID(), time.Now().UnixMilli())
	require.NoError(t, s.AddMessage(ctx, sess.ID, msg))

	tool := &types.ToolPart{
		ID:        "p1",
		Type:      "tool",
		MessageID: msg.ID,
		ToolUseID: "tu1",
		ToolName:  "Bash",
		Input:     map[string]any{"command": "ls"},
		Status:    types.ToolPending,
	}
	require.NoError(t, s.UpsertPart(ctx, sess.ID, msg.ID, tool))

	// Mutating the caller's struct after the upsert must not reach the
	// store; the typical caller keeps updating the same struct across a
	// turn while readers fetch messages concurrently.
	tool.Status = types.ToolRunning
	tool.Input["command"] = "rm"

	rec, ok := s.Message(sess.ID, msg.ID)
	require.True(t, ok)
	stored := rec.Parts[0].(*types.ToolPart)
	assert.Equal(t, types.ToolPending, stored.Status)
	assert.Equal(t, "ls", stored.Input["command"])

	// Mutating a returned part must not reach the store either.
	stored.Status = types.ToolFailed
	again, ok := s.Message(sess.ID, msg.ID)
	require.True(t, ok)
	assert.Equal(t, types.ToolPending, again.Parts[0].(*types.ToolPart).Status)
}

func TestStore_UpdateMessage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	msg := userMessage(sess.ID, NewID(), time.Now().UnixMilli())
	msg.Role = "assistant"
	require.NoError(t, s.AddMessage(ctx, sess.ID, msg))

	done := time.Now().UnixMilli()
	rec, err := s.UpdateMessage(ctx, sess.ID, msg.ID, func(info *types.Message) {
		info.Time.Completed = &done
		info.Cost = 0.25
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, rec.Info.Time.Completed)
	assert.Equal(t, done, *rec.Info.Time.Completed)
	assert.Equal(t, 0.25, rec.Info.Cost)
}

func TestStore_IndexTracksSessions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, CreateOptions{Title: "a"})
	require.NoError(t, err)
	b, err := s.Create(ctx, CreateOptions{Title: "b"})
	require.NoError(t, err)

	index, err := s.Index(ctx)
	require.NoError(t, err)
	require.Len(t, index, 2)

	_, err = s.Delete(ctx, a.ID)
	require.NoError(t, err)

	index, err = s.Index(ctx)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, b.ID, index[0].ID)
}

func ptr[T any](v T) *T { return &v }
