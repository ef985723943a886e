package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck-ai/agentdeck/internal/claude"
	"github.com/agentdeck-ai/agentdeck/internal/event"
	"github.com/agentdeck-ai/agentdeck/internal/storage"
	"github.com/agentdeck-ai/agentdeck/internal/store"
	"github.com/agentdeck-ai/agentdeck/pkg/types"
)

// fakeStream replays a scripted message sequence. When block is set, Recv
// parks after the script drains until the channel closes or the turn
// context is cancelled, mirroring a harness subprocess being killed.
type fakeStream struct {
	ctx   context.Context
	msgs  []claude.StreamMessage
	idx   int
	block chan struct{}
}

func (s *fakeStream) Recv() (claude.StreamMessage, error) {
	if s.idx < len(s.msgs) {
		m := s.msgs[s.idx]
		s.idx++
		return m, nil
	}
	if s.block != nil {
		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-s.block:
		}
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error { return nil }

type fakeRunner struct {
	mu       sync.Mutex
	calls    []claude.Options
	failures int // initial Run calls that fail before streams start
	msgs     []claude.StreamMessage
	block    chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, opts claude.Options) (claude.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, opts)
	if r.failures > 0 {
		r.failures--
		return nil, io.ErrUnexpectedEOF
	}
	return &fakeStream{ctx: ctx, msgs: r.msgs, block: r.block}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) call(i int) claude.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func successScript(resumeID string) []claude.StreamMessage {
	return []claude.StreamMessage{
		&claude.SystemMessage{Subtype: "init", SessionID: resumeID},
		&claude.AssistantMessage{
			Model:   "claude-sonnet-4",
			Content: []claude.ContentBlock{&claude.TextBlock{Text: "hi there"}},
		},
		&claude.ResultMessage{
			Subtype:      "success",
			TotalCostUSD: 0.01,
			SessionID:    resumeID,
			Usage:        &claude.Usage{InputTokens: 10, OutputTokens: 5},
		},
	}
}

func newTestService(t *testing.T, runner claude.Runner) (*Service, *event.Broadcaster) {
	t.Helper()
	st, err := store.New(context.Background(), storage.New(t.TempDir()), "ws1", "/work")
	require.NoError(t, err)
	events := event.NewBroadcaster()
	t.Cleanup(events.CloseAll)
	return NewService(st, events, runner, "claude-sonnet-4"), events
}

func waitActive(t *testing.T, svc *Service, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.IsActive(sessionID) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("turn never became active")
}

func TestSendMessage_BasicTurn(t *testing.T) {
	runner := &fakeRunner{msgs: successScript("harness-1")}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	rec, err := svc.SendMessage(ctx, sess.ID, "do the thing")
	require.NoError(t, err)

	assert.Equal(t, "assistant", rec.Info.Role)
	assert.Equal(t, "claude-sonnet-4", rec.Info.ModelID)
	assert.Equal(t, ProviderID, rec.Info.ProviderID)
	require.NotNil(t, rec.Info.Time.Completed)
	assert.Equal(t, 0.01, rec.Info.Cost)
	require.NotNil(t, rec.Info.Tokens)
	assert.Equal(t, 10, rec.Info.Tokens.Input)
	assert.Nil(t, rec.Info.Error)

	// step-start, the streamed text, step-finish
	require.Len(t, rec.Parts, 3)
	assert.Equal(t, "step-start", rec.Parts[0].PartType())
	assert.Equal(t, "hi there", rec.Parts[1].(*types.TextPart).Text)
	assert.Equal(t, "step-finish", rec.Parts[2].PartType())

	// user message persisted ahead of the assistant's
	records, err := svc.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "user", records[0].Info.Role)
	require.Len(t, records[0].Parts, 1)
	assert.Equal(t, "do the thing", records[0].Parts[0].(*types.TextPart).Text)

	// session returned to idle with the continuation token persisted
	after, err := svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, after.Status)
	require.NotNil(t, after.ResumeID)
	assert.Equal(t, "harness-1", *after.ResumeID)

	require.Equal(t, 1, runner.callCount())
	opts := runner.call(0)
	assert.Equal(t, "do the thing", opts.Prompt)
	assert.Equal(t, "/work", opts.Directory)
	assert.Equal(t, "claude-sonnet-4", opts.Model)
	assert.Empty(t, opts.Resume)
}

func TestSendMessage_ResumeOnSecondTurn(t *testing.T) {
	runner := &fakeRunner{msgs: successScript("harness-1")}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, sess.ID, "first")
	require.NoError(t, err)
	_, err = svc.SendMessage(ctx, sess.ID, "second")
	require.NoError(t, err)

	require.Equal(t, 2, runner.callCount())
	assert.Empty(t, runner.call(0).Resume)
	assert.Equal(t, "harness-1", runner.call(1).Resume)
}

func TestSendMessage_UnknownSession(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{})

	_, err := svc.SendMessage(context.Background(), "missing", "hello")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendMessage_EmptyText(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{})
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, sess.ID, "   \n\t")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSendMessage_BusyRejectsConcurrentTurn(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{block: block}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.SendMessage(ctx, sess.ID, "long running")
		done <- err
	}()
	waitActive(t, svc, sess.ID)

	for i := 0; i < 4; i++ {
		_, err := svc.SendMessage(ctx, sess.ID, "another")
		assert.ErrorIs(t, err, ErrBusy)
	}

	close(block)
	require.NoError(t, <-done)
	assert.False(t, svc.IsActive(sess.ID))

	// Exactly one pair of messages was written
	records, err := svc.Messages(sess.ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSendMessage_Abort(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.SendMessage(ctx, sess.ID, "will be aborted")
		done <- err
	}()
	waitActive(t, svc, sess.ID)

	svc.Abort(ctx, sess.ID)

	err = <-done
	assert.ErrorIs(t, err, ErrAgent)

	records, err := svc.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assistant := records[1]
	require.NotNil(t, assistant.Info.Error)
	assert.Equal(t, "AbortedError", assistant.Info.Error.Name)
	require.NotNil(t, assistant.Info.Time.Completed)

	after, err := svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, after.Status)
	assert.False(t, svc.IsActive(sess.ID))
}

func TestAbort_NoopWhenIdle(t *testing.T) {
	svc, _ := newTestService(t, &fakeRunner{})
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	// Nothing running: must not error or disturb the session
	svc.Abort(ctx, sess.ID)
	svc.Abort(ctx, "missing")

	after, err := svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, after.Status)
}

func TestSendMessage_HarnessErrorResult(t *testing.T) {
	runner := &fakeRunner{msgs: []claude.StreamMessage{
		&claude.SystemMessage{Subtype: "init", SessionID: "harness-1"},
		&claude.ResultMessage{Subtype: "error_during_execution", IsError: true, Result: "boom"},
	}}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, sess.ID, "explode")
	require.ErrorIs(t, err, ErrAgent)
	assert.Contains(t, err.Error(), "boom")

	records, err := svc.Messages(sess.ID)
	require.NoError(t, err)
	assistant := records[1]
	require.NotNil(t, assistant.Info.Error)
	assert.Equal(t, "AgentError", assistant.Info.Error.Name)

	// Failure never latches: the session is idle and the token from the
	// failed turn is not persisted
	after, err := svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, after.Status)
	assert.Nil(t, after.ResumeID)
}

func TestSendMessage_RetriesFailedStart(t *testing.T) {
	runner := &fakeRunner{failures: 1, msgs: successScript("harness-1")}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	rec, err := svc.SendMessage(ctx, sess.ID, "try again")
	require.NoError(t, err)
	assert.Equal(t, 2, runner.callCount())

	var retries []*types.RetryPart
	for _, part := range rec.Parts {
		if retry, ok := part.(*types.RetryPart); ok {
			retries = append(retries, retry)
		}
	}
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.NotEmpty(t, retries[0].Reason)
}

func TestSendMessage_StartFailureExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{failures: 10}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, sess.ID, "never starts")
	require.ErrorIs(t, err, ErrAgent)
	assert.Equal(t, 1+maxStartRetries, runner.callCount())

	after, err := svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusIdle, after.Status)
}

func TestSendMessage_StartFailureDropsStaleResume(t *testing.T) {
	runner := &fakeRunner{failures: 10}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)
	_, err = svc.store.Update(ctx, sess.ID, store.SessionPatch{ResumeID: ptr("stale-token")})
	require.NoError(t, err)

	_, err = svc.SendMessage(ctx, sess.ID, "resume me")
	require.ErrorIs(t, err, ErrAgent)

	// Only the first attempt carries the token; retries start fresh.
	require.Equal(t, 1+maxStartRetries, runner.callCount())
	assert.Equal(t, "stale-token", runner.call(0).Resume)
	for i := 1; i < runner.callCount(); i++ {
		assert.Empty(t, runner.call(i).Resume)
	}

	after, err := svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, after.ResumeID)
}

func TestSendMessage_ToolFlow(t *testing.T) {
	runner := &fakeRunner{msgs: []claude.StreamMessage{
		&claude.SystemMessage{Subtype: "init", SessionID: "harness-1"},
		&claude.AssistantMessage{Content: []claude.ContentBlock{
			&claude.ToolUseBlock{
				ID:   "toolu_1",
				Name: "Edit",
				Input: map[string]any{
					"file_path":  "/work/main.go",
					"old_string": "foo",
					"new_string": "bar",
				},
			},
		}},
		&claude.UserMessage{Content: []claude.ContentBlock{
			&claude.ToolResultBlock{ToolUseID: "toolu_1", Content: []byte(`"edited"`)},
		}},
		&claude.AssistantMessage{Content: []claude.ContentBlock{
			&claude.TextBlock{Text: "done"},
		}},
		&claude.ResultMessage{Subtype: "success", SessionID: "harness-1"},
	}}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	rec, err := svc.SendMessage(ctx, sess.ID, "edit the file")
	require.NoError(t, err)

	// step-start, tool, patch, text, step-finish
	require.Len(t, rec.Parts, 5)

	tool, ok := rec.Parts[1].(*types.ToolPart)
	require.True(t, ok)
	assert.Equal(t, types.ToolCompleted, tool.Status)
	assert.Equal(t, "Edit", tool.ToolName)
	require.NotNil(t, tool.Output)
	assert.Equal(t, "edited", *tool.Output)

	patch, ok := rec.Parts[2].(*types.PatchPart)
	require.True(t, ok)
	assert.Equal(t, "/work/main.go", patch.File)
	assert.NotEmpty(t, patch.Diff)

	assert.Equal(t, "done", rec.Parts[3].(*types.TextPart).Text)
}

func TestSendMessage_ConcurrentReadsDuringToolFlow(t *testing.T) {
	// Readers fetch messages while the turn goroutine streams tool
	// lifecycle updates; every part a reader sees must be its own copy.
	// Run with -race.
	var script []claude.StreamMessage
	script = append(script, &claude.SystemMessage{Subtype: "init", SessionID: "harness-1"})
	for i := 0; i < 20; i++ {
		id := "toolu_" + store.NewID()
		script = append(script,
			&claude.AssistantMessage{Content: []claude.ContentBlock{
				&claude.ToolUseBlock{ID: id, Name: "Bash", Input: map[string]any{"command": "ls"}},
			}},
			&claude.UserMessage{Content: []claude.ContentBlock{
				&claude.ToolResultBlock{ToolUseID: id, Content: []byte(`"ok"`)},
			}},
		)
	}
	script = append(script, &claude.ResultMessage{Subtype: "success", SessionID: "harness-1"})

	runner := &fakeRunner{msgs: script}
	svc, _ := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				records, err := svc.Messages(sess.ID)
				if err != nil {
					continue
				}
				for _, rec := range records {
					for _, part := range rec.Parts {
						if tool, ok := part.(*types.ToolPart); ok {
							_ = tool.Status
							_ = tool.Output
						}
					}
				}
			}
		}()
	}

	rec, err := svc.SendMessage(ctx, sess.ID, "run everything")
	close(done)
	readers.Wait()
	require.NoError(t, err)

	var completed int
	for _, part := range rec.Parts {
		if tool, ok := part.(*types.ToolPart); ok && tool.Status == types.ToolCompleted {
			completed++
		}
	}
	assert.Equal(t, 20, completed)
}

func TestSendMessage_EventOrdering(t *testing.T) {
	runner := &fakeRunner{msgs: successScript("harness-1")}
	svc, events := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	ch, id := events.Subscribe()
	defer events.Unsubscribe(id)

	_, err = svc.SendMessage(ctx, sess.ID, "hello")
	require.NoError(t, err)

	// A message.updated for each message id must precede any
	// part.updated carrying that id.
	announced := map[string]bool{}
	deadline := time.After(2 * time.Second)
	seenIdle := false
	for !seenIdle {
		select {
		case env := <-ch:
			switch env.Type {
			case event.MessageUpdated:
				data := env.Properties.(event.MessageUpdatedData)
				announced[data.Info.ID] = true
			case event.MessagePartUpdate:
				data := env.Properties.(event.PartUpdatedData)
				assert.True(t, announced[data.Part.PartMessageID()],
					"part event before its message was announced")
			case event.SessionStatus:
				data := env.Properties.(event.SessionStatusData)
				if data.Type == types.StatusIdle {
					seenIdle = true
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for idle status event")
		}
	}
}

func TestSendMessage_PermissionRequestPublished(t *testing.T) {
	runner := &fakeRunner{msgs: []claude.StreamMessage{
		&claude.SystemMessage{Subtype: "init", SessionID: "harness-1"},
		&claude.SystemMessage{
			Subtype:      "permission_request",
			PermissionID: "perm-1",
			ToolName:     "Bash",
			Title:        "run tests",
		},
		&claude.ResultMessage{Subtype: "success", SessionID: "harness-1"},
	}}
	svc, events := newTestService(t, runner)
	ctx := context.Background()

	sess, err := svc.Create(ctx, store.CreateOptions{})
	require.NoError(t, err)

	ch, id := events.Subscribe()
	defer events.Unsubscribe(id)

	_, err = svc.SendMessage(ctx, sess.ID, "needs approval")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Type != event.PermissionAsked {
				continue
			}
			data := env.Properties.(event.PermissionAskedData)
			assert.Equal(t, "perm-1", data.ID)
			assert.Equal(t, sess.ID, data.SessionID)
			assert.Equal(t, "Bash", data.ToolName)
			return
		case <-deadline:
			t.Fatal("permission.asked never published")
		}
	}
}
