package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentdeck-ai/agentdeck/internal/claude"
	"github.com/agentdeck-ai/agentdeck/internal/logging"
	"github.com/agentdeck-ai/agentdeck/internal/store"
	"github.com/agentdeck-ai/agentdeck/pkg/types"
)

// maxStartRetries bounds additional attempts to start the harness after
// a failed launch. Each retry emits a retry part and a session.status
// with the attempt number.
const maxStartRetries = 2

// SendMessage runs one turn: it persists the user message and a
// placeholder assistant message, drives the harness, routes every content
// block through the mapper into the store and the broadcaster, and
// finalizes the assistant message. The session returns to idle on every
// path, including failure and abort.
func (s *Service) SendMessage(ctx context.Context, sessionID, text string) (*store.MessageRecord, error) {
	sess, ok := s.store.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	if !hasText(text) {
		return nil, ErrInvalidRequest
	}

	turnCtx, cancel, err := s.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() {
		s.release(sessionID)
		cancel()
		s.permissions.clear(sessionID)
	}()

	userMsg := &types.Message{
		ID:        store.NewID(),
		SessionID: sessionID,
		Role:      "user",
		Time:      types.MessageTime{Created: nowMillis()},
	}
	userPart := &types.TextPart{
		ID:        store.NewID(),
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      text,
	}
	if err := s.store.AddMessage(ctx, sessionID, userMsg, userPart); err != nil {
		return nil, err
	}
	// message.updated is always published before any part event for the
	// same message id; subscribers rely on create-then-mutate ordering.
	s.events.PublishMessageUpdated(userMsg)
	s.events.PublishPartUpdated(userPart, "")

	assistant := &types.Message{
		ID:         store.NewID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ModelID:    sess.ModelID,
		ProviderID: ProviderID,
		Time:       types.MessageTime{Created: nowMillis()},
	}
	if err := s.store.AddMessage(ctx, sessionID, assistant); err != nil {
		return nil, err
	}
	s.events.PublishMessageUpdated(assistant)

	if _, err := s.store.Update(ctx, sessionID, store.SessionPatch{Status: ptr(types.StatusBusy)}); err != nil {
		return nil, err
	}
	s.events.PublishSessionStatus(sessionID, types.StatusBusy, 0, "")

	mapper := NewMapper(assistant.ID)
	outcome, runErr := s.runTurn(turnCtx, sess, assistant, text, mapper)
	if runErr == nil && outcome.errText != "" {
		runErr = errors.New(outcome.errText)
	}
	if runErr != nil {
		return s.finalizeError(ctx, sessionID, assistant.ID, runErr, turnCtx.Err() != nil)
	}
	return s.finalizeSuccess(ctx, sessionID, assistant.ID, outcome)
}

type turnOutcome struct {
	resumeID string
	cost     float64
	tokens   *types.TokenUsage
	errText  string
}

// runTurn starts the harness (retrying failed launches) and consumes its
// stream until the result frame.
func (s *Service) runTurn(ctx context.Context, sess *types.Session, assistant *types.Message, prompt string, mapper *Mapper) (*turnOutcome, error) {
	opts := claude.Options{
		Prompt:         prompt,
		Directory:      sess.Directory,
		Model:          sess.ModelID,
		PermissionMode: sess.PermissionMode,
	}
	if sess.ResumeID != nil {
		opts.Resume = *sess.ResumeID
	}

	var stream claude.Stream
	attempt := 0
	start := func() error {
		st, err := s.runner.Run(ctx, opts)
		if err != nil {
			attempt++
			logging.Warn().Str("sessionID", sess.ID).Int("attempt", attempt).Err(err).
				Msg("harness start failed")
			retry := mapper.CreateRetryPart(attempt, err.Error())
			if saveErr := s.savePart(ctx, sess.ID, retry, ""); saveErr != nil {
				return backoff.Permanent(saveErr)
			}
			// A stale continuation token can be what killed the launch;
			// drop it so the next attempt starts a fresh conversation.
			if opts.Resume != "" {
				opts.Resume = ""
				if _, clearErr := s.store.Update(ctx, sess.ID, store.SessionPatch{ClearResumeID: true}); clearErr != nil {
					return backoff.Permanent(clearErr)
				}
			}
			s.events.PublishSessionStatus(sess.ID, types.StatusBusy, attempt, err.Error())
			return err
		}
		stream = st
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(newStartBackoff(), maxStartRetries), ctx)
	if err := backoff.Retry(start, policy); err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := s.savePart(ctx, sess.ID, mapper.CreateStepStart(), ""); err != nil {
		return nil, err
	}

	out := &turnOutcome{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if err := s.consume(ctx, sess, mapper, msg, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// consume routes one harness message through the mapper.
func (s *Service) consume(ctx context.Context, sess *types.Session, mapper *Mapper, msg claude.StreamMessage, out *turnOutcome) error {
	switch v := msg.(type) {
	case *claude.SystemMessage:
		switch v.Subtype {
		case "init":
			if v.SessionID != "" {
				out.resumeID = v.SessionID
			}
		case "permission_request":
			s.askPermission(sess.ID, v)
		}

	case *claude.AssistantMessage:
		for _, block := range v.Content {
			if err := s.consumeBlock(ctx, sess.ID, mapper, block); err != nil {
				return err
			}
		}

	case *claude.UserMessage:
		// Harness-generated user turns carry tool results.
		for _, block := range v.Content {
			if err := s.consumeBlock(ctx, sess.ID, mapper, block); err != nil {
				return err
			}
		}

	case *claude.ResultMessage:
		out.cost = v.TotalCostUSD
		if v.Usage != nil {
			out.tokens = &types.TokenUsage{Input: v.Usage.InputTokens, Output: v.Usage.OutputTokens}
		}
		if v.SessionID != "" {
			out.resumeID = v.SessionID
		}
		if v.IsError {
			out.errText = v.Result
			if out.errText == "" {
				out.errText = v.Subtype
			}
		}
		return s.savePart(ctx, sess.ID, mapper.CreateStepFinish(out.tokens, out.cost), "")

	default:
		// Future message kinds are skipped, never a failure.
		logging.Debug().Str("sessionID", sess.ID).Msg("skipping unknown harness message")
	}
	return nil
}

func (s *Service) consumeBlock(ctx context.Context, sessionID string, mapper *Mapper, block claude.ContentBlock) error {
	switch b := block.(type) {
	case *claude.TextBlock:
		part, delta := mapper.MapTextBlock(b)
		return s.savePart(ctx, sessionID, part, delta)

	case *claude.ThinkingBlock:
		part, delta := mapper.MapThinkingBlock(b)
		return s.savePart(ctx, sessionID, part, delta)

	case *claude.ToolUseBlock:
		part := mapper.MapToolUseBlock(b)
		if err := s.savePart(ctx, sessionID, part, ""); err != nil {
			return err
		}
		// The harness executes the tool as soon as it is announced.
		if running, ok := mapper.UpdateToolRunning(b.ID); ok {
			return s.savePart(ctx, sessionID, running, "")
		}
		return nil

	case *claude.ToolResultBlock:
		part, changed := mapper.MapToolResultBlock(b)
		if !changed {
			return nil
		}
		if err := s.savePart(ctx, sessionID, part, ""); err != nil {
			return err
		}
		if patch := mapper.CreatePatchPart(part); patch != nil {
			return s.savePart(ctx, sessionID, patch, "")
		}
		return nil

	default:
		return nil
	}
}

// savePart persists a part mutation and broadcasts it. A persistence
// failure is propagated: in-memory and on-disk state must not diverge.
func (s *Service) savePart(ctx context.Context, sessionID string, part types.Part, delta string) error {
	if err := s.store.UpsertPart(ctx, sessionID, part.PartMessageID(), part); err != nil {
		return err
	}
	s.events.PublishPartUpdated(part, delta)
	return nil
}

func (s *Service) finalizeSuccess(ctx context.Context, sessionID, messageID string, out *turnOutcome) (*store.MessageRecord, error) {
	completed := nowMillis()
	rec, err := s.store.UpdateMessage(ctx, sessionID, messageID, func(m *types.Message) {
		m.Time.Completed = &completed
		m.Cost = out.cost
		m.Tokens = out.tokens
	}, nil)
	if err != nil {
		return nil, err
	}
	s.events.PublishMessageUpdated(rec.Info)

	patch := store.SessionPatch{Status: ptr(types.StatusIdle)}
	if out.resumeID != "" {
		patch.ResumeID = &out.resumeID
	}
	if _, err := s.store.Update(ctx, sessionID, patch); err != nil {
		return rec, err
	}
	s.events.PublishSessionStatus(sessionID, types.StatusIdle, 0, "")

	logging.Info().Str("sessionID", sessionID).Str("messageID", messageID).
		Float64("cost", out.cost).Msg("turn completed")
	return rec, nil
}

func (s *Service) finalizeError(ctx context.Context, sessionID, messageID string, runErr error, aborted bool) (*store.MessageRecord, error) {
	var msgErr *types.MessageError
	if aborted || errors.Is(runErr, context.Canceled) {
		msgErr = types.NewAbortedError()
	} else {
		msgErr = types.NewAgentError(runErr.Error())
	}

	completed := nowMillis()
	rec, updateErr := s.store.UpdateMessage(ctx, sessionID, messageID, func(m *types.Message) {
		m.Time.Completed = &completed
		m.Error = msgErr
	}, nil)
	if updateErr == nil {
		s.events.PublishMessageUpdated(rec.Info)
	}

	s.events.PublishSessionError(sessionID, msgErr)
	s.events.PublishSessionStatus(sessionID, types.StatusError, 0, msgErr.Data.Message)

	// Errors are retryable, not terminal: the session always returns to
	// idle so the user can resend.
	if _, err := s.store.Update(ctx, sessionID, store.SessionPatch{Status: ptr(types.StatusIdle)}); err == nil {
		s.events.PublishSessionStatus(sessionID, types.StatusIdle, 0, "")
	}

	logging.Warn().Str("sessionID", sessionID).Str("messageID", messageID).
		Str("error", msgErr.Data.Message).Msg("turn failed")
	return rec, fmt.Errorf("%w: %s", ErrAgent, msgErr.Data.Message)
}

func newStartBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}
