package session

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/agentdeck-ai/agentdeck/internal/claude"
	"github.com/agentdeck-ai/agentdeck/internal/store"
	"github.com/agentdeck-ai/agentdeck/pkg/types"
)

// Mapper translates one assistant message's harness content blocks into
// canonical parts. One instance lives per in-flight assistant message and
// is discarded when the turn ends; durable state always flows back
// through the store.
type Mapper struct {
	messageID string
	tools     map[string]*types.ToolPart // by harness tool_use id
	order     []string                   // part ids in emission order
}

// NewMapper creates a mapper for the given assistant message.
func NewMapper(messageID string) *Mapper {
	return &Mapper{
		messageID: messageID,
		tools:     make(map[string]*types.ToolPart),
	}
}

// Order returns the emitted part ids in emission order.
func (m *Mapper) Order() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Mapper) emit(id string) {
	m.order = append(m.order, id)
}

// CreateStepStart emits a step boundary marker.
func (m *Mapper) CreateStepStart() *types.StepStartPart {
	p := &types.StepStartPart{
		ID:        store.NewID(),
		MessageID: m.messageID,
		Type:      "step-start",
	}
	m.emit(p.ID)
	return p
}

// CreateStepFinish emits a step end marker with the step's usage and cost.
func (m *Mapper) CreateStepFinish(tokens *types.TokenUsage, cost float64) *types.StepFinishPart {
	p := &types.StepFinishPart{
		ID:        store.NewID(),
		MessageID: m.messageID,
		Type:      "step-finish",
		Cost:      cost,
		Tokens:    tokens,
	}
	m.emit(p.ID)
	return p
}

// MapTextBlock converts a text block into a text part. The returned delta
// is the incremental text for streaming subscribers.
func (m *Mapper) MapTextBlock(b *claude.TextBlock) (*types.TextPart, string) {
	p := &types.TextPart{
		ID:        store.NewID(),
		MessageID: m.messageID,
		Type:      "text",
		Text:      b.Text,
	}
	m.emit(p.ID)
	return p, b.Text
}

// MapThinkingBlock converts a thinking block into a reasoning part.
func (m *Mapper) MapThinkingBlock(b *claude.ThinkingBlock) (*types.ReasoningPart, string) {
	p := &types.ReasoningPart{
		ID:        store.NewID(),
		MessageID: m.messageID,
		Type:      "reasoning",
		Text:      b.Thinking,
	}
	m.emit(p.ID)
	return p, b.Thinking
}

// MapToolUseBlock creates a pending tool part indexed by the harness call
// id, so a later result block can find and mutate it.
func (m *Mapper) MapToolUseBlock(b *claude.ToolUseBlock) *types.ToolPart {
	p := &types.ToolPart{
		ID:        store.NewID(),
		MessageID: m.messageID,
		Type:      "tool",
		ToolUseID: b.ID,
		ToolName:  b.Name,
		Input:     b.Input,
		Status:    types.ToolPending,
	}
	m.tools[b.ID] = p
	m.emit(p.ID)
	return p
}

// UpdateToolRunning transitions a pending tool part to running. Terminal
// states are never regressed.
func (m *Mapper) UpdateToolRunning(toolUseID string) (*types.ToolPart, bool) {
	p, ok := m.tools[toolUseID]
	if !ok {
		return nil, false
	}
	if p.Status != types.ToolPending {
		return p, false
	}
	p.Status = types.ToolRunning
	return p, true
}

// MapToolResultBlock completes the tool part matching the result's call
// id, extracting textual output and setting completed or failed.
func (m *Mapper) MapToolResultBlock(b *claude.ToolResultBlock) (*types.ToolPart, bool) {
	p, ok := m.tools[b.ToolUseID]
	if !ok {
		return nil, false
	}
	if p.Status == types.ToolCompleted || p.Status == types.ToolFailed {
		return p, false
	}

	text := b.Text()
	if b.IsError {
		p.Status = types.ToolFailed
		p.Error = &text
	} else {
		p.Status = types.ToolCompleted
		p.Output = &text
	}
	return p, true
}

// CreateRetryPart records a retried harness invocation.
func (m *Mapper) CreateRetryPart(attempt int, reason string) *types.RetryPart {
	p := &types.RetryPart{
		ID:        store.NewID(),
		MessageID: m.messageID,
		Type:      "retry",
		Attempt:   attempt,
		Reason:    reason,
	}
	m.emit(p.ID)
	return p
}

// CreatePatchPart derives a patch part from a completed file-editing tool
// call, when the tool input carries enough to reconstruct the change.
// Returns nil for tools that are not edits.
func (m *Mapper) CreatePatchPart(tool *types.ToolPart) *types.PatchPart {
	if tool.Status != types.ToolCompleted || tool.Input == nil {
		return nil
	}

	file, _ := tool.Input["file_path"].(string)
	if file == "" {
		return nil
	}

	var before, after string
	switch tool.ToolName {
	case "Edit":
		before, _ = tool.Input["old_string"].(string)
		after, _ = tool.Input["new_string"].(string)
	case "Write":
		after, _ = tool.Input["content"].(string)
	default:
		return nil
	}
	if before == after {
		return nil
	}

	diff, additions, deletions := unifiedDiff(before, after)
	p := &types.PatchPart{
		ID:        store.NewID(),
		MessageID: m.messageID,
		Type:      "patch",
		File:      file,
		Diff:      diff,
		Additions: additions,
		Deletions: deletions,
	}
	m.emit(p.ID)
	return p
}

func unifiedDiff(before, after string) (string, int, int) {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var additions, deletions int
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return dmp.PatchToText(dmp.PatchMake(before, diffs)), additions, deletions
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
