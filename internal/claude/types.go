// Package claude drives the agent harness CLI and decodes its
// stream-json wire protocol. It is the only package that understands the
// vendor's message shapes; everything downstream works on canonical
// session parts.
package claude

import (
	"encoding/json"
	"fmt"
)

// StreamMessage is the tagged union of messages the harness emits during
// a turn. Known kinds are system, assistant, user and result; anything
// else decodes to UnknownMessage and is skipped by consumers.
type StreamMessage interface {
	messageKind() string
}

// SystemMessage carries harness lifecycle frames. The "init" subtype
// announces the harness-assigned session identifier used for resumption;
// the "permission_request" subtype asks for a tool approval.
type SystemMessage struct {
	Subtype      string `json:"subtype"`
	SessionID    string `json:"session_id,omitempty"`
	PermissionID string `json:"permission_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	Title        string `json:"title,omitempty"`
}

func (*SystemMessage) messageKind() string { return "system" }

// AssistantMessage carries model output as a list of content blocks
// inside a single message envelope.
type AssistantMessage struct {
	Model   string
	Content []ContentBlock
}

func (*AssistantMessage) messageKind() string { return "assistant" }

// UserMessage carries harness-generated user turns, notably tool results
// fed back to the model.
type UserMessage struct {
	Content []ContentBlock
}

func (*UserMessage) messageKind() string { return "user" }

// ResultMessage terminates the stream with the turn's outcome.
type ResultMessage struct {
	Subtype      string  `json:"subtype"` // "success" | "error_during_execution" | ...
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	SessionID    string  `json:"session_id"`
	Usage        *Usage  `json:"usage,omitempty"`
}

func (*ResultMessage) messageKind() string { return "result" }

// Usage contains the token counts reported for a turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UnknownMessage preserves frames of kinds this client does not know.
type UnknownMessage struct {
	Kind string
	Raw  json.RawMessage
}

func (*UnknownMessage) messageKind() string { return "unknown" }

// ContentBlock is the tagged union of blocks inside an assistant or user
// message envelope.
type ContentBlock interface {
	blockKind() string
}

// TextBlock is plain assistant text.
type TextBlock struct {
	Text string `json:"text"`
}

func (*TextBlock) blockKind() string { return "text" }

// ThinkingBlock is extended-thinking output.
type ThinkingBlock struct {
	Thinking string `json:"thinking"`
}

func (*ThinkingBlock) blockKind() string { return "thinking" }

// ToolUseBlock announces a tool invocation, identified by the
// harness-assigned call id.
type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (*ToolUseBlock) blockKind() string { return "tool_use" }

// ToolResultBlock reports the outcome of an earlier ToolUseBlock.
type ToolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

func (*ToolResultBlock) blockKind() string { return "tool_result" }

// Text extracts the textual payload of a tool result. The wire value is
// either a plain string or a list of typed fragments.
func (b *ToolResultBlock) Text() string {
	if len(b.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}

	var fragments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b.Content, &fragments); err != nil {
		return ""
	}
	var out string
	for _, f := range fragments {
		if f.Type == "text" {
			out += f.Text
		}
	}
	return out
}

// UnknownBlock preserves block kinds this client does not know.
type UnknownBlock struct {
	Kind string
	Raw  json.RawMessage
}

func (*UnknownBlock) blockKind() string { return "unknown" }

type rawEnvelope struct {
	Type    string `json:"type"`
	Message *struct {
		Model   string            `json:"model"`
		Content []json.RawMessage `json:"content"`
	} `json:"message"`
}

// UnmarshalStreamMessage decodes one stream-json line.
func UnmarshalStreamMessage(data []byte) (StreamMessage, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed stream message: %w", err)
	}

	switch env.Type {
	case "system":
		var m SystemMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case "assistant":
		m := &AssistantMessage{}
		if env.Message != nil {
			m.Model = env.Message.Model
			blocks, err := unmarshalBlocks(env.Message.Content)
			if err != nil {
				return nil, err
			}
			m.Content = blocks
		}
		return m, nil
	case "user":
		m := &UserMessage{}
		if env.Message != nil {
			blocks, err := unmarshalBlocks(env.Message.Content)
			if err != nil {
				return nil, err
			}
			m.Content = blocks
		}
		return m, nil
	case "result":
		var m ResultMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	default:
		return &UnknownMessage{Kind: env.Type, Raw: append([]byte(nil), data...)}, nil
	}
}

func unmarshalBlocks(raws []json.RawMessage) ([]ContentBlock, error) {
	blocks := make([]ContentBlock, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("malformed content block: %w", err)
		}

		switch head.Type {
		case "text":
			var b TextBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			blocks = append(blocks, &b)
		case "thinking":
			var b ThinkingBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			blocks = append(blocks, &b)
		case "tool_use":
			var b ToolUseBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			blocks = append(blocks, &b)
		case "tool_result":
			var b ToolResultBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
			blocks = append(blocks, &b)
		default:
			blocks = append(blocks, &UnknownBlock{Kind: head.Type, Raw: append([]byte(nil), raw...)})
		}
	}
	return blocks, nil
}
