package types

import "encoding/json"

// Part represents a component of a message. A part's identity is stable
// once created; later mutations update the same record in place.
type Part interface {
	PartType() string
	PartID() string
	PartMessageID() string
}

// Tool part states.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolFailed    = "failed"
)

// TextPart represents a text content part.
type TextPart struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "text"
	Text      string `json:"text"`
}

func (p *TextPart) PartType() string { return "text" }
func (p *TextPart) PartID() string   { return p.ID }
func (p *TextPart) PartMessageID() string { return p.MessageID }

// ReasoningPart represents extended thinking content.
type ReasoningPart struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "reasoning"
	Text      string `json:"text"`
}

func (p *ReasoningPart) PartType() string { return "reasoning" }
func (p *ReasoningPart) PartID() string   { return p.ID }
func (p *ReasoningPart) PartMessageID() string { return p.MessageID }

// ToolPart represents a tool call and its result. Status is monotonic:
// pending -> running -> completed|failed, and never regresses.
type ToolPart struct {
	ID        string         `json:"id"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "tool"
	ToolUseID string         `json:"toolUseID"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
	Status    string         `json:"status"` // "pending" | "running" | "completed" | "failed"
	Output    *string        `json:"output,omitempty"`
	Error     *string        `json:"error,omitempty"`
}

func (p *ToolPart) PartType() string { return "tool" }
func (p *ToolPart) PartID() string   { return p.ID }
func (p *ToolPart) PartMessageID() string { return p.MessageID }

// StepStartPart marks the beginning of an agent step within a turn.
type StepStartPart struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "step-start"
}

func (p *StepStartPart) PartType() string { return "step-start" }
func (p *StepStartPart) PartID() string   { return p.ID }
func (p *StepStartPart) PartMessageID() string { return p.MessageID }

// StepFinishPart marks the end of an agent step, carrying the step's
// usage and cost when the harness reports them.
type StepFinishPart struct {
	ID        string      `json:"id"`
	MessageID string      `json:"messageID"`
	Type      string      `json:"type"` // always "step-finish"
	Cost      float64     `json:"cost,omitempty"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
}

func (p *StepFinishPart) PartType() string { return "step-finish" }
func (p *StepFinishPart) PartID() string   { return p.ID }
func (p *StepFinishPart) PartMessageID() string { return p.MessageID }

// RetryPart records a retried agent invocation.
type RetryPart struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "retry"
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason,omitempty"`
}

func (p *RetryPart) PartType() string { return "retry" }
func (p *RetryPart) PartID() string   { return p.ID }
func (p *RetryPart) PartMessageID() string { return p.MessageID }

// PatchPart records a file modification made during the turn, with a
// unified diff when one could be derived.
type PatchPart struct {
	ID        string `json:"id"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "patch"
	File      string `json:"file"`
	Diff      string `json:"diff,omitempty"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

func (p *PatchPart) PartType() string { return "patch" }
func (p *PatchPart) PartID() string   { return p.ID }
func (p *PatchPart) PartMessageID() string { return p.MessageID }

// RawPart carries a part of an unrecognized type through storage and the
// wire without loss. Future part kinds decode into it instead of failing.
type RawPart struct {
	ID        string          `json:"id"`
	MessageID string          `json:"messageID"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"-"`
}

func (p *RawPart) PartType() string { return p.Type }
func (p *RawPart) PartID() string   { return p.ID }
func (p *RawPart) PartMessageID() string { return p.MessageID }

func (p *RawPart) MarshalJSON() ([]byte, error) {
	if len(p.Data) > 0 {
		return p.Data, nil
	}
	type alias RawPart
	return json.Marshal((*alias)(p))
}

// ClonePart returns a deep copy of a part. The store and the broadcaster
// clone at their boundaries so a caller can keep mutating its own struct
// without aliasing state another goroutine reads.
func ClonePart(p Part) Part {
	switch v := p.(type) {
	case *TextPart:
		out := *v
		return &out
	case *ReasoningPart:
		out := *v
		return &out
	case *ToolPart:
		out := *v
		if v.Input != nil {
			in := make(map[string]any, len(v.Input))
			for k, val := range v.Input {
				in[k] = val
			}
			out.Input = in
		}
		if v.Output != nil {
			s := *v.Output
			out.Output = &s
		}
		if v.Error != nil {
			s := *v.Error
			out.Error = &s
		}
		return &out
	case *StepStartPart:
		out := *v
		return &out
	case *StepFinishPart:
		out := *v
		if v.Tokens != nil {
			tk := *v.Tokens
			out.Tokens = &tk
		}
		return &out
	case *RetryPart:
		out := *v
		return &out
	case *PatchPart:
		out := *v
		return &out
	case *RawPart:
		out := *v
		out.Data = append([]byte(nil), v.Data...)
		return &out
	default:
		return p
	}
}

// UnmarshalPart unmarshals a JSON part into the appropriate type.
func UnmarshalPart(data []byte) (Part, error) {
	var head struct {
		ID        string `json:"id"`
		MessageID string `json:"messageID"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case "text":
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "reasoning":
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "tool":
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step-start":
		var p StepStartPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step-finish":
		var p StepFinishPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "retry":
		var p RetryPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "patch":
		var p PatchPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		// Unknown part kinds round-trip as raw JSON.
		return &RawPart{ID: head.ID, MessageID: head.MessageID, Type: head.Type, Data: append([]byte(nil), data...)}, nil
	}
}

// MarshalParts marshals a part list preserving order.
func MarshalParts(parts []Part) ([]byte, error) {
	return json.Marshal(parts)
}

// UnmarshalParts unmarshals a JSON array of parts.
func UnmarshalParts(data []byte) ([]Part, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	parts := make([]Part, 0, len(raws))
	for _, raw := range raws {
		p, err := UnmarshalPart(raw)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}
