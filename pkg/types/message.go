package types

// Message represents either a user or assistant message in a conversation.
// A message is in flight while Time.Completed is unset.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // "user" | "assistant"
	Time      MessageTime `json:"time"`

	// Assistant-specific fields
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// MessageTime contains timestamps for a message (unix millis).
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// TokenUsage contains token usage statistics for a message.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// MessageError represents an error that occurred while producing a message.
type MessageError struct {
	Name string           `json:"name"` // "UnknownError" | "AbortedError" | "AgentError"
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message string `json:"message"`
}

// NewUnknownError creates a new UnknownError.
func NewUnknownError(message string) *MessageError {
	return &MessageError{
		Name: "UnknownError",
		Data: MessageErrorData{Message: message},
	}
}

// NewAbortedError creates the error recorded on a message whose turn was
// cancelled by the user.
func NewAbortedError() *MessageError {
	return &MessageError{
		Name: "AbortedError",
		Data: MessageErrorData{Message: "turn aborted"},
	}
}

// NewAgentError creates the error recorded when the agent harness fails.
func NewAgentError(message string) *MessageError {
	return &MessageError{
		Name: "AgentError",
		Data: MessageErrorData{Message: message},
	}
}
