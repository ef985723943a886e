package event

import "github.com/agentdeck-ai/agentdeck/pkg/types"

// SessionInfoData is the properties shape for session.created,
// session.updated and session.deleted.
type SessionInfoData struct {
	Info *types.Session `json:"info"`
}

// SessionStatusData is the properties shape for session.status.
type SessionStatusData struct {
	SessionID string `json:"sessionID"`
	Type      string `json:"type"` // "idle" | "busy" | "error"
	Attempt   int    `json:"attempt,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SessionErrorData is the properties shape for session.error.
type SessionErrorData struct {
	SessionID string              `json:"sessionID"`
	Error     *types.MessageError `json:"error"`
}

// MessageUpdatedData is the properties shape for message.updated.
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// PartUpdatedData is the properties shape for message.part.updated.
type PartUpdatedData struct {
	Part types.Part `json:"part"`
	// Delta carries the incremental text for streaming text/reasoning
	// parts, when one applies.
	Delta string `json:"delta,omitempty"`
}

// PermissionAskedData is the properties shape for permission.asked.
type PermissionAskedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	ToolName  string `json:"toolName,omitempty"`
	Title     string `json:"title,omitempty"`
}

// PermissionRepliedData is the properties shape for permission.replied.
type PermissionRepliedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Response  string `json:"response"` // "allow" | "deny"
}

// PublishSessionCreated publishes session.created.
func (b *Broadcaster) PublishSessionCreated(info *types.Session) {
	b.Publish(SessionCreated, SessionInfoData{Info: info})
}

// PublishSessionUpdated publishes session.updated.
func (b *Broadcaster) PublishSessionUpdated(info *types.Session) {
	b.Publish(SessionUpdated, SessionInfoData{Info: info})
}

// PublishSessionDeleted publishes session.deleted.
func (b *Broadcaster) PublishSessionDeleted(info *types.Session) {
	b.Publish(SessionDeleted, SessionInfoData{Info: info})
}

// PublishSessionStatus publishes session.status.
func (b *Broadcaster) PublishSessionStatus(sessionID, status string, attempt int, message string) {
	b.Publish(SessionStatus, SessionStatusData{
		SessionID: sessionID,
		Type:      status,
		Attempt:   attempt,
		Message:   message,
	})
}

// PublishSessionError publishes session.error.
func (b *Broadcaster) PublishSessionError(sessionID string, err *types.MessageError) {
	b.Publish(SessionError, SessionErrorData{SessionID: sessionID, Error: err})
}

// PublishMessageUpdated publishes message.updated.
func (b *Broadcaster) PublishMessageUpdated(info *types.Message) {
	b.Publish(MessageUpdated, MessageUpdatedData{Info: info})
}

// PublishPartUpdated publishes message.part.updated with an optional
// incremental delta. The part is copied: subscribers marshal envelopes on
// their own goroutines, long after the publisher has moved on.
func (b *Broadcaster) PublishPartUpdated(part types.Part, delta string) {
	b.Publish(MessagePartUpdate, PartUpdatedData{Part: types.ClonePart(part), Delta: delta})
}

// PublishPermissionAsked publishes permission.asked.
func (b *Broadcaster) PublishPermissionAsked(data PermissionAskedData) {
	b.Publish(PermissionAsked, data)
}

// PublishPermissionReplied publishes permission.replied.
func (b *Broadcaster) PublishPermissionReplied(data PermissionRepliedData) {
	b.Publish(PermissionReplied, data)
}
