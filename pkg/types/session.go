// Package types provides the core data types for the agentdeck server.
package types

// Session status values.
const (
	StatusIdle  = "idle"
	StatusBusy  = "busy"
	StatusError = "error"
)

// Permission modes accepted by the agent harness.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlan        = "plan"
	PermissionBypass      = "bypassPermissions"
)

// Session represents one conversation with the agent inside a workspace.
// ID, WorkspaceID, Directory and Time.Created are immutable after creation;
// every other field may be patched, and each patch bumps Time.Updated.
type Session struct {
	ID             string      `json:"id"`
	WorkspaceID    string      `json:"workspaceID"`
	Directory      string      `json:"directory"`
	ParentID       *string     `json:"parentID,omitempty"`
	Title          string      `json:"title"`
	ModelID        string      `json:"modelID,omitempty"`
	Status         string      `json:"status"` // "idle" | "busy" | "error"
	PermissionMode string      `json:"permissionMode,omitempty"`
	ResumeID       *string     `json:"resumeID,omitempty"`
	Time           SessionTime `json:"time"`
}

// SessionTime contains timestamps for a session (unix millis).
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionSummary is the per-session entry in the listing index.
type SessionSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Updated int64  `json:"updated"`
}
