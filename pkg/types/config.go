package types

// Config holds server configuration loaded from files and the environment.
type Config struct {
	// Port is the HTTP listen port.
	Port int `json:"port,omitempty"`
	// DataDir is the root of the persisted session tree. Defaults to the
	// XDG data path for the workspace.
	DataDir string `json:"dataDir,omitempty"`
	// Model is the default model for new sessions ("providerID/modelID").
	Model string `json:"model,omitempty"`
	// PermissionMode is the default permission mode for new sessions.
	PermissionMode string `json:"permissionMode,omitempty"`
	// AgentCommand is the agent harness CLI binary. Defaults to "claude".
	AgentCommand string `json:"agentCommand,omitempty"`
	// LogLevel is the minimum log level ("debug", "info", "warn", "error").
	LogLevel string `json:"logLevel,omitempty"`
}
