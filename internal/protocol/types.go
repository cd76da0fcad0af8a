package protocol

import "encoding/json"

// Version is the protocol version this daemon speaks. The handshake fails
// as non-retryable when the agent answers with a different version.
const Version = 1

// Method names, client to agent.
const (
	MethodInitialize      = "initialize"
	MethodSessionNew      = "session/new"
	MethodSessionPrompt   = "session/prompt"
	MethodSessionCancel   = "session/cancel"
	MethodSessionSetMode  = "session/set_mode"
	MethodSessionSetModel = "session/set_model"
	MethodSessionList     = "session/list"
	MethodSessionLoad     = "session/load"
)

// Method names, agent to client.
const (
	MethodSessionUpdate       = "session/update"
	MethodRequestPermission   = "session/request_permission"
	MethodTerminalCreate      = "terminal/create"
	MethodTerminalOutput      = "terminal/output"
	MethodTerminalWaitForExit = "terminal/wait_for_exit"
	MethodTerminalKill        = "terminal/kill"
	MethodTerminalRelease     = "terminal/release"
)

// Session update kinds carried in the sessionUpdate discriminator field.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdateSessionInfo       = "session_info_update"
	UpdateCurrentMode       = "current_mode_update"
	UpdateUsage             = "usage_update"
)

// ClientInfo identifies the daemon to the agent during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the handshake request.
type InitializeParams struct {
	ProtocolVersion int        `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// AgentCapabilities reports which optional operations the agent supports.
type AgentCapabilities struct {
	// List indicates support for session/list.
	List bool `json:"list"`
	// Load indicates support for session/load.
	Load bool `json:"load"`
}

// InitializeResult is the handshake response.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
}

// NewSessionParams requests a fresh agent session.
type NewSessionParams struct {
	Cwd string `json:"cwd"`
}

// SessionMode is one mode option an agent exposes (e.g. "ask", "code").
type SessionMode struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SessionModeState is the set of modes plus the active one.
type SessionModeState struct {
	AvailableModes []SessionMode `json:"availableModes,omitempty"`
	CurrentModeID  string        `json:"currentModeId,omitempty"`
}

// SessionModel is one model option an agent exposes.
type SessionModel struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// SessionModelState is the set of models plus the active one.
type SessionModelState struct {
	AvailableModels []SessionModel `json:"availableModels,omitempty"`
	CurrentModelID  string         `json:"currentModelId,omitempty"`
}

// NewSessionResult carries the agent-assigned session identity.
type NewSessionResult struct {
	SessionID string             `json:"sessionId"`
	Modes     *SessionModeState  `json:"modes,omitempty"`
	Models    *SessionModelState `json:"models,omitempty"`
}

// ContentBlock is one piece of prompt content. Only text is used today.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// PromptParams sends user content into a session.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult reports why the turn ended.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams is the session/cancel notification payload.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}

// SetModeParams switches the session mode.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModelParams switches the session model.
type SetModelParams struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// ListSessionsResult enumerates sessions the agent knows about.
type ListSessionsResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

// SessionSummary is one entry of session/list.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
	Title     string `json:"title,omitempty"`
}

// LoadSessionParams re-attaches to an existing agent session.
type LoadSessionParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
}

// LoadSessionResult mirrors NewSessionResult for a loaded session.
type LoadSessionResult struct {
	Modes  *SessionModeState  `json:"modes,omitempty"`
	Models *SessionModelState `json:"models,omitempty"`
}

// SessionUpdate is the inner payload of a session/update notification.
// Kind discriminates the variant; unknown kinds are preserved verbatim so
// callers can map them to a fallback instead of dropping them.
type SessionUpdate struct {
	Kind string `json:"sessionUpdate"`

	Content    *ContentBlock   `json:"content,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Status     string          `json:"status,omitempty"`
	ModeID     string          `json:"currentModeId,omitempty"`
	Info       json.RawMessage `json:"info,omitempty"`
	Usage      json.RawMessage `json:"usage,omitempty"`

	// Raw is the complete update object as received. Populated by the
	// client on decode; used for WAL payloads so no field is ever lost.
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and retains the raw object.
func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	type alias SessionUpdate
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*u = SessionUpdate(a)
	u.Raw = append([]byte(nil), data...)
	return nil
}

// SessionNotification is the session/update notification payload.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// PermissionOption is one choice offered by a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// Permission option kinds.
const (
	PermissionAllowOnce   = "allow_once"
	PermissionAllowAlways = "allow_always"
	PermissionRejectOnce  = "reject_once"
)

// PermissionRequest is the agent's session/request_permission payload.
type PermissionRequest struct {
	SessionID string             `json:"sessionId"`
	Title     string             `json:"title,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// PermissionOutcome is the decision routed back to the agent.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// PermissionResponse wraps the outcome for the wire.
type PermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// CancelledPermission is the response used when no decision can be made.
func CancelledPermission() PermissionResponse {
	return PermissionResponse{Outcome: PermissionOutcome{Outcome: OutcomeCancelled}}
}

// EnvVar is one environment override for a terminal subprocess.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CreateTerminalParams spawns a subprocess on the agent's behalf.
type CreateTerminalParams struct {
	SessionID       string   `json:"sessionId"`
	Command         string   `json:"command"`
	Args            []string `json:"args,omitempty"`
	Env             []EnvVar `json:"env,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	OutputByteLimit int64    `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResult returns the terminal handle.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalID identifies a terminal within a session.
type TerminalID struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus captures how a terminal subprocess ended.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalOutputResult is the current buffered output of a terminal.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// WaitForExitResult resolves once the terminal subprocess has exited.
type WaitForExitResult struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}
