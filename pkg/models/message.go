package models

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a session transcript.
//
// Tool-role messages carry the ID of the tool call they answer. Assistant
// messages may carry the set of tool calls the model requested.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall represents a model-requested invocation of a registered tool.
// The ID is chosen by the model and links the eventual tool result back
// to this call.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// AgentResponse is the outcome of a single agent turn.
//
// A non-empty PendingApprovalID means the turn is suspended waiting for a
// human decision, not finished.
type AgentResponse struct {
	Reply             string     `json:"reply"`
	ToolCalls         []ToolCall `json:"tool_calls"`
	PendingApprovalID string     `json:"pending_approval_id,omitempty"`
}
