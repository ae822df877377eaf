package models

// EventEnvelope is the wire shape broadcast to every subscribed client.
type EventEnvelope struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Event names emitted by the core.
const (
	EventChatReply        = "chat.reply"
	EventApprovalResolved = "approval.resolved"
)
