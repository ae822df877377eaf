package agent

import "github.com/rovot/rovot/pkg/models"

// ContextBuilder assembles the provider payload for each iteration:
// one system entry followed by the session history in order. History is
// recomputed every iteration and never rewritten in place.
type ContextBuilder struct {
	systemPrompt string
}

// NewContextBuilder returns a builder with the given system prompt.
func NewContextBuilder(systemPrompt string) *ContextBuilder {
	if systemPrompt == "" {
		systemPrompt = "You are Rovot, a helpful local-first AI assistant."
	}
	return &ContextBuilder{systemPrompt: systemPrompt}
}

// Build produces the provider-shape message list. Tool-role messages
// keep their tool_call_id; assistant messages keep their outgoing tool
// calls; other roles carry role and content only.
func (b *ContextBuilder) Build(history []models.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(history)+1)
	out = append(out, ChatMessage{Role: string(models.RoleSystem), Content: b.systemPrompt})
	for _, msg := range history {
		entry := ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case models.RoleTool:
			entry.ToolCallID = msg.ToolCallID
		case models.RoleAssistant:
			entry.ToolCalls = msg.ToolCalls
		}
		out = append(out, entry)
	}
	return out
}
