package agent

import (
	"context"

	"github.com/rovot/rovot/pkg/models"
)

// ChatMessage is one provider-shaped prompt entry. Tool-role entries
// carry the id of the call they answer; assistant entries may carry the
// calls they made.
type ChatMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
}

// Usage reports token accounting from the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the parsed first choice of a completion.
type ChatResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
}

// Provider is the chat-completion backend the executor drives.
//
// Implementations must be safe for concurrent use; the daemon runs many
// turns at once.
type Provider interface {
	// Chat sends the prompt and returns the parsed first choice.
	// Failures surface as *ProviderError.
	Chat(ctx context.Context, messages []ChatMessage, tools []Definition) (*ChatResponse, error)

	// ListModels returns the backend's advertised model ids.
	ListModels(ctx context.Context) ([]string, error)
}
