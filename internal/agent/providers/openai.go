// Package providers adapts external chat-completion backends to the
// agent's Provider interface.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rovot/rovot/internal/agent"
	"github.com/rovot/rovot/pkg/models"
)

// DefaultTimeout bounds a single chat-completion round trip.
const DefaultTimeout = 120 * time.Second

// OpenAICompatible talks to any backend implementing the OpenAI chat
// completion API: LM Studio, Ollama, vLLM, or the hosted service.
type OpenAICompatible struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// OpenAIOptions configures the adapter. BaseURL is required; an empty
// Model lets the backend pick its loaded default.
type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewOpenAICompatible returns an adapter for the given backend.
func NewOpenAICompatible(opts OpenAIOptions) (*OpenAICompatible, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("model endpoint is required")
	}
	apiKey := opts.APIKey
	if apiKey == "" {
		// Local backends ignore the key but the client requires one.
		apiKey = "not-needed"
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = opts.BaseURL

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAICompatible{
		client:  openai.NewClientWithConfig(cfg),
		model:   opts.Model,
		timeout: timeout,
		logger:  logger.With("component", "provider"),
	}, nil
}

// Chat sends the prompt with the tool definitions and parses the first
// choice. Any transport or API failure comes back as *agent.ProviderError.
func (p *OpenAICompatible) Chat(ctx context.Context, messages []agent.ChatMessage, tools []agent.Definition) (*agent.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toWireMessages(messages),
		Tools:    toWireTools(tools),
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, &agent.ProviderError{Cause: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &agent.ProviderError{Cause: fmt.Errorf("no choices in completion")}
	}

	choice := resp.Choices[0].Message
	out := &agent.ChatResponse{
		Content: choice.Content,
		Usage: agent.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ListModels returns the backend's advertised model ids.
func (p *OpenAICompatible) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	list, err := p.client.ListModels(ctx)
	if err != nil {
		return nil, &agent.ProviderError{Cause: err}
	}
	ids := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func toWireMessages(messages []agent.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		wire := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wire.ToolCalls = append(wire.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, wire)
	}
	return out
}

func toWireTools(tools []agent.Definition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out
}

// decodeArguments parses the arguments JSON the model emitted. Small
// local models sometimes produce invalid JSON; the raw text is preserved
// under "_raw" so the turn can continue and the tool can reject it.
func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	if args == nil {
		return map[string]any{}
	}
	return args
}
