package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler executes a tool. Arguments arrive by name, already decoded to
// a map; the returned value is stringified into the tool message the
// model sees next iteration.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor binds a declarative tool description to its handler.
//
// RequiresWrite gates the handler behind the write scope;
// RequiresApproval additionally parks the call behind a two-phase human
// approval. ApprovalSummary is the one-line description shown to the
// human deciding.
type Descriptor struct {
	Name             string
	Description      string
	Parameters       map[string]any
	RequiresWrite    bool
	RequiresApproval bool
	ApprovalSummary  string
	Handler          Handler
}

// Definition is the provider-facing view of a tool, shaped like the
// OpenAI function-calling schema.
type Definition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition carries the callable surface the model sees.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// errorValue is the structured shape returned to the model for every
// recoverable tool failure. It is a value, not an error: the model is
// expected to see it and react.
func errorValue(format string, args ...any) map[string]any {
	return map[string]any{"error": fmt.Sprintf(format, args...)}
}

// resultContent renders a handler's return value into the content of a
// tool message.
func resultContent(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
