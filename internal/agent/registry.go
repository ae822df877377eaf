package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/rovot/rovot/internal/observability"
	"github.com/rovot/rovot/internal/policy"
)

// Registry holds the daemon's tool descriptors. It is populated once at
// startup and read-only afterwards; the mutex only guards registration
// ordering during start.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	order   []string
	policy  *policy.Engine
	metrics *observability.Metrics
	logger  *slog.Logger
}

type registeredTool struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// NewRegistry creates an empty registry bound to a policy engine.
func NewRegistry(engine *policy.Engine, metrics *observability.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*registeredTool),
		policy:  engine,
		metrics: metrics,
		logger:  logger.With("component", "tools"),
	}
}

// Register adds a descriptor. Names are globally unique; a duplicate or
// an invalid parameter schema is a startup error.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if desc.Handler == nil {
		return fmt.Errorf("tool %s has no handler", desc.Name)
	}

	schema, err := compileSchema(desc.Name, desc.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %s already registered", desc.Name)
	}
	r.tools[desc.Name] = &registeredTool{desc: desc, schema: schema}
	r.order = append(r.order, desc.Name)
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameter schema: %w", err)
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return schema, nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return Descriptor{}, false
	}
	return tool.desc, true
}

// Definitions returns the provider-facing tool list in registration
// order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		defs = append(defs, Definition{
			Type: "function",
			Function: FunctionDefinition{
				Name:        tool.desc.Name,
				Description: tool.desc.Description,
				Parameters:  tool.desc.Parameters,
			},
		})
	}
	return defs
}

// Invoke runs a tool under policy.
//
// Recoverable failures (unknown tool, invalid arguments, handler error
// or panic) come back as structured values the model can read. Only
// two conditions surface as errors: a missing scope (terminates the
// turn) and a required approval (suspends it).
func (r *Registry) Invoke(ctx context.Context, actx *policy.AuthContext, sessionID, name string, args map[string]any, toolCallID string, approved bool) (any, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.count(name, "unknown")
		return errorValue("Unknown tool: %s", name), nil
	}
	desc := tool.desc

	if desc.RequiresWrite {
		if err := r.policy.EnforceWriteScope(actx); err != nil {
			r.count(name, "denied")
			return nil, err
		}
	}

	if desc.RequiresApproval && !approved {
		summary := desc.ApprovalSummary
		if summary == "" {
			summary = desc.Description
		}
		if err := r.policy.MaybeRequireApproval(actx, sessionID, name, args, summary, true, toolCallID); err != nil {
			if _, pending := policy.IsApprovalRequired(err); pending {
				r.count(name, "approval_required")
			} else {
				r.count(name, "denied")
			}
			return nil, err
		}
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := tool.schema.Validate(normalizeForSchema(args)); err != nil {
		r.count(name, "invalid_args")
		return errorValue("Invalid arguments for %s: %v", name, err), nil
	}

	result, err := r.safeExecute(ctx, desc, args)
	if err != nil {
		r.count(name, "error")
		r.logger.Warn("tool handler failed", "tool", name, "error", err)
		return errorValue("Error executing %s: %v", name, err), nil
	}
	r.count(name, "ok")
	return result, nil
}

// safeExecute converts a handler panic into an error so a misbehaving
// tool cannot crash the turn.
func (r *Registry) safeExecute(ctx context.Context, desc Descriptor, args map[string]any) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return desc.Handler(ctx, args)
}

func (r *Registry) count(tool, outcome string) {
	if r.metrics != nil {
		r.metrics.ToolInvocations.WithLabelValues(tool, outcome).Inc()
	}
}

// normalizeForSchema round-trips args through JSON so the validator sees
// the types it expects (json numbers, not Go ints).
func normalizeForSchema(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return args
	}
	return v
}
