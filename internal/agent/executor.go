package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rovot/rovot/internal/approvals"
	"github.com/rovot/rovot/internal/audit"
	"github.com/rovot/rovot/internal/events"
	"github.com/rovot/rovot/internal/observability"
	"github.com/rovot/rovot/internal/policy"
	"github.com/rovot/rovot/internal/sessions"
	"github.com/rovot/rovot/pkg/models"
)

// DefaultMaxIterations caps provider round-trips per turn.
const DefaultMaxIterations = 25

// ExecutorConfig wires the executor's collaborators.
type ExecutorConfig struct {
	Provider      Provider
	Registry      *Registry
	Sessions      *sessions.Store
	Approvals     *approvals.Store
	Hub           *events.Hub
	Audit         *audit.Logger
	Metrics       *observability.Metrics
	SystemPrompt  string
	MaxIterations int
	Logger        *slog.Logger
}

// Executor drives one agent turn: model, tools, history, until a final
// reply, a suspension on approval, or the iteration cap.
//
// The executor does not serialise turns per session; the boundary holds
// the session lock around Run and Resume.
type Executor struct {
	provider  Provider
	registry  *Registry
	sessions  *sessions.Store
	approvals *approvals.Store
	hub       *events.Hub
	audit     *audit.Logger
	metrics   *observability.Metrics
	builder   *ContextBuilder
	maxIter   int
	logger    *slog.Logger
}

// NewExecutor validates the config and returns an executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Approvals == nil {
		return nil, fmt.Errorf("approval store is required")
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		provider:  cfg.Provider,
		registry:  cfg.Registry,
		sessions:  cfg.Sessions,
		approvals: cfg.Approvals,
		hub:       cfg.Hub,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		builder:   NewContextBuilder(cfg.SystemPrompt),
		maxIter:   maxIter,
		logger:    logger.With("component", "executor"),
	}, nil
}

// Run executes one turn for a fresh user message. The session log gains
// the user message, any assistant/tool traffic, and ends with either a
// final assistant reply, a suspension, or the exhausted reply.
func (e *Executor) Run(ctx context.Context, actx *policy.AuthContext, sessionID, userText string) (*models.AgentResponse, error) {
	history, err := e.sessions.ReadAll(sessionID)
	if err != nil {
		return nil, err
	}

	userMsg := models.Message{Role: models.RoleUser, Content: userText}
	if err := e.sessions.Append(sessionID, userMsg); err != nil {
		return nil, err
	}
	history = append(history, userMsg)

	return e.loop(ctx, actx, sessionID, history, nil)
}

// Resume continues a suspended turn. With an approval id it verifies the
// record belongs to this session and is allowed, executes the stored
// tool call with approved=true, consumes the approval, and re-enters the
// loop. Verification failure returns an error reply without advancing
// history. Without an approval id the loop simply re-enters on the
// current history.
func (e *Executor) Resume(ctx context.Context, actx *policy.AuthContext, sessionID, approvalID string) (*models.AgentResponse, error) {
	history, err := e.sessions.ReadAll(sessionID)
	if err != nil {
		return nil, err
	}

	if approvalID == "" {
		return e.loop(ctx, actx, sessionID, history, nil)
	}

	rec := e.approvals.Get(approvalID)
	if rec == nil || rec.SessionID != sessionID || rec.Status != approvals.StatusAllow {
		e.logger.Info("rejected resume", "session_id", sessionID, "approval_id", approvalID)
		return &models.AgentResponse{Reply: invalidApprovalReply}, nil
	}

	result, err := e.registry.Invoke(ctx, actx, sessionID, rec.ToolName, rec.Arguments, rec.ToolCallID, true)
	if err != nil {
		// Only a scope failure can reach here on an approved call.
		return e.terminate(sessionID, err.Error(), nil)
	}

	toolMsg := models.Message{
		Role:       models.RoleTool,
		Content:    resultContent(result),
		ToolCallID: rec.ToolCallID,
	}
	if err := e.sessions.Append(sessionID, toolMsg); err != nil {
		return nil, err
	}
	history = append(history, toolMsg)

	if !e.approvals.Consume(approvalID) {
		e.logger.Warn("approval consume raced", "approval_id", approvalID)
	}
	if e.metrics != nil {
		e.metrics.Approvals.WithLabelValues("consumed").Inc()
	}
	e.auditLog("approval.consumed", map[string]any{
		"id": approvalID, "session_id": sessionID, "tool_name": rec.ToolName,
	})

	return e.loop(ctx, actx, sessionID, history, nil)
}

// loop is the shared Thinking/Dispatch state machine.
func (e *Executor) loop(ctx context.Context, actx *policy.AuthContext, sessionID string, history []models.Message, allCalls []models.ToolCall) (*models.AgentResponse, error) {
	for iter := 0; iter < e.maxIter; iter++ {
		resp, err := e.provider.Chat(ctx, e.builder.Build(history), e.registry.Definitions())
		if err != nil {
			e.countProvider("error")
			e.countTurn("error")
			return e.terminate(sessionID, err.Error(), allCalls)
		}
		e.countProvider("ok")

		if len(resp.ToolCalls) == 0 {
			// Final state.
			assistant := models.Message{Role: models.RoleAssistant, Content: resp.Content}
			if err := e.sessions.Append(sessionID, assistant); err != nil {
				return nil, err
			}
			e.countTurn("final")
			e.emitReply(sessionID, "")
			return &models.AgentResponse{Reply: resp.Content, ToolCalls: allCalls}, nil
		}

		// Record the assistant message carrying its tool calls before
		// any tool result lands in history.
		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		if err := e.sessions.Append(sessionID, assistant); err != nil {
			return nil, err
		}
		history = append(history, assistant)

		// Dispatch sequentially in model order: each result must land
		// in history before the next model call, so parallel dispatch
		// is off the table.
		for _, tc := range resp.ToolCalls {
			allCalls = append(allCalls, tc)

			result, err := e.registry.Invoke(ctx, actx, sessionID, tc.Name, tc.Arguments, tc.ID, false)
			if err != nil {
				if ar, ok := policy.IsApprovalRequired(err); ok {
					return e.suspend(sessionID, ar, err.Error(), allCalls)
				}
				// Missing scope terminates the turn. Earlier calls in
				// this batch already mutated history and stay there.
				e.countTurn("error")
				return e.terminate(sessionID, err.Error(), allCalls)
			}

			toolMsg := models.Message{
				Role:       models.RoleTool,
				Content:    resultContent(result),
				ToolCallID: tc.ID,
			}
			if err := e.sessions.Append(sessionID, toolMsg); err != nil {
				return nil, err
			}
			history = append(history, toolMsg)
			e.auditLog("tool.invoked", map[string]any{
				"session_id": sessionID, "tool_name": tc.Name, "tool_call_id": tc.ID,
			})
		}
	}

	e.countTurn("exhausted")
	return e.terminate(sessionID, exhaustedReply, allCalls)
}

// suspend persists nothing further: the pending approval is already in
// the store. The client gets the approval id and the turn parks.
func (e *Executor) suspend(sessionID string, ar *policy.ApprovalRequiredError, reply string, allCalls []models.ToolCall) (*models.AgentResponse, error) {
	e.countTurn("suspended")
	e.auditLog("approval.requested", map[string]any{
		"id": ar.ApprovalID, "session_id": sessionID, "summary": ar.Summary,
	})
	e.emitReply(sessionID, ar.ApprovalID)
	return &models.AgentResponse{
		Reply:             reply,
		ToolCalls:         allCalls,
		PendingApprovalID: ar.ApprovalID,
	}, nil
}

// terminate appends a best-effort assistant reply and ends the turn.
// Nothing is rolled back.
func (e *Executor) terminate(sessionID, reply string, allCalls []models.ToolCall) (*models.AgentResponse, error) {
	if err := e.sessions.Append(sessionID, models.Message{Role: models.RoleAssistant, Content: reply}); err != nil {
		e.logger.Warn("append terminal reply", "session_id", sessionID, "error", err)
	}
	e.emitReply(sessionID, "")
	return &models.AgentResponse{Reply: reply, ToolCalls: allCalls}, nil
}

func (e *Executor) emitReply(sessionID, pendingApprovalID string) {
	if e.hub == nil {
		return
	}
	payload := map[string]any{"session_id": sessionID}
	if pendingApprovalID != "" {
		payload["pending_approval_id"] = pendingApprovalID
	}
	e.hub.Broadcast(models.EventChatReply, payload)
}

func (e *Executor) auditLog(event string, payload map[string]any) {
	if e.audit != nil {
		e.audit.Log(event, payload)
	}
}

func (e *Executor) countTurn(outcome string) {
	if e.metrics != nil {
		e.metrics.Turns.WithLabelValues(outcome).Inc()
	}
}

func (e *Executor) countProvider(status string) {
	if e.metrics != nil {
		e.metrics.ProviderCalls.WithLabelValues(status).Inc()
	}
}
