package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rovot/rovot/internal/approvals"
	"github.com/rovot/rovot/internal/events"
	"github.com/rovot/rovot/internal/policy"
	"github.com/rovot/rovot/internal/sessions"
	"github.com/rovot/rovot/pkg/models"
)

// scriptedProvider returns canned responses in order. A nil response at
// a step means the scripted error fires instead.
type scriptedProvider struct {
	steps []scriptStep
	calls int
}

type scriptStep struct {
	resp *ChatResponse
	err  error
}

func (p *scriptedProvider) Chat(_ context.Context, _ []ChatMessage, _ []Definition) (*ChatResponse, error) {
	var step scriptStep
	if p.calls < len(p.steps) {
		step = p.steps[p.calls]
	} else {
		step = p.steps[len(p.steps)-1]
	}
	p.calls++
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

func (p *scriptedProvider) ListModels(context.Context) ([]string, error) {
	return []string{"scripted"}, nil
}

type fixture struct {
	exec      *Executor
	provider  *scriptedProvider
	registry  *Registry
	sessions  *sessions.Store
	approvals *approvals.Store
	hub       *events.Hub
}

func newFixture(t *testing.T, steps []scriptStep) *fixture {
	t.Helper()
	dir := t.TempDir()

	sessStore, err := sessions.NewStore(dir)
	if err != nil {
		t.Fatalf("sessions.NewStore: %v", err)
	}
	apprStore, err := approvals.NewStore(dir)
	if err != nil {
		t.Fatalf("approvals.NewStore: %v", err)
	}

	registry := NewRegistry(policy.NewEngine(apprStore), nil, nil)
	provider := &scriptedProvider{steps: steps}
	hub := events.NewHub(nil)

	exec, err := NewExecutor(ExecutorConfig{
		Provider:  provider,
		Registry:  registry,
		Sessions:  sessStore,
		Approvals: apprStore,
		Hub:       hub,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return &fixture{
		exec:      exec,
		provider:  provider,
		registry:  registry,
		sessions:  sessStore,
		approvals: apprStore,
		hub:       hub,
	}
}

func fullScopes() *policy.AuthContext {
	return &policy.AuthContext{Token: "t", Scopes: policy.AllScopes()}
}

func finalStep(content string) scriptStep {
	return scriptStep{resp: &ChatResponse{Content: content}}
}

func toolStep(calls ...models.ToolCall) scriptStep {
	return scriptStep{resp: &ChatResponse{ToolCalls: calls}}
}

func TestRunPlainReply(t *testing.T) {
	f := newFixture(t, []scriptStep{finalStep("hello there")})

	resp, err := f.exec.Run(context.Background(), fullScopes(), "s1", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Reply != "hello there" {
		t.Errorf("reply = %q, want %q", resp.Reply, "hello there")
	}
	if resp.PendingApprovalID != "" {
		t.Errorf("unexpected pending approval %q", resp.PendingApprovalID)
	}

	history, err := f.sessions.ReadAll("s1")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d messages, want 2", len(history))
	}
	if history[0].Role != models.RoleUser || history[0].Content != "hi" {
		t.Errorf("first message = %+v, want user 'hi'", history[0])
	}
	if history[1].Role != models.RoleAssistant || history[1].Content != "hello there" {
		t.Errorf("second message = %+v, want assistant reply", history[1])
	}
}

func TestRunLowRiskToolThenReply(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolStep(models.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "ping"}}),
		finalStep("done"),
	})

	var gotArgs map[string]any
	mustRegister(t, f.registry, Descriptor{
		Name:        "echo",
		Description: "Echoes text back.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			gotArgs = args
			return map[string]any{"echoed": args["text"]}, nil
		},
	})

	resp, err := f.exec.Run(context.Background(), fullScopes(), "s2", "echo ping")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Reply != "done" {
		t.Errorf("reply = %q, want %q", resp.Reply, "done")
	}
	if gotArgs["text"] != "ping" {
		t.Errorf("handler args = %v, want text=ping", gotArgs)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "echo" {
		t.Errorf("response tool calls = %+v, want one echo call", resp.ToolCalls)
	}

	history, _ := f.sessions.ReadAll("s2")
	// user, assistant(tool_calls), tool, assistant(final)
	if len(history) != 4 {
		t.Fatalf("history has %d messages, want 4", len(history))
	}
	if len(history[1].ToolCalls) != 1 {
		t.Errorf("assistant message lacks tool calls: %+v", history[1])
	}
	if history[2].Role != models.RoleTool || history[2].ToolCallID != "c1" {
		t.Errorf("tool message = %+v, want role tool with call id c1", history[2])
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(history[2].Content), &payload); err != nil {
		t.Fatalf("tool content is not JSON: %v", err)
	}
	if payload["echoed"] != "ping" {
		t.Errorf("tool result = %v, want echoed=ping", payload)
	}
}

func TestRunSuspendsOnApproval(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolStep(models.ToolCall{ID: "c2", Name: "risky", Arguments: map[string]any{"target": "x"}}),
		finalStep("never reached"),
	})
	mustRegister(t, f.registry, riskyDescriptor(nil))

	sub := f.hub.Subscribe()
	defer f.hub.Unsubscribe(sub)

	resp, err := f.exec.Run(context.Background(), fullScopes(), "s3", "do the risky thing")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.PendingApprovalID == "" {
		t.Fatal("expected a pending approval id")
	}
	if f.provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", f.provider.calls)
	}

	rec := f.approvals.Get(resp.PendingApprovalID)
	if rec == nil {
		t.Fatal("pending approval not persisted")
	}
	if rec.Status != approvals.StatusPending {
		t.Errorf("approval status = %s, want pending", rec.Status)
	}
	if rec.SessionID != "s3" || rec.ToolName != "risky" || rec.ToolCallID != "c2" {
		t.Errorf("approval record = %+v", rec)
	}

	select {
	case data := <-sub.C:
		var env models.EventEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if env.Event != models.EventChatReply {
			t.Errorf("event = %q, want chat.reply", env.Event)
		}
		if env.Payload["pending_approval_id"] != resp.PendingApprovalID {
			t.Errorf("event payload = %v, want pending_approval_id", env.Payload)
		}
	default:
		t.Error("no chat.reply event broadcast")
	}
}

func TestResumeAfterAllow(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolStep(models.ToolCall{ID: "c2", Name: "risky", Arguments: map[string]any{"target": "x"}}),
		finalStep("ok"),
	})

	var invoked int
	mustRegister(t, f.registry, riskyDescriptor(func(args map[string]any) {
		invoked++
		if args["target"] != "x" {
			t.Errorf("resumed with args %v, want target=x", args)
		}
	}))

	first, err := f.exec.Run(context.Background(), fullScopes(), "s4", "go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	id := first.PendingApprovalID
	if id == "" {
		t.Fatal("expected suspension")
	}
	if !f.approvals.Resolve(id, approvals.DecisionAllow, "tester") {
		t.Fatal("Resolve failed")
	}

	resp, err := f.exec.Resume(context.Background(), fullScopes(), "s4", id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resp.Reply != "ok" {
		t.Errorf("reply = %q, want %q", resp.Reply, "ok")
	}
	if invoked != 1 {
		t.Errorf("handler invoked %d times, want 1", invoked)
	}
	if got := f.approvals.Get(id).Status; got != approvals.StatusConsumed {
		t.Errorf("approval status = %s, want consumed", got)
	}

	history, _ := f.sessions.ReadAll("s4")
	var toolMsg *models.Message
	for i := range history {
		if history[i].Role == models.RoleTool {
			toolMsg = &history[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolCallID != "c2" {
		t.Errorf("tool message = %+v, want tool_call_id c2", toolMsg)
	}

	// Single use: the same approval cannot authorise a second run.
	before := len(history)
	again, err := f.exec.Resume(context.Background(), fullScopes(), "s4", id)
	if err != nil {
		t.Fatalf("second Resume: %v", err)
	}
	if again.Reply != "Invalid or non-allowed approval_id." {
		t.Errorf("second resume reply = %q", again.Reply)
	}
	if invoked != 1 {
		t.Errorf("handler re-invoked on consumed approval")
	}
	after, _ := f.sessions.ReadAll("s4")
	if len(after) != before {
		t.Errorf("history advanced on rejected resume: %d -> %d", before, len(after))
	}
}

func TestResumeRejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture, id string) string
	}{
		{
			name: "unknown id",
			prepare: func(_ *testing.T, _ *fixture, _ string) string {
				return "no-such-approval"
			},
		},
		{
			name: "still pending",
			prepare: func(_ *testing.T, _ *fixture, id string) string {
				return id
			},
		},
		{
			name: "denied",
			prepare: func(t *testing.T, f *fixture, id string) string {
				if !f.approvals.Resolve(id, approvals.DecisionDeny, "tester") {
					t.Fatal("Resolve failed")
				}
				return id
			},
		},
		{
			name: "wrong session",
			prepare: func(t *testing.T, f *fixture, _ string) string {
				rec, err := f.approvals.Create("risky", nil, "other-call", "other-session", "s", 0)
				if err != nil {
					t.Fatalf("Create: %v", err)
				}
				if !f.approvals.Resolve(rec.ID, approvals.DecisionAllow, "tester") {
					t.Fatal("Resolve failed")
				}
				return rec.ID
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []scriptStep{
				toolStep(models.ToolCall{ID: "c2", Name: "risky", Arguments: map[string]any{"target": "x"}}),
				finalStep("ok"),
			})
			var invoked int
			mustRegister(t, f.registry, riskyDescriptor(func(map[string]any) { invoked++ }))

			first, err := f.exec.Run(context.Background(), fullScopes(), "sx", "go")
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			resumeID := tt.prepare(t, f, first.PendingApprovalID)

			resp, err := f.exec.Resume(context.Background(), fullScopes(), "sx", resumeID)
			if err != nil {
				t.Fatalf("Resume: %v", err)
			}
			if resp.Reply != "Invalid or non-allowed approval_id." {
				t.Errorf("reply = %q", resp.Reply)
			}
			if invoked != 0 {
				t.Errorf("handler ran despite rejection")
			}
		})
	}
}

func TestRunMissingWriteScope(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolStep(models.ToolCall{ID: "c1", Name: "writer", Arguments: map[string]any{}}),
		finalStep("never reached"),
	})
	var invoked int
	mustRegister(t, f.registry, Descriptor{
		Name:          "writer",
		Description:   "Writes things.",
		RequiresWrite: true,
		Handler: func(context.Context, map[string]any) (any, error) {
			invoked++
			return "wrote", nil
		},
	})

	readOnly := &policy.AuthContext{Token: "t", Scopes: map[policy.Scope]struct{}{policy.ScopeRead: {}}}
	resp, err := f.exec.Run(context.Background(), readOnly, "s5", "write it")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(resp.Reply, "Missing scope: write") {
		t.Errorf("reply = %q, want missing scope message", resp.Reply)
	}
	if invoked != 0 {
		t.Error("handler ran without write scope")
	}
	if len(f.approvals.Pending()) != 0 {
		t.Error("scope failure left a pending approval")
	}
}

func TestRunIterationCap(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolStep(models.ToolCall{ID: "loop", Name: "echo", Arguments: map[string]any{}}),
	})
	mustRegister(t, f.registry, Descriptor{
		Name:        "echo",
		Description: "Echoes.",
		Handler: func(context.Context, map[string]any) (any, error) {
			return "again", nil
		},
	})

	resp, err := f.exec.Run(context.Background(), fullScopes(), "s6", "loop forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Reply != "Reached maximum iterations without a final answer." {
		t.Errorf("reply = %q", resp.Reply)
	}
	if f.provider.calls != DefaultMaxIterations {
		t.Errorf("provider called %d times, want %d", f.provider.calls, DefaultMaxIterations)
	}
	if len(resp.ToolCalls) != DefaultMaxIterations {
		t.Errorf("accumulated %d tool calls, want %d", len(resp.ToolCalls), DefaultMaxIterations)
	}
}

func TestRunProviderError(t *testing.T) {
	f := newFixture(t, []scriptStep{
		{err: &ProviderError{Cause: context.DeadlineExceeded}},
	})

	resp, err := f.exec.Run(context.Background(), fullScopes(), "s7", "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Reply == "" {
		t.Error("expected an error reply")
	}

	history, _ := f.sessions.ReadAll("s7")
	if len(history) != 2 || history[1].Role != models.RoleAssistant {
		t.Errorf("history = %+v, want user plus assistant error", history)
	}
}

func TestRunRecoverableToolFailureContinues(t *testing.T) {
	f := newFixture(t, []scriptStep{
		toolStep(models.ToolCall{ID: "c1", Name: "no-such-tool", Arguments: map[string]any{}}),
		finalStep("recovered"),
	})

	resp, err := f.exec.Run(context.Background(), fullScopes(), "s8", "call a ghost")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Reply != "recovered" {
		t.Errorf("reply = %q, want %q", resp.Reply, "recovered")
	}

	history, _ := f.sessions.ReadAll("s8")
	if len(history) != 4 {
		t.Fatalf("history has %d messages, want 4", len(history))
	}
	if !strings.Contains(history[2].Content, "Unknown tool") {
		t.Errorf("tool message = %q, want unknown-tool error value", history[2].Content)
	}
}

func mustRegister(t *testing.T, r *Registry, desc Descriptor) {
	t.Helper()
	if err := r.Register(desc); err != nil {
		t.Fatalf("Register %s: %v", desc.Name, err)
	}
}

func riskyDescriptor(onInvoke func(map[string]any)) Descriptor {
	return Descriptor{
		Name:             "risky",
		Description:      "Performs a high-risk action.",
		RequiresApproval: true,
		ApprovalSummary:  "Perform a high-risk action",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"target": map[string]any{"type": "string"}},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			if onInvoke != nil {
				onInvoke(args)
			}
			return map[string]any{"status": "completed"}, nil
		},
	}
}
