// Package policy enforces scope checks and approval interception for
// tool invocations.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/rovot/rovot/internal/approvals"
)

// Scope is a named capability granted to an auth context.
type Scope string

const (
	ScopeRead      Scope = "read"
	ScopeWrite     Scope = "write"
	ScopeApprovals Scope = "approvals"
	ScopeAdmin     Scope = "admin"
)

// AllScopes is the full grant issued to the local console token.
func AllScopes() map[Scope]struct{} {
	return map[Scope]struct{}{
		ScopeRead:      {},
		ScopeWrite:     {},
		ScopeApprovals: {},
		ScopeAdmin:     {},
	}
}

// AuthContext identifies a caller and the capabilities it holds. It is
// produced once per request at the boundary and immutable within a turn.
type AuthContext struct {
	Token  string
	Scopes map[Scope]struct{}
}

// HasScope reports whether the context carries the scope.
func (a *AuthContext) HasScope(scope Scope) bool {
	if a == nil {
		return false
	}
	_, ok := a.Scopes[scope]
	return ok
}

// ScopeError reports a caller lacking a required scope. It terminates
// the turn; nothing is rolled back.
type ScopeError struct {
	Scope Scope
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("Missing scope: %s", e.Scope)
}

// ApprovalRequiredError is control flow, not a fault: it short-circuits
// the tool dispatch chain, and the executor converts it into a suspended
// response carrying the approval id.
type ApprovalRequiredError struct {
	ApprovalID string
	Summary    string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("Approval required (%s): %s", e.ApprovalID, e.Summary)
}

// IsApprovalRequired extracts an ApprovalRequiredError if err carries one.
func IsApprovalRequired(err error) (*ApprovalRequiredError, bool) {
	var ar *ApprovalRequiredError
	if errors.As(err, &ar) {
		return ar, true
	}
	return nil, false
}

// IsMissingScope reports whether err is a scope failure.
func IsMissingScope(err error) bool {
	var se *ScopeError
	return errors.As(err, &se)
}

// Engine gates tool invocations behind scopes and the approval store.
type Engine struct {
	approvals *approvals.Store
	timeout   time.Duration
}

// NewEngine returns an engine using the store's default approval timeout.
func NewEngine(store *approvals.Store) *Engine {
	return &Engine{approvals: store, timeout: approvals.DefaultTimeout}
}

// RequireScope fails with *ScopeError unless the context holds scope.
func (e *Engine) RequireScope(actx *AuthContext, scope Scope) error {
	if !actx.HasScope(scope) {
		return &ScopeError{Scope: scope}
	}
	return nil
}

// EnforceWriteScope is shorthand for RequireScope(write).
func (e *Engine) EnforceWriteScope(actx *AuthContext) error {
	return e.RequireScope(actx, ScopeWrite)
}

// MaybeRequireApproval intercepts a tool call that needs human consent.
// When require is true it checks the approvals scope before touching
// the store, so an unauthorised caller never leaves a dangling pending
// record, then persists a pending approval and returns
// *ApprovalRequiredError.
func (e *Engine) MaybeRequireApproval(actx *AuthContext, sessionID, toolName string, args map[string]any, summary string, require bool, toolCallID string) error {
	if !require {
		return nil
	}
	if err := e.RequireScope(actx, ScopeApprovals); err != nil {
		return err
	}
	rec, err := e.approvals.Create(toolName, args, toolCallID, sessionID, summary, e.timeout)
	if err != nil {
		return fmt.Errorf("persist approval request: %w", err)
	}
	return &ApprovalRequiredError{ApprovalID: rec.ID, Summary: summary}
}
