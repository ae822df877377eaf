package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rovot/rovot/internal/approvals"
	"github.com/rovot/rovot/internal/auth"
	"github.com/rovot/rovot/internal/policy"
	"github.com/rovot/rovot/pkg/models"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type continueRequest struct {
	SessionID  string `json:"session_id"`
	ApprovalID string `json:"approval_id"`
}

type chatResponse struct {
	Reply             string            `json:"reply"`
	SessionID         string            `json:"session_id"`
	ToolCalls         []models.ToolCall `json:"tool_calls"`
	PendingApprovalID string            `json:"pending_approval_id,omitempty"`
}

type resolveRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.cfg.Sessions.NewID()
	}

	actx, _ := auth.AuthContextFromContext(r.Context())
	release := s.cfg.Locker.Lock(sessionID)
	defer release()

	// The turn outlives the request: a client disconnect must not abort
	// provider or tool work mid-flight, and results still land in the
	// session log.
	turnCtx := context.WithoutCancel(r.Context())
	resp, err := s.cfg.Executor.Run(turnCtx, actx, sessionID, req.Message)
	if err != nil {
		s.logger.Error("turn failed", "session_id", sessionID, "error", err)
		s.jsonError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeTurn(w, sessionID, resp)
}

func (s *Server) handleChatContinue(w http.ResponseWriter, r *http.Request) {
	var req continueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		s.jsonError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	actx, _ := auth.AuthContextFromContext(r.Context())
	release := s.cfg.Locker.Lock(req.SessionID)
	defer release()

	turnCtx := context.WithoutCancel(r.Context())
	resp, err := s.cfg.Executor.Resume(turnCtx, actx, req.SessionID, req.ApprovalID)
	if err != nil {
		s.logger.Error("resume failed", "session_id", req.SessionID, "error", err)
		s.jsonError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeTurn(w, req.SessionID, resp)
}

func (s *Server) writeTurn(w http.ResponseWriter, sessionID string, resp *models.AgentResponse) {
	toolCalls := resp.ToolCalls
	if toolCalls == nil {
		toolCalls = []models.ToolCall{}
	}
	s.jsonResponse(w, chatResponse{
		Reply:             resp.Reply,
		SessionID:         sessionID,
		ToolCalls:         toolCalls,
		PendingApprovalID: resp.PendingApprovalID,
	})
}

func (s *Server) handleApprovalsPending(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, policy.ScopeApprovals) {
		return
	}
	pending := s.cfg.Approvals.Pending()
	if pending == nil {
		pending = []*approvals.Approval{}
	}
	s.jsonResponse(w, map[string]any{"pending": pending})
}

func (s *Server) handleApprovalResolve(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, policy.ScopeApprovals) {
		return
	}
	id := r.PathValue("id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	decision := approvals.Decision(req.Decision)
	if decision != approvals.DecisionAllow && decision != approvals.DecisionDeny {
		s.jsonError(w, "decision must be allow or deny", http.StatusBadRequest)
		return
	}

	ok := s.cfg.Approvals.Resolve(id, decision, "console")
	if !ok {
		s.jsonError(w, "Approval not pending", http.StatusConflict)
		return
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Approvals.WithLabelValues(string(decision)).Inc()
	}
	if s.cfg.Audit != nil {
		s.cfg.Audit.Log("approval.resolved", map[string]any{"id": id, "decision": string(decision)})
	}
	if s.cfg.Hub != nil {
		s.cfg.Hub.Broadcast(models.EventApprovalResolved, map[string]any{
			"id": id, "decision": string(decision),
		})
	}
	s.jsonResponse(w, map[string]any{"ok": true})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if !s.requireScope(w, r, policy.ScopeAdmin) {
		return
	}
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.jsonError(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = parsed
	}

	s.jsonResponse(w, map[string]any{"entries": nonNil(s.cfg.Audit.Recent(n))})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cfg.Provider.ListModels(r.Context())
	if err != nil {
		s.logger.Warn("list models failed", "error", err)
		s.jsonError(w, "Model backend unreachable", http.StatusBadGateway)
		return
	}
	s.jsonResponse(w, map[string]any{"models": nonNil(ids)})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, map[string]any{"tools": s.cfg.Registry.Definitions()})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.cfg.Sessions.List()
	if err != nil {
		s.jsonError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{"sessions": nonNil(ids)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.Sessions.ReadAll(r.PathValue("id"))
	if err != nil {
		s.jsonError(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, map[string]any{"messages": nonNil(msgs)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, map[string]any{"status": "ok", "version": s.cfg.Version})
}

// requireScope writes a 403 and returns false when the caller lacks the
// scope.
func (s *Server) requireScope(w http.ResponseWriter, r *http.Request, scope policy.Scope) bool {
	actx, _ := auth.AuthContextFromContext(r.Context())
	if err := s.cfg.Policy.RequireScope(actx, scope); err != nil {
		s.jsonError(w, err.Error(), http.StatusForbidden)
		return false
	}
	return true
}

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// nonNil keeps list-shaped response fields as [] instead of null.
func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
