// Package approvals tracks two-phase approval requests for high-risk
// tool execution. Records survive restarts: every mutation rewrites a
// whole-file JSON snapshot before returning.
package approvals

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAllow    Status = "allow"
	StatusDeny     Status = "deny"
	StatusExpired  Status = "expired"
	StatusConsumed Status = "consumed"
)

// Decision is a human resolution of a pending request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// DefaultTimeout is how long a pending request remains resolvable.
const DefaultTimeout = 5 * time.Minute

// Approval authorises exactly one future execution of a specific tool
// with specific arguments for a specific session.
//
// Once out of pending, the only further transition is allow -> consumed;
// deny, expired, and consumed are sinks.
type Approval struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"tool_arguments"`
	ToolCallID string         `json:"tool_call_id"`
	Summary    string         `json:"summary"`
	CreatedMS  int64          `json:"created_ms"`
	ExpiresMS  int64          `json:"expires_ms"`
	Status     Status         `json:"status"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	ResolvedMS int64          `json:"resolved_ms,omitempty"`
}

// Store is a persistent map of approval records keyed by id.
type Store struct {
	mu   sync.Mutex
	path string
	recs map[string]*Approval
	now  func() time.Time
}

// NewStore loads (or initialises) the approval snapshot under dataDir.
// A missing or malformed snapshot resets to empty.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		path: filepath.Join(dataDir, "approvals.json"),
		recs: make(map[string]*Approval),
		now:  time.Now,
	}
	s.load()
	return s, nil
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var recs []*Approval
	if err := json.Unmarshal(data, &recs); err != nil {
		return
	}
	for _, r := range recs {
		if r != nil && r.ID != "" {
			s.recs[r.ID] = r
		}
	}
}

// persist writes the snapshot. Caller holds s.mu.
func (s *Store) persist() error {
	recs := make([]*Approval, 0, len(s.recs))
	for _, r := range s.recs {
		recs = append(recs, r)
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode approvals: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write approvals: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace approvals: %w", err)
	}
	return nil
}

// Create persists a new pending request and returns it. A non-positive
// timeout falls back to DefaultTimeout.
func (s *Store) Create(toolName string, args map[string]any, toolCallID, sessionID, summary string, timeout time.Duration) (*Approval, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := s.now()
	rec := &Approval{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ToolName:   toolName,
		Arguments:  args,
		ToolCallID: toolCallID,
		Summary:    summary,
		CreatedMS:  now.UnixMilli(),
		ExpiresMS:  now.Add(timeout).UnixMilli(),
		Status:     StatusPending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
	if err := s.persist(); err != nil {
		delete(s.recs, rec.ID)
		return nil, err
	}
	copied := *rec
	return &copied, nil
}

// Get returns a copy of the record, or nil when absent.
func (s *Store) Get(id string) *Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil
	}
	copied := *rec
	return &copied
}

// Pending returns all still-valid pending requests. Records found
// pending but past their expiry are transitioned to expired as a side
// effect and persisted.
func (s *Store) Pending() []*Approval {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMS := s.now().UnixMilli()
	dirty := false
	var out []*Approval
	for _, rec := range s.recs {
		if rec.Status != StatusPending {
			continue
		}
		if nowMS > rec.ExpiresMS {
			rec.Status = StatusExpired
			dirty = true
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	if dirty {
		_ = s.persist()
	}
	return out
}

// Resolve applies a human decision to a pending record. It returns false
// without change when the record is absent, no longer pending, or expired
// at resolve time (expiry is recorded as a side effect).
func (s *Store) Resolve(id string, decision Decision, resolvedBy string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok || rec.Status != StatusPending {
		return false
	}
	now := s.now()
	if now.UnixMilli() > rec.ExpiresMS {
		rec.Status = StatusExpired
		_ = s.persist()
		return false
	}

	switch decision {
	case DecisionAllow:
		rec.Status = StatusAllow
	case DecisionDeny:
		rec.Status = StatusDeny
	default:
		return false
	}
	rec.ResolvedBy = resolvedBy
	rec.ResolvedMS = now.UnixMilli()
	if err := s.persist(); err != nil {
		rec.Status = StatusPending
		rec.ResolvedBy = ""
		rec.ResolvedMS = 0
		return false
	}
	return true
}

// Consume marks an allowed record as used. Approvals are single-use: a
// second Consume returns false, so a prior human decision can never
// authorise a second execution.
func (s *Store) Consume(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok || rec.Status != StatusAllow {
		return false
	}
	rec.Status = StatusConsumed
	if err := s.persist(); err != nil {
		rec.Status = StatusAllow
		return false
	}
	return true
}
