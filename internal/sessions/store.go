// Package sessions persists per-session conversation history as
// append-only JSONL files, one file per session id.
package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rovot/rovot/pkg/models"
)

// record is the on-disk shape of a single transcript entry.
type record struct {
	TS         int64             `json:"ts"`
	Role       models.Role       `json:"role"`
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
}

// Store reads and appends session logs under a base directory.
//
// The store itself does not serialise writers: callers hold the Locker's
// per-session lock for the duration of a turn, so each session file has a
// single writer at a time.
type Store struct {
	dir string
}

// NewStore creates the sessions directory if needed and returns a store.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// NewID returns a fresh session id.
func (s *Store) NewID() string { return uuid.NewString() }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

// Append writes one message to the session log. The write is a single
// buffered line so a crash can truncate at most the trailing record.
func (s *Store) Append(id string, msg models.Message) error {
	rec := record{
		TS:         time.Now().UnixMilli(),
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		ToolCalls:  msg.ToolCalls,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session record: %w", err)
	}

	f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append session record: %w", err)
	}
	return nil
}

// ReadAll returns the session's messages in append order. Malformed lines
// (including a crash-truncated trailing record) are skipped. An unknown
// session id yields an empty slice, not an error.
func (s *Store) ReadAll(id string) ([]models.Message, error) {
	f, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var out []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		out = append(out, models.Message{
			Role:       rec.Role,
			Content:    rec.Content,
			ToolCallID: rec.ToolCallID,
			ToolCalls:  rec.ToolCalls,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return out, nil
}

// List returns known session ids, sorted by file name.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".jsonl") {
			ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
		}
	}
	return ids, nil
}

// Locker hands out a mutex per session id so the boundary can serialise
// turns against the same session. Locks are refcounted and dropped when
// idle.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker returns an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sessionLock)}
}

// Lock acquires the lock for a session id and returns its release func.
func (l *Locker) Lock(sessionID string) func() {
	if strings.TrimSpace(sessionID) == "" {
		return func() {}
	}

	l.mu.Lock()
	lock := l.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}
