// Package audit provides a redacted, append-only record of daemon
// events. Records are newline-delimited JSON read back from the tail.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// redactTerms are matched case-insensitively as substrings of payload
// keys. Matching values are replaced with the redaction literal.
var redactTerms = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "authorization",
}

const (
	// Redacted replaces any value whose key matches a redaction term.
	Redacted = "**REDACTED**"

	// maxRedactDepth bounds recursion into adversarially nested payloads.
	maxRedactDepth = 10
)

// Record is one decoded audit entry.
type Record struct {
	TS      int64          `json:"ts"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Logger appends redacted events to a single JSONL file.
type Logger struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewLogger creates the audit log's parent directory and returns a
// logger writing to <dataDir>/audit.log.
func NewLogger(dataDir string, logger *slog.Logger) (*Logger, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		path:   filepath.Join(dataDir, "audit.log"),
		logger: logger.With("component", "audit"),
	}, nil
}

// Log appends one event. Sensitive payload values are redacted before
// anything touches disk.
func (l *Logger) Log(event string, payload map[string]any) {
	rec := Record{
		TS:      time.Now().UnixMilli(),
		Event:   event,
		Payload: redactMap(payload, 0),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("drop unencodable audit event", "event", event, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		l.logger.Warn("open audit log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.Warn("append audit log", "error", err)
	}
}

// Recent returns the last n decoded records, oldest first. Malformed
// lines are skipped.
func (l *Logger) Recent(n int) []Record {
	if n <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
		if len(out) > n {
			out = out[1:]
		}
	}
	return out
}

func shouldRedact(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range redactTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

func redactMap(payload map[string]any, depth int) map[string]any {
	if payload == nil {
		return nil
	}
	if depth >= maxRedactDepth {
		return map[string]any{}
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if shouldRedact(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v, depth+1)
	}
	return out
}

func redactValue(v any, depth int) any {
	if depth >= maxRedactDepth {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return redactMap(val, depth)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item, depth+1)
		}
		return out
	default:
		return v
	}
}
