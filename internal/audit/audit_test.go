package audit

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := NewLogger(dir, nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return logger, dir
}

func TestRedaction(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"password", "password", true},
		{"embedded token", "session_token", true},
		{"api key", "api_key", true},
		{"apikey run together", "MyApiKey", true},
		{"authorization", "Authorization", true},
		{"plain key", "command", false},
		{"path", "path", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactMap(map[string]any{tt.key: "value"}, 0)
			redacted := got[tt.key] == Redacted
			if redacted != tt.want {
				t.Errorf("key %q redacted = %v, want %v", tt.key, redacted, tt.want)
			}
		})
	}
}

func TestRedaction_Nested(t *testing.T) {
	payload := map[string]any{
		"outer": map[string]any{
			"secret": "hunter2",
			"list": []any{
				map[string]any{"credential": "abc", "safe": "ok"},
			},
		},
	}
	got := redactMap(payload, 0)

	outer := got["outer"].(map[string]any)
	if outer["secret"] != Redacted {
		t.Errorf("nested secret not redacted: %v", outer["secret"])
	}
	item := outer["list"].([]any)[0].(map[string]any)
	if item["credential"] != Redacted {
		t.Errorf("credential inside list not redacted: %v", item["credential"])
	}
	if item["safe"] != "ok" {
		t.Errorf("safe value mangled: %v", item["safe"])
	}
}

func TestRedaction_DepthCap(t *testing.T) {
	// Build a chain deeper than the cap; must not recurse forever.
	payload := map[string]any{}
	cur := payload
	for i := 0; i < 50; i++ {
		next := map[string]any{}
		cur["level"] = next
		cur = next
	}
	cur["password"] = "deep"

	got := redactMap(payload, 0) // must terminate
	if got == nil {
		t.Fatal("redactMap returned nil")
	}
}

func TestLogAndRecent(t *testing.T) {
	logger, _ := newTestLogger(t)

	logger.Log("tool.invoked", map[string]any{"tool": "fs.read", "api_key": "k"})
	logger.Log("chat.reply", map[string]any{"session_id": "s1"})
	logger.Log("approval.resolved", map[string]any{"id": "a1", "decision": "allow"})

	recent := logger.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) = %d records, want 2", len(recent))
	}
	if recent[0].Event != "chat.reply" || recent[1].Event != "approval.resolved" {
		t.Errorf("unexpected tail order: %s, %s", recent[0].Event, recent[1].Event)
	}

	all := logger.Recent(10)
	if all[0].Payload["api_key"] != Redacted {
		t.Errorf("api_key written unredacted: %v", all[0].Payload["api_key"])
	}
}

func TestRecent_SkipsMalformedLines(t *testing.T) {
	logger, dir := newTestLogger(t)
	logger.Log("ok", nil)

	path := filepath.Join(dir, "audit.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("garbage line\n")
	f.Close()

	logger.Log("also-ok", nil)

	recent := logger.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("Recent = %d records, want 2 (malformed skipped)", len(recent))
	}
}
