package approvals

import (
	"os"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestLifecycle_AllowConsumeOnce(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.Create("exec.run", map[string]any{"command": "ls"}, "c2", "s1", "Execute a shell command", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}

	if !store.Resolve(rec.ID, DecisionAllow, "desktop") {
		t.Fatal("Resolve(allow) = false")
	}
	if got := store.Get(rec.ID); got.Status != StatusAllow || got.ResolvedBy != "desktop" {
		t.Fatalf("after resolve: %+v", got)
	}

	if !store.Consume(rec.ID) {
		t.Fatal("first Consume = false")
	}
	if store.Consume(rec.ID) {
		t.Fatal("second Consume succeeded; approvals must be single-use")
	}
	if got := store.Get(rec.ID); got.Status != StatusConsumed {
		t.Errorf("status = %s, want consumed", got.Status)
	}
}

func TestResolve_NonPending(t *testing.T) {
	store := newTestStore(t)
	rec, _ := store.Create("email.send", nil, "c1", "s1", "Send an email", 0)

	if !store.Resolve(rec.ID, DecisionDeny, "desktop") {
		t.Fatal("Resolve(deny) = false")
	}
	if store.Resolve(rec.ID, DecisionAllow, "desktop") {
		t.Fatal("Resolve on a denied record succeeded")
	}
	if store.Consume(rec.ID) {
		t.Fatal("Consume of a denied record succeeded")
	}
}

func TestResolve_MissingRecord(t *testing.T) {
	store := newTestStore(t)
	if store.Resolve("nope", DecisionAllow, "x") {
		t.Fatal("Resolve of missing record succeeded")
	}
	if store.Get("nope") != nil {
		t.Fatal("Get of missing record returned a value")
	}
}

func TestExpiry(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()
	store.now = func() time.Time { return base }

	rec, err := store.Create("exec.run", map[string]any{"command": "ls"}, "c1", "s1", "summary", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	store.now = func() time.Time { return base.Add(2 * time.Minute) }

	if store.Resolve(rec.ID, DecisionAllow, "x") {
		t.Fatal("Resolve after expiry succeeded")
	}
	if got := store.Get(rec.ID); got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestPending_ExpiresStaleAsSideEffect(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()
	store.now = func() time.Time { return base }

	stale, _ := store.Create("exec.run", nil, "c1", "s1", "old", time.Minute)

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh, _ := store.Create("email.send", nil, "c2", "s1", "new", time.Hour)

	pending := store.Pending()
	if len(pending) != 1 || pending[0].ID != fresh.ID {
		t.Fatalf("pending = %+v, want only the fresh record", pending)
	}
	if got := store.Get(stale.ID); got.Status != StatusExpired {
		t.Errorf("stale status = %s, want expired", got.Status)
	}
}

func TestPersistence_SurvivesReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	rec, _ := store.Create("exec.run", map[string]any{"command": "ls"}, "c1", "s1", "summary", time.Hour)
	store.Resolve(rec.ID, DecisionAllow, "desktop")

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.Get(rec.ID)
	if got == nil || got.Status != StatusAllow {
		t.Fatalf("reloaded record = %+v, want allow", got)
	}
	if got.Arguments["command"] != "ls" {
		t.Errorf("arguments lost on reload: %+v", got.Arguments)
	}
	if !reloaded.Consume(rec.ID) {
		t.Fatal("Consume after reload = false")
	}
}

func TestLoad_ToleratesMalformedSnapshot(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create("x", nil, "c", "s", "sum", 0); err != nil {
		t.Fatal(err)
	}

	// Corrupt the snapshot, then reload.
	if err := os.WriteFile(store.path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore on malformed snapshot: %v", err)
	}
	if got := reloaded.Pending(); len(got) != 0 {
		t.Errorf("pending after corrupt reload = %d records, want 0", len(got))
	}
}
