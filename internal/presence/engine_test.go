package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tipmeet/tippresence/internal/storage"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger)
}

func onlineDoc() PresenceDoc {
	return PresenceDoc{"status": "online"}
}

func offlineDoc() PresenceDoc {
	return PresenceDoc{"status": "offline"}
}

func TestEnginePutRejectsBadExpiry(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, "alice", onlineDoc(), 0, 0, ""); err != ErrExpireLimitExceeded {
		t.Errorf("expires_s=0: got %v, want ErrExpireLimitExceeded", err)
	}
	if _, err := e.Put(ctx, "alice", onlineDoc(), MaxExpireSeconds+1, 0, ""); err != ErrExpireLimitExceeded {
		t.Errorf("expires_s over max: got %v, want ErrExpireLimitExceeded", err)
	}
}

func TestEnginePutRejectsUnknownStatus(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	bad := PresenceDoc{"status": "busy"}
	if _, err := e.Put(ctx, "alice", bad, 60, 0, ""); err != ErrUnknownStatus {
		t.Errorf("got %v, want ErrUnknownStatus", err)
	}
}

func TestEnginePutGeneratesTagWhenAbsent(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	tag, err := e.Put(ctx, "alice", onlineDoc(), 60, 0, "")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if tag == "" {
		t.Fatal("expected a generated tag")
	}
}

func TestEnginePutThenGet(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, "alice", onlineDoc(), 60, 0, "mobile"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	statuses, err := e.Get(ctx, "alice", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Tag != "mobile" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}

	view, err := e.Aggregated(ctx, "alice")
	if err != nil {
		t.Fatalf("Aggregated: %v", err)
	}
	if s, _ := view.StatusValue(); s != "online" {
		t.Errorf("expected online, got %v", view)
	}
}

func TestEngineAggregatesAcrossTagsAndPriority(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, "bob", offlineDoc(), 60, 5, "desktop"); err != nil {
		t.Fatalf("Put desktop: %v", err)
	}
	if _, err := e.Put(ctx, "bob", onlineDoc(), 60, 0, "mobile"); err != nil {
		t.Fatalf("Put mobile: %v", err)
	}

	view, err := e.Aggregated(ctx, "bob")
	if err != nil {
		t.Fatalf("Aggregated: %v", err)
	}
	if s, _ := view.StatusValue(); s != "offline" {
		t.Errorf("expected the high-priority offline desktop to win, got %v", view)
	}
}

func TestEngineUpdateUnknownTagReturnsFalse(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	ok, err := e.Update(ctx, "carol", "ghost", 60)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ok {
		t.Error("expected ok=false for unknown tag")
	}
}

func TestEngineUpdateExtendsExpiry(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.Put(ctx, "carol", onlineDoc(), 1, 0, "laptop"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err := e.Update(ctx, "carol", "laptop", 60)
	if err != nil || !ok {
		t.Fatalf("Update: ok=%v err=%v", ok, err)
	}

	time.Sleep(1200 * time.Millisecond)

	statuses, err := e.Get(ctx, "carol", "laptop")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected the extended status to still be live, got %+v", statuses)
	}
}

func TestEngineRemove(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.Put(ctx, "dan", onlineDoc(), 60, 0, "tag1"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if ok := e.Remove(ctx, "dan", "tag1"); !ok {
		t.Fatal("expected Remove to report ok=true")
	}
	if ok := e.Remove(ctx, "dan", "tag1"); ok {
		t.Error("expected second Remove to report ok=false")
	}

	statuses, err := e.Get(ctx, "dan", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("expected no statuses after Remove, got %+v", statuses)
	}
}

func TestEngineExpiryRemovesStatusAndResource(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.Put(ctx, "erin", onlineDoc(), 1, 0, "tag1"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(1200 * time.Millisecond)

	statuses, err := e.Get(ctx, "erin", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("expected status to have expired, got %+v", statuses)
	}

	dump, err := e.Dump(ctx)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if _, ok := dump["erin"]; ok {
		t.Error("expected the emptied resource to be dropped from Dump")
	}
}

func TestEngineDumpCoversMultipleResources(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()
	if _, err := e.Put(ctx, "alice", onlineDoc(), 60, 0, "t1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.Put(ctx, "bob", offlineDoc(), 60, 0, "t1"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dump, err := e.Dump(ctx)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	if len(dump) != 2 {
		t.Fatalf("expected 2 resources, got %d: %+v", len(dump), dump)
	}
}

func TestEngineWatcherNotifiedOnPutUpdateRemove(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	var seen []string
	e.Watch(func(resource string, view PresenceDoc) {
		s, _ := view.StatusValue()
		seen = append(seen, resource+":"+s)
	})

	if _, err := e.Put(ctx, "frank", onlineDoc(), 60, 0, "t1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.Update(ctx, "frank", "t1", 60); err != nil {
		t.Fatalf("Update: %v", err)
	}
	e.Remove(ctx, "frank", "t1")

	want := []string{"frank:online", "frank:online", "frank:offline"}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestEngineWatcherPanicDoesNotAbortOthers(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	var secondCalled bool
	e.Watch(func(resource string, view PresenceDoc) { panic("boom") })
	e.Watch(func(resource string, view PresenceDoc) { secondCalled = true })

	if _, err := e.Put(ctx, "grace", onlineDoc(), 60, 0, ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !secondCalled {
		t.Error("expected second watcher to run despite first panicking")
	}
}

func TestEngineStatsCountOperations(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	if _, err := e.Put(ctx, "heidi", onlineDoc(), 60, 0, "t1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e.Get(ctx, "heidi", ""); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := e.Update(ctx, "heidi", "t1", 60); err != nil {
		t.Fatalf("Update: %v", err)
	}
	e.Remove(ctx, "heidi", "t1")
	if _, err := e.Dump(ctx); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	snap := e.Stats()
	if snap.PresencePut != 1 || snap.PresenceGotten != 1 || snap.PresenceUpdated != 1 ||
		snap.PresenceRemoved != 1 || snap.PresenceDumped != 1 {
		t.Errorf("unexpected stats snapshot: %+v", snap)
	}
}

func TestEngineRecoversTimersAfterRestart(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	e1 := New(store, logger)
	if _, err := e1.Put(ctx, "ivan", onlineDoc(), 60, 0, "t1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := e1.Put(ctx, "ivan", onlineDoc(), 1, 0, "t2"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Simulate a process restart: a fresh engine over the same store must
	// rebuild its in-memory timers from the durable mirror (spec §4.2).
	e2 := New(store, logger)

	statuses, err := e2.Get(ctx, "ivan", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected both statuses to survive recovery, got %+v", statuses)
	}

	time.Sleep(1200 * time.Millisecond)

	statuses, err = e2.Get(ctx, "ivan", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Tag != "t1" {
		t.Fatalf("expected only the long-lived status to survive, got %+v", statuses)
	}
}
