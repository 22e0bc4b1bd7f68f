package snapshot

import (
	"testing"
	"time"

	"github.com/dss-project/dss/internal/ratelimit"
	"github.com/dss-project/dss/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncThenReplayRestoresSession(t *testing.T) {
	s := openTestStore(t)
	r := registry.New(registry.Config{})

	sess, err := r.Create(registry.CreateRequest{
		ReservedSessionString: "ALFA-BRAVO",
		MaxParticipants:       4,
		ServerAddress:         "203.0.113.5",
		ServerPort:            27224,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Join(registry.JoinRequest{SessionString: "ALFA-BRAVO"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	s.syncOnce(r)

	restored := registry.New(registry.Config{})
	if err := s.Replay(restored, time.Now().UnixMilli()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got := restored.FindByID(sess.ID)
	if got == nil {
		t.Fatal("expected session to be restored")
	}
	if got.SessionString != "ALFA-BRAVO" {
		t.Errorf("session string = %q, want ALFA-BRAVO", got.SessionString)
	}
	if got.CurrentParticipants() != 1 {
		t.Errorf("participants = %d, want 1", got.CurrentParticipants())
	}
}

func TestReplaySkipsExpiredSessions(t *testing.T) {
	s := openTestStore(t)
	r := registry.New(registry.Config{})

	sess, err := r.Create(registry.CreateRequest{ReservedSessionString: "ALFA-BRAVO"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sess.ExpiresAtMs = time.Now().Add(-time.Hour).UnixMilli()
	s.syncOnce(r)

	restored := registry.New(registry.Config{})
	if err := s.Replay(restored, time.Now().UnixMilli()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if restored.FindByID(sess.ID) != nil {
		t.Error("expected expired session to be skipped on replay")
	}
}

func TestDeleteSessionRemovesRow(t *testing.T) {
	s := openTestStore(t)
	r := registry.New(registry.Config{})

	sess, err := r.Create(registry.CreateRequest{ReservedSessionString: "ALFA-BRAVO"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.syncOnce(r)
	if err := s.DeleteSession(sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	restored := registry.New(registry.Config{})
	if err := s.Replay(restored, time.Now().UnixMilli()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if restored.FindByID(sess.ID) != nil {
		t.Error("expected deleted session to be absent after replay")
	}
}

func TestRecordEventAndPrune(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.RecordEvent("203.0.113.1", ratelimit.ClassSessionCreate, true, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("record old event: %v", err)
	}
	if err := s.RecordEvent("203.0.113.1", ratelimit.ClassSessionCreate, false, now); err != nil {
		t.Fatalf("record recent event: %v", err)
	}

	if err := s.PruneRateEvents(now); err != nil {
		t.Fatalf("prune: %v", err)
	}

	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM rate_events").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row remaining after prune, got %d", count)
	}
}
