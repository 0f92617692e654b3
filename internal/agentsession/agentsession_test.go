package agentsession

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaygate/gateway/internal/event"
	"github.com/relaygate/gateway/internal/storage"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, context.Context) {
	t.Helper()
	s := storage.New(t.TempDir())
	return New(s, ttl), context.Background()
}

func testIDs() Identifiers {
	return Identifiers{ConversationID: "conv1", UserID: "user1", AssistantMessageID: "msg1"}
}

func TestStore_SaveAndFindByIdentifiers(t *testing.T) {
	s, ctx := newTestStore(t, time.Hour)
	ids := testIDs()

	_, err := s.CompleteRound(ctx, ids, 1, json.RawMessage(`{"step":1}`))
	if err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}

	found, err := s.FindByIdentifiers(ctx, ids)
	if err != nil {
		t.Fatalf("FindByIdentifiers failed: %v", err)
	}
	if found.CompletedRounds != 1 {
		t.Errorf("expected CompletedRounds=1, got %d", found.CompletedRounds)
	}
}

func TestStore_FindByIdentifiersMismatchedTupleNotFound(t *testing.T) {
	s, ctx := newTestStore(t, time.Hour)
	ids := testIDs()

	if _, err := s.CompleteRound(ctx, ids, 1, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}

	other := ids
	other.UserID = "someone-else"
	if _, err := s.FindByIdentifiers(ctx, other); err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound for mismatched tuple, got %v", err)
	}
}

func TestStore_CompleteRoundReplacesStateWholesale(t *testing.T) {
	s, ctx := newTestStore(t, time.Hour)
	ids := testIDs()

	if _, err := s.CompleteRound(ctx, ids, 1, json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatalf("round 1 failed: %v", err)
	}
	sess, err := s.CompleteRound(ctx, ids, 2, json.RawMessage(`{"b":2}`))
	if err != nil {
		t.Fatalf("round 2 failed: %v", err)
	}

	if sess.CompletedRounds != 2 {
		t.Errorf("expected CompletedRounds=2, got %d", sess.CompletedRounds)
	}
	if string(sess.State) != `{"b":2}` {
		t.Errorf("expected state replaced wholesale, got %s", sess.State)
	}
}

func TestStore_ResumeFromExistingSessionEmitsEvent(t *testing.T) {
	s, ctx := newTestStore(t, time.Hour)
	ids := testIDs()
	if _, err := s.CompleteRound(ctx, ids, 3, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}

	var received event.AgentSessionResumedData
	unsub := event.Subscribe(event.AgentSessionResumed, func(e event.Event) {
		received = e.Data.(event.AgentSessionResumedData)
	})
	defer unsub()

	plan, err := s.Resume(ctx, ids, 3)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if !plan.Resumed {
		t.Fatal("expected Resumed=true")
	}
	if plan.ContinueFromRound != 4 {
		t.Errorf("expected ContinueFromRound=4, got %d", plan.ContinueFromRound)
	}

	time.Sleep(10 * time.Millisecond)
	if received.ContinueFromRound != 4 {
		t.Errorf("expected resume event with ContinueFromRound=4, got %+v", received)
	}
}

func TestStore_ResumeWithNoSessionStartsFresh(t *testing.T) {
	s, ctx := newTestStore(t, time.Hour)

	plan, err := s.Resume(ctx, testIDs(), 5)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if plan.Resumed {
		t.Error("expected Resumed=false when no session exists")
	}
	if plan.ContinueFromRound != 1 {
		t.Errorf("expected ContinueFromRound=1, got %d", plan.ContinueFromRound)
	}
}

func TestStore_DeleteRemovesSession(t *testing.T) {
	s, ctx := newTestStore(t, time.Hour)
	ids := testIDs()
	if _, err := s.CompleteRound(ctx, ids, 1, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}

	if err := s.Delete(ctx, ids); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.FindByIdentifiers(ctx, ids); err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStore_FindByIdentifiersExpiredIsNotFound(t *testing.T) {
	s, ctx := newTestStore(t, 10*time.Millisecond)
	ids := testIDs()
	if _, err := s.CompleteRound(ctx, ids, 1, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CompleteRound failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := s.FindByIdentifiers(ctx, ids); err != storage.ErrNotFound {
		t.Errorf("expected ErrNotFound for expired session, got %v", err)
	}
}

func TestStore_CleanExpiredRemovesOnlyExpired(t *testing.T) {
	shortLived, ctx := newTestStore(t, 10*time.Millisecond)
	longLived := New(shortLived.storage, time.Hour)

	expiredIDs := Identifiers{ConversationID: "c1", UserID: "u1", AssistantMessageID: "expired"}
	freshIDs := Identifiers{ConversationID: "c1", UserID: "u1", AssistantMessageID: "fresh"}

	if _, err := shortLived.CompleteRound(ctx, expiredIDs, 1, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CompleteRound(expired) failed: %v", err)
	}
	if _, err := longLived.CompleteRound(ctx, freshIDs, 1, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("CompleteRound(fresh) failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	removed, err := shortLived.CleanExpired(ctx)
	if err != nil {
		t.Fatalf("CleanExpired failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}

	if _, err := longLived.FindByIdentifiers(ctx, freshIDs); err != nil {
		t.Errorf("expected fresh session to survive, got %v", err)
	}
}
