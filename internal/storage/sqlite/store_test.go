package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestSession(t *testing.T, store *Store, timeout time.Duration) *domain.StreamSession {
	t.Helper()
	ctx := context.Background()

	conv := &domain.Conversation{ID: "conv_" + t.Name()}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	sess := domain.NewStreamSession(conv.ID, "gemma-3-4b", timeout)
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, 30*time.Second)

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.ID != sess.ID || got.ConversationID != sess.ConversationID || got.Model != sess.Model {
		t.Errorf("roundtrip mismatch: got %+v", got)
	}
	if got.Status != domain.StatusActive {
		t.Errorf("Status = %v, want ACTIVE", got.Status)
	}
	if got.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", got.Timeout)
	}
	if got.EndedAt != nil {
		t.Error("EndedAt must be nil for ACTIVE sessions")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSession(context.Background(), "sess_missing")
	if domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestCreateSessionDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)

	dup := sess.Clone()
	err := store.CreateSession(ctx, dup)
	if domain.KindOf(err) != domain.KindConflict {
		t.Errorf("expected conflict for duplicate id, got %v", err)
	}
}

func TestAppendToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)

	got, err := store.AppendToken(ctx, sess.ID, "Hel")
	if err != nil {
		t.Fatalf("AppendToken failed: %v", err)
	}
	if got.PartialResponse != "Hel" || got.TokenCount != 1 {
		t.Errorf("after first token: %q / %d", got.PartialResponse, got.TokenCount)
	}

	got, err = store.AppendToken(ctx, sess.ID, "lo")
	if err != nil {
		t.Fatalf("AppendToken failed: %v", err)
	}
	if got.PartialResponse != "Hello" || got.TokenCount != 2 {
		t.Errorf("after second token: %q / %d", got.PartialResponse, got.TokenCount)
	}
}

func TestAppendTokenMissesTerminalSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)
	if _, err := store.TerminateSession(ctx, sess.ID, domain.ReasonUserRequested, ""); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	got, err := store.AppendToken(ctx, sess.ID, "late")
	if err != nil {
		t.Fatalf("AppendToken should degrade gracefully, got %v", err)
	}
	if got != nil {
		t.Error("append against a terminal session must be a no-op")
	}

	// Absent rows behave the same way.
	got, err = store.AppendToken(ctx, "sess_missing", "x")
	if err != nil || got != nil {
		t.Errorf("append against a missing session: got %v, %v", got, err)
	}
}

func TestTerminateSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)
	if _, err := store.AppendToken(ctx, sess.ID, "partial"); err != nil {
		t.Fatal(err)
	}

	got, err := store.TerminateSession(ctx, sess.ID, domain.ReasonUserRequested, "")
	if err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("first termination must win")
	}
	if got.Status != domain.StatusTerminated {
		t.Errorf("Status = %v, want TERMINATED", got.Status)
	}
	if got.TerminationReason != domain.ReasonUserRequested {
		t.Errorf("TerminationReason = %v", got.TerminationReason)
	}
	if got.EndedAt == nil {
		t.Error("EndedAt must be set at the terminal transition")
	}
	if got.PartialResponse != "partial" {
		t.Errorf("partial response lost: %q", got.PartialResponse)
	}

	// Second attempt loses quietly.
	again, err := store.TerminateSession(ctx, sess.ID, domain.ReasonTimeout, "")
	if err != nil {
		t.Fatalf("second TerminateSession errored: %v", err)
	}
	if again != nil {
		t.Error("second termination must observe zero rows")
	}

	// The winning transition sticks.
	final, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.TerminationReason != domain.ReasonUserRequested {
		t.Errorf("reason overwritten: %v", final.TerminationReason)
	}
}

func TestTerminateSessionWithErrorMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)

	got, err := store.TerminateSession(ctx, sess.ID, domain.ReasonError, "backend exploded")
	if err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if got.Status != domain.StatusError {
		t.Errorf("Status = %v, want ERROR", got.Status)
	}
	if got.ErrorMessage != "backend exploded" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestTerminateRaceHasOneWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)

	const n = 8
	winners := make(chan *domain.StreamSession, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.TerminateSession(ctx, sess.ID, domain.ReasonUserRequested, "")
			if err != nil {
				t.Errorf("TerminateSession errored: %v", err)
				return
			}
			if got != nil {
				winners <- got
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	if count != 1 {
		t.Errorf("winners = %d, want exactly 1", count)
	}
}

func TestCompleteSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)

	got, err := store.CompleteSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("Status = %v, want COMPLETED", got.Status)
	}
	if got.TerminationReason != "" {
		t.Errorf("completion must not set a termination reason, got %v", got.TerminationReason)
	}

	// Completion and termination are mutually exclusive.
	if again, _ := store.TerminateSession(ctx, sess.ID, domain.ReasonUserRequested, ""); again != nil {
		t.Error("terminate after complete must lose")
	}
}

func TestCommitPartialResponseAsMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)
	if _, err := store.AppendToken(ctx, sess.ID, "Hello"); err != nil {
		t.Fatal(err)
	}

	msg, err := store.CommitPartialResponseAsMessage(ctx, sess.ID, sess.ConversationID, "Hello")
	if err != nil {
		t.Fatalf("CommitPartialResponseAsMessage failed: %v", err)
	}
	if msg.Role != "assistant" || msg.Content != "Hello" {
		t.Errorf("unexpected message: %+v", msg)
	}

	msgs, err := store.ListMessages(ctx, sess.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Errorf("message not persisted: %v", msgs)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PartialResponse != "Hello" {
		t.Errorf("session row not updated: %q", got.PartialResponse)
	}
}

func TestListExpiredAndCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expired := newTestSession(t, store, time.Millisecond)
	fresh := domain.NewStreamSession(expired.ConversationID, "m", time.Hour)
	if err := store.CreateSession(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)

	list, err := store.ListExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("ListExpiredSessions failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != expired.ID {
		t.Fatalf("expected only the expired session, got %v", list)
	}

	count, err := store.CleanupExpiredSessions(ctx)
	if err != nil {
		t.Fatalf("CleanupExpiredSessions failed: %v", err)
	}
	if count != 1 {
		t.Errorf("cleanup count = %d, want 1", count)
	}

	got, err := store.GetSession(ctx, expired.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusTerminated || got.TerminationReason != domain.ReasonTimeout {
		t.Errorf("expired session not timed out: %+v", got)
	}

	stillFresh, err := store.GetSession(ctx, fresh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stillFresh.Status != domain.StatusActive {
		t.Error("fresh session must survive cleanup")
	}

	// Cleanup is idempotent.
	count, err = store.CleanupExpiredSessions(ctx)
	if err != nil || count != 0 {
		t.Errorf("second cleanup = %d, %v; want 0, nil", count, err)
	}
}

func TestSessionStoreStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := newTestSession(t, store, time.Minute)
	b := domain.NewStreamSession(a.ConversationID, "m", time.Minute)
	if err := store.CreateSession(ctx, b); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TerminateSession(ctx, b.ID, domain.ReasonUserRequested, ""); err != nil {
		t.Fatal(err)
	}

	stats, err := store.SessionStoreStats(ctx)
	if err != nil {
		t.Fatalf("SessionStoreStats failed: %v", err)
	}
	if stats[domain.StatusActive] != 1 || stats[domain.StatusTerminated] != 1 {
		t.Errorf("unexpected stats: %v", stats)
	}
}

func TestDeleteSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := store.GetSession(ctx, sess.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Error("session should be gone")
	}
	if err := store.DeleteSession(ctx, sess.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("second delete should be not_found, got %v", err)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)
	if _, err := store.CommitPartialResponseAsMessage(ctx, sess.ID, sess.ConversationID, "hi"); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteConversation(ctx, sess.ConversationID); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}
	if _, err := store.GetSession(ctx, sess.ID); domain.KindOf(err) != domain.KindNotFound {
		t.Error("sessions must cascade with their conversation")
	}
	msgs, err := store.ListMessages(ctx, sess.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Error("messages must cascade with their conversation")
	}
}

func TestLifecycleEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := newTestSession(t, store, time.Minute)

	events := []*domain.LifecycleEvent{
		{Type: domain.LifecycleEventCreated, SessionID: sess.ID, ConversationID: sess.ConversationID},
		{Type: domain.LifecycleEventTerminated, SessionID: sess.ID, ConversationID: sess.ConversationID, Reason: domain.ReasonUserRequested, TokenCount: 2},
	}
	for _, ev := range events {
		if err := store.AppendLifecycleEvent(ctx, ev); err != nil {
			t.Fatalf("AppendLifecycleEvent failed: %v", err)
		}
	}

	got, err := store.ListLifecycleEvents(ctx, sess.ID, 10)
	if err != nil {
		t.Fatalf("ListLifecycleEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Type != domain.LifecycleEventCreated {
		t.Errorf("first event = %v", got[0].Type)
	}
	if got[1].Reason != domain.ReasonUserRequested || got[1].TokenCount != 2 {
		t.Errorf("unexpected terminated event: %+v", got[1])
	}
}
