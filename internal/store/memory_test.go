package store

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/models"
)

func newCommercialConversation(t *testing.T, s Store) (*models.Conversation, models.Caller, models.Caller) {
	t.Helper()

	buyer := models.Caller{ID: uuid.New(), Role: models.RoleBuyer}
	supplier := models.Caller{ID: uuid.New(), Role: models.RoleSupplier}
	conv, created, err := s.GetOrCreateConversation(context.Background(), &models.Conversation{
		Kind:            models.KindCommercial,
		BuyerID:         buyer.ID,
		CounterpartRole: models.RoleSupplier,
		CounterpartID:   supplier.ID,
	})
	if err != nil {
		t.Fatalf("GetOrCreateConversation error: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh conversation")
	}
	return conv, buyer, supplier
}

func appendFrom(t *testing.T, s Store, convID uuid.UUID, sender models.Caller, body string) *models.Message {
	t.Helper()

	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderRole:     sender.Role,
		SenderID:       sender.ID,
		Body:           body,
	}
	if err := s.AppendMessage(context.Background(), msg); err != nil {
		t.Fatalf("AppendMessage error: %v", err)
	}
	return msg
}

func TestConcurrentSendsAreGapFree(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, supplier := newCommercialConversation(t, s)

	const n = 100
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		sender := buyer
		if i%2 == 1 {
			sender = supplier
		}
		wg.Add(1)
		go func(sender models.Caller) {
			defer wg.Done()
			errs <- s.AppendMessage(context.Background(), &models.Message{
				ID:             uuid.New(),
				ConversationID: conv.ID,
				SenderRole:     sender.Role,
				SenderID:       sender.ID,
				Body:           "hi",
			})
		}(sender)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AppendMessage error: %v", err)
		}
	}

	msgs, err := s.ListMessages(context.Background(), conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
	seen := make(map[int64]bool, n)
	for _, m := range msgs {
		seen[m.Seq] = true
	}
	for seq := int64(1); seq <= n; seq++ {
		if !seen[seq] {
			t.Fatalf("sequence %d missing: set is not exactly {1..%d}", seq, n)
		}
	}
}

func TestCreatedAtMonotonicWithinConversation(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, _ := newCommercialConversation(t, s)

	for i := 0; i < 20; i++ {
		appendFrom(t, s, conv.ID, buyer, "tick")
	}
	msgs, err := s.ListMessages(context.Background(), conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages error: %v", err)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("created_at went backwards between seq %d and %d", msgs[i-1].Seq, msgs[i].Seq)
		}
	}
}

// TestNoCounterDriftUnderRandomInterleavings hammers one conversation with
// concurrent sends and acknowledgements, then checks the cached counters
// against a from-scratch recompute. They must agree at every quiescent point.
func TestNoCounterDriftUnderRandomInterleavings(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, supplier := newCommercialConversation(t, s)

	const ops = 200
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < ops; i++ {
				actor := buyer
				if rng.Intn(2) == 1 {
					actor = supplier
				}
				if rng.Intn(3) == 0 {
					s.AcknowledgeRead(context.Background(), conv.ID, actor.Role, actor.ID)
				} else {
					s.AppendMessage(context.Background(), &models.Message{
						ID:             uuid.New(),
						ConversationID: conv.ID,
						SenderRole:     actor.Role,
						SenderID:       actor.ID,
						Body:           "x",
					})
				}
			}
		}(int64(w) + 1)
	}
	wg.Wait()

	before, err := s.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("GetConversation error: %v", err)
	}
	after, err := s.RecomputeUnread(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("RecomputeUnread error: %v", err)
	}
	if before.Unread != after.Unread {
		t.Fatalf("cached counters drifted: cached=%+v recomputed=%+v", before.Unread, after.Unread)
	}
}

// TestAcknowledgeSnapshotSemantics is the send/acknowledge race pinned down
// deterministically: a message committed after the acknowledge snapshot must
// stay unread.
func TestAcknowledgeSnapshotSemantics(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, supplier := newCommercialConversation(t, s)

	appendFrom(t, s, conv.ID, buyer, "first")
	cursor, err := s.AcknowledgeRead(context.Background(), conv.ID, supplier.Role, supplier.ID)
	if err != nil {
		t.Fatalf("AcknowledgeRead error: %v", err)
	}
	if cursor != 1 {
		t.Fatalf("expected cursor 1, got %d", cursor)
	}

	// The racing send lands after the snapshot.
	appendFrom(t, s, conv.ID, buyer, "second")

	got, err := s.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("GetConversation error: %v", err)
	}
	if got.Unread.Supplier != 1 {
		t.Fatalf("expected supplier unread 1 after post-snapshot send, got %d", got.Unread.Supplier)
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, supplier := newCommercialConversation(t, s)

	appendFrom(t, s, conv.ID, buyer, "hello")

	first, err := s.AcknowledgeRead(context.Background(), conv.ID, supplier.Role, supplier.ID)
	if err != nil {
		t.Fatalf("AcknowledgeRead error: %v", err)
	}
	second, err := s.AcknowledgeRead(context.Background(), conv.ID, supplier.Role, supplier.ID)
	if err != nil {
		t.Fatalf("second AcknowledgeRead error: %v", err)
	}
	if first != second {
		t.Fatalf("cursor moved without new messages: %d then %d", first, second)
	}

	got, _ := s.GetConversation(context.Background(), conv.ID)
	if got.Unread.Supplier != 0 {
		t.Fatalf("expected supplier unread 0, got %d", got.Unread.Supplier)
	}
}

func TestCursorNeverRegresses(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, supplier := newCommercialConversation(t, s)

	appendFrom(t, s, conv.ID, buyer, "one")
	appendFrom(t, s, conv.ID, buyer, "two")

	if _, err := s.AcknowledgeRead(context.Background(), conv.ID, supplier.Role, supplier.ID); err != nil {
		t.Fatalf("AcknowledgeRead error: %v", err)
	}
	cursor, err := s.GetCursor(context.Background(), conv.ID, models.RoleSupplier)
	if err != nil {
		t.Fatalf("GetCursor error: %v", err)
	}
	if cursor != 2 {
		t.Fatalf("expected cursor 2, got %d", cursor)
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	s := NewMemoryStore()

	buyer := uuid.New()
	supplier := uuid.New()
	conv := models.Conversation{
		Kind:            models.KindCommercial,
		BuyerID:         buyer,
		CounterpartRole: models.RoleSupplier,
		CounterpartID:   supplier,
		ContextRef:      "product-42",
	}

	first, created, err := s.GetOrCreateConversation(context.Background(), &conv)
	if err != nil || !created {
		t.Fatalf("expected create, got created=%v err=%v", created, err)
	}
	second, created, err := s.GetOrCreateConversation(context.Background(), &conv)
	if err != nil || created {
		t.Fatalf("expected get, got created=%v err=%v", created, err)
	}
	if first.ID != second.ID {
		t.Fatalf("same tuple produced different conversations: %s vs %s", first.ID, second.ID)
	}

	// A different context is a different conversation.
	other := conv
	other.ContextRef = "rfq-7"
	third, created, err := s.GetOrCreateConversation(context.Background(), &other)
	if err != nil || !created {
		t.Fatalf("expected create for new context, got created=%v err=%v", created, err)
	}
	if third.ID == first.ID {
		t.Fatal("different context returned the same conversation")
	}
}

func TestClosedConversationRejectsAppendsKeepsHistory(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, _ := newCommercialConversation(t, s)

	appendFrom(t, s, conv.ID, buyer, "before close")
	if _, err := s.CloseConversation(context.Background(), conv.ID); err != nil {
		t.Fatalf("CloseConversation error: %v", err)
	}

	err := s.AppendMessage(context.Background(), &models.Message{
		ID:             uuid.New(),
		ConversationID: conv.ID,
		SenderRole:     buyer.Role,
		SenderID:       buyer.ID,
		Body:           "after close",
	})
	if err != ErrConversationClosed {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}

	msgs, err := s.ListMessages(context.Background(), conv.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListMessages on closed conversation error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "before close" {
		t.Fatalf("closed conversation history wrong: %+v", msgs)
	}

	// Closing again is a no-op.
	if _, err := s.CloseConversation(context.Background(), conv.ID); err != nil {
		t.Fatalf("second CloseConversation error: %v", err)
	}
}

func TestChangesSinceWatermark(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, supplier := newCommercialConversation(t, s)

	ch, err := s.ChangesSince(context.Background(), supplier, 0, 100)
	if err != nil {
		t.Fatalf("ChangesSince error: %v", err)
	}
	if len(ch.Conversations) != 1 || len(ch.Messages) != 0 {
		t.Fatalf("expected the new conversation and no messages, got %d/%d", len(ch.Conversations), len(ch.Messages))
	}

	appendFrom(t, s, conv.ID, buyer, "hello")
	ch2, err := s.ChangesSince(context.Background(), supplier, ch.Next, 100)
	if err != nil {
		t.Fatalf("ChangesSince error: %v", err)
	}
	if len(ch2.Messages) != 1 || ch2.Messages[0].Body != "hello" {
		t.Fatalf("expected the new message, got %+v", ch2.Messages)
	}
	if len(ch2.Conversations) != 1 {
		t.Fatalf("expected the updated conversation, got %d", len(ch2.Conversations))
	}

	// Quiet system: nothing new past the watermark.
	ch3, err := s.ChangesSince(context.Background(), supplier, ch2.Next, 100)
	if err != nil {
		t.Fatalf("ChangesSince error: %v", err)
	}
	if len(ch3.Conversations) != 0 || len(ch3.Messages) != 0 {
		t.Fatalf("expected empty delta, got %d/%d", len(ch3.Conversations), len(ch3.Messages))
	}

	// Strangers see nothing.
	stranger := models.Caller{ID: uuid.New(), Role: models.RoleSupplier}
	ch4, err := s.ChangesSince(context.Background(), stranger, 0, 100)
	if err != nil {
		t.Fatalf("ChangesSince error: %v", err)
	}
	if len(ch4.Conversations) != 0 || len(ch4.Messages) != 0 {
		t.Fatal("stranger received another participant's delta")
	}
}

func TestChangesSinceFullPageCapsToken(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, supplier := newCommercialConversation(t, s)

	for i := 0; i < 5; i++ {
		appendFrom(t, s, conv.ID, buyer, "m")
	}

	got := 0
	token := int64(0)
	for i := 0; i < 10 && got < 5; i++ {
		ch, err := s.ChangesSince(context.Background(), supplier, token, 2)
		if err != nil {
			t.Fatalf("ChangesSince error: %v", err)
		}
		got += len(ch.Messages)
		if ch.Next == token && len(ch.Messages) == 0 {
			break
		}
		token = ch.Next
	}
	if got != 5 {
		t.Fatalf("paged poll lost messages: saw %d of 5", got)
	}
}

func TestObserverAttachIsAttachOnly(t *testing.T) {
	s := NewMemoryStore()
	conv, _, _ := newCommercialConversation(t, s)

	admin1 := uuid.New()
	admin2 := uuid.New()

	got, err := s.AttachObserver(context.Background(), conv.ID, admin1)
	if err != nil {
		t.Fatalf("AttachObserver error: %v", err)
	}
	if got.ObserverID == nil || *got.ObserverID != admin1 {
		t.Fatalf("observer not attached: %+v", got.ObserverID)
	}

	// Same admin again: no-op.
	if _, err := s.AttachObserver(context.Background(), conv.ID, admin1); err != nil {
		t.Fatalf("re-attach error: %v", err)
	}

	// A different admin cannot displace the first.
	if _, err := s.AttachObserver(context.Background(), conv.ID, admin2); err != ErrObserverTaken {
		t.Fatalf("expected ErrObserverTaken, got %v", err)
	}
}

func TestRecomputeHealsDrift(t *testing.T) {
	s := NewMemoryStore()
	conv, buyer, _ := newCommercialConversation(t, s)

	appendFrom(t, s, conv.ID, buyer, "one")
	appendFrom(t, s, conv.ID, buyer, "two")

	// Simulate a crash that corrupted the cached counter.
	st, _ := s.get(conv.ID)
	st.mu.Lock()
	st.conv.Unread.Supplier = 9
	st.mu.Unlock()

	healed, err := s.RecomputeUnread(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("RecomputeUnread error: %v", err)
	}
	if healed.Unread.Supplier != 2 {
		t.Fatalf("expected supplier unread 2 after heal, got %d", healed.Unread.Supplier)
	}
}

func TestUnknownConversation(t *testing.T) {
	s := NewMemoryStore()
	id := uuid.New()

	if _, err := s.GetConversation(context.Background(), id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.ListMessages(context.Background(), id, 0, 10); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.AcknowledgeRead(context.Background(), id, models.RoleBuyer, uuid.New()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
