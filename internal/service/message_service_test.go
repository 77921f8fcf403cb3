package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/events"
	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/marketlink/messaging-backend/internal/store"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []models.MessageSentEvent
}

func (p *capturingPublisher) MessageSent(_ context.Context, ev models.MessageSentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) last(t *testing.T) models.MessageSentEvent {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		t.Fatal("no event was published")
	}
	return p.events[len(p.events)-1]
}

// flakyStore fails AppendMessage with a transient error a fixed number of
// times before delegating.
type flakyStore struct {
	store.Store
	failures int
	calls    int
}

func (f *flakyStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	f.calls++
	if f.calls <= f.failures {
		return store.ErrTransient
	}
	return f.Store.AppendMessage(ctx, msg)
}

func newTestConversation(t *testing.T, st store.Store, kind models.ConversationKind) (*models.Conversation, models.Caller, models.Caller) {
	t.Helper()

	buyer := models.Caller{ID: uuid.New(), Role: models.RoleBuyer}
	counterpartRole := models.RoleSupplier
	if kind == models.KindSupport {
		counterpartRole = models.RoleAdmin
	}
	counterpart := models.Caller{ID: uuid.New(), Role: counterpartRole}
	conv, _, err := st.GetOrCreateConversation(context.Background(), &models.Conversation{
		Kind:            kind,
		BuyerID:         buyer.ID,
		CounterpartRole: counterpartRole,
		CounterpartID:   counterpart.ID,
	})
	if err != nil {
		t.Fatalf("GetOrCreateConversation error: %v", err)
	}
	return conv, buyer, counterpart
}

func TestSendIncrementsRecipientsOnly(t *testing.T) {
	st := store.NewMemoryStore()
	pub := &capturingPublisher{}
	svc := NewMessageService(st, pub, 0, 0)
	conv, buyer, _ := newTestConversation(t, st, models.KindCommercial)

	msg, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "need 500 units"})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", msg.Seq)
	}

	got, _ := st.GetConversation(context.Background(), conv.ID)
	if got.Unread.Supplier != 1 {
		t.Fatalf("expected supplier unread 1, got %d", got.Unread.Supplier)
	}
	if got.Unread.Buyer != 0 {
		t.Fatalf("sender's own unread moved: %d", got.Unread.Buyer)
	}
	if got.LastPreview != "need 500 units" {
		t.Fatalf("preview not denormalized: %q", got.LastPreview)
	}

	ev := pub.last(t)
	if ev.ConversationID != conv.ID || ev.Seq != 1 {
		t.Fatalf("published event wrong: %+v", ev)
	}
	if len(ev.Recipients) != 1 || ev.Recipients[0] != models.RoleSupplier {
		t.Fatalf("expected supplier as sole recipient, got %v", ev.Recipients)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, buyer, _ := newTestConversation(t, st, models.KindCommercial)

	if _, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}

	// Attachment-only messages are fine.
	msg, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{
		Attachments: []models.Attachment{{Name: "quote.pdf", Kind: models.AttachmentFile, URL: "https://cdn.example.com/quote.pdf"}},
	})
	if err != nil {
		t.Fatalf("attachment-only Send error: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", msg.Seq)
	}
}

func TestSendRejectsInvalidAttachment(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, buyer, _ := newTestConversation(t, st, models.KindCommercial)

	_, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{
		Attachments: []models.Attachment{{Name: "x", Kind: "video", URL: "https://cdn.example.com/x"}},
	})
	if !errors.Is(err, ErrInvalidAttachment) {
		t.Fatalf("expected ErrInvalidAttachment, got %v", err)
	}
}

func TestSendRejectsOutsiders(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, _, _ := newTestConversation(t, st, models.KindCommercial)

	outsider := models.Caller{ID: uuid.New(), Role: models.RoleSupplier}
	if _, err := svc.Send(context.Background(), outsider, conv.ID, models.SendMessageRequest{Body: "hi"}); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestObserverCannotSend(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, _, _ := newTestConversation(t, st, models.KindCommercial)

	admin := models.Caller{ID: uuid.New(), Role: models.RoleAdmin}
	if _, err := st.AttachObserver(context.Background(), conv.ID, admin.ID); err != nil {
		t.Fatalf("AttachObserver error: %v", err)
	}

	if _, err := svc.Send(context.Background(), admin, conv.ID, models.SendMessageRequest{Body: "hi"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for observer send, got %v", err)
	}
}

func TestAssistantSendsWithoutMembership(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, _, _ := newTestConversation(t, st, models.KindSupport)

	assistant := models.Caller{ID: uuid.New(), Role: models.RoleAssistant}
	msg, err := svc.Send(context.Background(), assistant, conv.ID, models.SendMessageRequest{Body: "suggested reply"})
	if err != nil {
		t.Fatalf("assistant Send error: %v", err)
	}
	if msg.SenderRole != models.RoleAssistant {
		t.Fatalf("sender role lost: %s", msg.SenderRole)
	}

	// Assistant messages count toward every reader's unread, same as any
	// other sender.
	got, _ := st.GetConversation(context.Background(), conv.ID)
	if got.Unread.Buyer != 1 || got.Unread.Admin != 1 {
		t.Fatalf("expected buyer/admin unread 1/1, got %d/%d", got.Unread.Buyer, got.Unread.Admin)
	}
}

func TestSendToClosedConversation(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, buyer, supplier := newTestConversation(t, st, models.KindCommercial)

	if _, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "before"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if _, err := st.CloseConversation(context.Background(), conv.ID); err != nil {
		t.Fatalf("CloseConversation error: %v", err)
	}

	if _, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "after"}); !errors.Is(err, store.ErrConversationClosed) {
		t.Fatalf("expected ErrConversationClosed, got %v", err)
	}

	// History stays readable for participants.
	msgs, err := svc.ListMessages(context.Background(), supplier, conv.ID, 0)
	if err != nil {
		t.Fatalf("ListMessages on closed conversation error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "before" {
		t.Fatalf("closed history wrong: %+v", msgs)
	}
}

func TestSendRetriesTransientFailures(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: 2}
	svc := NewMessageService(flaky, nil, 0, 3)
	conv, buyer, _ := newTestConversation(t, mem, models.KindCommercial)

	msg, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "hi"})
	if err != nil {
		t.Fatalf("Send should have succeeded after retries: %v", err)
	}
	if msg.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", msg.Seq)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 append attempts, got %d", flaky.calls)
	}
}

func TestSendGivesUpAfterRetryBudget(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, failures: 10}
	svc := NewMessageService(flaky, nil, 0, 3)
	conv, buyer, _ := newTestConversation(t, mem, models.KindCommercial)

	if _, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "hi"}); !errors.Is(err, store.ErrTransient) {
		t.Fatalf("expected ErrTransient after exhausting retries, got %v", err)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", flaky.calls)
	}
}

func TestAcknowledgeReadFlow(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, buyer, supplier := newTestConversation(t, st, models.KindCommercial)

	for i := 0; i < 3; i++ {
		if _, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "ping"}); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	if err := svc.AcknowledgeRead(context.Background(), supplier, conv.ID); err != nil {
		t.Fatalf("AcknowledgeRead error: %v", err)
	}
	got, _ := st.GetConversation(context.Background(), conv.ID)
	if got.Unread.Supplier != 0 {
		t.Fatalf("expected supplier unread 0 after ack, got %d", got.Unread.Supplier)
	}

	// Acking again with nothing new is a no-op.
	if err := svc.AcknowledgeRead(context.Background(), supplier, conv.ID); err != nil {
		t.Fatalf("idempotent AcknowledgeRead error: %v", err)
	}
}

func TestAssistantCannotAcknowledge(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, _, _ := newTestConversation(t, st, models.KindSupport)

	assistant := models.Caller{ID: uuid.New(), Role: models.RoleAssistant}
	if err := svc.AcknowledgeRead(context.Background(), assistant, conv.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestObserverSharesAdminCursor(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, buyer, _ := newTestConversation(t, st, models.KindCommercial)

	admin := models.Caller{ID: uuid.New(), Role: models.RoleAdmin}
	if _, err := st.AttachObserver(context.Background(), conv.ID, admin.ID); err != nil {
		t.Fatalf("AttachObserver error: %v", err)
	}
	if _, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "hi"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	got, _ := st.GetConversation(context.Background(), conv.ID)
	if got.Unread.Admin != 1 {
		t.Fatalf("expected admin unread 1, got %d", got.Unread.Admin)
	}
	if err := svc.AcknowledgeRead(context.Background(), admin, conv.ID); err != nil {
		t.Fatalf("observer AcknowledgeRead error: %v", err)
	}
	got, _ = st.GetConversation(context.Background(), conv.ID)
	if got.Unread.Admin != 0 {
		t.Fatalf("expected admin unread 0 after observer ack, got %d", got.Unread.Admin)
	}
}

func TestListMessagesPaging(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 2, 0)
	conv, buyer, supplier := newTestConversation(t, st, models.KindCommercial)

	for i := 0; i < 5; i++ {
		if _, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "m"}); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}

	var all []models.Message
	after := int64(0)
	for {
		page, err := svc.ListMessages(context.Background(), supplier, conv.ID, after)
		if err != nil {
			t.Fatalf("ListMessages error: %v", err)
		}
		if len(page) == 0 {
			break
		}
		if len(page) > 2 {
			t.Fatalf("page exceeded size: %d", len(page))
		}
		all = append(all, page...)
		after = page[len(page)-1].Seq
	}
	if len(all) != 5 {
		t.Fatalf("paging lost messages: got %d of 5", len(all))
	}
	for i, m := range all {
		if m.Seq != int64(i+1) {
			t.Fatalf("pages out of order at index %d: seq %d", i, m.Seq)
		}
	}
}

func TestListMessagesVisibility(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewMessageService(st, nil, 0, 0)
	conv, buyer, _ := newTestConversation(t, st, models.KindCommercial)

	if _, err := svc.Send(context.Background(), buyer, conv.ID, models.SendMessageRequest{Body: "hi"}); err != nil {
		t.Fatalf("Send error: %v", err)
	}

	outsider := models.Caller{ID: uuid.New(), Role: models.RoleSupplier}
	if _, err := svc.ListMessages(context.Background(), outsider, conv.ID, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for outsider, got %v", err)
	}

	// Any admin can read a commercial conversation for moderation.
	admin := models.Caller{ID: uuid.New(), Role: models.RoleAdmin}
	msgs, err := svc.ListMessages(context.Background(), admin, conv.ID, 0)
	if err != nil {
		t.Fatalf("admin moderation read error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
}

var _ events.Publisher = (*capturingPublisher)(nil)
