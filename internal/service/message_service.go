package service

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/events"
	"github.com/marketlink/messaging-backend/internal/metrics"
	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/marketlink/messaging-backend/internal/store"
)

// DefaultPageSize bounds every ListMessages page; callers resume with the
// last returned sequence.
const DefaultPageSize = 50

// MessageService owns the send path (validation, the atomic append triad,
// event fan-out) and the read-acknowledgement protocol.
type MessageService struct {
	store         store.Store
	events        events.Publisher
	pageSize      int
	retryAttempts int
}

func NewMessageService(st store.Store, pub events.Publisher, pageSize, retryAttempts int) *MessageService {
	if pub == nil {
		pub = events.Nop{}
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if retryAttempts <= 0 {
		retryAttempts = 1
	}
	return &MessageService{
		store:         st,
		events:        pub,
		pageSize:      pageSize,
		retryAttempts: retryAttempts,
	}
}

// Send validates and appends a message. On success the message carries its
// assigned sequence, every other participant's unread counter has been
// incremented in the same transaction, and a MessageSent event has been
// emitted (fire-and-forget).
func (s *MessageService) Send(ctx context.Context, sender models.Caller, convID uuid.UUID, req models.SendMessageRequest) (*models.Message, error) {
	msg := &models.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderRole:     sender.Role,
		SenderID:       sender.ID,
		Body:           req.Body,
		Attachments:    req.Attachments,
		ProductRefs:    req.ProductRefs,
	}
	if !msg.HasContent() {
		return nil, ErrEmptyMessage
	}
	for _, a := range msg.Attachments {
		if err := a.Validate(); err != nil {
			return nil, ErrInvalidAttachment
		}
	}

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.Status == models.StatusClosed {
		return nil, store.ErrConversationClosed
	}
	if sender.Role != models.RoleAssistant {
		// The assistant path is authenticated separately as a trusted
		// internal collaborator; everyone else must be a participant.
		role, ok := conv.RoleOf(sender)
		if !ok {
			return nil, ErrNotAParticipant
		}
		if role != sender.Role {
			return nil, ErrNotAParticipant
		}
		if conv.IsObserver(sender) {
			return nil, ErrForbidden
		}
	}

	// The triad is all-or-nothing, so retrying it wholesale after a
	// transient failure is safe.
	for attempt := 0; ; attempt++ {
		err = s.store.AppendMessage(ctx, msg)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrTransient) || attempt+1 >= s.retryAttempts {
			return nil, err
		}
		metrics.SendRetries.Inc()
	}

	metrics.MessagesSent.WithLabelValues(string(sender.Role)).Inc()
	ev := models.MessageSentEvent{
		ConversationID: convID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
		Recipients:     conv.RecipientsOf(sender.Role),
	}
	if err := s.events.MessageSent(ctx, ev); err != nil {
		log.Printf("Warning: failed to publish message event for %s: %v", convID, err)
	}
	return msg, nil
}

// AcknowledgeRead snapshots the highest sequence currently present and
// advances the reader's cursor to it, zeroing the unread counter with respect
// to that snapshot. Sends racing past the snapshot stay unread; a following
// poll reports them again. Idempotent when nothing new arrived.
func (s *MessageService) AcknowledgeRead(ctx context.Context, reader models.Caller, convID uuid.UUID) error {
	if !reader.Role.Reader() {
		return ErrForbidden
	}
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	role, ok := conv.RoleOf(reader)
	if !ok {
		return ErrNotAParticipant
	}
	if _, err := s.store.AcknowledgeRead(ctx, convID, role, reader.ID); err != nil {
		return err
	}
	metrics.ReadAcks.Inc()
	return nil
}

// ListMessages returns one ascending page of messages after the given
// sequence. Works on closed conversations; history stays readable.
func (s *MessageService) ListMessages(ctx context.Context, caller models.Caller, convID uuid.UUID, afterSeq int64) ([]models.Message, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.RoleOf(caller); !ok {
		// Admins retain read-only moderation visibility over commercial
		// conversations.
		if !(caller.Role == models.RoleAdmin && conv.Kind == models.KindCommercial) {
			return nil, ErrForbidden
		}
	}
	return s.store.ListMessages(ctx, convID, afterSeq, s.pageSize)
}
