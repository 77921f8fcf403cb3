package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/models"
)

var (
	// ErrNotFound is returned for unknown conversation or message ids.
	ErrNotFound = errors.New("not found")
	// ErrConversationClosed is returned when appending to a closed conversation.
	ErrConversationClosed = errors.New("conversation is closed")
	// ErrObserverTaken is returned when a different observer is already attached.
	ErrObserverTaken = errors.New("observer already attached")
	// ErrTransient marks failures where the atomic append triad could not
	// complete and left no partial state. Callers retry the whole operation.
	ErrTransient = errors.New("transient store failure")
)

// ListQuery narrows ListConversations. IncludeModerated additionally exposes
// all commercial conversations to admin callers (a visibility rule, not
// membership).
type ListQuery struct {
	Caller           models.Caller
	Status           models.ConversationStatus
	IncludeModerated bool
}

// Changes is everything that moved past a delivery watermark.
type Changes struct {
	Conversations []models.Conversation
	Messages      []models.Message
	Next          int64
}

// Store is the durable record behind the messaging services: conversations
// with their read cursors, and the per-conversation append-only message log.
//
// AppendMessage is the correctness-critical operation: appending the message
// with the next gap-free sequence, updating the conversation's last-message
// denormalization and incrementing every recipient's unread counter happen as
// one atomic unit. Implementations serialize it per conversation (a row lock
// or a per-conversation mutex), never globally.
type Store interface {
	// GetOrCreateConversation returns the active conversation for the exact
	// (participant-pair, context) tuple, creating it with zeroed counters and
	// cursors when absent. The bool reports whether a row was created.
	GetOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, bool, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context, q ListQuery) ([]models.Conversation, error)
	// CloseConversation sets status=closed; closing a closed conversation is
	// a no-op.
	CloseConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	// AttachObserver attaches an admin observer to a commercial conversation.
	// Attach-only: re-attaching the same admin is a no-op, a different admin
	// fails with ErrObserverTaken.
	AttachObserver(ctx context.Context, id, adminID uuid.UUID) (*models.Conversation, error)

	// AppendMessage runs the atomic append triad and fills in the message's
	// Seq, GlobalSeq and CreatedAt.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns up to limit messages with Seq > afterSeq in
	// ascending sequence order. A limit <= 0 returns everything after afterSeq.
	ListMessages(ctx context.Context, convID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error)

	// AcknowledgeRead snapshots the conversation's current highest sequence,
	// advances the role's cursor to it (forward only) and recomputes that
	// role's unread counter. Returns the resulting cursor position. Sends
	// committed after the snapshot stay unread.
	AcknowledgeRead(ctx context.Context, convID uuid.UUID, role models.Role, participantID uuid.UUID) (int64, error)
	GetCursor(ctx context.Context, convID uuid.UUID, role models.Role) (int64, error)

	// RecomputeUnread rebuilds every role counter for a conversation from the
	// message log and read cursors. Repair/audit path; the log and cursors
	// are the source of truth, the counters only a cache.
	RecomputeUnread(ctx context.Context, convID uuid.UUID) (*models.Conversation, error)
	ConversationIDs(ctx context.Context) ([]uuid.UUID, error)

	// ChangesSince returns the caller's conversations and messages whose
	// change stamp is past the watermark, plus the next watermark. Never
	// blocks; redelivery at the same watermark is possible and harmless.
	ChangesSince(ctx context.Context, caller models.Caller, since int64, maxMessages int) (*Changes, error)
}
