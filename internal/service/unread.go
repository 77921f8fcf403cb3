package service

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/metrics"
	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/marketlink/messaging-backend/internal/store"
)

// UnreadTracker reads the cached per-role unread counters and rebuilds them
// from the message log and read cursors on demand. The cache is a performance
// optimization only; the log and cursors stay authoritative, which is what
// makes HealAll safe after a crash.
type UnreadTracker struct {
	store store.Store
}

func NewUnreadTracker(st store.Store) *UnreadTracker {
	return &UnreadTracker{store: st}
}

// Count returns the caller's unread counter for one conversation in O(1).
func (t *UnreadTracker) Count(ctx context.Context, caller models.Caller, convID uuid.UUID) (int, error) {
	conv, err := t.store.GetConversation(ctx, convID)
	if err != nil {
		return 0, err
	}
	role, ok := conv.RoleOf(caller)
	if !ok {
		return 0, ErrNotAParticipant
	}
	return conv.Unread.Get(role), nil
}

// Recompute rebuilds all role counters for one conversation.
func (t *UnreadTracker) Recompute(ctx context.Context, convID uuid.UUID) (*models.Conversation, error) {
	conv, err := t.store.RecomputeUnread(ctx, convID)
	if err != nil {
		return nil, err
	}
	metrics.UnreadRecomputes.Inc()
	return conv, nil
}

// HealAll recomputes every conversation's counters. Run at startup so a crash
// between halves of a bugged write never leaves drift behind.
func (t *UnreadTracker) HealAll(ctx context.Context) error {
	ids, err := t.store.ConversationIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := t.Recompute(ctx, id); err != nil {
			log.Printf("Warning: failed to recompute unread counters for %s: %v", id, err)
		}
	}
	return nil
}
