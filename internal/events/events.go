package events

import (
	"context"

	"github.com/marketlink/messaging-backend/internal/models"
)

// Publisher delivers domain events to interested collaborators (notifiers,
// the websocket hub). Delivery is fire-and-forget: a publish failure is
// logged by the caller and never rolls back the message that caused it.
type Publisher interface {
	MessageSent(ctx context.Context, ev models.MessageSentEvent) error
	Close() error
}

// Nop discards events. Used when Redis is not configured; the system then
// runs in poll-only mode.
type Nop struct{}

func (Nop) MessageSent(context.Context, models.MessageSentEvent) error { return nil }
func (Nop) Close() error                                               { return nil }
