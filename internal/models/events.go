package models

import "github.com/google/uuid"

// Push event types carried over the websocket channel. The payloads reuse the
// poll shapes so the push transport can replace polling without changing the
// data contract.
const (
	EventDelta = "sync.delta"
	EventError = "error"
)

// WSMessage is the envelope for everything written to a websocket client.
type WSMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// MessageSentEvent is the domain event emitted after every successful send.
// Notifiers subscribe to it; its delivery is fire-and-forget and never rolls
// back the message.
type MessageSentEvent struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	Seq            int64     `json:"sequence"`
	Recipients     []Role    `json:"recipients"`
}

// PollResult is the delivery gateway payload: everything that changed since
// the caller's watermark token, plus the token to resume from.
type PollResult struct {
	Conversations []Conversation `json:"conversations"`
	Messages      []Message      `json:"messages"`
	Token         string         `json:"token"`
}
