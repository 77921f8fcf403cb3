package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment describes an already-uploaded blob. The core stores it opaquely
// and validates only the kind and that a URL is present; upload handling is
// the blob collaborator's job.
type Attachment struct {
	Name string         `json:"name"`
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
	Size int64          `json:"size"`
}

// Validate checks the syntactic constraints the core owns.
func (a Attachment) Validate() error {
	if a.Kind != AttachmentImage && a.Kind != AttachmentFile {
		return fmt.Errorf("unknown attachment kind %q", a.Kind)
	}
	if a.URL == "" {
		return fmt.Errorf("attachment url is required")
	}
	return nil
}

// Message is one immutable entry in a conversation's append-only log. Seq is
// per-conversation, gap-free and the sole ordering authority; GlobalSeq is a
// store-wide change stamp used by the delivery gateway's watermark.
type Message struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	ConversationID uuid.UUID    `json:"conversation_id" db:"conversation_id"`
	Seq            int64        `json:"sequence" db:"seq"`
	GlobalSeq      int64        `json:"-" db:"global_seq"`
	SenderRole     Role         `json:"sender_role" db:"sender_role"`
	SenderID       uuid.UUID    `json:"sender_id" db:"sender_id"`
	Body           string       `json:"body" db:"body"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ProductRefs    []string     `json:"product_refs,omitempty"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
}

// HasContent reports whether the message carries anything at all. A blank
// body is allowed only alongside an attachment or a product reference.
func (m *Message) HasContent() bool {
	return strings.TrimSpace(m.Body) != "" || len(m.Attachments) > 0 || len(m.ProductRefs) > 0
}

const previewRunes = 120

// Preview returns the denormalized listing preview for this message.
func (m *Message) Preview() string {
	if m.Body != "" {
		if utf8.RuneCountInString(m.Body) <= previewRunes {
			return m.Body
		}
		runes := []rune(m.Body)
		return string(runes[:previewRunes])
	}
	if len(m.Attachments) > 0 {
		if m.Attachments[0].Kind == AttachmentImage {
			return "[image]"
		}
		return "[file]"
	}
	if len(m.ProductRefs) > 0 {
		return "[product]"
	}
	return ""
}

// SendMessageRequest is the payload for posting a message.
type SendMessageRequest struct {
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
	ProductRefs []string     `json:"product_refs"`
}

// AssistantMessageRequest is the internal payload for automated senders. The
// sender identity is supplied by the trusted collaborator, not a JWT.
type AssistantMessageRequest struct {
	ConversationID uuid.UUID    `json:"conversation_id" binding:"required"`
	SenderID       uuid.UUID    `json:"sender_id" binding:"required"`
	Body           string       `json:"body"`
	Attachments    []Attachment `json:"attachments"`
	ProductRefs    []string     `json:"product_refs"`
}
