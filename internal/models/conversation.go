package models

import (
	"time"

	"github.com/google/uuid"
)

type ConversationStatus string

const (
	StatusActive ConversationStatus = "active"
	StatusClosed ConversationStatus = "closed"
)

// UnreadCounts holds the per-role unread counters denormalized onto the
// conversation. They are a cache over messages + read cursors and can always
// be rebuilt from those.
type UnreadCounts struct {
	Buyer    int `json:"unread_buyer"`
	Supplier int `json:"unread_supplier"`
	Admin    int `json:"unread_admin"`
}

// Get returns the counter for a reader role. Assistant has no counter.
func (u UnreadCounts) Get(role Role) int {
	switch role {
	case RoleBuyer:
		return u.Buyer
	case RoleSupplier:
		return u.Supplier
	case RoleAdmin:
		return u.Admin
	}
	return 0
}

// Set replaces the counter for a reader role.
func (u *UnreadCounts) Set(role Role, n int) {
	switch role {
	case RoleBuyer:
		u.Buyer = n
	case RoleSupplier:
		u.Supplier = n
	case RoleAdmin:
		u.Admin = n
	}
}

// Conversation is a durable thread between exactly one buyer and either an
// admin (support) or a supplier (commercial), optionally scoped to a product
// or RFQ reference the core never resolves.
type Conversation struct {
	ID              uuid.UUID          `json:"id" db:"id"`
	Kind            ConversationKind   `json:"kind" db:"kind"`
	BuyerID         uuid.UUID          `json:"buyer_id" db:"buyer_id"`
	CounterpartRole Role               `json:"counterpart_role" db:"counterpart_role"`
	CounterpartID   uuid.UUID          `json:"counterpart_id" db:"counterpart_id"`
	ObserverID      *uuid.UUID         `json:"observer_id,omitempty" db:"observer_id"`
	ContextRef      string             `json:"context_ref,omitempty" db:"context_ref"`
	Subject         string             `json:"subject,omitempty" db:"subject"`
	Status          ConversationStatus `json:"status" db:"status"`
	LastSeq         int64              `json:"last_seq" db:"last_seq"`
	LastMessageAt   time.Time          `json:"last_message_at" db:"last_message_at"`
	LastPreview     string             `json:"last_message_preview" db:"last_message_preview"`
	Unread          UnreadCounts       `json:"unread_counts"`
	Rev             int64              `json:"-" db:"rev"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// ReaderRoles returns the roles that hold a read cursor in this conversation:
// the buyer, the counterpart, and admin when an observer is attached to a
// commercial conversation. Support conversations already include admin as the
// counterpart.
func (c *Conversation) ReaderRoles() []Role {
	roles := []Role{RoleBuyer, c.CounterpartRole}
	if c.Kind == KindCommercial && c.ObserverID != nil {
		roles = append(roles, RoleAdmin)
	}
	return roles
}

// RecipientsOf returns the reader roles whose unread counter is incremented
// when senderRole posts a message: everyone who reads except the sender.
func (c *Conversation) RecipientsOf(senderRole Role) []Role {
	var out []Role
	for _, r := range c.ReaderRoles() {
		if r != senderRole {
			out = append(out, r)
		}
	}
	return out
}

// RoleOf resolves a participant identity to its role in this conversation.
// The second return is false for identities that are not participants.
func (c *Conversation) RoleOf(caller Caller) (Role, bool) {
	switch caller.Role {
	case RoleBuyer:
		if caller.ID == c.BuyerID {
			return RoleBuyer, true
		}
	case RoleSupplier:
		if c.CounterpartRole == RoleSupplier && caller.ID == c.CounterpartID {
			return RoleSupplier, true
		}
	case RoleAdmin:
		if c.CounterpartRole == RoleAdmin && caller.ID == c.CounterpartID {
			return RoleAdmin, true
		}
		if c.ObserverID != nil && caller.ID == *c.ObserverID {
			return RoleAdmin, true
		}
	}
	return "", false
}

// IsObserver reports whether the caller participates only as the attached
// moderation observer. Observers read but never send.
func (c *Conversation) IsObserver(caller Caller) bool {
	return caller.Role == RoleAdmin && c.ObserverID != nil && caller.ID == *c.ObserverID &&
		!(c.CounterpartRole == RoleAdmin && caller.ID == c.CounterpartID)
}

// ReadCursor is a participant's per-conversation high-water mark of
// acknowledged sequences. It only ever moves forward.
type ReadCursor struct {
	ConversationID uuid.UUID `json:"conversation_id" db:"conversation_id"`
	Role           Role      `json:"role" db:"role"`
	ParticipantID  uuid.UUID `json:"participant_id" db:"participant_id"`
	LastAckSeq     int64     `json:"last_ack_seq" db:"last_ack_seq"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// CreateConversationRequest is the payload for create-or-get.
type CreateConversationRequest struct {
	CounterpartRole string    `json:"counterpart_role" binding:"required"`
	CounterpartID   uuid.UUID `json:"counterpart_id" binding:"required"`
	ContextRef      string    `json:"context_ref"`
	Subject         string    `json:"subject"`
}

// ConversationFilter narrows a conversation listing.
type ConversationFilter struct {
	Query  string
	Status ConversationStatus
}
