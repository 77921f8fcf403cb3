package models

import (
	"fmt"

	"github.com/google/uuid"
)

// Role identifies who is acting inside a conversation. It is a closed set:
// switches over Role in the services are exhaustive, so recipient computation
// never falls through on an unexpected string.
type Role string

const (
	RoleBuyer     Role = "buyer"
	RoleSupplier  Role = "supplier"
	RoleAdmin     Role = "admin"
	RoleAssistant Role = "assistant"
)

// ParseRole validates an externally supplied role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleBuyer, RoleSupplier, RoleAdmin, RoleAssistant:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Reader reports whether the role maintains a read cursor and an unread
// counter. Assistant senders are write-only.
func (r Role) Reader() bool {
	return r == RoleBuyer || r == RoleSupplier || r == RoleAdmin
}

// ConversationKind distinguishes the two permitted participant pairings.
type ConversationKind string

const (
	// KindSupport is a buyer talking to the marketplace itself.
	KindSupport ConversationKind = "support"
	// KindCommercial is a buyer talking to a supplier, optionally watched by
	// an admin observer.
	KindCommercial ConversationKind = "commercial"
)

// KindFor returns the conversation kind for a participant pairing, or an
// error if the combination is not one of the two permitted kinds.
func KindFor(a, b Role) (ConversationKind, error) {
	switch {
	case a == RoleBuyer && b == RoleAdmin, a == RoleAdmin && b == RoleBuyer:
		return KindSupport, nil
	case a == RoleBuyer && b == RoleSupplier, a == RoleSupplier && b == RoleBuyer:
		return KindCommercial, nil
	}
	return "", fmt.Errorf("no conversation kind for %s and %s", a, b)
}

// Caller is the identity the auth collaborator attaches to every request.
type Caller struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}
