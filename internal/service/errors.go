package service

import "errors"

// Validation and authorization failures surfaced to callers. They are
// rejected synchronously with no side effects; storage-level failures
// (store.ErrNotFound, store.ErrConversationClosed, store.ErrTransient) pass
// through from the store package.
var (
	// ErrInvalidParticipants: initiator and counterpart are the same
	// identity, or the role pairing is not buyer-admin or buyer-supplier.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrForbidden: the caller is not authorized for the conversation or
	// action.
	ErrForbidden = errors.New("forbidden")
	// ErrNotAParticipant: the sender does not participate in the
	// conversation.
	ErrNotAParticipant = errors.New("not a participant")
	// ErrEmptyMessage: neither body, attachments nor product references
	// were supplied.
	ErrEmptyMessage = errors.New("message cannot be empty")
	// ErrInvalidAttachment: an attachment failed the syntactic checks the
	// core owns (kind, non-empty url).
	ErrInvalidAttachment = errors.New("invalid attachment")
)
