package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/marketlink/messaging-backend/internal/store"
)

// Directory is the narrow interface onto the identity collaborator: it
// resolves display fields for the free-text listing filter. The core never
// stores these.
type Directory interface {
	DisplayName(ctx context.Context, role models.Role, id uuid.UUID) string
}

// NopDirectory resolves nothing; filtering then matches subject and context
// only.
type NopDirectory struct{}

func (NopDirectory) DisplayName(context.Context, models.Role, uuid.UUID) string { return "" }

// ConversationService enforces the participant and role rules around
// conversation creation, listing and closing.
type ConversationService struct {
	store     store.Store
	directory Directory
}

func NewConversationService(st store.Store, dir Directory) *ConversationService {
	if dir == nil {
		dir = NopDirectory{}
	}
	return &ConversationService{store: st, directory: dir}
}

// CreateOrGet returns the active conversation for the (participant-pair,
// context) tuple, creating it when absent. Idempotent: identical arguments
// yield the same conversation.
func (s *ConversationService) CreateOrGet(ctx context.Context, initiator models.Caller, counterpartRole models.Role, counterpartID uuid.UUID, contextRef, subject string) (*models.Conversation, error) {
	if initiator.ID == counterpartID {
		return nil, ErrInvalidParticipants
	}
	kind, err := models.KindFor(initiator.Role, counterpartRole)
	if err != nil {
		return nil, ErrInvalidParticipants
	}

	// Normalize so the buyer side is fixed regardless of who initiated.
	conv := &models.Conversation{
		Kind:       kind,
		ContextRef: contextRef,
		Subject:    subject,
	}
	if initiator.Role == models.RoleBuyer {
		conv.BuyerID = initiator.ID
		conv.CounterpartRole = counterpartRole
		conv.CounterpartID = counterpartID
	} else {
		conv.BuyerID = counterpartID
		conv.CounterpartRole = initiator.Role
		conv.CounterpartID = initiator.ID
	}

	created, _, err := s.store.GetOrCreateConversation(ctx, conv)
	return created, err
}

// List returns the caller's conversations ordered by last activity, newest
// first. Admin callers additionally see every commercial conversation in a
// read-only moderation capacity.
func (s *ConversationService) List(ctx context.Context, caller models.Caller, filter models.ConversationFilter) ([]models.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, store.ListQuery{
		Caller:           caller,
		Status:           filter.Status,
		IncludeModerated: caller.Role == models.RoleAdmin,
	})
	if err != nil {
		return nil, err
	}
	if filter.Query == "" {
		return convs, nil
	}

	q := strings.ToLower(filter.Query)
	out := []models.Conversation{}
	for _, c := range convs {
		if s.matches(ctx, caller, &c, q) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *ConversationService) matches(ctx context.Context, caller models.Caller, c *models.Conversation, q string) bool {
	if strings.Contains(strings.ToLower(c.Subject), q) {
		return true
	}
	if strings.Contains(strings.ToLower(c.ContextRef), q) {
		return true
	}
	// Match against the display name of whoever the caller is talking to.
	role, id := models.RoleBuyer, c.BuyerID
	if caller.Role == models.RoleBuyer {
		role, id = c.CounterpartRole, c.CounterpartID
	}
	name := s.directory.DisplayName(ctx, role, id)
	return name != "" && strings.Contains(strings.ToLower(name), q)
}

// Close sets the conversation to closed. Closed conversations accept no new
// messages but stay readable. Idempotent.
func (s *ConversationService) Close(ctx context.Context, caller models.Caller, convID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.RoleOf(caller); !ok {
		// Moderating admins may close commercial conversations.
		if !(caller.Role == models.RoleAdmin && conv.Kind == models.KindCommercial) {
			return nil, ErrForbidden
		}
	}
	return s.store.CloseConversation(ctx, convID)
}

// AttachObserver adds the calling admin as the moderation observer on a
// commercial conversation. Attach-only; observers are never removed and a
// second, different admin cannot displace the first.
func (s *ConversationService) AttachObserver(ctx context.Context, caller models.Caller, convID uuid.UUID) (*models.Conversation, error) {
	if caller.Role != models.RoleAdmin {
		return nil, ErrForbidden
	}
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if conv.Kind != models.KindCommercial {
		return nil, ErrForbidden
	}
	return s.store.AttachObserver(ctx, convID, caller.ID)
}

// Get returns one conversation, restricted to participants and moderating
// admins.
func (s *ConversationService) Get(ctx context.Context, caller models.Caller, convID uuid.UUID) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	if _, ok := conv.RoleOf(caller); !ok {
		if !(caller.Role == models.RoleAdmin && conv.Kind == models.KindCommercial) {
			return nil, ErrForbidden
		}
	}
	return conv, nil
}
