package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marketlink/messaging-backend/internal/models"
)

type convKey struct {
	buyerID         uuid.UUID
	counterpartRole models.Role
	counterpartID   uuid.UUID
	contextRef      string
}

// convState bundles one conversation with its log and cursors behind a single
// mutex. All per-conversation invariants are enforced under this lock;
// unrelated conversations never contend.
type convState struct {
	mu      sync.Mutex
	conv    models.Conversation
	msgs    []models.Message
	cursors map[models.Role]int64
}

// MemoryStore is the in-process Store used by tests and DB_DRIVER=memory
// development mode. The outer mutex guards only the maps and the change
// watermark; the watermark section is kept as short as a database sequence
// fetch.
type MemoryStore struct {
	mu        sync.RWMutex
	convs     map[uuid.UUID]*convState
	byKey     map[convKey]uuid.UUID
	watermark int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[uuid.UUID]*convState),
		byKey: make(map[convKey]uuid.UUID),
	}
}

func (s *MemoryStore) nextRev() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermark++
	return s.watermark
}

func (s *MemoryStore) get(id uuid.UUID) (*convState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.convs[id]
	return st, ok
}

func keyOf(c *models.Conversation) convKey {
	return convKey{c.BuyerID, c.CounterpartRole, c.CounterpartID, c.ContextRef}
}

func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, bool, error) {
	key := keyOf(conv)

	s.mu.Lock()
	if id, ok := s.byKey[key]; ok {
		st := s.convs[id]
		s.mu.Unlock()
		st.mu.Lock()
		out := st.conv
		st.mu.Unlock()
		return &out, false, nil
	}

	now := time.Now()
	st := &convState{
		conv:    *conv,
		cursors: make(map[models.Role]int64),
	}
	st.conv.ID = uuid.New()
	st.conv.Status = models.StatusActive
	st.conv.CreatedAt = now
	st.conv.UpdatedAt = now
	st.conv.LastMessageAt = now
	s.watermark++
	st.conv.Rev = s.watermark
	for _, r := range st.conv.ReaderRoles() {
		st.cursors[r] = 0
	}
	s.convs[st.conv.ID] = st
	s.byKey[key] = st.conv.ID
	s.mu.Unlock()

	out := st.conv
	return &out, true, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	st, ok := s.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	out := st.conv
	st.mu.Unlock()
	return &out, nil
}

func matchesCaller(c *models.Conversation, q ListQuery) bool {
	if _, ok := c.RoleOf(q.Caller); ok {
		return true
	}
	return q.IncludeModerated && q.Caller.Role == models.RoleAdmin && c.Kind == models.KindCommercial
}

func (s *MemoryStore) ListConversations(ctx context.Context, q ListQuery) ([]models.Conversation, error) {
	s.mu.RLock()
	states := make([]*convState, 0, len(s.convs))
	for _, st := range s.convs {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := []models.Conversation{}
	for _, st := range states {
		st.mu.Lock()
		c := st.conv
		st.mu.Unlock()
		if !matchesCaller(&c, q) {
			continue
		}
		if q.Status != "" && c.Status != q.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *MemoryStore) CloseConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	st, ok := s.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conv.Status != models.StatusClosed {
		st.conv.Status = models.StatusClosed
		st.conv.UpdatedAt = time.Now()
		st.conv.Rev = s.nextRev()
		s.dropKey(st)
	}
	out := st.conv
	return &out, nil
}

// dropKey frees the active-conversation identity so a new conversation can be
// opened for the same pair and context. Called with st.mu held.
func (s *MemoryStore) dropKey(st *convState) {
	key := keyOf(&st.conv)
	s.mu.Lock()
	if s.byKey[key] == st.conv.ID {
		delete(s.byKey, key)
	}
	s.mu.Unlock()
}

func (s *MemoryStore) AttachObserver(ctx context.Context, id, adminID uuid.UUID) (*models.Conversation, error) {
	st, ok := s.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conv.ObserverID != nil {
		if *st.conv.ObserverID != adminID {
			return nil, ErrObserverTaken
		}
		out := st.conv
		return &out, nil
	}
	observer := adminID
	st.conv.ObserverID = &observer
	if _, ok := st.cursors[models.RoleAdmin]; !ok {
		st.cursors[models.RoleAdmin] = 0
	}
	st.conv.UpdatedAt = time.Now()
	st.conv.Rev = s.nextRev()
	out := st.conv
	return &out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	st, ok := s.get(msg.ConversationID)
	if !ok {
		return ErrNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.conv.Status == models.StatusClosed {
		return ErrConversationClosed
	}

	now := time.Now()
	if now.Before(st.conv.LastMessageAt) {
		now = st.conv.LastMessageAt
	}

	msg.Seq = st.conv.LastSeq + 1
	msg.GlobalSeq = s.nextRev()
	msg.CreatedAt = now
	st.msgs = append(st.msgs, *msg)

	st.conv.LastSeq = msg.Seq
	st.conv.LastMessageAt = now
	st.conv.LastPreview = msg.Preview()
	st.conv.UpdatedAt = now
	st.conv.Rev = msg.GlobalSeq
	for _, r := range st.conv.RecipientsOf(msg.SenderRole) {
		st.conv.Unread.Set(r, st.conv.Unread.Get(r)+1)
	}
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, convID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	st, ok := s.get(convID)
	if !ok {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	out := []models.Message{}
	// Seq is assigned 1..n in append order, so the slice is already sorted.
	for _, m := range st.msgs {
		if m.Seq <= afterSeq {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AcknowledgeRead(ctx context.Context, convID uuid.UUID, role models.Role, participantID uuid.UUID) (int64, error) {
	st, ok := s.get(convID)
	if !ok {
		return 0, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	cursor := st.cursors[role]
	snapshot := st.conv.LastSeq
	if snapshot <= cursor {
		// Nothing new since the last acknowledgement.
		return cursor, nil
	}
	st.cursors[role] = snapshot
	st.conv.Unread.Set(role, countUnread(st.msgs, role, snapshot))
	st.conv.UpdatedAt = time.Now()
	st.conv.Rev = s.nextRev()
	return snapshot, nil
}

// countUnread is the from-scratch definition of the counter: messages past
// the cursor authored by anyone but the role itself.
func countUnread(msgs []models.Message, role models.Role, cursor int64) int {
	n := 0
	for _, m := range msgs {
		if m.Seq > cursor && m.SenderRole != role {
			n++
		}
	}
	return n
}

func (s *MemoryStore) GetCursor(ctx context.Context, convID uuid.UUID, role models.Role) (int64, error) {
	st, ok := s.get(convID)
	if !ok {
		return 0, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cursors[role], nil
}

func (s *MemoryStore) RecomputeUnread(ctx context.Context, convID uuid.UUID) (*models.Conversation, error) {
	st, ok := s.get(convID)
	if !ok {
		return nil, ErrNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	rebuilt := models.UnreadCounts{}
	for _, r := range st.conv.ReaderRoles() {
		rebuilt.Set(r, countUnread(st.msgs, r, st.cursors[r]))
	}
	if rebuilt != st.conv.Unread {
		st.conv.Unread = rebuilt
		st.conv.UpdatedAt = time.Now()
		st.conv.Rev = s.nextRev()
	}
	out := st.conv
	return &out, nil
}

func (s *MemoryStore) ConversationIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uuid.UUID, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) ChangesSince(ctx context.Context, caller models.Caller, since int64, maxMessages int) (*Changes, error) {
	s.mu.RLock()
	states := make([]*convState, 0, len(s.convs))
	for _, st := range s.convs {
		states = append(states, st)
	}
	s.mu.RUnlock()

	ch := &Changes{
		Conversations: []models.Conversation{},
		Messages:      []models.Message{},
		Next:          since,
	}
	for _, st := range states {
		st.mu.Lock()
		c := st.conv
		if _, ok := c.RoleOf(caller); !ok {
			st.mu.Unlock()
			continue
		}
		if c.Rev > since {
			ch.Conversations = append(ch.Conversations, c)
			if c.Rev > ch.Next {
				ch.Next = c.Rev
			}
		}
		for _, m := range st.msgs {
			if m.GlobalSeq > since {
				ch.Messages = append(ch.Messages, m)
			}
		}
		st.mu.Unlock()
	}

	sort.Slice(ch.Messages, func(i, j int) bool { return ch.Messages[i].GlobalSeq < ch.Messages[j].GlobalSeq })
	if maxMessages > 0 && len(ch.Messages) > maxMessages {
		// The page is full: the token must not advance past the first message
		// we are dropping, or the client would never see it.
		limit := ch.Messages[maxMessages].GlobalSeq - 1
		ch.Messages = ch.Messages[:maxMessages]
		if ch.Next > limit {
			ch.Next = limit
		}
		if last := ch.Messages[len(ch.Messages)-1].GlobalSeq; last > ch.Next {
			ch.Next = last
		}
	} else {
		for _, m := range ch.Messages {
			if m.GlobalSeq > ch.Next {
				ch.Next = m.GlobalSeq
			}
		}
	}
	sort.Slice(ch.Conversations, func(i, j int) bool {
		return ch.Conversations[i].LastMessageAt.After(ch.Conversations[j].LastMessageAt)
	})
	return ch, nil
}
