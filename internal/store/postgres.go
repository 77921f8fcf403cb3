package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/marketlink/messaging-backend/internal/database"
	"github.com/marketlink/messaging-backend/internal/models"
)

// PostgresStore implements Store over Postgres. Per-conversation serialization
// is a FOR UPDATE lock on the conversation row; the shared change_seq sequence
// stamps every mutation for the sync watermark.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const conversationColumns = `id, kind, buyer_id, counterpart_role, counterpart_id, observer_id,
	context_ref, subject, status, last_seq, last_message_at, last_message_preview,
	unread_buyer, unread_supplier, unread_admin, rev, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var observer uuid.NullUUID
	err := row.Scan(
		&c.ID, &c.Kind, &c.BuyerID, &c.CounterpartRole, &c.CounterpartID, &observer,
		&c.ContextRef, &c.Subject, &c.Status, &c.LastSeq, &c.LastMessageAt, &c.LastPreview,
		&c.Unread.Buyer, &c.Unread.Supplier, &c.Unread.Admin, &c.Rev, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if observer.Valid {
		id := observer.UUID
		c.ObserverID = &id
	}
	return &c, nil
}

const messageColumns = `id, conversation_id, seq, global_seq, sender_role, sender_id, body, attachments, product_refs, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var attachments []byte
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.GlobalSeq, &m.SenderRole, &m.SenderID,
		&m.Body, &attachments, pq.Array(&m.ProductRefs), &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments: %w", err)
		}
	}
	return &m, nil
}

// isTransient classifies errors where retrying the whole operation is the
// right response: connection trouble, serialization failures, deadlocks and
// resource exhaustion. Partial state is impossible, every write path is a
// single transaction.
func isTransient(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") {
			return true
		}
		switch code {
		case "40001", "40P01", "57P01":
			return true
		}
	}
	return false
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w (%v)", op, ErrTransient, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (s *PostgresStore) findActive(ctx context.Context, conv *models.Conversation) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE buyer_id = $1 AND counterpart_role = $2 AND counterpart_id = $3
		AND context_ref = $4 AND status = 'active'
	`
	return scanConversation(s.db.QueryRowContext(ctx, query,
		conv.BuyerID, conv.CounterpartRole, conv.CounterpartID, conv.ContextRef))
}

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, conv *models.Conversation) (*models.Conversation, bool, error) {
	existing, err := s.findActive(ctx, conv)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, wrapErr("find conversation", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO conversations (id, kind, buyer_id, counterpart_role, counterpart_id, context_ref, subject, rev)
		VALUES ($1, $2, $3, $4, $5, $6, $7, nextval('change_seq'))
		ON CONFLICT (buyer_id, counterpart_role, counterpart_id, context_ref) WHERE status = 'active' DO NOTHING
		RETURNING ` + conversationColumns

	created, err := scanConversation(tx.QueryRowContext(ctx, insert,
		uuid.New(), conv.Kind, conv.BuyerID, conv.CounterpartRole, conv.CounterpartID, conv.ContextRef, conv.Subject))
	if errors.Is(err, sql.ErrNoRows) {
		// Lost a create race; the winner's row is what we want.
		existing, err := s.findActive(ctx, conv)
		if err != nil {
			return nil, false, wrapErr("find conversation", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, wrapErr("create conversation", err)
	}

	cursorInsert := `
		INSERT INTO read_cursors (conversation_id, role, participant_id)
		VALUES ($1, $2, $3)
	`
	participants := map[models.Role]uuid.UUID{
		models.RoleBuyer:        created.BuyerID,
		created.CounterpartRole: created.CounterpartID,
	}
	for role, id := range participants {
		if _, err := tx.ExecContext(ctx, cursorInsert, created.ID, role, id); err != nil {
			return nil, false, wrapErr("create read cursor", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, wrapErr("commit conversation", err)
	}
	return created, true, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}
	return conv, nil
}

// participantClause returns SQL matching conversations where $1 (the caller
// id) is a participant, for the caller's role.
func participantClause(role models.Role) string {
	switch role {
	case models.RoleBuyer:
		return "c.buyer_id = $1"
	case models.RoleSupplier:
		return "(c.counterpart_role = 'supplier' AND c.counterpart_id = $1)"
	case models.RoleAdmin:
		return "((c.counterpart_role = 'admin' AND c.counterpart_id = $1) OR c.observer_id = $1)"
	}
	return "FALSE"
}

func (s *PostgresStore) ListConversations(ctx context.Context, q ListQuery) ([]models.Conversation, error) {
	clause := participantClause(q.Caller.Role)
	if q.IncludeModerated && q.Caller.Role == models.RoleAdmin {
		clause = "(" + clause + " OR c.kind = 'commercial')"
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE ` + clause
	args := []interface{}{q.Caller.ID}
	if q.Status != "" {
		query += " AND c.status = $2"
		args = append(args, q.Status)
	}
	query += " ORDER BY c.last_message_at DESC, c.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list conversations", err)
	}
	defer rows.Close()

	out := []models.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, wrapErr("scan conversation", err)
		}
		out = append(out, *c)
	}
	return out, wrapErr("list conversations", rows.Err())
}

func (s *PostgresStore) CloseConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'closed', rev = nextval('change_seq'), updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	if err != nil {
		return nil, wrapErr("close conversation", err)
	}
	return s.GetConversation(ctx, id)
}

func (s *PostgresStore) AttachObserver(ctx context.Context, id, adminID uuid.UUID) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}
	if conv.ObserverID != nil {
		if *conv.ObserverID != adminID {
			return nil, ErrObserverTaken
		}
		return conv, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET observer_id = $2, rev = nextval('change_seq'), updated_at = NOW()
		WHERE id = $1
	`, id, adminID); err != nil {
		return nil, wrapErr("attach observer", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO read_cursors (conversation_id, role, participant_id)
		VALUES ($1, 'admin', $2)
		ON CONFLICT (conversation_id, role) DO NOTHING
	`, id, adminID); err != nil {
		return nil, wrapErr("create observer cursor", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("commit observer", err)
	}
	return s.GetConversation(ctx, id)
}

func unreadColumn(role models.Role) string {
	switch role {
	case models.RoleBuyer:
		return "unread_buyer"
	case models.RoleSupplier:
		return "unread_supplier"
	default:
		return "unread_admin"
	}
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	// The row lock serializes sequence allocation per conversation.
	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, msg.ConversationID))
	if err != nil {
		return wrapErr("get conversation", err)
	}
	if conv.Status == models.StatusClosed {
		return ErrConversationClosed
	}

	now := time.Now()
	if now.Before(conv.LastMessageAt) {
		now = conv.LastMessageAt
	}
	msg.Seq = conv.LastSeq + 1
	msg.CreatedAt = now

	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	if msg.Attachments == nil {
		attachments = []byte("[]")
	}
	refs := msg.ProductRefs
	if refs == nil {
		refs = []string{}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, global_seq, sender_role, sender_id, body, attachments, product_refs, created_at)
		VALUES ($1, $2, $3, nextval('change_seq'), $4, $5, $6, $7, $8, $9)
		RETURNING global_seq
	`, msg.ID, msg.ConversationID, msg.Seq, msg.SenderRole, msg.SenderID, msg.Body,
		attachments, pq.Array(refs), msg.CreatedAt).Scan(&msg.GlobalSeq)
	if err != nil {
		return wrapErr("append message", err)
	}

	increments := models.UnreadCounts{}
	for _, r := range conv.RecipientsOf(msg.SenderRole) {
		increments.Set(r, 1)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_seq = $2, last_message_at = $3, last_message_preview = $4,
		    unread_buyer = unread_buyer + $5, unread_supplier = unread_supplier + $6,
		    unread_admin = unread_admin + $7, rev = $8, updated_at = $3
		WHERE id = $1
	`, msg.ConversationID, msg.Seq, msg.CreatedAt, msg.Preview(),
		increments.Buyer, increments.Supplier, increments.Admin, msg.GlobalSeq); err != nil {
		return wrapErr("update conversation", err)
	}

	return wrapErr("commit message", tx.Commit())
}

func (s *PostgresStore) ListMessages(ctx context.Context, convID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, convID).Scan(&exists); err != nil {
		return nil, wrapErr("check conversation", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	query := `
		SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	args := []interface{}{convID, afterSeq}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list messages", err)
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, wrapErr("scan message", err)
		}
		out = append(out, *m)
	}
	return out, wrapErr("list messages", rows.Err())
}

func (s *PostgresStore) AcknowledgeRead(ctx context.Context, convID uuid.UUID, role models.Role, participantID uuid.UUID) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	var snapshot int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_seq FROM conversations WHERE id = $1 FOR UPDATE`, convID).Scan(&snapshot)
	if err != nil {
		return 0, wrapErr("get conversation", err)
	}

	var cursor int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_ack_seq FROM read_cursors WHERE conversation_id = $1 AND role = $2`,
		convID, role).Scan(&cursor)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, wrapErr("get read cursor", err)
	}
	if snapshot <= cursor {
		// Already acknowledged everything present; nothing to write.
		return cursor, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO read_cursors (conversation_id, role, participant_id, last_ack_seq, updated_at)
		VALUES ($1, $2, $4, $3, NOW())
		ON CONFLICT (conversation_id, role) DO UPDATE
		SET last_ack_seq = GREATEST(read_cursors.last_ack_seq, EXCLUDED.last_ack_seq), updated_at = NOW()
	`, convID, role, snapshot, participantID); err != nil {
		return 0, wrapErr("advance read cursor", err)
	}

	var unread int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND seq > $2 AND sender_role <> $3
	`, convID, snapshot, role).Scan(&unread)
	if err != nil {
		return 0, wrapErr("count unread", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET `+unreadColumn(role)+` = $2, rev = nextval('change_seq'), updated_at = NOW()
		WHERE id = $1
	`, convID, unread); err != nil {
		return 0, wrapErr("update unread counter", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("commit acknowledgement", err)
	}
	return snapshot, nil
}

func (s *PostgresStore) GetCursor(ctx context.Context, convID uuid.UUID, role models.Role) (int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_ack_seq FROM read_cursors WHERE conversation_id = $1 AND role = $2`,
		convID, role).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.GetConversation(ctx, convID); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("get read cursor", err)
	}
	return cursor, nil
}

func (s *PostgresStore) RecomputeUnread(ctx context.Context, convID uuid.UUID) (*models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("begin transaction", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 FOR UPDATE`, convID))
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}

	rebuilt := models.UnreadCounts{}
	for _, role := range conv.ReaderRoles() {
		var cursor int64
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE((SELECT last_ack_seq FROM read_cursors WHERE conversation_id = $1 AND role = $2), 0)
		`, convID, role).Scan(&cursor)
		if err != nil {
			return nil, wrapErr("get read cursor", err)
		}
		var n int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = $1 AND seq > $2 AND sender_role <> $3
		`, convID, cursor, role).Scan(&n)
		if err != nil {
			return nil, wrapErr("count unread", err)
		}
		rebuilt.Set(role, n)
	}

	if rebuilt != conv.Unread {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET unread_buyer = $2, unread_supplier = $3, unread_admin = $4,
			    rev = nextval('change_seq'), updated_at = NOW()
			WHERE id = $1
		`, convID, rebuilt.Buyer, rebuilt.Supplier, rebuilt.Admin); err != nil {
			return nil, wrapErr("update unread counters", err)
		}
		conv.Unread = rebuilt
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("commit recompute", err)
	}
	return conv, nil
}

func (s *PostgresStore) ConversationIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations`)
	if err != nil {
		return nil, wrapErr("list conversation ids", err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("scan conversation id", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr("list conversation ids", rows.Err())
}

func (s *PostgresStore) ChangesSince(ctx context.Context, caller models.Caller, since int64, maxMessages int) (*Changes, error) {
	clause := participantClause(caller.Role)
	ch := &Changes{
		Conversations: []models.Conversation{},
		Messages:      []models.Message{},
		Next:          since,
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations c
		WHERE `+clause+` AND c.rev > $2
		ORDER BY c.last_message_at DESC, c.id
	`, caller.ID, since)
	if err != nil {
		return nil, wrapErr("list changed conversations", err)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, wrapErr("scan conversation", err)
		}
		ch.Conversations = append(ch.Conversations, *c)
		if c.Rev > ch.Next {
			ch.Next = c.Rev
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list changed conversations", err)
	}

	// One past the limit so a full page is detectable.
	msgRows, err := s.db.QueryContext(ctx, `
		SELECT m.`+strings.ReplaceAll(messageColumns, ", ", ", m.")+`
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE `+clause+` AND m.global_seq > $2
		ORDER BY m.global_seq ASC
		LIMIT $3
	`, caller.ID, since, maxMessages+1)
	if err != nil {
		return nil, wrapErr("list changed messages", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		m, err := scanMessage(msgRows)
		if err != nil {
			return nil, wrapErr("scan message", err)
		}
		ch.Messages = append(ch.Messages, *m)
	}
	if err := msgRows.Err(); err != nil {
		return nil, wrapErr("list changed messages", err)
	}

	if len(ch.Messages) > maxMessages {
		// Full page: cap the token so the dropped tail is redelivered.
		limit := ch.Messages[maxMessages].GlobalSeq - 1
		ch.Messages = ch.Messages[:maxMessages]
		if ch.Next > limit {
			ch.Next = limit
		}
	}
	for _, m := range ch.Messages {
		if m.GlobalSeq > ch.Next {
			ch.Next = m.GlobalSeq
		}
	}
	return ch, nil
}
