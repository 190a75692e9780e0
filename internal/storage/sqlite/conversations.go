package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

// ConversationStore and EventStore implementations. Conversations own
// their messages and sessions through cascading foreign keys.

// CreateConversation inserts a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	const op = "store.create_conversation"

	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt))
	if err != nil {
		return classify(op, err)
	}

	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	const op = "store.get_conversation"

	var (
		conv      domain.Conversation
		title     sql.NullString
		createdAt int64
		updatedAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Ef(domain.KindNotFound, op, "conversation %s not found", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}

	conv.Title = title.String
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)

	return &conv, nil
}

// AddMessage appends a message to a conversation and bumps its
// updated_at inside one transaction.
func (s *Store) AddMessage(ctx context.Context, convID string, msg *domain.Message) error {
	const op = "store.add_message"

	if msg.ID == "" {
		msg.ID = "msg_" + uuid.New().String()
	}
	msg.ConversationID = convID
	msg.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, convID, msg.Role, msg.Content, toMillis(msg.CreatedAt)); err != nil {
		return classify(op, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		toMillis(msg.CreatedAt), convID); err != nil {
		return classify(op, err)
	}

	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// ListMessages returns a conversation's messages in arrival order.
func (s *Store) ListMessages(ctx context.Context, convID string) ([]*domain.Message, error) {
	const op = "store.list_messages"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at ASC, rowid ASC`, convID)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, classify(op, err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return messages, nil
}

// DeleteConversation removes a conversation; messages and sessions
// cascade.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	const op = "store.delete_conversation"

	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return classify(op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if rows == 0 {
		return domain.Ef(domain.KindNotFound, op, "conversation %s not found", id)
	}

	return nil
}

// AppendLifecycleEvent records a session lifecycle event for audit.
func (s *Store) AppendLifecycleEvent(ctx context.Context, event *domain.LifecycleEvent) error {
	const op = "store.append_event"

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (id, session_id, conversation_id, event_type, reason, token_count, created_at)
		 VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		"evt_"+uuid.New().String(), event.SessionID, event.ConversationID,
		event.Type, string(event.Reason), event.TokenCount, toMillis(event.Timestamp))
	if err != nil {
		return classify(op, err)
	}

	return nil
}

// ListLifecycleEvents returns a session's events oldest first.
func (s *Store) ListLifecycleEvents(ctx context.Context, sessionID string, limit int) ([]*domain.LifecycleEvent, error) {
	const op = "store.list_events"

	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, conversation_id, event_type, reason, token_count, created_at
		 FROM session_events WHERE session_id = ?
		 ORDER BY created_at ASC, rowid ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var events []*domain.LifecycleEvent
	for rows.Next() {
		var (
			ev        domain.LifecycleEvent
			convID    sql.NullString
			reason    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.SessionID, &convID, &ev.Type, &reason, &ev.TokenCount, &createdAt); err != nil {
			return nil, classify(op, err)
		}
		ev.ConversationID = convID.String
		ev.Reason = domain.TerminationReason(reason.String)
		ev.Timestamp = fromMillis(createdAt)
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return events, nil
}
