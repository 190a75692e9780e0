// Package ports defines the interfaces between the session engine and
// its collaborators: durable storage, the token-generation backend, and
// the event bus. Implementations live under internal/adapters-style
// packages; the engine only ever sees these interfaces.
package ports

import (
	"context"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

// SessionStore is the durable mirror of the in-memory registry. It is
// the source of truth across restarts. All write paths that end a
// session are single conditional statements guarded by status='ACTIVE',
// which is what resolves termination races across processes.
type SessionStore interface {
	// CreateSession inserts a new session row. A duplicate ID is a
	// conflict error, never a silent overwrite.
	CreateSession(ctx context.Context, session *domain.StreamSession) error

	// GetSession retrieves a session by ID, or a not_found error.
	GetSession(ctx context.Context, id string) (*domain.StreamSession, error)

	// AppendToken appends a token conditionally (only while ACTIVE).
	// Returns (nil, nil) if the row is absent or already terminal, so a
	// generation loop racing a termination degrades gracefully.
	AppendToken(ctx context.Context, id, token string) (*domain.StreamSession, error)

	// TerminateSession flips an ACTIVE session to TERMINATED (or ERROR
	// when errorMessage is non-empty) in one conditional statement.
	// Exactly one concurrent caller sees a non-nil session; the rest get
	// (nil, nil) and must treat it as already terminal.
	TerminateSession(ctx context.Context, id string, reason domain.TerminationReason, errorMessage string) (*domain.StreamSession, error)

	// CompleteSession is the same conditional pattern with COMPLETED.
	CompleteSession(ctx context.Context, id string) (*domain.StreamSession, error)

	// CommitPartialResponseAsMessage stores the final partial response on
	// the session row and inserts the conversation message in a single
	// transaction. Both writes commit or neither does.
	CommitPartialResponseAsMessage(ctx context.Context, sessionID, conversationID, text string) (*domain.Message, error)

	// ListSessionsByStatus returns up to limit sessions in the given state.
	ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, limit int) ([]*domain.StreamSession, error)

	// ListExpiredSessions returns ACTIVE sessions past their deadline.
	ListExpiredSessions(ctx context.Context) ([]*domain.StreamSession, error)

	// CleanupExpiredSessions terminates every expired session with reason
	// TIMEOUT, tolerating per-row failures, and returns the count ended.
	CleanupExpiredSessions(ctx context.Context) (int, error)

	// SessionStoreStats reports per-status row counts.
	SessionStoreStats(ctx context.Context) (map[domain.SessionStatus]int, error)

	// DeleteSession hard-deletes a session row. Administrative use only;
	// the engine itself never calls this.
	DeleteSession(ctx context.Context, id string) error
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	AddMessage(ctx context.Context, convID string, msg *domain.Message) error
	ListMessages(ctx context.Context, convID string) ([]*domain.Message, error)
	DeleteConversation(ctx context.Context, id string) error
}

// EventStore persists session lifecycle events for audit.
type EventStore interface {
	AppendLifecycleEvent(ctx context.Context, event *domain.LifecycleEvent) error
	ListLifecycleEvents(ctx context.Context, sessionID string, limit int) ([]*domain.LifecycleEvent, error)
}

// StorageProvider bundles every storage concern behind one handle.
// Implementations: SQLite (default).
type StorageProvider interface {
	SessionStore
	ConversationStore
	EventStore

	Close() error
}
