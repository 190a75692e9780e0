// Package sqlite is the durable mirror of the session registry. It is
// the source of truth across restarts: every terminal transition is a
// single conditional UPDATE guarded by status='ACTIVE', so exactly one
// concurrent caller (including across processes) wins a termination race.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"

	"github.com/tjfontaine/streamchat/internal/core/domain"
	"github.com/tjfontaine/streamchat/internal/core/ports"
)

// Store is a SQLite implementation of ports.StorageProvider.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ports.StorageProvider = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the
// schema. Use ":memory:" for tests.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; one pooled connection avoids busy
	// errors and keeps :memory: databases from splitting per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{db: db, logger: logger}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS stream_sessions (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('ACTIVE','COMPLETED','TERMINATED','ERROR')),
			partial_response TEXT NOT NULL DEFAULT '',
			token_count INTEGER NOT NULL DEFAULT 0,
			termination_reason TEXT CHECK (termination_reason IS NULL OR termination_reason IN ('USER_REQUESTED','TIMEOUT','ERROR','SERVER_SHUTDOWN')),
			error_message TEXT,
			timeout_ms INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			ended_at INTEGER,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			conversation_id TEXT,
			event_type TEXT NOT NULL,
			reason TEXT,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_conversation ON stream_sessions(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON stream_sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Timestamps are stored as unix milliseconds so the expiry predicate
// (started_at + timeout_ms < now) stays plain integer arithmetic.

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// classify maps low-level sql failures to typed domain errors. Constraint
// violations are conflicts; everything else the driver throws at us is
// treated as transient so the executor may retry it.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *sqlite3.Error
	if errors.As(err, &serr) && serr.Code()&0xff == 19 { // SQLITE_CONSTRAINT
		return domain.Wrap(domain.KindConflict, op, err)
	}
	return domain.Wrap(domain.KindUnavailable, op, err)
}

const sessionColumns = `id, conversation_id, model, status, partial_response, token_count,
	termination_reason, error_message, timeout_ms, started_at, updated_at, ended_at`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.StreamSession, error) {
	var (
		sess      domain.StreamSession
		reason    sql.NullString
		errMsg    sql.NullString
		timeoutMs int64
		startedAt int64
		updatedAt int64
		endedAt   sql.NullInt64
	)

	err := row.Scan(&sess.ID, &sess.ConversationID, &sess.Model, &sess.Status,
		&sess.PartialResponse, &sess.TokenCount, &reason, &errMsg,
		&timeoutMs, &startedAt, &updatedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	if reason.Valid {
		sess.TerminationReason = domain.TerminationReason(reason.String)
	}
	if errMsg.Valid {
		sess.ErrorMessage = errMsg.String
	}
	sess.Timeout = time.Duration(timeoutMs) * time.Millisecond
	sess.StartedAt = fromMillis(startedAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	if endedAt.Valid {
		t := fromMillis(endedAt.Int64)
		sess.EndedAt = &t
	}

	return &sess, nil
}

// CreateSession inserts a new session row. A duplicate ID surfaces as a
// conflict, never a silent overwrite.
func (s *Store) CreateSession(ctx context.Context, sess *domain.StreamSession) error {
	const op = "store.create_session"

	query := `INSERT INTO stream_sessions
		(id, conversation_id, model, status, partial_response, token_count, termination_reason, error_message, timeout_ms, started_at, updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, NULL)`

	_, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.ConversationID, sess.Model, sess.Status,
		sess.PartialResponse, sess.TokenCount,
		sess.Timeout.Milliseconds(), toMillis(sess.StartedAt), toMillis(sess.UpdatedAt))
	if err != nil {
		return classify(op, err)
	}

	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.StreamSession, error) {
	const op = "store.get_session"

	query := `SELECT ` + sessionColumns + ` FROM stream_sessions WHERE id = ?`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Ef(domain.KindNotFound, op, "session %s not found", id)
	}
	if err != nil {
		return nil, classify(op, err)
	}

	return sess, nil
}

// AppendToken appends a token conditionally: the UPDATE only matches an
// ACTIVE row, so a generation loop racing a termination quietly loses.
func (s *Store) AppendToken(ctx context.Context, id, token string) (*domain.StreamSession, error) {
	const op = "store.append_token"

	query := `UPDATE stream_sessions
		SET partial_response = partial_response || ?, token_count = token_count + 1, updated_at = ?
		WHERE id = ? AND status = 'ACTIVE'
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, token, toMillis(time.Now()), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}

	return sess, nil
}

// TerminateSession flips an ACTIVE session terminal in one conditional
// statement. Row-level atomicity guarantees a single winner; losers get
// (nil, nil) and must read that as "already terminal".
func (s *Store) TerminateSession(ctx context.Context, id string, reason domain.TerminationReason, errorMessage string) (*domain.StreamSession, error) {
	const op = "store.terminate_session"

	status := domain.StatusTerminated
	if errorMessage != "" {
		status = domain.StatusError
	}

	now := toMillis(time.Now())
	query := `UPDATE stream_sessions
		SET status = ?, termination_reason = ?, error_message = NULLIF(?, ''), updated_at = ?, ended_at = ?
		WHERE id = ? AND status = 'ACTIVE'
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, status, reason, errorMessage, now, now, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}

	return sess, nil
}

// CompleteSession is the normal-completion twin of TerminateSession.
func (s *Store) CompleteSession(ctx context.Context, id string) (*domain.StreamSession, error) {
	const op = "store.complete_session"

	now := toMillis(time.Now())
	query := `UPDATE stream_sessions
		SET status = ?, updated_at = ?, ended_at = ?
		WHERE id = ? AND status = 'ACTIVE'
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, domain.StatusCompleted, now, now, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}

	return sess, nil
}

// CommitPartialResponseAsMessage stores the final partial response on the
// session row and inserts the conversation message inside one
// transaction, so a message can never exist without the session
// reflecting its final content or vice versa.
func (s *Store) CommitPartialResponseAsMessage(ctx context.Context, sessionID, conversationID, text string) (*domain.Message, error) {
	const op = "store.commit_partial_response"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE stream_sessions SET partial_response = ?, updated_at = ? WHERE id = ?`,
		text, toMillis(now), sessionID); err != nil {
		return nil, classify(op, err)
	}

	msg := &domain.Message{
		ID:             "msg_" + uuid.New().String(),
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        text,
		CreatedAt:      now,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, toMillis(msg.CreatedAt)); err != nil {
		return nil, classify(op, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		toMillis(now), conversationID); err != nil {
		return nil, classify(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(op, err)
	}

	return msg, nil
}

// ListSessionsByStatus returns up to limit sessions in the given state,
// most recently updated first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, limit int) ([]*domain.StreamSession, error) {
	const op = "store.list_sessions"

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + sessionColumns + ` FROM stream_sessions
		WHERE status = ? ORDER BY updated_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var sessions []*domain.StreamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return sessions, nil
}

// ListExpiredSessions returns ACTIVE sessions whose deadline has passed.
func (s *Store) ListExpiredSessions(ctx context.Context) ([]*domain.StreamSession, error) {
	const op = "store.list_expired"

	query := `SELECT ` + sessionColumns + ` FROM stream_sessions
		WHERE status = 'ACTIVE' AND started_at + timeout_ms < ?`

	rows, err := s.db.QueryContext(ctx, query, toMillis(time.Now()))
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var sessions []*domain.StreamSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return sessions, nil
}

// CleanupExpiredSessions terminates every expired session with reason
// TIMEOUT. Per-row failures are logged and skipped rather than aborting
// the batch.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int, error) {
	const op = "store.cleanup_expired"

	expired, err := s.ListExpiredSessions(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, sess := range expired {
		terminated, err := s.TerminateSession(ctx, sess.ID, domain.ReasonTimeout, "")
		if err != nil {
			s.logger.Error("failed to terminate expired session",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
			continue
		}
		if terminated != nil {
			count++
		}
	}

	if count > 0 {
		s.logger.Info("cleaned up expired sessions", slog.Int("count", count))
	}
	return count, nil
}

// SessionStoreStats reports per-status row counts.
func (s *Store) SessionStoreStats(ctx context.Context) (map[domain.SessionStatus]int, error) {
	const op = "store.stats"

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM stream_sessions GROUP BY status`)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	stats := make(map[domain.SessionStatus]int)
	for rows.Next() {
		var status domain.SessionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, classify(op, err)
		}
		stats[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return stats, nil
}

// DeleteSession hard-deletes a session row. Administrative use only.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	const op = "store.delete_session"

	result, err := s.db.ExecContext(ctx, `DELETE FROM stream_sessions WHERE id = ?`, id)
	if err != nil {
		return classify(op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if rows == 0 {
		return domain.Ef(domain.KindNotFound, op, "session %s not found", id)
	}

	return nil
}
