// Package engine is the public face of the stream session core. It
// exposes the operations the transport layer calls (create, append,
// terminate, complete, stats, shutdown), keeps the registry and the
// durable store convergent by routing every store write through the
// resilient executor, and owns the expiry sweeper's lifecycle.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/streamchat/internal/core/domain"
	"github.com/tjfontaine/streamchat/internal/core/ports"
	"github.com/tjfontaine/streamchat/internal/resilience"
	"github.com/tjfontaine/streamchat/internal/session"
)

// Config tunes the engine.
type Config struct {
	Registry      session.RegistryConfig
	SweepInterval time.Duration
}

// Engine orchestrates the session registry, the durable store, the
// sweeper, and the event publisher.
type Engine struct {
	registry *session.Registry
	sweeper  *session.Sweeper
	store    ports.StorageProvider
	exec     *resilience.Executor
	events   ports.EventPublisher
	logger   *slog.Logger
}

// New builds an engine. events may be nil (no lifecycle audit).
func New(cfg Config, store ports.StorageProvider, exec *resilience.Executor, events ports.EventPublisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		registry: session.NewRegistry(cfg.Registry, store, exec, logger),
		store:    store,
		exec:     exec,
		events:   events,
		logger:   logger,
	}
	e.sweeper = session.NewSweeper(cfg.SweepInterval, e.registry, store, exec, e.drainTimedOut, logger)
	return e
}

// drainTimedOut finishes a session the sweeper timed out: the terminal
// transition already happened in the registry, so only the after-terminal
// bookkeeping (partial commit, event, eviction) remains.
func (e *Engine) drainTimedOut(ctx context.Context, sess *domain.StreamSession) {
	e.finishSession(ctx, sess.ID, sess.ConversationID, sess.PartialResponse, &domain.LifecycleEvent{
		Type:           domain.LifecycleEventTerminated,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Reason:         domain.ReasonTimeout,
		TokenCount:     sess.TokenCount,
	})
}

// Start launches the background sweeper.
func (e *Engine) Start() {
	e.sweeper.Start()
}

// Shutdown terminates every active session with reason SERVER_SHUTDOWN,
// commits their partial responses, and stops the sweeper. Safe to call
// more than once; the second call drains nothing.
func (e *Engine) Shutdown(ctx context.Context) int {
	e.sweeper.Stop()
	drained := e.registry.Shutdown(ctx)
	for _, sess := range drained {
		e.finishSession(ctx, sess.ID, sess.ConversationID, sess.PartialResponse, &domain.LifecycleEvent{
			Type:           domain.LifecycleEventTerminated,
			SessionID:      sess.ID,
			ConversationID: sess.ConversationID,
			Reason:         domain.ReasonServerShutdown,
			TokenCount:     sess.TokenCount,
		})
	}
	e.logger.Info("engine shut down", slog.Int("drained", len(drained)))
	return len(drained)
}

// Executor exposes the resilience layer for observability endpoints.
func (e *Engine) Executor() *resilience.Executor { return e.exec }

// publish sends a lifecycle event best-effort. Event loss never fails
// the transition that produced it.
func (e *Engine) publish(ctx context.Context, ev *domain.LifecycleEvent) {
	if e.events == nil {
		return
	}
	ev.Timestamp = time.Now().UTC()
	if err := e.events.Publish(ctx, ev); err != nil {
		e.logger.Warn("lifecycle event publish failed",
			slog.String("session_id", ev.SessionID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}

// CreateSession starts a new stream session for a conversation. The
// conversation must already exist.
func (e *Engine) CreateSession(ctx context.Context, conversationID, model string, timeout time.Duration) (*domain.StreamSession, error) {
	if e.store != nil {
		_, err := resilience.Do(ctx, e.exec, "store.get_conversation", func(ctx context.Context) (*domain.Conversation, error) {
			return e.store.GetConversation(ctx, conversationID)
		})
		if err != nil {
			return nil, err
		}
	}

	sess, err := e.registry.Create(ctx, conversationID, model, timeout)
	if err != nil {
		return nil, err
	}

	e.publish(ctx, &domain.LifecycleEvent{
		Type:           domain.LifecycleEventCreated,
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
	})

	return sess, nil
}

// GetSession returns a snapshot from the registry, falling back to the
// durable store for sessions that predate this process.
func (e *Engine) GetSession(ctx context.Context, id string) (*domain.StreamSession, error) {
	if sess := e.registry.Get(id); sess != nil {
		return sess, nil
	}
	if e.store == nil {
		return nil, domain.Ef(domain.KindNotFound, "engine.get_session", "session %s not found", id)
	}
	return resilience.Do(ctx, e.exec, "store.get_session", func(ctx context.Context) (*domain.StreamSession, error) {
		return e.store.GetSession(ctx, id)
	})
}

// AppendToken delivers one generated token to a session. Returns nil if
// the session is absent or no longer ACTIVE; the generation loop treats
// that as "stop pulling".
func (e *Engine) AppendToken(id, token string) *domain.StreamSession {
	sess := e.registry.AppendToken(id, token)
	if sess != nil {
		e.exec.Metrics().RecordToken(id)
	}
	return sess
}

// TerminateSession ends a session early on behalf of a caller. The
// caller must name the owning conversation; a mismatch is rejected
// before any state changes. An empty reason defaults to USER_REQUESTED.
//
// On success the outcome carries the final partial response and token
// count, and the accumulated text (if any) is committed as a
// conversation message exactly once. A commit failure is logged but
// does not revert the termination.
func (e *Engine) TerminateSession(ctx context.Context, sessionID, conversationID string, reason domain.TerminationReason) (*domain.TerminationOutcome, error) {
	const op = "engine.terminate_session"

	if conversationID == "" {
		return nil, domain.E(domain.KindInvalidArgument, op, "conversationId is required")
	}
	if reason == "" {
		reason = domain.ReasonUserRequested
	}
	if !domain.ValidTerminationReason(reason) {
		return nil, domain.Ef(domain.KindInvalidArgument, op, "unknown termination reason %q", reason)
	}

	sess, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ConversationID != conversationID {
		return nil, domain.Ef(domain.KindConversationMismatch, op,
			"session %s does not belong to conversation %s", sessionID, conversationID)
	}

	outcome := e.registry.Terminate(ctx, sessionID, reason, "")
	if outcome.Error == "not found" {
		// Not in the registry (restart, or already drained): decide the
		// race at the durable layer instead.
		outcome = e.terminateDurable(ctx, sess, reason)
	}

	if outcome.Success {
		e.finishSession(ctx, sessionID, sess.ConversationID, outcome.PartialResponse, &domain.LifecycleEvent{
			Type:           domain.LifecycleEventTerminated,
			SessionID:      sessionID,
			ConversationID: sess.ConversationID,
			Reason:         reason,
			TokenCount:     outcome.TokenCount,
		})
	}

	return outcome, nil
}

// terminateDurable resolves a termination for a session only the store
// knows about. The conditional update picks the winner.
func (e *Engine) terminateDurable(ctx context.Context, sess *domain.StreamSession, reason domain.TerminationReason) *domain.TerminationOutcome {
	won, err := resilience.Do(ctx, e.exec, "store.terminate_session", func(ctx context.Context) (*domain.StreamSession, error) {
		return e.store.TerminateSession(ctx, sess.ID, reason, "")
	})
	if err != nil {
		return &domain.TerminationOutcome{
			Success: false,
			Error:   "store unavailable",
			Message: err.Error(),
		}
	}
	if won == nil {
		return &domain.TerminationOutcome{
			Success:           false,
			Error:             "not terminable",
			Message:           "session " + sess.ID + " is not terminable",
			CurrentStatus:     sess.Status,
			PartialResponse:   sess.PartialResponse,
			TokenCount:        sess.TokenCount,
			TerminationReason: sess.TerminationReason,
		}
	}
	return &domain.TerminationOutcome{
		Success:           true,
		PartialResponse:   won.PartialResponse,
		TokenCount:        won.TokenCount,
		FinalStatus:       won.Status,
		TerminationReason: won.TerminationReason,
	}
}

// CompleteSession records normal completion of a session's generation.
func (e *Engine) CompleteSession(ctx context.Context, id string) (*domain.StreamSession, error) {
	const op = "engine.complete_session"

	sess := e.registry.Complete(ctx, id)
	if sess == nil {
		if e.store == nil {
			return nil, domain.Ef(domain.KindNotFound, op, "session %s not found or not active", id)
		}
		var err error
		sess, err = resilience.Do(ctx, e.exec, "store.complete_session", func(ctx context.Context) (*domain.StreamSession, error) {
			return e.store.CompleteSession(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, domain.Ef(domain.KindNotFound, op, "session %s not found or not active", id)
		}
	}

	e.finishSession(ctx, id, sess.ConversationID, sess.PartialResponse, &domain.LifecycleEvent{
		Type:           domain.LifecycleEventCompleted,
		SessionID:      id,
		ConversationID: sess.ConversationID,
		TokenCount:     sess.TokenCount,
	})

	return sess, nil
}

// FailSession marks a session errored after a backend failure.
func (e *Engine) FailSession(ctx context.Context, id, errorMessage string) *domain.TerminationOutcome {
	outcome := e.registry.Terminate(ctx, id, domain.ReasonError, errorMessage)
	if outcome.Success {
		sess := e.registry.Get(id)
		convID := ""
		if sess != nil {
			convID = sess.ConversationID
		}
		e.finishSession(ctx, id, convID, outcome.PartialResponse, &domain.LifecycleEvent{
			Type:           domain.LifecycleEventErrored,
			SessionID:      id,
			ConversationID: convID,
			Reason:         domain.ReasonError,
			TokenCount:     outcome.TokenCount,
		})
	}
	return outcome
}

// finishSession runs the after-terminal bookkeeping for the single
// winner of a terminal transition: commit the accumulated text as a
// conversation message, publish the lifecycle event, and evict the
// session from the registry. Commit failures are logged, not reverted;
// destroying the transition would be worse than losing its echo.
func (e *Engine) finishSession(ctx context.Context, sessionID, conversationID, partial string, ev *domain.LifecycleEvent) {
	if partial != "" && e.store != nil && conversationID != "" {
		_, err := resilience.Do(ctx, e.exec, "store.commit_partial_response", func(ctx context.Context) (*domain.Message, error) {
			return e.store.CommitPartialResponseAsMessage(ctx, sessionID, conversationID, partial)
		})
		if err != nil {
			e.logger.Error("partial response commit failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}

	e.publish(ctx, ev)
	e.registry.Remove(sessionID)
	e.exec.Metrics().DropSession(sessionID)
}

// GetSessionStats summarizes registry occupancy.
func (e *Engine) GetSessionStats() *domain.SessionStats {
	return e.registry.Stats()
}

// ListActiveSessions snapshots every live session.
func (e *Engine) ListActiveSessions() []*domain.StreamSession {
	return e.registry.ListActive()
}

// ListSessionsByStatus reads from the durable store, covering sessions
// from before this process started.
func (e *Engine) ListSessionsByStatus(ctx context.Context, status domain.SessionStatus, limit int) ([]*domain.StreamSession, error) {
	return resilience.Do(ctx, e.exec, "store.list_sessions", func(ctx context.Context) ([]*domain.StreamSession, error) {
		return e.store.ListSessionsByStatus(ctx, status, limit)
	})
}

// Sweep runs one expiry pass immediately.
func (e *Engine) Sweep(ctx context.Context) int {
	return e.sweeper.Sweep(ctx)
}
