package engine

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/streamchat/internal/core/domain"
	"github.com/tjfontaine/streamchat/internal/core/ports"
	"github.com/tjfontaine/streamchat/internal/resilience"
)

// RunGeneration drives one model generation for a session: it loads the
// conversation history, streams tokens from the source into the
// session, and settles the session when the stream ends.
//
// The stop predicate is checked by the source between tokens, so a
// concurrent TerminateSession halts the pull promptly. When the stream
// is cut short that way, the termination path owns the final commit and
// this loop records nothing further. A source error marks the session
// ERROR with the partial response preserved.
func (e *Engine) RunGeneration(ctx context.Context, source ports.TokenSource, sessionID string) error {
	const op = "engine.run_generation"

	sess := e.registry.Get(sessionID)
	if sess == nil {
		return domain.Ef(domain.KindNotFound, op, "session %s not found", sessionID)
	}
	if sess.Status != domain.StatusActive {
		return domain.Ef(domain.KindNotTerminable, op, "session %s is %s, not ACTIVE", sessionID, sess.Status)
	}

	history, err := resilience.Do(ctx, e.exec, "store.list_messages", func(ctx context.Context) ([]*domain.Message, error) {
		return e.store.ListMessages(ctx, sess.ConversationID)
	})
	if err != nil {
		e.FailSession(ctx, sessionID, "history load failed: "+err.Error())
		return err
	}

	stop := func() bool {
		s := e.registry.Get(sessionID)
		return s == nil || s.Status != domain.StatusActive
	}

	onToken := func(token string) error {
		e.AppendToken(sessionID, token)
		return nil
	}

	usage, err := source.StreamChat(ctx, sess.Model, history, onToken, stop)
	if err != nil {
		e.logger.Warn("generation stream failed",
			slog.String("session_id", sessionID),
			slog.String("model", sess.Model),
			slog.String("error", err.Error()))
		e.FailSession(ctx, sessionID, err.Error())
		return err
	}

	if usage != nil {
		e.logger.Info("generation finished",
			slog.String("session_id", sessionID),
			slog.String("model", sess.Model),
			slog.Int("prompt_tokens", usage.PromptTokens),
			slog.Int("completion_tokens", usage.CompletionTokens),
			slog.Bool("estimated", usage.Estimated))
	}

	// The stream ended. If the session is still ACTIVE this was a
	// natural finish; otherwise a terminate raced us and already
	// settled everything.
	if cur := e.registry.Get(sessionID); cur != nil && cur.Status == domain.StatusActive {
		if _, err := e.CompleteSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}
