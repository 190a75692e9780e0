// Package session holds the in-process side of the stream session
// engine: the capacity-limited registry of live sessions and the expiry
// sweeper. The registry is the low-latency authority while a session
// streams; the sqlite store is its durable mirror.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/streamchat/internal/core/domain"
	"github.com/tjfontaine/streamchat/internal/core/ports"
	"github.com/tjfontaine/streamchat/internal/resilience"
)

// RegistryConfig tunes the registry.
type RegistryConfig struct {
	// MaxSessions caps the number of tracked sessions (any status).
	MaxSessions int

	// DefaultTimeout applies when a caller does not pass a budget.
	DefaultTimeout time.Duration

	// MirrorQueueSize bounds the async token-mirror queue.
	MirrorQueueSize int
}

// DefaultRegistryConfig mirrors the engine defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MaxSessions:     100,
		DefaultTimeout:  5 * time.Minute,
		MirrorQueueSize: 1024,
	}
}

// Registry is the authoritative in-process map of sessions. All check
// then-mutate sequences run under one mutex with no I/O inside, so
// concurrent logical operations on the same session are serialized:
// exactly one terminal transition ever observes ACTIVE and wins. Durable
// mirroring happens after the in-memory decision, through the executor.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*domain.StreamSession

	cfg    RegistryConfig
	store  ports.SessionStore
	exec   *resilience.Executor
	logger *slog.Logger

	// mirrorCh feeds the single mirror worker. One consumer keeps token
	// appends ordered per session without blocking the hot path.
	mirrorCh  chan mirrorOp
	mirrorWG  sync.WaitGroup
	closeOnce sync.Once
	closed    bool
}

type mirrorOp struct {
	sessionID string
	token     string
}

// NewRegistry creates a registry backed by the given durable store. The
// store may be nil in tests that only exercise in-memory behavior.
func NewRegistry(cfg RegistryConfig, store ports.SessionStore, exec *resilience.Executor, logger *slog.Logger) *Registry {
	def := DefaultRegistryConfig()
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MirrorQueueSize <= 0 {
		cfg.MirrorQueueSize = def.MirrorQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		sessions: make(map[string]*domain.StreamSession),
		cfg:      cfg,
		store:    store,
		exec:     exec,
		logger:   logger,
		mirrorCh: make(chan mirrorOp, cfg.MirrorQueueSize),
	}

	r.mirrorWG.Add(1)
	go r.mirrorWorker()

	return r
}

// mirrorWorker drains the async token-mirror queue. Mirror failures are
// logged, never surfaced: losing a token's durability is acceptable, the
// conditional store writes keep correctness.
func (r *Registry) mirrorWorker() {
	defer r.mirrorWG.Done()

	for op := range r.mirrorCh {
		if r.store == nil {
			continue
		}
		err := r.exec.Execute(context.Background(), "store.append_token", func(ctx context.Context) error {
			_, err := r.store.AppendToken(ctx, op.sessionID, op.token)
			return err
		})
		if err != nil {
			r.logger.Warn("token mirror write failed",
				slog.String("session_id", op.sessionID),
				slog.String("error", err.Error()))
		}
	}
}

// Create registers a new ACTIVE session and inserts its durable row. The
// in-memory insert is not rolled back if the durable insert fails after
// retries; the divergence is logged for the sweeper to reconcile.
func (r *Registry) Create(ctx context.Context, conversationID, model string, timeout time.Duration) (*domain.StreamSession, error) {
	const op = "registry.create"

	if conversationID == "" {
		return nil, domain.E(domain.KindInvalidArgument, op, "conversationId is required")
	}
	if model == "" {
		return nil, domain.E(domain.KindInvalidArgument, op, "model is required")
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.E(domain.KindInvalidArgument, op, "registry is shut down")
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, domain.Ef(domain.KindCapacityExceeded, op, "session registry full (%d sessions)", r.cfg.MaxSessions)
	}
	sess := domain.NewStreamSession(conversationID, model, timeout)
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	if r.store != nil {
		err := r.exec.Execute(ctx, "store.create_session", func(ctx context.Context) error {
			return r.store.CreateSession(ctx, sess.Clone())
		})
		if err != nil {
			r.logger.Error("durable session insert failed, registry and store diverged",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
			return nil, err
		}
	}

	r.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("conversation_id", conversationID),
		slog.String("model", model),
		slog.Duration("timeout", timeout))

	return sess.Clone(), nil
}

// Get returns a snapshot of the session, or nil if untracked.
func (r *Registry) Get(id string) *domain.StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].Clone()
}

// AppendToken appends one token to an ACTIVE session. The durable mirror
// write is queued, not awaited: this is the hottest path and must never
// block on store latency. Returns nil if the session is absent or no
// longer ACTIVE.
func (r *Registry) AppendToken(id, token string) *domain.StreamSession {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.Status != domain.StatusActive {
		r.mu.Unlock()
		return nil
	}
	sess.PartialResponse += token
	sess.TokenCount++
	sess.UpdatedAt = time.Now().UTC()
	snapshot := sess.Clone()
	r.mu.Unlock()

	select {
	case r.mirrorCh <- mirrorOp{sessionID: id, token: token}:
	default:
		// Queue full: skip durability for this token rather than stall
		// the generation loop.
		r.logger.Warn("token mirror queue full, token not mirrored",
			slog.String("session_id", id))
	}

	return snapshot
}

// Terminate attempts the terminal transition. The registry decision
// (check-then-mutate under the lock) picks exactly one winner among
// concurrent callers; the store's conditional update is mirrored after
// the fact and never undoes the in-memory outcome.
func (r *Registry) Terminate(ctx context.Context, id string, reason domain.TerminationReason, errorMessage string) *domain.TerminationOutcome {
	now := time.Now().UTC()

	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return &domain.TerminationOutcome{
			Success: false,
			Error:   "not found",
			Message: "session " + id + " not found",
		}
	}
	if !sess.Terminable(now) {
		outcome := &domain.TerminationOutcome{
			Success:           false,
			Error:             "not terminable",
			Message:           "session " + id + " is not terminable",
			CurrentStatus:     sess.Status,
			PartialResponse:   sess.PartialResponse,
			TokenCount:        sess.TokenCount,
			TerminationReason: sess.TerminationReason,
		}
		r.mu.Unlock()
		return outcome
	}
	r.transitionLocked(sess, reason, errorMessage, now)
	outcome := &domain.TerminationOutcome{
		Success:           true,
		PartialResponse:   sess.PartialResponse,
		TokenCount:        sess.TokenCount,
		FinalStatus:       sess.Status,
		TerminationReason: sess.TerminationReason,
	}
	r.mu.Unlock()

	r.mirrorTerminate(ctx, id, reason, errorMessage)

	r.logger.Info("session terminated",
		slog.String("session_id", id),
		slog.String("reason", string(reason)),
		slog.Int("token_count", outcome.TokenCount))

	return outcome
}

// transitionLocked performs the in-memory terminal transition. Callers
// hold the mutex and have already decided the session may end.
func (r *Registry) transitionLocked(sess *domain.StreamSession, reason domain.TerminationReason, errorMessage string, now time.Time) {
	if errorMessage != "" {
		sess.Status = domain.StatusError
		sess.ErrorMessage = errorMessage
	} else {
		sess.Status = domain.StatusTerminated
	}
	sess.TerminationReason = reason
	sess.UpdatedAt = now
	ended := now
	sess.EndedAt = &ended
}

// mirrorTerminate pushes the terminal transition to the durable store. A
// failure here leaves the store row stale until the sweeper's next pass;
// the in-memory outcome stands either way.
func (r *Registry) mirrorTerminate(ctx context.Context, id string, reason domain.TerminationReason, errorMessage string) {
	if r.store == nil {
		return
	}
	err := r.exec.Execute(ctx, "store.terminate_session", func(ctx context.Context) error {
		_, err := r.store.TerminateSession(ctx, id, reason, errorMessage)
		return err
	})
	if err != nil {
		r.logger.Error("durable termination failed, store row stale until reconciliation",
			slog.String("session_id", id),
			slog.String("error", err.Error()))
	}
}

// Complete ends an ACTIVE session normally. Returns the final snapshot,
// or nil if the session is absent or already terminal.
func (r *Registry) Complete(ctx context.Context, id string) *domain.StreamSession {
	now := time.Now().UTC()

	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok || sess.Status != domain.StatusActive {
		r.mu.Unlock()
		return nil
	}
	sess.Status = domain.StatusCompleted
	sess.UpdatedAt = now
	ended := now
	sess.EndedAt = &ended
	snapshot := sess.Clone()
	r.mu.Unlock()

	if r.store != nil {
		err := r.exec.Execute(ctx, "store.complete_session", func(ctx context.Context) error {
			_, err := r.store.CompleteSession(ctx, id)
			return err
		})
		if err != nil {
			r.logger.Error("durable completion failed, store row stale until reconciliation",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
	}

	r.logger.Info("session completed",
		slog.String("session_id", id),
		slog.Int("token_count", snapshot.TokenCount))

	return snapshot
}

// Remove evicts a session from the registry once it has been drained.
// The durable row is untouched; it stays for audit.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// ListActive returns snapshots of every ACTIVE session.
func (r *Registry) ListActive() []*domain.StreamSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.StreamSession
	for _, sess := range r.sessions {
		if sess.Status == domain.StatusActive {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// Stats summarizes registry occupancy.
func (r *Registry) Stats() *domain.SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &domain.SessionStats{
		Total:    len(r.sessions),
		Capacity: r.cfg.MaxSessions,
	}
	for _, sess := range r.sessions {
		switch sess.Status {
		case domain.StatusActive:
			stats.Active++
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusTerminated:
			stats.Terminated++
		case domain.StatusError:
			stats.Errored++
		}
	}
	if r.cfg.MaxSessions > 0 {
		stats.Utilization = float64(len(r.sessions)) / float64(r.cfg.MaxSessions)
	}
	return stats
}

// SweepExpired terminates every tracked session past its deadline with
// reason TIMEOUT and returns their terminal snapshots. Callers own the
// rest of the drain: committing partials and evicting the entries.
func (r *Registry) SweepExpired(ctx context.Context) []*domain.StreamSession {
	now := time.Now().UTC()

	r.mu.Lock()
	var swept []*domain.StreamSession
	for _, sess := range r.sessions {
		if sess.Expired(now) {
			r.transitionLocked(sess, domain.ReasonTimeout, "", now)
			swept = append(swept, sess.Clone())
		}
	}
	r.mu.Unlock()

	for _, sess := range swept {
		r.mirrorTerminate(ctx, sess.ID, domain.ReasonTimeout, "")
	}

	if len(swept) > 0 {
		r.logger.Info("swept expired sessions", slog.Int("count", len(swept)))
	}
	return swept
}

// Shutdown terminates every still-active session with reason
// SERVER_SHUTDOWN, stops the mirror worker, and clears the registry.
// Returns the terminal snapshots of the drained sessions so callers can
// commit their partial responses. Safe to call more than once.
func (r *Registry) Shutdown(ctx context.Context) []*domain.StreamSession {
	now := time.Now().UTC()

	r.mu.Lock()
	var drained []*domain.StreamSession
	for _, sess := range r.sessions {
		if sess.Status == domain.StatusActive {
			r.transitionLocked(sess, domain.ReasonServerShutdown, "", now)
			drained = append(drained, sess.Clone())
		}
	}
	r.sessions = make(map[string]*domain.StreamSession)
	r.closed = true
	r.mu.Unlock()

	for _, sess := range drained {
		r.mirrorTerminate(ctx, sess.ID, domain.ReasonServerShutdown, "")
	}

	r.closeOnce.Do(func() {
		close(r.mirrorCh)
	})
	r.mirrorWG.Wait()

	if len(drained) > 0 {
		r.logger.Info("registry shut down", slog.Int("terminated", len(drained)))
	}
	return drained
}
