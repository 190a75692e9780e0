package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/streamchat/internal/core/domain"
	"github.com/tjfontaine/streamchat/internal/core/ports"
	"github.com/tjfontaine/streamchat/internal/resilience"
)

// Sweeper periodically terminates sessions whose deadline has passed,
// on both sides of the engine: the registry's live map and the durable
// store (which also covers rows left stale by failed mirror writes).
type Sweeper struct {
	interval time.Duration
	registry *Registry
	store    ports.SessionStore
	exec     *resilience.Executor
	logger   *slog.Logger

	// onSwept runs for each session the registry side times out, after
	// its terminal transition. The engine hooks session draining here:
	// committing the partial response and evicting the entry.
	onSwept func(context.Context, *domain.StreamSession)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// sweeping suppresses a re-trigger while a sweep is in flight.
	sweeping atomic.Bool
}

// NewSweeper creates a sweeper. The store and onSwept hook may be nil;
// the registry side still runs.
func NewSweeper(interval time.Duration, registry *Registry, store ports.SessionStore, exec *resilience.Executor, onSwept func(context.Context, *domain.StreamSession), logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		interval: interval,
		registry: registry,
		store:    store,
		exec:     exec,
		onSwept:  onSwept,
		logger:   logger,
	}
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	s.logger.Info("sweeper started", slog.Duration("interval", s.interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
// Calling Stop on a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass now. Overlapping calls are rejected: a sweep in
// progress returns 0 to the latecomer.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if !s.sweeping.CompareAndSwap(false, true) {
		return 0
	}
	defer s.sweeping.Store(false)

	swept := s.registry.SweepExpired(ctx)
	if s.onSwept != nil {
		for _, sess := range swept {
			s.onSwept(ctx, sess)
		}
	}
	count := len(swept)

	if s.store != nil {
		stored, err := resilience.Do(ctx, s.exec, "store.cleanup_expired", func(ctx context.Context) (int, error) {
			return s.store.CleanupExpiredSessions(ctx)
		})
		if err != nil {
			s.logger.Error("store-side expiry cleanup failed", slog.String("error", err.Error()))
		} else {
			// Registry terminations already mirrored; stored counts rows
			// the registry never saw (other processes, stale mirrors).
			count += stored
		}
	}

	return count
}
