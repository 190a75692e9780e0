package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

// RetryOptions tunes the exponential-backoff retry loop.
type RetryOptions struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration

	// Multiplier grows the delay between successive retries.
	Multiplier float64
}

// DefaultRetryOptions mirror the engine defaults.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
	}
}

func (o RetryOptions) withDefaults() RetryOptions {
	d := DefaultRetryOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Multiplier <= 1 {
		o.Multiplier = d.Multiplier
	}
	return o
}

// Executor runs operations with retry and circuit breaking, recording
// per-operation metrics. One Executor is shared by the registry and the
// durable store; circuits are keyed by operation name.
type Executor struct {
	retry    RetryOptions
	breakers *breakerSet
	metrics  *Metrics
	logger   *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithClock sets a custom clock for breaker tests.
func WithClock(c clock) ExecutorOption {
	return func(e *Executor) { e.breakers.clock = c }
}

// NewExecutor creates an Executor with the given retry and breaker tuning.
func NewExecutor(retry RetryOptions, breaker BreakerOptions, opts ...ExecutorOption) *Executor {
	e := &Executor{
		retry:    retry.withDefaults(),
		breakers: newBreakerSet(breaker, realClock{}),
		metrics:  NewMetrics(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metrics exposes the executor's in-process counters.
func (e *Executor) Metrics() *Metrics { return e.metrics }

// CircuitStates snapshots every operation's breaker.
func (e *Executor) CircuitStates() []CircuitState { return e.breakers.states() }

// Execute runs fn under the executor's default retry options.
func (e *Executor) Execute(ctx context.Context, op string, fn func(context.Context) error) error {
	return e.ExecuteWith(ctx, op, e.retry, fn)
}

// ExecuteWith runs fn with explicit retry options.
//
// An open circuit whose cooldown has not elapsed fails immediately with a
// circuit_open error and no attempt. Non-retryable failures propagate at
// once without feeding the circuit: a not_found or invalid_argument is
// the caller's problem, not a sign the operation is unhealthy. Retryable
// ones increment the circuit's failure counter, sleep the backoff delay,
// and try again until the attempt budget is spent.
func (e *Executor) ExecuteWith(ctx context.Context, op string, retry RetryOptions, fn func(context.Context) error) error {
	retry = retry.withDefaults()

	if !e.breakers.allow(op) {
		e.metrics.recordRejected(op)
		e.logger.Warn("circuit open, rejecting call", slog.String("operation", op))
		return domain.Ef(domain.KindCircuitOpen, op, "circuit breaker open for %s", op)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retry.BaseDelay
	bo.Multiplier = retry.Multiplier
	bo.MaxInterval = retry.MaxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := fn(ctx)
		e.metrics.recordCall(op, time.Since(start), err == nil)

		if err == nil {
			e.breakers.recordSuccess(op)
			if attempt > 0 {
				e.logger.Info("operation recovered",
					slog.String("operation", op),
					slog.Int("attempt", attempt+1))
			}
			return nil
		}

		lastErr = err

		if !domain.IsRetryable(err) {
			e.logger.Debug("non-retryable failure",
				slog.String("operation", op),
				slog.String("error", err.Error()))
			return err
		}
		e.breakers.recordFailure(op)
		if attempt >= retry.MaxRetries {
			e.logger.Error("retries exhausted",
				slog.String("operation", op),
				slog.Int("attempts", attempt+1),
				slog.String("error", err.Error()))
			return lastErr
		}

		delay := bo.NextBackOff()
		e.metrics.recordRetry(op)
		e.logger.Warn("retrying after failure",
			slog.String("operation", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return domain.Wrap(domain.KindUnavailable, op, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// Do runs fn through the executor and returns its result. It exists so
// store calls that return values keep their types through the wrapper.
func Do[T any](ctx context.Context, e *Executor, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, op, func(ctx context.Context) error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	})
	return out, err
}
