package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

// fakeClock lets breaker tests control the cooldown window.
type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func transientErr(op string) error {
	return domain.E(domain.KindUnavailable, op, "connection refused")
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	ex := NewExecutor(RetryOptions{}, BreakerOptions{})

	calls := 0
	err := ex.Execute(context.Background(), "store.get", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestExecuteRetriesWithBackoffSchedule(t *testing.T) {
	ex := NewExecutor(RetryOptions{}, BreakerOptions{})

	var attempts []time.Time
	retry := RetryOptions{MaxRetries: 2, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	err := ex.ExecuteWith(context.Background(), "store.create", retry, func(context.Context) error {
		attempts = append(attempts, time.Now())
		if len(attempts) < 3 {
			return transientErr("store.create")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on 3rd attempt, got %v", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}

	// Delays should be 10ms then 20ms, with generous scheduler slack.
	d1 := attempts[1].Sub(attempts[0])
	d2 := attempts[2].Sub(attempts[1])
	if d1 < 10*time.Millisecond || d1 > 100*time.Millisecond {
		t.Errorf("first retry delay = %v, want ~10ms", d1)
	}
	if d2 < 20*time.Millisecond || d2 > 150*time.Millisecond {
		t.Errorf("second retry delay = %v, want ~20ms", d2)
	}
	if d2 < d1 {
		t.Errorf("backoff did not grow: %v then %v", d1, d2)
	}
}

func TestExecuteNonRetryableFailsImmediately(t *testing.T) {
	ex := NewExecutor(RetryOptions{MaxRetries: 5, BaseDelay: time.Millisecond}, BreakerOptions{})

	calls := 0
	err := ex.Execute(context.Background(), "store.get", func(context.Context) error {
		calls++
		return domain.E(domain.KindNotFound, "store.get", "no such session")
	})
	if domain.KindOf(err) != domain.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries for caller errors)", calls)
	}
}

func TestNonRetryableDoesNotOpenCircuit(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	ex := NewExecutor(
		RetryOptions{MaxRetries: 0, BaseDelay: time.Millisecond},
		BreakerOptions{Threshold: 2, Cooldown: time.Minute},
		WithClock(clk),
	)

	// Caller errors say nothing about the operation's health.
	for i := 0; i < 5; i++ {
		err := ex.Execute(context.Background(), "store.get", func(context.Context) error {
			return domain.E(domain.KindNotFound, "store.get", "no such session")
		})
		if domain.KindOf(err) != domain.KindNotFound {
			t.Fatalf("call %d: expected not_found, got %v", i, err)
		}
	}

	invoked := false
	err := ex.Execute(context.Background(), "store.get", func(context.Context) error {
		invoked = true
		return nil
	})
	if err != nil || !invoked {
		t.Fatalf("circuit should stay closed after caller errors, err=%v invoked=%v", err, invoked)
	}
	for _, st := range ex.CircuitStates() {
		if st.Operation == "store.get" && (st.Open || st.Failures != 0) {
			t.Errorf("circuit state = %+v, want closed with zero failures", st)
		}
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	ex := NewExecutor(RetryOptions{MaxRetries: 2, BaseDelay: time.Millisecond}, BreakerOptions{})

	calls := 0
	err := ex.Execute(context.Background(), "store.terminate", func(context.Context) error {
		calls++
		return transientErr("store.terminate")
	})
	if err == nil {
		t.Fatal("expected the last error to surface")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
	if domain.KindOf(err) != domain.KindUnavailable {
		t.Errorf("surfaced kind = %v, want unavailable", domain.KindOf(err))
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	ex := NewExecutor(
		RetryOptions{MaxRetries: 0, BaseDelay: time.Millisecond},
		BreakerOptions{Threshold: 3, Cooldown: time.Minute},
		WithClock(clk),
	)

	calls := 0
	fail := func(context.Context) error {
		calls++
		return transientErr("store.append")
	}

	for i := 0; i < 3; i++ {
		if err := ex.Execute(context.Background(), "store.append", fail); err == nil {
			t.Fatal("expected failure")
		}
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}

	// Circuit is now open: the operation must not be invoked at all.
	err := ex.Execute(context.Background(), "store.append", fail)
	if domain.KindOf(err) != domain.KindCircuitOpen {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (open circuit must short-circuit)", calls)
	}

	// Other operations are unaffected.
	if err := ex.Execute(context.Background(), "store.get", func(context.Context) error { return nil }); err != nil {
		t.Errorf("unrelated operation rejected: %v", err)
	}

	// After the cooldown the next call goes through again.
	clk.advance(time.Minute)
	succeeded := false
	err = ex.Execute(context.Background(), "store.append", func(context.Context) error {
		succeeded = true
		return nil
	})
	if err != nil || !succeeded {
		t.Errorf("expected call through after cooldown, err=%v invoked=%v", err, succeeded)
	}

	// Success closed the circuit for good.
	for _, st := range ex.CircuitStates() {
		if st.Operation == "store.append" && (st.Open || st.Failures != 0) {
			t.Errorf("circuit should be closed and reset, got %+v", st)
		}
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	ex := NewExecutor(RetryOptions{MaxRetries: 0}, BreakerOptions{Threshold: 2, Cooldown: time.Minute}, WithClock(clk))

	fail := func(context.Context) error { return transientErr("op") }
	ok := func(context.Context) error { return nil }

	_ = ex.Execute(context.Background(), "op", fail)
	_ = ex.Execute(context.Background(), "op", ok)
	_ = ex.Execute(context.Background(), "op", fail)

	// One failure, success, one failure: threshold 2 never reached in a row.
	if err := ex.Execute(context.Background(), "op", ok); domain.KindOf(err) == domain.KindCircuitOpen {
		t.Error("circuit must not open when successes interleave failures")
	}
}

func TestExecuteHonorsContextDuringBackoff(t *testing.T) {
	ex := NewExecutor(RetryOptions{MaxRetries: 3, BaseDelay: time.Second}, BreakerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ex.Execute(ctx, "op", func(context.Context) error { return transientErr("op") })
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestDoReturnsValue(t *testing.T) {
	ex := NewExecutor(RetryOptions{MaxRetries: 1, BaseDelay: time.Millisecond}, BreakerOptions{})

	calls := 0
	got, err := Do(context.Background(), ex, "store.get", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", transientErr("store.get")
		}
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got != "hello" {
		t.Errorf("Do = %q, want %q", got, "hello")
	}
}

func TestMetricsCounters(t *testing.T) {
	ex := NewExecutor(RetryOptions{MaxRetries: 1, BaseDelay: time.Millisecond}, BreakerOptions{})

	calls := 0
	_ = ex.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls == 1 {
			return transientErr("op")
		}
		return nil
	})

	snap := ex.Metrics().OperationSnapshot()
	m, ok := snap["op"]
	if !ok {
		t.Fatal("missing metrics for op")
	}
	if m.Calls != 2 || m.Successes != 1 || m.Errors != 1 || m.Retries != 1 {
		t.Errorf("unexpected counters: %+v", m)
	}
}
