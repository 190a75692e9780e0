// Package resilience wraps fallible operations with exponential-backoff
// retry, per-operation circuit breaking, and in-process observability
// (operation counters and a bounded buffer of recent log records). Every
// durable-store call in the engine is routed through an Executor.
package resilience

import (
	"sync"
	"time"
)

// clock abstracts time for breaker tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// BreakerOptions tunes the per-operation circuit breakers.
type BreakerOptions struct {
	// Threshold is the consecutive-failure count that opens a circuit.
	Threshold int

	// Cooldown is how long an open circuit rejects calls before the next
	// attempt is allowed through.
	Cooldown time.Duration
}

// DefaultBreakerOptions mirror the engine defaults.
func DefaultBreakerOptions() BreakerOptions {
	return BreakerOptions{Threshold: 5, Cooldown: 30 * time.Second}
}

// circuit tracks failures for a single operation name.
type circuit struct {
	failures    int
	open        bool
	lastFailure time.Time
}

// breakerSet holds one circuit per operation name.
type breakerSet struct {
	mu    sync.Mutex
	opts  BreakerOptions
	clock clock
	ops   map[string]*circuit
}

func newBreakerSet(opts BreakerOptions, c clock) *breakerSet {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultBreakerOptions().Threshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultBreakerOptions().Cooldown
	}
	return &breakerSet{opts: opts, clock: c, ops: make(map[string]*circuit)}
}

// allow reports whether a call to op may proceed. An open circuit whose
// cooldown has elapsed closes again and lets the call through.
func (b *breakerSet) allow(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.ops[op]
	if !ok || !c.open {
		return true
	}
	if b.clock.Now().Sub(c.lastFailure) >= b.opts.Cooldown {
		c.open = false
		c.failures = 0
		return true
	}
	return false
}

// recordFailure increments the failure count and opens the circuit once
// the threshold is reached.
func (b *breakerSet) recordFailure(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.ops[op]
	if !ok {
		c = &circuit{}
		b.ops[op] = c
	}
	c.failures++
	c.lastFailure = b.clock.Now()
	if c.failures >= b.opts.Threshold {
		c.open = true
	}
}

// recordSuccess closes the circuit and resets its failure count.
func (b *breakerSet) recordSuccess(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.ops[op]; ok {
		c.failures = 0
		c.open = false
	}
}

// CircuitState is a read-only snapshot of one operation's breaker.
type CircuitState struct {
	Operation   string    `json:"operation"`
	Failures    int       `json:"failures"`
	Open        bool      `json:"open"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// states returns a snapshot of every tracked circuit.
func (b *breakerSet) states() []CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CircuitState, 0, len(b.ops))
	for op, c := range b.ops {
		out = append(out, CircuitState{
			Operation:   op,
			Failures:    c.failures,
			Open:        c.open,
			LastFailure: c.lastFailure,
		})
	}
	return out
}
