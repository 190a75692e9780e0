package resilience

import (
	"sync"
	"time"
)

// OperationMetrics are the per-operation counters kept by the Executor.
type OperationMetrics struct {
	Calls         int64         `json:"calls"`
	Successes     int64         `json:"successes"`
	Errors        int64         `json:"errors"`
	Retries       int64         `json:"retries"`
	Rejected      int64         `json:"rejected"`
	TotalDuration time.Duration `json:"total_duration_ns"`
	LastDuration  time.Duration `json:"last_duration_ns"`
}

// SessionMetrics tracks one stream session's throughput.
type SessionMetrics struct {
	SessionID      string    `json:"session_id"`
	TokensStreamed int64     `json:"tokens_streamed"`
	StartedAt      time.Time `json:"started_at"`
	LastTokenAt    time.Time `json:"last_token_at"`
}

// Metrics is an in-process metrics sink, queryable without external
// collectors.
type Metrics struct {
	mu       sync.Mutex
	ops      map[string]*OperationMetrics
	sessions map[string]*SessionMetrics
}

// NewMetrics creates an empty sink.
func NewMetrics() *Metrics {
	return &Metrics{
		ops:      make(map[string]*OperationMetrics),
		sessions: make(map[string]*SessionMetrics),
	}
}

func (m *Metrics) op(name string) *OperationMetrics {
	o, ok := m.ops[name]
	if !ok {
		o = &OperationMetrics{}
		m.ops[name] = o
	}
	return o
}

func (m *Metrics) recordCall(name string, d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.op(name)
	o.Calls++
	if success {
		o.Successes++
	} else {
		o.Errors++
	}
	o.TotalDuration += d
	o.LastDuration = d
}

func (m *Metrics) recordRetry(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.op(name).Retries++
}

func (m *Metrics) recordRejected(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.op(name).Rejected++
}

// RecordToken bumps the per-session token counter.
func (m *Metrics) RecordToken(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s = &SessionMetrics{SessionID: sessionID, StartedAt: time.Now()}
		m.sessions[sessionID] = s
	}
	s.TokensStreamed++
	s.LastTokenAt = time.Now()
}

// DropSession forgets a session's counters after it has been drained.
func (m *Metrics) DropSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// OperationSnapshot returns a copy of the per-operation counters.
func (m *Metrics) OperationSnapshot() map[string]OperationMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]OperationMetrics, len(m.ops))
	for name, o := range m.ops {
		out[name] = *o
	}
	return out
}

// SessionSnapshot returns a copy of the per-session counters.
func (m *Metrics) SessionSnapshot() map[string]SessionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]SessionMetrics, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = *s
	}
	return out
}
