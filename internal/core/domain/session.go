// Package domain contains the canonical types for the stream session
// engine: the session model, its lifecycle states, and the typed errors
// every layer speaks.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a stream session. A session
// starts ACTIVE and moves exactly once to one of the terminal states.
type SessionStatus string

const (
	StatusActive     SessionStatus = "ACTIVE"
	StatusCompleted  SessionStatus = "COMPLETED"
	StatusTerminated SessionStatus = "TERMINATED"
	StatusError      SessionStatus = "ERROR"
)

// Terminal reports whether the status is one of the end states.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTerminated, StatusError:
		return true
	}
	return false
}

// TerminationReason records why a session left the ACTIVE state.
type TerminationReason string

const (
	ReasonUserRequested  TerminationReason = "USER_REQUESTED"
	ReasonTimeout        TerminationReason = "TIMEOUT"
	ReasonError          TerminationReason = "ERROR"
	ReasonServerShutdown TerminationReason = "SERVER_SHUTDOWN"
)

// ValidTerminationReason reports whether r is one of the enumerated reasons.
func ValidTerminationReason(r TerminationReason) bool {
	switch r {
	case ReasonUserRequested, ReasonTimeout, ReasonError, ReasonServerShutdown:
		return true
	}
	return false
}

// StreamSession is one streaming-generation attempt tied to a conversation
// and model. The registry holds the live copy; the sqlite store holds the
// durable mirror. ID, ConversationID, Model and Timeout never change after
// creation.
type StreamSession struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Model          string        `json:"model"`
	Status         SessionStatus `json:"status"`

	// PartialResponse accumulates every token delivered while ACTIVE.
	// It only ever grows by concatenation.
	PartialResponse string `json:"partial_response"`
	TokenCount      int    `json:"token_count"`

	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`

	Timeout   time.Duration `json:"timeout_ms"`
	StartedAt time.Time     `json:"started_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// NewStreamSession creates an ACTIVE session with a fresh ID.
func NewStreamSession(conversationID, model string, timeout time.Duration) *StreamSession {
	now := time.Now().UTC()
	return &StreamSession{
		ID:             "sess_" + uuid.New().String(),
		ConversationID: conversationID,
		Model:          model,
		Status:         StatusActive,
		Timeout:        timeout,
		StartedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a defensive copy. Callers outside the registry only ever
// see clones, so live sessions cannot be mutated through aliases.
func (s *StreamSession) Clone() *StreamSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Expired reports whether the session has outlived its timeout budget.
// Terminal sessions are never expired; they are already finished.
func (s *StreamSession) Expired(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	return now.Sub(s.StartedAt) > s.Timeout
}

// Terminable reports whether a terminal transition may still win: the
// session must be ACTIVE and inside its deadline.
func (s *StreamSession) Terminable(now time.Time) bool {
	return s.Status == StatusActive && !s.Expired(now)
}

// TerminationOutcome is the structured result of a termination request.
// Public operations return it instead of failing, so callers can always
// tell a won race from an already-terminal session.
type TerminationOutcome struct {
	Success           bool              `json:"success"`
	Error             string            `json:"error,omitempty"`
	Message           string            `json:"message,omitempty"`
	CurrentStatus     SessionStatus     `json:"current_status,omitempty"`
	PartialResponse   string            `json:"partial_response,omitempty"`
	TokenCount        int               `json:"token_count"`
	FinalStatus       SessionStatus     `json:"final_status,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
}

// SessionStats summarizes registry occupancy for the stats endpoint.
type SessionStats struct {
	Active      int     `json:"active"`
	Completed   int     `json:"completed"`
	Terminated  int     `json:"terminated"`
	Errored     int     `json:"error"`
	Total       int     `json:"total"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

// Message is a persisted conversation message. The engine only ever
// writes assistant messages, when a partial response is committed.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the owning thread a session belongs to.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
