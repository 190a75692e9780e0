package domain

import (
	"time"
)

// LifecycleEvent records a session lifecycle transition. Events are
// published to decoupled consumers (the audit table by default) and are
// never load-bearing: a failed publish does not fail the transition.
type LifecycleEvent struct {
	Type           LifecycleEventType `json:"type"`
	SessionID      string             `json:"session_id"`
	ConversationID string             `json:"conversation_id"`
	Timestamp      time.Time          `json:"timestamp"`

	// Reason is set for terminated/errored events.
	Reason TerminationReason `json:"reason,omitempty"`

	// TokenCount is the session's count at the time of the event.
	TokenCount int `json:"token_count"`
}

// LifecycleEventType identifies the type of lifecycle event.
type LifecycleEventType string

const (
	LifecycleEventCreated    LifecycleEventType = "session.created"
	LifecycleEventCompleted  LifecycleEventType = "session.completed"
	LifecycleEventTerminated LifecycleEventType = "session.terminated"
	LifecycleEventErrored    LifecycleEventType = "session.errored"
)
