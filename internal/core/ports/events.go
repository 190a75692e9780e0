package ports

import (
	"context"

	"github.com/tjfontaine/streamchat/internal/core/domain"
)

// EventPublisher publishes session lifecycle events.
// Implementations: direct storage (default); a broker-backed publisher
// would satisfy the same interface.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LifecycleEvent) error
	Close() error
}
