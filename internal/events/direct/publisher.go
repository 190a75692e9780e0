// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"

	"github.com/tjfontaine/streamchat/internal/core/domain"
	"github.com/tjfontaine/streamchat/internal/core/ports"
)

// Publisher implements ports.EventPublisher by appending lifecycle
// events straight to the event store. This is the default for
// single-instance deployments; a broker-backed publisher would replace
// it in a fan-out setup.
type Publisher struct {
	store ports.EventStore
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.EventStore) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("event store required")
	}
	return &Publisher{store: store}, nil
}

// Publish writes a lifecycle event directly to storage.
func (p *Publisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	return p.store.AppendLifecycleEvent(ctx, event)
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
