package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/branchsync/common/models"
	rediscommon "github.com/lyzr/branchsync/common/redis"
)

// Publisher mirrors published events to the live feed. With Redis the
// event goes through pub/sub so every replica's observers see it;
// without, it is broadcast to this replica's hub only.
type Publisher struct {
	redis *rediscommon.Client
	hub   *Hub
}

// NewPublisher creates a publisher. redis may be nil.
func NewPublisher(redis *rediscommon.Client, hub *Hub) *Publisher {
	return &Publisher{redis: redis, hub: hub}
}

// Publish sends event to observers
func (p *Publisher) Publish(ctx context.Context, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal feed event: %w", err)
	}

	if p.redis != nil {
		return p.redis.PublishEvent(ctx, ChannelFor(event.PublisherID), string(data))
	}

	p.hub.Broadcast(&Message{PublisherID: event.PublisherID, Data: data})
	return nil
}
