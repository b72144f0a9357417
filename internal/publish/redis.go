package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fluxline/conductor/model"
)

const defaultChannel = "conductor:routing_events"

// RedisPublisher publishes routing events to a Redis pub/sub channel so
// external consumers can observe routing decisions.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher on the given channel. An empty
// channel name uses the default.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = defaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// Publish serializes the event as JSON and publishes it.
func (p *RedisPublisher) Publish(ctx context.Context, event model.RoutingEvent) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal routing event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, doc).Err(); err != nil {
		return fmt.Errorf("publish routing event: %w", err)
	}
	return nil
}
