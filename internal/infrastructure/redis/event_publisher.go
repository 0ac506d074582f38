package redis

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"

	"trade-sniper/internal/domain"
)

const eventChannel = "sniper_events"

type EventPublisherImpl struct {
	client *redis.Client
}

func NewEventPublisher(client *redis.Client) *EventPublisherImpl {
	return &EventPublisherImpl{client: client}
}

func (r *EventPublisherImpl) Publish(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, eventChannel, data).Err()
}
