package authz

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// InvalidationChannel is the Redis pub/sub channel carrying invalidation
// events from mutation services.
const InvalidationChannel = "aegis:invalidation"

// EventBus subscribes to the invalidation channel and feeds decoded
// events to the coordinator. It lets out-of-process role and permission
// mutations invalidate this process's local cache tier.
type EventBus struct {
	client      *redis.Client
	coordinator *InvalidationCoordinator
	logger      *slog.Logger
}

// NewEventBus constructs a bus.
func NewEventBus(client *redis.Client, coordinator *InvalidationCoordinator, logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{client: client, coordinator: coordinator, logger: logger}
}

// Run consumes events until the context is cancelled. Malformed payloads
// are logged and skipped; they must not stall the subscription.
func (b *EventBus) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, InvalidationChannel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Warn("invalidation bus close", slog.Any("error", err))
		}
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event InvalidationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("invalidation bus decode", slog.Any("error", err))
				continue
			}
			if err := b.coordinator.Handle(ctx, event); err != nil {
				b.logger.Warn("invalidation bus handle", slog.Any("error", err))
			}
		}
	}
}

// Publish emits an event onto the channel for other processes.
func Publish(ctx context.Context, client *redis.Client, event InvalidationEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return client.Publish(ctx, InvalidationChannel, payload).Err()
}
