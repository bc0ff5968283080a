package events

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events as JSON on a pub/sub channel so that other
// terminals and report workers can refresh.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "pos:events"
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, payload).Err()
}

// Subscribe decodes events from the channel into h until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, h Handler) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("[events] WARN: dropping malformed payload on %s: %v", p.channel, err)
				continue
			}
			if err := h(ctx, event); err != nil {
				log.Printf("[events] WARN: handler for %s failed: %v", event.Kind, err)
			}
		}
	}
}
