package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marketlink/messaging-backend/internal/models"
	"github.com/redis/go-redis/v9"
)

// ChannelMessageSent is the pub/sub channel carrying MessageSentEvent
// payloads as JSON.
const ChannelMessageSent = "messages.sent"

// RedisBus publishes domain events over Redis pub/sub and hands out
// subscriptions for push consumers.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus connects and pings the broker.
func NewRedisBus(addr, password string, db int) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBus{client: client}, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

func (b *RedisBus) MessageSent(ctx context.Context, ev models.MessageSentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, ChannelMessageSent, data).Err()
}

// Subscribe returns a pub/sub handle on the message-sent channel.
func (b *RedisBus) Subscribe(ctx context.Context) *redis.PubSub {
	return b.client.Subscribe(ctx, ChannelMessageSent)
}
