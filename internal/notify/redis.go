package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel replicas share for wake-ups.
const DefaultChannel = "vmplane:commands:wake"

// RedisBridge forwards wake-ups between controller replicas.
// A Create on one replica wakes a long-poll parked on another.
type RedisBridge struct {
	hub     *Hub
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBridge connects to redisURL and wraps hub.
func NewRedisBridge(ctx context.Context, hub *Hub, redisURL string, logger *slog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return &RedisBridge{
		hub:     hub,
		client:  client,
		channel: DefaultChannel,
		logger:  logger,
	}, nil
}

// Subscribe registers a local waiter.
func (b *RedisBridge) Subscribe(key string) (*Subscription, error) {
	return b.hub.Subscribe(key)
}

// Notify publishes the key to every replica. Local waiters are woken
// directly when the publish fails so a single replica keeps working.
func (b *RedisBridge) Notify(ctx context.Context, key string) error {
	if err := b.client.Publish(ctx, b.channel, key).Err(); err != nil {
		b.logger.Warn("redis publish failed, waking local waiters only", "key", key, "error", err)
		return b.hub.Notify(ctx, key)
	}
	return nil
}

// Run relays published keys to the local hub until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe failed: %w", err)
	}
	b.logger.Info("listening for wake-ups", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, msg)
		}
	}
}

func (b *RedisBridge) handle(ctx context.Context, msg *redis.Message) {
	if msg == nil || msg.Payload == "" {
		return
	}
	b.hub.Notify(ctx, msg.Payload)
}

// Close closes the redis client.
func (b *RedisBridge) Close() error {
	return b.client.Close()
}
