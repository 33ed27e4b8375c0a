package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

const DefaultChannel = "clinic:changes"

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisBridge relays changes between server replicas over Redis pub/sub so a
// client connected to any replica hears about changes committed on another.
type RedisBridge struct {
	client  *redis.Client
	channel string
	origin  string
	log     zerolog.Logger
}

func NewRedisBridge(client *redis.Client, channel, origin string, log zerolog.Logger) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		origin:  origin,
		log:     log.With().Str("component", "redis_bridge").Logger(),
	}
}

func (b *RedisBridge) Publish(ctx context.Context, c Change) error {
	c.Origin = b.origin
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Run forwards changes published by other replicas to local until ctx ends.
func (b *RedisBridge) Run(ctx context.Context, local Publisher) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.log.Info().Str("channel", b.channel).Msg("relaying changes from peers")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(ctx, []byte(msg.Payload), local)
		}
	}
}

func (b *RedisBridge) relay(ctx context.Context, payload []byte, local Publisher) {
	var c Change
	if err := json.Unmarshal(payload, &c); err != nil {
		b.log.Warn().Err(err).Msg("dropping malformed change")
		return
	}
	if c.Origin == b.origin {
		return
	}
	if err := local.Publish(ctx, c); err != nil {
		b.log.Error().Err(err).Str("entity", c.Entity).Str("id", c.ID).Msg("relay change")
	}
}
