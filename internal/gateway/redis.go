package gateway

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPubSub is the production PubSub backed by the app's Redis fabric.
type RedisPubSub struct {
	client *redis.Client
}

func NewRedisPubSub(addr, password string, db int) *RedisPubSub {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisPubSub{client: client}
}

func (r *RedisPubSub) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisPubSub) Close() error {
	return r.client.Close()
}

func (r *RedisPubSub) Publish(ctx context.Context, channel string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisPubSub) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	sub := r.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so a publish
	// right after Subscribe cannot be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			h([]byte(msg.Payload))
		}
	}()

	unsubscribe := func() {
		if err := sub.Close(); err != nil {
			log.Warn().Err(err).Str("module", "gateway.redis").Str("channel", channel).Msg("unsubscribe failed")
		}
	}
	return unsubscribe, nil
}
