package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisPublishClient is the slice of *redis.Client used for pub/sub.
type redisPublishClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher publishes JSON envelopes over Redis pub/sub.
// Channels are prefixed so several environments can share one Redis.
type RedisPublisher struct {
	rdb    redisPublishClient
	prefix string
	clock  func() time.Time
}

func NewRedisPublisher(rdb *redis.Client, prefix string) *RedisPublisher {
	if rdb == nil {
		return newRedisPublisher(nil, prefix)
	}
	return newRedisPublisher(rdb, prefix)
}

func newRedisPublisher(rdb redisPublishClient, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix, clock: time.Now}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	if p.rdb == nil {
		return fmt.Errorf("events: redis client is nil")
	}
	body, err := json.Marshal(Envelope{Event: event, Payload: payload, At: p.clock().UTC()})
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", event, err)
	}
	if err := p.rdb.Publish(ctx, p.prefix+channel, body).Err(); err != nil {
		return fmt.Errorf("events: publish %s on %s: %w", event, channel, err)
	}
	return nil
}
