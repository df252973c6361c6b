package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultRedisChannel is used when no channel is configured.
const DefaultRedisChannel = "hcx:events"

// ConnectRedis builds a client from a redis:// URL or a bare host:port and
// checks it with PING.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes events as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisPublisher(client redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

// Relay subscribes to channel and forwards events emitted by other
// processes into dst, typically the local websocket hub. It returns when
// ctx is cancelled.
func Relay(ctx context.Context, client redis.UniversalClient, channel, self string, dst Publisher, logger zerolog.Logger) error {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	logger.Info().Str("channel", channel).Msg("redis relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			e, forward := decodeRelayed(msg.Payload, self)
			if !forward {
				continue
			}
			if err := dst.Publish(ctx, e); err != nil {
				logger.Warn().Err(err).Str("event", e.Name).Msg("relay forward failed")
			}
		}
	}
}

// decodeRelayed parses a relayed event and reports whether it should be
// forwarded. Malformed payloads and our own events are dropped.
func decodeRelayed(payload, self string) (Event, bool) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, false
	}
	if e.Name == "" || (self != "" && e.Source == self) {
		return Event{}, false
	}
	return e, true
}
