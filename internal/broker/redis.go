package broker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher retry budget. Transient broker unavailability blocks publishers
// for at most publishAttempts tries with linearly growing backoff; a message
// lost past the budget is tolerable for sensor readings, and consolidated
// events are made durable by the persister, not by pub/sub.
const (
	publishAttempts = 10
	publishBackoff  = 100 * time.Millisecond
)

// Redis is the production Broker backed by a redis-server on the SBC.
// go-redis handles reconnects and pub/sub resubscription internally.
type Redis struct {
	client *redis.Client

	// onRetry is invoked once per publish retry, for metrics. May be nil.
	onRetry func()
}

// NewRedis connects to the redis-server at addr ("host:port").
func NewRedis(addr string, onRetry func()) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	return &Redis{client: client, onRetry: onRetry}
}

// NewRedisFromClient wraps an existing client; tests point this at miniredis.
func NewRedisFromClient(client *redis.Client, onRetry func()) *Redis {
	return &Redis{client: client, onRetry: onRetry}
}

func (b *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return b.client.Set(ctx, key, value, ttl).Err()
}

func (b *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return b.client.SetNX(ctx, key, value, ttl).Result()
}

func (b *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (b *Redis) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

func (b *Redis) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	pipe := b.client.Pipeline()
	pipe.HSet(ctx, key, args...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.client.HGetAll(ctx, key).Result()
}

func (b *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return b.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (b *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return b.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (b *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return b.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (b *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := b.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (b *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	return b.client.TTL(ctx, key).Result()
}

func (b *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	return b.client.Keys(ctx, pattern).Result()
}

// Publish retries transient failures up to the budget with linear backoff.
func (b *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = b.client.Publish(ctx, channel, payload).Err(); err == nil {
			return nil
		}
		if attempt == publishAttempts {
			break
		}
		if b.onRetry != nil {
			b.onRetry()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * publishBackoff):
		}
	}
	return err
}

func (b *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channels...)
	// Force the initial SUBSCRIBE so a dead broker surfaces here rather than
	// as an empty stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message, subscriberBuffer),
	}
	go sub.pump()
	return sub, nil
}

func (b *Redis) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Redis) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
