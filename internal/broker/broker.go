// Package broker provides the in-memory event fabric shared by every
// pipeline component: keyed values with TTL, hashes for "latest reading"
// snapshots, sorted time-series, and pub/sub channels.
//
// Two implementations exist with identical semantics: Redis (production,
// backed by a local redis-server) and Memory (in-process, used by tests and
// dev mode). Components depend only on the Broker interface.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("broker: key not found")

// ErrClosed is returned once the broker has been shut down.
var ErrClosed = errors.New("broker: closed")

// TTL sentinel values, matching redis: -1 for a key without expiry, -2 for
// a missing key.
const (
	TTLNoExpiry = time.Duration(-1)
	TTLMissing  = time.Duration(-2)
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub stream. Subscribers receive only messages
// published after the subscription was established; there is no replay.
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the
	// subscription or the broker shuts down.
	Messages() <-chan Message

	// Close tears down the subscription.
	Close() error
}

// Broker is the keyed store and pub/sub fabric. All operations honor the
// context deadline; callers wrap calls with their per-operation timeout.
type Broker interface {
	// Set stores a string value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value only if key is absent, returning whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get retrieves a string value, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes a key of any type. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// HSet merges fields into a hash. ttl <= 0 leaves expiry untouched.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// HGetAll returns all fields of a hash; an empty map for a missing key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// ZAdd inserts member with the given score into a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRangeByScore returns members with min <= score <= max in score order.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// ZRemRangeByScore removes members in the score range and returns the count.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// Expire sets a key's TTL. Returns ErrNotFound for a missing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL reports a key's remaining lifetime. Negative values mean the key
	// is missing or carries no expiry, matching redis semantics.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys lists keys matching a glob pattern. Used only by maintenance;
	// hot paths address keys directly.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Publish sends payload to all current subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe opens a stream over one or more channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Ping verifies the broker is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources and closes open subscriptions.
	Close() error
}
