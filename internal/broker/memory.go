package broker

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/kerbside-data/trafficwatch/internal/timeutil"
)

// subscriberBuffer bounds each subscriber's delivery channel. When a slow
// subscriber falls behind, the oldest pending message is dropped; sensor
// readings tolerate loss and durable delivery is the persister's job.
const subscriberBuffer = 256

// Memory is an in-process Broker with the same observable semantics as the
// Redis implementation, including TTL expiry and pub/sub ordering. It backs
// tests and -dev mode runs on machines without a redis-server.
type Memory struct {
	clock timeutil.Clock

	mu     sync.Mutex
	strs   map[string]memEntry
	hashes map[string]memHash
	zsets  map[string]*memZSet
	subs   map[*memSubscription]struct{}
	closed bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memHash struct {
	fields    map[string]string
	expiresAt time.Time
}

type memZSet struct {
	members   map[string]float64
	expiresAt time.Time
}

// NewMemory creates an empty in-process broker.
func NewMemory(clock timeutil.Clock) *Memory {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Memory{
		clock:  clock,
		strs:   make(map[string]memEntry),
		hashes: make(map[string]memHash),
		zsets:  make(map[string]*memZSet),
		subs:   make(map[*memSubscription]struct{}),
	}
}

func (m *Memory) expired(at time.Time) bool {
	return !at.IsZero() && !m.clock.Now().Before(at)
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// reap removes an expired key of any type. Caller holds the lock.
func (m *Memory) reap(key string) {
	if e, ok := m.strs[key]; ok && m.expired(e.expiresAt) {
		delete(m.strs, key)
	}
	if h, ok := m.hashes[key]; ok && m.expired(h.expiresAt) {
		delete(m.hashes, key)
	}
	if z, ok := m.zsets[key]; ok && m.expired(z.expiresAt) {
		delete(m.zsets, key)
	}
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.strs[key] = memEntry{value: value, expiresAt: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	m.reap(key)
	if _, ok := m.strs[key]; ok {
		return false, nil
	}
	m.strs[key] = memEntry{value: value, expiresAt: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	m.reap(key)
	e, ok := m.strs[key]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.strs, key)
	delete(m.hashes, key)
	delete(m.zsets, key)
	return nil
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.reap(key)
	h, ok := m.hashes[key]
	if !ok {
		h = memHash{fields: make(map[string]string)}
	}
	for f, v := range fields {
		h.fields[f] = v
	}
	if ttl > 0 {
		h.expiresAt = m.deadline(ttl)
	}
	m.hashes[key] = h
	return nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.reap(key)
	out := make(map[string]string)
	if h, ok := m.hashes[key]; ok {
		for f, v := range h.fields {
			out[f] = v
		}
	}
	return out, nil
}

func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.reap(key)
	z, ok := m.zsets[key]
	if !ok {
		z = &memZSet{members: make(map[string]float64)}
		m.zsets[key] = z
	}
	z.members[member] = score
	return nil
}

func (m *Memory) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.reap(key)
	z, ok := m.zsets[key]
	if !ok {
		return nil, nil
	}
	type scored struct {
		member string
		score  float64
	}
	var hits []scored
	for member, score := range z.members {
		if score >= min && score <= max {
			hits = append(hits, scored{member, score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score < hits[j].score
		}
		return hits[i].member < hits[j].member
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}

func (m *Memory) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.reap(key)
	z, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for member, score := range z.members {
		if score >= min && score <= max {
			delete(z.members, member)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.reap(key)
	deadline := m.deadline(ttl)
	if e, ok := m.strs[key]; ok {
		e.expiresAt = deadline
		m.strs[key] = e
		return nil
	}
	if h, ok := m.hashes[key]; ok {
		h.expiresAt = deadline
		m.hashes[key] = h
		return nil
	}
	if z, ok := m.zsets[key]; ok {
		z.expiresAt = deadline
		return nil
	}
	return ErrNotFound
}

func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.reap(key)
	var expiresAt time.Time
	found := false
	if e, ok := m.strs[key]; ok {
		expiresAt, found = e.expiresAt, true
	} else if h, ok := m.hashes[key]; ok {
		expiresAt, found = h.expiresAt, true
	} else if z, ok := m.zsets[key]; ok {
		expiresAt, found = z.expiresAt, true
	}
	if !found {
		return TTLMissing, nil
	}
	if expiresAt.IsZero() {
		return TTLNoExpiry, nil
	}
	return expiresAt.Sub(m.clock.Now()), nil
}

func (m *Memory) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	// Broker keys use ':' separators, which path.Match treats as ordinary
	// characters, so redis-style globs behave identically here.
	match := func(key string) bool {
		ok, err := path.Match(pattern, key)
		return err == nil && ok
	}

	var keys []string
	for key := range m.strs {
		m.reap(key)
		if _, ok := m.strs[key]; ok && match(key) {
			keys = append(keys, key)
		}
	}
	for key := range m.hashes {
		m.reap(key)
		if _, ok := m.hashes[key]; ok && match(key) {
			keys = append(keys, key)
		}
	}
	for key := range m.zsets {
		m.reap(key)
		if _, ok := m.zsets[key]; ok && match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	msg := Message{Channel: channel, Payload: payload}
	for sub := range m.subs {
		if !sub.wants(channel) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// drop the oldest pending message to make room
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- msg:
			default:
			}
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := &memSubscription{
		broker:   m,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan Message, subscriberBuffer),
	}
	for _, c := range channels {
		sub.channels[c] = struct{}{}
	}
	m.subs[sub] = struct{}{}
	return sub, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		close(sub.ch)
		delete(m.subs, sub)
	}
	return nil
}

type memSubscription struct {
	broker   *Memory
	channels map[string]struct{}
	ch       chan Message
	once     sync.Once
}

func (s *memSubscription) wants(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *memSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		defer s.broker.mu.Unlock()
		if _, ok := s.broker.subs[s]; ok {
			delete(s.broker.subs, s)
			close(s.ch)
		}
	})
	return nil
}
