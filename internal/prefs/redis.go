package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"botlogs/services/console/internal/logging"
)

type redisChange struct {
	Origin string          `json:"origin"`
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
}

// RedisStore keeps a device's preferences in Redis so tabs served by different
// console instances observe each other's writes.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	device  string
	origin  string
	pubsub  *redis.PubSub
	logger  *slog.Logger
	cancel  context.CancelFunc
	stopped chan struct{}

	mu        sync.Mutex
	listeners listenerSet
	closed    bool
}

// NewRedisStore opens a tab handle. It returns once the change subscription is
// confirmed so no write published afterwards is missed.
func NewRedisStore(ctx context.Context, client *redis.Client, prefix, device string, logger *slog.Logger) (*RedisStore, error) {
	if !deviceIDPattern.MatchString(device) {
		return nil, fmt.Errorf("%w %q", ErrInvalidDevice, device)
	}
	s := &RedisStore{
		client:  client,
		prefix:  prefix,
		device:  device,
		origin:  uuid.NewString(),
		logger:  logging.OrDiscard(logger).With("device", device),
		stopped: make(chan struct{}),
	}

	s.pubsub = client.Subscribe(ctx, s.channel())
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, fmt.Errorf("subscribe preference changes: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(runCtx)
	return s, nil
}

func (s *RedisStore) valueKey(key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, s.device, key)
}

func (s *RedisStore) channel() string {
	return fmt.Sprintf("%s:%s:changes", s.prefix, s.device)
}

func (s *RedisStore) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	raw, err := s.client.Get(ctx, s.valueKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read preference %s: %w", key, err)
	}
	return json.RawMessage(raw), true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if s.isClosed() {
		return ErrClosed
	}
	payload, err := json.Marshal(redisChange{Origin: s.origin, Key: key, Value: value})
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.valueKey(key), []byte(value), 0).Err(); err != nil {
		return fmt.Errorf("write preference %s: %w", key, err)
	}
	if err := s.client.Publish(ctx, s.channel(), payload).Err(); err != nil {
		return fmt.Errorf("publish preference %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(listener Listener) func() {
	s.mu.Lock()
	id := s.listeners.add(listener)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners.listeners, id)
		s.mu.Unlock()
	}
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.listeners.listeners = nil
	s.mu.Unlock()

	s.cancel()
	err := s.pubsub.Close()
	select {
	case <-s.stopped:
	case <-time.After(5 * time.Second):
	}
	return err
}

func (s *RedisStore) run(ctx context.Context) {
	defer close(s.stopped)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var change redisChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.logger.Warn("dropping malformed preference change", "err", err)
				continue
			}
			if change.Origin == s.origin {
				continue
			}
			s.deliver(Change{Key: change.Key, Value: change.Value})
		}
	}
}

func (s *RedisStore) deliver(change Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	listeners := s.listeners.snapshot()
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(change)
	}
}

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
