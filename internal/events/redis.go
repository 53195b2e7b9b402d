package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"botlogs/services/console/internal/logging"

	"github.com/redis/go-redis/v9"
)

const streamMaxLen = 10000

type RedisPublisher struct {
	client   *redis.Client
	stream   string
	ensureMu sync.Mutex
	ensured  bool
}

// NewRedisPublisher appends invalidations to stream. The client stays owned
// by the caller.
func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream}
}

func (p *RedisPublisher) PublishInvalidation(ctx context.Context, inv Invalidation) error {
	if err := p.ensureStream(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"payload": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return nil
}

func (p *RedisPublisher) ensureStream(ctx context.Context) error {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()
	if p.ensured {
		return nil
	}

	keyType, err := p.client.Type(ctx, p.stream).Result()
	if err != nil {
		return err
	}
	switch keyType {
	case "none", "stream":
		p.ensured = true
		return nil
	default:
		return fmt.Errorf("unsupported redis key type=%s for stream %s", keyType, p.stream)
	}
}

// RedisSubscriber follows the invalidation stream from the moment it starts.
type RedisSubscriber struct {
	client   *redis.Client
	stream   string
	instance string
	block    time.Duration
	logger   *slog.Logger
}

func NewRedisSubscriber(client *redis.Client, stream, instance string, logger *slog.Logger) *RedisSubscriber {
	return &RedisSubscriber{
		client:   client,
		stream:   stream,
		instance: instance,
		block:    5 * time.Second,
		logger:   logging.OrDiscard(logger).With("stream", stream),
	}
}

// Run delivers invalidations published by other instances until ctx ends.
func (s *RedisSubscriber) Run(ctx context.Context, handle func(Invalidation)) error {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   100,
			Block:   s.block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("read invalidation stream failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID
				inv, ok := s.decode(message)
				if !ok || inv.Instance == s.instance {
					continue
				}
				handle(inv)
			}
		}
	}
}

func (s *RedisSubscriber) decode(message redis.XMessage) (Invalidation, bool) {
	raw, ok := message.Values["payload"].(string)
	if !ok {
		s.logger.Warn("invalidation without payload", "id", message.ID)
		return Invalidation{}, false
	}
	var inv Invalidation
	if err := json.Unmarshal([]byte(raw), &inv); err != nil {
		s.logger.Warn("malformed invalidation", "id", message.ID, "error", err)
		return Invalidation{}, false
	}
	inv.ID = message.ID
	return inv, true
}
