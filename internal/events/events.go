package events

import (
	"context"
	"log/slog"
	"time"

	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/query"
)

// Invalidation tells every console instance that cached pages are stale.
// Exactly one of RecordUUID, Keys or All is set.
type Invalidation struct {
	ID         string    `json:"-"`
	Instance   string    `json:"instance"`
	RecordUUID string    `json:"recordUuid,omitempty"`
	Keys       []string  `json:"keys,omitempty"`
	All        bool      `json:"all,omitempty"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	PublishInvalidation(ctx context.Context, inv Invalidation) error
	Close() error
}

type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) PublishInvalidation(_ context.Context, _ Invalidation) error {
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}

// Cache is the part of the page cache an invalidation is applied to.
type Cache interface {
	Invalidate(keys ...query.Key)
	InvalidateRecord(uuid string)
	InvalidateAll()
}

// Broadcaster invalidates the local cache and announces the invalidation to
// the other instances.
type Broadcaster struct {
	cache     Cache
	publisher Publisher
	instance  string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewBroadcaster(cache Cache, publisher Publisher, instance string, logger *slog.Logger) *Broadcaster {
	if publisher == nil {
		publisher = NewNoopPublisher()
	}
	return &Broadcaster{
		cache:     cache,
		publisher: publisher,
		instance:  instance,
		timeout:   2 * time.Second,
		logger:    logging.OrDiscard(logger),
	}
}

func (b *Broadcaster) InvalidateRecord(uuid string) {
	b.cache.InvalidateRecord(uuid)
	b.publish(Invalidation{RecordUUID: uuid})
}

func (b *Broadcaster) Invalidate(keys ...query.Key) {
	b.cache.Invalidate(keys...)
	raw := make([]string, 0, len(keys))
	for _, key := range keys {
		raw = append(raw, string(key))
	}
	b.publish(Invalidation{Keys: raw})
}

func (b *Broadcaster) InvalidateAll() {
	b.cache.InvalidateAll()
	b.publish(Invalidation{All: true})
}

// Apply handles an invalidation received from another instance. It is not
// published again.
func (b *Broadcaster) Apply(inv Invalidation) {
	switch {
	case inv.All:
		b.cache.InvalidateAll()
	case inv.RecordUUID != "":
		b.cache.InvalidateRecord(inv.RecordUUID)
	case len(inv.Keys) > 0:
		keys := make([]query.Key, 0, len(inv.Keys))
		for _, key := range inv.Keys {
			keys = append(keys, query.Key(key))
		}
		b.cache.Invalidate(keys...)
	}
}

func (b *Broadcaster) publish(inv Invalidation) {
	inv.Instance = b.instance
	inv.At = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.publisher.PublishInvalidation(ctx, inv); err != nil {
		b.logger.Warn("publish invalidation failed", "record_uuid", inv.RecordUUID, "error", err)
	}
}
