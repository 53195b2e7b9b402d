package events

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"botlogs/services/console/internal/query"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

func TestRedisPublisherAppendsToStream(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	publisher := NewRedisPublisher(client, "console-invalidations")

	if err := publisher.PublishInvalidation(ctx, Invalidation{Instance: "a", RecordUUID: "rec-1"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	rows, err := client.XRange(ctx, "console-invalidations", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 stream row, got %d", len(rows))
	}
	payload, _ := rows[0].Values["payload"].(string)
	if !strings.Contains(payload, `"recordUuid":"rec-1"`) {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestRedisPublisherRejectsForeignKeyType(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	if err := client.LPush(ctx, "console-invalidations", "legacy").Err(); err != nil {
		t.Fatalf("seed lpush failed: %v", err)
	}

	publisher := NewRedisPublisher(client, "console-invalidations")
	if err := publisher.PublishInvalidation(ctx, Invalidation{All: true}); err == nil {
		t.Fatal("expected list key to be rejected")
	}
}

func TestRedisSubscriberSkipsOwnInstance(t *testing.T) {
	_, client := newTestClient(t)
	publisher := NewRedisPublisher(client, "console-invalidations")
	subscriber := NewRedisSubscriber(client, "console-invalidations", "self", nil)
	subscriber.block = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	received := make([]Invalidation, 0)
	done := make(chan error, 1)
	go func() {
		done <- subscriber.Run(ctx, func(inv Invalidation) {
			mu.Lock()
			received = append(received, inv)
			mu.Unlock()
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = publisher.PublishInvalidation(ctx, Invalidation{Instance: "self", RecordUUID: "mine"})
		_ = publisher.PublishInvalidation(ctx, Invalidation{Instance: "peer", RecordUUID: "theirs"})

		mu.Lock()
		got := len(received)
		mu.Unlock()
		if got > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected a foreign invalidation to arrive")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, inv := range received {
		if inv.Instance == "self" || inv.RecordUUID != "theirs" || inv.ID == "" {
			t.Fatalf("unexpected invalidation delivered: %+v", inv)
		}
	}
}

type recordingCache struct {
	mu      sync.Mutex
	records []string
	keys    []query.Key
	all     int
}

func (c *recordingCache) Invalidate(keys ...query.Key) {
	c.mu.Lock()
	c.keys = append(c.keys, keys...)
	c.mu.Unlock()
}

func (c *recordingCache) InvalidateRecord(uuid string) {
	c.mu.Lock()
	c.records = append(c.records, uuid)
	c.mu.Unlock()
}

func (c *recordingCache) InvalidateAll() {
	c.mu.Lock()
	c.all++
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []Invalidation
}

func (p *recordingPublisher) PublishInvalidation(_ context.Context, inv Invalidation) error {
	p.mu.Lock()
	p.sent = append(p.sent, inv)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestBroadcasterPublishesLocalButNotApplied(t *testing.T) {
	cache := &recordingCache{}
	publisher := &recordingPublisher{}
	broadcaster := NewBroadcaster(cache, publisher, "self", nil)

	broadcaster.InvalidateRecord("rec-1")
	broadcaster.Apply(Invalidation{Instance: "peer", Keys: []string{"offset=0"}})
	broadcaster.Apply(Invalidation{Instance: "peer", All: true})

	if len(cache.records) != 1 || len(cache.keys) != 1 || cache.all != 1 {
		t.Fatalf("unexpected cache calls: %+v", cache)
	}
	if len(publisher.sent) != 1 || publisher.sent[0].Instance != "self" || publisher.sent[0].RecordUUID != "rec-1" {
		t.Fatalf("expected only the local invalidation published, got %+v", publisher.sent)
	}
}
