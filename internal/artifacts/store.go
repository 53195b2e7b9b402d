package artifacts

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("artifact store not configured")

// Store reads artifact objects straight from their bucket.
type Store interface {
	// ObjectKey reports whether rawURL points into this store and, if so,
	// which object it names.
	ObjectKey(rawURL string) (string, bool)
	LoadObject(ctx context.Context, objectKey string) ([]byte, string, error)
	Close() error
}

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) ObjectKey(_ string) (string, bool) {
	return "", false
}

func (s *NoopStore) LoadObject(_ context.Context, _ string) ([]byte, string, error) {
	return nil, "", ErrNotConfigured
}

func (s *NoopStore) Close() error {
	return nil
}
