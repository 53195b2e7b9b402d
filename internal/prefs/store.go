package prefs

import (
	"context"
	"encoding/json"
	"errors"
)

// Storage keys shared with the browser console.
const (
	KeyPageSize         = "logs-table-page-size"
	KeyColumnVisibility = "logs-table-column-visibility"
)

var (
	ErrClosed        = errors.New("preference store closed")
	ErrInvalidDevice = errors.New("invalid device id")
)

// Change describes a value written by another handle of the same device.
type Change struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type Listener func(Change)

// Store is one tab's view of a device's durable key/value storage. Set is
// synchronous. Subscribers are told about writes made through other handles
// only, never about their own.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Set(ctx context.Context, key string, value json.RawMessage) error
	Subscribe(listener Listener) (unsubscribe func())
	Close() error
}

type listenerSet struct {
	nextID    int
	listeners map[int]Listener
}

func (s *listenerSet) add(listener Listener) int {
	if s.listeners == nil {
		s.listeners = map[int]Listener{}
	}
	s.nextID++
	s.listeners[s.nextID] = listener
	return s.nextID
}

func (s *listenerSet) snapshot() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, listener := range s.listeners {
		out = append(out, listener)
	}
	return out
}
