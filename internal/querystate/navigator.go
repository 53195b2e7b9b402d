package querystate

import (
	"fmt"
	"net/url"
	"sync"
)

// Navigator owns the address bar of one session.
type Navigator interface {
	Current() url.Values
	// Replace rewrites the current entry without adding history.
	Replace(values url.Values)
}

// MemoryNavigator is a Navigator over an in-memory location with a history
// stack, standing in for a browser tab.
type MemoryNavigator struct {
	mu           sync.Mutex
	path         string
	history      []url.Values
	replacements int
}

func NewMemoryNavigator(rawURL string) (*MemoryNavigator, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse location: %w", err)
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return &MemoryNavigator{
		path:    path,
		history: []url.Values{parsed.Query()},
	}, nil
}

func (n *MemoryNavigator) Current() url.Values {
	n.mu.Lock()
	defer n.mu.Unlock()
	return cloneValues(n.history[len(n.history)-1])
}

func (n *MemoryNavigator) Replace(values url.Values) {
	n.mu.Lock()
	n.history[len(n.history)-1] = cloneValues(values)
	n.replacements++
	n.mu.Unlock()
}

// Visit pushes a new entry, as following a link or pressing forward would.
func (n *MemoryNavigator) Visit(values url.Values) {
	n.mu.Lock()
	n.history = append(n.history, cloneValues(values))
	n.mu.Unlock()
}

// Back pops one entry and returns the location now current.
func (n *MemoryNavigator) Back() (url.Values, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.history) < 2 {
		return nil, false
	}
	n.history = n.history[:len(n.history)-1]
	return cloneValues(n.history[len(n.history)-1]), true
}

func (n *MemoryNavigator) URL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	encoded := n.history[len(n.history)-1].Encode()
	if encoded == "" {
		return n.path
	}
	return n.path + "?" + encoded
}

func (n *MemoryNavigator) Replacements() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.replacements
}

func (n *MemoryNavigator) Depth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.history)
}

func cloneValues(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for key, vals := range values {
		out[key] = append([]string(nil), vals...)
	}
	return out
}
