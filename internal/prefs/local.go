package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"sync"
)

// Persister saves a device's values between process restarts.
type Persister interface {
	Load() (map[string]json.RawMessage, error)
	Save(values map[string]json.RawMessage) error
}

// Device is the storage shared by every tab of one browser profile.
type Device struct {
	mu        sync.Mutex
	id        string
	values    map[string]json.RawMessage
	persister Persister
	handles   map[*LocalStore]struct{}
}

// NewDevice loads any persisted values. A nil persister keeps values in memory.
func NewDevice(id string, persister Persister) (*Device, error) {
	values := map[string]json.RawMessage{}
	if persister != nil {
		loaded, err := persister.Load()
		if err != nil {
			return nil, fmt.Errorf("load device %s preferences: %w", id, err)
		}
		maps.Copy(values, loaded)
	}
	return &Device{
		id:        id,
		values:    values,
		persister: persister,
		handles:   map[*LocalStore]struct{}{},
	}, nil
}

func (d *Device) ID() string {
	return d.id
}

// Open returns a new handle, the equivalent of a tab opening storage.
func (d *Device) Open() *LocalStore {
	handle := &LocalStore{device: d}
	d.mu.Lock()
	d.handles[handle] = struct{}{}
	d.mu.Unlock()
	return handle
}

func (d *Device) write(origin *LocalStore, key string, value json.RawMessage) ([]*LocalStore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	previous, existed := d.values[key]
	d.values[key] = append(json.RawMessage(nil), value...)
	if d.persister != nil {
		if err := d.persister.Save(maps.Clone(d.values)); err != nil {
			if existed {
				d.values[key] = previous
			} else {
				delete(d.values, key)
			}
			return nil, fmt.Errorf("persist preference %s: %w", key, err)
		}
	}

	if existed && string(previous) == string(value) {
		return nil, nil
	}
	peers := make([]*LocalStore, 0, len(d.handles))
	for handle := range d.handles {
		if handle != origin {
			peers = append(peers, handle)
		}
	}
	return peers, nil
}

func (d *Device) read(key string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.values[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), value...), true
}

func (d *Device) detach(handle *LocalStore) {
	d.mu.Lock()
	delete(d.handles, handle)
	d.mu.Unlock()
}

// LocalStore is a Store handle over an in-process Device.
type LocalStore struct {
	device *Device

	mu        sync.Mutex
	listeners listenerSet
	closed    bool
}

func (s *LocalStore) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	if s.isClosed() {
		return nil, false, ErrClosed
	}
	value, ok := s.device.read(key)
	return value, ok, nil
}

func (s *LocalStore) Set(_ context.Context, key string, value json.RawMessage) error {
	if s.isClosed() {
		return ErrClosed
	}
	peers, err := s.device.write(s, key, value)
	if err != nil {
		return err
	}
	change := Change{Key: key, Value: append(json.RawMessage(nil), value...)}
	for _, peer := range peers {
		peer.deliver(change)
	}
	return nil
}

func (s *LocalStore) Subscribe(listener Listener) func() {
	s.mu.Lock()
	id := s.listeners.add(listener)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners.listeners, id)
		s.mu.Unlock()
	}
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.listeners.listeners = nil
	s.mu.Unlock()
	s.device.detach(s)
	return nil
}

func (s *LocalStore) deliver(change Change) {
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

func (s *LocalStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Devices hands out one Device per device id, persisting each to its own TOML
// file under dir. An empty dir keeps everything in memory.
type Devices struct {
	dir string

	mu      sync.Mutex
	devices map[string]*Device
}

func NewDevices(dir string) *Devices {
	return &Devices{dir: dir, devices: map[string]*Device{}}
}

// Open returns a new tab handle on the device, creating the device on first use.
func (r *Devices) Open(deviceID string) (*LocalStore, error) {
	if !deviceIDPattern.MatchString(deviceID) {
		return nil, fmt.Errorf("%w %q", ErrInvalidDevice, deviceID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		var persister Persister
		if r.dir != "" {
			persister = NewTOMLFile(r.dir, deviceID)
		}
		created, err := NewDevice(deviceID, persister)
		if err != nil {
			return nil, err
		}
		r.devices[deviceID] = created
		device = created
	}
	return device.Open(), nil
}
