package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/query"
)

// ColumnVisibility maps a column id to whether it is shown.
type ColumnVisibility map[string]bool

// Preferences is the typed view over the two persisted console settings. It
// keeps an in-memory copy that follows writes made by other tabs.
type Preferences struct {
	store  Store
	logger *slog.Logger

	mu          sync.Mutex
	pageSize    query.PageSize
	columns     ColumnVisibility
	nextID      int
	onPageSize  map[int]func(query.PageSize)
	onColumns   map[int]func(ColumnVisibility)
	unsubscribe func()
	closed      bool
}

// Load reads the current values and starts following foreign changes.
// Missing or invalid stored values fall back to defaults.
func Load(ctx context.Context, store Store, logger *slog.Logger) (*Preferences, error) {
	p := &Preferences{
		store:      store,
		logger:     logging.OrDiscard(logger),
		pageSize:   query.DefaultPageSize,
		columns:    ColumnVisibility{},
		onPageSize: map[int]func(query.PageSize){},
		onColumns:  map[int]func(ColumnVisibility){},
	}

	raw, ok, err := store.Get(ctx, KeyPageSize)
	if err != nil {
		return nil, fmt.Errorf("read page size: %w", err)
	}
	if ok {
		if size, valid := decodePageSize(raw); valid {
			p.pageSize = size
		}
	}

	raw, ok, err = store.Get(ctx, KeyColumnVisibility)
	if err != nil {
		return nil, fmt.Errorf("read column visibility: %w", err)
	}
	if ok {
		if columns, valid := decodeColumns(raw); valid {
			p.columns = columns
		}
	}

	p.unsubscribe = store.Subscribe(p.applyForeign)
	return p, nil
}

func (p *Preferences) PageSize() query.PageSize {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pageSize
}

func (p *Preferences) ColumnVisibility() ColumnVisibility {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.columns)
}

// SetPageSize updates the in-memory value even if the durable write fails.
func (p *Preferences) SetPageSize(ctx context.Context, size query.PageSize) error {
	if !size.Valid() {
		return fmt.Errorf("unsupported page size %d", size)
	}
	p.mu.Lock()
	p.pageSize = size
	p.mu.Unlock()

	raw, err := json.Marshal(int(size))
	if err != nil {
		return err
	}
	return p.store.Set(ctx, KeyPageSize, raw)
}

func (p *Preferences) SetColumnVisibility(ctx context.Context, columns ColumnVisibility) error {
	cloned := maps.Clone(columns)
	if cloned == nil {
		cloned = ColumnVisibility{}
	}
	p.mu.Lock()
	p.columns = cloned
	p.mu.Unlock()

	raw, err := json.Marshal(cloned)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, KeyColumnVisibility, raw)
}

// OnPageSizeChange registers fn for page sizes written by other tabs.
func (p *Preferences) OnPageSizeChange(fn func(query.PageSize)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.onPageSize[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.onPageSize, id)
		p.mu.Unlock()
	}
}

func (p *Preferences) OnColumnVisibilityChange(fn func(ColumnVisibility)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.onColumns[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.onColumns, id)
		p.mu.Unlock()
	}
}

// Close stops following foreign changes. The underlying store stays open.
func (p *Preferences) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	unsubscribe := p.unsubscribe
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (p *Preferences) applyForeign(change Change) {
	switch change.Key {
	case KeyPageSize:
		size, ok := decodePageSize(change.Value)
		if !ok {
			p.logger.Debug("ignoring invalid foreign page size", "value", string(change.Value))
			return
		}
		p.mu.Lock()
		if p.closed || p.pageSize == size {
			p.mu.Unlock()
			return
		}
		p.pageSize = size
		callbacks := make([]func(query.PageSize), 0, len(p.onPageSize))
		for _, fn := range p.onPageSize {
			callbacks = append(callbacks, fn)
		}
		p.mu.Unlock()
		for _, fn := range callbacks {
			fn(size)
		}
	case KeyColumnVisibility:
		columns, ok := decodeColumns(change.Value)
		if !ok {
			p.logger.Debug("ignoring invalid foreign column visibility")
			return
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.columns = columns
		callbacks := make([]func(ColumnVisibility), 0, len(p.onColumns))
		for _, fn := range p.onColumns {
			callbacks = append(callbacks, fn)
		}
		p.mu.Unlock()
		for _, fn := range callbacks {
			fn(maps.Clone(columns))
		}
	}
}

func decodePageSize(raw json.RawMessage) (query.PageSize, bool) {
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return query.DefaultPageSize, false
	}
	return query.ParsePageSize(n)
}

func decodeColumns(raw json.RawMessage) (ColumnVisibility, bool) {
	columns := ColumnVisibility{}
	if err := json.Unmarshal(raw, &columns); err != nil {
		return nil, false
	}
	return columns, true
}
