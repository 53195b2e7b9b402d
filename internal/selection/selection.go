package selection

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"botlogs/services/console/internal/query"
)

var (
	ErrEmptySelection = errors.New("select at least one row to share")
	ErrShareLimit     = errors.New("share limit exceeded")
)

// LimitError reports a selection larger than the share cap.
type LimitError struct {
	Selected int
	Max      int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("you can only share up to %d logs at a time (%d selected)", e.Max, e.Selected)
}

func (e *LimitError) Is(target error) bool {
	return target == ErrShareLimit
}

// Selection tracks selected record ids, limited to rows currently visible.
// Ids are kept in selection order.
type Selection struct {
	mu       sync.Mutex
	order    []string
	selected map[string]struct{}
	visible  map[string]struct{}
	max      int
}

func New() *Selection {
	return &Selection{
		selected: map[string]struct{}{},
		visible:  map[string]struct{}{},
		max:      query.MaxPinned,
	}
}

// SetVisible replaces the visible rows and drops selected ids no longer shown.
func (s *Selection) SetVisible(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.visible[id] = struct{}{}
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.visible[id]; ok {
			kept = append(kept, id)
			continue
		}
		delete(s.selected, id)
	}
	s.order = kept
}

// Select adds visible ids. Ids not on screen are ignored.
func (s *Selection) Select(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.selectLocked(id)
	}
}

func (s *Selection) Deselect(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.deselectLocked(id)
	}
}

// Toggle flips one id and reports whether it is now selected.
func (s *Selection) Toggle(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.selected[id]; ok {
		s.deselectLocked(id)
		return false
	}
	return s.selectLocked(id)
}

func (s *Selection) SelectAllVisible(ordered []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ordered {
		s.selectLocked(id)
	}
}

func (s *Selection) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.selected = map[string]struct{}{}
}

func (s *Selection) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Selection) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// ShareLink returns base with current's parameters and the selected ids as
// bot_uuid. Nothing is built when the selection is empty or over the cap.
func (s *Selection) ShareLink(base *url.URL, current url.Values) (string, error) {
	ids, err := s.shareable()
	if err != nil {
		return "", err
	}
	params := url.Values{}
	for key, vals := range current {
		params[key] = append([]string(nil), vals...)
	}
	params.Del(query.ParamWindowID)
	params.Del(query.ParamFromAnalytics)
	params.Set(query.ParamPinnedIDs, strings.Join(ids, ","))

	link := *base
	link.RawQuery = params.Encode()
	link.Fragment = ""
	return link.String(), nil
}

// IdentifierList is the comma-joined selection, for copying ids directly.
func (s *Selection) IdentifierList() (string, error) {
	ids := s.IDs()
	if len(ids) == 0 {
		return "", ErrEmptySelection
	}
	return strings.Join(ids, ","), nil
}

func (s *Selection) shareable() ([]string, error) {
	ids := s.IDs()
	if len(ids) == 0 {
		return nil, ErrEmptySelection
	}
	if len(ids) > s.max {
		return nil, &LimitError{Selected: len(ids), Max: s.max}
	}
	return ids, nil
}

func (s *Selection) selectLocked(id string) bool {
	if _, ok := s.visible[id]; !ok {
		return false
	}
	if _, ok := s.selected[id]; ok {
		return true
	}
	s.selected[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *Selection) deselectLocked(id string) {
	if _, ok := s.selected[id]; !ok {
		return
	}
	delete(s.selected, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
