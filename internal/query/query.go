package query

import (
	"slices"
	"strings"
	"time"
)

// PageSize is the number of records requested per page.
type PageSize int

const (
	PageSizeSmall  PageSize = 20
	PageSizeMedium PageSize = 50
	PageSizeLarge  PageSize = 100

	DefaultPageSize = PageSizeSmall
)

// MaxPinned caps the pinned id set so shared URLs stay under browser limits.
const MaxPinned = 30

// DefaultWindowDays is the size of the fallback date window.
const DefaultWindowDays = 14

var PageSizes = []PageSize{PageSizeSmall, PageSizeMedium, PageSizeLarge}

func (p PageSize) Valid() bool {
	return slices.Contains(PageSizes, p)
}

// ParsePageSize accepts only one of the offered page sizes.
func ParsePageSize(n int) (PageSize, bool) {
	size := PageSize(n)
	if !size.Valid() {
		return DefaultPageSize, false
	}
	return size, true
}

type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r DateRange) Complete() bool {
	return !r.Start.IsZero() && !r.End.IsZero()
}

// Valid reports whether both bounds are set and ordered.
func (r DateRange) Valid() bool {
	return r.Complete() && !r.Start.After(r.End)
}

func (r DateRange) Equal(other DateRange) bool {
	return r.Start.Equal(other.Start) && r.End.Equal(other.End)
}

func (r DateRange) truncated() DateRange {
	out := DateRange{}
	if !r.Start.IsZero() {
		out.Start = r.Start.UTC().Truncate(time.Second)
	}
	if !r.End.IsZero() {
		out.End = r.End.UTC().Truncate(time.Second)
	}
	return out
}

// Filters holds wire values, not URL tokens.
type Filters struct {
	Platform            []string `json:"platform"`
	Status              []string `json:"status"`
	ReportedErrorStatus []string `json:"reportedErrorStatus"`
}

func (f Filters) Empty() bool {
	return len(f.Platform) == 0 && len(f.Status) == 0 && len(f.ReportedErrorStatus) == 0
}

func (f Filters) Equal(other Filters) bool {
	a := f.canonical()
	b := other.canonical()
	return slices.Equal(a.Platform, b.Platform) &&
		slices.Equal(a.Status, b.Status) &&
		slices.Equal(a.ReportedErrorStatus, b.ReportedErrorStatus)
}

// canonical drops unknown values and orders the rest by table position.
func (f Filters) canonical() Filters {
	return Filters{
		Platform:            canonicalValues(Platforms, f.Platform),
		Status:              canonicalValues(Statuses, f.Status),
		ReportedErrorStatus: canonicalValues(ReportedErrorStatuses, f.ReportedErrorStatus),
	}
}

type Query struct {
	Offset    int       `json:"offset"`
	PageSize  PageSize  `json:"pageSize"`
	DateRange DateRange `json:"dateRange"`
	Filters   Filters   `json:"filters"`
	PinnedIDs []string  `json:"pinnedIds"`
}

func (q Query) Equal(other Query) bool {
	return q.Offset == other.Offset &&
		q.PageSize == other.PageSize &&
		q.DateRange.Equal(other.DateRange) &&
		q.Filters.Equal(other.Filters) &&
		slices.Equal(CanonicalIDs(q.PinnedIDs), CanonicalIDs(other.PinnedIDs))
}

// WithPageSize switches page size keeping the offset a multiple of the new size.
func (q Query) WithPageSize(size PageSize) Query {
	if !size.Valid() {
		size = DefaultPageSize
	}
	q.PageSize = size
	q.Offset = (q.Offset / int(size)) * int(size)
	return q
}

// Page returns the zero-based page index of the current offset.
func (q Query) Page() int {
	size := q.PageSize
	if !size.Valid() {
		size = DefaultPageSize
	}
	return q.Offset / int(size)
}

// Canonicalize clamps every field into its valid domain without touching the
// date range defaults, which depend on a clock.
func Canonicalize(q Query) Query {
	out := Query{
		Offset:    q.Offset,
		PageSize:  q.PageSize,
		DateRange: q.DateRange.truncated(),
		Filters:   q.Filters.canonical(),
		PinnedIDs: CanonicalIDs(q.PinnedIDs),
	}
	if !out.PageSize.Valid() {
		out.PageSize = DefaultPageSize
	}
	if out.Offset < 0 {
		out.Offset = 0
	}
	return out
}

// CanonicalIDs lowercases, validates and de-duplicates ids preserving order,
// keeping at most MaxPinned.
func CanonicalIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := map[string]struct{}{}
	for _, raw := range ids {
		id, ok := NormalizeID(raw)
		if !ok {
			continue
		}
		if _, exists := seen[id]; exists {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
		if len(out) == MaxPinned {
			break
		}
	}
	return out
}

func splitCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
