package query

import (
	"net/url"
	"strings"
	"time"
)

// URL parameter names owned by the codec.
const (
	ParamStartDate           = "startDate"
	ParamEndDate             = "endDate"
	ParamPlatformFilters     = "platformFilters"
	ParamStatusFilters       = "statusFilters"
	ParamReportedErrorStatus = "userReportedErrorStatusFilters"
	ParamPinnedIDs           = "bot_uuid"

	// Transient markers set by the analytics window; never owned by the codec.
	ParamWindowID      = "windowId"
	ParamFromAnalytics = "from_analytics"
)

// URLDateLayout is the date format written into URLs.
const URLDateLayout = "2006-01-02T15:04:05Z"

var ownedParams = []string{
	ParamStartDate,
	ParamEndDate,
	ParamPlatformFilters,
	ParamStatusFilters,
	ParamReportedErrorStatus,
	ParamPinnedIDs,
}

const dateOnlyLayout = "2006-01-02"

var acceptedDateLayouts = []string{
	time.RFC3339Nano,
	URLDateLayout,
	"2006-01-02T15:04:05",
	dateOnlyLayout,
}

// Codec converts between URL query parameters and Query values. The zero value
// uses the wall clock.
type Codec struct {
	Now func() time.Time
}

func NewCodec(now func() time.Time) Codec {
	return Codec{Now: now}
}

func (c Codec) now() time.Time {
	if c.Now == nil {
		return time.Now().UTC()
	}
	return c.Now().UTC()
}

// DefaultRange covers the last DefaultWindowDays days through the end of today.
func (c Codec) DefaultRange() DateRange {
	year, month, day := c.now().Date()
	today := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return DateRange{
		Start: today.AddDate(0, 0, -DefaultWindowDays),
		End:   today.Add(23*time.Hour + 59*time.Minute + 59*time.Second),
	}
}

// Default is the query an empty URL parses to.
func (c Codec) Default() Query {
	return Query{
		Offset:    0,
		PageSize:  DefaultPageSize,
		DateRange: c.DefaultRange(),
		Filters:   Filters{Platform: []string{}, Status: []string{}, ReportedErrorStatus: []string{}},
		PinnedIDs: []string{},
	}
}

// Parse never fails: each field that is missing or malformed takes its default.
func (c Codec) Parse(values url.Values) Query {
	q := c.Default()

	start, _, startOK := parseURLDate(values.Get(ParamStartDate))
	end, endDateOnly, endOK := parseURLDate(values.Get(ParamEndDate))
	if endDateOnly {
		// A bare end date covers that whole day.
		end = end.Add(24*time.Hour - time.Second)
	}
	if startOK && endOK && !start.After(end) {
		q.DateRange = DateRange{Start: start, End: end}
	}

	q.Filters = Filters{
		Platform:            valuesForTokens(Platforms, splitCSV(values.Get(ParamPlatformFilters))),
		Status:              valuesForTokens(Statuses, splitCSV(values.Get(ParamStatusFilters))),
		ReportedErrorStatus: valuesForTokens(ReportedErrorStatuses, splitCSV(values.Get(ParamReportedErrorStatus))),
	}
	q.PinnedIDs = CanonicalIDs(splitCSV(values.Get(ParamPinnedIDs)))
	return q
}

// Normalize is the canonical form of q restricted to what URLs carry: offset
// and page size take their defaults and an unusable date range is replaced by
// the default window.
func (c Codec) Normalize(q Query) Query {
	out := Canonicalize(q)
	out.Offset = 0
	out.PageSize = DefaultPageSize
	if !out.DateRange.Valid() {
		out.DateRange = c.DefaultRange()
	}
	return out
}

// Serialize writes only the fields that differ from their defaults.
func (c Codec) Serialize(q Query) url.Values {
	values := url.Values{}
	normalized := c.Normalize(q)

	if !normalized.DateRange.Equal(c.DefaultRange()) {
		values.Set(ParamStartDate, normalized.DateRange.Start.Format(URLDateLayout))
		values.Set(ParamEndDate, normalized.DateRange.End.Format(URLDateLayout))
	}
	setCSV(values, ParamPlatformFilters, tokensForValues(Platforms, normalized.Filters.Platform))
	setCSV(values, ParamStatusFilters, tokensForValues(Statuses, normalized.Filters.Status))
	setCSV(values, ParamReportedErrorStatus, tokensForValues(ReportedErrorStatuses, normalized.Filters.ReportedErrorStatus))
	setCSV(values, ParamPinnedIDs, normalized.PinnedIDs)
	return values
}

// Merge writes q over base. Parameters the codec does not own are kept.
func (c Codec) Merge(base url.Values, q Query) url.Values {
	merged := url.Values{}
	for key, vals := range base {
		merged[key] = append([]string(nil), vals...)
	}
	for _, key := range ownedParams {
		merged.Del(key)
	}
	for key, vals := range c.Serialize(q) {
		merged[key] = vals
	}
	return merged
}

// ClearTransient drops the analytics handoff markers from values.
func ClearTransient(values url.Values) url.Values {
	out := url.Values{}
	for key, vals := range values {
		if key == ParamWindowID || key == ParamFromAnalytics {
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}

func parseURLDate(raw string) (parsed time.Time, dateOnly bool, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, false
	}
	for _, layout := range acceptedDateLayouts {
		parsed, err := time.Parse(layout, raw)
		if err == nil {
			return parsed.UTC().Truncate(time.Second), layout == dateOnlyLayout, true
		}
	}
	return time.Time{}, false, false
}

func setCSV(values url.Values, key string, items []string) {
	if len(items) == 0 {
		return
	}
	values.Set(key, strings.Join(items, ","))
}
