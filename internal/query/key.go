package query

import (
	"net/url"
	"strconv"
	"strings"
)

// RequestDateLayout is the date format the logs backend expects.
const RequestDateLayout = "2006-01-02T15:04:05"

// Key identifies one page of remote results. It is the encoded request query
// string, so two queries share a key exactly when they would issue the same
// request.
type Key string

// KeyFor derives the cache key of q. Display preferences never reach it.
func KeyFor(q Query) Key {
	return Key(q.RequestParams().Encode())
}

// Params decodes the request parameters a key stands for.
func (k Key) Params() url.Values {
	values, err := url.ParseQuery(string(k))
	if err != nil {
		return url.Values{}
	}
	return values
}

// Pins reports whether the key restricts results to id.
func (k Key) Pins(id string) bool {
	for _, pinned := range splitCSV(k.Params().Get("bot_uuid")) {
		if pinned == id {
			return true
		}
	}
	return false
}

// RequestParams renders q in the backend's list contract.
func (q Query) RequestParams() url.Values {
	c := Canonicalize(q)
	values := url.Values{}
	values.Set("offset", strconv.Itoa(c.Offset))
	values.Set("limit", strconv.Itoa(int(c.PageSize)))
	if !c.DateRange.Start.IsZero() {
		values.Set("start_date", c.DateRange.Start.Format(RequestDateLayout))
	}
	if !c.DateRange.End.IsZero() {
		values.Set("end_date", c.DateRange.End.Format(RequestDateLayout))
	}
	if len(c.Filters.Platform) > 0 {
		values.Set("meeting_url_contains", strings.Join(c.Filters.Platform, ","))
	}
	if len(c.Filters.Status) > 0 {
		values.Set("status_type", strings.Join(c.Filters.Status, ","))
	}
	if len(c.Filters.ReportedErrorStatus) > 0 {
		values.Set("user_reported_error_json", strings.Join(c.Filters.ReportedErrorStatus, ","))
	}
	if len(c.PinnedIDs) > 0 {
		values.Set("bot_uuid", strings.Join(c.PinnedIDs, ","))
	}
	return values
}
