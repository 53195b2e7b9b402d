package query

import (
	"fmt"
	"testing"
	"time"
)

func testID(i int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", i)
}

func TestKeyForIsDeterministic(t *testing.T) {
	a := Query{
		PageSize:  PageSizeSmall,
		Filters:   Filters{Status: []string{"pending", "error"}},
		PinnedIDs: []string{testID(1)},
	}
	b := Query{
		PageSize:  PageSizeSmall,
		Filters:   Filters{Status: []string{"error", "pending", "error"}},
		PinnedIDs: []string{testID(1), testID(1)},
	}
	if KeyFor(a) != KeyFor(b) {
		t.Fatalf("expected equal keys, got %q and %q", KeyFor(a), KeyFor(b))
	}
}

func TestKeyForSeparatesPagesAndPins(t *testing.T) {
	base := Query{PageSize: PageSizeSmall}
	next := base
	next.Offset = 20
	pinned := base
	pinned.PinnedIDs = []string{testID(2)}

	if KeyFor(base) == KeyFor(next) {
		t.Fatal("expected different offsets to produce different keys")
	}
	if KeyFor(base) == KeyFor(pinned) {
		t.Fatal("expected pinned ids to be part of the key")
	}
	if !KeyFor(pinned).Pins(testID(2)) {
		t.Fatal("expected key to report its pinned id")
	}
}

func TestRequestParamsContract(t *testing.T) {
	q := Query{
		Offset:   40,
		PageSize: PageSizeMedium,
		DateRange: DateRange{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 1, 14, 23, 59, 59, 0, time.UTC),
		},
		Filters: Filters{
			Platform:            []string{"meet.google.com", "zoom.us"},
			ReportedErrorStatus: []string{`{"status":"open"}`},
		},
	}

	params := q.RequestParams()
	checks := map[string]string{
		"offset":                   "40",
		"limit":                    "50",
		"start_date":               "2024-01-01T00:00:00",
		"end_date":                 "2024-01-14T23:59:59",
		"meeting_url_contains":     "zoom.us,meet.google.com",
		"user_reported_error_json": `{"status":"open"}`,
	}
	for key, want := range checks {
		if got := params.Get(key); got != want {
			t.Fatalf("param %s = %q, want %q", key, got, want)
		}
	}
	if params.Has("status_type") || params.Has("bot_uuid") {
		t.Fatalf("expected empty filters omitted, got %v", params)
	}
}

func TestWithPageSizeFloorsOffset(t *testing.T) {
	cases := []struct {
		offset int
		size   PageSize
		want   int
	}{
		{offset: 40, size: PageSizeMedium, want: 0},
		{offset: 60, size: PageSizeMedium, want: 50},
		{offset: 100, size: PageSizeLarge, want: 100},
		{offset: 150, size: PageSizeSmall, want: 140},
	}
	for _, tc := range cases {
		q := Query{Offset: tc.offset, PageSize: PageSizeSmall}.WithPageSize(tc.size)
		if q.Offset != tc.want || q.PageSize != tc.size {
			t.Fatalf("offset %d -> size %d: got offset=%d size=%d", tc.offset, tc.size, q.Offset, q.PageSize)
		}
	}
}
