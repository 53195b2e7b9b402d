package logsapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"botlogs/services/console/internal/query"
)

func TestFetchPageSendsContractParams(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bots/all" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"has_more":true,"bots":[{"bot":{"id":7,"account_id":1,"uuid":"00000000-0000-4000-8000-000000000001","meeting_url":"https://zoom.us/j/1","created_at":"2024-01-02T10:00:00.123456","session_id":null,"reserved":false,"errors":null,"ended_at":"2024-01-02T11:00:00"},"params":{"webhook_url":"https://hooks.example.com","extra":null,"bot_name":"Recorder"},"duration":3600}]}`))
	}))
	t.Cleanup(server.Close)

	q := query.Query{
		Offset:   20,
		PageSize: query.PageSizeSmall,
		DateRange: query.DateRange{
			Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2024, 1, 14, 23, 59, 59, 0, time.UTC),
		},
		Filters: query.Filters{Status: []string{"error"}},
	}
	client := NewClient(server.URL, time.Second, nil)
	page, err := client.FetchPage(context.Background(), query.KeyFor(q))
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}

	if gotQuery != string(query.KeyFor(q)) {
		t.Fatalf("expected request query %q, got %q", query.KeyFor(q), gotQuery)
	}
	if !page.HasMore || len(page.Records) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	record := page.Records[0]
	if !record.Ended() || record.Platform() != "zoom" || record.WebhookURL() != "https://hooks.example.com" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Status().Text != "Completed" {
		t.Fatalf("unexpected status %+v", record.Status())
	}
}

func TestNonSuccessReturnsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, time.Second, nil)
	_, err := client.FetchPage(context.Background(), query.KeyFor(query.Query{}))

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadGateway || httpErr.Body != "boom" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if StatusCode(err) != http.StatusBadGateway {
		t.Fatalf("expected status code helper to unwrap, got %d", StatusCode(err))
	}
}

func TestReportErrorBuildsNote(t *testing.T) {
	var body map[string]string
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, time.Second, nil)
	if err := client.ReportError(context.Background(), "abc", "bot never joined"); err != nil {
		t.Fatalf("report error: %v", err)
	}

	if path != "/bots/abc/user_reported_error" {
		t.Fatalf("unexpected path %s", path)
	}
	if body["note"] != "User reported an error. Additional context: bot never joined" {
		t.Fatalf("unexpected note %q", body["note"])
	}
	if body["status"] != ThreadOpen || body["bot_uuid"] != "abc" {
		t.Fatalf("unexpected body %v", body)
	}
	if DisplayNote(body["note"]) != "bot never joined" {
		t.Fatalf("unexpected display note %q", DisplayNote(body["note"]))
	}
}

func TestRetryWebhookQuery(t *testing.T) {
	var method, webhook string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		webhook = r.URL.Query().Get("webhook_url")
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL, time.Second, nil)
	if err := client.RetryWebhook(context.Background(), "abc", "https://example.com/hook?x=1"); err != nil {
		t.Fatalf("retry webhook: %v", err)
	}
	if method != http.MethodPost || webhook != "https://example.com/hook?x=1" {
		t.Fatalf("unexpected request method=%s webhook=%s", method, webhook)
	}
}

func TestFindRecordNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"has_more":false,"bots":[]}`))
	}))
	t.Cleanup(server.Close)

	_, err := NewClient(server.URL, time.Second, nil).FindRecord(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadableError(t *testing.T) {
	cases := []struct {
		raw      string
		text     string
		severity StatusType
	}{
		{raw: "InternalError: worker crashed", text: "Internal Error", severity: StatusError},
		{raw: "Error sending webhook to client", text: "Webhook Error", severity: StatusWarning},
		{raw: "Request failed. Status: 503", text: "HTTP 503: Service Unavailable", severity: StatusError},
		{raw: "Request failed. Status: 404", text: "HTTP 404: Not Found", severity: StatusWarning},
		{raw: "BotNotAccepted", text: "Bot Not Accepted", severity: StatusError},
		{raw: "something odd", text: "something odd", severity: StatusWarning},
	}
	for _, tc := range cases {
		got := ReadableError(tc.raw)
		if got.Text != tc.text || got.Type != tc.severity {
			t.Fatalf("%q: got %+v", tc.raw, got)
		}
	}
}
