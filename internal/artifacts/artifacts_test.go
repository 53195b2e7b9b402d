package artifacts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"botlogs/services/console/internal/logsapi"
)

func TestParseSystemMetricsSkipsMalformedLines(t *testing.T) {
	body := []byte(`{"cpu":12.5,"mem":2048}
not json

{"cpu":13}
[1,2,3]
`)
	metrics, skipped := ParseSystemMetrics(body)
	if len(metrics) != 2 || skipped != 2 {
		t.Fatalf("expected 2 samples and 2 skipped, got %d and %d", len(metrics), skipped)
	}
	if metrics[1]["cpu"] == nil {
		t.Fatalf("expected cpu field, got %+v", metrics[1])
	}
}

func TestParseSoundLevels(t *testing.T) {
	body := []byte("2024-01-01T00:00:00Z,0.25\n2024-01-01T00:00:01Z,loud\nbroken\n2024-01-01T00:00:02Z, 0.5,extra\n")
	levels, skipped := ParseSoundLevels(body)
	if skipped != 2 {
		t.Fatalf("expected 2 skipped lines, got %d", skipped)
	}
	if len(levels) != 2 || levels[0].Level != 0.25 || levels[1].Level != 0.5 {
		t.Fatalf("unexpected levels: %+v", levels)
	}
}

func TestRedactMasksCredentials(t *testing.T) {
	input := strings.Join([]string{
		"joining meeting for alice@example.com",
		"Authorization: Bearer abcdefghijklmnop",
		"api_key=sk_live_123456 other=kept",
		"session 0123456789abcdef0123456789abcdef0123",
		"bot 0f8fad5b-d9cb-469f-a165-70867728950e started",
	}, "\n")

	got := Redact(input)
	for _, leaked := range []string{"alice@example.com", "abcdefghijklmnop", "sk_live_123456", "0123456789abcdef0123456789abcdef0123"} {
		if strings.Contains(got, leaked) {
			t.Fatalf("expected %q redacted, got:\n%s", leaked, got)
		}
	}
	for _, kept := range []string{"other=kept", "0f8fad5b-d9cb-469f-a165-70867728950e"} {
		if !strings.Contains(got, kept) {
			t.Fatalf("expected %q kept, got:\n%s", kept, got)
		}
	}
}

func TestS3StoreObjectKey(t *testing.T) {
	store := &S3Store{bucket: "bot-logs", endpointHost: "minio.local"}
	cases := []struct {
		url  string
		key  string
		want bool
	}{
		{url: "https://bot-logs.s3.eu-west-3.amazonaws.com/abc/logs.txt?X-Amz-Signature=1", key: "abc/logs.txt", want: true},
		{url: "https://s3.eu-west-3.amazonaws.com/bot-logs/abc/sound.csv", key: "abc/sound.csv", want: true},
		{url: "http://minio.local:9000/bot-logs/abc/machine.ndjson", key: "abc/machine.ndjson", want: true},
		{url: "https://other.s3.amazonaws.com/abc/logs.txt", want: false},
		{url: "https://cdn.example.com/bot-logs/abc", want: false},
		{url: "not a url", want: false},
	}
	for _, tc := range cases {
		key, ok := store.ObjectKey(tc.url)
		if ok != tc.want || key != tc.key {
			t.Fatalf("ObjectKey(%q) = %q, %v; want %q, %v", tc.url, key, ok, tc.key, tc.want)
		}
	}
}

type staticResolver struct {
	url string
	err error
}

func (r staticResolver) ArtifactURL(_ context.Context, _ string, _ logsapi.ArtifactKind) (string, error) {
	return r.url, r.err
}

func TestLoaderDownloadsAndRedacts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("login as bob@example.com\n"))
	}))
	defer ts.Close()

	loader := NewLoader(staticResolver{url: ts.URL + "/logs.txt"}, nil, time.Second, nil)
	debugLog, err := loader.DebugLog(context.Background(), "0f8fad5b-d9cb-469f-a165-70867728950e")
	if err != nil {
		t.Fatalf("debug log: %v", err)
	}
	if strings.Contains(debugLog.Text, "bob@example.com") || debugLog.URL != ts.URL+"/logs.txt" {
		t.Fatalf("unexpected debug log: %+v", debugLog)
	}
}

func TestLoaderSurfacesUpstreamStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusForbidden)
	}))
	defer ts.Close()

	loader := NewLoader(staticResolver{url: ts.URL}, NewNoopStore(), time.Second, nil)
	_, err := loader.SoundLevels(context.Background(), "0f8fad5b-d9cb-469f-a165-70867728950e")
	var httpErr *logsapi.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 HTTPError, got %v", err)
	}

	if _, err := loader.Fetch(context.Background(), "x", logsapi.ArtifactKind("video")); err == nil {
		t.Fatal("expected unknown kind rejected")
	}
}
