package logsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/query"
)

// ReportNotePrefix starts every note created by ReportError.
const ReportNotePrefix = "User reported an error."

const maxErrorBody = 2048

// Client talks to the bots backend. It never retries; timeouts come from the
// underlying http.Client.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logging.OrDiscard(logger),
	}
}

// NewClientWithHTTP uses a caller supplied http.Client.
func NewClientWithHTTP(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	c := NewClient(baseURL, 0, logger)
	if httpClient != nil {
		c.client = httpClient
	}
	return c
}

// FetchPage requests the page a cache key stands for.
func (c *Client) FetchPage(ctx context.Context, key query.Key) (Page, error) {
	page := Page{}
	if err := c.getJSON(ctx, "fetch logs", "/bots/all", key.Params(), &page); err != nil {
		return Page{}, err
	}
	if page.Records == nil {
		page.Records = []Record{}
	}
	return page, nil
}

// FindRecord looks a single record up by uuid.
func (c *Client) FindRecord(ctx context.Context, botUUID string) (Record, error) {
	params := url.Values{}
	params.Set("offset", "0")
	params.Set("limit", "1")
	params.Set("bot_uuid", botUUID)

	page := Page{}
	if err := c.getJSON(ctx, "find record", "/bots/all", params, &page); err != nil {
		return Record{}, err
	}
	for _, record := range page.Records {
		if record.Bot.UUID == botUUID {
			return record, nil
		}
	}
	return Record{}, fmt.Errorf("find record %s: %w", botUUID, ErrNotFound)
}

func (c *Client) RetryWebhook(ctx context.Context, botUUID, webhookURL string) error {
	params := url.Values{}
	params.Set("bot_uuid", botUUID)
	if strings.TrimSpace(webhookURL) != "" {
		params.Set("webhook_url", webhookURL)
	}
	return c.send(ctx, "retry webhook", http.MethodPost, "/bots/retry_webhook", params, nil)
}

// ReportError opens a reported error thread for an ended bot.
func (c *Client) ReportError(ctx context.Context, botUUID, note string) error {
	message := ReportNotePrefix
	if strings.TrimSpace(note) != "" {
		message += " Additional context: " + note
	}
	return c.UpdateError(ctx, botUUID, message, ThreadOpen)
}

// UpdateError appends a note to a reported error thread and optionally moves
// its status. An empty status leaves it unchanged.
func (c *Client) UpdateError(ctx context.Context, botUUID, note, status string) error {
	body := map[string]string{
		"bot_uuid": botUUID,
		"note":     note,
	}
	if status != "" {
		body["status"] = status
	}
	path := "/bots/" + url.PathEscape(botUUID) + "/user_reported_error"
	return c.send(ctx, "update reported error", http.MethodPost, path, nil, body)
}

// ArtifactURL resolves where a bot artifact can be downloaded from.
func (c *Client) ArtifactURL(ctx context.Context, botUUID string, kind ArtifactKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unsupported artifact kind %q", kind)
	}
	var payload struct {
		URL string `json:"url"`
	}
	path := "/bots/" + url.PathEscape(botUUID) + "/" + string(kind)
	if err := c.getJSON(ctx, "resolve "+string(kind), path, nil, &payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.URL) == "" {
		return "", fmt.Errorf("%s url for %s: %w", kind, botUUID, ErrNotFound)
	}
	return payload.URL, nil
}

func (c *Client) Screenshots(ctx context.Context, botUUID string) ([]Screenshot, error) {
	screenshots := []Screenshot{}
	path := "/bots/" + url.PathEscape(botUUID) + "/screenshots"
	if err := c.getJSON(ctx, "fetch screenshots", path, nil, &screenshots); err != nil {
		return nil, err
	}
	return screenshots, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, params url.Values, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, params), nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer response.Body.Close()

	if err := checkResponse(op, response); err != nil {
		return err
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, path string, params url.Values, body any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, params), reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer response.Body.Close()

	if err := checkResponse(op, response); err != nil {
		c.logger.Warn("backend mutation rejected", "op", op, "status", response.StatusCode)
		return err
	}
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

func (c *Client) endpoint(path string, params url.Values) string {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return endpoint
}

func checkResponse(op string, response *http.Response) error {
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	return &HTTPError{
		Op:         op,
		StatusCode: response.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
