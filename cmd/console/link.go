package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"botlogs/services/console/internal/config"
	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/query"
)

type linkReport struct {
	URL   string      `json:"url"`
	Query query.Query `json:"query"`
	Key   query.Key   `json:"key"`
}

// resolveLink parses a deep link the way a fresh session would and rewrites
// its query string in canonical form.
func resolveLink(rawURL string) (linkReport, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return linkReport{}, fmt.Errorf("parse url: %w", err)
	}
	codec := query.Codec{}
	q := codec.Parse(parsed.Query())
	parsed.RawQuery = codec.Merge(parsed.Query(), q).Encode()
	return linkReport{URL: parsed.String(), Query: q, Key: query.KeyFor(q)}, nil
}

func runLink(out io.Writer, rawURL string) error {
	report, err := resolveLink(rawURL)
	if err != nil {
		return err
	}
	return writeIndented(out, report)
}

func runFetch(ctx context.Context, out io.Writer, cfg config.Config, rawURL string) error {
	report, err := resolveLink(rawURL)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(logging.Options{Level: cfg.LogLevel, Component: "fetch"})
	client := logsapi.NewClient(cfg.LogsAPIBaseURL, cfg.LogsAPITimeout(), logger)

	page, err := client.FetchPage(ctx, report.Key)
	if err != nil {
		return err
	}
	return writeIndented(out, map[string]any{"link": report, "page": page})
}

func writeIndented(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
