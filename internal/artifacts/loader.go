package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/logsapi"
)

const maxArtifactBytes int64 = 32 << 20

// Resolver finds where an artifact of a bot can be downloaded.
type Resolver interface {
	ArtifactURL(ctx context.Context, botUUID string, kind logsapi.ArtifactKind) (string, error)
}

type Artifact struct {
	URL         string
	ContentType string
	Body        []byte
}

type DebugLog struct {
	URL  string `json:"logsUrl"`
	Text string `json:"text"`
}

type SystemMetricsLog struct {
	URL     string          `json:"logsUrl"`
	Metrics []SystemMetrics `json:"metrics"`
	Skipped int             `json:"skipped"`
}

type SoundLog struct {
	URL       string       `json:"logsUrl"`
	SoundData []SoundLevel `json:"soundData"`
	Skipped   int          `json:"skipped"`
}

// Loader downloads bot artifacts. URLs that point into the configured bucket
// are read through the store; anything else is fetched over HTTP.
type Loader struct {
	resolver   Resolver
	store      Store
	httpClient *http.Client
	logger     *slog.Logger
}

func NewLoader(resolver Resolver, store Store, timeout time.Duration, logger *slog.Logger) *Loader {
	if store == nil {
		store = NewNoopStore()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Loader{
		resolver:   resolver,
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.OrDiscard(logger),
	}
}

func (l *Loader) Fetch(ctx context.Context, botUUID string, kind logsapi.ArtifactKind) (Artifact, error) {
	if !kind.Valid() {
		return Artifact{}, fmt.Errorf("unknown artifact kind %q", kind)
	}
	artifactURL, err := l.resolver.ArtifactURL(ctx, botUUID, kind)
	if err != nil {
		return Artifact{}, err
	}

	if key, ok := l.store.ObjectKey(artifactURL); ok {
		body, contentType, err := l.store.LoadObject(ctx, key)
		if err == nil {
			return Artifact{URL: artifactURL, ContentType: contentType, Body: body}, nil
		}
		l.logger.Warn("artifact store read failed, falling back to url",
			"bot_uuid", botUUID,
			"kind", kind,
			"error", err,
		)
	}

	return l.download(ctx, artifactURL)
}

func (l *Loader) DebugLog(ctx context.Context, botUUID string) (DebugLog, error) {
	artifact, err := l.Fetch(ctx, botUUID, logsapi.ArtifactDebugLogs)
	if err != nil {
		return DebugLog{}, err
	}
	return DebugLog{URL: artifact.URL, Text: Redact(string(artifact.Body))}, nil
}

func (l *Loader) SystemMetrics(ctx context.Context, botUUID string) (SystemMetricsLog, error) {
	artifact, err := l.Fetch(ctx, botUUID, logsapi.ArtifactMachineMetrics)
	if err != nil {
		return SystemMetricsLog{}, err
	}
	metrics, skipped := ParseSystemMetrics(artifact.Body)
	if skipped > 0 {
		l.logger.Debug("skipped malformed metric lines", "bot_uuid", botUUID, "skipped", skipped)
	}
	return SystemMetricsLog{URL: artifact.URL, Metrics: metrics, Skipped: skipped}, nil
}

func (l *Loader) SoundLevels(ctx context.Context, botUUID string) (SoundLog, error) {
	artifact, err := l.Fetch(ctx, botUUID, logsapi.ArtifactSoundLogs)
	if err != nil {
		return SoundLog{}, err
	}
	levels, skipped := ParseSoundLevels(artifact.Body)
	return SoundLog{URL: artifact.URL, SoundData: levels, Skipped: skipped}, nil
}

func (l *Loader) download(ctx context.Context, artifactURL string) (Artifact, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return Artifact{}, fmt.Errorf("build artifact request: %w", err)
	}

	response, err := l.httpClient.Do(request)
	if err != nil {
		return Artifact{}, fmt.Errorf("download artifact: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 2048))
		return Artifact{}, &logsapi.HTTPError{Op: "download artifact", StatusCode: response.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxArtifactBytes))
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	return Artifact{
		URL:         artifactURL,
		ContentType: response.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
