package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"botlogs/services/console/internal/artifacts"
	"botlogs/services/console/internal/console"
	"botlogs/services/console/internal/handoff"
	"botlogs/services/console/internal/logging"
	"botlogs/services/console/internal/logsapi"
	"botlogs/services/console/internal/mutation"
	"botlogs/services/console/internal/pagecache"
)

var validate = validator.New()

// RecordSource looks up one record for thread views.
type RecordSource interface {
	FindRecord(ctx context.Context, botUUID string) (logsapi.Record, error)
	Screenshots(ctx context.Context, botUUID string) ([]logsapi.Screenshot, error)
}

// ArtifactLoader serves per-bot log artifacts.
type ArtifactLoader interface {
	DebugLog(ctx context.Context, botUUID string) (artifacts.DebugLog, error)
	SystemMetrics(ctx context.Context, botUUID string) (artifacts.SystemMetricsLog, error)
	SoundLevels(ctx context.Context, botUUID string) (artifacts.SoundLog, error)
}

// HealthChecker is a dependency probed by /healthz.
type HealthChecker interface {
	Health(ctx context.Context) error
}

type Options struct {
	Sessions  *console.Manager
	Cache     *pagecache.Cache
	Records   RecordSource
	Artifacts ArtifactLoader
	Handoff   *handoff.Channel
	OpenPrefs console.PrefsOpener
	Health    map[string]HealthChecker
	Logger    *slog.Logger

	CORSAllowedOrigins      []string
	RequestTimeout          time.Duration
	RateLimitRequestsPerSec float64
	RateLimitBurst          int
}

type Handler struct {
	sessions           *console.Manager
	cache              *pagecache.Cache
	records            RecordSource
	artifacts          ArtifactLoader
	handoff            *handoff.Channel
	openPrefs          console.PrefsOpener
	health             map[string]HealthChecker
	logger             *slog.Logger
	corsAllowedOrigins []string
	requestTimeout     time.Duration
	rateLimiter        *apiRateLimiter
	metrics            *apiMetrics
}

type requestContextKey string

const sessionContextKey = requestContextKey("session")

func NewHandler(opts Options) *Handler {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	origins := opts.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	h := &Handler{
		sessions:           opts.Sessions,
		cache:              opts.Cache,
		records:            opts.Records,
		artifacts:          opts.Artifacts,
		handoff:            opts.Handoff,
		openPrefs:          opts.OpenPrefs,
		health:             opts.Health,
		logger:             logging.OrDiscard(opts.Logger),
		corsAllowedOrigins: origins,
		requestTimeout:     timeout,
		rateLimiter:        newAPIRateLimiter(opts.RateLimitRequestsPerSec, opts.RateLimitBurst),
	}
	h.metrics = newAPIMetrics(h)
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	if h.rateLimiter != nil {
		r.Use(h.rateLimited)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Device-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Get("/metrics", h.metrics.handleMetrics)

	// Websockets outlive the request timeout.
	r.Group(func(r chi.Router) {
		r.With(h.withSession).Get("/v1/sessions/{sessionID}/events", h.streamSessionEvents)
		r.Get("/v1/handoff/{windowID}", h.serveHandoff)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(h.requestTimeout))

		r.Post("/v1/sessions", h.createSession)
		r.Get("/v1/preferences/{key}", h.getPreference)
		r.Put("/v1/preferences/{key}", h.putPreference)
		r.Post("/v1/handoff", h.issueHandoff)
		r.Get("/v1/records/{recordID}/artifacts/{kind}", h.getArtifact)
		r.Get("/v1/records/{recordID}/screenshots", h.getScreenshots)

		r.Group(func(r chi.Router) {
			r.Use(h.withSession)

			r.Get("/v1/sessions/{sessionID}", h.getSession)
			r.Delete("/v1/sessions/{sessionID}", h.closeSession)
			r.Patch("/v1/sessions/{sessionID}/query", h.patchQuery)
			r.Post("/v1/sessions/{sessionID}/navigate", h.navigate)
			r.Post("/v1/sessions/{sessionID}/back", h.back)
			r.Get("/v1/sessions/{sessionID}/page", h.getPage)
			r.Post("/v1/sessions/{sessionID}/refresh", h.refresh)
			r.Post("/v1/sessions/{sessionID}/selection", h.updateSelection)
			r.Post("/v1/sessions/{sessionID}/share", h.share)
			r.Get("/v1/sessions/{sessionID}/entries", h.listEntries)
			r.Post("/v1/sessions/{sessionID}/entries/{localID}/retry", h.retryEntry)
			r.Get("/v1/sessions/{sessionID}/records/{recordID}/entries", h.listRecordEntries)
			r.Get("/v1/sessions/{sessionID}/records/{recordID}/thread", h.getThread)
			r.Delete("/v1/sessions/{sessionID}/records/{recordID}/thread", h.dismissThread)
			r.Post("/v1/sessions/{sessionID}/records/{recordID}/retry-webhook", h.retryWebhook)
			r.Post("/v1/sessions/{sessionID}/records/{recordID}/report-error", h.reportError)
			r.Post("/v1/sessions/{sessionID}/records/{recordID}/thread/messages", h.postThreadMessage)
			r.Post("/v1/sessions/{sessionID}/records/{recordID}/thread/status", h.setThreadStatus)
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.health))
	healthy := true
	for name, checker := range h.health {
		if err := checker.Health(r.Context()); err != nil {
			h.logger.Warn("health check failed", "dependency", name, "error", err)
			checks[name] = "down"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "down", "checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "checks": checks})
}

func (h *Handler) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) *console.Session {
	session, _ := ctx.Value(sessionContextKey).(*console.Session)
	return session
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(started).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (h *Handler) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.rateLimiter.allow(clientAddress(r)) {
			h.metrics.rateLimitedTotal.Add(1)
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeAndValidate reads a JSON body into dst and runs the shared validator.
// An empty body leaves dst untouched.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body != nil {
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return errInvalidPayload
		}
	}
	return validate.Struct(dst)
}

var errInvalidPayload = errors.New("invalid payload")

// writeError maps domain errors onto HTTP responses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErrs validator.ValidationErrors
	var httpErr *logsapi.HTTPError
	var fetchErr *pagecache.FetchError

	switch {
	case errors.Is(err, errInvalidPayload):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	case errors.As(err, &validationErrs):
		out := make(map[string]string, len(validationErrs))
		for _, fe := range validationErrs {
			out[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"message": "validation failed",
			"errors":  out,
		})
	case errors.Is(err, logsapi.ErrNotFound), errors.Is(err, mutation.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, mutation.ErrNotEnded):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "record_not_ended"})
	case errors.Is(err, mutation.ErrStale):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "superseded"})
	case errors.Is(err, mutation.ErrNotRetryable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "not_retryable"})
	case errors.Is(err, mutation.ErrClosed), errors.Is(err, console.ErrShutdown):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
	case errors.Is(err, artifacts.ErrNotConfigured):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "artifact store unavailable"})
	case errors.As(err, &httpErr), errors.As(err, &fetchErr):
		h.logger.Warn("upstream request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream request failed"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "timed out"})
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func trimmedParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}
