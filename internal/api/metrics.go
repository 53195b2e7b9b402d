package api

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

type apiMetrics struct {
	startedAtUnix         int64
	handler               *Handler
	sessionsCreatedTotal  atomic.Int64
	mutationsTotal        atomic.Int64
	mutationFailuresTotal atomic.Int64
	sharesTotal           atomic.Int64
	handoffsAppliedTotal  atomic.Int64
	rateLimitedTotal      atomic.Int64
}

func newAPIMetrics(handler *Handler) *apiMetrics {
	return &apiMetrics{
		startedAtUnix: time.Now().Unix(),
		handler:       handler,
	}
}

func (m *apiMetrics) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	uptimeSeconds := time.Now().Unix() - m.startedAtUnix
	writeMetric(w, "console_uptime_seconds", "gauge", "Process uptime in seconds.", uptimeSeconds)
	writeMetric(w, "console_sessions_created_total", "counter", "Console sessions opened.", m.sessionsCreatedTotal.Load())
	writeMetric(w, "console_mutations_total", "counter", "Mutations confirmed by the logs API.", m.mutationsTotal.Load())
	writeMetric(w, "console_mutation_failures_total", "counter", "Mutations that settled in the error state.", m.mutationFailuresTotal.Load())
	writeMetric(w, "console_shares_total", "counter", "Share links built.", m.sharesTotal.Load())
	writeMetric(w, "console_handoffs_applied_total", "counter", "Analytics handoffs that pinned ids.", m.handoffsAppliedTotal.Load())
	writeMetric(w, "console_rate_limited_total", "counter", "Requests rejected due to rate limiting.", m.rateLimitedTotal.Load())

	if m.handler.sessions != nil {
		writeMetric(w, "console_sessions_live", "gauge", "Console sessions currently open.", int64(m.handler.sessions.Len()))
	}
	if m.handler.handoff != nil {
		writeMetric(w, "console_handoffs_live", "gauge", "Handshakes waiting for ids.", int64(m.handler.handoff.Live()))
	}
	if m.handler.cache != nil {
		stats := m.handler.cache.Stats()
		writeMetric(w, "console_page_cache_entries", "gauge", "Pages held by the cache.", int64(stats.Entries))
		writeMetric(w, "console_page_cache_hits_total", "counter", "Fresh cache hits.", stats.Hits)
		writeMetric(w, "console_page_cache_stale_hits_total", "counter", "Cache hits served while refreshing.", stats.StaleHits)
		writeMetric(w, "console_page_cache_misses_total", "counter", "Cache misses.", stats.Misses)
		writeMetric(w, "console_page_cache_fetches_total", "counter", "Page requests sent to the logs API.", stats.Fetches)
		writeMetric(w, "console_page_cache_fetch_errors_total", "counter", "Page requests that failed.", stats.FetchErrors)
		writeMetric(w, "console_page_cache_invalidations_total", "counter", "Cache invalidations applied.", stats.Invalidation)
	}
}

func writeMetric(w http.ResponseWriter, name, kind, help string, value int64) {
	_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
}
