// Package metrics exposes the Prometheus registry of the ingestion service.
// Metrics are defined with promauto in the packages that own them (client,
// ratelimit, pagination, idempotency, ingest); this package serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all ingestion metrics are registered with.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metric catalogue
//
// Source requests (pkg/client):
//   - ingest_http_requests_total{status} (Counter)
//   - ingest_http_request_duration_seconds (Histogram): including retries
//   - ingest_http_errors_total{class} (Counter): client, server, rate_limit, network, malformed
//   - ingest_retries_total{error_class} (Counter)
//   - ingest_retry_backoff_seconds{error_class} (Histogram)
//   - ingest_retry_exhausted_total{error_class} (Counter)
//
// Call budget (pkg/ratelimit):
//   - ingest_call_limit_used (Gauge): last reported bucket fill of the source
//   - ingest_rate_limit_throttles_total (Counter): requests delayed before sending
//
// Pagination (pkg/pagination):
//   - ingest_pages_fetched_total (Counter)
//   - ingest_records_fetched_total (Counter)
//
// Idempotency (pkg/idempotency):
//   - ingest_idempotency_transitions_total{state} (Counter): pending, completed, failed
//   - ingest_idempotency_contention_total{reason} (Counter): begin rejected
//
// Runs (pkg/ingest):
//   - ingest_records_total{outcome} (Counter): imported, skipped, failed
//   - ingest_run_duration_seconds{mode} (Histogram): import, fetch_only
//
// Example queries:
//
//   # Failure ratio of imported records
//   sum(rate(ingest_records_total{outcome="failed"}[1h])) /
//   sum(rate(ingest_records_total[1h]))
//
//   # Source bucket close to full
//   ingest_call_limit_used > 35
//
//   # P95 source latency
//   histogram_quantile(0.95, rate(ingest_http_request_duration_seconds_bucket[5m]))
