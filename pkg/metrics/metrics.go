// Package metrics exposes the Prometheus registry used by the export
// puller. All metrics are defined in their respective packages (transport,
// ratelimit, tenant, cursor, puller, notify, sink) to maintain modularity
// and avoid circular dependencies.
//
// This package provides the HTTP handler and the metric catalogue.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the export puller.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads the metrics registered on Registry.
var Gatherer = prometheus.DefaultGatherer

// Path is where Handler is mounted by Serve.
const Path = "/metrics"

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(Path, Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Metrics Documentation
//
// Request Metrics (pkg/transport):
//   - export_requests_total{op, status} (Counter): Tenant API requests by operation and HTTP status
//   - export_request_duration_seconds{op} (Histogram): Request duration by operation
//   - export_errors_total{class} (Counter): Errors by class (server, rate_limit, conflict, auth, forbidden, client, network)
//
// Retry Metrics (pkg/transport):
//   - export_retries_total{error_class} (Counter): Retry attempts by error class
//   - export_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - export_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - export_rate_limit_remaining{tenant} (Gauge): Requests remaining in the tenant window
//   - export_rate_limit_blocks_total (Counter): Requests blocked until the window reset
//   - export_rate_limit_throttles_total (Counter): Requests slowed down near the limit
//
// Tenant Metrics (pkg/tenant):
//   - export_tenant_storage_writes_total (Counter): Field-level storage updates
//   - export_tenant_store_errors_total (Counter): Store failures
//   - export_tenant_snapshot_lookups_total{result} (Counter): Snapshot cache hits, misses and refreshes
//
// Cursor Metrics (pkg/cursor):
//   - export_cursor_polls_total{status} (Counter): Cursor status polls by reported status
//   - export_cursor_creations_total{result} (Counter): Cursor provisioning attempts
//
// Pull Metrics (pkg/puller):
//   - export_pulled_records_total{type, subtype} (Counter): Records handed to the queue
//   - export_queued_items_total{type, kind} (Counter): Queue items by kind (batch, terminal)
//   - export_live_workers{tenant, type} (Gauge): Running subtype workers
//   - export_queue_depth{tenant, type} (Gauge): Items waiting to be drained
//   - export_worker_exits_total{type, result} (Counter): Worker exits (success, failure)
//   - export_pull_failures_total{type, class} (Counter): Failed pull attempts
//   - export_backpressure_active (Gauge): 1 while downstream backpressure stops pulling
//
// Banner Metrics (pkg/notify):
//   - export_banners_total{banner, action} (Counter): Banners raised and acknowledged
//
// Sink Metrics (pkg/sink):
//   - export_sink_messages_total{result} (Counter): Batches written downstream
//   - export_sink_write_duration_seconds (Histogram): Downstream write latency
//
// Example Prometheus Queries:
//
//   # Records pulled per subtype
//   sum by (subtype) (rate(export_pulled_records_total[5m]))
//
//   # Tenants close to their rate limit
//   export_rate_limit_remaining < 3
//
//   # Failed worker ratio
//   sum(rate(export_worker_exits_total{result="failure"}[1h])) /
//   sum(rate(export_worker_exits_total[1h]))
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(export_request_duration_seconds_bucket[5m]))
