// Package metrics exposes the Prometheus metrics of the extractor.
// Metrics are defined in their own packages (client, ratelimit, pagination,
// staging, extractor) and registered via promauto; this package serves them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer all extractor metrics are added to.
var Registry = prometheus.DefaultRegisterer

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server exposes /metrics for the duration of a run.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger zerolog.Logger
}

// Listen binds addr and starts serving /metrics in the background.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	s := &Server{
		srv: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - chartmogul_gate_admitted_total (Counter): Requests admitted by the shared gate
//   - chartmogul_gate_wait_seconds (Histogram): Time spent waiting for admission
//
// Request Metrics (pkg/client):
//   - chartmogul_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - chartmogul_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - chartmogul_errors_total{class} (Counter): Errors by class (retryable_status, status, network, parse)
//
// Retry Metrics (pkg/client):
//   - chartmogul_retries_total{error_class} (Counter): Retry attempts by error class
//   - chartmogul_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - chartmogul_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Batcher Metrics (pkg/pagination):
//   - chartmogul_batcher_inflight (Gauge): Sub-fetches currently in flight
//   - chartmogul_batcher_chunks_total{mode, outcome} (Counter): Fan-out chunks and probe rounds
//
// Staging Metrics (pkg/staging):
//   - chartmogul_staged_records_total{table} (Counter): Records staged by table
//   - chartmogul_staged_batches_total{table} (Counter): Batches staged by table
//
// Fetch Metrics (pkg/extractor):
//   - chartmogul_fetch_duration_seconds{endpoint} (Histogram): Complete fetch duration
//   - chartmogul_fetch_records_total{endpoint} (Counter): Records fetched by endpoint
//   - chartmogul_fetch_failures_total{endpoint} (Counter): Failed fetches by endpoint
//
// Example Prometheus Queries:
//
//   # Throttling share
//   rate(chartmogul_retries_total{error_class="retryable_status"}[5m]) /
//   rate(chartmogul_requests_total[5m])
//
//   # Mean admission wait
//   rate(chartmogul_gate_wait_seconds_sum[5m]) / rate(chartmogul_gate_wait_seconds_count[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(chartmogul_request_duration_seconds_bucket[5m]))
