// Package metrics provides Prometheus metrics for the file-transfer service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	UploadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_upload_bytes_total",
			Help: "Total bytes accepted by the upload pipeline",
		},
		[]string{"tenant"},
	)

	DownloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_download_bytes_total",
			Help: "Total bytes served by the download streamer",
		},
		[]string{"tenant"},
	)

	ChunkOrderViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_chunk_order_violations_total",
			Help: "Chunk uploads rejected for out-of-order sequence numbers",
		},
		[]string{"tenant"},
	)

	TornMergeRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_torn_merge_repairs_total",
			Help: "Resumable merge files repaired after a torn merge was detected",
		},
		[]string{"outcome"}, // "repaired" | "unrecoverable"
	)

	DecoderChainDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegate_decoder_chain_duration_seconds",
			Help:    "Time spent running the content-type decoder chain",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"content_type"},
	)

	RequestHookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_request_hook_failures_total",
			Help: "Post-upload request hook invocations that returned a non-zero exit",
		},
		[]string{"command"},
	)

	AuthRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_auth_rejections_total",
			Help: "Requests rejected by the token gate, by reason",
		},
		[]string{"reason"},
	)
)

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentRoute wraps an http.Handler with request-count and latency
// observations labeled by the given route template (not the raw path, to
// keep cardinality bounded).
func InstrumentRoute(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
