// Package metrics exposes Prometheus metrics for compression runs and the
// status API.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"image-compressor-go/internal/compressor"
)

var (
	filesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_compressor_files_total",
			Help: "Files handled by compression runs, by pool and outcome.",
		},
		[]string{"provider", "pool", "status"},
	)

	bytesSavedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_compressor_bytes_saved_total",
			Help: "Bytes removed from files by compression.",
		},
		[]string{"provider"},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "image_compressor_run_duration_seconds",
			Help:    "Duration of a compression run.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)

	cacheFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_compressor_cache_flushes_total",
			Help: "Cache invalidations triggered after a pool was compressed.",
		},
		[]string{"result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_compressor_http_requests_total",
			Help: "HTTP requests served by the status API.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "image_compressor_http_request_duration_seconds",
			Help:    "Duration of status API requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveResult counts one compression result.
func ObserveResult(res compressor.Result) {
	pool := "original"
	if res.Processed {
		pool = "processed"
	}
	filesTotal.WithLabelValues(res.Provider, pool, res.Status.String()).Inc()

	if res.Compressed() && res.OriginalSize > res.NewSize {
		bytesSavedTotal.WithLabelValues(res.Provider).Add(float64(res.OriginalSize - res.NewSize))
	}
}

// ObserveRun records the duration of a finished run.
func ObserveRun(d time.Duration) {
	runDuration.Observe(d.Seconds())
}

// ObserveCacheFlush counts a cache invalidation.
func ObserveCacheFlush(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheFlushesTotal.WithLabelValues(result).Inc()
}

// Middleware records request counts and durations. Paths are labelled with
// their mux route template to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := routeTemplate(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack is needed by the websocket upgrader.
func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
