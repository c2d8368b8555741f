// Package metrics exposes Prometheus instrumentation for the ephemeris
// service: HTTP traffic, state computation, kernel lifecycle, keyframe
// cache and stream activity.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemgo_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ephemgo_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	computationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ephemgo_computation_duration_seconds",
			Help:    "Duration of keyframe state computation batches in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	statesComputedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemgo_states_computed_total",
			Help: "Total number of body states computed, by result.",
		},
		[]string{"result"},
	)

	computationWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ephemgo_computation_workers",
			Help: "Configured worker count for state computation.",
		},
	)

	kernelLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemgo_kernel_loads_total",
			Help: "Total number of kernel loads, by source.",
		},
		[]string{"source"},
	)

	kernelLoadFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemgo_kernel_load_failures_total",
			Help: "Total number of failed kernel loads, by source.",
		},
		[]string{"source"},
	)

	kernelSegments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ephemgo_kernel_segments",
			Help: "Usable segment count of the currently loaded kernel.",
		},
	)

	kernelDownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ephemgo_kernel_download_bytes_total",
			Help: "Total bytes downloaded for kernel files.",
		},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ephemgo_cache_hits_total",
			Help: "Total keyframe cache hits.",
		},
	)

	cacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ephemgo_cache_misses_total",
			Help: "Total keyframe cache misses.",
		},
	)

	cacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ephemgo_cache_evictions_total",
			Help: "Total keyframe cache entries evicted.",
		},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ephemgo_cache_entries",
			Help: "Number of keyframes in the rolling cache.",
		},
	)

	cacheSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ephemgo_cache_size_bytes",
			Help: "Estimated memory footprint of the keyframe cache.",
		},
	)

	cacheRegenerationErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ephemgo_cache_regeneration_errors_total",
			Help: "Total keyframe generation failures in the cache worker.",
		},
	)

	cacheRegenerationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ephemgo_cache_regeneration_duration_seconds",
			Help:    "Duration of keyframe cache generation work in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	cacheGracePeriodActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ephemgo_cache_grace_period_active",
			Help: "1 while a kernel cutover rebuild is in progress, else 0.",
		},
	)

	streamConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemgo_stream_connections_total",
			Help: "Total stream connection events, by event type.",
		},
		[]string{"event"},
	)

	streamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ephemgo_streams_active",
			Help: "Number of connected stream clients.",
		},
	)

	streamMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ephemgo_stream_messages_total",
			Help: "Total data messages sent to stream clients.",
		},
	)

	streamBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ephemgo_stream_bytes_total",
			Help: "Total bytes written to stream clients.",
		},
	)

	streamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ephemgo_stream_errors_total",
			Help: "Total stream errors, by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpDurationSeconds)
	prometheus.MustRegister(computationDurationSeconds)
	prometheus.MustRegister(statesComputedTotal)
	prometheus.MustRegister(computationWorkers)
	prometheus.MustRegister(kernelLoadsTotal)
	prometheus.MustRegister(kernelLoadFailuresTotal)
	prometheus.MustRegister(kernelSegments)
	prometheus.MustRegister(kernelDownloadBytesTotal)
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(cacheMissesTotal)
	prometheus.MustRegister(cacheEvictionsTotal)
	prometheus.MustRegister(cacheEntries)
	prometheus.MustRegister(cacheSizeBytes)
	prometheus.MustRegister(cacheRegenerationErrorsTotal)
	prometheus.MustRegister(cacheRegenerationDurationSeconds)
	prometheus.MustRegister(cacheGracePeriodActive)
	prometheus.MustRegister(streamConnectionsTotal)
	prometheus.MustRegister(streamsActive)
	prometheus.MustRegister(streamMessagesTotal)
	prometheus.MustRegister(streamBytesTotal)
	prometheus.MustRegister(streamErrorsTotal)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE streaming works through
// the metrics layer.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap keeps http.ResponseController working through the wrapper.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and duration for each request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		path := normalizeRoute(r.URL.Path)

		httpRequestsTotal.WithLabelValues(path, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(path, r.Method).Observe(duration)
	})
}

// knownRoutes are the exact paths the service serves. Anything else is
// folded into "other" so scanner noise cannot grow the label space.
var knownRoutes = map[string]bool{
	"/":                              true,
	"/healthz":                       true,
	"/readyz":                        true,
	"/metrics":                       true,
	"/api/v1/bodies":                 true,
	"/api/v1/kernel/metadata":        true,
	"/api/v1/kernel/fetch":           true,
	"/api/v1/cache/keyframes/latest": true,
	"/api/v1/cache/keyframes/at":     true,
	"/api/v1/cache/stats":            true,
	"/api/v1/stream/keyframes":       true,
}

// normalizeRoute maps a request path to a bounded metric label: known
// routes pass through, per-body routes collapse to one label each,
// static assets collapse to their prefix, everything else is "other".
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	for _, prefix := range []string{"/api/v1/state/", "/api/v1/ephemeris/"} {
		if rest, ok := strings.CutPrefix(path, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			return prefix + "{target}"
		}
	}
	if strings.HasPrefix(path, "/static/") {
		return "/static/"
	}
	return "other"
}

// RecordComputation records one state computation batch.
func RecordComputation(duration time.Duration, successCount, errorCount int) {
	computationDurationSeconds.Observe(duration.Seconds())
	statesComputedTotal.WithLabelValues("ok").Add(float64(successCount))
	statesComputedTotal.WithLabelValues("error").Add(float64(errorCount))
}

// SetComputationWorkers publishes the configured worker pool size.
func SetComputationWorkers(n int) {
	computationWorkers.Set(float64(n))
}

// RecordKernelLoad records a successful kernel load and the segment count
// now serving requests. Source distinguishes remote fetches from disk
// cache and watcher reloads.
func RecordKernelLoad(source string, segments int) {
	kernelLoadsTotal.WithLabelValues(source).Inc()
	kernelSegments.Set(float64(segments))
}

// RecordKernelLoadFailure records a kernel load that did not produce a
// usable kernel.
func RecordKernelLoadFailure(source string) {
	kernelLoadFailuresTotal.WithLabelValues(source).Inc()
}

// RecordKernelDownload records bytes fetched from a kernel mirror.
func RecordKernelDownload(bytes int64) {
	kernelDownloadBytesTotal.Add(float64(bytes))
}

var kernelAgeOnce sync.Once

// RegisterKernelAge registers a gauge reporting the loaded kernel's age
// in seconds via fn (-1 when nothing is loaded). Only the first
// registration takes effect.
func RegisterKernelAge(fn func() float64) {
	kernelAgeOnce.Do(func() {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "ephemgo_kernel_age_seconds",
				Help: "Age of the currently loaded kernel in seconds, -1 when none.",
			},
			fn,
		))
	})
}

// IncCacheHits increments the keyframe cache hit counter.
func IncCacheHits() { cacheHitsTotal.Inc() }

// IncCacheMisses increments the keyframe cache miss counter.
func IncCacheMisses() { cacheMissesTotal.Inc() }

// AddCacheEvictions adds n to the eviction counter.
func AddCacheEvictions(n int) { cacheEvictionsTotal.Add(float64(n)) }

// SetCacheEntries publishes the current keyframe cache entry count.
func SetCacheEntries(n int) { cacheEntries.Set(float64(n)) }

// SetCacheSizeBytes publishes the estimated cache memory footprint.
func SetCacheSizeBytes(n int64) { cacheSizeBytes.Set(float64(n)) }

// IncCacheRegenerationErrors increments the cache generation error counter.
func IncCacheRegenerationErrors() { cacheRegenerationErrorsTotal.Inc() }

// ObserveCacheRegenerationDuration records time spent generating cache
// entries.
func ObserveCacheRegenerationDuration(d time.Duration) {
	cacheRegenerationDurationSeconds.Observe(d.Seconds())
}

// SetCacheGracePeriodActive publishes whether a cutover rebuild is in
// progress.
func SetCacheGracePeriodActive(active bool) {
	if active {
		cacheGracePeriodActive.Set(1)
	} else {
		cacheGracePeriodActive.Set(0)
	}
}

// IncStreamConnections counts a stream connection event ("connect" or
// "disconnect").
func IncStreamConnections(event string) {
	streamConnectionsTotal.WithLabelValues(event).Inc()
}

// IncStreamsActive increments the connected stream client gauge.
func IncStreamsActive() { streamsActive.Inc() }

// DecStreamsActive decrements the connected stream client gauge.
func DecStreamsActive() { streamsActive.Dec() }

// IncStreamMessages counts one data message delivered to a stream client.
func IncStreamMessages() { streamMessagesTotal.Inc() }

// AddStreamBytes adds n to the bytes-written counter.
func AddStreamBytes(n int64) { streamBytesTotal.Add(float64(n)) }

// IncStreamErrors counts a stream error of the given kind.
func IncStreamErrors(kind string) {
	streamErrorsTotal.WithLabelValues(kind).Inc()
}
