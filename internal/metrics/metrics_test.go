package metrics

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/api/v1/bodies", "/api/v1/bodies"},
		{"/api/v1/kernel/metadata", "/api/v1/kernel/metadata"},
		{"/api/v1/kernel/fetch", "/api/v1/kernel/fetch"},
		{"/api/v1/cache/keyframes/latest", "/api/v1/cache/keyframes/latest"},
		{"/api/v1/cache/keyframes/at", "/api/v1/cache/keyframes/at"},
		{"/api/v1/cache/stats", "/api/v1/cache/stats"},
		{"/api/v1/stream/keyframes", "/api/v1/stream/keyframes"},

		// Parameterized body routes collapse to one label.
		{"/api/v1/state/399", "/api/v1/state/{target}"},
		{"/api/v1/state/earth", "/api/v1/state/{target}"},
		{"/api/v1/ephemeris/301", "/api/v1/ephemeris/{target}"},
		{"/api/v1/ephemeris/moon", "/api/v1/ephemeris/{target}"},

		// Static assets collapse to their prefix.
		{"/static/app.js", "/static/"},
		{"/static/styles.css", "/static/"},

		// Unknown/bot paths collapse to "other".
		{"/wp-admin", "other"},
		{"/robots.txt", "other"},
		{"/.env", "other"},
		{"/api/v2/something", "other"},
		{"/favicon.ico", "other"},
		{"/api/v1/state/", "other"},
		{"/api/v1/state/399/extra", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that 100 distinct body codes produce
// exactly 1 distinct path label, not 100.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		label := normalizeRoute("/api/v1/state/" + strconv.Itoa(100+i))
		seen[label] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for parameterized paths, got %d: %v", len(seen), seen)
	}
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/api/v1/state/{target}", "GET", "418"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state/499", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if rec.Body.String() != "short and stout" {
		t.Fatalf("body = %q", rec.Body.String())
	}

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/api/v1/state/{target}", "GET", "418"))
	if after != before+1 {
		t.Errorf("request counter went %v -> %v, want +1", before, after)
	}
}

// Handlers that never call WriteHeader count as 200s.
func TestMiddlewareDefaultsToOK(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/healthz", "GET", "200"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/healthz", "GET", "200"))
	if after != before+1 {
		t.Errorf("request counter went %v -> %v, want +1", before, after)
	}
}

func TestRecordComputation(t *testing.T) {
	okBefore := testutil.ToFloat64(statesComputedTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(statesComputedTotal.WithLabelValues("error"))

	RecordComputation(5*time.Millisecond, 7, 2)

	if got := testutil.ToFloat64(statesComputedTotal.WithLabelValues("ok")); got != okBefore+7 {
		t.Errorf("ok counter went %v -> %v, want +7", okBefore, got)
	}
	if got := testutil.ToFloat64(statesComputedTotal.WithLabelValues("error")); got != errBefore+2 {
		t.Errorf("error counter went %v -> %v, want +2", errBefore, got)
	}
}

func TestRecordKernelLoad(t *testing.T) {
	before := testutil.ToFloat64(kernelLoadsTotal.WithLabelValues("remote"))

	RecordKernelLoad("remote", 14)

	if got := testutil.ToFloat64(kernelLoadsTotal.WithLabelValues("remote")); got != before+1 {
		t.Errorf("load counter went %v -> %v, want +1", before, got)
	}
	if got := testutil.ToFloat64(kernelSegments); got != 14 {
		t.Errorf("segment gauge = %v, want 14", got)
	}
}

func TestStreamClientGauge(t *testing.T) {
	base := testutil.ToFloat64(streamsActive)

	IncStreamsActive()
	IncStreamsActive()
	if got := testutil.ToFloat64(streamsActive); got != base+2 {
		t.Errorf("gauge = %v, want %v", got, base+2)
	}

	DecStreamsActive()
	DecStreamsActive()
	if got := testutil.ToFloat64(streamsActive); got != base {
		t.Errorf("gauge = %v, want %v", got, base)
	}
}

func TestCacheCounters(t *testing.T) {
	hitsBefore := testutil.ToFloat64(cacheHitsTotal)
	missesBefore := testutil.ToFloat64(cacheMissesTotal)
	evictedBefore := testutil.ToFloat64(cacheEvictionsTotal)

	IncCacheHits()
	IncCacheMisses()
	AddCacheEvictions(3)
	SetCacheEntries(12)
	SetCacheGracePeriodActive(true)

	if got := testutil.ToFloat64(cacheHitsTotal); got != hitsBefore+1 {
		t.Errorf("hits went %v -> %v, want +1", hitsBefore, got)
	}
	if got := testutil.ToFloat64(cacheMissesTotal); got != missesBefore+1 {
		t.Errorf("misses went %v -> %v, want +1", missesBefore, got)
	}
	if got := testutil.ToFloat64(cacheEvictionsTotal); got != evictedBefore+3 {
		t.Errorf("evictions went %v -> %v, want +3", evictedBefore, got)
	}
	if got := testutil.ToFloat64(cacheEntries); got != 12 {
		t.Errorf("entries gauge = %v, want 12", got)
	}
	if got := testutil.ToFloat64(cacheGracePeriodActive); got != 1 {
		t.Errorf("grace gauge = %v, want 1", got)
	}

	SetCacheGracePeriodActive(false)
	if got := testutil.ToFloat64(cacheGracePeriodActive); got != 0 {
		t.Errorf("grace gauge = %v, want 0", got)
	}
}

// Registering the age gauge twice must not panic; only the first
// registration takes effect.
func TestRegisterKernelAgeOnce(t *testing.T) {
	RegisterKernelAge(func() float64 { return -1 })
	RegisterKernelAge(func() float64 { return 42 })
}
