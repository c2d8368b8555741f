package api

import (
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ephem/ephemgo/internal/auth"
	"github.com/ephem/ephemgo/internal/cache"
	"github.com/ephem/ephemgo/internal/ephemeris"
	"github.com/ephem/ephemgo/internal/health"
	"github.com/ephem/ephemgo/internal/metrics"
	"github.com/ephem/ephemgo/internal/spk"
	"github.com/ephem/ephemgo/internal/stream"
)

// KernelConfig holds kernel acquisition configuration.
type KernelConfig struct {
	EnableFetch bool          // Allow POST /api/v1/kernel/fetch.
	SourceURL   string        // Primary kernel URL (empty uses the built-in default).
	MirrorURLs  []string      // Fallback URLs tried in order.
	CacheDir    string        // On-disk kernel cache directory.
	MaxFiles    int           // Cached kernels kept after pruning.
	MaxAge      time.Duration // Age past which a cached kernel is considered stale.
	RetireGrace time.Duration // Delay before a replaced kernel's file is closed.
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(
	addr string,
	logger *slog.Logger,
	authCfg auth.Config,
	store *spk.Store,
	kernelCfg KernelConfig,
	provider *ephemeris.Provider,
	kfCache *cache.KeyframeCache,
	streamHandler *stream.Handler,
	webContent fs.FS,
) *Server {
	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(func() bool { return store.Get() != nil }))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/v1/bodies", bodiesHandler(logger, provider))
	mux.HandleFunc("GET /api/v1/kernel/metadata", kernelMetadataHandler(store))
	mux.HandleFunc("POST /api/v1/kernel/fetch", kernelFetchHandler(logger, store, kernelCfg))
	mux.HandleFunc("GET /api/v1/state/{target}", stateHandler(logger, provider))
	mux.HandleFunc("GET /api/v1/ephemeris/{target}", ephemerisHandler(logger, provider))
	mux.HandleFunc("GET /api/v1/cache/keyframes/latest", cacheLatestHandler(kfCache))
	mux.HandleFunc("GET /api/v1/cache/keyframes/at", cacheAtHandler(kfCache))
	mux.HandleFunc("GET /api/v1/cache/stats", cacheStatsHandler(kfCache))
	mux.HandleFunc("GET /api/v1/stream/keyframes", streamHandler.HandleKeyframes)

	// Web frontend: embedded assets under /static/, index at the root.
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(webContent)))
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, webContent, "index.html")
	})

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so SSE streaming works through
// the logging layer.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the wrapped writer so http.ResponseController keeps
// working through the logging layer; SSE needs the deadline controls.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", r.RemoteAddr,
			)
		})
	}
}
