package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ephem/ephemgo/internal/api"
	"github.com/ephem/ephemgo/internal/auth"
	"github.com/ephem/ephemgo/internal/bodies"
	"github.com/ephem/ephemgo/internal/cache"
	"github.com/ephem/ephemgo/internal/ephemeris"
	"github.com/ephem/ephemgo/internal/metrics"
	"github.com/ephem/ephemgo/internal/spk"
	"github.com/ephem/ephemgo/internal/stream"
	"github.com/ephem/ephemgo/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	addr := os.Getenv("EPHEM_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	authCfg, err := loadAuthConfig(logger)
	if err != nil {
		logger.Error("invalid auth configuration", "error", err)
		os.Exit(1)
	}

	kernelCfg := loadKernelConfig(logger)
	store := spk.NewStore()
	diskCache := spk.NewCache(kernelCfg.CacheDir, kernelCfg.MaxFiles, logger)

	// Attempt to load a cached kernel on startup.
	data, path, ts, err := diskCache.LoadLatest()
	switch {
	case err != nil:
		logger.Info("no kernel cache found, starting without kernel", "error", err)
	case kernelCfg.MaxAge > 0 && time.Since(ts) > kernelCfg.MaxAge:
		logger.Info("cached kernel too old, starting without kernel",
			"path", path, "cached_at", ts.Format(time.RFC3339))
	default:
		k, err := spk.New(bytes.NewReader(data), logger)
		if err != nil {
			metrics.RecordKernelLoadFailure("cache")
			logger.Warn("cached kernel is unusable", "path", path, "error", err)
		} else {
			k.SetSource(path)
			k.SetChecksum(spk.Checksum(data))
			k.SetSize(int64(len(data)))
			store.Swap(k)
			m := k.Metadata()
			metrics.RecordKernelLoad("cache", m.SegmentCount)
			logger.Info("loaded kernel from cache",
				"path", path, "segments", m.SegmentCount, "cached_at", ts.Format(time.RFC3339))
		}
	}

	computeCfg := loadComputeConfig(logger)
	provider := ephemeris.NewProvider(store, logger)
	gen := ephemeris.NewGenerator(provider, computeCfg, logger)
	metrics.SetComputationWorkers(computeCfg.Workers)

	cacheCfg := loadCacheConfig(logger, computeCfg)
	kfCache := cache.NewKeyframeCache(cacheCfg, gen, store, logger)

	streamCfg := loadStreamConfig(logger)
	streamHandler := stream.NewHandler(kfCache, store, streamCfg, logger)

	srv := api.NewServer(addr, logger, authCfg, store, kernelCfg, provider, kfCache, streamHandler, web.Content)

	metrics.RegisterKernelAge(store.AgeSeconds)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start cache background worker.
	go kfCache.Start(ctx)

	// Reload kernels dropped into the cache directory (scp, cron jobs).
	if kernelCfg.CacheDir != "" {
		if err := os.MkdirAll(kernelCfg.CacheDir, 0o755); err != nil {
			logger.Warn("creating kernel cache directory", "dir", kernelCfg.CacheDir, "error", err)
		}
		watcher, err := spk.NewWatcher(kernelCfg.CacheDir, func(path string) {
			reloadKernel(logger, store, path, kernelCfg.RetireGrace)
		}, logger)
		if err != nil {
			logger.Warn("kernel directory watch unavailable", "dir", kernelCfg.CacheDir, "error", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	go func() {
		logger.Info("starting server",
			"addr", addr, "auth_enabled", authCfg.Enabled, "kernel_fetch_enabled", kernelCfg.EnableFetch)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.HTTPServer().Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// reloadKernel installs a kernel file that appeared in the cache
// directory. A fetch through the API writes its kernel there too; the
// checksum comparison keeps that from installing twice.
func reloadKernel(logger *slog.Logger, store *spk.Store, path string, grace time.Duration) {
	store.Lock()
	defer store.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("reading changed kernel", "path", path, "error", err)
		return
	}

	checksum := spk.Checksum(data)
	if cur := store.Get(); cur != nil && cur.Metadata().Checksum == checksum {
		logger.Debug("changed kernel matches the loaded one", "path", path)
		return
	}

	k, err := spk.New(bytes.NewReader(data), logger)
	if err != nil {
		metrics.RecordKernelLoadFailure("watch")
		logger.Warn("changed kernel is unusable", "path", path, "error", err)
		return
	}
	k.SetSource(path)
	k.SetChecksum(checksum)
	k.SetSize(int64(len(data)))

	store.Install(k, grace, logger)
	m := k.Metadata()
	metrics.RecordKernelLoad("watch", m.SegmentCount)
	logger.Info("kernel reloaded from disk", "path", path, "segments", m.SegmentCount)
}

func loadAuthConfig(logger *slog.Logger) (auth.Config, error) {
	cfg := auth.Config{}

	enabledStr := os.Getenv("EPHEM_AUTH_ENABLED")
	if enabledStr != "" {
		enabled, err := strconv.ParseBool(enabledStr)
		if err != nil {
			return cfg, errors.New("EPHEM_AUTH_ENABLED must be a boolean value (true/false/1/0)")
		}
		cfg.Enabled = enabled
	}

	if cfg.Enabled {
		cfg.Token = os.Getenv("EPHEM_AUTH_TOKEN")
		if cfg.Token == "" {
			return cfg, errors.New("EPHEM_AUTH_TOKEN is required when auth is enabled")
		}
		logger.Info("auth enabled")
	}

	return cfg, nil
}

func loadKernelConfig(logger *slog.Logger) api.KernelConfig {
	cfg := api.KernelConfig{
		EnableFetch: true,
		CacheDir:    "/tmp/ephemgo/kernels",
		MaxFiles:    3,
		MaxAge:      90 * 24 * time.Hour,
		RetireGrace: 30 * time.Second,
	}

	if v := os.Getenv("EPHEM_ENABLE_KERNEL_FETCH"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			logger.Warn("invalid EPHEM_ENABLE_KERNEL_FETCH value, defaulting to false", "value", v)
			cfg.EnableFetch = false
		} else {
			cfg.EnableFetch = enabled
		}
	}

	if v := os.Getenv("EPHEM_KERNEL_SOURCE_URL"); v != "" {
		cfg.SourceURL = v
	}

	if v := os.Getenv("EPHEM_KERNEL_MIRROR_URLS"); v != "" {
		var urls []string
		for _, u := range strings.Split(v, ",") {
			u = strings.TrimSpace(u)
			if u != "" {
				urls = append(urls, u)
			}
		}
		cfg.MirrorURLs = urls
	}

	if v := os.Getenv("EPHEM_KERNEL_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}

	if v := os.Getenv("EPHEM_KERNEL_MAX_AGE"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			logger.Warn("invalid EPHEM_KERNEL_MAX_AGE value, using default", "value", v)
		} else {
			// Zero or negative disables the staleness check: planetary
			// kernels stay valid for decades.
			cfg.MaxAge = time.Duration(seconds) * time.Second
		}
	}

	if v := os.Getenv("EPHEM_KERNEL_RETIRE_GRACE"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 1 {
			logger.Warn("invalid EPHEM_KERNEL_RETIRE_GRACE value, using default", "value", v, "default", 30)
		} else {
			cfg.RetireGrace = time.Duration(seconds) * time.Second
		}
	}

	logger.Info("kernel config",
		"source_url", cfg.SourceURL,
		"mirror_urls", cfg.MirrorURLs,
		"cache_dir", cfg.CacheDir,
		"fetch_enabled", cfg.EnableFetch,
	)

	return cfg
}

func loadComputeConfig(logger *slog.Logger) ephemeris.Config {
	cfg := ephemeris.Config{
		Workers: runtime.NumCPU(),
		Step:    5 * time.Second,
		Horizon: 600 * time.Second,
	}

	if v := os.Getenv("EPHEM_COMPUTE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_COMPUTE_WORKERS value, using default", "value", v, "default", cfg.Workers)
		} else {
			cfg.Workers = n
		}
	}

	if v := os.Getenv("EPHEM_KEYFRAME_STEP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_KEYFRAME_STEP value, using default", "value", v, "default", 5)
		} else {
			cfg.Step = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("EPHEM_KEYFRAME_HORIZON"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_KEYFRAME_HORIZON value, using default", "value", v, "default", 600)
		} else {
			cfg.Horizon = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("EPHEM_KEYFRAME_CENTER"); v != "" {
		b, ok := bodies.Lookup(v)
		if !ok {
			logger.Warn("invalid EPHEM_KEYFRAME_CENTER value, using solar system barycenter", "value", v)
		} else {
			cfg.Center = b.ID
		}
	}

	if v := os.Getenv("EPHEM_KEYFRAME_BODIES"); v != "" {
		var ids []int
		for _, ref := range strings.Split(v, ",") {
			ref = strings.TrimSpace(ref)
			if ref == "" {
				continue
			}
			b, ok := bodies.Lookup(ref)
			if !ok {
				logger.Warn("unknown body in EPHEM_KEYFRAME_BODIES, skipping", "value", ref)
				continue
			}
			ids = append(ids, b.ID)
		}
		cfg.Bodies = ids
	}

	logger.Info("compute config",
		"workers", cfg.Workers,
		"step_seconds", cfg.Step.Seconds(),
		"horizon_seconds", cfg.Horizon.Seconds(),
		"center", bodies.Name(cfg.Center),
	)

	return cfg
}

func loadCacheConfig(logger *slog.Logger, computeCfg ephemeris.Config) cache.Config {
	cfg := cache.Config{
		Step:        computeCfg.Step,
		Horizon:     computeCfg.Horizon,
		GracePeriod: 30 * time.Second,
		Buffer:      60 * time.Second,
	}

	if v := os.Getenv("EPHEM_CACHE_STEP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_CACHE_STEP value, using compute step", "value", v)
		} else {
			cfg.Step = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("EPHEM_CACHE_HORIZON"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_CACHE_HORIZON value, using compute horizon", "value", v)
		} else {
			cfg.Horizon = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("EPHEM_CACHE_GRACE_PERIOD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_CACHE_GRACE_PERIOD value, using default", "value", v, "default", 30)
		} else {
			cfg.GracePeriod = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("EPHEM_CACHE_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_CACHE_BUFFER value, using default", "value", v, "default", 60)
		} else {
			cfg.Buffer = time.Duration(n) * time.Second
		}
	}

	logger.Info("cache config",
		"step_seconds", cfg.Step.Seconds(),
		"horizon_seconds", cfg.Horizon.Seconds(),
		"grace_period_seconds", cfg.GracePeriod.Seconds(),
		"buffer_seconds", cfg.Buffer.Seconds(),
	)

	return cfg
}

func loadStreamConfig(logger *slog.Logger) stream.Config {
	cfg := stream.Config{
		MaxConcurrentPerIP: 10,
		BandwidthLimit:     1048576,
		KeepaliveInterval:  30 * time.Second,
	}

	if v := os.Getenv("EPHEM_STREAM_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_STREAM_MAX_CONCURRENT value, using default", "value", v, "default", 10)
		} else {
			cfg.MaxConcurrentPerIP = n
		}
	}

	if v := os.Getenv("EPHEM_STREAM_BANDWIDTH_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_STREAM_BANDWIDTH_LIMIT value, using default", "value", v, "default", 1048576)
		} else {
			cfg.BandwidthLimit = n
		}
	}

	if v := os.Getenv("EPHEM_STREAM_KEEPALIVE_INTERVAL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			logger.Warn("invalid EPHEM_STREAM_KEEPALIVE_INTERVAL value, using default", "value", v, "default", 30)
		} else {
			cfg.KeepaliveInterval = time.Duration(n) * time.Second
		}
	}

	logger.Info("stream config",
		"max_concurrent_per_ip", cfg.MaxConcurrentPerIP,
		"bandwidth_limit", cfg.BandwidthLimit,
		"keepalive_interval_seconds", cfg.KeepaliveInterval.Seconds(),
	)

	return cfg
}
