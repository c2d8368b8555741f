// Package stream implements Server-Sent Events (SSE) streaming for planetary
// keyframe batches. Clients connect via GET /api/v1/stream/keyframes and receive
// a continuous stream of J2000 states from the keyframe cache.
//
// SSE message format:
//
//	data: {"type":"keyframe_batch","t":"2026-02-06T04:00:00Z","frame":"J2000","center":0,"bodies":[...]}\n\n
//
// First message is always metadata:
//
//	data: {"type":"metadata","kernel_source":"...","kernel_age_seconds":1800,"segment_count":14}\n\n
//
// Keep-alive comments (:\n\n) are sent every KeepaliveInterval to prevent timeout.
// Reconnecting clients receive a fresh metadata message on each connection.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/ephem/ephemgo/internal/cache"
	"github.com/ephem/ephemgo/internal/ephemeris"
	"github.com/ephem/ephemgo/internal/httputil"
	"github.com/ephem/ephemgo/internal/metrics"
	"github.com/ephem/ephemgo/internal/spk"
)

// Config holds streaming configuration loaded from environment variables.
type Config struct {
	MaxConcurrentPerIP int           // Max concurrent streams per IP (default: 10).
	BandwidthLimit     int           // Bytes per second per stream (default: 1048576).
	KeepaliveInterval  time.Duration // Keep-alive ping interval (default: 30s).
}

// Handler manages SSE streaming connections.
type Handler struct {
	cache   *cache.KeyframeCache
	store   *spk.Store
	config  Config
	limiter *streamLimiter
	logger  *slog.Logger
}

// NewHandler creates a new streaming handler.
func NewHandler(kfCache *cache.KeyframeCache, store *spk.Store, config Config, logger *slog.Logger) *Handler {
	return &Handler{
		cache:   kfCache,
		store:   store,
		config:  config,
		limiter: newStreamLimiter(config.MaxConcurrentPerIP),
		logger:  logger,
	}
}

// HandleKeyframes serves the SSE keyframe stream.
// GET /api/v1/stream/keyframes?step=5&horizon=600&trail=20
func (h *Handler) HandleKeyframes(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters.
	step := 5
	if v := r.URL.Query().Get("step"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 60 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid step parameter, must be 1-60"})
			return
		}
		step = n
	}

	horizon := 600
	if v := r.URL.Query().Get("horizon"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 10 || n > 3600 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid horizon parameter, must be 10-3600"})
			return
		}
		horizon = n
	}

	trail := 20
	if v := r.URL.Query().Get("trail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 120 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid trail parameter, must be 0-120"})
			return
		}
		trail = n
	}

	// Rate limiting: enforce concurrent stream limit per IP.
	ip := clientIP(r)
	if !h.limiter.acquire(ip) {
		metrics.IncStreamErrors("rate_limit")
		h.logger.Warn("stream rate limit exceeded",
			"remote_ip", ip,
			"current_count", h.limiter.count(ip),
		)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "too many concurrent streams"})
		return
	}

	// Track connection metrics.
	metrics.IncStreamConnections("connect")
	metrics.IncStreamsActive()

	startTime := time.Now()
	h.logger.Info("stream connected",
		"remote_ip", ip,
		"user_agent", r.Header.Get("User-Agent"),
		"step", step,
		"horizon", horizon,
	)

	// Cleanup on disconnect: release rate limit slot and update metrics.
	defer func() {
		h.limiter.release(ip)
		metrics.IncStreamConnections("disconnect")
		metrics.DecStreamsActive()
		h.logger.Info("stream disconnected",
			"remote_ip", ip,
			"duration_seconds", int(time.Since(startTime).Seconds()),
		)
	}()

	// Verify flusher support (required for SSE).
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "streaming not supported"})
		return
	}

	// Set SSE response headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Use ResponseController to manage write deadlines for long-lived SSE.
	// Clear the server's default WriteTimeout for this connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", "error", err)
	}

	c := &client{
		w:         w,
		flusher:   flusher,
		rc:        rc,
		ip:        ip,
		logger:    h.logger,
		connected: startTime,
	}

	// Send jittered retry interval (3-7s) to prevent thundering-herd
	// reconnection storms when the server restarts.
	retryMs := 3000 + rand.Intn(4000)
	fmt.Fprintf(w, "retry: %d\n\n", retryMs)
	flusher.Flush()

	// Send metadata message (first message on every connection).
	if k := h.store.Get(); k != nil {
		m := k.Metadata()
		meta := metadataMessage{
			Type:         "metadata",
			KernelSource: m.Source,
			KernelAge:    int(h.store.AgeSeconds()),
			Segments:     m.SegmentCount,
			Checksum:     m.Checksum,
		}
		if err := c.sendJSON(meta); err != nil {
			metrics.IncStreamErrors("send_error")
			h.logger.Warn("stream send error (metadata)", "remote_ip", ip, "error", err)
			return
		}
	}

	// Stream keyframes at the requested step interval.
	stepDuration := time.Duration(step) * time.Second
	ticker := time.NewTicker(stepDuration)
	defer ticker.Stop()

	keepaliveTicker := time.NewTicker(h.config.KeepaliveInterval)
	defer keepaliveTicker.Stop()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return

		case t := <-ticker.C:
			kf := h.cache.Get(t)
			if kf == nil {
				metrics.IncStreamErrors("cache_miss")
				h.logger.Debug("stream cache miss",
					"timestamp", h.cache.RoundToStep(t).UTC().Format(time.RFC3339),
					"remote_ip", ip,
				)
				continue
			}

			var trailKFs []*ephemeris.Keyframe
			if trail > 0 {
				trailKFs = h.cache.GetRecent(t, trail)
			}

			batch := buildBatchMessage(kf, trailKFs)
			data, err := json.Marshal(batch)
			if err != nil {
				metrics.IncStreamErrors("marshal_error")
				h.logger.Warn("stream marshal error", "remote_ip", ip, "error", err)
				continue
			}
			if err := c.sendRaw(data); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream send error", "remote_ip", ip, "error", err)
				return
			}

			if c.overBudget(h.config.BandwidthLimit) {
				metrics.IncStreamErrors("bandwidth")
				h.logger.Warn("stream over bandwidth budget",
					"remote_ip", ip,
					"bytes_sent", c.bytesSent,
				)
				return
			}

			// Reset keepalive since we just sent data.
			keepaliveTicker.Reset(h.config.KeepaliveInterval)

		case <-keepaliveTicker.C:
			if err := c.sendKeepalive(); err != nil {
				metrics.IncStreamErrors("send_error")
				h.logger.Warn("stream keepalive error", "remote_ip", ip, "error", err)
				return
			}
		}
	}
}

// clientIP identifies the peer for rate-limit bookkeeping. Proxy headers
// are deliberately ignored here: they are spoofable and would let one
// host dodge the per-IP cap.
func clientIP(r *http.Request) string {
	return httputil.ClientIP(r, false)
}

// buildBatchMessage formats a keyframe into the SSE batch payload.
// If trailKFs is non-empty, each body includes past positions (oldest first).
func buildBatchMessage(kf *ephemeris.Keyframe, trailKFs []*ephemeris.Keyframe) keyframeBatchMessage {
	// Build index: NAIF ID -> trail positions (oldest first).
	var trailIndex map[int][][3]float64
	if len(trailKFs) > 0 {
		trailIndex = make(map[int][][3]float64, len(kf.Bodies))
		for _, tkf := range trailKFs {
			for _, b := range tkf.Bodies {
				trailIndex[b.NAIFID] = append(trailIndex[b.NAIFID], b.State.Position)
			}
		}
	}

	bodies := make([]bodyPayload, len(kf.Bodies))
	for i, b := range kf.Bodies {
		bodies[i] = bodyPayload{
			ID: b.NAIFID,
			P:  b.State.Position,
			V:  b.State.Velocity,
		}
		if trailIndex != nil {
			if tr, ok := trailIndex[b.NAIFID]; ok {
				bodies[i].Tr = tr
			}
		}
	}
	return keyframeBatchMessage{
		Type:   "keyframe_batch",
		T:      kf.Timestamp.UTC().Format(time.RFC3339),
		Frame:  "J2000",
		Center: kf.Center,
		Bodies: bodies,
	}
}

// SSE message payload types.

type metadataMessage struct {
	Type         string `json:"type"`
	KernelSource string `json:"kernel_source"`
	KernelAge    int    `json:"kernel_age_seconds"`
	Segments     int    `json:"segment_count"`
	Checksum     string `json:"kernel_checksum,omitempty"`
}

type keyframeBatchMessage struct {
	Type   string        `json:"type"`
	T      string        `json:"t"`
	Frame  string        `json:"frame"`
	Center int           `json:"center"`
	Bodies []bodyPayload `json:"bodies"`
}

// bodyPayload is one body's state: position km, velocity km/s, both in
// the J2000 frame relative to the batch center.
type bodyPayload struct {
	ID int          `json:"id"`
	P  [3]float64   `json:"p"`
	V  [3]float64   `json:"v"`
	Tr [][3]float64 `json:"tr,omitempty"`
}
