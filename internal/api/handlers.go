package api

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ephem/ephemgo/internal/bodies"
	"github.com/ephem/ephemgo/internal/cache"
	"github.com/ephem/ephemgo/internal/ephemeris"
	"github.com/ephem/ephemgo/internal/httputil"
	"github.com/ephem/ephemgo/internal/metrics"
	"github.com/ephem/ephemgo/internal/spk"
	"github.com/ephem/ephemgo/internal/timescale"
)

// maxEphemerisPositions caps one ephemeris request. Each position is a
// full chain resolution; an unbounded count would let a single request
// monopolize the CPU.
const maxEphemerisPositions = 10000

type stateResponse struct {
	ID         int        `json:"id"`
	Name       string     `json:"name"`
	Center     int        `json:"center"`
	CenterName string     `json:"center_name"`
	T          string     `json:"t"`
	ET         float64    `json:"et"`
	Frame      string     `json:"frame"`
	Position   [3]float64 `json:"position_km"`
	Velocity   [3]float64 `json:"velocity_km_s"`
}

type ephemerisResponse struct {
	ID          int              `json:"id"`
	Name        string           `json:"name"`
	Center      int              `json:"center"`
	Frame       string           `json:"frame"`
	StepSeconds int              `json:"step_seconds"`
	Count       int              `json:"count"`
	Points      []ephemerisPoint `json:"points"`
}

type ephemerisPoint struct {
	T        string     `json:"t"`
	ET       float64    `json:"et"`
	Position [3]float64 `json:"position_km"`
	Velocity [3]float64 `json:"velocity_km_s"`
}

type bodyInfo struct {
	ID      int     `json:"id"`
	Name    string  `json:"name"`
	StartET float64 `json:"start_et"`
	EndET   float64 `json:"end_et"`
}

type bodiesResponse struct {
	Bodies []bodyInfo `json:"bodies"`
	Count  int        `json:"count"`
}

type segmentInfo struct {
	Name    string  `json:"name"`
	Target  int     `json:"target"`
	Center  int     `json:"center"`
	Type    int     `json:"type"`
	StartET float64 `json:"start_et"`
	EndET   float64 `json:"end_et"`
}

type kernelMetadataResponse struct {
	Source       string        `json:"source"`
	Internal     string        `json:"internal,omitempty"`
	Format       string        `json:"format"`
	SizeBytes    int64         `json:"size_bytes"`
	Checksum     string        `json:"checksum,omitempty"`
	LoadedAt     string        `json:"loaded_at"`
	AgeSeconds   float64       `json:"age_seconds"`
	SegmentCount int           `json:"segment_count"`
	StartET      float64       `json:"start_et"`
	EndET        float64       `json:"end_et"`
	Targets      []int         `json:"targets"`
	Segments     []segmentInfo `json:"segments"`
}

type keyframeResponse struct {
	T      string         `json:"t"`
	ET     float64        `json:"et"`
	Center int            `json:"center"`
	Frame  string         `json:"frame"`
	Bodies []bodyStateDTO `json:"bodies"`
}

type bodyStateDTO struct {
	ID       int        `json:"id"`
	Name     string     `json:"name"`
	Position [3]float64 `json:"position_km"`
	Velocity [3]float64 `json:"velocity_km_s"`
}

type cacheStatsResponse struct {
	Entries       int    `json:"entries"`
	SizeBytes     int64  `json:"size_bytes"`
	Oldest        string `json:"oldest,omitempty"`
	Newest        string `json:"newest,omitempty"`
	Hits          int64  `json:"hits"`
	Misses        int64  `json:"misses"`
	Evictions     int64  `json:"evictions"`
	InGracePeriod bool   `json:"in_grace_period"`
}

// resolveBodyRef parses a path or query body reference (NAIF code or
// name) and writes a 400 on failure.
func resolveBodyRef(w http.ResponseWriter, ref, what string) (bodies.Body, bool) {
	b, ok := bodies.Lookup(ref)
	if !ok {
		httputil.WriteError(w, http.StatusBadRequest, "unknown "+what+": "+ref)
		return bodies.Body{}, false
	}
	return b, true
}

// writeStateError maps provider errors onto HTTP statuses.
func writeStateError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, ephemeris.ErrNoKernel):
		httputil.WriteError(w, http.StatusServiceUnavailable, "no kernel loaded")
	case errors.Is(err, spk.ErrNoSegment):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	default:
		logger.Error("state computation failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "state computation failed")
	}
}

// stateHandler serves GET /api/v1/state/{target}?center=0&time=RFC3339.
func stateHandler(logger *slog.Logger, provider *ephemeris.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, ok := resolveBodyRef(w, r.PathValue("target"), "body")
		if !ok {
			return
		}

		centerRef := r.URL.Query().Get("center")
		if centerRef == "" {
			centerRef = "0"
		}
		center, ok := resolveBodyRef(w, centerRef, "center")
		if !ok {
			return
		}

		t := time.Now().UTC()
		if v := r.URL.Query().Get("time"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "invalid time parameter, want RFC3339")
				return
			}
			t = parsed.UTC()
		}

		state, err := provider.StateAt(target.ID, center.ID, t)
		if err != nil {
			writeStateError(w, logger, err)
			return
		}

		httputil.WriteJSON(w, http.StatusOK, stateResponse{
			ID:         target.ID,
			Name:       bodies.Name(target.ID),
			Center:     center.ID,
			CenterName: bodies.Name(center.ID),
			T:          t.Format(time.RFC3339),
			ET:         timescale.ETForTime(t),
			Frame:      "J2000",
			Position:   state.Position,
			Velocity:   state.Velocity,
		})
	}
}

// ephemerisHandler serves GET /api/v1/ephemeris/{target} with query
// parameters center, start (RFC3339), step (seconds) and count.
func ephemerisHandler(logger *slog.Logger, provider *ephemeris.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		target, ok := resolveBodyRef(w, r.PathValue("target"), "body")
		if !ok {
			return
		}

		centerRef := r.URL.Query().Get("center")
		if centerRef == "" {
			centerRef = "0"
		}
		center, ok := resolveBodyRef(w, centerRef, "center")
		if !ok {
			return
		}

		start := time.Now().UTC()
		if v := r.URL.Query().Get("start"); v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "invalid start parameter, want RFC3339")
				return
			}
			start = parsed.UTC()
		}

		step := 60
		if v := r.URL.Query().Get("step"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				httputil.WriteError(w, http.StatusBadRequest, "invalid step parameter, want seconds >= 1")
				return
			}
			step = n
		}

		count := 60
		if v := r.URL.Query().Get("count"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				httputil.WriteError(w, http.StatusBadRequest, "invalid count parameter, want >= 1")
				return
			}
			count = n
		}
		if count > maxEphemerisPositions {
			httputil.WriteJSON(w, http.StatusBadRequest, map[string]any{
				"error":         "requested position count exceeds the per-request budget",
				"max_positions": maxEphemerisPositions,
			})
			return
		}

		points, err := provider.Series(r.Context(), target.ID, center.ID, start, time.Duration(step)*time.Second, count)
		if err != nil {
			writeStateError(w, logger, err)
			return
		}

		resp := ephemerisResponse{
			ID:          target.ID,
			Name:        bodies.Name(target.ID),
			Center:      center.ID,
			Frame:       "J2000",
			StepSeconds: step,
			Count:       len(points),
			Points:      make([]ephemerisPoint, len(points)),
		}
		for i, pt := range points {
			resp.Points[i] = ephemerisPoint{
				T:        pt.Timestamp.Format(time.RFC3339),
				ET:       pt.ET,
				Position: pt.State.Position,
				Velocity: pt.State.Velocity,
			}
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// bodiesHandler lists the bodies the loaded kernel can answer for, with
// their coverage windows.
func bodiesHandler(logger *slog.Logger, provider *ephemeris.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targets, err := provider.Targets()
		if err != nil {
			writeStateError(w, logger, err)
			return
		}

		k := provider.Kernel()
		resp := bodiesResponse{Bodies: make([]bodyInfo, 0, len(targets))}
		for _, id := range targets {
			info := bodyInfo{ID: id, Name: bodies.Name(id)}
			if start, end, ok := k.Coverage(id); ok {
				info.StartET = start
				info.EndET = end
			}
			resp.Bodies = append(resp.Bodies, info)
		}
		resp.Count = len(resp.Bodies)
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func kernelMetadataDTO(store *spk.Store, k *spk.Kernel) kernelMetadataResponse {
	m := k.Metadata()
	resp := kernelMetadataResponse{
		Source:       m.Source,
		Internal:     m.Internal,
		Format:       m.Format,
		SizeBytes:    m.SizeBytes,
		Checksum:     m.Checksum,
		LoadedAt:     m.LoadedAt.Format(time.RFC3339),
		AgeSeconds:   store.AgeSeconds(),
		SegmentCount: m.SegmentCount,
		StartET:      m.StartET,
		EndET:        m.EndET,
		Targets:      m.Targets,
	}
	for _, seg := range k.Segments() {
		resp.Segments = append(resp.Segments, segmentInfo{
			Name:    seg.Name,
			Target:  seg.Target,
			Center:  seg.Center,
			Type:    seg.Type,
			StartET: seg.StartET,
			EndET:   seg.EndET,
		})
	}
	return resp
}

// kernelMetadataHandler serves GET /api/v1/kernel/metadata.
func kernelMetadataHandler(store *spk.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k := store.Get()
		if k == nil {
			httputil.WriteError(w, http.StatusNotFound, "no kernel loaded")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, kernelMetadataDTO(store, k))
	}
}

// kernelFetchHandler serves POST /api/v1/kernel/fetch: download, verify,
// cache and install a fresh kernel.
func kernelFetchHandler(logger *slog.Logger, store *spk.Store, cfg KernelConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.EnableFetch {
			httputil.WriteError(w, http.StatusForbidden, "kernel fetch is disabled")
			return
		}

		// One load at a time; concurrent fetches would race the install.
		store.Lock()
		defer store.Unlock()

		fetcher := spk.NewFetcher(cfg.SourceURL, logger, cfg.MirrorURLs...)
		data, err := fetcher.Fetch(r.Context())
		if err != nil {
			metrics.RecordKernelLoadFailure("remote")
			logger.Error("kernel fetch failed", "error", err)
			httputil.WriteError(w, http.StatusBadGateway, "kernel fetch failed")
			return
		}
		metrics.RecordKernelDownload(int64(len(data)))

		k, err := spk.New(bytes.NewReader(data), logger)
		if err != nil {
			metrics.RecordKernelLoadFailure("remote")
			logger.Error("fetched kernel is unusable", "url", fetcher.SourceURL(), "error", err)
			httputil.WriteError(w, http.StatusUnprocessableEntity, "fetched file is not a usable kernel")
			return
		}
		k.SetSource(fetcher.SourceURL())
		k.SetChecksum(spk.Checksum(data))
		k.SetSize(int64(len(data)))

		if cfg.CacheDir != "" {
			diskCache := spk.NewCache(cfg.CacheDir, cfg.MaxFiles, logger)
			if path, err := diskCache.Write(data, time.Now()); err != nil {
				logger.Warn("could not cache fetched kernel", "error", err)
			} else {
				logger.Info("kernel cached", "path", path)
			}
		}

		store.Install(k, cfg.RetireGrace, logger)
		m := k.Metadata()
		metrics.RecordKernelLoad("remote", m.SegmentCount)
		logger.Info("kernel installed",
			"source", m.Source,
			"segments", m.SegmentCount,
			"size_bytes", m.SizeBytes,
		)

		httputil.WriteJSON(w, http.StatusOK, kernelMetadataDTO(store, k))
	}
}

func keyframeDTO(kf *ephemeris.Keyframe) keyframeResponse {
	resp := keyframeResponse{
		T:      kf.Timestamp.UTC().Format(time.RFC3339),
		ET:     kf.ET,
		Center: kf.Center,
		Frame:  "J2000",
		Bodies: make([]bodyStateDTO, len(kf.Bodies)),
	}
	for i, b := range kf.Bodies {
		resp.Bodies[i] = bodyStateDTO{
			ID:       b.NAIFID,
			Name:     b.Name,
			Position: b.State.Position,
			Velocity: b.State.Velocity,
		}
	}
	return resp
}

// cacheLatestHandler serves GET /api/v1/cache/keyframes/latest.
func cacheLatestHandler(kfCache *cache.KeyframeCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kf := kfCache.GetLatest()
		if kf == nil {
			httputil.WriteError(w, http.StatusNotFound, "no keyframes cached yet")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, keyframeDTO(kf))
	}
}

// cacheAtHandler serves GET /api/v1/cache/keyframes/at?time=RFC3339.
func cacheAtHandler(kfCache *cache.KeyframeCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := r.URL.Query().Get("time")
		if v == "" {
			httputil.WriteError(w, http.StatusBadRequest, "missing time parameter")
			return
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "invalid time parameter, want RFC3339")
			return
		}

		kf := kfCache.Get(kfCache.RoundToStep(t))
		if kf == nil {
			httputil.WriteError(w, http.StatusNotFound, "keyframe not cached for "+t.UTC().Format(time.RFC3339))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, keyframeDTO(kf))
	}
}

// cacheStatsHandler serves GET /api/v1/cache/stats.
func cacheStatsHandler(kfCache *cache.KeyframeCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := kfCache.Stats()
		resp := cacheStatsResponse{
			Entries:       stats.Entries,
			SizeBytes:     stats.SizeBytes,
			Hits:          stats.Hits,
			Misses:        stats.Misses,
			Evictions:     stats.Evictions,
			InGracePeriod: stats.InGracePeriod,
		}
		if !stats.OldestTimestamp.IsZero() {
			resp.Oldest = stats.OldestTimestamp.UTC().Format(time.RFC3339)
		}
		if !stats.NewestTimestamp.IsZero() {
			resp.Newest = stats.NewestTimestamp.UTC().Format(time.RFC3339)
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}
