package ephemeris

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ephem/ephemgo/internal/metrics"
	"github.com/ephem/ephemgo/internal/timescale"
)

// Generator orchestrates keyframe computation against the loaded kernel.
type Generator struct {
	provider *Provider
	pool     *WorkerPool
	config   Config
	logger   *slog.Logger
}

// NewGenerator creates a keyframe generation orchestrator.
func NewGenerator(provider *Provider, config Config, logger *slog.Logger) *Generator {
	if config.Workers < 1 {
		config.Workers = 1
	}
	pool := NewWorkerPool(config.Workers, logger)
	return &Generator{
		provider: provider,
		pool:     pool,
		config:   config,
		logger:   logger,
	}
}

// bodyList returns the codes a keyframe covers: the configured set, or
// every target the loaded kernel carries.
func (g *Generator) bodyList() ([]int, error) {
	if len(g.config.Bodies) > 0 {
		return g.config.Bodies, nil
	}
	return g.provider.Targets()
}

// ComputeKeyframe computes states for the configured bodies at the given
// target time. Bodies that fail to resolve are dropped from the frame.
func (g *Generator) ComputeKeyframe(ctx context.Context, targetTime time.Time) (*Keyframe, error) {
	list, err := g.bodyList()
	if err != nil {
		return nil, err
	}
	et := timescale.ETForTime(targetTime)

	g.logger.Debug("computing keyframe",
		"body_count", len(list),
		"target_time", targetTime.UTC().Format(time.RFC3339),
		"workers", g.config.Workers,
	)

	start := time.Now()
	states, successCount, errorCount := g.pool.StateBatch(ctx, g.provider, list, g.config.Center, et)
	duration := time.Since(start)

	metrics.RecordComputation(duration, successCount, errorCount)

	g.logger.Debug("keyframe complete",
		"success", successCount,
		"errors", errorCount,
		"duration_ms", duration.Milliseconds(),
	)

	// Workers finish in arbitrary order; keyframes list bodies by code.
	sort.Slice(states, func(i, j int) bool { return states[i].NAIFID < states[j].NAIFID })

	return &Keyframe{
		Timestamp: targetTime,
		ET:        et,
		Center:    g.config.Center,
		Bodies:    states,
	}, nil
}

// GenerateKeyframes computes keyframes from startTime over the configured
// horizon at the configured step interval.
func (g *Generator) GenerateKeyframes(ctx context.Context, startTime time.Time) ([]*Keyframe, error) {
	if g.provider.Kernel() == nil {
		return nil, ErrNoKernel
	}

	numFrames := int(g.config.Horizon/g.config.Step) + 1
	keyframes := make([]*Keyframe, 0, numFrames)

	for i := 0; i < numFrames; i++ {
		select {
		case <-ctx.Done():
			return keyframes, ctx.Err()
		default:
		}

		targetTime := startTime.Add(time.Duration(i) * g.config.Step)
		kf, err := g.ComputeKeyframe(ctx, targetTime)
		if err != nil {
			return keyframes, fmt.Errorf("keyframe %d at %s: %w", i, targetTime.Format(time.RFC3339), err)
		}
		keyframes = append(keyframes, kf)
	}

	return keyframes, nil
}
