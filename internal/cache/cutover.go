package cache

import (
	"context"
	"time"

	"github.com/ephem/ephemgo/internal/metrics"
	"github.com/ephem/ephemgo/internal/spk"
)

// kernelChanged checks if a different kernel has been installed since the
// cache was last built. Kernels are immutable once loaded, so pointer
// identity is the change signal.
func (c *KeyframeCache) kernelChanged() bool {
	k := c.store.Get()
	if k == nil {
		return false
	}
	return k != c.currentKernel
}

// performCutover rebuilds the entire cache against the new kernel.
//
// Strategy:
//  1. Set grace period flag (old cache continues serving reads)
//  2. Build new entries map in the background
//  3. Atomic swap: replace old entries with new
//  4. Clear grace period flag
//
// During the rebuild, reads against the old cache continue uninterrupted;
// the old entries stay valid values, merely computed from the previous
// kernel.
func (c *KeyframeCache) performCutover(ctx context.Context) {
	k := c.store.Get()
	if k == nil {
		return
	}

	c.logger.Info("kernel cutover starting",
		"old_kernel", kernelLabel(c.currentKernel),
		"new_kernel", k.Source(),
	)

	c.inGracePeriod.Store(true)
	metrics.SetCacheGracePeriodActive(true)

	start := time.Now()
	now := c.RoundToStep(time.Now())
	numFrames := int(c.config.Horizon/c.config.Step) + 1

	newEntries := make(map[time.Time]*CacheEntry, numFrames)
	generated := 0

	for i := 0; i < numFrames; i++ {
		select {
		case <-ctx.Done():
			c.inGracePeriod.Store(false)
			metrics.SetCacheGracePeriodActive(false)
			c.logger.Warn("cutover cancelled by context")
			return
		default:
		}

		targetTime := now.Add(time.Duration(i) * c.config.Step)
		kf, err := c.gen.ComputeKeyframe(ctx, targetTime)
		if err != nil {
			c.logger.Warn("cutover keyframe failed",
				"timestamp", targetTime.UTC().Format(time.RFC3339),
				"error", err,
			)
			metrics.IncCacheRegenerationErrors()
			continue
		}

		key := c.RoundToStep(kf.Timestamp)
		newEntries[key] = &CacheEntry{
			Keyframe:    kf,
			GeneratedAt: time.Now(),
		}
		generated++
	}

	// Atomic swap.
	c.replaceAll(newEntries)
	c.currentKernel = k

	c.inGracePeriod.Store(false)
	metrics.SetCacheGracePeriodActive(false)

	duration := time.Since(start)
	c.logger.Info("kernel cutover complete",
		"duration_ms", duration.Milliseconds(),
		"entries_replaced", generated,
	)
	metrics.ObserveCacheRegenerationDuration(duration)
}

func kernelLabel(k *spk.Kernel) string {
	if k == nil {
		return "none"
	}
	return k.Source()
}
