package cache

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ephem/ephemgo/internal/ephemeris"
	"github.com/ephem/ephemgo/internal/spk"
	"github.com/ephem/ephemgo/internal/spk/spktest"
	"github.com/ephem/ephemgo/internal/timescale"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// testKernelBytes builds a kernel whose coverage brackets the current
// time, since the cache worker frames its window around time.Now().
// Trajectories are gentle linears so states stay plausible at
// present-day ephemeris times.
func testKernelBytes() []byte {
	initET := timescale.ETForTime(time.Now()) - 86400
	b := spktest.NewBuilder()
	b.AddSegment(spktest.Segment{
		Name: "EMB", Target: 3, Center: 0, Type: 2,
		InitET: initET, IntLen: 86400, NRec: 4,
		Poly: [][]float64{{1.47e8, 1e-4}, {2.5e7}, {-4000}},
	})
	b.AddSegment(spktest.Segment{
		Name: "SUN", Target: 10, Center: 0, Type: 2,
		InitET: initET, IntLen: 86400, NRec: 4,
		Poly: [][]float64{{4.5e5}, {3e5, -2e-5}, {1e5}},
	})
	return b.Bytes()
}

func testStore(t *testing.T) *spk.Store {
	t.Helper()
	k, err := spk.New(bytes.NewReader(testKernelBytes()), testLogger())
	if err != nil {
		t.Fatalf("building test kernel: %v", err)
	}
	k.SetSource("test")
	store := spk.NewStore()
	store.Swap(k)
	return store
}

func testGenerator(store *spk.Store) *ephemeris.Generator {
	cfg := ephemeris.Config{Workers: 2, Step: 5 * time.Second, Horizon: 30 * time.Second}
	return ephemeris.NewGenerator(ephemeris.NewProvider(store, testLogger()), cfg, testLogger())
}

func testConfig() Config {
	return Config{
		Step:        5 * time.Second,
		Horizon:     30 * time.Second,
		GracePeriod: 5 * time.Second,
		Buffer:      10 * time.Second,
	}
}

// TestKeyframeCache tests basic cache operations: put, get, stats.
func TestKeyframeCache(t *testing.T) {
	store := testStore(t)
	gen := testGenerator(store)
	c := NewKeyframeCache(testConfig(), gen, store, testLogger())

	// Generate a keyframe and put it in the cache.
	ctx := context.Background()
	target := time.Now().Truncate(5 * time.Second)
	kf, err := gen.ComputeKeyframe(ctx, target)
	if err != nil {
		t.Fatalf("ComputeKeyframe failed: %v", err)
	}
	if len(kf.Bodies) != 2 {
		t.Fatalf("keyframe has %d bodies, want 2", len(kf.Bodies))
	}

	c.put(kf)

	// Get should return it.
	got := c.Get(target)
	if got == nil {
		t.Fatal("expected cache hit, got nil")
	}
	if !got.Timestamp.Equal(target) {
		t.Errorf("timestamp mismatch: got %v, want %v", got.Timestamp, target)
	}

	// Stats should reflect one entry.
	stats := c.Stats()
	if stats.Entries != 1 {
		t.Errorf("entries: got %d, want 1", stats.Entries)
	}
	if stats.Hits < 1 {
		t.Errorf("hits: got %d, want >= 1", stats.Hits)
	}
}

// TestRoundToStep verifies timestamp rounding.
func TestRoundToStep(t *testing.T) {
	store := testStore(t)
	c := NewKeyframeCache(testConfig(), testGenerator(store), store, testLogger())

	tests := []struct {
		input    time.Time
		expected time.Time
	}{
		{
			input:    time.Date(2026, 2, 6, 12, 0, 3, 0, time.UTC),
			expected: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC),
		},
		{
			input:    time.Date(2026, 2, 6, 12, 0, 7, 0, time.UTC),
			expected: time.Date(2026, 2, 6, 12, 0, 5, 0, time.UTC),
		},
		{
			input:    time.Date(2026, 2, 6, 12, 0, 10, 0, time.UTC),
			expected: time.Date(2026, 2, 6, 12, 0, 10, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		got := c.RoundToStep(tt.input)
		if !got.Equal(tt.expected) {
			t.Errorf("RoundToStep(%v) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

// TestCacheMiss verifies that a miss returns nil and increments miss counter.
func TestCacheMiss(t *testing.T) {
	store := testStore(t)
	c := NewKeyframeCache(testConfig(), testGenerator(store), store, testLogger())

	got := c.Get(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC))
	if got != nil {
		t.Fatal("expected nil for cache miss")
	}

	stats := c.Stats()
	if stats.Misses < 1 {
		t.Errorf("misses: got %d, want >= 1", stats.Misses)
	}
}

// TestEvictExpired verifies that expired entries are removed.
func TestEvictExpired(t *testing.T) {
	store := testStore(t)
	gen := testGenerator(store)
	cfg := testConfig()
	cfg.Buffer = 0 // No buffer: evict immediately if in the past.
	c := NewKeyframeCache(cfg, gen, store, testLogger())

	ctx := context.Background()

	// Put a keyframe in the past.
	pastTime := time.Now().Add(-2 * time.Minute).Truncate(5 * time.Second)
	kf, err := gen.ComputeKeyframe(ctx, pastTime)
	if err != nil {
		t.Fatalf("ComputeKeyframe failed: %v", err)
	}
	c.put(kf)

	// Put a keyframe in the future.
	futureTime := time.Now().Add(1 * time.Minute).Truncate(5 * time.Second)
	kf2, err := gen.ComputeKeyframe(ctx, futureTime)
	if err != nil {
		t.Fatalf("ComputeKeyframe failed: %v", err)
	}
	c.put(kf2)

	if c.Stats().Entries != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Stats().Entries)
	}

	// Evict.
	removed := c.evictExpired()
	if removed != 1 {
		t.Errorf("expected 1 eviction, got %d", removed)
	}

	// Past entry should be gone, future entry should remain.
	if c.Get(pastTime) != nil {
		t.Error("expected past entry to be evicted")
	}
	if c.Get(futureTime) == nil {
		t.Error("expected future entry to remain")
	}
}

// TestGetRecent verifies trail retrieval is oldest-first and bounded.
func TestGetRecent(t *testing.T) {
	store := testStore(t)
	gen := testGenerator(store)
	c := NewKeyframeCache(testConfig(), gen, store, testLogger())

	ctx := context.Background()
	base := time.Now().Truncate(5 * time.Second)
	for i := -3; i <= 0; i++ {
		kf, err := gen.ComputeKeyframe(ctx, base.Add(time.Duration(i)*5*time.Second))
		if err != nil {
			t.Fatalf("ComputeKeyframe failed: %v", err)
		}
		c.put(kf)
	}

	recent := c.GetRecent(base, 3)
	if len(recent) != 3 {
		t.Fatalf("got %d keyframes, want 3", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if !recent[i].Timestamp.After(recent[i-1].Timestamp) {
			t.Errorf("trail out of order: %v before %v", recent[i].Timestamp, recent[i-1].Timestamp)
		}
	}
	if !recent[len(recent)-1].Timestamp.Equal(base) {
		t.Errorf("last trail entry = %v, want %v", recent[len(recent)-1].Timestamp, base)
	}

	if got := c.GetRecent(base, 0); got != nil {
		t.Errorf("GetRecent(_, 0) = %v, want nil", got)
	}
}

// TestIncrementalGeneration verifies the background warmup fills the cache.
func TestIncrementalGeneration(t *testing.T) {
	store := testStore(t)
	cfg := testConfig()
	cfg.Horizon = 15 * time.Second // Small horizon: 4 keyframes (0, 5, 10, 15).
	c := NewKeyframeCache(cfg, testGenerator(store), store, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Run warmup only (not the full Start loop).
	c.warmup(ctx)

	stats := c.Stats()
	expectedFrames := int(cfg.Horizon/cfg.Step) + 1
	if stats.Entries < expectedFrames {
		t.Errorf("warmup generated %d entries, expected >= %d", stats.Entries, expectedFrames)
	}

	// GetLatest should return something.
	kf := c.GetLatest()
	if kf == nil {
		t.Fatal("GetLatest returned nil after warmup")
	}
}

// TestKernelCutover verifies graceful cache rebuild when a new kernel is
// installed.
func TestKernelCutover(t *testing.T) {
	store := testStore(t)
	cfg := testConfig()
	cfg.Horizon = 10 * time.Second // 3 keyframes: 0, 5, 10.
	c := NewKeyframeCache(cfg, testGenerator(store), store, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Warmup against the original kernel.
	c.warmup(ctx)

	oldStats := c.Stats()
	if oldStats.Entries == 0 {
		t.Fatal("no entries after warmup")
	}

	// Swap in a replacement kernel. A fresh pointer is a new kernel even
	// when the bytes match.
	k2, err := spk.New(bytes.NewReader(testKernelBytes()), testLogger())
	if err != nil {
		t.Fatalf("building replacement kernel: %v", err)
	}
	k2.SetSource("updated")
	store.Swap(k2)

	// Should detect change.
	if !c.kernelChanged() {
		t.Fatal("expected kernelChanged() to return true after swap")
	}

	// Perform cutover.
	c.performCutover(ctx)

	// Grace period should be cleared.
	if c.inGracePeriod.Load() {
		t.Error("grace period should be false after cutover")
	}

	// Cache should have entries (regenerated against the new kernel).
	newStats := c.Stats()
	if newStats.Entries == 0 {
		t.Fatal("no entries after cutover")
	}

	// Should no longer detect change.
	if c.kernelChanged() {
		t.Error("expected kernelChanged() to return false after cutover")
	}
}

// TestGetLatestEmpty verifies GetLatest with empty cache returns nil.
func TestGetLatestEmpty(t *testing.T) {
	store := testStore(t)
	c := NewKeyframeCache(testConfig(), testGenerator(store), store, testLogger())

	got := c.GetLatest()
	if got != nil {
		t.Fatal("expected nil from empty cache")
	}
}

// TestStartWaitsForKernel verifies the worker idles without a kernel and
// exits cleanly on cancel.
func TestStartWaitsForKernel(t *testing.T) {
	store := spk.NewStore() // Empty: no kernel installed.
	c := NewKeyframeCache(testConfig(), testGenerator(store), store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}

	if got := c.Stats().Entries; got != 0 {
		t.Errorf("entries = %d, want 0 without a kernel", got)
	}
}

// TestConcurrentAccess verifies cache is safe for concurrent reads and writes.
func TestConcurrentAccess(t *testing.T) {
	store := testStore(t)
	c := NewKeyframeCache(testConfig(), testGenerator(store), store, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Start cache in background.
	go c.Start(ctx)

	// Give warmup time to complete.
	time.Sleep(3 * time.Second)

	// Concurrent reads should not panic.
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				c.GetLatest()
				c.Get(time.Now())
				c.Stats()
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			t.Fatal("timeout waiting for concurrent reads")
		}
	}
}

// TestSizeEstimation verifies the size estimation is reasonable.
func TestSizeEstimation(t *testing.T) {
	store := testStore(t)
	cfg := testConfig()
	cfg.Horizon = 10 * time.Second
	c := NewKeyframeCache(cfg, testGenerator(store), store, testLogger())

	ctx := context.Background()
	c.warmup(ctx)

	stats := c.Stats()
	if stats.SizeBytes <= 0 {
		t.Errorf("expected positive size estimate, got %d", stats.SizeBytes)
	}

	// With 2 bodies and 3 entries, size should be small (< 10KB).
	if stats.SizeBytes > 10000 {
		t.Errorf("size estimate seems too large for 2 bodies: %d bytes", stats.SizeBytes)
	}
}
