package spk

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Store provides thread-safe access to the currently loaded kernel.
type Store struct {
	kernel atomic.Pointer[Kernel]
	mu     sync.Mutex // serializes load operations
}

// NewStore creates a new empty Store.
func NewStore() *Store {
	return &Store{}
}

// Get returns the current kernel, or nil if none has been loaded.
func (s *Store) Get() *Kernel {
	return s.kernel.Load()
}

// Swap atomically installs k and returns the previous kernel. The caller
// owns retiring the old one; in-flight readers may still hold it, so it
// must not be closed immediately.
func (s *Store) Swap(k *Kernel) *Kernel {
	return s.kernel.Swap(k)
}

// Install swaps k in and retires the previous kernel after grace has
// elapsed. The delay lets readers that already resolved a segment finish
// before the backing file closes; cached keyframes are plain values and
// are unaffected.
func (s *Store) Install(k *Kernel, grace time.Duration, logger *slog.Logger) {
	old := s.kernel.Swap(k)
	if old == nil {
		return
	}
	time.AfterFunc(grace, func() {
		if err := old.Close(); err != nil {
			logger.Warn("closing retired kernel", "source", old.Source(), "error", err)
		} else {
			logger.Debug("retired kernel closed", "source", old.Source())
		}
	})
}

// AgeSeconds returns the age of the current kernel in seconds since it
// was loaded. Returns -1 if no kernel is loaded.
func (s *Store) AgeSeconds() float64 {
	k := s.kernel.Load()
	if k == nil {
		return -1
	}
	return time.Since(k.loadedAt).Seconds()
}

// Lock acquires the load mutex for serializing load operations.
func (s *Store) Lock() {
	s.mu.Lock()
}

// Unlock releases the load mutex.
func (s *Store) Unlock() {
	s.mu.Unlock()
}
