package spk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ephem/ephemgo/internal/spk/spktest"
)

func TestStoreEmpty(t *testing.T) {
	s := NewStore()
	require.Nil(t, s.Get())
	require.Equal(t, -1.0, s.AgeSeconds())
}

func TestStoreSwap(t *testing.T) {
	s := NewStore()
	k1 := solarSystemKernel(t)
	k2 := solarSystemKernel(t)

	require.Nil(t, s.Swap(k1))
	require.Same(t, k1, s.Get())

	old := s.Swap(k2)
	require.Same(t, k1, old)
	require.Same(t, k2, s.Get())

	require.GreaterOrEqual(t, s.AgeSeconds(), 0.0)
}

func TestStoreInstallRetiresOld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "solar.bsp")
	require.NoError(t, os.WriteFile(path, spktest.SolarSystem(ssInit, ssIntLen, ssNRec), 0o644))

	k1, err := Open(path, testLogger)
	require.NoError(t, err)

	s := NewStore()
	s.Install(k1, 10*time.Millisecond, testLogger)
	require.Same(t, k1, s.Get())

	// File-backed reads work while k1 is current.
	_, err = k1.State(3, 0, 1000)
	require.NoError(t, err)

	k2 := solarSystemKernel(t)
	s.Install(k2, 10*time.Millisecond, testLogger)
	require.Same(t, k2, s.Get())

	// The old kernel's file closes once the grace period elapses.
	require.Eventually(t, func() bool {
		_, err := k1.State(3, 0, 1000)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	// The new kernel is unaffected.
	_, err = k2.State(3, 0, 1000)
	require.NoError(t, err)
}
