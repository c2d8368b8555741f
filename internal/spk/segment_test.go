package spk

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ephem/ephemgo/internal/spk/spktest"
)

// assertClose compares against an analytic expectation, switching to an
// absolute check when the expected value is zero.
func assertClose(t *testing.T, want, got float64, msgAndArgs ...any) {
	t.Helper()
	if want == 0 {
		require.InDelta(t, 0, got, 1e-9, msgAndArgs...)
		return
	}
	require.InEpsilon(t, want, got, 1e-10, msgAndArgs...)
}

// TestStateMatchesTrajectories checks every segment of the synthetic
// kernel against the polynomials it was generated from, across records
// and at both coverage boundaries.
func TestStateMatchesTrajectories(t *testing.T) {
	k := solarSystemKernel(t)
	segs := spktest.SolarSystemSegments(ssInit, ssIntLen, ssNRec)

	ets := []float64{ssInit, 43200, 86400, 130000, 259199.5, ssEnd}
	for _, def := range segs {
		for _, et := range ets {
			st, err := k.State(def.Target, def.Center, et)
			require.NoError(t, err, "target %d at et %v", def.Target, et)

			for a := 0; a < 3; a++ {
				wantPos := spktest.EvalPoly(def.Poly[a], et)
				assertClose(t, wantPos, st.Position[a], "target %d axis %d position at et %v", def.Target, a, et)

				wantVel := spktest.EvalPoly(spktest.Derivative(def.Poly[a]), et)
				assertClose(t, wantVel, st.Velocity[a], "target %d axis %d velocity at et %v", def.Target, a, et)
			}
		}
	}
}

// TestType3VelocityReadDirectly pins the Type 3 path: velocity comes from
// the stored velocity channels, not differentiation. A segment whose
// velocity channels deliberately disagree with the position slope must
// report the stored values.
func TestType3VelocityReadDirectly(t *testing.T) {
	b := spktest.NewBuilder()
	b.AddSegment(spktest.Segment{
		Name: "LIAR", Target: 3, Center: 0, Type: 3,
		InitET: 0, IntLen: 86400, NRec: 1,
		Poly: [][]float64{
			{100, 1}, {200, 2}, {300, 3}, // position slopes 1, 2, 3
			{-7}, {-8}, {-9}, // stored velocities disagree
		},
	})
	k, err := New(newReader(t, b), testLogger)
	require.NoError(t, err)

	st, err := k.State(3, 0, 40000)
	require.NoError(t, err)
	require.Equal(t, [3]float64{-7, -8, -9}, st.Velocity)
}

// TestType2VelocityScale pins the unit chain of the differentiated path:
// a linear trajectory with slope v km/s must come back as exactly v.
func TestType2VelocityScale(t *testing.T) {
	b := spktest.NewBuilder()
	b.AddSegment(spktest.Segment{
		Name: "LINE", Target: 3, Center: 0, Type: 2,
		InitET: 0, IntLen: 65536, NRec: 2, // power-of-two span keeps it exact
		Poly: [][]float64{{1e6, 0.25}, {0, -0.5}, {42}},
	})
	k, err := New(newReader(t, b), testLogger)
	require.NoError(t, err)

	for _, et := range []float64{0, 30000, 65536, 131072} {
		st, err := k.State(3, 0, et)
		require.NoError(t, err)
		require.Equal(t, 0.25, st.Velocity[0], "et %v", et)
		require.Equal(t, -0.5, st.Velocity[1], "et %v", et)
		require.Equal(t, 0.0, st.Velocity[2], "et %v", et)
	}
}

func TestSegmentRecordClamping(t *testing.T) {
	k := solarSystemKernel(t)
	seg, err := k.Segment(3, 0, ssEnd)
	require.NoError(t, err)

	// et exactly at the end lands one past the last record; the clamp
	// keeps it evaluable.
	st, err := seg.StateAt(ssEnd)
	require.NoError(t, err)
	require.NotZero(t, st.Position[0])

	_, err = seg.StateAt(ssEnd + 0.001)
	require.Error(t, err)
	require.Contains(t, err.Error(), "coverage")

	_, err = seg.StateAt(ssInit - 0.001)
	require.Error(t, err)
}

func TestSegmentProperties(t *testing.T) {
	k := solarSystemKernel(t)

	seg, err := k.Segment(3, 0, 1000)
	require.NoError(t, err)
	require.Equal(t, ssNRec, seg.Records())
	// EMB trajectory is quadratic in y, so records carry degree 2.
	require.Equal(t, 2, seg.Degree())

	moon, err := k.Segment(301, 3, 1000)
	require.NoError(t, err)
	require.Equal(t, 6, moon.channels())
}

func newReader(t *testing.T, b *spktest.Builder) *bytes.Reader {
	t.Helper()
	return bytes.NewReader(b.Bytes())
}
