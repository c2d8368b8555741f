package timescale

import (
	"math"
	"testing"
	"time"

	"github.com/ephem/ephemgo/internal/chebyshev"
)

// TestJulianDate verifies the Julian Date calculation against known values.
func TestJulianDate(t *testing.T) {
	tests := []struct {
		name     string
		time     time.Time
		expected float64
	}{
		{
			name:     "J2000.0 epoch",
			time:     time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC),
			expected: 2451545.0,
		},
		{
			name:     "Unix epoch",
			time:     time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			expected: 2440587.5,
		},
		{
			// Vallado Example 3-15: April 6, 2004, 07:51:28.386 UTC
			name:     "Vallado example date",
			time:     time.Date(2004, 4, 6, 7, 51, 28, 386009000, time.UTC),
			expected: 2453101.827411875,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JulianDate(tt.time)
			diff := math.Abs(got - tt.expected)
			if diff > 1e-6 {
				t.Errorf("JulianDate(%v) = %.10f, want %.10f (diff=%.2e)", tt.time, got, tt.expected, diff)
			}
		})
	}
}

// TestETForTimeAtJ2000 checks that the UTC instant corresponding to the
// J2000.0 epoch maps to ET zero up to the periodic TDB-TT term (<2ms).
func TestETForTimeAtJ2000(t *testing.T) {
	utc := time.Date(2000, 1, 1, 11, 58, 55, 816000000, time.UTC)
	et := ETForTime(utc)
	if math.Abs(et) > 2e-3 {
		t.Errorf("ETForTime(J2000 UTC) = %.6f s, want |et| < 2ms", et)
	}
}

// TestETAcrossLeapSecond verifies that the physical interval between the
// civil instants one second apart across the 2016-12-31 leap second is two
// SI seconds: the inserted 23:59:60 has no Unix label but did elapse.
func TestETAcrossLeapSecond(t *testing.T) {
	before := time.Date(2016, 12, 31, 23, 59, 59, 0, time.UTC)
	after := time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC)

	elapsed := ETForTime(after) - ETForTime(before)
	if math.Abs(elapsed-2.0) > 1e-6 {
		t.Errorf("elapsed ET across leap second = %.9f s, want 2.0", elapsed)
	}
}

func TestTAIMinusUTC(t *testing.T) {
	tests := []struct {
		name string
		time time.Time
		want float64
	}{
		{"before table", time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC), 10},
		{"first step", time.Date(1972, 1, 1, 0, 0, 0, 0, time.UTC), 10},
		{"1999", time.Date(1999, 6, 1, 0, 0, 0, 0, time.UTC), 32},
		{"just before 2017 step", time.Date(2016, 12, 31, 23, 59, 59, 0, time.UTC), 36},
		{"at 2017 step", time.Date(2017, 1, 1, 0, 0, 0, 0, time.UTC), 37},
		{"current era", time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC), 37},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TAIMinusUTC(tt.time); got != tt.want {
				t.Errorf("TAIMinusUTC(%v) = %v, want %v", tt.time, got, tt.want)
			}
		})
	}
}

// TestTimeForETRoundTrip converts civil times to ET and back, across eras
// with different leap second counts.
func TestTimeForETRoundTrip(t *testing.T) {
	times := []time.Time{
		time.Date(1995, 3, 14, 6, 30, 0, 0, time.UTC),
		time.Date(2005, 7, 4, 23, 59, 59, 500000000, time.UTC),
		time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 25, 12, 34, 56, 789000000, time.UTC),
	}

	for _, want := range times {
		got := TimeForET(ETForTime(want))
		if d := got.Sub(want); d < -time.Microsecond || d > time.Microsecond {
			t.Errorf("round trip %v -> %v, off by %v", want, got, d)
		}
	}
}

func TestJulianDateTDB(t *testing.T) {
	if got := JulianDateTDB(0); got != J2000 {
		t.Errorf("JulianDateTDB(0) = %v, want %v", got, J2000)
	}
	if got := JulianDateTDB(SecondsPerDay); got != J2000+1 {
		t.Errorf("JulianDateTDB(1 day) = %v, want %v", got, J2000+1)
	}
}

// TestSecondsPerDayMatchesEvaluator pins the day-length constant to the one
// the series evaluator bakes into its velocity scale. They are defined
// independently so the evaluator stays dependency-free; this test is what
// keeps them equal.
func TestSecondsPerDayMatchesEvaluator(t *testing.T) {
	if SecondsPerDay != chebyshev.SecondsPerDay {
		t.Fatalf("timescale.SecondsPerDay = %v, chebyshev.SecondsPerDay = %v", SecondsPerDay, chebyshev.SecondsPerDay)
	}
}
