// Package chebyshev evaluates three-dimensional Chebyshev polynomial series
// and their time derivatives using the Clenshaw recurrence.
//
// SPK ephemeris records store a body's position over a fixed time interval
// as one Chebyshev series per axis, all fitted against a normalized time in
// [-1, 1]. Both evaluators run the x/y/z axes in lock step with scalar
// accumulators so every axis sees the identical floating-point operation
// order; summation order affects rounding in the last bit, so it is kept
// stable across axes.
//
// The package is pure and stateless: each call reads only its arguments and
// allocates only its result. It is safe for concurrent use.
//
// Reference: Press et al., "Numerical Recipes", §5.4 (Clenshaw's recurrence);
// NAIF SPK Required Reading, data types 2 and 3.
package chebyshev

import "fmt"

// SecondsPerDay converts the day-based time unit of ephemeris coefficient
// records to seconds. Must match timescale.SecondsPerDay: the kernel data
// subsystem defines record spans in the same unit, and a mismatch silently
// corrupts velocity output.
const SecondsPerDay = 86400.0

// Evaluate computes the position series at normalized time t.
//
// coeffs holds one 3-component vector per polynomial degree, lowest degree
// first; the recurrence consumes it highest degree first. t is nominally in
// [-1, 1] but is not range-checked: out-of-range values extrapolate the
// series and simply lose accuracy.
//
// Returns an error if coeffs is empty or any consumed row does not have
// exactly 3 components. No partial result is ever returned.
func Evaluate(coeffs [][]float64, t float64) ([3]float64, error) {
	n := len(coeffs)
	if n == 0 {
		return [3]float64{}, fmt.Errorf("chebyshev: empty coefficient record")
	}

	var b1x, b1y, b1z float64
	var b2x, b2y, b2z float64

	t2 := 2.0 * t

	for k := n - 1; k > 0; k-- {
		c := coeffs[k]
		if len(c) != 3 {
			return [3]float64{}, fmt.Errorf("chebyshev: coefficient row %d has %d components, want 3", k, len(c))
		}

		tx := t2*b1x - b2x + c[0]
		ty := t2*b1y - b2y + c[1]
		tz := t2*b1z - b2z + c[2]

		b2x, b2y, b2z = b1x, b1y, b1z
		b1x, b1y, b1z = tx, ty, tz
	}

	c := coeffs[0]
	if len(c) != 3 {
		return [3]float64{}, fmt.Errorf("chebyshev: coefficient row 0 has %d components, want 3", len(c))
	}

	// Degree-0 combine is a half-step: it uses t, not 2t. With n == 1 the
	// loop never runs and the result is row 0 verbatim.
	return [3]float64{
		t*b1x - b2x + c[0],
		t*b1y - b2y + c[1],
		t*b1z - b2z + c[2],
	}, nil
}

// EvaluateDerivative computes the time derivative of the position series at
// normalized time t, scaled into physical units per second.
//
// radius is the half-width, in days, of the interval the coefficients were
// fitted over; the factor SecondsPerDay/(2*radius) maps the derivative with
// respect to normalized time onto physical time. radius is not validated: a
// zero radius divides to Inf/NaN, which is the caller's responsibility.
//
// The derivative coefficients are folded into the recurrence in closed form
// (the 2k term) rather than materialized. There is no degree-0 combine: the
// constant term has zero derivative, so for n < 2 the result is exactly the
// zero vector and the coefficient rows are never read.
func EvaluateDerivative(coeffs [][]float64, t, radius float64) ([3]float64, error) {
	n := len(coeffs)
	if n < 2 {
		return [3]float64{}, nil
	}

	var d1x, d1y, d1z float64
	var d2x, d2y, d2z float64

	t2 := 2.0 * t

	for k := n - 1; k > 0; k-- {
		c := coeffs[k]
		if len(c) != 3 {
			return [3]float64{}, fmt.Errorf("chebyshev: coefficient row %d has %d components, want 3", k, len(c))
		}

		k2 := 2.0 * float64(k)
		tx := t2*d1x - d2x + k2*c[0]
		ty := t2*d1y - d2y + k2*c[1]
		tz := t2*d1z - d2z + k2*c[2]

		d2x, d2y, d2z = d1x, d1y, d1z
		d1x, d1y, d1z = tx, ty, tz
	}

	scale := SecondsPerDay / (2.0 * radius)

	return [3]float64{
		d1x * scale,
		d1y * scale,
		d1z * scale,
	}, nil
}
