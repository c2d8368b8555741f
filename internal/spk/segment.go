package spk

import (
	"fmt"
	"math"

	"github.com/ephem/ephemgo/internal/chebyshev"
	"github.com/ephem/ephemgo/internal/daf"
)

// State is a body state relative to some center: position in km,
// velocity in km/s, both in the segment's reference frame.
type State struct {
	Position [3]float64
	Velocity [3]float64
}

// Segment is one ephemeris arc: Chebyshev records for a single
// target/center pair over a contiguous time span. Types 2 (position
// coefficients, velocity by differentiation) and 3 (separate position
// and velocity coefficients) are supported; those are the types the
// DE-series planetary kernels use.
type Segment struct {
	Name    string
	Target  int
	Center  int
	Frame   int
	Type    int
	StartET float64
	EndET   float64

	f         *daf.File
	startWord int
	endWord   int

	// Directory trailer: records start at initET, each spans intLen
	// seconds, rsize words per record, nrec records.
	initET float64
	intLen float64
	rsize  int
	nrec   int
}

// channels returns the coefficient channel count for the segment type.
func (s *Segment) channels() int {
	if s.Type == 3 {
		return 6
	}
	return 3
}

// newSegment interprets a DAF array summary as an SPK segment and loads
// its directory trailer.
func newSegment(f *daf.File, sum daf.Summary) (*Segment, error) {
	if len(sum.Doubles) < 2 || len(sum.Ints) < 6 {
		return nil, fmt.Errorf("summary has %d doubles and %d ints, want 2 and 6", len(sum.Doubles), len(sum.Ints))
	}

	s := &Segment{
		Name:      sum.Name,
		Target:    int(sum.Ints[0]),
		Center:    int(sum.Ints[1]),
		Frame:     int(sum.Ints[2]),
		Type:      int(sum.Ints[3]),
		StartET:   sum.Doubles[0],
		EndET:     sum.Doubles[1],
		f:         f,
		startWord: int(sum.Ints[4]),
		endWord:   int(sum.Ints[5]),
	}

	if s.Type != 2 && s.Type != 3 {
		return nil, fmt.Errorf("unsupported segment type %d", s.Type)
	}
	if s.startWord < 1 || s.endWord < s.startWord+4-1 {
		return nil, fmt.Errorf("bad segment address range %d..%d", s.startWord, s.endWord)
	}

	trailer, err := f.ReadWords(s.endWord-3, s.endWord)
	if err != nil {
		return nil, fmt.Errorf("reading segment directory: %w", err)
	}
	s.initET = trailer[0]
	s.intLen = trailer[1]
	s.rsize = int(trailer[2])
	s.nrec = int(trailer[3])

	nch := s.channels()
	switch {
	case s.intLen <= 0:
		return nil, fmt.Errorf("non-positive record interval %v", s.intLen)
	case s.nrec < 1:
		return nil, fmt.Errorf("record count %d out of range", s.nrec)
	case s.rsize < 2+nch || (s.rsize-2)%nch != 0:
		return nil, fmt.Errorf("record size %d does not fit %d channels", s.rsize, nch)
	case s.nrec*s.rsize+4 != s.endWord-s.startWord+1:
		return nil, fmt.Errorf("segment spans %d words, directory claims %d records of %d",
			s.endWord-s.startWord+1, s.nrec, s.rsize)
	}

	return s, nil
}

// Covers reports whether et falls inside the segment's descriptor span.
func (s *Segment) Covers(et float64) bool {
	return et >= s.StartET && et <= s.EndET
}

// Degree returns the polynomial degree of the segment's records.
func (s *Segment) Degree() int {
	return (s.rsize-2)/s.channels() - 1
}

// Records returns the record count of the segment.
func (s *Segment) Records() int { return s.nrec }

// StateAt evaluates the segment at et (TDB seconds past J2000) and
// returns the target's state relative to the segment center.
func (s *Segment) StateAt(et float64) (State, error) {
	if !s.Covers(et) {
		return State{}, fmt.Errorf("et %.3f outside segment coverage [%.3f, %.3f]", et, s.StartET, s.EndET)
	}

	// Record directory lookup; the clamp keeps et == EndET inside the
	// last record.
	idx := int(math.Floor((et - s.initET) / s.intLen))
	if idx < 0 {
		idx = 0
	} else if idx >= s.nrec {
		idx = s.nrec - 1
	}

	first := s.startWord + idx*s.rsize
	w, err := s.f.ReadWords(first, first+s.rsize-1)
	if err != nil {
		return State{}, fmt.Errorf("reading record %d: %w", idx, err)
	}

	mid, radius := w[0], w[1]
	if radius <= 0 || math.IsNaN(radius) {
		return State{}, fmt.Errorf("record %d has invalid radius %v", idx, radius)
	}
	t := (et - mid) / radius

	nch := s.channels()
	ncoef := (s.rsize - 2) / nch
	rows := coeffRows(w[2:], ncoef, 0)

	pos, err := chebyshev.Evaluate(rows, t)
	if err != nil {
		return State{}, fmt.Errorf("record %d position: %w", idx, err)
	}

	var vel [3]float64
	switch s.Type {
	case 2:
		// The record radius is in TDB seconds, so the evaluator's
		// day-per-radius scale leaves a km/day rate.
		raw, err := chebyshev.EvaluateDerivative(rows, t, radius)
		if err != nil {
			return State{}, fmt.Errorf("record %d velocity: %w", idx, err)
		}
		vel[0] = raw[0] / chebyshev.SecondsPerDay
		vel[1] = raw[1] / chebyshev.SecondsPerDay
		vel[2] = raw[2] / chebyshev.SecondsPerDay
	case 3:
		// Type 3 stores velocity coefficients directly, already km/s.
		velRows := coeffRows(w[2:], ncoef, 3)
		vel, err = chebyshev.Evaluate(velRows, t)
		if err != nil {
			return State{}, fmt.Errorf("record %d velocity: %w", idx, err)
		}
	}

	return State{Position: pos, Velocity: vel}, nil
}

// coeffRows regroups a record's per-channel coefficient blocks into the
// per-degree rows the evaluator takes. Channel ch's coefficients occupy
// coeffs[ch*ncoef : (ch+1)*ncoef]; row k gathers degree k of three
// consecutive channels starting at chOff.
func coeffRows(coeffs []float64, ncoef, chOff int) [][]float64 {
	backing := make([]float64, 3*ncoef)
	rows := make([][]float64, ncoef)
	for k := 0; k < ncoef; k++ {
		row := backing[3*k : 3*k+3]
		for a := 0; a < 3; a++ {
			row[a] = coeffs[(chOff+a)*ncoef+k]
		}
		rows[k] = row
	}
	return rows
}
