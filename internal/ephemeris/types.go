package ephemeris

import (
	"math"
	"time"
)

// StateVector is a body's instantaneous state relative to some center:
// position in km, velocity in km/s, J2000 frame.
type StateVector struct {
	Position [3]float64
	Velocity [3]float64
}

// Finite reports whether every component is a finite number.
func (v StateVector) Finite() bool {
	for a := 0; a < 3; a++ {
		if math.IsNaN(v.Position[a]) || math.IsInf(v.Position[a], 0) {
			return false
		}
		if math.IsNaN(v.Velocity[a]) || math.IsInf(v.Velocity[a], 0) {
			return false
		}
	}
	return true
}

// Plausible reports whether the state fits inside the solar system:
// within 1e12 km of the center and moving under 1e4 km/s. States outside
// these bounds mean a broken kernel, not an exotic body.
func (v StateVector) Plausible() bool {
	if !v.Finite() {
		return false
	}
	pos := math.Sqrt(v.Position[0]*v.Position[0] + v.Position[1]*v.Position[1] + v.Position[2]*v.Position[2])
	vel := math.Sqrt(v.Velocity[0]*v.Velocity[0] + v.Velocity[1]*v.Velocity[1] + v.Velocity[2]*v.Velocity[2])
	return pos <= 1e12 && vel <= 1e4
}

// BodyState is one body's state at a keyframe instant.
type BodyState struct {
	NAIFID int
	Name   string
	State  StateVector
}

// Keyframe holds the states of a set of bodies at a single instant,
// all relative to the same center.
type Keyframe struct {
	Timestamp time.Time
	ET        float64
	Center    int
	Bodies    []BodyState
}

// SeriesPoint is one sample of a single-body state series.
type SeriesPoint struct {
	Timestamp time.Time
	ET        float64
	State     StateVector
}

// Config controls keyframe generation.
type Config struct {
	Workers int
	Horizon time.Duration
	Step    time.Duration

	// Center is the observer for keyframe states, NAIF code (0 = solar
	// system barycenter).
	Center int

	// Bodies lists the NAIF codes included in keyframes. Empty means
	// every target the loaded kernel carries.
	Bodies []int
}
