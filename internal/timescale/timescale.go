// Package timescale converts between civil time (UTC) and the ephemeris
// time used by SPK kernels: TDB seconds past the J2000.0 epoch.
//
// The chain is UTC -> TAI (leap second table) -> TT (fixed 32.184s offset)
// -> TDB (periodic relativistic term, under 2ms). The leap second table is
// compiled in; kernels published after the table's last entry still convert
// correctly as long as no new leap second has been announced.
package timescale

import (
	"math"
	"time"
)

const (
	// SecondsPerDay is the length of a day in SI seconds. Ephemeris record
	// radii are stored in seconds and velocities are reported per second,
	// so this constant ties the two unit systems together.
	SecondsPerDay = 86400.0

	// J2000 is the Julian Date of the J2000.0 epoch (2000 Jan 1 12:00:00 TT).
	J2000 = 2451545.0

	// ttMinusTAI is the defining offset between Terrestrial Time and TAI.
	ttMinusTAI = 32.184

	// j2000Unix is the Unix time of the J2000.0 epoch. J2000 is defined on
	// the TT scale; at that instant TT-UTC was 64.184s, so the UTC clock
	// read 1 Jan 2000 11:58:55.816.
	j2000Unix = 946727935.816

	// taiMinusUTCAtJ2000 is the leap second count in effect at J2000.
	taiMinusUTCAtJ2000 = 32.0
)

// TDB-TT periodic term, the one-term approximation distributed with NAIF
// leapseconds kernels (DELTET/K, EB, M in naif0012.tls).
const (
	deltetK  = 1.657e-3
	deltetEB = 1.671e-2
	deltetM0 = 6.239996
	deltetM1 = 1.99096871e-7
)

// leapStep records TAI-UTC from a given UTC instant onward.
type leapStep struct {
	unix        int64
	taiMinusUTC float64
}

// leapSteps is the IERS leap second history since 1972, ascending. Times
// before the first entry use the first value.
var leapSteps = []leapStep{
	{63072000, 10},   // 1972-01-01
	{78796800, 11},   // 1972-07-01
	{94694400, 12},   // 1973-01-01
	{126230400, 13},  // 1974-01-01
	{157766400, 14},  // 1975-01-01
	{189302400, 15},  // 1976-01-01
	{220924800, 16},  // 1977-01-01
	{252460800, 17},  // 1978-01-01
	{283996800, 18},  // 1979-01-01
	{315532800, 19},  // 1980-01-01
	{362793600, 20},  // 1981-07-01
	{394329600, 21},  // 1982-07-01
	{425865600, 22},  // 1983-07-01
	{489024000, 23},  // 1985-07-01
	{567993600, 24},  // 1988-01-01
	{631152000, 25},  // 1990-01-01
	{662688000, 26},  // 1991-01-01
	{709948800, 27},  // 1992-07-01
	{741484800, 28},  // 1993-07-01
	{773020800, 29},  // 1994-07-01
	{820454400, 30},  // 1996-01-01
	{867715200, 31},  // 1997-07-01
	{915148800, 32},  // 1999-01-01
	{1136073600, 33}, // 2006-01-01
	{1230768000, 34}, // 2009-01-01
	{1341100800, 35}, // 2012-07-01
	{1435708800, 36}, // 2015-07-01
	{1483228800, 37}, // 2017-01-01
}

// TAIMinusUTC returns the leap second offset TAI-UTC in effect at t.
func TAIMinusUTC(t time.Time) float64 {
	u := t.Unix()
	for i := len(leapSteps) - 1; i >= 0; i-- {
		if u >= leapSteps[i].unix {
			return leapSteps[i].taiMinusUTC
		}
	}
	return leapSteps[0].taiMinusUTC
}

// tdbMinusTT evaluates the periodic TDB-TT term at tt seconds past J2000.
func tdbMinusTT(tt float64) float64 {
	m := deltetM0 + deltetM1*tt
	return deltetK * math.Sin(m+deltetEB*math.Sin(m))
}

// ETForTime converts a civil instant to ephemeris time: TDB seconds past
// the J2000.0 epoch. This is the time argument SPK segments are indexed by.
func ETForTime(t time.Time) float64 {
	unix := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	tt := (unix - j2000Unix) + (TAIMinusUTC(t) - taiMinusUTCAtJ2000)
	return tt + tdbMinusTT(tt)
}

// TimeForET converts ephemeris time back to a civil instant (UTC).
//
// The leap second count depends on the answer, so it is looked up with a
// provisional instant and then once more. Steps are years apart; a single
// refinement settles every epoch except the two seconds around a step,
// where the civil label is ambiguous anyway.
func TimeForET(et float64) time.Time {
	tt := et - tdbMinusTT(et)

	latest := leapSteps[len(leapSteps)-1].taiMinusUTC
	unix := j2000Unix + tt - (latest - taiMinusUTCAtJ2000)
	guess := time.Unix(int64(unix), 0).UTC()

	unix = j2000Unix + tt - (TAIMinusUTC(guess) - taiMinusUTCAtJ2000)
	sec, frac := math.Modf(unix)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// JulianDate converts a civil instant to Julian Date on the UTC scale.
// Uses the standard astronomical algorithm valid for dates after March 1,
// 4801 BC. Display use only: ET conversions go through ETForTime, which
// keeps nanosecond resolution.
func JulianDate(t time.Time) float64 {
	t = t.UTC()
	y := float64(t.Year())
	m := float64(t.Month())
	d := float64(t.Day())
	h := float64(t.Hour())
	min := float64(t.Minute())
	s := float64(t.Second()) + float64(t.Nanosecond())/1e9

	// Jan/Feb count as months 13/14 of the previous year.
	if m <= 2 {
		y -= 1
		m += 12
	}

	a := math.Floor(y / 100)
	b := 2 - a + math.Floor(a/4)

	jd := math.Floor(365.25*(y+4716)) + math.Floor(30.6001*(m+1)) + d + b - 1524.5
	jd += (h + min/60.0 + s/3600.0) / 24.0

	return jd
}

// JulianDateTDB converts ephemeris time to a Julian Date on the TDB scale,
// the convention kernel coverage windows are usually quoted in.
func JulianDateTDB(et float64) float64 {
	return J2000 + et/SecondsPerDay
}
