// Package spktest builds complete, well-formed SPK kernels in memory for
// tests. Segment trajectories are given as power-series polynomials in
// ephemeris time and converted exactly to per-record Chebyshev
// coefficients, so tests can compute expected states analytically
// instead of carrying binary fixtures.
package spktest

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

const (
	recordSize     = 1024
	wordSize       = 8
	wordsPerRecord = recordSize / wordSize

	ftpValidation = "FTPSTR:\r:\n:\r\n:\r\x00:\x81:\x10\xce:ENDFTP"
)

// Segment describes one ephemeris segment to synthesize.
type Segment struct {
	Name   string
	Target int
	Center int
	Frame  int // 0 means J2000 (frame 1)
	Type   int // 2 or 3

	InitET float64 // coverage start, TDB seconds past J2000
	IntLen float64 // record span in seconds
	NRec   int

	// Poly holds per-channel power-basis trajectory coefficients:
	// channel(et) = sum_j Poly[ch][j] * et^j. Type 2 takes channels
	// 0-2 (position, km); Type 3 adds channels 3-5 (velocity, km/s).
	Poly [][]float64
}

// Builder assembles a single-file SPK kernel. Methods panic on malformed
// input, in the manner of httptest.NewRequest: a bad fixture is a test
// bug, not a runtime condition.
type Builder struct {
	Internal string
	Comment  string
	Order    binary.ByteOrder

	segments []Segment
}

func NewBuilder() *Builder {
	return &Builder{Internal: "spktest synthetic kernel"}
}

func (b *Builder) AddSegment(s Segment) *Builder {
	b.segments = append(b.segments, s)
	return b
}

// Derivative returns the power-basis derivative of p with respect to et.
// Useful for filling the velocity channels of a Type 3 segment
// consistently with its position channels.
func Derivative(p []float64) []float64 {
	if len(p) <= 1 {
		return []float64{0}
	}
	out := make([]float64, len(p)-1)
	for j := 1; j < len(p); j++ {
		out[j-1] = float64(j) * p[j]
	}
	return out
}

// EvalPoly evaluates a power-basis polynomial at et, for computing
// expected states in tests.
func EvalPoly(p []float64, et float64) float64 {
	var v float64
	for j := len(p) - 1; j >= 0; j-- {
		v = v*et + p[j]
	}
	return v
}

// chebMulT returns the Chebyshev coefficients of t*f(t) given those of f,
// via T_1*T_k = (T_{k+1} + T_{|k-1|}) / 2.
func chebMulT(a []float64) []float64 {
	out := make([]float64, len(a)+1)
	for k, c := range a {
		if c == 0 {
			continue
		}
		if k == 0 {
			out[1] += c
		} else {
			out[k+1] += c / 2
			out[k-1] += c / 2
		}
	}
	return out
}

// chebFromPower maps a power-series p(et) onto the Chebyshev basis of a
// record with the given midpoint and radius, i.e. the coefficients of
// q(t) = p(mid + radius*t). The conversion is a Horner evaluation with
// polynomial arithmetic, exact up to rounding.
func chebFromPower(p []float64, mid, radius float64) []float64 {
	q := []float64{0}
	for j := len(p) - 1; j >= 0; j-- {
		tq := chebMulT(q)
		nq := make([]float64, len(tq))
		for k := range nq {
			if k < len(q) {
				nq[k] = mid * q[k]
			}
			nq[k] += radius * tq[k]
		}
		nq[0] += p[j]
		q = nq
	}
	for len(q) > 1 && q[len(q)-1] == 0 {
		q = q[:len(q)-1]
	}
	return q
}

// words lays out the segment's data array: NRec records of
// [MID, RADIUS, coeffs...] followed by the INIT/INTLEN/RSIZE/N trailer.
func (s Segment) words() []float64 {
	nch := 3
	if s.Type == 3 {
		nch = 6
	}
	if len(s.Poly) != nch {
		panic(fmt.Sprintf("spktest: segment %q type %d needs %d channels, got %d", s.Name, s.Type, nch, len(s.Poly)))
	}
	if s.NRec < 1 || s.IntLen <= 0 {
		panic(fmt.Sprintf("spktest: segment %q needs NRec >= 1 and IntLen > 0", s.Name))
	}

	radius := s.IntLen / 2

	// One RSIZE per segment: every channel of every record is padded to
	// the largest degree that appears.
	coeffs := make([][][]float64, s.NRec)
	maxLen := 1
	for i := 0; i < s.NRec; i++ {
		mid := s.InitET + s.IntLen*float64(i) + radius
		coeffs[i] = make([][]float64, nch)
		for ch := 0; ch < nch; ch++ {
			c := chebFromPower(s.Poly[ch], mid, radius)
			coeffs[i][ch] = c
			if len(c) > maxLen {
				maxLen = len(c)
			}
		}
	}

	rsize := 2 + nch*maxLen
	out := make([]float64, 0, s.NRec*rsize+4)
	for i := 0; i < s.NRec; i++ {
		mid := s.InitET + s.IntLen*float64(i) + radius
		out = append(out, mid, radius)
		for ch := 0; ch < nch; ch++ {
			c := coeffs[i][ch]
			for k := 0; k < maxLen; k++ {
				if k < len(c) {
					out = append(out, c[k])
				} else {
					out = append(out, 0)
				}
			}
		}
	}
	out = append(out, s.InitET, s.IntLen, float64(rsize), float64(s.NRec))
	return out
}

// Bytes assembles the kernel file.
func (b *Builder) Bytes() []byte {
	order := b.Order
	if order == nil {
		order = binary.LittleEndian
	}
	locfmt := "LTL-IEEE"
	if order == binary.BigEndian {
		locfmt = "BIG-IEEE"
	}

	// Comment area: NUL-separated lines, EOT terminator, 1000 chars per
	// record.
	var commentRecs [][]byte
	if b.Comment != "" {
		enc := append([]byte(strings.ReplaceAll(b.Comment, "\n", "\x00")), 0x04)
		for len(enc) > 0 {
			n := len(enc)
			if n > 1000 {
				n = 1000
			}
			rec := make([]byte, recordSize)
			copy(rec, enc[:n])
			commentRecs = append(commentRecs, rec)
			enc = enc[n:]
		}
	}

	fward := 2 + len(commentRecs)
	if len(b.segments) == 0 {
		panic("spktest: kernel needs at least one segment")
	}
	if len(b.segments) > (wordsPerRecord-3)/5 {
		panic("spktest: too many segments for a single summary record")
	}

	type summary struct {
		start, end float64
		ints       [6]int32
		name       string
	}

	// Data begins on the record after the summary/name pair.
	dataStart := (fward+1)*wordsPerRecord + 1
	var words []float64
	var sums []summary
	cur := dataStart
	for _, s := range b.segments {
		frame := s.Frame
		if frame == 0 {
			frame = 1
		}
		if s.Type != 2 && s.Type != 3 {
			panic(fmt.Sprintf("spktest: segment %q has unsupported type %d", s.Name, s.Type))
		}
		w := s.words()
		end := s.InitET + s.IntLen*float64(s.NRec)
		sums = append(sums, summary{
			start: s.InitET,
			end:   end,
			ints: [6]int32{
				int32(s.Target), int32(s.Center), int32(frame),
				int32(s.Type), int32(cur), int32(cur + len(w) - 1),
			},
			name: s.Name,
		})
		words = append(words, w...)
		cur += len(w)
	}
	free := cur

	dataRecs := (len(words) + wordsPerRecord - 1) / wordsPerRecord
	buf := make([]byte, (fward+1+dataRecs)*recordSize)

	// File record.
	rec := buf[0:recordSize]
	copy(rec[0:8], "DAF/SPK ")
	order.PutUint32(rec[8:12], 2)  // ND
	order.PutUint32(rec[12:16], 6) // NI
	copy(rec[16:76], pad(b.Internal, 60))
	order.PutUint32(rec[76:80], uint32(fward))
	order.PutUint32(rec[80:84], uint32(fward))
	order.PutUint32(rec[84:88], uint32(free))
	copy(rec[88:96], locfmt)
	copy(rec[699:699+len(ftpValidation)], ftpValidation)

	for i, cr := range commentRecs {
		copy(buf[(1+i)*recordSize:], cr)
	}

	// Summary record: NEXT, PREV, NSUM control doubles then the summaries.
	sumRec := buf[(fward-1)*recordSize : fward*recordSize]
	putFloat(order, sumRec[0:], 0) // NEXT
	putFloat(order, sumRec[8:], 0) // PREV
	putFloat(order, sumRec[16:], float64(len(sums)))
	nameRec := buf[fward*recordSize : (fward+1)*recordSize]
	for i, s := range sums {
		base := 24 + i*5*wordSize
		putFloat(order, sumRec[base:], s.start)
		putFloat(order, sumRec[base+8:], s.end)
		for j, v := range s.ints {
			order.PutUint32(sumRec[base+16+j*4:], uint32(v))
		}
		copy(nameRec[i*40:(i+1)*40], pad(s.name, 40))
	}

	for i, w := range words {
		putFloat(order, buf[(dataStart-1+i)*wordSize:], w)
	}

	return buf
}

func putFloat(order binary.ByteOrder, b []byte, v float64) {
	order.PutUint64(b[:8], math.Float64bits(v))
}

func pad(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}

// SolarSystem builds a kernel whose segment graph mirrors a planetary
// ephemeris: Earth-Moon barycenter and Sun about the solar system
// barycenter, Earth and Moon about the Earth-Moon barycenter. The Moon
// segment is Type 3; the rest are Type 2. Coverage is
// [initET, initET+intLen*nrec) for every segment.
//
// Trajectories (km, km/s, et in TDB seconds):
//
//	EMB  rel 0: x = 1.5e8 + 20*et   y = 7.5e7 + 2e-6*et^2  z = -1000 + 0.5*et
//	Sun  rel 0: x = 4.5e5 - 0.01*et y = 3e5                z = 1e5 + 0.002*et
//	399  rel 3: x = 4000 + 0.01*et  y = -2500              z = 1200 - 0.005*et
//	301  rel 3: x = 3.5e5 + 0.9*et  y = -1.2e5 + 0.3*et    z = 5e4
func SolarSystem(initET, intLen float64, nrec int) []byte {
	b := NewBuilder()
	b.Internal = "spktest solar system"
	b.Comment = "Synthetic planetary kernel for tests.\nNot for navigation."

	for _, s := range SolarSystemSegments(initET, intLen, nrec) {
		b.AddSegment(s)
	}
	return b.Bytes()
}

// SolarSystemSegments returns the segment definitions used by
// SolarSystem, so tests can compute expected states from the same
// polynomials with EvalPoly.
func SolarSystemSegments(initET, intLen float64, nrec int) []Segment {
	moonPos := [][]float64{
		{3.5e5, 0.9},
		{-1.2e5, 0.3},
		{5e4},
	}
	return []Segment{
		{
			Name: "EMB", Target: 3, Center: 0, Type: 2,
			InitET: initET, IntLen: intLen, NRec: nrec,
			Poly: [][]float64{
				{1.5e8, 20},
				{7.5e7, 0, 2e-6},
				{-1000, 0.5},
			},
		},
		{
			Name: "SUN", Target: 10, Center: 0, Type: 2,
			InitET: initET, IntLen: intLen, NRec: nrec,
			Poly: [][]float64{
				{4.5e5, -0.01},
				{3e5},
				{1e5, 0.002},
			},
		},
		{
			Name: "EARTH", Target: 399, Center: 3, Type: 2,
			InitET: initET, IntLen: intLen, NRec: nrec,
			Poly: [][]float64{
				{4000, 0.01},
				{-2500},
				{1200, -0.005},
			},
		},
		{
			Name: "MOON", Target: 301, Center: 3, Type: 3,
			InitET: initET, IntLen: intLen, NRec: nrec,
			Poly: append(moonPos, Derivative(moonPos[0]), Derivative(moonPos[1]), Derivative(moonPos[2])),
		},
	}
}
