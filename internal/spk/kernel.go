// Package spk reads SPK planetary ephemeris kernels: DAF files whose
// arrays are Chebyshev coefficient segments giving the position of one
// body relative to another over time. The package stops at per-segment
// states; chaining segments across centers is the ephemeris layer's job.
package spk

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/ephem/ephemgo/internal/daf"
)

// ErrNoSegment is returned when a kernel holds no segment for the
// requested target/center pair covering the requested time.
var ErrNoSegment = errors.New("no segment covers the requested body and time")

// Kernel is one loaded SPK file. All methods are safe for concurrent
// use: the underlying reads go through io.ReaderAt and every index is
// built once at load time.
type Kernel struct {
	f      *daf.File
	closer io.Closer

	source   string
	internal string
	format   string
	comment  string
	size     int64
	checksum string
	loadedAt time.Time

	segments []*Segment
	byPair   map[[2]int][]*Segment
	byTarget map[int][]*Segment
}

// Metadata summarizes a loaded kernel for diagnostics and the API.
type Metadata struct {
	Source       string
	Internal     string
	Format       string
	SizeBytes    int64
	Checksum     string
	LoadedAt     time.Time
	SegmentCount int
	StartET      float64
	EndET        float64
	Targets      []int
}

// Open loads the SPK kernel at path. Unusable segments are skipped with
// a warning; the kernel stays open for reading until Close.
func Open(path string, logger *slog.Logger) (*Kernel, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening kernel: %w", err)
	}
	st, err := fh.Stat()
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("stat kernel: %w", err)
	}

	k, err := New(fh, logger)
	if err != nil {
		fh.Close()
		return nil, fmt.Errorf("loading kernel %s: %w", path, err)
	}
	k.closer = fh
	k.source = path
	k.size = st.Size()
	return k, nil
}

// New loads an SPK kernel from an in-memory or file-backed reader.
func New(r io.ReaderAt, logger *slog.Logger) (*Kernel, error) {
	f, err := daf.New(r)
	if err != nil {
		return nil, err
	}
	if id := f.IDWord(); id != "DAF/SPK" && id != "NAIF/DAF" {
		return nil, fmt.Errorf("not an SPK kernel (ID word %q)", id)
	}

	sums, err := f.Summaries()
	if err != nil {
		return nil, fmt.Errorf("reading segment summaries: %w", err)
	}

	k := &Kernel{
		f:        f,
		internal: f.Internal(),
		format:   f.Format(),
		loadedAt: time.Now().UTC(),
		byPair:   make(map[[2]int][]*Segment),
		byTarget: make(map[int][]*Segment),
	}

	for i, sum := range sums {
		seg, err := newSegment(f, sum)
		if err != nil {
			logger.Warn("skipping unusable segment", "index", i, "name", sum.Name, "error", err)
			continue
		}
		k.segments = append(k.segments, seg)
		pair := [2]int{seg.Target, seg.Center}
		k.byPair[pair] = append(k.byPair[pair], seg)
		k.byTarget[seg.Target] = append(k.byTarget[seg.Target], seg)
	}
	if len(k.segments) == 0 {
		return nil, errors.New("kernel contains no usable segments")
	}

	if k.comment, err = f.Comment(); err != nil {
		logger.Warn("unreadable kernel comment area", "error", err)
		k.comment = ""
	}

	return k, nil
}

// Close releases the underlying file, if the kernel owns one. Reads
// issued after Close fail.
func (k *Kernel) Close() error {
	if k.closer == nil {
		return nil
	}
	return k.closer.Close()
}

// SetSource labels where the kernel came from (path or URL).
func (k *Kernel) SetSource(source string) { k.source = source }

// SetChecksum records the content checksum computed by the loader.
func (k *Kernel) SetChecksum(sum string) { k.checksum = sum }

// SetSize records the kernel's byte size when the reader cannot be
// stat'ed, e.g. for in-memory kernels.
func (k *Kernel) SetSize(n int64) { k.size = n }

// Source returns the kernel's origin label.
func (k *Kernel) Source() string { return k.source }

// Comment returns the kernel's free-text comment area.
func (k *Kernel) Comment() string { return k.comment }

// Segments returns every usable segment in file order.
func (k *Kernel) Segments() []*Segment {
	out := make([]*Segment, len(k.segments))
	copy(out, k.segments)
	return out
}

// Segment returns the segment for target relative to center covering et.
// When several match, the one latest in the file wins, matching the
// precedence rule kernel producers rely on.
func (k *Kernel) Segment(target, center int, et float64) (*Segment, error) {
	segs := k.byPair[[2]int{target, center}]
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i].Covers(et) {
			return segs[i], nil
		}
	}
	return nil, fmt.Errorf("target %d center %d at et %.3f: %w", target, center, et, ErrNoSegment)
}

// SegmentFor returns the segment with the given target covering et,
// regardless of center. The ephemeris layer uses it to walk a body's
// chain of centers toward the barycenter.
func (k *Kernel) SegmentFor(target int, et float64) (*Segment, error) {
	segs := k.byTarget[target]
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i].Covers(et) {
			return segs[i], nil
		}
	}
	return nil, fmt.Errorf("target %d at et %.3f: %w", target, et, ErrNoSegment)
}

// State evaluates target relative to center at et using a direct
// segment.
func (k *Kernel) State(target, center int, et float64) (State, error) {
	seg, err := k.Segment(target, center, et)
	if err != nil {
		return State{}, err
	}
	return seg.StateAt(et)
}

// Targets returns the distinct target codes in ascending order.
func (k *Kernel) Targets() []int {
	out := make([]int, 0, len(k.byTarget))
	for t := range k.byTarget {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// Coverage returns the union coverage of all segments for target, and
// whether any exist. Gaps inside the union are not reported.
func (k *Kernel) Coverage(target int) (startET, endET float64, ok bool) {
	segs := k.byTarget[target]
	if len(segs) == 0 {
		return 0, 0, false
	}
	startET, endET = segs[0].StartET, segs[0].EndET
	for _, s := range segs[1:] {
		if s.StartET < startET {
			startET = s.StartET
		}
		if s.EndET > endET {
			endET = s.EndET
		}
	}
	return startET, endET, true
}

// Metadata summarizes the kernel.
func (k *Kernel) Metadata() Metadata {
	m := Metadata{
		Source:       k.source,
		Internal:     k.internal,
		Format:       k.format,
		SizeBytes:    k.size,
		Checksum:     k.checksum,
		LoadedAt:     k.loadedAt,
		SegmentCount: len(k.segments),
		Targets:      k.Targets(),
	}
	m.StartET, m.EndET = k.segments[0].StartET, k.segments[0].EndET
	for _, s := range k.segments[1:] {
		if s.StartET < m.StartET {
			m.StartET = s.StartET
		}
		if s.EndET > m.EndET {
			m.EndET = s.EndET
		}
	}
	return m
}
