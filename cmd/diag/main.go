// Sweeps every segment of a kernel and compares its velocity against a
// central difference of its position. Type 2 segments exercise the
// differentiated-polynomial path, Type 3 the stored velocity channels; a
// residual past ~1e-6 km/s means a broken record, not roundoff.
//
// Usage: diag [kernel.bsp]   (default: newest kernel in /tmp/ephemgo/kernels)
package main

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/ephem/ephemgo/internal/spk"
	"github.com/ephem/ephemgo/internal/timescale"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	start := time.Now()

	var (
		k   *spk.Kernel
		err error
	)
	if len(os.Args) > 1 {
		k, err = spk.Open(os.Args[1], logger)
	} else {
		k, err = loadLatestCached(logger)
	}
	if err != nil {
		fmt.Println("ERROR loading kernel:", err)
		os.Exit(1)
	}
	defer k.Close()

	m := k.Metadata()
	fmt.Printf("Loaded %s: %d segments, coverage JD %.1f to %.1f\n",
		m.Source, m.SegmentCount,
		timescale.JulianDateTDB(m.StartET), timescale.JulianDateTDB(m.EndET))

	const samples = 200
	checked := 0
	for _, seg := range k.Segments() {
		residuals, err := velocityResiduals(seg, samples)
		if err != nil {
			fmt.Printf("  %s target=%d type=%d: SKIP %v\n", seg.Name, seg.Target, seg.Type, err)
			continue
		}
		checked++

		mean, _ := stats.Mean(residuals)
		median, _ := stats.Median(residuals)
		stddev, _ := stats.StandardDeviation(residuals)
		p95, _ := stats.Percentile(residuals, 95)
		worst, _ := stats.Max(residuals)

		fmt.Printf("  %s target=%d center=%d type=%d\n", seg.Name, seg.Target, seg.Center, seg.Type)
		fmt.Printf("    |v - cdiff| km/s: mean=%.3e median=%.3e stddev=%.3e p95=%.3e max=%.3e\n",
			mean, median, stddev, p95, worst)
	}

	fmt.Printf("\nChecked %d/%d segments, %d samples each, in %v\n",
		checked, m.SegmentCount, samples, time.Since(start).Round(time.Millisecond))
}

func loadLatestCached(logger *slog.Logger) (*spk.Kernel, error) {
	c := spk.NewCache("/tmp/ephemgo/kernels", 3, logger)
	data, path, _, err := c.LoadLatest()
	if err != nil {
		return nil, err
	}
	k, err := spk.New(bytes.NewReader(data), logger)
	if err != nil {
		return nil, err
	}
	k.SetSource(path)
	return k, nil
}

// velocityResiduals samples the segment interior and returns the magnitude
// of the difference between the evaluated velocity and a central difference
// of the evaluated position.
func velocityResiduals(seg *spk.Segment, n int) ([]float64, error) {
	// Step stays well above cancellation noise; samples keep 2h clear of
	// the coverage edges so both difference points stay inside.
	const h = 16.0

	span := seg.EndET - seg.StartET
	if span <= 4*h {
		return nil, fmt.Errorf("coverage span %.0fs too short to difference", span)
	}

	residuals := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		et := seg.StartET + 2*h + (span-4*h)*float64(i)/float64(n-1)

		st, err := seg.StateAt(et)
		if err != nil {
			return nil, err
		}
		lo, err := seg.StateAt(et - h)
		if err != nil {
			return nil, err
		}
		hi, err := seg.StateAt(et + h)
		if err != nil {
			return nil, err
		}

		var sum float64
		for a := 0; a < 3; a++ {
			cd := (hi.Position[a] - lo.Position[a]) / (2 * h)
			d := st.Velocity[a] - cd
			sum += d * d
		}
		residuals = append(residuals, math.Sqrt(sum))
	}
	return residuals, nil
}
