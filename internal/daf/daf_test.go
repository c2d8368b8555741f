package daf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ephem/ephemgo/internal/spk/spktest"
)

func sampleKernel() []byte {
	return spktest.SolarSystem(0, 86400, 4)
}

func TestNewParsesFileRecord(t *testing.T) {
	f, err := New(bytes.NewReader(sampleKernel()))
	require.NoError(t, err)

	require.Equal(t, "DAF/SPK", f.IDWord())
	require.Equal(t, "LTL-IEEE", f.Format())
	require.Equal(t, 2, f.ND())
	require.Equal(t, 6, f.NI())
	require.Equal(t, "spktest solar system", f.Internal())
}

func TestSummaries(t *testing.T) {
	f, err := New(bytes.NewReader(sampleKernel()))
	require.NoError(t, err)

	sums, err := f.Summaries()
	require.NoError(t, err)
	require.Len(t, sums, 4)

	names := make([]string, len(sums))
	for i, s := range sums {
		names[i] = s.Name
		require.Len(t, s.Doubles, 2)
		require.Len(t, s.Ints, 6)
		require.Equal(t, 0.0, s.Doubles[0])
		require.Equal(t, 4*86400.0, s.Doubles[1])
		require.Equal(t, int32(1), s.Ints[2], "frame")
	}
	require.Equal(t, []string{"EMB", "SUN", "EARTH", "MOON"}, names)

	// Address ranges are contiguous and ascending.
	for i := 1; i < len(sums); i++ {
		require.Equal(t, sums[i-1].Ints[5]+1, sums[i].Ints[4])
	}
}

func TestBigEndianRoundTrip(t *testing.T) {
	b := spktest.NewBuilder()
	b.Order = binary.BigEndian
	b.AddSegment(spktest.Segment{
		Name: "EMB", Target: 3, Center: 0, Type: 2,
		InitET: 100, IntLen: 86400, NRec: 2,
		Poly: [][]float64{{1.5}, {2.5}, {-3.5}},
	})

	f, err := New(bytes.NewReader(b.Bytes()))
	require.NoError(t, err)
	require.Equal(t, "BIG-IEEE", f.Format())

	sums, err := f.Summaries()
	require.NoError(t, err)
	require.Len(t, sums, 1)
	require.Equal(t, int32(3), sums[0].Ints[0])
	require.Equal(t, 100.0, sums[0].Doubles[0])
}

func TestComment(t *testing.T) {
	f, err := New(bytes.NewReader(sampleKernel()))
	require.NoError(t, err)

	comment, err := f.Comment()
	require.NoError(t, err)
	require.Equal(t, "Synthetic planetary kernel for tests.\nNot for navigation.", comment)
}

func TestReadWords(t *testing.T) {
	f, err := New(bytes.NewReader(sampleKernel()))
	require.NoError(t, err)

	sums, err := f.Summaries()
	require.NoError(t, err)

	// First two words of any segment are the first record's midpoint and
	// radius: 43200 and 43200 for daily records starting at 0.
	first := int(sums[0].Ints[4])
	w, err := f.ReadWords(first, first+1)
	require.NoError(t, err)
	require.Equal(t, []float64{43200, 43200}, w)
}

func TestReadWordsRangeValidation(t *testing.T) {
	f, err := New(bytes.NewReader(sampleKernel()))
	require.NoError(t, err)

	_, err = f.ReadWords(0, 5)
	require.Error(t, err)

	_, err = f.ReadWords(10, 9)
	require.Error(t, err)

	// Past the first free word.
	_, err = f.ReadWords(1, 1<<20)
	require.Error(t, err)
}

func TestRejectsNonDAF(t *testing.T) {
	junk := make([]byte, RecordSize)
	copy(junk, "GIF89a")
	_, err := New(bytes.NewReader(junk))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not a DAF")
}

func TestRejectsTruncated(t *testing.T) {
	_, err := New(bytes.NewReader(sampleKernel()[:100]))
	require.Error(t, err)
}

func TestDetectsFTPDamage(t *testing.T) {
	data := sampleKernel()
	// Simulate ASCII-mode FTP rewriting the \r inside the canary.
	data[706] = '\n'
	_, err := New(bytes.NewReader(data))
	require.Error(t, err)
	require.Contains(t, err.Error(), "FTP")
}

func TestSniffsUntaggedByteOrder(t *testing.T) {
	data := sampleKernel()
	// Erase the format tag and the canary, as a pre-1997 writer would
	// have left them.
	for i := 88; i < 96; i++ {
		data[i] = ' '
	}
	for i := 699; i < 699+28; i++ {
		data[i] = 0
	}

	f, err := New(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, "LTL-IEEE", f.Format())
	require.Equal(t, 2, f.ND())
}

func TestTruncatedSummaryChain(t *testing.T) {
	// A file record pointing at summary records that do not exist.
	data := sampleKernel()[:RecordSize]
	f, err := New(bytes.NewReader(data))
	require.NoError(t, err)

	_, err = f.Summaries()
	require.Error(t, err)
}
