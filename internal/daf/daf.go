// Package daf reads NAIF Double Precision Array Files, the container
// format planetary ephemeris kernels are distributed in.
//
// A DAF is a sequence of fixed 1024-byte records addressed as 8-byte
// words, word 1 first. Record 1 is the file record (counts, pointers,
// byte order tag); records 2..FWARD-1 hold free-text comments; from
// FWARD onward, summary records and name records alternate in a linked
// list, each summary carrying ND doubles and NI integers that locate one
// array of double precision data elsewhere in the file. The SPK layer
// interprets those arrays as ephemeris segments.
//
// Both little- and big-endian files are handled; files too old to carry
// a byte order tag are sniffed from the ND/NI counts.
package daf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

const (
	// RecordSize is the fixed DAF physical record length in bytes.
	RecordSize = 1024
	// WordSize is the size of one DAF address unit, an 8-byte double.
	WordSize = 8

	wordsPerRecord = RecordSize / WordSize
)

// ftpValidation is the FTP corruption canary written at byte 699 of the
// file record. ASCII-mode transfers rewrite line endings and break it.
const ftpValidation = "FTPSTR:\r:\n:\r\n:\r\x00:\x81:\x10\xce:ENDFTP"

// Summary is one array summary: the ND doubles and NI integers that
// describe and locate a data array, plus its name record entry.
type Summary struct {
	Name    string
	Doubles []float64
	Ints    []int32
}

// File provides random access to one DAF. Reads go through the
// underlying io.ReaderAt, so a File is safe for concurrent use whenever
// the reader is (os.File and bytes.Reader both are).
type File struct {
	r     io.ReaderAt
	order binary.ByteOrder

	idWord   string
	internal string
	format   string
	nd, ni   int
	fward    int
	bward    int
	free     int
}

// New parses the file record of a DAF and returns a handle for reading
// its summaries and data words.
func New(r io.ReaderAt) (*File, error) {
	rec := make([]byte, RecordSize)
	if err := readAt(r, rec, 0); err != nil {
		return nil, fmt.Errorf("reading DAF file record: %w", err)
	}

	f := &File{r: r}
	f.idWord = strings.TrimRight(string(rec[0:8]), " \x00")
	if !strings.HasPrefix(f.idWord, "DAF/") && f.idWord != "NAIF/DAF" {
		return nil, fmt.Errorf("not a DAF file (ID word %q)", f.idWord)
	}

	f.format = strings.TrimRight(string(rec[88:96]), " \x00")
	switch f.format {
	case "LTL-IEEE":
		f.order = binary.LittleEndian
	case "BIG-IEEE":
		f.order = binary.BigEndian
	default:
		// Files written before the format tag existed leave this area
		// blank. The ND/NI counts are small positive integers, so only
		// one byte order decodes them plausibly.
		f.order = sniffOrder(rec)
		if f.order == nil {
			return nil, fmt.Errorf("unrecognized DAF binary format %q", f.format)
		}
		if f.order == binary.LittleEndian {
			f.format = "LTL-IEEE"
		} else {
			f.format = "BIG-IEEE"
		}
	}

	// Modern files carry an FTP canary; if the marker is present but the
	// control characters around it were rewritten, the file went through
	// an ASCII-mode transfer and its doubles cannot be trusted.
	if i := bytes.Index(rec, []byte("FTPSTR:")); i >= 0 {
		if i+len(ftpValidation) > RecordSize || !bytes.Equal(rec[i:i+len(ftpValidation)], []byte(ftpValidation)) {
			return nil, fmt.Errorf("DAF FTP validation string is corrupted (ASCII-mode transfer damage)")
		}
	}

	f.nd = int(int32(f.order.Uint32(rec[8:12])))
	f.ni = int(int32(f.order.Uint32(rec[12:16])))
	f.internal = strings.TrimRight(string(rec[16:76]), " \x00")
	f.fward = int(int32(f.order.Uint32(rec[76:80])))
	f.bward = int(int32(f.order.Uint32(rec[80:84])))
	f.free = int(int32(f.order.Uint32(rec[84:88])))

	if f.nd < 0 || f.nd > 124 || f.ni < 2 || f.ni > 250 {
		return nil, fmt.Errorf("implausible DAF summary counts ND=%d NI=%d", f.nd, f.ni)
	}
	if f.fward < 2 {
		return nil, fmt.Errorf("DAF first summary record %d out of range", f.fward)
	}

	return f, nil
}

// sniffOrder guesses the byte order of an untagged file from its ND/NI
// counts. Returns nil if neither order decodes them plausibly.
func sniffOrder(rec []byte) binary.ByteOrder {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		nd := int(int32(order.Uint32(rec[8:12])))
		ni := int(int32(order.Uint32(rec[12:16])))
		if nd >= 0 && nd <= 124 && ni >= 2 && ni <= 250 {
			return order
		}
	}
	return nil
}

// IDWord returns the file type tag from the file record, e.g. "DAF/SPK".
func (f *File) IDWord() string { return f.idWord }

// Internal returns the internal file name recorded by the producer.
func (f *File) Internal() string { return f.internal }

// Format returns the binary format tag, "LTL-IEEE" or "BIG-IEEE".
func (f *File) Format() string { return f.format }

// ND returns the number of doubles per array summary.
func (f *File) ND() int { return f.nd }

// NI returns the number of integers per array summary.
func (f *File) NI() int { return f.ni }

// record reads physical record n (1-based).
func (f *File) record(n int) ([]byte, error) {
	if n < 1 {
		return nil, fmt.Errorf("record number %d out of range", n)
	}
	rec := make([]byte, RecordSize)
	if err := readAt(f.r, rec, int64(n-1)*RecordSize); err != nil {
		return nil, fmt.Errorf("reading record %d: %w", n, err)
	}
	return rec, nil
}

func (f *File) float64At(rec []byte, off int) float64 {
	return math.Float64frombits(f.order.Uint64(rec[off : off+8]))
}

// Summaries walks the summary record chain and returns every array
// summary in file order.
func (f *File) Summaries() ([]Summary, error) {
	ss := f.nd + (f.ni+1)/2 // summary size in words
	nc := WordSize * ss     // name length in characters
	maxPerRecord := (wordsPerRecord - 3) / ss

	var out []Summary
	seen := make(map[int]bool)
	recno := f.fward
	for recno > 0 {
		if seen[recno] {
			return nil, fmt.Errorf("summary record chain loops at record %d", recno)
		}
		seen[recno] = true

		sumRec, err := f.record(recno)
		if err != nil {
			return nil, err
		}
		nameRec, err := f.record(recno + 1)
		if err != nil {
			return nil, err
		}

		// Control area: NEXT, PREV, NSUM stored as doubles in words 1-3.
		next := int(f.float64At(sumRec, 0))
		nsum := int(f.float64At(sumRec, 16))
		if nsum < 0 || nsum > maxPerRecord {
			return nil, fmt.Errorf("summary record %d claims %d summaries, at most %d fit", recno, nsum, maxPerRecord)
		}

		for i := 0; i < nsum; i++ {
			base := 3*WordSize + i*ss*WordSize

			s := Summary{
				Name:    strings.TrimRight(string(nameRec[i*nc:(i+1)*nc]), " \x00"),
				Doubles: make([]float64, f.nd),
				Ints:    make([]int32, f.ni),
			}
			for d := 0; d < f.nd; d++ {
				s.Doubles[d] = f.float64At(sumRec, base+d*WordSize)
			}
			intBase := base + f.nd*WordSize
			for n := 0; n < f.ni; n++ {
				s.Ints[n] = int32(f.order.Uint32(sumRec[intBase+n*4 : intBase+n*4+4]))
			}
			out = append(out, s)
		}

		recno = next
	}
	return out, nil
}

// ReadWords reads the inclusive 1-based word range [first, last] as
// doubles. Array summaries locate their data in exactly these terms.
func (f *File) ReadWords(first, last int) ([]float64, error) {
	if first < 1 || last < first {
		return nil, fmt.Errorf("invalid word range %d..%d", first, last)
	}
	if f.free > 0 && last >= f.free {
		return nil, fmt.Errorf("word range %d..%d beyond end of data (first free word %d)", first, last, f.free)
	}

	n := last - first + 1
	buf := make([]byte, n*WordSize)
	if err := readAt(f.r, buf, int64(first-1)*WordSize); err != nil {
		return nil, fmt.Errorf("reading words %d..%d: %w", first, last, err)
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(f.order.Uint64(buf[i*WordSize:]))
	}
	return out, nil
}

// Comment returns the free-text comment area. Comment records store
// 1000 characters each; NUL separates lines and EOT ends the area.
func (f *File) Comment() (string, error) {
	var b strings.Builder
	for recno := 2; recno < f.fward; recno++ {
		rec, err := f.record(recno)
		if err != nil {
			return "", err
		}
		for _, c := range rec[:1000] {
			switch c {
			case 0x04:
				return strings.TrimRight(b.String(), "\n"), nil
			case 0x00:
				b.WriteByte('\n')
			default:
				b.WriteByte(c)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// readAt fills buf from r at off. A full read that lands exactly on EOF
// is a success; anything short is not.
func readAt(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if err == io.EOF && n == len(buf) {
		return nil
	}
	return err
}
