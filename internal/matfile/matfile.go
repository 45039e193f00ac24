// Package matfile writes and reads Level 5 MAT-file containers holding the
// named numeric arrays, scalars and strings produced by an acquisition.
//
// Only the subset of the format the acquisition needs is implemented:
// little-endian numeric matrices (single and double precision), 1x1 scalars
// and character arrays. Numeric data keeps its native width on write;
// readers widen to double precision.
package matfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode/utf16"
)

// FileExt is appended to output filenames that do not already carry it.
const FileExt = ".mat"

// MAT-file data types.
const (
	miINT8   = 1
	miUINT8  = 2
	miINT16  = 3
	miUINT16 = 4
	miINT32  = 5
	miUINT32 = 6
	miSINGLE = 7
	miDOUBLE = 9
	miMATRIX = 14
)

// MAT-file array classes.
const (
	ClassChar   = 4
	ClassDouble = 6
	ClassSingle = 7
)

// flagComplex in the array-flags subelement marks an array that carries an
// imaginary part after its real data.
const flagComplex = 0x08

const headerTextLen = 116

// File writes a sequence of named data elements to a MAT-file stream.
type File struct {
	w io.Writer
}

// NewFile writes the 128-byte MAT-file header and returns a writer for the
// data elements. description appears in the human-readable header text.
func NewFile(w io.Writer, description string) (*File, error) {
	header := make([]byte, 128)
	text := []byte("MATLAB 5.0 MAT-file, " + description)
	if len(text) > headerTextLen {
		text = text[:headerTextLen]
	}
	for i := range header[:headerTextLen] {
		header[i] = ' '
	}
	copy(header, text)
	// Bytes 116-123: subsystem data offset, unused.
	binary.LittleEndian.PutUint16(header[124:126], 0x0100)
	header[126] = 'I'
	header[127] = 'M'
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write MAT header: %w", err)
	}
	return &File{w: w}, nil
}

// WriteDoubleMatrix writes a rows x cols double-precision matrix. data must
// be in column-major order.
func (f *File) WriteDoubleMatrix(name string, data []float64, rows, cols int) error {
	if len(data) != rows*cols {
		return fmt.Errorf("matrix %s: have %d values for %dx%d", name, len(data), rows, cols)
	}
	payload := new(bytes.Buffer)
	for _, v := range data {
		binary.Write(payload, binary.LittleEndian, v)
	}
	return f.writeMatrix(name, ClassDouble, miDOUBLE, rows, cols, payload.Bytes(), nil)
}

// WriteSingleMatrix writes a rows x cols single-precision matrix. data must
// be in column-major order.
func (f *File) WriteSingleMatrix(name string, data []float32, rows, cols int) error {
	if len(data) != rows*cols {
		return fmt.Errorf("matrix %s: have %d values for %dx%d", name, len(data), rows, cols)
	}
	payload := new(bytes.Buffer)
	for _, v := range data {
		binary.Write(payload, binary.LittleEndian, v)
	}
	return f.writeMatrix(name, ClassSingle, miSINGLE, rows, cols, payload.Bytes(), nil)
}

// WriteComplexSingleMatrix writes a rows x cols single-precision complex
// matrix. data must be in column-major order.
func (f *File) WriteComplexSingleMatrix(name string, data []complex64, rows, cols int) error {
	if len(data) != rows*cols {
		return fmt.Errorf("matrix %s: have %d values for %dx%d", name, len(data), rows, cols)
	}
	re := new(bytes.Buffer)
	im := new(bytes.Buffer)
	for _, v := range data {
		binary.Write(re, binary.LittleEndian, real(v))
		binary.Write(im, binary.LittleEndian, imag(v))
	}
	// An empty buffer yields nil, which writeMatrix would take as "no
	// imaginary part"; keep the complex flag even for 0x0 arrays.
	imagPart := im.Bytes()
	if imagPart == nil {
		imagPart = []byte{}
	}
	return f.writeMatrix(name, ClassSingle, miSINGLE, rows, cols, re.Bytes(), imagPart)
}

// WriteScalar writes a 1x1 double.
func (f *File) WriteScalar(name string, v float64) error {
	return f.WriteDoubleMatrix(name, []float64{v}, 1, 1)
}

// WriteString writes a 1xN character array.
func (f *File) WriteString(name, s string) error {
	units := utf16.Encode([]rune(s))
	payload := new(bytes.Buffer)
	for _, u := range units {
		binary.Write(payload, binary.LittleEndian, u)
	}
	return f.writeMatrix(name, ClassChar, miUINT16, 1, len(units), payload.Bytes(), nil)
}

// writeMatrix assembles a miMATRIX element from its subelements: array
// flags, dimensions, name, the real data payload and, for complex arrays
// (imagPayload non-nil), the imaginary payload.
func (f *File) writeMatrix(name string, class byte, dataType uint32, rows, cols int, payload, imagPayload []byte) error {
	body := new(bytes.Buffer)

	// Array flags: class in the low byte, complex bit when an imaginary
	// part follows.
	flags := uint32(class)
	if imagPayload != nil {
		flags |= flagComplex << 8
	}
	writeTag(body, miUINT32, 8)
	binary.Write(body, binary.LittleEndian, flags)
	binary.Write(body, binary.LittleEndian, uint32(0))

	// Dimensions.
	writeTag(body, miINT32, 8)
	binary.Write(body, binary.LittleEndian, int32(rows))
	binary.Write(body, binary.LittleEndian, int32(cols))

	// Array name.
	writeTag(body, miINT8, uint32(len(name)))
	body.WriteString(name)
	pad(body)

	// Real part.
	writeTag(body, dataType, uint32(len(payload)))
	body.Write(payload)
	pad(body)

	if imagPayload != nil {
		// Imaginary part.
		writeTag(body, dataType, uint32(len(imagPayload)))
		body.Write(imagPayload)
		pad(body)
	}

	var tag [8]byte
	binary.LittleEndian.PutUint32(tag[0:4], miMATRIX)
	binary.LittleEndian.PutUint32(tag[4:8], uint32(body.Len()))
	if _, err := f.w.Write(tag[:]); err != nil {
		return fmt.Errorf("failed to write matrix %s: %w", name, err)
	}
	if _, err := f.w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("failed to write matrix %s: %w", name, err)
	}
	return nil
}

func writeTag(w io.Writer, dataType, numBytes uint32) {
	binary.Write(w, binary.LittleEndian, dataType)
	binary.Write(w, binary.LittleEndian, numBytes)
}

func pad(b *bytes.Buffer) {
	for b.Len()%8 != 0 {
		b.WriteByte(0)
	}
}

// Create opens path for writing, creating the parent directory when missing.
// An existing file at path is overwritten.
func Create(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return file, nil
}

// OutputTarget describes where a measurement is written.
type OutputTarget struct {
	Path            string // Operator-supplied path, extension optional
	AppendTimestamp bool   // Insert a timestamp before the extension
}

// Timestamp renders the compact ISO-8601 form used in filenames.
func Timestamp(now time.Time) string {
	return now.Format("20060102T150405")
}

// Resolve returns the final output path: the .mat extension is appended
// exactly once, and with AppendTimestamp set a -<timestamp> suffix is
// inserted before the extension.
func (t OutputTarget) Resolve(now time.Time) string {
	base := t.Path
	if filepath.Ext(base) == FileExt {
		base = base[:len(base)-len(FileExt)]
	}
	if t.AppendTimestamp {
		base += "-" + Timestamp(now)
	}
	return base + FileExt
}
