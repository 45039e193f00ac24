package matfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"unicode/utf16"
)

// maxElementLen bounds a single data element so a corrupted size field is
// rejected before allocation, and before the 8-byte padding arithmetic on
// the size can wrap.
const maxElementLen = 1 << 30

// Element is one named array read back from a MAT-file. Numeric data is
// widened to double precision; character arrays are decoded into Str.
// Complex arrays carry their imaginary part in Imag, aligned with Values.
type Element struct {
	Name   string
	Class  int
	Rows   int
	Cols   int
	Values []float64
	Imag   []float64
	Str    string
}

// IsScalar reports whether the element is a 1x1 numeric array.
func (e Element) IsScalar() bool {
	return e.Class != ClassChar && e.Rows == 1 && e.Cols == 1
}

// Scalar returns the single value of a 1x1 array.
func (e Element) Scalar() float64 {
	if len(e.Values) == 0 {
		return 0
	}
	return e.Values[0]
}

// ReadFile parses the MAT-file at path.
func ReadFile(path string) (map[string]Element, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return Read(file)
}

// Read parses a MAT-file stream into its named elements.
func Read(r io.Reader) (map[string]Element, error) {
	header := make([]byte, 128)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read MAT header: %w", err)
	}
	if header[126] != 'I' || header[127] != 'M' {
		return nil, fmt.Errorf("invalid MAT-file: not little endian")
	}
	if binary.LittleEndian.Uint16(header[124:126]) != 0x0100 {
		return nil, fmt.Errorf("invalid MAT-file: unsupported version")
	}

	elements := make(map[string]Element)
	for {
		dataType, data, err := readElement(r)
		if err == io.EOF {
			return elements, nil
		}
		if err != nil {
			return nil, err
		}
		if dataType != miMATRIX {
			continue
		}
		elem, err := parseMatrix(data)
		if err != nil {
			return nil, err
		}
		elements[elem.Name] = elem
	}
}

// readElement reads one tagged data element, handling both the normal and
// the small (packed) element formats.
func readElement(r io.Reader) (uint32, []byte, error) {
	var tag [8]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, nil, err
	}
	dataType := binary.LittleEndian.Uint32(tag[0:4])
	if dataType>>16 != 0 {
		// Small element: size in the upper 16 bits, data in bytes 4..8.
		size := dataType >> 16
		if size > 4 {
			return 0, nil, fmt.Errorf("malformed small data element: %d bytes packed in a 4-byte tag", size)
		}
		return dataType & 0xffff, tag[4 : 4+size], nil
	}
	size := binary.LittleEndian.Uint32(tag[4:8])
	if size > maxElementLen {
		return 0, nil, fmt.Errorf("data element of %d bytes exceeds the supported size", size)
	}
	padded := (size + 7) &^ 7
	data := make([]byte, padded)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("truncated data element: %w", err)
	}
	return dataType, data[:size], nil
}

func parseMatrix(data []byte) (Element, error) {
	br := byteReader(data)
	var elem Element

	flagsType, flags, err := readElement(&br)
	if err != nil || flagsType != miUINT32 || len(flags) < 8 {
		return elem, fmt.Errorf("malformed array flags")
	}
	elem.Class = int(flags[0])
	isComplex := flags[1]&flagComplex != 0

	dimsType, dims, err := readElement(&br)
	if err != nil || dimsType != miINT32 || len(dims) < 8 {
		return elem, fmt.Errorf("malformed dimensions")
	}
	elem.Rows = int(int32(binary.LittleEndian.Uint32(dims[0:4])))
	elem.Cols = int(int32(binary.LittleEndian.Uint32(dims[4:8])))

	nameType, name, err := readElement(&br)
	if err != nil || nameType != miINT8 {
		return elem, fmt.Errorf("malformed array name")
	}
	elem.Name = string(name)

	payloadType, payload, err := readElement(&br)
	if err != nil {
		return elem, fmt.Errorf("malformed array data for %s", elem.Name)
	}

	if elem.Class == ClassChar {
		elem.Str, err = decodeChars(payloadType, payload)
		if err != nil {
			return elem, fmt.Errorf("array %s: %w", elem.Name, err)
		}
		return elem, nil
	}
	elem.Values, err = decodeNumeric(payloadType, payload)
	if err != nil {
		return elem, fmt.Errorf("array %s: %w", elem.Name, err)
	}
	if isComplex {
		imagType, imagPayload, err := readElement(&br)
		if err != nil {
			return elem, fmt.Errorf("malformed imaginary data for %s", elem.Name)
		}
		elem.Imag, err = decodeNumeric(imagType, imagPayload)
		if err != nil {
			return elem, fmt.Errorf("array %s: %w", elem.Name, err)
		}
	}
	return elem, nil
}

func decodeChars(dataType uint32, payload []byte) (string, error) {
	switch dataType {
	case miUINT16:
		units := make([]uint16, len(payload)/2)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(payload[2*i:])
		}
		return string(utf16.Decode(units)), nil
	case miUINT8, miINT8:
		return string(payload), nil
	default:
		return "", fmt.Errorf("unsupported char data type %d", dataType)
	}
}

// decodeNumeric widens any supported numeric payload to float64.
func decodeNumeric(dataType uint32, payload []byte) ([]float64, error) {
	switch dataType {
	case miDOUBLE:
		values := make([]float64, len(payload)/8)
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload[8*i:]))
		}
		return values, nil
	case miSINGLE:
		values := make([]float64, len(payload)/4)
		for i := range values {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[4*i:])))
		}
		return values, nil
	case miINT32:
		values := make([]float64, len(payload)/4)
		for i := range values {
			values[i] = float64(int32(binary.LittleEndian.Uint32(payload[4*i:])))
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unsupported numeric data type %d", dataType)
	}
}

// byteReader is a minimal reader over a byte slice used while walking
// matrix subelements.
type byteReader []byte

func (b *byteReader) Read(p []byte) (int, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, *b)
	*b = (*b)[n:]
	return n, nil
}
