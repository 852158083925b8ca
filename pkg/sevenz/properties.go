package sevenz

// readBoolVector reads a per-item boolean vector (spec.md §4.6): if the
// caller already consumed an AllAreDefined=1 byte, every bit is implicitly
// true; otherwise ceil(n/8) bytes follow, MSB-first within each byte.
func readBoolVector(r *byteReader, n int) ([]bool, error) {
	out := make([]bool, n)
	nBytes := (n + 7) / 8
	raw, err := r.readBytes(nBytes)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		out[i] = raw[byteIdx]&(1<<bitIdx) != 0
	}
	return out, nil
}

// readAllDefinedOrBoolVector reads the common "AllAreDefined flag, then
// optionally a bit vector" pattern used throughout StreamsInfo and
// FilesInfo.
func readAllDefinedOrBoolVector(r *byteReader, n int) ([]bool, error) {
	allDefined, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if allDefined != 0 {
		out := make([]bool, n)
		for i := range out {
			out[i] = true
		}
		return out, nil
	}
	return readBoolVector(r, n)
}

// crcVector is the result of parsing a kCRC section (spec.md §4.6): a
// defined/undefined flag and a CRC32 value per item that is defined.
type crcVector struct {
	defined []bool
	values  []uint32 // values[i] is valid only when defined[i]
}

func readCRCVector(r *byteReader, n int) (*crcVector, error) {
	defined, err := readAllDefinedOrBoolVector(r, n)
	if err != nil {
		return nil, err
	}

	values := make([]uint32, n)
	for i := 0; i < n; i++ {
		if !defined[i] {
			continue
		}
		v, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return &crcVector{defined: defined, values: values}, nil
}

// skipSizedProperty skips one property's size-prefixed payload, used for
// extensible sections whose unknown tags must be ignored rather than
// rejected (spec.md §4.6).
func skipSizedProperty(r *byteReader) error {
	size, err := readNumberAsInt(r)
	if err != nil {
		return err
	}
	return r.advance(size)
}

// readID reads a single property-tag byte.
func readID(r *byteReader) (byte, error) {
	return r.readByte()
}

// expectTag reads the next tag and fails unless it matches want.
func expectTag(r *byteReader, want byte) error {
	got, err := readID(r)
	if err != nil {
		return err
	}
	if got != want {
		return newErr(KindMalformed, "expected tag 0x%02X, got 0x%02X", want, got)
	}
	return nil
}
