package sevenz

import (
	"compress/bzip2"
	"io"

	"github.com/klauspost/compress/flate"
)

// copyCoder is 7-Zip's "Copy" method (coder ID 0x00): identity passthrough.
type copyCoder struct{}

func (copyCoder) streamCounts() (in, out int) { return 1, 1 }

func (copyCoder) decode(_ []byte, inputs [][]byte, _ []int64) ([][]byte, error) {
	if len(inputs) != 1 {
		return nil, newErr(KindMalformed, "copy: expected one input stream, got %d", len(inputs))
	}
	return [][]byte{inputs[0]}, nil
}

// deltaCoder reverses 7-Zip's Delta filter (coder ID 0x03). The property
// byte is (distance-1); each output byte is the running sum of itself and
// the byte `distance` positions earlier in the output.
type deltaCoder struct{}

func (deltaCoder) streamCounts() (in, out int) { return 1, 1 }

func (deltaCoder) decode(props []byte, inputs [][]byte, _ []int64) ([][]byte, error) {
	if len(inputs) != 1 {
		return nil, newErr(KindMalformed, "delta: expected one input stream, got %d", len(inputs))
	}
	distance := 1
	if len(props) >= 1 {
		distance = int(props[0]) + 1
	}

	in := inputs[0]
	out := make([]byte, len(in))
	history := make([]byte, distance)
	pos := 0
	for i, b := range in {
		v := b + history[pos]
		out[i] = v
		history[pos] = v
		pos++
		if pos == distance {
			pos = 0
		}
	}
	return [][]byte{out}, nil
}

// deflateCoder decodes 7-Zip's "Deflate" method (coder ID 04 01 08) using
// klauspost/compress/flate, a drop-in replacement for the standard
// library's compress/flate already pulled in transitively by this
// lineage's container-layer handling.
type deflateCoder struct{}

func (deflateCoder) streamCounts() (in, out int) { return 1, 1 }

func (deflateCoder) decode(_ []byte, inputs [][]byte, declaredOutSizes []int64) ([][]byte, error) {
	if len(inputs) != 1 {
		return nil, newErr(KindMalformed, "deflate: expected one input stream, got %d", len(inputs))
	}

	fr := flate.NewReader(byteSliceReader(inputs[0]))
	defer fr.Close()

	out, err := readAllWithHint(fr, declaredOutSizes)
	if err != nil {
		return nil, wrapErr(KindMalformed, err, "deflate: decode failed")
	}
	return [][]byte{out}, nil
}

// bzip2Coder decodes 7-Zip's BZip2 method (coder ID 04 02 02) using the
// standard library's compress/bzip2, which is decode-only — exactly the
// capability this coder needs, since 7z extraction never re-compresses.
// No third-party BZip2 decoder appears anywhere in this lineage's
// dependency graph or the wider reference corpus.
type bzip2Coder struct{}

func (bzip2Coder) streamCounts() (in, out int) { return 1, 1 }

func (bzip2Coder) decode(_ []byte, inputs [][]byte, declaredOutSizes []int64) ([][]byte, error) {
	if len(inputs) != 1 {
		return nil, newErr(KindMalformed, "bzip2: expected one input stream, got %d", len(inputs))
	}

	br := bzip2.NewReader(byteSliceReader(inputs[0]))
	out, err := readAllWithHint(br, declaredOutSizes)
	if err != nil {
		return nil, wrapErr(KindMalformed, err, "bzip2: decode failed")
	}
	return [][]byte{out}, nil
}

func byteSliceReader(b []byte) io.Reader {
	return &sliceReader{b: b}
}

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func readAllWithHint(r io.Reader, declaredOutSizes []int64) ([]byte, error) {
	hint := 0
	if len(declaredOutSizes) == 1 && declaredOutSizes[0] > 0 {
		hint = int(declaredOutSizes[0])
	}
	buf := make([]byte, 0, hint)
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return buf, err
		}
	}
}
