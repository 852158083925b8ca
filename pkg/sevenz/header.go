package sevenz

import (
	"bytes"
	"errors"

	"github.com/cariboulabs/sevenz/pkg/metrics"
)

// signature is the fixed 6-byte magic at the start of every 7z file
// (spec.md §3, §4.7).
var signature = []byte{0x37, 0x7A, 0xBC, 0xAF, 0x27, 0x1C}

const signatureHeaderSize = 32

// SignatureHeader is the fixed 32-byte prologue of a 7z archive.
type SignatureHeader struct {
	VersionMajor   byte
	VersionMinor   byte
	NextHeaderOffset int64
	NextHeaderSize   int64
	NextHeaderCRC    uint32
}

// readSignatureHeader validates the magic and the start-header CRC, per
// spec.md §4.7: the 20 bytes at offset 12 (NextHeaderOffset, NextHeaderSize,
// NextHeaderCRC) are themselves guarded by a CRC32 stored at offset 8.
func readSignatureHeader(buf []byte) (*SignatureHeader, error) {
	if len(buf) < signatureHeaderSize {
		return nil, newErr(KindTruncated, "archive shorter than the 32-byte signature header")
	}
	if !bytes.Equal(buf[0:6], signature) {
		return nil, newErr(KindMalformed, "bad 7z signature")
	}

	sh := &SignatureHeader{
		VersionMajor: buf[6],
		VersionMinor: buf[7],
	}

	startHeaderCRC := newByteReader(buf[8:12])
	wantCRC, err := startHeaderCRC.readUint32()
	if err != nil {
		return nil, err
	}
	if checksum(buf[12:32]) != wantCRC {
		return nil, &Error{Kind: KindIntegrityFailure, FileIndex: -1, Msg: "start header crc mismatch"}
	}

	r := newByteReader(buf[12:32])
	off, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	size, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	crc, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	sh.NextHeaderOffset = int64(off)
	sh.NextHeaderSize = int64(size)
	sh.NextHeaderCRC = crc

	return sh, nil
}

// header is the fully decoded (never-again-encoded) form of the archive's
// metadata: the optional main StreamsInfo for file content, plus the file
// list.
type header struct {
	MainStreams *StreamsInfo
	Files       []fileInfo
}

// readHeaderBytes parses either a plain kHeader or a kEncodedHeader,
// recursively decoding the latter through the folder executor before
// re-parsing its output as a plain header (spec.md §4.7, §9's "a shared
// decode_folder routine used for both the EncodedHeader case and ordinary
// extraction").
//
// A buffer containing both a kHeader and a kEncodedHeader tag at the top
// level is rejected as malformed (spec.md §9 open question): the format
// defines exactly one way to reach file metadata from the next-header
// region, and a conforming writer never emits both.
func readHeaderBytes(archive, buf []byte, registry *Registry, password string, m *metrics.Metrics) (*header, error) {
	r := newByteReader(buf)
	tag, err := readID(r)
	if err != nil {
		return nil, err
	}

	switch tag {
	case tagHeader:
		h, err := parsePlainHeader(r)
		if err != nil {
			return nil, err
		}
		if err := expectOnlyOneTopLevelTag(r); err != nil {
			return nil, err
		}
		return h, nil

	case tagEncodedHeader:
		si, err := readStreamsInfo(r)
		if err != nil {
			return nil, err
		}
		if err := expectOnlyOneTopLevelTag(r); err != nil {
			return nil, err
		}
		if len(si.Folders) != 1 {
			return nil, newErr(KindMalformed, "encoded header must decode to exactly one folder, got %d", len(si.Folders))
		}

		// PackPos in the encoded header's own StreamsInfo is, like every
		// other PackInfo in the format, relative to the archive's packed-
		// data area (signatureHeaderSize bytes in), not to buf — buf is
		// just the tag stream for this header, wherever it happens to sit.
		packed, err := si.sliceOutPackedStreams(archive, 0)
		if err != nil {
			return nil, err
		}
		plan, err := buildFolderPlan(&si.Folders[0], registry, password, m)
		if err != nil {
			return nil, err
		}
		usesAES := folderUsesAES(&si.Folders[0])

		decoded, err := plan.execute(packed)
		if err != nil {
			return nil, badPasswordIfApplicable(err, usesAES, password)
		}

		h, err := readHeaderBytes(archive, decoded, registry, password, m)
		if err != nil {
			return nil, badPasswordIfApplicable(err, usesAES, password)
		}
		return h, nil

	default:
		return nil, newErr(KindMalformed, "expected kHeader or kEncodedHeader, got 0x%02X", tag)
	}
}

// folderUsesAES reports whether any coder in f is the AES256SHA256 coder,
// used to decide whether a header-decode failure should be reported as
// KindBadPassword rather than its raw Malformed/IntegrityFailure kind.
func folderUsesAES(f *Folder) bool {
	for _, c := range f.Coders {
		if bytes.Equal(c.ID, aesCoderID) {
			return true
		}
	}
	return false
}

// badPasswordIfApplicable reclassifies a header-decode failure as
// KindBadPassword when the failing folder used AES and a password was
// supplied: per spec.md §7, "AES output fails an integrity check that
// follows it — typically header CRC after EncodedHeader decryption" is the
// defining symptom of a wrong password, distinct from PasswordRequired
// (no password at all) and from a genuinely malformed unencrypted archive.
func badPasswordIfApplicable(err error, usesAES bool, password string) error {
	if !usesAES || password == "" {
		return err
	}
	var serr *Error
	if !errors.As(err, &serr) {
		return err
	}
	if serr.Kind == KindPasswordRequired {
		return err
	}
	if serr.Kind == KindMalformed || serr.Kind == KindIntegrityFailure || serr.Kind == KindTruncated {
		return &Error{Kind: KindBadPassword, FileIndex: -1, Msg: "header decryption failed integrity check, password is likely incorrect", Cause: serr}
	}
	return err
}

// expectOnlyOneTopLevelTag guards against a buffer that encodes both a
// kHeader and a kEncodedHeader section back to back; after the first
// section's own kEnd, the only legal remainder is end-of-buffer.
func expectOnlyOneTopLevelTag(r *byteReader) error {
	if r.remaining() != 0 {
		return newErr(KindMalformed, "unexpected trailing data after header (both kHeader and kEncodedHeader present?)")
	}
	return nil
}

func parsePlainHeader(r *byteReader) (*header, error) {
	h := &header{}

	tag, err := readID(r)
	if err != nil {
		return nil, err
	}

	if tag == tagArchiveProperties {
		if err := skipArchiveProperties(r); err != nil {
			return nil, err
		}
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	if tag == tagAdditionalStreams {
		// Additional streams (external data for archive properties) are
		// not produced by any writer this package targets; skip the
		// nested StreamsInfo without interpreting it.
		if _, err := readStreamsInfo(r); err != nil {
			return nil, err
		}
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	if tag == tagMainStreams {
		si, err := readStreamsInfo(r)
		if err != nil {
			return nil, err
		}
		h.MainStreams = si
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	if tag == tagFilesInfo {
		files, err := readFilesInfo(r)
		if err != nil {
			return nil, err
		}
		h.Files = files
		tag, err = readID(r)
		if err != nil {
			return nil, err
		}
	}

	if tag != tagEnd {
		return nil, newErr(KindMalformed, "expected kEnd after Header, got 0x%02X", tag)
	}

	return h, nil
}

func skipArchiveProperties(r *byteReader) error {
	for {
		tag, err := readID(r)
		if err != nil {
			return err
		}
		if tag == tagEnd {
			return nil
		}
		if err := skipSizedProperty(r); err != nil {
			return err
		}
	}
}

// sliceOutPackedStreams returns the packed-stream byte slices that feed
// si.Folders[folderIdx], in order. Offsets start at signatureHeaderSize +
// PackPos, since PackPos is relative to the end of the signature header.
func (si *StreamsInfo) sliceOutPackedStreams(archive []byte, folderIdx int) ([][]byte, error) {
	if si.PackInfo == nil {
		return nil, newErr(KindMalformed, "StreamsInfo has no PackInfo")
	}

	// Compute, for each folder, how many of PackInfo's pack streams belong
	// to it, in order: folder i consumes len(folder[i].PackedIndices)
	// consecutive pack streams starting right after folder i-1's.
	streamOffset := 0
	for i := 0; i < folderIdx; i++ {
		streamOffset += len(si.Folders[i].PackedIndices)
	}
	n := len(si.Folders[folderIdx].PackedIndices)

	pos := signatureHeaderSize + si.PackInfo.PackPos
	for i := 0; i < streamOffset; i++ {
		pos += si.PackInfo.PackSizes[i]
	}

	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		size := si.PackInfo.PackSizes[streamOffset+i]
		if pos < 0 || pos+size > int64(len(archive)) {
			return nil, newErr(KindTruncated, "packed stream at offset %d size %d exceeds archive length %d", pos, size, len(archive))
		}
		out[i] = archive[pos : pos+size]
		pos += size
	}
	return out, nil
}
