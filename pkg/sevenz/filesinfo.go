package sevenz

import (
	"time"
	"unicode/utf16"
)

// windowsEpochOffset is the number of 100ns intervals between the Windows
// FILETIME epoch (1601-01-01) and the Unix epoch (1970-01-01).
const windowsEpochOffset = 116444736000000000

// fileTimeToGo converts a Windows FILETIME (100ns intervals since
// 1601-01-01 UTC) to a time.Time.
func fileTimeToGo(ft uint64) time.Time {
	if ft == 0 {
		return time.Time{}
	}
	unitsSinceUnixEpoch := int64(ft) - windowsEpochOffset
	sec := unitsSinceUnixEpoch / 10000000
	nsec := (unitsSinceUnixEpoch % 10000000) * 100
	return time.Unix(sec, nsec).UTC()
}

// fileInfo is the per-entry record parsed out of FilesInfo (spec.md §3,
// §4.6): name plus the flags and optional timestamps/attributes that ride
// alongside it. It does not yet know which folder/substream holds its
// bytes; archive.go joins that in after StreamsInfo has been parsed.
type fileInfo struct {
	Name           string
	HasStream      bool // false for empty files and directories
	IsEmptyFile    bool // meaningful only when !HasStream
	IsAnti         bool
	IsDir          bool // derived: !HasStream && !IsEmptyFile && !IsAnti
	CTime, ATime, MTime time.Time
	HasAttributes  bool
	Attributes     uint32
}

func readUTF16LEName(r *byteReader) (string, error) {
	var units []uint16
	for {
		u, err := r.readUint16()
		if err != nil {
			return "", err
		}
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units)), nil
}

// readFilesInfo parses the kFilesInfo section (spec.md §4.6). numFiles
// comes from the section's own count prefix; emptyStreamFlags locates
// which of those entries have no folder/substream data at all (directories
// and zero-length "empty files" alike).
func readFilesInfo(r *byteReader) ([]fileInfo, error) {
	numFiles, err := readNumberAsInt(r)
	if err != nil {
		return nil, err
	}

	files := make([]fileInfo, numFiles)
	for i := range files {
		files[i].HasStream = true
	}

	var emptyStream []bool
	numEmptyStreams := 0

	for {
		tag, err := readID(r)
		if err != nil {
			return nil, err
		}
		if tag == tagEnd {
			break
		}

		size, err := readNumberAsInt(r)
		if err != nil {
			return nil, err
		}
		sub := newByteReader(mustPeekBytes(r, size))
		if err := r.advance(size); err != nil {
			return nil, err
		}

		switch tag {
		case tagEmptyStream:
			emptyStream, err = readBoolVector(sub, numFiles)
			if err != nil {
				return nil, err
			}
			for i, v := range emptyStream {
				if v {
					files[i].HasStream = false
					numEmptyStreams++
				}
			}

		case tagEmptyFile:
			if emptyStream == nil {
				return nil, newErr(KindMalformed, "kEmptyFile without a preceding kEmptyStream")
			}
			emptyFile, err := readBoolVector(sub, numEmptyStreams)
			if err != nil {
				return nil, err
			}
			k := 0
			for i := range files {
				if !emptyStream[i] {
					continue
				}
				files[i].IsEmptyFile = emptyFile[k]
				k++
			}

		case tagAnti:
			if emptyStream == nil {
				return nil, newErr(KindMalformed, "kAnti without a preceding kEmptyStream")
			}
			anti, err := readBoolVector(sub, numEmptyStreams)
			if err != nil {
				return nil, err
			}
			k := 0
			for i := range files {
				if !emptyStream[i] {
					continue
				}
				files[i].IsAnti = anti[k]
				k++
			}

		case tagName:
			external, err := sub.readByte()
			if err != nil {
				return nil, err
			}
			if external != 0 {
				return nil, newErr(KindMalformed, "external file names are not supported")
			}
			for i := range files {
				name, err := readUTF16LEName(sub)
				if err != nil {
					return nil, err
				}
				files[i].Name = name
			}

		case tagCTime, tagATime, tagMTime:
			if err := readFileTimes(sub, files, tag); err != nil {
				return nil, err
			}

		case tagWinAttributes:
			defined, err := readAllDefinedOrBoolVector(sub, numFiles)
			if err != nil {
				return nil, err
			}
			external, err := sub.readByte()
			if err != nil {
				return nil, err
			}
			if external != 0 {
				return nil, newErr(KindMalformed, "external attributes are not supported")
			}
			for i := range files {
				if !defined[i] {
					continue
				}
				attr, err := sub.readUint32()
				if err != nil {
					return nil, err
				}
				files[i].HasAttributes = true
				files[i].Attributes = attr
			}

		case tagDummy:
			// Padding property, intentionally ignored (spec.md §4.6).

		default:
			// Unknown/extensible property: already isolated to sub above,
			// nothing further to do.
		}
	}

	for i := range files {
		files[i].IsDir = !files[i].HasStream && !files[i].IsEmptyFile && !files[i].IsAnti
	}

	return files, nil
}

// readFileTimes handles the three timestamp properties, which share the
// same AllAreDefined+External+8-byte-FILETIME-per-defined-entry layout.
func readFileTimes(sub *byteReader, files []fileInfo, tag byte) error {
	defined, err := readAllDefinedOrBoolVector(sub, len(files))
	if err != nil {
		return err
	}
	external, err := sub.readByte()
	if err != nil {
		return err
	}
	if external != 0 {
		return newErr(KindMalformed, "external timestamps are not supported")
	}
	for i := range files {
		if !defined[i] {
			continue
		}
		raw, err := sub.readUint64()
		if err != nil {
			return err
		}
		t := fileTimeToGo(raw)
		switch tag {
		case tagCTime:
			files[i].CTime = t
		case tagATime:
			files[i].ATime = t
		case tagMTime:
			files[i].MTime = t
		}
	}
	return nil
}

// mustPeekBytes returns a view of the next n bytes without advancing r; the
// caller is responsible for advancing separately. Panics are impossible
// here since the caller always calls r.advance(n) immediately after with
// the same bound, surfacing any truncation through that call instead.
func mustPeekBytes(r *byteReader, n int) []byte {
	if r.remaining() < n {
		return r.buf[r.pos:]
	}
	return r.buf[r.pos : r.pos+n]
}
