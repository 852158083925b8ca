package sevenz

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"unicode/utf16"

	"testing"

	"github.com/cariboulabs/sevenz/pkg/metrics"
	"github.com/stretchr/testify/require"
)

// archiveFileSpec describes one entry for buildCopyArchive: content == nil
// means a directory (no stream), otherwise the entry is packed through a
// single-coder Copy folder of its own.
type archiveFileSpec struct {
	name    string
	content []byte
}

// buildCopyArchive hand-assembles a minimal, valid 7z container: one
// Copy-coder folder per content-bearing file, no SubstreamsInfo (every
// folder holds exactly one file, so the format's implicit default applies),
// and optionally a wrong CRC32 recorded against one folder to exercise the
// continue-on-corruption path.
func buildCopyArchive(t *testing.T, specs []archiveFileSpec, corruptFolderCRC map[int]bool) []byte {
	t.Helper()

	var contentSpecs []archiveFileSpec
	for _, s := range specs {
		if s.content != nil {
			contentSpecs = append(contentSpecs, s)
		}
	}

	// --- FilesInfo ---
	numFiles := len(specs)
	emptyStreamBits := make([]bool, numFiles)
	anyDir := false
	for i, s := range specs {
		if s.content == nil {
			emptyStreamBits[i] = true
			anyDir = true
		}
	}

	filesInfo := []byte{byte(numFiles)}
	if anyDir {
		filesInfo = append(filesInfo, tagEmptyStream)
		bits := packBoolVectorMSBFirst(emptyStreamBits)
		filesInfo = append(filesInfo, byte(len(bits)))
		filesInfo = append(filesInfo, bits...)
	}

	var nameSection []byte
	nameSection = append(nameSection, 0) // external
	for _, s := range specs {
		units := utf16.Encode([]rune(s.name))
		for _, u := range units {
			nameSection = append(nameSection, byte(u), byte(u>>8))
		}
		nameSection = append(nameSection, 0, 0) // NUL terminator
	}
	filesInfo = append(filesInfo, tagName)
	filesInfo = append(filesInfo, byte(len(nameSection)))
	filesInfo = append(filesInfo, nameSection...)
	filesInfo = append(filesInfo, tagEnd)

	// --- StreamsInfo (only if there is packed content) ---
	var streamsInfo []byte
	var packed []byte
	if len(contentSpecs) > 0 {
		packInfo := []byte{0, byte(len(contentSpecs)), tagSize}
		for _, s := range contentSpecs {
			packInfo = append(packInfo, byte(len(s.content)))
		}
		packInfo = append(packInfo, tagEnd)

		unpackInfo := []byte{tagFolder, byte(len(contentSpecs)), 0}
		for range contentSpecs {
			unpackInfo = append(unpackInfo, 1, 0x01, 0x00) // numCoders=1, flags, Copy ID
		}
		unpackInfo = append(unpackInfo, tagCodersUnpackSize)
		for _, s := range contentSpecs {
			unpackInfo = append(unpackInfo, byte(len(s.content)))
		}
		if len(corruptFolderCRC) > 0 {
			unpackInfo = append(unpackInfo, tagCRC, 1) // allDefined=1
			for i, s := range contentSpecs {
				crc := checksum(s.content)
				if corruptFolderCRC[i] {
					crc ^= 0xFF
				}
				var buf [4]byte
				binary.LittleEndian.PutUint32(buf[:], crc)
				unpackInfo = append(unpackInfo, buf[:]...)
			}
		}
		unpackInfo = append(unpackInfo, tagEnd)

		streamsInfo = append(streamsInfo, tagPackInfo)
		streamsInfo = append(streamsInfo, packInfo...)
		streamsInfo = append(streamsInfo, tagUnpackInfo)
		streamsInfo = append(streamsInfo, unpackInfo...)
		streamsInfo = append(streamsInfo, tagEnd)

		for _, s := range contentSpecs {
			packed = append(packed, s.content...)
		}
	}

	header := []byte{tagHeader}
	if streamsInfo != nil {
		header = append(header, tagMainStreams)
		header = append(header, streamsInfo...)
	}
	header = append(header, tagFilesInfo)
	header = append(header, filesInfo...)
	header = append(header, tagEnd)

	return assembleArchive(packed, header)
}

// packBoolVectorMSBFirst is the inverse of readBoolVector.
func packBoolVectorMSBFirst(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if !b {
			continue
		}
		out[i/8] |= 1 << (7 - uint(i%8))
	}
	return out
}

// assembleArchive wraps packed bytes and a raw plain-header payload
// (starting with tagHeader) into a complete, CRC-valid 7z byte stream.
func assembleArchive(packed, header []byte) []byte {
	archive := make([]byte, signatureHeaderSize)
	copy(archive[0:6], signature)
	archive[6], archive[7] = 0, 4

	archive = append(archive, packed...)
	nextHeaderOffset := int64(len(packed))
	archive = append(archive, header...)

	binary.LittleEndian.PutUint64(archive[12:20], uint64(nextHeaderOffset))
	binary.LittleEndian.PutUint64(archive[20:28], uint64(len(header)))
	binary.LittleEndian.PutUint32(archive[28:32], checksum(header))
	binary.LittleEndian.PutUint32(archive[8:12], checksum(archive[12:32]))

	return archive
}

func TestOpenAndExtractSingleCopyFile(t *testing.T) {
	archive := buildCopyArchive(t, []archiveFileSpec{{name: "hello.txt", content: []byte("hello")}}, nil)

	r, files, err := Open(archive, OpenOptions{})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "hello.txt", files[0].Name)
	require.False(t, files[0].IsDir)
	require.Equal(t, int64(5), files[0].Size)

	content, err := r.Extract(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), content)
}

func TestOpenMixOfFilesAndDirectories(t *testing.T) {
	archive := buildCopyArchive(t, []archiveFileSpec{
		{name: "dir", content: nil},
		{name: "dir/a.txt", content: []byte("AAA")},
	}, nil)

	r, files, err := Open(archive, OpenOptions{})
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.True(t, files[0].IsDir)
	require.False(t, files[1].IsDir)

	content, err := r.Extract(1)
	require.NoError(t, err)
	require.Equal(t, []byte("AAA"), content)

	_, err = r.Extract(0)
	require.Error(t, err)
}

func TestExtractContinuesAfterOneFileCRCMismatch(t *testing.T) {
	archive := buildCopyArchive(t, []archiveFileSpec{
		{name: "bad.bin", content: []byte("corrupt-me")},
		{name: "good.bin", content: []byte("fine")},
	}, map[int]bool{0: true})

	r, files, err := Open(archive, OpenOptions{})
	require.NoError(t, err)
	require.Len(t, files, 2)

	badContent, err := r.Extract(0)
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindIntegrityFailure, serr.Kind)
	require.Equal(t, []byte("corrupt-me"), badContent, "content is still returned alongside the CRC error")

	goodContent, err := r.Extract(1)
	require.NoError(t, err)
	require.Equal(t, []byte("fine"), goodContent)
}

func TestOpenRejectsBadSignature(t *testing.T) {
	archive := buildCopyArchive(t, []archiveFileSpec{{name: "x", content: []byte("y")}}, nil)
	archive[0] ^= 0xFF

	_, _, err := Open(archive, OpenOptions{})
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindMalformed, serr.Kind)
}

func TestOpenDetectsNextHeaderCRCMismatch(t *testing.T) {
	archive := buildCopyArchive(t, []archiveFileSpec{{name: "x", content: []byte("y")}}, nil)
	// Flip a bit inside the header region without fixing up its recorded CRC.
	archive[len(archive)-1] ^= 0xFF

	_, _, err := Open(archive, OpenOptions{})
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindIntegrityFailure, serr.Kind)
}

func TestOpenEmptyArchive(t *testing.T) {
	archive := make([]byte, signatureHeaderSize)
	copy(archive[0:6], signature)
	binary.LittleEndian.PutUint32(archive[8:12], checksum(archive[12:32]))

	r, files, err := Open(archive, OpenOptions{})
	require.NoError(t, err)
	require.Empty(t, files)
	require.Empty(t, r.Files())
}

func TestFileCountAndListPrefix(t *testing.T) {
	archive := buildCopyArchive(t, []archiveFileSpec{
		{name: "docs", content: nil},
		{name: "docs/a.txt", content: []byte("A")},
		{name: "docs/b.txt", content: []byte("B")},
		{name: "other.txt", content: []byte("C")},
	}, nil)

	r, files, err := Open(archive, OpenOptions{})
	require.NoError(t, err)
	require.Len(t, files, 4)
	require.Equal(t, 4, r.FileCount())

	matches := r.ListPrefix("docs")
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	require.ElementsMatch(t, []string{"docs", "docs/a.txt", "docs/b.txt"}, names)

	require.Empty(t, r.ListPrefix("nowhere"))
}

// buildAESEncodedHeaderArchive builds an archive whose NextHeader is a
// kEncodedHeader with one AES256SHA256 coder (numCyclesPower=1, no salt, a
// zero IV) wrapping the plain header of a one-file Copy archive, whose file
// content stays in its own unencrypted Copy folder, mirroring spec.md §8
// end-to-end scenario 3.
func buildAESEncodedHeaderArchive(t *testing.T, password string) (archive []byte, plainHeaderLen int) {
	t.Helper()

	inner := buildCopyArchive(t, []archiveFileSpec{{name: "secret.txt", content: []byte("classified")}}, nil)
	sh, err := readSignatureHeader(inner)
	require.NoError(t, err)
	innerHeaderStart := signatureHeaderSize + sh.NextHeaderOffset
	innerHeaderEnd := innerHeaderStart + sh.NextHeaderSize
	innerPacked := inner[signatureHeaderSize:innerHeaderStart]
	plainHeader := inner[innerHeaderStart:innerHeaderEnd]

	padded := make([]byte, ((len(plainHeader)+aesBlockSize-1)/aesBlockSize)*aesBlockSize)
	copy(padded, plainHeader)

	props := []byte{1} // numCyclesPower=1, no salt/iv bits set
	parsed, err := parseAESProperties(props)
	require.NoError(t, err)
	key := deriveKey(parsed, utf16lePassword(password), metrics.New())

	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, parsed.iv[:]).CryptBlocks(ciphertext, padded)

	encodedHeaderStreams := []byte{tagPackInfo,
		byte(len(innerPacked)), 1, tagSize, byte(len(ciphertext)), tagEnd,
		tagUnpackInfo, tagFolder, 1, 0,
		1, 0x24, 0x06, 0xF1, 0x07, 0x01, byte(len(props)), props[0],
		tagCodersUnpackSize, byte(len(plainHeader)), tagEnd,
		tagEnd,
	}
	outerHeader := append([]byte{tagEncodedHeader}, encodedHeaderStreams...)

	packed := append(append([]byte{}, innerPacked...), ciphertext...)
	return assembleArchive(packed, outerHeader), len(plainHeader)
}

func TestOpenEncodedHeaderWithAESAndCorrectPassword(t *testing.T) {
	archive, _ := buildAESEncodedHeaderArchive(t, "secret")

	r, files, err := Open(archive, OpenOptions{Password: "secret"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "secret.txt", files[0].Name)

	content, err := r.Extract(0)
	require.NoError(t, err)
	require.Equal(t, []byte("classified"), content)
}

func TestOpenEncodedHeaderWithAESAndWrongPasswordReportsBadPassword(t *testing.T) {
	archive, _ := buildAESEncodedHeaderArchive(t, "secret")

	_, _, err := Open(archive, OpenOptions{Password: "wrong-password"})
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindBadPassword, serr.Kind)
}

func TestOpenEncodedHeaderWithAESAndNoPasswordReportsPasswordRequired(t *testing.T) {
	archive, _ := buildAESEncodedHeaderArchive(t, "secret")

	_, _, err := Open(archive, OpenOptions{})
	require.Error(t, err)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, KindPasswordRequired, serr.Kind)
}

func TestOpenEncodedHeaderRecursion(t *testing.T) {
	inner := buildCopyArchive(t, []archiveFileSpec{{name: "inside.txt", content: []byte("payload")}}, nil)

	// Pull the plain header back out of the inner archive and re-pack it
	// behind a one-coder Copy folder of its own, producing a kEncodedHeader
	// archive whose NextHeader must be decoded before it can be parsed.
	sh, err := readSignatureHeader(inner)
	require.NoError(t, err)
	innerHeaderStart := signatureHeaderSize + sh.NextHeaderOffset
	innerHeaderEnd := innerHeaderStart + sh.NextHeaderSize
	innerPacked := inner[signatureHeaderSize:innerHeaderStart]
	plainHeader := inner[innerHeaderStart:innerHeaderEnd]

	// PackPos is relative to the archive's packed-data area; the encoded
	// header's own packed bytes sit right after the inner file's content.
	encodedHeaderStreams := []byte{tagPackInfo,
		byte(len(innerPacked)), 1, tagSize, byte(len(plainHeader)), tagEnd,
		tagUnpackInfo, tagFolder, 1, 0, 1, 0x01, 0x00, tagCodersUnpackSize, byte(len(plainHeader)), tagEnd,
		tagEnd,
	}
	outerHeader := append([]byte{tagEncodedHeader}, encodedHeaderStreams...)

	packed := append(append([]byte{}, innerPacked...), plainHeader...)
	archive := assembleArchive(packed, outerHeader)

	r, files, err := Open(archive, OpenOptions{})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "inside.txt", files[0].Name)

	content, err := r.Extract(0)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), content)
}
