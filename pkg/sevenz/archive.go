package sevenz

import (
	"errors"
	"strings"
	"time"

	"github.com/beam-cloud/ristretto"
	"github.com/cariboulabs/sevenz/pkg/metrics"
)

// folderCacheNumCounters and folderCacheMaxCost match the teacher's own
// chunkCache sizing in cdn.go's NewCDNClipStorage — a cost-bounded cache so
// an archive with many large folders can't grow Reader's memory use
// without limit the way an unbounded map would.
const (
	folderCacheNumCounters = 1e7
	folderCacheMaxCost     = 1 * 1e9
	folderCacheBufferItems = 64
)

func newFolderCache() (*ristretto.Cache[int, []byte], error) {
	return ristretto.NewCache(&ristretto.Config[int, []byte]{
		NumCounters: folderCacheNumCounters,
		MaxCost:     folderCacheMaxCost,
		BufferItems: folderCacheBufferItems,
	})
}

// FileEntry is the user-facing view of one archive entry: a fileInfo
// joined with the folder/substream coordinates needed to extract it.
type FileEntry struct {
	Name          string
	Size          int64
	ModTime       time.Time
	Attributes    uint32
	HasAttributes bool
	IsDir         bool
	CRC32Defined  bool
	CRC32         uint32

	folderIndex    int // -1 when HasStream is false
	substreamIndex int
}

// OpenOptions configures Open. The zero value opens an unencrypted archive
// with the default Registry (spec.md §6).
type OpenOptions struct {
	Password string
	Registry *Registry

	// Metrics receives this Reader's folder-decode/CRC-failure/KDF-round
	// counters. Left nil, Open allocates a fresh *metrics.Metrics private to
	// this Reader (spec.md §5: "no shared mutable state across archives; a
	// reader instance exclusively owns its parsed metadata and scratch
	// buffers"). A caller that explicitly wants several Readers to share one
	// set of counters — e.g. a CLI aggregating a whole process's run — may
	// pass metrics.Global() or any other shared instance here; that choice
	// belongs to the caller, not to this package.
	Metrics *metrics.Metrics
}

// Reader is an opened 7z archive: parsed metadata plus enough of the
// original byte slice to decode folders on demand (spec.md §4.8, §5 —
// decoding happens per folder, lazily, not all at once).
type Reader struct {
	archive  []byte
	streams  *StreamsInfo
	registry *Registry
	password string
	metrics  *metrics.Metrics

	files []FileEntry
	index *archiveIndex

	// folderCache memoizes decoded folder output across Extract calls
	// (spec.md §5, §9), cost-bounded by byte size the way the teacher's
	// own chunkCache is rather than left to grow without limit.
	folderCache *ristretto.Cache[int, []byte]
}

// Metrics returns a snapshot of this Reader's own counters (spec.md §5 —
// never a process-wide total unless the caller passed OpenOptions.Metrics
// a shared instance itself).
func (r *Reader) Metrics() metrics.Snapshot {
	return r.metrics.Snapshot()
}

// Open parses the signature header, recovers the (possibly encoded)
// Header, and builds the file list. It does not decode any folder's
// content yet; call Extract per file (spec.md §6's open(bytes) entry
// point).
func Open(data []byte, opts OpenOptions) (*Reader, []FileEntry, error) {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	sh, err := readSignatureHeader(data)
	if err != nil {
		return nil, nil, err
	}

	nextHeaderStart := signatureHeaderSize + sh.NextHeaderOffset
	nextHeaderEnd := nextHeaderStart + sh.NextHeaderSize
	if nextHeaderStart < 0 || nextHeaderEnd > int64(len(data)) {
		return nil, nil, newErr(KindTruncated, "next header range [%d,%d) exceeds archive length %d", nextHeaderStart, nextHeaderEnd, len(data))
	}
	nextHeaderBytes := data[nextHeaderStart:nextHeaderEnd]
	if checksum(nextHeaderBytes) != sh.NextHeaderCRC {
		return nil, nil, &Error{Kind: KindIntegrityFailure, FileIndex: -1, Msg: "next header crc mismatch"}
	}

	if sh.NextHeaderSize == 0 {
		cache, err := newFolderCache()
		if err != nil {
			return nil, nil, err
		}
		r := &Reader{archive: data, registry: registry, password: opts.Password, metrics: m, folderCache: cache}
		r.index = newArchiveIndex(nil)
		return r, nil, nil
	}

	h, err := readHeaderBytes(data, nextHeaderBytes, registry, opts.Password, m)
	if err != nil {
		return nil, nil, err
	}

	files, err := joinFilesWithStreams(h.Files, h.MainStreams)
	if err != nil {
		return nil, nil, err
	}

	cache, err := newFolderCache()
	if err != nil {
		return nil, nil, err
	}
	r := &Reader{
		archive:     data,
		streams:     h.MainStreams,
		registry:    registry,
		password:    opts.Password,
		metrics:     m,
		files:       files,
		folderCache: cache,
	}
	r.index = newArchiveIndex(files)
	return r, files, nil
}

// joinFilesWithStreams assigns each fileInfo with HasStream==true the next
// (folder, substream) coordinate in folder order, per spec.md §3's
// file-to-substream mapping: FilesInfo entries with a stream are consumed
// in order against the folders' substream partitions, folder by folder.
func joinFilesWithStreams(fis []fileInfo, si *StreamsInfo) ([]FileEntry, error) {
	out := make([]FileEntry, len(fis))

	folderIdx, subIdx := 0, 0
	advance := func() (int, int, error) {
		for si != nil && folderIdx < len(si.Folders) {
			n := si.NumUnpackStreamsInFolders[folderIdx]
			if subIdx >= n {
				folderIdx++
				subIdx = 0
				continue
			}
			f, s := folderIdx, subIdx
			subIdx++
			return f, s, nil
		}
		return 0, 0, newErr(KindMalformed, "more files with content than substreams declared")
	}

	for i, fi := range fis {
		e := FileEntry{
			Name:          fi.Name,
			ModTime:       fi.MTime,
			IsDir:         fi.IsDir,
			Attributes:    fi.Attributes,
			HasAttributes: fi.HasAttributes,
			folderIndex:   -1,
		}
		if !fi.HasStream {
			out[i] = e
			continue
		}

		f, s, err := advance()
		if err != nil {
			return nil, err
		}
		e.folderIndex = f
		e.substreamIndex = s
		e.Size = si.SubstreamSizes[f][s]
		e.CRC32Defined = si.SubstreamCRCDefined[f][s]
		e.CRC32 = si.SubstreamCRC[f][s]
		out[i] = e
	}

	return out, nil
}

// Files returns the archive's entries in on-disk order.
func (r *Reader) Files() []FileEntry {
	return r.files
}

// Lookup finds an entry by exact name using the sorted index.
func (r *Reader) Lookup(name string) (FileEntry, bool) {
	return r.index.get(name)
}

// FileCount reports the number of indexed entries, directories included.
func (r *Reader) FileCount() int {
	return r.index.len()
}

// ListPrefix returns every entry whose name starts with prefix, in sorted
// name order, without scanning the whole archive.
func (r *Reader) ListPrefix(prefix string) []FileEntry {
	var out []FileEntry
	r.index.ascend(prefix, func(fe FileEntry) bool {
		if !strings.HasPrefix(fe.Name, prefix) {
			return false
		}
		out = append(out, fe)
		return true
	})
	return out
}

// Extract decodes and returns the content of files[i]. Folder output is
// memoized on the Reader so that extracting several files from the same
// folder only decodes it once (spec.md §5, §9).
func (r *Reader) Extract(i int) ([]byte, error) {
	if i < 0 || i >= len(r.files) {
		return nil, newErr(KindMalformed, "file index %d out of range", i)
	}
	e := r.files[i]
	if e.IsDir {
		return nil, newFileErr(KindMalformed, i, "entry is a directory")
	}
	if e.folderIndex < 0 {
		return []byte{}, nil
	}

	folderOut, err := r.decodeFolder(e.folderIndex)
	if err != nil {
		var serr *Error
		if errors.As(err, &serr) {
			return nil, newFileErr(serr.Kind, i, "%s", serr.Msg)
		}
		return nil, newFileErr(KindMalformed, i, "%v", err)
	}

	start := int64(0)
	for s := 0; s < e.substreamIndex; s++ {
		start += r.streams.SubstreamSizes[e.folderIndex][s]
	}
	end := start + e.Size
	if end > int64(len(folderOut)) {
		return nil, newFileErr(KindMalformed, i, "substream range exceeds folder output")
	}
	content := folderOut[start:end]

	if e.CRC32Defined && checksum(content) != e.CRC32 {
		r.metrics.RecordSubstreamCRCFailure()
		return content, newFileErr(KindIntegrityFailure, i, "crc32 mismatch for %q", e.Name)
	}
	return content, nil
}

func (r *Reader) decodeFolder(folderIdx int) ([]byte, error) {
	if b, ok := r.folderCache.Get(folderIdx); ok {
		return b, nil
	}

	packed, err := r.streams.sliceOutPackedStreams(r.archive, folderIdx)
	if err != nil {
		return nil, err
	}
	folder := r.streams.Folders[folderIdx]
	// A single-substream folder's CRC is also that substream's CRC, which
	// Extract checks while still returning the decoded bytes; skip the
	// folder-level check here so a mismatch reaches that per-file path.
	if folder.UnpackCRCDefined && r.streams.NumUnpackStreamsInFolders[folderIdx] == 1 &&
		r.streams.SubstreamCRCDefined[folderIdx][0] && r.streams.SubstreamCRC[folderIdx][0] == folder.UnpackCRC {
		folder.UnpackCRCDefined = false
	}
	plan, err := buildFolderPlan(&folder, r.registry, r.password, r.metrics)
	if err != nil {
		return nil, err
	}
	out, err := plan.execute(packed)
	if err != nil {
		return nil, err
	}

	r.metrics.RecordFolderDecoded(int64(len(out)))
	r.folderCache.Set(folderIdx, out, int64(len(out)))
	r.folderCache.Wait()
	return out, nil
}
