// Package source provides byte-source abstractions that feed archive bytes
// into sevenz.Open without requiring the whole archive to already be
// resident as a single []byte held by the caller.
package source

import (
	"context"
	"fmt"
	"io"

	"github.com/cariboulabs/sevenz/pkg/sevenz"
)

// Source is anything that can report its total size and serve random-access
// reads into it, the two operations sevenz.Open ultimately needs.
type Source interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() (int64, error)
}

// BulkDownloader is implemented by sources that know a faster way to fetch
// their whole object than a serial ReadAt loop — currently S3Source, via
// the AWS SDK's concurrent, part-based s3manager.Downloader. Open prefers
// this path when a Source offers it.
type BulkDownloader interface {
	DownloadAll(ctx context.Context) ([]byte, error)
}

// Open reads src fully into memory and hands it to sevenz.Open. The core
// reader's contract is an in-memory byte slice (no partial mapping, no
// below-folder streaming), so there is no cheaper way to open an archive
// than reading all of it once here. Sources that implement BulkDownloader
// (S3Source) get to do that read their own, more efficient way; everything
// else falls back to a serial ReadAt loop.
func Open(src Source, opts sevenz.OpenOptions) (*sevenz.Reader, []sevenz.FileEntry, error) {
	if bd, ok := src.(BulkDownloader); ok {
		buf, err := bd.DownloadAll(context.Background())
		if err != nil {
			return nil, nil, fmt.Errorf("sevenz source: bulk download failed: %w", err)
		}
		return sevenz.Open(buf, opts)
	}

	size, err := src.Size()
	if err != nil {
		return nil, nil, fmt.Errorf("sevenz source: stat failed: %w", err)
	}

	buf := make([]byte, size)
	off := int64(0)
	for off < size {
		n, err := src.ReadAt(buf[off:], off)
		off += int64(n)
		if err != nil {
			if err == io.EOF && off == size {
				break
			}
			return nil, nil, fmt.Errorf("sevenz source: read failed at offset %d: %w", off, err)
		}
	}

	return sevenz.Open(buf, opts)
}
