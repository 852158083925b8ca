package source

import "os"

// LocalSource reads an archive from a local file, adapted from this
// lineage's LocalClipStorage (a thin *os.File.ReadAt wrapper).
type LocalSource struct {
	file *os.File
}

// OpenLocal opens path for reading. The caller must call Close when done.
func OpenLocal(path string) (*LocalSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &LocalSource{file: f}, nil
}

func (s *LocalSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

func (s *LocalSource) Size() (int64, error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *LocalSource) Close() error {
	return s.file.Close()
}
