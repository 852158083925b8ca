package sevenzfs

import (
	"context"
	"sort"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/rs/zerolog/log"
)

// FSNode is the go-fuse inode embedder for one path in the archive,
// adapted from this lineage's FSNode: a thin wrapper around this
// package's entry plus a back-reference to the owning FileSystem.
type FSNode struct {
	fs.Inode
	filesystem *FileSystem
	entry      *entry
}

func (n *FSNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.fillAttr(&out.Attr)
	return fs.OK
}

func (n *FSNode) fillAttr(attr *fuse.Attr) {
	if n.entry.isDir {
		attr.Mode = fuse.S_IFDIR | 0o555
		return
	}

	attr.Mode = fuse.S_IFREG | 0o444
	files := n.filesystem.reader.Files()
	if n.entry.fileIdx < 0 || n.entry.fileIdx >= len(files) {
		return
	}
	fe := files[n.entry.fileIdx]
	attr.Size = uint64(fe.Size)
	if !fe.ModTime.IsZero() {
		sec := fe.ModTime.Unix()
		attr.Mtime = uint64(sec)
		attr.Atime = uint64(sec)
		attr.Ctime = uint64(sec)
	}
}

func (n *FSNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child, ok := n.entry.children[name]
	if !ok {
		return nil, syscall.ENOENT
	}

	childNode := &FSNode{filesystem: n.filesystem, entry: child}
	n.fillAttrFor(child, &out.Attr)

	mode := uint32(fuse.S_IFREG)
	if child.isDir {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(ctx, childNode, fs.StableAttr{Mode: mode}), fs.OK
}

func (n *FSNode) fillAttrFor(e *entry, attr *fuse.Attr) {
	tmp := &FSNode{filesystem: n.filesystem, entry: e}
	tmp.fillAttr(attr)
}

func (n *FSNode) Opendir(ctx context.Context) syscall.Errno {
	if !n.entry.isDir {
		return syscall.ENOTDIR
	}
	return fs.OK
}

func (n *FSNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.entry.isDir {
		return nil, syscall.ENOTDIR
	}

	names := make([]string, 0, len(n.entry.children))
	for name := range n.entry.children {
		names = append(names, name)
	}
	sort.Strings(names)

	list := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		child := n.entry.children[name]
		mode := uint32(fuse.S_IFREG)
		if child.isDir {
			mode = fuse.S_IFDIR
		}
		list = append(list, fuse.DirEntry{Name: name, Mode: mode})
	}
	return fs.NewListDirStream(list), fs.OK
}

func (n *FSNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if n.entry.isDir {
		return nil, 0, syscall.EISDIR
	}
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (n *FSNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if n.entry.isDir {
		return nil, syscall.EISDIR
	}

	nRead, err := n.filesystem.readFile(n.entry.fileIdx, dest, off)
	if err != nil {
		log.Error().Err(err).Str("path", n.entry.path).Msg("read failed")
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:nRead]), fs.OK
}

// Create, Mkdir, Unlink, Rmdir, Rename: this view is read-only, mirroring
// this lineage's ClipFileSystem, which refuses every mutating call with
// EROFS rather than silently no-opping.

func (n *FSNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	return nil, nil, 0, syscall.EROFS
}

func (n *FSNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EROFS
}

func (n *FSNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *FSNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return syscall.EROFS
}

func (n *FSNode) Rename(ctx context.Context, oldName string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EROFS
}
