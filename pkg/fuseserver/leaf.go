package fuseserver

import (
	"context"
	"io"
	"sync"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"

	"github.com/vuduchild/sapling/pkg/inodemap"
	"github.com/vuduchild/sapling/pkg/objects"
	"github.com/vuduchild/sapling/pkg/tree"
)

// fileLeaf is the concrete non-directory inode the core's LeafInode
// capability set describes but never implements itself. It covers regular
// files and symlinks: a symlink is just a file whose content is its
// target string.
//
// Content for a materialized leaf lives in data, guarded by mu. Content
// for an unmaterialized leaf is fetched from the ObjectStore lazily, on
// first access, and cached in data from then on. The core's object store
// contract only promises GetBlob is safe to call repeatedly, not that
// it's cheap.
type fileLeaf struct {
	mnt  *tree.Mount
	num  inodemap.InodeNumber
	mode uint32

	mu           sync.RWMutex
	name         string
	materialized bool
	hasHash      bool
	hash         objects.Hash
	data         []byte
	loaded       bool // data reflects either overlay-writes or a completed blob fetch
}

func newFileLeaf(mnt *tree.Mount, num inodemap.InodeNumber, name string, mode uint32, hash objects.Hash, materialized bool) tree.LeafInode {
	l := &fileLeaf{
		mnt:          mnt,
		num:          num,
		mode:         mode,
		name:         name,
		materialized: materialized,
	}
	if !materialized {
		l.hasHash = true
		l.hash = hash
	} else {
		l.loaded = true // newly created; no backing blob to fetch
	}
	return l
}

func (l *fileLeaf) InodeNumber() inodemap.InodeNumber { return l.num }

func (l *fileLeaf) Name() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.name
}

func (l *fileLeaf) SetName(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.name = name
}

func (l *fileLeaf) Materialized() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.materialized
}

func (l *fileLeaf) Hash() (objects.Hash, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash, l.hasHash
}

func (l *fileLeaf) SetHash(h objects.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hasHash = true
	l.hash = h
	l.materialized = false
}

func (l *fileLeaf) Mode() uint32 { return l.mode }

func (l *fileLeaf) Size() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.data))
}

// SetTarget implements tree.SymlinkTarget: a symlink's content is simply
// its target path, written once at creation.
func (l *fileLeaf) SetTarget(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = []byte(target)
	l.loaded = true
}

// ensureContent loads this leaf's bytes from the object store on first
// access to an unmaterialized leaf: the leaf is constructed synchronously
// from the entry's mode and hash, deferring actual content I/O to
// whenever something first reads it.
func (l *fileLeaf) ensureContent() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded {
		return nil
	}
	blob, err := l.mnt.Objects.GetBlob(l.mnt.NewCtx().Context(), l.hash)
	if err != nil {
		return err
	}
	l.data = append([]byte(nil), blob.Data()...)
	l.loaded = true
	return nil
}

// ReadAll implements tree.LeafContent, letting the diff engine read a
// .gitignore leaf's bytes without going through the nodefs.File open path.
func (l *fileLeaf) ReadAll(ctx context.Context) ([]byte, error) {
	if err := l.ensureContent(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]byte(nil), l.data...), nil
}

func (l *fileLeaf) readAt(dest []byte, off int64) (int, error) {
	if err := l.ensureContent(); err != nil {
		return 0, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if off >= int64(len(l.data)) {
		return 0, io.EOF
	}
	return copy(dest, l.data[off:]), nil
}

func (l *fileLeaf) writeAt(src []byte, off int64) (int, error) {
	if err := l.ensureContent(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	end := off + int64(len(src))
	if end > int64(len(l.data)) {
		grown := make([]byte, end)
		copy(grown, l.data)
		l.data = grown
	}
	copy(l.data[off:end], src)
	l.materialized = true
	l.hasHash = false
	return len(src), nil
}

func (l *fileLeaf) truncate(size uint64) error {
	if err := l.ensureContent(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case size == uint64(len(l.data)):
	case size < uint64(len(l.data)):
		l.data = l.data[:size]
	default:
		grown := make([]byte, size)
		copy(grown, l.data)
		l.data = grown
	}
	l.materialized = true
	l.hasHash = false
	return nil
}

// leafFile adapts fileLeaf to go-fuse's nodefs.File. Every call not
// overridden falls back to nodefs.NewDefaultFile's ENOSYS via the
// embedded interface.
type leafFile struct {
	nodefs.File
	leaf *fileLeaf
}

func newLeafFile(l tree.LeafInode) nodefs.File {
	concrete, ok := l.(*fileLeaf)
	if !ok {
		return nodefs.NewDefaultFile()
	}
	return &leafFile{File: nodefs.NewDefaultFile(), leaf: concrete}
}

func (f *leafFile) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	n, err := f.leaf.readAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, fuse.EIO
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (f *leafFile) Write(data []byte, off int64) (uint32, fuse.Status) {
	n, err := f.leaf.writeAt(data, off)
	if err != nil {
		return 0, fuse.EIO
	}
	return uint32(n), fuse.OK
}

func (f *leafFile) Truncate(size uint64) fuse.Status {
	if err := f.leaf.truncate(size); err != nil {
		return fuse.EIO
	}
	return fuse.OK
}

func (f *leafFile) GetAttr(out *fuse.Attr) fuse.Status {
	*out = *leafAttr(f.leaf)
	return fuse.OK
}

func (f *leafFile) Flush() fuse.Status { return fuse.OK }
func (f *leafFile) Fsync(flags int) fuse.Status { return fuse.OK }
