// Package fuseserver is the thin FUSE transport binding over pkg/tree: it
// translates pathfs.FileSystem calls into TreeInode operations and
// translates TreeInode *Errno results back into fuse.Status. It holds no
// checkout logic of its own; every decision belongs to pkg/tree.
package fuseserver

import (
	"path"
	"strings"
	"time"

	"github.com/hanwen/go-fuse/fuse"
	"github.com/hanwen/go-fuse/fuse/nodefs"
	"github.com/hanwen/go-fuse/fuse/pathfs"

	"github.com/vuduchild/sapling/pkg/qlog"
	"github.com/vuduchild/sapling/pkg/tree"
)

// FileSystem adapts a tree.Mount to go-fuse's pathfs.FileSystem interface.
// Any method not overridden here falls back to pathfs.NewDefaultFileSystem:
// only what a given node type actually supports gets its own override.
type FileSystem struct {
	pathfs.FileSystem

	mnt *tree.Mount
	q   *qlog.Qlog
}

func New(mnt *tree.Mount, q *qlog.Qlog) *FileSystem {
	tree.LeafConstructor = newFileLeaf

	return &FileSystem{
		FileSystem: pathfs.NewDefaultFileSystem(),
		mnt:        mnt,
		q:          q,
	}
}

func (fs *FileSystem) String() string { return "sapling" }

func splitPath(name string) []string {
	if name == "" {
		return nil
	}
	return strings.Split(name, "/")
}

// resolve walks name's components through Lookup starting at the root,
// returning the final directory and, if the last component is a leaf, its
// LeafInode.
func (fs *FileSystem) resolve(c *qlog.TraceScope, name string) (*tree.TreeInode, tree.LeafInode, *tree.Errno) {
	_ = c
	return fs.resolveFrom(fs.mnt.Root(), splitPath(name))
}

func (fs *FileSystem) resolveFrom(dir *tree.TreeInode, parts []string) (*tree.TreeInode, tree.LeafInode, *tree.Errno) {
	if len(parts) == 0 {
		return dir, nil, nil
	}

	c := fs.mnt.NewCtx()
	for i, part := range parts {
		last := i == len(parts)-1
		child, leaf, err := dir.Lookup(c, part)
		if err != nil {
			return nil, nil, err
		}
		if last {
			return child, leaf, nil
		}
		if child == nil {
			return nil, nil, tree.ErrNotDir("resolve", part)
		}
		dir = child
	}
	return dir, nil, nil
}

// parentOf splits name into (parent directory, base name), resolving the
// parent.
func (fs *FileSystem) parentOf(name string) (*tree.TreeInode, string, *tree.Errno) {
	dirPath, base := path.Split(strings.TrimSuffix(name, "/"))
	dirPath = strings.TrimSuffix(dirPath, "/")
	parentDir, _, err := fs.resolve(nil, dirPath)
	if err != nil {
		return nil, "", err
	}
	if parentDir == nil {
		return nil, "", tree.ErrNotDir("parentOf", dirPath)
	}
	return parentDir, base, nil
}

func toStatus(err *tree.Errno) fuse.Status {
	if err == nil {
		return fuse.OK
	}
	return fuse.Status(err.Errno)
}

func (fs *FileSystem) GetAttr(name string, context *fuse.Context) (*fuse.Attr, fuse.Status) {
	if name == "" {
		return dirAttr(fs.mnt.Root()), fuse.OK
	}

	dir, leaf, err := fs.resolve(nil, name)
	if err != nil {
		return nil, toStatus(err)
	}
	if dir != nil {
		return dirAttr(dir), fuse.OK
	}
	return leafAttr(leaf), fuse.OK
}

func dirAttr(t *tree.TreeInode) *fuse.Attr {
	c := t.Mount().NewCtx()
	attr, _ := t.GetAttr(c)
	return &fuse.Attr{
		Mode:  fuse.S_IFDIR | 0755,
		Ino:   uint64(t.InodeNumber()),
		Mtime: uint64(attr.Mtime.Unix()),
		Atime: uint64(attr.Atime.Unix()),
	}
}

func leafAttr(l tree.LeafInode) *fuse.Attr {
	return &fuse.Attr{
		Mode: l.Mode(),
		Ino:  uint64(l.InodeNumber()),
		Size: l.Size(),
	}
}

func (fs *FileSystem) OpenDir(name string, context *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	dir, _, err := fs.resolve(nil, name)
	if err != nil {
		return nil, toStatus(err)
	}
	if dir == nil {
		return nil, fuse.ENOTDIR
	}

	entries, err := dir.ReadDir(dir.Mount().NewCtx())
	if err != nil {
		return nil, toStatus(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := e.Mode
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: mode})
	}
	return out, fuse.OK
}

func (fs *FileSystem) Mkdir(name string, mode uint32, context *fuse.Context) fuse.Status {
	parent, base, perr := fs.parentOf(name)
	if perr != nil {
		return toStatus(perr)
	}
	_, err := parent.Mkdir(parent.Mount().NewCtx(), base, mode)
	return toStatus(err)
}

func (fs *FileSystem) Rmdir(name string, context *fuse.Context) fuse.Status {
	parent, base, perr := fs.parentOf(name)
	if perr != nil {
		return toStatus(perr)
	}
	return toStatus(parent.Rmdir(parent.Mount().NewCtx(), base))
}

func (fs *FileSystem) Unlink(name string, context *fuse.Context) fuse.Status {
	parent, base, perr := fs.parentOf(name)
	if perr != nil {
		return toStatus(perr)
	}
	return toStatus(parent.Unlink(parent.Mount().NewCtx(), base))
}

func (fs *FileSystem) Rename(oldName, newName string, context *fuse.Context) fuse.Status {
	oldParent, oldBase, err := fs.parentOf(oldName)
	if err != nil {
		return toStatus(err)
	}
	newParent, newBase, err := fs.parentOf(newName)
	if err != nil {
		return toStatus(err)
	}
	return toStatus(tree.Rename(oldParent.Mount().NewCtx(), oldParent, oldBase, newParent, newBase))
}

func (fs *FileSystem) Symlink(value string, linkName string, context *fuse.Context) fuse.Status {
	parent, base, perr := fs.parentOf(linkName)
	if perr != nil {
		return toStatus(perr)
	}
	_, err := parent.Symlink(parent.Mount().NewCtx(), base, value)
	return toStatus(err)
}

func (fs *FileSystem) Readlink(name string, context *fuse.Context) (string, fuse.Status) {
	_, leaf, err := fs.resolve(nil, name)
	if err != nil {
		return "", toStatus(err)
	}
	if leaf == nil {
		return "", fuse.EINVAL
	}
	l, ok := leaf.(*fileLeaf)
	if !ok {
		return "", fuse.EINVAL
	}
	if ierr := l.ensureContent(); ierr != nil {
		return "", fuse.EIO
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return string(l.data), fuse.OK
}

func (fs *FileSystem) Mknod(name string, mode uint32, dev uint32, context *fuse.Context) fuse.Status {
	parent, base, perr := fs.parentOf(name)
	if perr != nil {
		return toStatus(perr)
	}
	_, err := parent.Mknod(parent.Mount().NewCtx(), base, mode, dev)
	return toStatus(err)
}

func (fs *FileSystem) Create(name string, flags uint32, mode uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	parent, base, perr := fs.parentOf(name)
	if perr != nil {
		return nil, toStatus(perr)
	}
	leaf, err := parent.CreateLeaf(parent.Mount().NewCtx(), base, mode)
	if err != nil {
		return nil, toStatus(err)
	}
	return newLeafFile(leaf), fuse.OK
}

func (fs *FileSystem) Open(name string, flags uint32, context *fuse.Context) (nodefs.File, fuse.Status) {
	_, leaf, err := fs.resolve(nil, name)
	if err != nil {
		return nil, toStatus(err)
	}
	if leaf == nil {
		return nil, fuse.EISDIR
	}
	return newLeafFile(leaf), fuse.OK
}

func (fs *FileSystem) Utimens(name string, atime, mtime *time.Time, context *fuse.Context) fuse.Status {
	dir, _, err := fs.resolve(nil, name)
	if err != nil {
		return toStatus(err)
	}
	if dir == nil {
		return fuse.ENOSYS
	}
	attr := tree.Attr{}
	if atime != nil {
		attr.Atime = *atime
	}
	if mtime != nil {
		attr.Mtime = *mtime
	}
	return toStatus(dir.SetAttr(dir.Mount().NewCtx(), attr))
}
