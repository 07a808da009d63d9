package tree

import (
	"time"

	"github.com/vuduchild/sapling/pkg/inodemap"
	"github.com/vuduchild/sapling/pkg/journal"
	"github.com/vuduchild/sapling/pkg/objects"
	"github.com/vuduchild/sapling/pkg/qlog"
)

// Attr is the subset of POSIX attributes TreeInode mutations care about;
// the FUSE transport layer translates to/from its own attribute structs.
type Attr struct {
	Mode  uint32
	Size  uint64
	Atime time.Time
	Mtime time.Time
}

// Mkdir creates an empty, materialized child directory under t.
func (t *TreeInode) Mkdir(c *ctx, name string, mode uint32) (*TreeInode, *Errno) {
	defer c.FuncIn(qlog.LogTree, "TreeInode::Mkdir", "name=%s", name).Out()

	if name == controlDirName {
		return nil, ErrPerm("Mkdir", name)
	}

	t.contentLock.Lock()
	defer t.contentLock.Unlock()

	if err := t.ensureLoadedForWrite_(c); err != nil {
		return nil, err
	}
	if _, exists := t.contents.Get(name); exists {
		return nil, ErrExist("Mkdir", name)
	}

	number, aerr := t.mount.Overlay.AllocateInodeNumber()
	if aerr != nil {
		return nil, ErrIO("Mkdir", aerr.Error())
	}

	child := newChildInode(t.mount, inodemap.InodeNumber(number), name, t.inodeNum, objects.Hash{}, true)
	now := time.Now()
	child.atime, child.mtime, child.ctime = now, now, now
	child.contents = NewDirContents()

	entry := NewMaterializedEntry(mode|modeDir, child.inodeNum)
	t.contents.Set(name, &entry)

	t.mount.Inodes.ShouldLoadChild(child.inodeNum)
	t.mount.Inodes.InodeLoadComplete(child)

	if err := child.writeSelfToOverlay_(c); err != nil {
		return nil, err
	}
	if err := t.materialize_(c); err != nil {
		return nil, err
	}

	t.mount.Journal.AddDelta(journal.Record{
		Kind: journal.Created, Time: now,
		ParentIno: uint64(t.inodeNum), Name: name,
	})

	return child, nil
}

// CreateLeaf creates a new regular file or symlink entry, delegating the
// actual inode construction to LeafConstructor.
func (t *TreeInode) CreateLeaf(c *ctx, name string, mode uint32) (LeafInode, *Errno) {
	defer c.FuncIn(qlog.LogTree, "TreeInode::CreateLeaf", "name=%s", name).Out()
	return t.createLeaf(c, name, mode, "")
}

// Symlink creates a symlink entry whose target is target, delegating
// construction to LeafConstructor exactly as CreateLeaf does: create,
// symlink, and mknod all share one insert-entry protocol.
func (t *TreeInode) Symlink(c *ctx, name, target string) (LeafInode, *Errno) {
	defer c.FuncIn(qlog.LogTree, "TreeInode::Symlink", "name=%s", name).Out()
	return t.createLeaf(c, name, modeSymlink|0777, target)
}

// Mknod creates a device-entry leaf. Only regular files, FIFOs and
// sockets, which carry no device number the core would need to persist,
// are accepted; every other file type, block and character devices
// included, is refused with EINVAL.
func (t *TreeInode) Mknod(c *ctx, name string, mode uint32, rdev uint32) (LeafInode, *Errno) {
	defer c.FuncIn(qlog.LogTree, "TreeInode::Mknod", "name=%s mode=%o", name, mode).Out()

	switch mode & modeTypeMask {
	case modeFile, modeFifo, modeSocket:
	default:
		return nil, ErrInval("Mknod", "block and character devices are not supported")
	}
	return t.createLeaf(c, name, mode, "")
}

func (t *TreeInode) createLeaf(c *ctx, name string, mode uint32, symlinkTarget string) (LeafInode, *Errno) {
	if name == controlDirName {
		return nil, ErrPerm("createLeaf", name)
	}

	t.contentLock.Lock()
	defer t.contentLock.Unlock()

	if err := t.ensureLoadedForWrite_(c); err != nil {
		return nil, err
	}
	if _, exists := t.contents.Get(name); exists {
		return nil, ErrExist("createLeaf", name)
	}

	number, aerr := t.mount.Overlay.AllocateInodeNumber()
	if aerr != nil {
		return nil, ErrIO("createLeaf", aerr.Error())
	}

	leaf := LeafConstructor(t.mount, inodemap.InodeNumber(number), name, mode, objects.Hash{}, true)
	if symlinkTarget != "" {
		if target, ok := leaf.(SymlinkTarget); ok {
			target.SetTarget(symlinkTarget)
		}
	}
	entry := NewMaterializedEntry(mode, leaf.InodeNumber())
	t.contents.Set(name, &entry)

	t.mount.Inodes.ShouldLoadChild(leaf.InodeNumber())
	t.mount.Inodes.InodeLoadComplete(leaf)

	if err := t.materialize_(c); err != nil {
		return nil, err
	}

	t.mount.Journal.AddDelta(journal.Record{
		Kind: journal.Created, Time: time.Now(),
		ParentIno: uint64(t.inodeNum), Name: name,
	})

	return leaf, nil
}

// Unlink removes a non-directory child.
func (t *TreeInode) Unlink(c *ctx, name string) *Errno {
	defer c.FuncIn(qlog.LogTree, "TreeInode::Unlink", "name=%s", name).Out()
	return t.removeChild(c, name, false)
}

// Rmdir removes an empty child directory.
func (t *TreeInode) Rmdir(c *ctx, name string) *Errno {
	defer c.FuncIn(qlog.LogTree, "TreeInode::Rmdir", "name=%s", name).Out()
	return t.removeChild(c, name, true)
}

func (t *TreeInode) removeChild(c *ctx, name string, wantDir bool) *Errno {
	t.contentLock.Lock()
	defer t.contentLock.Unlock()

	if err := t.ensureLoadedForWrite_(c); err != nil {
		return err
	}

	entry, ok := t.contents.Get(name)
	if !ok {
		return ErrNoEnt("removeChild", name)
	}
	if entry.IsDir() != wantDir {
		if wantDir {
			return ErrNotDir("removeChild", name)
		}
		return ErrIsDir("removeChild", name)
	}

	if entry.IsDir() {
		empty, err := t.childIsEmpty(c, entry)
		if err != nil {
			return err
		}
		if !empty {
			return ErrNotEmpty("removeChild", name)
		}
	}

	// Detach: drop the directory entry first, then mark the child
	// unlinked if it is still loaded and referenced. An unlinked-but-open
	// child stays resident until its last reference drops, at which
	// point the unload policy reclaims it.
	t.contents.Delete(name)

	if loaded, ok := t.mount.Inodes.Get(entry.InodeNum); ok {
		if dir, isDir := loaded.(*TreeInode); isDir {
			dir.markUnlinked()
		}
		t.mount.Inodes.UnloadIfUnreferenced(entry.InodeNum)
	} else {
		t.mount.Inodes.Forget(entry.InodeNum)
	}

	if err := t.materialize_(c); err != nil {
		return err
	}

	t.mount.invalidateIfNotFuse(c, t.inodeNum, name)

	t.mount.Journal.AddDelta(journal.Record{
		Kind: journal.Removed, Time: time.Now(),
		ParentIno: uint64(t.inodeNum), Name: name,
	})

	return nil
}

func (t *TreeInode) markUnlinked() {
	defer t.contentLock.Lock().Unlock()
	t.unlinked = true
}

// childIsEmpty requires t.contentLock held; it loads the child just far
// enough to check whether it has any entries.
func (t *TreeInode) childIsEmpty(c *ctx, entry *DirEntry) (bool, *Errno) {
	var child *TreeInode
	if loaded, ok := t.mount.Inodes.Get(entry.InodeNum); ok {
		var isDir bool
		child, isDir = loaded.(*TreeInode)
		if !isDir {
			return false, asBug("childIsEmpty", NewBugError("directory entry %v resolved to a non-directory", entry))
		}
	} else {
		child = newChildInode(t.mount, entry.InodeNum, "", t.inodeNum, entry.Hash(), entry.Materialized())
	}

	child.contentLock.RLock()
	defer child.contentLock.RUnlock()
	if err := child.ensureLoaded_(c); err != nil {
		return false, err
	}
	return child.contents.Len() == 0, nil
}

// SetAttr applies a POSIX attribute change, materializing t if it is not
// already overlay-backed.
func (t *TreeInode) SetAttr(c *ctx, attr Attr) *Errno {
	t.contentLock.Lock()
	defer t.contentLock.Unlock()

	if err := t.ensureLoadedForWrite_(c); err != nil {
		return err
	}

	if !attr.Atime.IsZero() {
		t.atime = attr.Atime
	}
	if !attr.Mtime.IsZero() {
		t.mtime = attr.Mtime
	}
	t.ctime = time.Now()

	if err := t.materialize_(c); err != nil {
		return err
	}

	t.mount.Journal.AddDelta(journal.Record{
		Kind: journal.Modified, Time: t.ctime,
		ParentIno: uint64(t.inodeNum), Name: t.Name(),
	})

	return nil
}

// GetAttr returns t's current attributes. Read-only; never materializes.
func (t *TreeInode) GetAttr(c *ctx) (Attr, *Errno) {
	t.contentLock.RLock()
	defer t.contentLock.RUnlock()

	if err := t.ensureLoaded_(c); err != nil {
		return Attr{}, err
	}

	return Attr{
		Mode:  modeDir | 0755,
		Size:  uint64(t.contents.Len()),
		Atime: t.atime,
		Mtime: t.mtime,
	}, nil
}
