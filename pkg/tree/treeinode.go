// Package tree implements the directory-inode core: TreeInode, its
// lazy-load, rename, remove, diff, checkout, and materialization
// protocols, and the unload/reclaim policy.
package tree

import (
	"time"

	"github.com/vuduchild/sapling/pkg/inodemap"
	"github.com/vuduchild/sapling/pkg/objects"
	"github.com/vuduchild/sapling/pkg/overlay"
	"github.com/vuduchild/sapling/pkg/qlog"
)

// TreeInode is a directory inode: the core type of this module. Its
// DirContents are either unmaterialized (backed by a source control Tree
// object, read-only until first write) or materialized (writable,
// durable in the overlay). A TreeInode is loaded lazily: it exists in the
// InodeMap only once something has actually looked it up.
type TreeInode struct {
	mount *Mount

	inodeNum inodemap.InodeNumber
	lp       lockedParent
	name     string // basename; guarded by lp.lock in lockstep with parentID

	contentLock ContentLock
	contents    *DirContents // nil until loadContents_ has run at least once

	materialized bool
	selfHash     objects.Hash // valid iff !materialized

	atime, mtime, ctime time.Time

	unlinked bool // true once removed from its parent but still referenced
}

func (t *TreeInode) InodeNumber() inodemap.InodeNumber { return t.inodeNum }
func (t *TreeInode) Mount() *Mount                      { return t.mount }
func (t *TreeInode) Name() string                       { defer t.lp.lock.RLock().RUnlock(); return t.name }
func (t *TreeInode) Materialized() bool                 { defer t.contentLock.RLock().RUnlock(); return t.materialized }

// newRootInode constructs the TreeInode for the mount root. Its own
// "parent" is itself: the workspace root has no inode above it to rename
// out from under.
func newRootInode(mnt *Mount, hash objects.Hash, materialized bool) *TreeInode {
	root := &TreeInode{
		mount:        mnt,
		inodeNum:     inodemap.RootInodeNumber,
		name:         "",
		materialized: materialized,
		selfHash:     hash,
	}
	root.lp.parentID = inodemap.RootInodeNumber
	mnt.Inodes.ShouldLoadChild(root.inodeNum)
	mnt.Inodes.InodeLoadComplete(root)
	mnt.root = root
	return root
}

// newChildInode constructs (but does not register in the InodeMap) a
// TreeInode for a directory entry, to be finished by the lazy-load caller.
func newChildInode(mnt *Mount, number inodemap.InodeNumber, name string, parent inodemap.InodeNumber, hash objects.Hash, materialized bool) *TreeInode {
	t := &TreeInode{
		mount:        mnt,
		inodeNum:     number,
		name:         name,
		materialized: materialized,
		selfHash:     hash,
	}
	t.lp.parentID = parent
	return t
}

// Lookup resolves one path component under t, lazily loading the child if
// it is not already resident. It returns the loaded TreeInode or
// LeafInode, exactly one of which will be non-nil on success.
func (t *TreeInode) Lookup(c *ctx, name string) (*TreeInode, LeafInode, *Errno) {
	defer c.FuncIn(qlog.LogTree, "TreeInode::Lookup", "name=%s", name).Out()
	defer t.UpdateAtime()

	t.contentLock.RLock()
	if err := t.ensureLoaded_(c); err != nil {
		t.contentLock.RUnlock()
		return nil, nil, err
	}

	entry, ok := t.contents.Get(name)
	if !ok {
		t.contentLock.RUnlock()
		return nil, nil, ErrNoEnt("Lookup", name)
	}

	if dir, leaf, loaded := t.alreadyLoaded(entry); loaded {
		t.contentLock.RUnlock()
		return dir, leaf, nil
	}

	promise, start := t.mount.Inodes.ShouldLoadChild(entry.InodeNum)
	if !start {
		t.contentLock.RUnlock()
		loaded, err := promise.Wait()
		if err != nil {
			return nil, nil, ErrIO("Lookup", err.Error())
		}
		return splitLoaded(loaded)
	}

	// We are the single loader for this inode number. Build the child
	// under the parent's read lock (children don't mutate the parent's
	// own DirContents), then release before fulfilling waiters.
	child := t.instantiateChild(entry, name)
	t.contentLock.RUnlock()

	t.mount.Inodes.InodeLoadComplete(child)
	return splitLoaded(child)
}

// alreadyLoaded requires t.contentLock to be held (for read is sufficient,
// since it only consults the InodeMap, never contents directly beyond the
// entry already fetched by the caller).
func (t *TreeInode) alreadyLoaded(entry *DirEntry) (*TreeInode, LeafInode, bool) {
	loaded, ok := t.mount.Inodes.Get(entry.InodeNum)
	if !ok {
		return nil, nil, false
	}
	dir, leaf, _ := splitLoaded(loaded)
	return dir, leaf, true
}

func splitLoaded(loaded inodemap.Loaded) (*TreeInode, LeafInode, *Errno) {
	if dir, ok := loaded.(*TreeInode); ok {
		return dir, nil, nil
	}
	if leaf, ok := loaded.(LeafInode); ok {
		return nil, leaf, nil
	}
	return nil, nil, asBug("Lookup", NewBugError("loaded inode of unrecognized type"))
}

// instantiateChild builds the appropriate concrete inode for entry and
// registers it in the InodeMap's "loaded" table via the caller's
// InodeLoadComplete. Leaf (non-directory) children are constructed by
// LeafConstructor, a constructor supplied by the FUSE/file layer that the
// core treats as an opaque collaborator.
func (t *TreeInode) instantiateChild(entry *DirEntry, name string) inodemap.Loaded {
	if entry.IsDir() {
		return newChildInode(t.mount, entry.InodeNum, name, t.inodeNum, entry.Hash(), entry.Materialized())
	}
	return LeafConstructor(t.mount, entry.InodeNum, name, entry.Mode, entry.Hash(), entry.Materialized())
}

// LeafConstructor builds a LeafInode for a newly-loaded non-directory
// child. The core depends on this being set by whatever layer owns file
// content: it collaborates with, but never implements, the actual file
// inode. fuseserver installs the production implementation at startup.
var LeafConstructor func(mnt *Mount, number inodemap.InodeNumber, name string, mode uint32, hash objects.Hash, materialized bool) LeafInode

// ensureLoaded_ requires t.contentLock to be held for at least read, and
// populates t.contents on first use by fetching the backing Tree object.
// Safe to call repeatedly; it is a no-op once contents is non-nil. Since
// only a read lock is held here, populating contents means releasing it,
// promoting to a write lock, and restoring the read lock before
// returning; write-lock callers must use ensureLoadedForWrite_ instead,
// which populates contents in place with no lock release.
func (t *TreeInode) ensureLoaded_(c *ctx) *Errno {
	if t.contents != nil {
		return nil
	}

	// Double-checked: we only held a read lock so far; promote to a
	// write lock to populate contents exactly once.
	t.contentLock.RUnlock()
	defer t.contentLock.RLock()

	t.contentLock.Lock()
	defer t.contentLock.Unlock()

	return t.loadContents_(c)
}

// ensureLoadedForWrite_ requires t.contentLock to already be held for
// write, and populates t.contents on first use with no lock release or
// promotion. Safe to call repeatedly; it is a no-op once contents is
// non-nil.
func (t *TreeInode) ensureLoadedForWrite_(c *ctx) *Errno {
	return t.loadContents_(c)
}

// loadContents_ requires t.contentLock to already be held for write. It
// populates t.contents exactly once from the overlay (materialized) or the
// backing Tree object (unmaterialized).
func (t *TreeInode) loadContents_(c *ctx) *Errno {
	if t.contents != nil {
		return nil
	}

	contents := NewDirContents()

	if t.materialized {
		dir, _, found, err := t.mount.Overlay.LoadDir(overlay.InodeNumber(t.inodeNum))
		if err != nil {
			return ErrIO("ensureLoaded", err.Error())
		}
		if !found {
			return asBug("ensureLoaded", NewBugError("materialized TreeInode %d missing overlay entry", t.inodeNum))
		}
		for _, e := range dir.Entries {
			entry := overlayEntryToDirEntry(e)
			contents.Set(e.Name, &entry)
		}
	} else {
		tr, err := t.mount.Objects.GetTree(c.Context(), t.selfHash)
		if err != nil {
			return ErrIO("ensureLoaded", err.Error())
		}
		for _, te := range tr.Entries() {
			entry := treeEntryToDirEntry(t.mount, te)
			contents.Set(te.Name, &entry)
		}
	}

	t.contents = contents
	return nil
}

func overlayEntryToDirEntry(e overlay.Entry) DirEntry {
	if e.HasHash {
		return NewUnmaterializedEntry(e.Mode, inodemap.InodeNumber(e.InodeNumber), objects.Hash(e.Hash))
	}
	return NewMaterializedEntry(e.Mode, inodemap.InodeNumber(e.InodeNumber))
}

func treeEntryToDirEntry(mnt *Mount, te objects.TreeEntry) DirEntry {
	number, _ := mnt.Overlay.AllocateInodeNumber()
	return NewUnmaterializedEntry(te.Mode, inodemap.InodeNumber(number), te.Hash)
}

