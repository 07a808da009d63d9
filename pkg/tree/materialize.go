package tree

import (
	"github.com/vuduchild/sapling/pkg/objects"
	"github.com/vuduchild/sapling/pkg/overlay"
	"github.com/vuduchild/sapling/pkg/qlog"
)

// materialize ensures t itself is overlay-backed and writable, then
// propagates the same requirement up to the root: an unmaterialized
// directory cannot record a materialized child inline, so any mutation
// forces every ancestor along the path to materialize too.
//
// Requires t.contentLock held for write; acquires each ancestor's lock in
// turn, always child-before-parent.
func (t *TreeInode) materialize_(c *ctx) *Errno {
	if t.materialized {
		return nil
	}

	if err := t.writeSelfToOverlay_(c); err != nil {
		return err
	}
	t.materialized = true

	parent := t.lp.parent(t.mount)
	if parent == nil || parent == t {
		return nil
	}

	return parent.childMaterialized(c, t)
}

// writeSelfToOverlay_ requires t.contentLock held for at least read, and
// t.contents already populated.
func (t *TreeInode) writeSelfToOverlay_(c *ctx) *Errno {
	dir := &overlay.Dir{}
	t.contents.ForEach(func(name string, e *DirEntry) bool {
		entry := overlay.Entry{Name: name, Mode: e.Mode, InodeNumber: overlay.InodeNumber(e.InodeNum)}
		if e.HasHash() {
			entry.HasHash = true
			entry.Hash = [20]byte(e.Hash())
		}
		dir.Entries = append(dir.Entries, entry)
		return true
	})

	ts := overlay.Timestamps{Atime: t.atime, Mtime: t.mtime, Ctime: t.ctime}
	if err := t.mount.Overlay.SaveDir(overlay.InodeNumber(t.inodeNum), dir, ts); err != nil {
		return ErrIO("materialize", err.Error())
	}
	return nil
}

// childMaterialized updates t's entry for a child that just became
// materialized and materializes t itself in turn if needed.
func (t *TreeInode) childMaterialized(c *ctx, child *TreeInode) *Errno {
	defer c.FuncIn(qlog.LogTree, "TreeInode::childMaterialized", "child=%d", child.inodeNum).Out()

	t.contentLock.Lock()
	defer t.contentLock.Unlock()

	if err := t.ensureLoadedForWrite_(c); err != nil {
		return err
	}

	entry, ok := t.contents.Get(child.name)
	if !ok {
		return asBug("childMaterialized", NewBugError("parent %d lost entry for child %d", t.inodeNum, child.inodeNum))
	}
	entry.clearHash()

	return t.materialize_(c)
}

// childDematerialized is the inverse notification: child's contents now
// exactly match a source-control Tree again (checkout can produce this),
// so the parent's entry can again be recorded by hash instead of by
// overlay reference.
func (t *TreeInode) childDematerialized(c *ctx, child *TreeInode, hash objects.Hash) *Errno {
	t.contentLock.Lock()
	defer t.contentLock.Unlock()

	if err := t.ensureLoadedForWrite_(c); err != nil {
		return err
	}

	entry, ok := t.contents.Get(child.name)
	if !ok {
		return asBug("childDematerialized", NewBugError("parent %d lost entry for child %d", t.inodeNum, child.inodeNum))
	}
	entry.setHash(hash)
	return t.writeSelfToOverlay_(c)
}
