package tree

import (
	"time"

	"github.com/vuduchild/sapling/pkg/journal"
	"github.com/vuduchild/sapling/pkg/qlog"
)

// Rename moves (or renames in place) one child from oldParent to newParent.
// It takes the mount-wide rename lock first, then the two parents' content
// locks in a fixed order independent of which is logically "old" and
// which is "new", so two concurrent renames can never form a
// lock-acquisition cycle.
func Rename(c *ctx, oldParent *TreeInode, oldName string, newParent *TreeInode, newName string) *Errno {
	defer c.FuncIn(qlog.LogTree, "Rename", "%d/%s -> %d/%s",
		oldParent.inodeNum, oldName, newParent.inodeNum, newName).Out()

	mnt := oldParent.mount
	unlockRename := mnt.lockForRename()
	defer unlockRename()

	first, second := orderParents(oldParent, newParent)
	first.contentLock.Lock()
	defer first.contentLock.Unlock()
	if second != first {
		second.contentLock.Lock()
		defer second.contentLock.Unlock()
	}

	if err := oldParent.ensureLoadedForWrite_(c); err != nil {
		return err
	}
	if newParent != oldParent {
		if err := newParent.ensureLoadedForWrite_(c); err != nil {
			return err
		}
	}

	entry, ok := oldParent.contents.Get(oldName)
	if !ok {
		return ErrNoEnt("Rename", oldName)
	}

	// A directory can never be moved into its own subtree: with the
	// rename lock held, no concurrent rename can be altering ancestry
	// out from under this walk.
	if entry.IsDir() {
		var movedDir *TreeInode
		if loaded, ok := mnt.Inodes.Get(entry.InodeNum); ok {
			movedDir, _ = loaded.(*TreeInode)
		} else {
			// Not yet resident: load it far enough to walk its
			// ancestry chain instead of skipping the cycle check.
			movedDir = newChildInode(mnt, entry.InodeNum, oldName, oldParent.inodeNum, entry.Hash(), entry.Materialized())
			if promise, start := mnt.Inodes.ShouldLoadChild(entry.InodeNum); start {
				mnt.Inodes.InodeLoadComplete(movedDir)
			} else if loaded, err := promise.Wait(); err == nil {
				movedDir, _ = loaded.(*TreeInode)
			}
		}
		if movedDir != nil && isAncestor(mnt, movedDir, newParent) {
			return ErrInval("Rename", "cannot move a directory into its own subtree")
		}
	}

	existing, collides := newParent.contents.Get(newName)
	if collides {
		if existing.IsDir() != entry.IsDir() {
			if entry.IsDir() {
				return ErrNotDir("Rename", newName)
			}
			return ErrIsDir("Rename", newName)
		}
		if existing.IsDir() {
			empty, err := newParent.childIsEmpty(c, existing)
			if err != nil {
				return err
			}
			if !empty {
				return ErrNotEmpty("Rename", newName)
			}
		}
		mnt.Inodes.UnloadIfUnreferenced(existing.InodeNum)
	}

	oldParent.contents.Delete(oldName)
	newParent.contents.Set(newName, entry)

	if loaded, ok := mnt.Inodes.Get(entry.InodeNum); ok {
		switch child := loaded.(type) {
		case *TreeInode:
			child.lp.setParent(newParent.inodeNum)
			child.setName(newName)
		case LeafInode:
			child.SetName(newName)
		}
	}

	now := time.Now()
	if err := newParent.materialize_(c); err != nil {
		return err
	}
	if oldParent != newParent {
		if err := oldParent.materialize_(c); err != nil {
			return err
		}
	}

	kind := journal.Rename
	if collides {
		kind = journal.Replace
	}
	mnt.Journal.AddDelta(journal.Record{
		Kind: kind, Time: now,
		ParentIno: uint64(oldParent.inodeNum), Name: oldName,
		NewParentIno: uint64(newParent.inodeNum), NewName: newName,
	})

	return nil
}

func (t *TreeInode) setName(name string) {
	defer t.lp.lock.Lock().Unlock()
	t.name = name
}

// orderParents returns a and b in a consistent order (by inode number) so
// two concurrent renames always acquire shared parents' content locks in
// the same relative order.
func orderParents(a, b *TreeInode) (first, second *TreeInode) {
	if a == b || a.inodeNum <= b.inodeNum {
		return a, b
	}
	return b, a
}

// isAncestor reports whether candidate is ancestor (or the same as) node,
// walking up via lockedParent. Callers must hold the mount rename lock so
// the chain of parent pointers cannot change underfoot.
func isAncestor(mnt *Mount, candidate, node *TreeInode) bool {
	for cur := node; cur != nil; {
		if cur == candidate {
			return true
		}
		parent := cur.lp.parent(mnt)
		if parent == cur {
			return false // reached the root, whose parent is itself
		}
		cur = parent
	}
	return false
}
