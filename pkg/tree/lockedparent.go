package tree

import "github.com/vuduchild/sapling/pkg/inodemap"

// lockedParent guards a TreeInode's link to its parent: no inode should
// have direct access to its parent due to races with a concurrent move.
// Every read of the parent pointer goes through parent(), which
// re-resolves the current inode number through the mount's InodeMap
// rather than following a cached pointer that a concurrent rename may
// have invalidated.
type lockedParent struct {
	lock     ContentLock
	parentID inodemap.InodeNumber // inodemap.RootInodeNumber's own parent is itself
}

func (lp *lockedParent) parent(mnt *Mount) *TreeInode {
	defer lp.lock.RLock().RUnlock()
	return lp.parent_(mnt)
}

// parent_ requires lp.lock to already be held for read.
func (lp *lockedParent) parent_(mnt *Mount) *TreeInode {
	loaded, ok := mnt.Inodes.Get(lp.parentID)
	if !ok {
		return nil
	}
	parent, _ := loaded.(*TreeInode)
	return parent
}

func (lp *lockedParent) setParent(newParent inodemap.InodeNumber) {
	defer lp.lock.Lock().Unlock()
	lp.parentID = newParent
}

func (lp *lockedParent) currentParentID() inodemap.InodeNumber {
	defer lp.lock.RLock().RUnlock()
	return lp.parentID
}
