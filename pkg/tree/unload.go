package tree

import (
	"time"

	"github.com/VividCortex/gohistogram"

	"github.com/vuduchild/sapling/pkg/qlog"
)

// UnloadPolicy is a periodic reclaim pass: walk loaded directories and
// drop ones that are both unreferenced (InodeMap refcount zero) and past
// the atime cutoff, freeing memory without touching anything durable
// (overlay/journal state for a materialized directory survives its
// unload).
type UnloadPolicy struct {
	mnt        *Mount
	atimeCutoff time.Duration

	idleAges *gohistogram.NumericHistogram // observed age-at-unload, for tuning the cutoff
}

func NewUnloadPolicy(mnt *Mount, atimeCutoff time.Duration) *UnloadPolicy {
	return &UnloadPolicy{
		mnt:         mnt,
		atimeCutoff: atimeCutoff,
		idleAges:    gohistogram.NewHistogram(20),
	}
}

// Scan walks the loaded-inode set once, unloading every unreferenced
// TreeInode whose atime is older than the configured cutoff. A directory's
// own children must already be unloaded before it can unload: a directory
// with resident children can never be reclaimed out from under them.
func (p *UnloadPolicy) Scan(c *ctx, candidates []*TreeInode) int {
	defer c.FuncIn(qlog.LogTree, "UnloadPolicy::Scan", "candidates=%d", len(candidates)).Out()

	reclaimed := 0
	now := time.Now()

	for _, t := range candidates {
		if p.tryUnload(c, t, now) {
			reclaimed++
		}
	}
	return reclaimed
}

func (p *UnloadPolicy) tryUnload(c *ctx, t *TreeInode, now time.Time) bool {
	if t.inodeNum == t.mount.root.inodeNum {
		return false // the root is always resident
	}

	t.contentLock.RLock()
	age := now.Sub(t.atime)
	hasLoadedChildren := t.hasLoadedChildren_()
	t.contentLock.RUnlock()

	if age < p.atimeCutoff {
		return false
	}
	if hasLoadedChildren {
		return false
	}
	if p.mnt.Inodes.RefCount(t.inodeNum) > 0 {
		return false
	}

	if !p.mnt.Inodes.UnloadIfUnreferenced(t.inodeNum) {
		return false
	}

	p.idleAges.Add(age.Seconds())
	c.Dlog(qlog.LogTree, "unloaded inode %d after %s idle", t.inodeNum, age)
	return true
}

// hasLoadedChildren_ requires t.contentLock held for at least read. It
// does not force-load t.contents: an unloaded (never-instantiated)
// directory trivially has no loaded children.
func (t *TreeInode) hasLoadedChildren_() bool {
	if t.contents == nil {
		return false
	}
	has := false
	t.contents.ForEach(func(_ string, e *DirEntry) bool {
		if _, ok := t.mount.Inodes.Get(e.InodeNum); ok {
			has = true
			return false
		}
		return true
	})
	return has
}

// UpdateAtime bumps t's access time, as every Lookup through t (whether or
// not the name is found) and every ReadDir of t does. This is what lets the unload scanner's cutoff be meaningful
// rather than comparing against a load time that's never refreshed.
func (t *TreeInode) UpdateAtime() {
	defer t.contentLock.Lock().Unlock()
	t.atime = time.Now()
}

// IdleAgeQuantile reports an approximate quantile of how long unloaded
// directories sat idle before reclaim, for tuning atimeCutoff.
func (p *UnloadPolicy) IdleAgeQuantile(q float64) float64 {
	return p.idleAges.Quantile(q)
}

// LoadedDescendants walks every currently-resident TreeInode reachable
// from the mount root, for the periodic scanner driving UnloadPolicy.Scan
// to build its candidate list from. Leaf children are never unload
// candidates under this policy, which only reclaims directory inodes, so
// the walk simply doesn't descend into them.
func (mnt *Mount) LoadedDescendants() []*TreeInode {
	var out []*TreeInode
	var walk func(t *TreeInode)
	walk = func(t *TreeInode) {
		out = append(out, t)
		t.contentLock.RLock()
		defer t.contentLock.RUnlock()
		if t.contents == nil {
			return
		}
		t.contents.ForEach(func(_ string, e *DirEntry) bool {
			if loaded, ok := mnt.Inodes.Get(e.InodeNum); ok {
				if child, isDir := loaded.(*TreeInode); isDir {
					walk(child)
				}
			}
			return true
		})
	}
	walk(mnt.root)
	return out
}
