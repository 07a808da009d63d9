package tree

import (
	"github.com/vuduchild/sapling/pkg/inodemap"
	"github.com/vuduchild/sapling/pkg/qlog"
)

// DirListEntry is one entry as reported to a directory listing, the
// subset of DirEntry the transport layer needs to build a fuse.DirEntry.
type DirListEntry struct {
	Name     string
	Mode     uint32
	InodeNum inodemap.InodeNumber
}

// ReadDir returns a snapshot of t's entries in sorted order. A listing
// call never itself loads children; it only reads what ensureLoaded_ has
// already brought into memory.
func (t *TreeInode) ReadDir(c *ctx) ([]DirListEntry, *Errno) {
	defer c.FuncIn(qlog.LogTree, "TreeInode::ReadDir", "ino=%d", t.inodeNum).Out()
	defer t.UpdateAtime()

	t.contentLock.RLock()
	defer t.contentLock.RUnlock()

	if err := t.ensureLoaded_(c); err != nil {
		return nil, err
	}

	out := make([]DirListEntry, 0, t.contents.Len())
	t.contents.ForEach(func(name string, e *DirEntry) bool {
		out = append(out, DirListEntry{Name: name, Mode: e.Mode, InodeNum: e.InodeNum})
		return true
	})
	return out, nil
}

// controlDirName is the reserved child of the root that mutations must
// refuse with permission-denied.
const controlDirName = ".control"

// GetChildRecursive resolves a path, given as its list of components,
// starting at t through one Lookup per component, failing fast with not-a-directory the moment an intermediate
// component resolves to a non-directory.
func (t *TreeInode) GetChildRecursive(c *ctx, parts []string) (*TreeInode, LeafInode, *Errno) {
	defer c.FuncIn(qlog.LogTree, "TreeInode::GetChildRecursive", "parts=%v", parts).Out()

	dir := t
	for i, name := range parts {
		child, leaf, err := dir.Lookup(c, name)
		if err != nil {
			return nil, nil, err
		}

		last := i == len(parts)-1
		if last {
			return child, leaf, nil
		}
		if child == nil {
			return nil, nil, ErrNotDir("GetChildRecursive", name)
		}
		dir = child
	}
	return dir, nil, nil
}

// LoadMaterializedChildren walks t's already-materialized directory
// children and forces each one resident, without recursing past a child
// that is itself still unmaterialized. This warms the InodeMap for a
// subtree that is about to be walked repeatedly (e.g. about to be diffed
// or checked out) without paying the lazy-load promise cost on every
// single descent.
func (t *TreeInode) LoadMaterializedChildren(c *ctx) *Errno {
	defer c.FuncIn(qlog.LogTree, "TreeInode::LoadMaterializedChildren", "ino=%d", t.inodeNum).Out()

	t.contentLock.RLock()
	if err := t.ensureLoaded_(c); err != nil {
		t.contentLock.RUnlock()
		return err
	}
	var names []string
	t.contents.ForEach(func(name string, e *DirEntry) bool {
		if e.IsDir() && e.Materialized() {
			names = append(names, name)
		}
		return true
	})
	t.contentLock.RUnlock()

	for _, name := range names {
		child, _, err := t.Lookup(c, name)
		if err != nil {
			return err
		}
		if child != nil {
			if err := child.LoadMaterializedChildren(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// DebugSnapshot is a point-in-time diagnostic view of t: enough to answer
// "what does the daemon currently think this directory looks like"
// without taking any lock for longer than the copy itself.
type DebugSnapshot struct {
	InodeNum     inodemap.InodeNumber
	Name         string
	Materialized bool
	SelfHash     string
	Unlinked     bool
	Loaded       bool
	ChildCount   int
	Children     []DirListEntry
}

func (t *TreeInode) DebugSnapshot() DebugSnapshot {
	name := t.Name()

	t.contentLock.RLock()
	defer t.contentLock.RUnlock()

	snap := DebugSnapshot{
		InodeNum:     t.inodeNum,
		Name:         name,
		Materialized: t.materialized,
		SelfHash:     t.selfHash.String(),
		Unlinked:     t.unlinked,
		Loaded:       t.contents != nil,
	}
	if t.contents == nil {
		return snap
	}

	snap.ChildCount = t.contents.Len()
	snap.Children = make([]DirListEntry, 0, snap.ChildCount)
	t.contents.ForEach(func(name string, e *DirEntry) bool {
		snap.Children = append(snap.Children, DirListEntry{Name: name, Mode: e.Mode, InodeNum: e.InodeNum})
		return true
	})
	return snap
}
