package tree

import (
	"github.com/google/btree"

	"github.com/vuduchild/sapling/pkg/inodemap"
	"github.com/vuduchild/sapling/pkg/objects"
)

// DirEntry is one child of a directory.
//
// Invariants enforced by callers: (I1) HasHash() XOR Materialized(); (I2)
// if LoadedInode is set its inode number equals InodeNum; (I3) an entry
// with no hash must have overlay data for InodeNum.
type DirEntry struct {
	Mode        uint32
	InodeNum    inodemap.InodeNumber
	hasHash     bool
	hash        objects.Hash
	LoadedInode *TreeInode // set only when the loaded child is itself a directory
	loadedLeaf  LeafInode  // set only when the loaded child is a non-directory
}

func NewMaterializedEntry(mode uint32, inodeNum inodemap.InodeNumber) DirEntry {
	return DirEntry{Mode: mode, InodeNum: inodeNum}
}

func NewUnmaterializedEntry(mode uint32, inodeNum inodemap.InodeNumber, hash objects.Hash) DirEntry {
	return DirEntry{Mode: mode, InodeNum: inodeNum, hasHash: true, hash: hash}
}

func (e *DirEntry) HasHash() bool       { return e.hasHash }
func (e *DirEntry) Hash() objects.Hash  { return e.hash }
func (e *DirEntry) Materialized() bool  { return !e.hasHash }
func (e *DirEntry) IsDir() bool         { return fileTypeOf(e.Mode) == objects.TypeDir }

func (e *DirEntry) setHash(h objects.Hash) {
	e.hasHash = true
	e.hash = h
}

func (e *DirEntry) clearHash() {
	e.hasHash = false
	e.hash = objects.Hash{}
}

// IsLoaded reports whether this entry's child inode is currently resident.
func (e *DirEntry) IsLoaded() bool {
	return e.LoadedInode != nil || e.loadedLeaf != nil
}

func fileTypeOf(mode uint32) objects.Type {
	switch mode & modeTypeMask {
	case modeDir:
		return objects.TypeDir
	case modeSymlink:
		return objects.TypeSymlink
	default:
		return objects.TypeFile
	}
}

// Mode bits, POSIX-style (subset the core cares about).
const (
	modeTypeMask uint32 = 0170000
	modeDir      uint32 = 0040000
	modeFile     uint32 = 0100000
	modeFifo     uint32 = 0010000
	modeSocket   uint32 = 0140000
	modeSymlink  uint32 = 0120000
)

type dirEntryItem struct {
	name  string
	entry *DirEntry
}

func lessDirEntryItem(a, b dirEntryItem) bool { return a.name < b.name }

// DirContents is the ordered map from path-component to DirEntry: entries
// are always enumerated sorted by component bytes, matching the order
// source-control Tree entries are returned in so that merge-walks (diff,
// checkout) can proceed lockstep over both sequences.
//
// Backed by a google/btree.BTreeG for O(log n) lookup/insert while keeping
// cheap, allocation-light ascending iteration.
type DirContents struct {
	t *btree.BTreeG[dirEntryItem]
}

func NewDirContents() *DirContents {
	return &DirContents{t: btree.NewG(32, lessDirEntryItem)}
}

func (d *DirContents) Get(name string) (*DirEntry, bool) {
	item, ok := d.t.Get(dirEntryItem{name: name})
	if !ok {
		return nil, false
	}
	return item.entry, true
}

func (d *DirContents) Set(name string, entry *DirEntry) {
	d.t.ReplaceOrInsert(dirEntryItem{name: name, entry: entry})
}

func (d *DirContents) Delete(name string) {
	d.t.Delete(dirEntryItem{name: name})
}

func (d *DirContents) Len() int {
	return d.t.Len()
}

// ForEach visits entries in sorted-by-name order; stop early by returning false.
func (d *DirContents) ForEach(fn func(name string, entry *DirEntry) bool) {
	d.t.Ascend(func(item dirEntryItem) bool {
		return fn(item.name, item.entry)
	})
}

// Names returns entry names in sorted order.
func (d *DirContents) Names() []string {
	names := make([]string, 0, d.Len())
	d.ForEach(func(name string, _ *DirEntry) bool {
		names = append(names, name)
		return true
	})
	return names
}

func (d *DirContents) CountDirs() int {
	n := 0
	d.ForEach(func(_ string, e *DirEntry) bool {
		if e.IsDir() {
			n++
		}
		return true
	})
	return n
}
