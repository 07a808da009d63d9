package tree

import (
	"bytes"
	"context"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vuduchild/sapling/pkg/ignore"
	"github.com/vuduchild/sapling/pkg/objects"
	"github.com/vuduchild/sapling/pkg/qlog"
)

// DiffKind classifies one path difference found by Diff.
type DiffKind uint8

const (
	DiffAdded DiffKind = iota
	DiffRemoved
	DiffModified
)

func (k DiffKind) String() string {
	switch k {
	case DiffAdded:
		return "added"
	case DiffRemoved:
		return "removed"
	case DiffModified:
		return "modified"
	default:
		return "unknown"
	}
}

// DiffEntry is one path that differs between a TreeInode's live state and
// a source-control Tree being compared against.
type DiffEntry struct {
	Path string
	Kind DiffKind
}

// Diff compares root's current contents against the Tree identified by
// against, merge-walking both sequences in sorted order. Subdirectories
// are diffed concurrently via an errgroup, bounded only by the natural
// fan-out of the tree; ignored paths are pruned before recursing so an
// entire ignored subtree costs one Matcher.Match call.
//
// baseline supplies ignore rules that apply mount-wide regardless of any
// .gitignore file (e.g. always-skip paths); per-directory .gitignore files
// are loaded and layered on top of it, deepest-last, as the walk
// descends.
func Diff(c *ctx, root *TreeInode, against objects.Hash, baseline ignore.Matcher) ([]DiffEntry, error) {
	defer c.FuncIn(qlog.LogDiff, "Diff", "root=%d against=%s", root.inodeNum, against).Out()

	if baseline == nil {
		baseline = ignore.Always
	}

	var mu sync.Mutex
	var results []DiffEntry
	emit := func(p string, k DiffKind) {
		mu.Lock()
		results = append(results, DiffEntry{Path: p, Kind: k})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(context.Background())
	if err := diffDir(gctx, g, c, root, against, "", baseline, ignore.NewStack(), emit); err != nil {
		return nil, err
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// layeredMatcher consults the per-directory .gitignore stack first (most
// specific), falling back to the mount-wide baseline matcher.
type layeredMatcher struct {
	baseline ignore.Matcher
	stack    *ignore.Stack
}

func (m layeredMatcher) Match(path string, isDir bool) bool {
	if m.stack.Match(path, isDir) {
		return true
	}
	return m.baseline.Match(path, isDir)
}

const gitignoreName = ".gitignore"

// loadGitignoreFrame finds dir's own .gitignore entry (there is none if
// dir.contents has no such name, or it names a directory) and, if
// present, reads its bytes into a new RuleSet frame. Requires
// dir.contentLock held for at least read.
//
// Only an already-resident leaf's content is read: forcing a suspended
// lazy-load of an unloaded .gitignore purely to compute ignore rules would
// hold this directory's content lock across a suspension point, which is
// forbidden. A .gitignore that has never been opened since the daemon
// started simply contributes no frame yet.
func loadGitignoreFrame(c *ctx, dir *TreeInode) *ignore.RuleSet {
	entry, ok := dir.contents.Get(gitignoreName)
	if !ok || entry.IsDir() {
		return nil
	}

	loaded, ok := dir.mount.Inodes.Get(entry.InodeNum)
	if !ok {
		return nil
	}
	content, ok := loaded.(LeafContent)
	if !ok {
		return nil
	}

	data, err := content.ReadAll(c.Context())
	if err != nil {
		c.Wlog(qlog.LogDiff, "failed reading %s in dir %d: %s", gitignoreName, dir.inodeNum, err)
		return nil
	}

	rs, err := ignore.Parse(bytes.NewReader(data))
	if err != nil {
		c.Wlog(qlog.LogDiff, "failed parsing %s in dir %d: %s", gitignoreName, dir.inodeNum, err)
		return nil
	}
	return rs
}

func diffDir(gctx context.Context, g *errgroup.Group, c *ctx, dir *TreeInode, against objects.Hash, prefix string, baseline ignore.Matcher, parentStack *ignore.Stack, emit func(string, DiffKind)) error {
	dir.contentLock.RLock()

	if !dir.materialized && dir.selfHash == against {
		// Unmaterialized and already known to equal the tree we're
		// diffing against: nothing under this subtree can differ,
		// and nothing has been loaded yet to walk even if it could.
		dir.contentLock.RUnlock()
		return nil
	}

	err := dir.ensureLoaded_(c)
	if err != nil {
		dir.contentLock.RUnlock()
		return err
	}

	stack := parentStack.Push(loadGitignoreFrame(c, dir))
	matcher := layeredMatcher{baseline: baseline, stack: stack}

	var tree *objects.Tree
	if !against.IsZero() {
		var getErr error
		tree, getErr = dir.mount.Objects.GetTree(c.Context(), against)
		if getErr != nil {
			dir.contentLock.RUnlock()
			return getErr
		}
	} else {
		tree = emptyTree
	}

	type pendingDir struct {
		child   *TreeInode
		against objects.Hash
		path    string
	}
	var pending []pendingDir

	names := dir.contents.Names()
	treeEntries := tree.Entries()

	i, j := 0, 0
	for i < len(names) || j < len(treeEntries) {
		var cmp int
		var name string
		switch {
		case i >= len(names):
			cmp, name = 1, treeEntries[j].Name
		case j >= len(treeEntries):
			cmp, name = -1, names[i]
		default:
			name = names[i]
			cmp = compareNames(names[i], treeEntries[j].Name)
		}

		full := path.Join(prefix, name)
		if matcher.Match(full, isDirEntryDir(dir, name, cmp, treeEntries, j)) {
			if cmp <= 0 {
				i++
			}
			if cmp >= 0 {
				j++
			}
			continue
		}

		switch {
		case cmp < 0:
			// present locally, absent in the compared tree
			entry, _ := dir.contents.Get(name)
			emit(full, DiffAdded)
			if entry.IsDir() {
				if child := resolveChild(dir, entry); child != nil {
					pending = append(pending, pendingDir{child, objects.Hash{}, full})
				}
			}
			i++
		case cmp > 0:
			emit(full, DiffRemoved)
			j++
		case cmp == 0:
			entry, _ := dir.contents.Get(name)
			te := treeEntries[j]
			differs, isDir := entryDiffersFromTreeEntry(entry, te)
			if differs {
				emit(full, DiffModified)
			}
			if isDir {
				if child := resolveChild(dir, entry); child != nil {
					pending = append(pending, pendingDir{child, te.Hash, full})
				}
			}
			i++
			j++
		}
	}
	dir.contentLock.RUnlock()

	for _, p := range pending {
		p := p
		g.Go(func() error {
			return diffDir(gctx, g, c, p.child, p.against, p.path, baseline, stack, emit)
		})
	}
	return nil
}

func compareNames(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func isDirEntryDir(dir *TreeInode, name string, cmp int, treeEntries []objects.TreeEntry, j int) bool {
	if cmp <= 0 {
		if entry, ok := dir.contents.Get(name); ok {
			return entry.IsDir()
		}
	}
	if j < len(treeEntries) {
		return treeEntries[j].Type == objects.TypeDir
	}
	return false
}

func entryDiffersFromTreeEntry(e *DirEntry, te objects.TreeEntry) (differs bool, isDir bool) {
	isDir = e.IsDir()
	if isDir != (te.Type == objects.TypeDir) {
		return true, isDir
	}
	if e.Mode != te.Mode {
		return true, isDir
	}
	if isDir {
		// Directory content equality is decided by the recursive
		// merge-walk, not by comparing hashes here: a materialized
		// directory has no hash to compare.
		if e.HasHash() && e.Hash() == te.Hash {
			return false, true
		}
		return false, true // defer: recursion decides, caller only cares isDir
	}
	if e.HasHash() {
		return e.Hash() != te.Hash, false
	}
	return true, false // materialized leaf: reported as differing; its content is not compared
}

func resolveChild(dir *TreeInode, entry *DirEntry) *TreeInode {
	if loaded, ok := dir.mount.Inodes.Get(entry.InodeNum); ok {
		if child, isDir := loaded.(*TreeInode); isDir {
			return child
		}
		return nil
	}
	return newChildInode(dir.mount, entry.InodeNum, "", dir.inodeNum, entry.Hash(), entry.Materialized())
}

var emptyTree = objects.NewTree(nil)
