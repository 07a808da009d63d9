package tree

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuduchild/sapling/pkg/inodemap"
	"github.com/vuduchild/sapling/pkg/journal"
	"github.com/vuduchild/sapling/pkg/objects"
	"github.com/vuduchild/sapling/pkg/overlay"
	"github.com/vuduchild/sapling/pkg/qlog"
)

// testLeaf is a minimal LeafInode/SymlinkTarget/LeafContent implementation
// installed as tree.LeafConstructor for the duration of these tests, the
// package-internal stand-in for what pkg/fuseserver's fileLeaf provides in
// the real daemon.
type testLeaf struct {
	mu           sync.RWMutex
	num          inodemap.InodeNumber
	name         string
	mode         uint32
	materialized bool
	hasHash      bool
	hash         objects.Hash
	data         []byte
}

func (l *testLeaf) InodeNumber() inodemap.InodeNumber { return l.num }
func (l *testLeaf) Name() string                       { l.mu.RLock(); defer l.mu.RUnlock(); return l.name }
func (l *testLeaf) SetName(name string)                { l.mu.Lock(); defer l.mu.Unlock(); l.name = name }
func (l *testLeaf) Materialized() bool                 { l.mu.RLock(); defer l.mu.RUnlock(); return l.materialized }
func (l *testLeaf) Mode() uint32                       { return l.mode }
func (l *testLeaf) Size() uint64                       { l.mu.RLock(); defer l.mu.RUnlock(); return uint64(len(l.data)) }

func (l *testLeaf) Hash() (objects.Hash, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash, l.hasHash
}

func (l *testLeaf) SetHash(h objects.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hasHash = true
	l.hash = h
	l.materialized = false
}

func (l *testLeaf) SetTarget(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = []byte(target)
}

func (l *testLeaf) ReadAll(ctx context.Context) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]byte(nil), l.data...), nil
}

func (l *testLeaf) setContent(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = data
}

func init() {
	LeafConstructor = func(mnt *Mount, number inodemap.InodeNumber, name string, mode uint32, hash objects.Hash, materialized bool) LeafInode {
		l := &testLeaf{num: number, name: name, mode: mode, materialized: materialized}
		if !materialized {
			l.hasHash, l.hash = true, hash
		}
		return l
	}
}

// newTestMount builds a Mount with an empty, unmaterialized root backed by
// in-memory collaborators, ready for Mkdir/CreateLeaf/etc.
func newTestMount(t *testing.T) (*Mount, objects.MutableObjectStore) {
	t.Helper()
	store := objects.NewMemStore()
	cat := overlay.NewMemCatalog(2)
	jrnl := journal.NewMemJournal()
	q := qlog.NewQlog(&discardWriter{}, qlog.Vlog)

	mnt := NewMount(store, cat, jrnl, q)

	empty := objects.NewTree(nil)
	require.NoError(t, store.PutTree(context.Background(), empty))
	mnt.InitRoot(empty.Hash(), false)

	return mnt, store
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestMkdirCreateLeafAndReadDir(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	sub, err := root.Mkdir(c, "sub", 0755)
	require.Nil(t, err)
	require.True(t, sub.Materialized())

	leaf, err := root.CreateLeaf(c, "file.txt", modeFile|0644)
	require.Nil(t, err)
	require.Equal(t, "file.txt", leaf.Name())

	entries, err := root.ReadDir(c)
	require.Nil(t, err)
	require.Len(t, entries, 2)

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	require.True(t, names["sub"])
	require.True(t, names["file.txt"])
}

func TestCreateLeafRejectsDuplicateName(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, err := root.CreateLeaf(c, "dup", modeFile|0644)
	require.Nil(t, err)

	_, err = root.CreateLeaf(c, "dup", modeFile|0644)
	require.NotNil(t, err)
	require.Equal(t, ErrExist("", "").Errno, err.Errno)
}

func TestMkdirAndCreateLeafRefuseControlDirName(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, err := root.Mkdir(c, controlDirName, 0755)
	require.NotNil(t, err)
	require.Equal(t, ErrPerm("", "").Errno, err.Errno)

	_, err = root.CreateLeaf(c, controlDirName, modeFile|0644)
	require.NotNil(t, err)
	require.Equal(t, ErrPerm("", "").Errno, err.Errno)
}

func TestSymlinkSetsTargetViaCapability(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	leaf, err := root.Symlink(c, "link", "/somewhere/else")
	require.Nil(t, err)

	tl, ok := leaf.(*testLeaf)
	require.True(t, ok)
	require.Equal(t, "/somewhere/else", string(tl.data))
}

func TestMknodRejectsBlockAndCharDevices(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	const modeBlockDevice uint32 = 0060000
	_, err := root.Mknod(c, "blk", modeBlockDevice|0600, 0)
	require.NotNil(t, err)
	require.Equal(t, ErrInval("", "").Errno, err.Errno)
}

func TestMknodAcceptsFifo(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, err := root.Mknod(c, "pipe", modeFifo|0600, 0)
	require.Nil(t, err)
}

func TestUnlinkAndRmdir(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, err := root.CreateLeaf(c, "f", modeFile|0644)
	require.Nil(t, err)
	require.Nil(t, root.Unlink(c, "f"))
	_, _, lookupErr := root.Lookup(c, "f")
	require.NotNil(t, lookupErr)

	_, err = root.Mkdir(c, "d", 0755)
	require.Nil(t, err)
	require.Nil(t, root.Rmdir(c, "d"))
}

func TestRmdirRefusesNonEmptyDir(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	sub, err := root.Mkdir(c, "d", 0755)
	require.Nil(t, err)
	_, err = sub.CreateLeaf(c, "inner", modeFile|0644)
	require.Nil(t, err)

	err = root.Rmdir(c, "d")
	require.NotNil(t, err)
	require.Equal(t, ErrNotEmpty("", "").Errno, err.Errno)
}

func TestLookupNoSuchEntry(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, _, err := root.Lookup(c, "does-not-exist")
	require.NotNil(t, err)
	require.Equal(t, ErrNoEnt("", "").Errno, err.Errno)
}

func TestLookupSingleLoaderManyWaiters(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	childTree := objects.NewTree(nil)
	require.NoError(t, store.PutTree(context.Background(), childTree))

	_, err := root.Mkdir(c, "placeholder", 0755)
	require.Nil(t, err)
	require.Nil(t, root.Rmdir(c, "placeholder"))

	// Force an unmaterialized (hash-backed) child entry into root's
	// contents directly, bypassing Mkdir, so Lookup must lazily
	// instantiate it from the object store exactly once.
	root.contentLock.Lock()
	number, aerr := mnt.Overlay.AllocateInodeNumber()
	require.NoError(t, aerr)
	entry := NewUnmaterializedEntry(modeDir|0755, inodemap.InodeNumber(number), childTree.Hash())
	root.contents.Set("lazychild", &entry)
	root.contentLock.Unlock()

	var wg sync.WaitGroup
	results := make([]*TreeInode, 16)
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			child, _, lerr := root.Lookup(c, "lazychild")
			require.Nil(t, lerr)
			results[i] = child
		}()
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		require.Same(t, results[0], results[i], "every concurrent Lookup must observe the same loaded instance")
	}
}

func TestRenameWithinSameDirectory(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, err := root.CreateLeaf(c, "old", modeFile|0644)
	require.Nil(t, err)

	require.Nil(t, Rename(c, root, "old", root, "new"))

	_, _, lerr := root.Lookup(c, "old")
	require.NotNil(t, lerr)
	_, leaf, lerr := root.Lookup(c, "new")
	require.Nil(t, lerr)
	require.Equal(t, "new", leaf.Name())
}

func TestRenameAcrossDirectories(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	a, err := root.Mkdir(c, "a", 0755)
	require.Nil(t, err)
	b, err := root.Mkdir(c, "b", 0755)
	require.Nil(t, err)

	_, err = a.CreateLeaf(c, "f", modeFile|0644)
	require.Nil(t, err)

	require.Nil(t, Rename(c, a, "f", b, "f"))

	_, _, lerr := a.Lookup(c, "f")
	require.NotNil(t, lerr)
	_, _, lerr = b.Lookup(c, "f")
	require.Nil(t, lerr)
}

func TestRenameIntoOwnSubtreeIsRejected(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	a, err := root.Mkdir(c, "a", 0755)
	require.Nil(t, err)
	inner, err := a.Mkdir(c, "inner", 0755)
	require.Nil(t, err)

	rerr := Rename(c, root, "a", inner, "a")
	require.NotNil(t, rerr)
	require.Equal(t, ErrInval("", "").Errno, rerr.Errno)
}

func TestRenameOntoNonEmptyDirFails(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, err := root.Mkdir(c, "a", 0755)
	require.Nil(t, err)
	b, err := root.Mkdir(c, "b", 0755)
	require.Nil(t, err)
	_, err = b.CreateLeaf(c, "x", modeFile|0644)
	require.Nil(t, err)

	rerr := Rename(c, root, "a", root, "b")
	require.NotNil(t, rerr)
	require.Equal(t, ErrNotEmpty("", "").Errno, rerr.Errno)
}

func TestGetChildRecursive(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	a, err := root.Mkdir(c, "a", 0755)
	require.Nil(t, err)
	_, err = a.CreateLeaf(c, "b", modeFile|0644)
	require.Nil(t, err)

	dir, leaf, gerr := root.GetChildRecursive(c, []string{"a", "b"})
	require.Nil(t, gerr)
	require.Nil(t, dir)
	require.NotNil(t, leaf)
	require.Equal(t, "b", leaf.Name())
}

func TestGetChildRecursiveFailsOnNonDirIntermediate(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, err := root.CreateLeaf(c, "f", modeFile|0644)
	require.Nil(t, err)

	_, _, gerr := root.GetChildRecursive(c, []string{"f", "g"})
	require.NotNil(t, gerr)
	require.Equal(t, ErrNotDir("", "").Errno, gerr.Errno)
}

func TestDebugSnapshotReflectsState(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	_, err := root.Mkdir(c, "a", 0755)
	require.Nil(t, err)

	snap := root.DebugSnapshot()
	require.True(t, snap.Materialized)
	require.True(t, snap.Loaded)
	require.Equal(t, 1, snap.ChildCount)
	require.Equal(t, "a", snap.Children[0].Name)
}

func TestLoadMaterializedChildrenWarmsSubtree(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	a, err := root.Mkdir(c, "a", 0755)
	require.Nil(t, err)
	_, err = a.Mkdir(c, "b", 0755)
	require.Nil(t, err)

	// Drop a's in-memory contents to force LoadMaterializedChildren to
	// actually reload it from the overlay rather than finding it already
	// resident.
	a.contentLock.Lock()
	a.contents = nil
	a.contentLock.Unlock()

	require.Nil(t, root.LoadMaterializedChildren(c))

	a.contentLock.RLock()
	loaded := a.contents != nil
	a.contentLock.RUnlock()
	require.True(t, loaded)
}

func TestUnloadPolicyReclaimsIdleUnreferencedDir(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	a, err := root.Mkdir(c, "a", 0755)
	require.Nil(t, err)

	policy := NewUnloadPolicy(mnt, 0) // zero cutoff: anything not just-touched is eligible
	a.atime = a.atime.Add(-time.Hour)

	n := policy.Scan(c, []*TreeInode{a})
	require.Equal(t, 1, n)

	_, ok := mnt.Inodes.Get(a.inodeNum)
	require.False(t, ok, "an idle, unreferenced directory must be evicted from the InodeMap")
}

func TestUnloadPolicyNeverReclaimsRoot(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()
	root.atime = root.atime.Add(-time.Hour)

	policy := NewUnloadPolicy(mnt, 0)
	n := policy.Scan(c, []*TreeInode{root})
	require.Equal(t, 0, n)
}

func TestUnloadPolicySkipsReferencedDir(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	a, err := root.Mkdir(c, "a", 0755)
	require.Nil(t, err)
	a.atime = a.atime.Add(-time.Hour)
	mnt.Inodes.AddRef(a.inodeNum)

	policy := NewUnloadPolicy(mnt, 0)
	n := policy.Scan(c, []*TreeInode{a})
	require.Equal(t, 0, n, "a directory with an outstanding reference must not be reclaimed")
}

func TestDiffAddedRemovedModified(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	ctx := context.Background()
	keptHash := objects.HashOf([]byte("kept"))
	removedHash := objects.HashOf([]byte("removed"))
	modifiedOldHash := objects.HashOf([]byte("old"))

	against := objects.NewTree([]objects.TreeEntry{
		{Name: "kept.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: keptHash},
		{Name: "removed.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: removedHash},
		{Name: "modified.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: modifiedOldHash},
	})
	require.NoError(t, store.PutTree(ctx, against))

	// Build root's live contents to match "kept" and "modified" (changed
	// hash) but drop "removed", and add a brand-new "added.txt".
	root.contentLock.Lock()
	root.contents = NewDirContents()
	n1, _ := mnt.Overlay.AllocateInodeNumber()
	e1 := NewUnmaterializedEntry(modeFile|0644, inodemap.InodeNumber(n1), keptHash)
	root.contents.Set("kept.txt", &e1)
	n2, _ := mnt.Overlay.AllocateInodeNumber()
	e2 := NewUnmaterializedEntry(modeFile|0644, inodemap.InodeNumber(n2), objects.HashOf([]byte("new content")))
	root.contents.Set("modified.txt", &e2)
	n3, _ := mnt.Overlay.AllocateInodeNumber()
	e3 := NewMaterializedEntry(modeFile|0644, inodemap.InodeNumber(n3))
	root.contents.Set("added.txt", &e3)
	root.materialized = true
	root.contentLock.Unlock()

	entries, err := Diff(c, root, against.Hash(), nil)
	require.NoError(t, err)

	byPath := map[string]DiffKind{}
	for _, e := range entries {
		byPath[e.Path] = e.Kind
	}

	require.Equal(t, DiffAdded, byPath["added.txt"])
	require.Equal(t, DiffRemoved, byPath["removed.txt"])
	require.Equal(t, DiffModified, byPath["modified.txt"])
	_, keptPresent := byPath["kept.txt"]
	require.False(t, keptPresent, "an unchanged entry must not appear in the diff")
}

func TestDiffRespectsPerDirectoryGitignore(t *testing.T) {
	mnt, _ := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	gi, err := root.CreateLeaf(c, gitignoreName, modeFile|0644)
	require.Nil(t, err)
	gi.(*testLeaf).setContent([]byte("*.log\n"))

	_, err = root.CreateLeaf(c, "debug.log", modeFile|0644)
	require.Nil(t, err)
	_, err = root.CreateLeaf(c, "keep.txt", modeFile|0644)
	require.Nil(t, err)

	entries, diffErr := Diff(c, root, objects.Hash{}, nil)
	require.NoError(t, diffErr)

	paths := map[string]bool{}
	for _, e := range entries {
		paths[e.Path] = true
	}
	require.False(t, paths["debug.log"], "a path matched by .gitignore must be excluded from the diff")
	require.True(t, paths["keep.txt"])
}

func TestCheckoutDryRunDoesNotMutate(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	ctx := context.Background()
	toTree := objects.NewTree([]objects.TreeEntry{
		{Name: "new.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("x"))},
	})
	require.NoError(t, store.PutTree(ctx, toTree))

	_, checkoutErr := Checkout(c, root, objects.Hash{}, toTree.Hash(), true, false)
	require.NoError(t, checkoutErr)

	_, _, lerr := root.Lookup(c, "new.txt")
	require.NotNil(t, lerr, "dry-run checkout must not create any entries")
}

func TestCheckoutAppliesNewEntries(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	ctx := context.Background()
	toTree := objects.NewTree([]objects.TreeEntry{
		{Name: "new.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("x"))},
	})
	require.NoError(t, store.PutTree(ctx, toTree))

	_, checkoutErr := Checkout(c, root, objects.Hash{}, toTree.Hash(), false, false)
	require.NoError(t, checkoutErr)

	_, leaf, lerr := root.Lookup(c, "new.txt")
	require.Nil(t, lerr)
	require.NotNil(t, leaf)
}

func TestCheckoutReportsConflictOnLocalModification(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	ctx := context.Background()
	fromTree := objects.NewTree([]objects.TreeEntry{
		{Name: "f.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("base"))},
	})
	toTree := objects.NewTree([]objects.TreeEntry{
		{Name: "f.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("upstream"))},
	})
	require.NoError(t, store.PutTree(ctx, fromTree))
	require.NoError(t, store.PutTree(ctx, toTree))

	// Locally materialize f.txt (diverging from fromTree) before checkout.
	_, err := root.CreateLeaf(c, "f.txt", modeFile|0644)
	require.Nil(t, err)

	conflicts, checkoutErr := Checkout(c, root, fromTree.Hash(), toTree.Hash(), false, false)
	require.NoError(t, checkoutErr)
	require.Len(t, conflicts, 1)
	require.Equal(t, "f.txt", conflicts[0].Path)
}

func TestCheckoutForceOverridesConflict(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	ctx := context.Background()
	fromTree := objects.NewTree([]objects.TreeEntry{
		{Name: "f.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("base"))},
	})
	toTree := objects.NewTree([]objects.TreeEntry{
		{Name: "f.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("upstream"))},
	})
	require.NoError(t, store.PutTree(ctx, fromTree))
	require.NoError(t, store.PutTree(ctx, toTree))

	_, err := root.CreateLeaf(c, "f.txt", modeFile|0644)
	require.Nil(t, err)

	conflicts, checkoutErr := Checkout(c, root, fromTree.Hash(), toTree.Hash(), false, true)
	require.NoError(t, checkoutErr)
	require.Empty(t, conflicts, "force must resolve what would otherwise be a conflict")

	_, leaf, lerr := root.Lookup(c, "f.txt")
	require.Nil(t, lerr)
	h, hasHash := leaf.Hash()
	require.True(t, hasHash)
	require.Equal(t, objects.HashOf([]byte("upstream")), h)
}

func TestCheckoutReportsMissingRemoved(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	ctx := context.Background()
	fromTree := objects.NewTree([]objects.TreeEntry{
		{Name: "f.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("base"))},
	})
	toTree := objects.NewTree(nil)
	require.NoError(t, store.PutTree(ctx, fromTree))
	require.NoError(t, store.PutTree(ctx, toTree))

	// f.txt never existed locally; removed both upstream and locally.
	conflicts, checkoutErr := Checkout(c, root, fromTree.Hash(), toTree.Hash(), false, false)
	require.NoError(t, checkoutErr)
	require.Len(t, conflicts, 1)
	require.Equal(t, "f.txt", conflicts[0].Path)
	require.Equal(t, MissingRemoved, conflicts[0].Kind)
}

func TestCheckoutReportsRemovedModified(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	ctx := context.Background()
	fromTree := objects.NewTree([]objects.TreeEntry{
		{Name: "f.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("base"))},
	})
	toTree := objects.NewTree([]objects.TreeEntry{
		{Name: "f.txt", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("upstream"))},
	})
	require.NoError(t, store.PutTree(ctx, fromTree))
	require.NoError(t, store.PutTree(ctx, toTree))

	// f.txt is absent locally even though fromTree and toTree both carry it.
	conflicts, checkoutErr := Checkout(c, root, fromTree.Hash(), toTree.Hash(), false, false)
	require.NoError(t, checkoutErr)
	require.Len(t, conflicts, 1)
	require.Equal(t, "f.txt", conflicts[0].Path)
	require.Equal(t, RemovedModified, conflicts[0].Kind)

	_, _, lerr := root.Lookup(c, "f.txt")
	require.NotNil(t, lerr, "without force, the removed-but-still-expected entry is not resurrected")

	// Force re-inserts toTree's entry.
	conflicts, checkoutErr = Checkout(c, root, fromTree.Hash(), toTree.Hash(), false, true)
	require.NoError(t, checkoutErr)
	require.Empty(t, conflicts)
	_, leaf, lerr := root.Lookup(c, "f.txt")
	require.Nil(t, lerr)
	require.NotNil(t, leaf)
}

func TestCheckoutReportsDirectoryNotEmpty(t *testing.T) {
	mnt, store := newTestMount(t)
	c := mnt.NewCtx()
	root := mnt.Root()

	ctx := context.Background()
	fromTree := objects.NewTree(nil)
	toTree := objects.NewTree([]objects.TreeEntry{
		{Name: "d", Type: objects.TypeFile, Mode: modeFile | 0644, Hash: objects.HashOf([]byte("newfile"))},
	})
	require.NoError(t, store.PutTree(ctx, fromTree))
	require.NoError(t, store.PutTree(ctx, toTree))

	// Locally, "d" is a non-empty materialized directory; toTree wants a
	// file there instead.
	dir, err := root.Mkdir(c, "d", modeDir|0755)
	require.Nil(t, err)
	_, err = dir.CreateLeaf(c, "child.txt", modeFile|0644)
	require.Nil(t, err)

	conflicts, cerr := Checkout(c, root, fromTree.Hash(), toTree.Hash(), false, true)
	require.NoError(t, cerr)
	require.Len(t, conflicts, 1)
	require.Equal(t, "d", conflicts[0].Path)
	require.Equal(t, DirectoryNotEmpty, conflicts[0].Kind)

	still, _, lerr := root.Lookup(c, "d")
	require.Nil(t, lerr)
	require.NotNil(t, still, "the non-empty directory must survive even under force")
}
