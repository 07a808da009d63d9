package tree

import (
	"context"
	"sync"

	"github.com/vuduchild/sapling/pkg/ignore"
	"github.com/vuduchild/sapling/pkg/inodemap"
	"github.com/vuduchild/sapling/pkg/journal"
	"github.com/vuduchild/sapling/pkg/objects"
	"github.com/vuduchild/sapling/pkg/overlay"
	"github.com/vuduchild/sapling/pkg/qlog"
)

// Mount is the state shared by every TreeInode and LeafInode belonging to
// one checkout: the object store, overlay, journal, inode map, and the
// mount-wide rename lock held across the entire rename/checkout-move
// protocol so two renames can never interleave their per-inode lock
// acquisitions into a deadlock cycle.
type Mount struct {
	Objects objects.ObjectStore
	Overlay overlay.InodeCatalog
	Journal journal.Journal
	Inodes  *inodemap.InodeMap
	Qlog    *qlog.Qlog

	// renameLock serializes every rename and checkout-triggered move across
	// the whole mount, so two renames can never interleave their per-inode
	// lock acquisitions into a deadlock cycle.
	renameLock sync.RWMutex

	root *TreeInode

	// InvalidateEntry is the FuseChannel collaborator:
	// invalidateEntry(parent_n, name). Defaults to a no-op; fuseserver
	// installs the production implementation at startup. The core only
	// ever calls it when the triggering ctx did not itself originate
	// from a live FUSE request.
	InvalidateEntry func(parent inodemap.InodeNumber, name string)
}

func NewMount(store objects.ObjectStore, cat overlay.InodeCatalog, j journal.Journal, q *qlog.Qlog) *Mount {
	return &Mount{
		Objects:         store,
		Overlay:         cat,
		Journal:         j,
		Inodes:          inodemap.New(),
		Qlog:            q,
		InvalidateEntry: func(inodemap.InodeNumber, string) {},
	}
}

// invalidateIfNotFuse calls InvalidateEntry unless c originated from the
// FUSE request currently handling this exact change: the kernel already
// knows about its own request, so only externally-triggered removals
// (e.g. from checkout) need an explicit cache invalidation.
func (mnt *Mount) invalidateIfNotFuse(c *ctx, parent inodemap.InodeNumber, name string) {
	if c.isFuseRequest {
		return
	}
	mnt.InvalidateEntry(parent, name)
}

func (mnt *Mount) lockForRename() func() {
	mnt.renameLock.Lock()
	return mnt.renameLock.Unlock
}

func (mnt *Mount) rlockAgainstRename() func() {
	mnt.renameLock.RLock()
	return mnt.renameLock.RUnlock
}

// Root returns the mount's root TreeInode, always resident.
func (mnt *Mount) Root() *TreeInode { return mnt.root }

// InitRoot bootstraps mnt's root inode, either from an existing overlay
// root dir (materialized, a daemon restart resuming local state) or from
// a source-control Tree hash (a fresh checkout). Must be called exactly
// once, before any Lookup reaches the mount.
func (mnt *Mount) InitRoot(hash objects.Hash, materialized bool) *TreeInode {
	return newRootInode(mnt, hash, materialized)
}

// NewCtx builds a background ctx (not associated with any in-flight FUSE
// request) for callers outside the transport layer, e.g. the unload
// scanner or a CLI tool driving diff/checkout directly.
func (mnt *Mount) NewCtx() *ctx { return newCtx(mnt.Qlog) }

// NewRequestCtx builds a ctx marked as originating from a live FUSE
// request, so remove's cache-invalidation rule can tell a kernel-driven
// removal apart from one triggered internally (e.g. by checkout).
func (mnt *Mount) NewRequestCtx(requestID uint64) *ctx {
	return newCtx(mnt.Qlog).withRequestID(requestID)
}

// LeafInode is the minimal capability the core requires of a non-directory
// child (regular file or symlink). The core never interprets file content;
// it only needs enough to diff, checkout, and report attributes. It
// collaborates with, but never implements, the actual file inode.
type LeafInode interface {
	inodemap.Loaded
	Name() string
	SetName(name string)
	Materialized() bool
	Hash() (objects.Hash, bool)
	Mode() uint32
	Size() uint64
	SetHash(h objects.Hash)
}

// SymlinkTarget is an optional LeafInode capability: a leaf that can store
// a symlink's target string. CreateLeaf's Symlink path uses it if the
// concrete LeafInode implementation supports it; the core never otherwise
// interprets what a symlink points to.
type SymlinkTarget interface {
	SetTarget(target string)
}

// LeafContent is an optional LeafInode capability exposing a leaf's raw
// bytes, used only by the diff engine's .gitignore load. The core
// otherwise never reads leaf content; this is the one exception, and it
// is read-only.
type LeafContent interface {
	ReadAll(ctx context.Context) ([]byte, error)
}

// IgnoreMatcher is the opaque collaborator that decides whether a path
// should be skipped by the diff engine's default walk.
type IgnoreMatcher = ignore.Matcher
