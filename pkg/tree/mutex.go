package tree

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/silentred/gid"
)

// DeferableMutex is a sync.Mutex that returns its own unlocker, so callers
// can write defer m.Lock().Unlock().
type DeferableMutex struct {
	lock sync.Mutex
}

func (m *DeferableMutex) Lock() *sync.Mutex {
	m.lock.Lock()
	return &m.lock
}

func (m *DeferableMutex) Unlock() { m.lock.Unlock() }

// NeedReadUnlock and NeedWriteUnlock hide the concrete lock type from
// callers holding a deferred unlock, so a read unlock can never be paired
// with a write lock call by accident.
type NeedReadUnlock interface{ RUnlock() }
type NeedWriteUnlock interface{ Unlock() }

// CheckForRecursiveRLock enables detection of a goroutine calling RLock
// twice on the same content lock, which would otherwise deadlock silently
// against a concurrent writer. Expensive; tests turn it on.
var CheckForRecursiveRLock bool

// ContentLock is the per-TreeInode reader/writer lock guarding its
// DirContents: each TreeInode's DirContents is guarded by its own
// per-inode lock, with an optional goroutine-id-based recursive RLock
// assertion for tests.
type ContentLock struct {
	lock sync.RWMutex

	readHolderLock DeferableMutex
	readHolders    map[int64]uintptr
}

func (c *ContentLock) RLock() NeedReadUnlock {
	if CheckForRecursiveRLock {
		defer c.readHolderLock.Lock().Unlock()
		goid := gid.Get()
		if c.readHolders == nil {
			c.readHolders = make(map[int64]uintptr)
		}
		if pc, already := c.readHolders[goid]; already {
			f := runtime.FuncForPC(pc)
			file, line := f.FileLine(pc)
			panic(fmt.Sprintf("BUG: goroutine %d attempted to RLock a "+
				"TreeInode content lock twice, previously at %s:%d",
				goid, file, line))
		}
		pc, _, _, _ := runtime.Caller(1)
		c.readHolders[goid] = pc
	}

	c.lock.RLock()
	return c
}

func (c *ContentLock) RUnlock() {
	if CheckForRecursiveRLock {
		defer c.readHolderLock.Lock().Unlock()
		delete(c.readHolders, gid.Get())
	}
	c.lock.RUnlock()
}

func (c *ContentLock) Lock() NeedWriteUnlock {
	c.lock.Lock()
	return &c.lock
}

func (c *ContentLock) Unlock() { c.lock.Unlock() }
