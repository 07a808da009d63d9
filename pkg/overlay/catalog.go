// Package overlay implements the local persistent store of materialized
// directory contents keyed by inode number, plus a write-behind buffered
// wrapper absorbing write bursts.
package overlay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// InodeNumber identifies a directory whose contents live in the overlay.
type InodeNumber uint64

// Entry is one child of a materialized directory, the on-disk counterpart
// of a live DirEntry: (name, mode, inode_number, optional hash).
type Entry struct {
	Name        string
	Mode        uint32
	InodeNumber InodeNumber
	HasHash     bool
	Hash        [20]byte
}

// Dir is the serialized contents of one materialized directory.
type Dir struct {
	Entries []Entry
}

// Timestamps are the atime/mtime/ctime triple persisted alongside a Dir.
type Timestamps struct {
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// InodeCatalog is the underlying synchronous key-value store: inode number
// -> serialized OverlayDir. BufferedOverlay wraps one of these with a
// write-behind queue.
type InodeCatalog interface {
	LoadDir(n InodeNumber) (*Dir, Timestamps, bool, error)
	SaveDir(n InodeNumber, d *Dir, ts Timestamps) error
	RemoveDir(n InodeNumber) error
	HasDir(n InodeNumber) (bool, error)
	AllocateInodeNumber() (InodeNumber, error)
	Close() error
}

// record is the on-disk encoding of a Dir+Timestamps pair. Stable and
// versioned so a reader built by a different process can decode it.
type record struct {
	Version int
	Dir     Dir
	Times   Timestamps
}

const recordVersion = 1

func encodeRecord(d *Dir, ts Timestamps) ([]byte, error) {
	return json.Marshal(record{Version: recordVersion, Dir: *d, Times: ts})
}

func decodeRecord(raw []byte) (*Dir, Timestamps, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, Timestamps{}, fmt.Errorf("overlay: decode record: %w", err)
	}
	if r.Version != recordVersion {
		return nil, Timestamps{}, fmt.Errorf("overlay: unsupported record version %d", r.Version)
	}
	d := r.Dir
	return &d, r.Times, nil
}

var (
	dirsBucket    = []byte("Dirs")
	counterBucket = []byte("Counters")
	counterKey    = []byte("nextInode")
)

// BoltCatalog is a bolt-backed InodeCatalog using a simple two-bucket
// layout: one bucket for directory records, one for the inode-number
// counter.
type BoltCatalog struct {
	db *bbolt.DB
}

func NewBoltCatalog(path string, firstFreeInode InodeNumber) (*BoltCatalog, error) {
	var opts *bbolt.Options
	if strings.HasPrefix(path, "/tmp") {
		opts = &bbolt.Options{Timeout: 100 * time.Millisecond}
	}

	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(dirsBucket); err != nil {
			return err
		}
		counters, err := tx.CreateBucketIfNotExists(counterBucket)
		if err != nil {
			return err
		}
		if counters.Get(counterKey) == nil {
			return putUint64(counters, counterKey, uint64(firstFreeInode))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltCatalog{db: db}, nil
}

func (c *BoltCatalog) Close() error { return c.db.Close() }

func (c *BoltCatalog) LoadDir(n InodeNumber) (*Dir, Timestamps, bool, error) {
	var d *Dir
	var ts Timestamps
	var found bool

	err := c.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(dirsBucket).Get(key(n))
		if raw == nil {
			return nil
		}
		found = true
		var err error
		d, ts, err = decodeRecord(raw)
		return err
	})
	return d, ts, found, err
}

func (c *BoltCatalog) SaveDir(n InodeNumber, d *Dir, ts Timestamps) error {
	raw, err := encodeRecord(d, ts)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(dirsBucket).Put(key(n), raw)
	})
}

func (c *BoltCatalog) RemoveDir(n InodeNumber) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(dirsBucket).Delete(key(n))
	})
}

func (c *BoltCatalog) HasDir(n InodeNumber) (bool, error) {
	var has bool
	err := c.db.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket(dirsBucket).Get(key(n)) != nil
		return nil
	})
	return has, err
}

func (c *BoltCatalog) AllocateInodeNumber() (InodeNumber, error) {
	var next uint64
	err := c.db.Update(func(tx *bbolt.Tx) error {
		counters := tx.Bucket(counterBucket)
		cur := getUint64(counters, counterKey)
		next = cur
		return putUint64(counters, counterKey, cur+1)
	})
	return InodeNumber(next), err
}

func key(n InodeNumber) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(n >> (8 * i))
	}
	return b
}

func putUint64(b *bbolt.Bucket, k []byte, v uint64) error {
	raw := make([]byte, 8)
	for i := 0; i < 8; i++ {
		raw[7-i] = byte(v >> (8 * i))
	}
	return b.Put(k, raw)
}

func getUint64(b *bbolt.Bucket, k []byte) uint64 {
	raw := b.Get(k)
	if raw == nil {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(raw[i])
	}
	return v
}
