// Package journal implements the append-only change log the directory-inode
// core emits records to. The core never reads the journal; it only calls
// AddDelta.
package journal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// Kind enumerates the journal record kinds.
type Kind uint8

const (
	Created Kind = iota
	Removed
	Rename
	Replace
	Modified
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "CREATED"
	case Removed:
		return "REMOVED"
	case Rename:
		return "RENAME"
	case Replace:
		return "REPLACE"
	case Modified:
		return "MODIFIED"
	default:
		return "UNKNOWN"
	}
}

// Record is one entry appended to the journal.
type Record struct {
	Kind       Kind
	Time       time.Time
	ParentIno  uint64
	Name       string
	NewParentIno uint64 // Rename/Replace only
	NewName      string // Rename/Replace only
}

// Journal is append-only and thread-safe. AddDelta must never be called
// while any per-inode content lock is held.
type Journal interface {
	AddDelta(r Record) error
	Close() error
}

// MemJournal is an in-memory Journal used by tests.
type MemJournal struct {
	mu      sync.Mutex
	records []Record
}

func NewMemJournal() *MemJournal {
	return &MemJournal{}
}

func (j *MemJournal) AddDelta(r Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

func (j *MemJournal) Close() error { return nil }

func (j *MemJournal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, len(j.records))
	copy(out, j.records)
	return out
}

var sequenceBucket = []byte("Sequence")
var recordsBucket = []byte("Records")

// BoltJournal persists records to a bolt database, keyed by a monotonic
// sequence number.
type BoltJournal struct {
	db *bbolt.DB
}

func NewBoltJournal(path string) (*BoltJournal, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sequenceBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltJournal{db: db}, nil
}

func (j *BoltJournal) AddDelta(r Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal: encode record: %w", err)
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		seq, err := tx.Bucket(recordsBucket).NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		for i := 0; i < 8; i++ {
			key[7-i] = byte(seq >> (8 * i))
		}
		return tx.Bucket(recordsBucket).Put(key, raw)
	})
}

func (j *BoltJournal) Close() error {
	return j.db.Close()
}
