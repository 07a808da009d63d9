package objects

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/gocql/gocql"
)

// CqlStore is an alternate, horizontally-scaled ObjectStore backend: trees
// and blobs each live in their own column family, keyed by the
// hex-encoded hash.
type CqlStore struct {
	session  *gocql.Session
	keyspace string
}

// NewCqlStore connects to the given Cassandra cluster and keyspace. Callers
// are expected to have already provisioned the "trees" and "blobs" tables
// (key blob primary key, value blob) via their own schema migration.
func NewCqlStore(hosts []string, keyspace string) (*CqlStore, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("objects: cql connect: %w", err)
	}

	return &CqlStore{session: session, keyspace: keyspace}, nil
}

func (s *CqlStore) Close() {
	s.session.Close()
}

func (s *CqlStore) GetTree(ctx context.Context, hash Hash) (*Tree, error) {
	raw, err := s.get(ctx, "trees", hash)
	if err != nil {
		return nil, err
	}
	entries, err := decodeTreeEntries(raw)
	if err != nil {
		return nil, err
	}
	return NewTree(entries), nil
}

func (s *CqlStore) GetBlob(ctx context.Context, hash Hash) (*Blob, error) {
	raw, err := s.get(ctx, "blobs", hash)
	if err != nil {
		return nil, err
	}
	return &Blob{hash: hash, data: raw}, nil
}

func (s *CqlStore) PutTree(ctx context.Context, t *Tree) error {
	raw, err := encodeTreeEntries(t.Entries())
	if err != nil {
		return err
	}
	hash := t.Hash()
	return s.put(ctx, "trees", hash, raw)
}

func (s *CqlStore) PutBlob(ctx context.Context, b *Blob) error {
	return s.put(ctx, "blobs", b.Hash(), b.Data())
}

func (s *CqlStore) get(ctx context.Context, table string, hash Hash) ([]byte, error) {
	keyHex := hex.EncodeToString(hash[:])
	query := s.session.Query(
		fmt.Sprintf(`SELECT value FROM %s.%s WHERE key = ?`, s.keyspace, table),
		keyHex).WithContext(ctx)

	var value []byte
	if err := query.Scan(&value); err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("objects: %s %s not found", table, hash)
		}
		return nil, fmt.Errorf("objects: cql get %s[%s]: %w", table, keyHex, err)
	}
	return value, nil
}

func (s *CqlStore) put(ctx context.Context, table string, hash Hash, value []byte) error {
	keyHex := hex.EncodeToString(hash[:])
	query := s.session.Query(
		fmt.Sprintf(`INSERT INTO %s.%s (key, value) VALUES (?, ?)`, s.keyspace, table),
		keyHex, value).WithContext(ctx)

	if err := query.Exec(); err != nil {
		return fmt.Errorf("objects: cql put %s[%s]: %w", table, keyHex, err)
	}
	return nil
}
