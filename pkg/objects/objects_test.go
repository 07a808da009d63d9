package objects

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTreeEntriesAreSorted(t *testing.T) {
	tr := NewTree([]TreeEntry{
		{Name: "zeta"}, {Name: "alpha"}, {Name: "mu"},
	})

	names := make([]string, len(tr.Entries()))
	for i, e := range tr.Entries() {
		names[i] = e.Name
	}
	require.Equal(t, []string{"alpha", "mu", "zeta"}, names)
}

func TestTreeHashIsDeterministic(t *testing.T) {
	a := NewTree([]TreeEntry{{Name: "f", Mode: 0100644}})
	b := NewTree([]TreeEntry{{Name: "f", Mode: 0100644}})
	require.Equal(t, a.Hash(), b.Hash())
}

func TestTreeHashOrderIndependent(t *testing.T) {
	a := NewTree([]TreeEntry{{Name: "a"}, {Name: "b"}})
	b := NewTree([]TreeEntry{{Name: "b"}, {Name: "a"}})
	require.Equal(t, a.Hash(), b.Hash(), "hash must not depend on caller-supplied order")
}

func TestEntryByNameFindsAndMisses(t *testing.T) {
	tr := NewTree([]TreeEntry{{Name: "a"}, {Name: "m"}, {Name: "z"}})

	e, ok := tr.EntryByName("m")
	require.True(t, ok)
	require.Equal(t, "m", e.Name)

	_, ok = tr.EntryByName("nonexistent")
	require.False(t, ok)
}

func TestHashIsZero(t *testing.T) {
	var h Hash
	require.True(t, h.IsZero())

	h = HashOf([]byte("anything"))
	require.False(t, h.IsZero())
}

func TestBlobHashMatchesContentHash(t *testing.T) {
	b := NewBlob([]byte("hello world"))
	require.Equal(t, HashOf([]byte("hello world")), b.Hash())
}

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	tr := NewTree([]TreeEntry{{Name: "a", Mode: 0100644}})
	require.NoError(t, store.PutTree(ctx, tr))

	got, err := store.GetTree(ctx, tr.Hash())
	require.NoError(t, err)
	require.Equal(t, tr.Entries(), got.Entries())

	blob := NewBlob([]byte("content"))
	require.NoError(t, store.PutBlob(ctx, blob))

	gotBlob, err := store.GetBlob(ctx, blob.Hash())
	require.NoError(t, err)
	require.Equal(t, blob.Data(), gotBlob.Data())
}

func TestMemStoreMissingHashErrors(t *testing.T) {
	store := NewMemStore()
	_, err := store.GetTree(context.Background(), HashOf([]byte("never put")))
	require.Error(t, err)
}
