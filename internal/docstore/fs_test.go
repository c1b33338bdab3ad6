package docstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSStoreRoundTrip(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := store.Put(ctx, Key{OrderID: 12, Batch: 1}, "packing list.pdf", strings.NewReader("content"))
	require.NoError(t, err)
	require.Contains(t, ref, "po/12/1/")
	require.Contains(t, ref, "packing_list.pdf")

	rc, err := store.Open(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, "content", string(data))

	require.NoError(t, store.Delete(ctx, ref))
	require.ErrorIs(t, store.Delete(ctx, ref), ErrNotFound)
	_, err = store.Open(ctx, ref)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Open(context.Background(), "../outside")
	require.Error(t, err)
}

func TestFSStorePutRequiresOrder(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), Key{}, "x.pdf", strings.NewReader("x"))
	require.Error(t, err)
}
