package memory

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

func TestPutOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := New()
	data := []byte("in memory bytes")

	result, err := store.Put(ctx, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, identity.FromBytes(data), result.Identity)
	assert.False(t, result.Deduplicated)

	rc, err := store.Open(ctx, result.Identity)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, got)
}

func TestPutDeduplicatesAndCountsReferences(t *testing.T) {
	ctx := context.Background()
	store := New()
	data := []byte("same bytes twice")

	first, err := store.Put(ctx, bytes.NewReader(data), -1)
	require.NoError(t, err)
	second, err := store.Put(ctx, bytes.NewReader(data), -1)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)

	stat, err := store.Stat(ctx, first.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.RefCount)
}

func TestReleaseDropsAssetAtZero(t *testing.T) {
	ctx := context.Background()
	store := New()

	result, err := store.Put(ctx, bytes.NewReader([]byte("transient")), -1)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, result.Identity))
	_, err = store.Open(ctx, result.Identity)
	assert.ErrorIs(t, err, imagestore.ErrAssetNotFound)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	store := New()

	kept, err := store.Put(ctx, bytes.NewReader([]byte("still referenced")), -1)
	require.NoError(t, err)
	orphan, err := store.Put(ctx, bytes.NewReader([]byte("no longer referenced")), -1)
	require.NoError(t, err)

	refs := map[identity.Identity]int64{kept.Identity: 5}
	require.NoError(t, store.Reconcile(ctx, refs))

	stat, err := store.Stat(ctx, kept.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stat.RefCount)

	_, err = store.Open(ctx, orphan.Identity)
	assert.ErrorIs(t, err, imagestore.ErrAssetNotFound)
}
