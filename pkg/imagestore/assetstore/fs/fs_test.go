package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicore/imagestore/pkg/imagestore"
	"github.com/clinicore/imagestore/pkg/imagestore/identity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return store
}

func TestNewRequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestPutAndOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	data := []byte("raster scan bytes")

	result, err := store.Put(ctx, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.False(t, result.Deduplicated)
	assert.Equal(t, int64(len(data)), result.Size)
	assert.Equal(t, identity.FromBytes(data), result.Identity)

	rc, err := store.Open(ctx, result.Identity)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	data := []byte("identical content")

	first, err := store.Put(ctx, bytes.NewReader(data), -1)
	require.NoError(t, err)
	second, err := store.Put(ctx, bytes.NewReader(data), -1)
	require.NoError(t, err)

	assert.Equal(t, first.Identity, second.Identity)
	assert.False(t, first.Deduplicated)
	assert.True(t, second.Deduplicated)

	stat, err := store.Stat(ctx, first.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stat.RefCount)

	// Exactly one physical file under the shard path.
	path := filepath.Join(store.baseDir, filepath.FromSlash(first.Identity.StoragePath()))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Put(ctx, bytes.NewReader([]byte("cleanup")), -1)
	require.NoError(t, err)
	_, err = store.Put(ctx, bytes.NewReader([]byte("cleanup")), -1)
	require.NoError(t, err)

	entries, err := os.ReadDir(store.tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReleaseKeepsFileWhileReferenced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	data := []byte("shared across two records")

	result, err := store.Put(ctx, bytes.NewReader(data), -1)
	require.NoError(t, err)
	_, err = store.Put(ctx, bytes.NewReader(data), -1)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, result.Identity))

	rc, err := store.Open(ctx, result.Identity)
	require.NoError(t, err)
	rc.Close()

	stat, err := store.Stat(ctx, result.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.RefCount)
}

func TestReleaseDeletesAtZero(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	result, err := store.Put(ctx, bytes.NewReader([]byte("single ref")), -1)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, result.Identity))

	_, err = store.Open(ctx, result.Identity)
	assert.ErrorIs(t, err, imagestore.ErrAssetNotFound)

	// Shard directories are swept when emptied.
	shard := filepath.Join(store.baseDir, result.Identity.String()[:2])
	_, err = os.Stat(shard)
	assert.True(t, os.IsNotExist(err))
}

func TestReleaseToleratesExternallyRemovedFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	result, err := store.Put(ctx, bytes.NewReader([]byte("removed behind our back")), -1)
	require.NoError(t, err)

	path := filepath.Join(store.baseDir, filepath.FromSlash(result.Identity.StoragePath()))
	require.NoError(t, os.Remove(path))

	assert.NoError(t, store.Release(ctx, result.Identity))
}

func TestOpenUnknownIdentity(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Open(context.Background(), identity.FromBytes([]byte("never stored")))
	assert.ErrorIs(t, err, imagestore.ErrAssetNotFound)
}

func TestStatUnknownIdentity(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Stat(context.Background(), identity.FromBytes([]byte("never stored")))
	assert.ErrorIs(t, err, imagestore.ErrAssetNotFound)
}

func TestReconcileRestoresCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	data := []byte("reconciled content")

	result, err := store.Put(ctx, bytes.NewReader(data), -1)
	require.NoError(t, err)

	// Simulate a restart: a fresh store over the same directory knows no
	// reference counts until reconciled.
	restarted, err := New(Config{BaseDir: store.baseDir})
	require.NoError(t, err)

	refs := map[identity.Identity]int64{result.Identity: 3}
	require.NoError(t, restarted.Reconcile(ctx, refs))

	stat, err := restarted.Stat(ctx, result.Identity)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stat.RefCount)
}

func TestReconcileRemovesUnreferencedAssets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	result, err := store.Put(ctx, bytes.NewReader([]byte("orphaned")), -1)
	require.NoError(t, err)

	require.NoError(t, store.Reconcile(ctx, map[identity.Identity]int64{}))

	_, err = store.Open(ctx, result.Identity)
	assert.ErrorIs(t, err, imagestore.ErrAssetNotFound)
}

func TestReconcileSweepsStaleTempFiles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	stale := filepath.Join(store.tmpDir, "stale-upload")
	require.NoError(t, os.WriteFile(stale, []byte("crashed upload"), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	fresh := filepath.Join(store.tmpDir, "fresh-upload")
	require.NoError(t, os.WriteFile(fresh, []byte("in flight"), 0o644))

	require.NoError(t, store.Reconcile(ctx, map[identity.Identity]int64{}))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}
