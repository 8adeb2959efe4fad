package local_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/storage"
	"github.com/JakeFAU/snapshot-harvester/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "spool", "stock-mhtml")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutGetExists(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	key := harvest.ArtifactKey("", "42")
	_, ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	data := []byte("MIME-Version: 1.0\r\n")
	loc, err := store.Put(ctx, key, "multipart/related", data)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(tempDir, key), loc.URI)
	assert.Equal(t, int64(len(data)), loc.Size)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	existing, ok, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, loc, existing)

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestNestedKeysAndList(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	for _, id := range []harvest.ItemID{"1", "2"} {
		_, err := store.Put(ctx, harvest.ArtifactKey("stock-mhtml", id), "", []byte("payload-"+id.String()))
		require.NoError(t, err)
	}
	_, err = store.Put(ctx, "other/file.txt", "", []byte("x"))
	require.NoError(t, err)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	spooled, err := store.List(ctx, "stock-mhtml")
	require.NoError(t, err)
	require.Len(t, spooled, 2)
	assert.Equal(t, "stock-mhtml/item_1.mhtml", spooled[0].Key)
	assert.Equal(t, int64(len("payload-1")), spooled[0].Size)

	none, err := store.List(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRejectsBadKeys(t *testing.T) {
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Put(ctx, "", "", []byte("data"))
	assert.Equal(t, harvest.KindInvalidInput, harvest.KindOf(err))

	_, err = store.Put(ctx, "../escape.txt", "", []byte("data"))
	assert.ErrorContains(t, err, "path traversal")

	_, err = store.Get(ctx, "item_missing.mhtml")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, harvest.KindInvalidInput, harvest.KindOf(err))
}
