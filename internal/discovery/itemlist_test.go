package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

const testTemplate = "https://app.example.com/teams/acme/dashboard/all/stocks/{id}/edit"

func TestResolver(t *testing.T) {
	t.Parallel()

	r, err := NewResolver("", testTemplate)
	require.NoError(t, err)

	id, ok := r.IDFromAddress("https://app.example.com/teams/acme/dashboard/all/stocks/981/edit?tab=1")
	require.True(t, ok)
	assert.Equal(t, harvest.ItemID("981"), id)

	_, ok = r.IDFromAddress("https://app.example.com/teams/acme/dashboard")
	assert.False(t, ok)

	assert.Equal(t, "https://app.example.com/teams/acme/dashboard/all/stocks/7/edit", r.AddressFor("7"))

	bare, err := NewResolver("", "")
	require.NoError(t, err)
	assert.Equal(t, "7", bare.AddressFor("7"))
}

func TestResolverRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(`/stocks/\d+`, "")
	require.Error(t, err)
	_, err = NewResolver(`(`, "")
	require.Error(t, err)
	_, err = NewResolver("", "https://example.com/stocks/edit")
	require.Error(t, err)
}

func TestItemListRoundTrip(t *testing.T) {
	t.Parallel()

	r, err := NewResolver("", testTemplate)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "lists", "stock-urls.txt")
	list := NewItemList(path, r)
	assert.False(t, list.Exists())

	require.NoError(t, list.Save([]harvest.ItemID{"3", "1", "2"}))
	assert.True(t, list.Exists())

	ids, err := list.Load()
	require.NoError(t, err)
	assert.Equal(t, []harvest.ItemID{"3", "1", "2"}, ids)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "/stocks/3/edit\n")
}

func TestItemListLoadAcceptsMixedLines(t *testing.T) {
	t.Parallel()

	r, err := NewResolver("", testTemplate)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "items.txt")
	content := "# exported list\n\n" +
		"https://app.example.com/teams/acme/dashboard/all/stocks/10/edit\n" +
		"  11  \n" +
		"https://app.example.com/teams/acme/settings\n" +
		"https://app.example.com/teams/acme/dashboard/all/stocks/10/edit\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	ids, err := NewItemList(path, r).Load()
	require.NoError(t, err)
	assert.Equal(t, []harvest.ItemID{"10", "11"}, ids)
}

func TestItemListMissing(t *testing.T) {
	t.Parallel()

	r, err := NewResolver("", "")
	require.NoError(t, err)
	_, err = NewItemList(filepath.Join(t.TempDir(), "nope.txt"), r).Load()
	require.ErrorIs(t, err, harvest.ErrItemListMissing)
}

func TestDedupe(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []harvest.ItemID{"b", "a"}, Dedupe([]harvest.ItemID{"b", "", "a", "b"}))
	assert.Empty(t, Dedupe(nil))
}
