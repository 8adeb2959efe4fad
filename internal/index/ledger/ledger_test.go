package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func exerciseLedger(t *testing.T, l harvest.Ledger) {
	t.Helper()
	ctx := context.Background()

	ok, err := l.Has(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Mark(ctx, "1", harvest.Ack{ID: "msg-1", StatusCode: 200}))
	require.NoError(t, l.Mark(ctx, "2", harvest.Ack{ID: "msg-2"}))
	require.NoError(t, l.Mark(ctx, "1", harvest.Ack{ID: "msg-1b", StatusCode: 200}))

	ok, err = l.Has(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryLedger(t *testing.T) {
	t.Parallel()
	exerciseLedger(t, NewMemory())
}

func TestBoltLedgerPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "index-ledger.db")
	now := time.Unix(1700000000, 0).UTC()

	l, err := OpenBolt(path, fixedClock{now: now})
	require.NoError(t, err)
	exerciseLedger(t, l)
	require.NoError(t, l.Close())

	reopened, err := OpenBolt(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	entry, ok, err := reopened.Get(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "msg-1b", entry.AckID)
	assert.Equal(t, 200, entry.StatusCode)
	assert.True(t, now.Equal(entry.IndexedAt))

	_, ok, err = reopened.Get(context.Background(), "99")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := reopened.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOpenBoltRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := OpenBolt("", nil)
	require.Error(t, err)
}
