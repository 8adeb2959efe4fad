package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/snapshot-harvester/internal/discovery"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/index/ledger"
	"github.com/JakeFAU/snapshot-harvester/internal/storage/memory"
)

func sampleSummary() harvest.RunSummary {
	return harvest.RunSummary{
		RunID:            "0190a3c4-0000-7000-8000-000000000001",
		State:            harvest.StateDone,
		Duration:         1500 * time.Millisecond,
		Discovered:       3,
		DiscoveryPartial: true,
		Items:            3,
		Stages: []harvest.StageSummary{
			{
				Stage: harvest.StageCapture, Items: 3, Processed: 3, Succeeded: 2, Failed: 1, Retries: 2,
				Failures: []harvest.ItemFailure{{Stage: harvest.StageCapture, ItemID: "42", Kind: harvest.KindTimeout, Attempts: 3, Message: "attempt timed out"}},
			},
		},
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	done := harvest.RunSummary{State: harvest.StateDone}
	aborted := harvest.RunSummary{State: harvest.StateAborted}
	cases := []struct {
		name    string
		summary harvest.RunSummary
		err     error
		want    int
	}{
		{"clean", done, nil, ExitOK},
		{"item failures", sampleSummary(), nil, ExitItemFailures},
		{"breaker", aborted, harvest.ErrCircuitBreakerTripped, ExitBreaker},
		{"auth", aborted, harvest.ErrMissingCredentials, ExitFatalConfig},
		{"config", aborted, harvest.Errorf(harvest.KindInvalidInput, "validate run", "bad"), ExitFatalConfig},
		{"canceled", aborted, context.Canceled, ExitFailure},
		{"other", aborted, errors.New("boom"), ExitFailure},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ExitCode(tc.summary, tc.err), tc.name)
	}
}

func TestRenderSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	RenderSummary(&buf, sampleSummary())
	out := buf.String()
	assert.Contains(t, out, "0190a3c4-0000-7000-8000-000000000001")
	assert.Contains(t, out, "partial: discovery_incomplete")
	assert.Contains(t, out, "capture")
	assert.Contains(t, out, "attempt timed out")
	assert.Contains(t, out, "1.5s")
}

func TestWriteSummaryJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reports", "summary.json")
	require.NoError(t, WriteSummaryJSON(path, sampleSummary()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got harvest.RunSummary
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, sampleSummary().RunID, got.RunID)
	assert.Len(t, got.Failures(), 1)
}

func TestCollectStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	resolver, err := discovery.NewResolver("", "")
	require.NoError(t, err)
	items := discovery.NewItemList(filepath.Join(t.TempDir(), "stock-urls.txt"), resolver)
	spool := memory.NewBlobStore()
	led := ledger.NewMemory()

	stats, err := CollectStats(ctx, items, spool, led)
	require.NoError(t, err)
	assert.False(t, stats.ItemListPresent)
	assert.Zero(t, stats.Items)

	require.NoError(t, items.Save([]harvest.ItemID{"1", "2", "3"}))
	_, err = spool.Put(ctx, "item_1.mhtml", "", make([]byte, 1500))
	require.NoError(t, err)
	_, err = spool.Put(ctx, "item_2.mhtml", "", make([]byte, 500))
	require.NoError(t, err)
	_, err = spool.Put(ctx, "notes.txt", "", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, led.Mark(ctx, "1", harvest.Ack{ID: "a"}))

	stats, err = CollectStats(ctx, items, spool, led)
	require.NoError(t, err)
	assert.True(t, stats.ItemListPresent)
	assert.Equal(t, 3, stats.Items)
	assert.Equal(t, 2, stats.Captured)
	assert.Equal(t, int64(2000), stats.CapturedBytes)
	assert.Equal(t, 1, stats.Indexed)

	var buf bytes.Buffer
	RenderStats(&buf, stats)
	assert.Contains(t, buf.String(), "2.0 KiB")
}

func TestHumanBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "3.0 MiB", humanBytes(3*1024*1024))
}
