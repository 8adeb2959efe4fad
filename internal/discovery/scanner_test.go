package discovery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// fakeListing reveals perAdvance new IDs on each of the first growFor
// advances, then plateaus.
type fakeListing struct {
	initial    int
	perAdvance int
	growFor    int
	endless    bool
	advances   int
	endChecks  int
	advanceErr error
	collectErr error
	duplicates bool
}

func (f *fakeListing) Advance(context.Context) error {
	f.advances++
	return f.advanceErr
}

func (f *fakeListing) AtEnd(context.Context) (bool, error) {
	f.endChecks++
	return !f.endless && f.advances >= f.growFor, nil
}

func (f *fakeListing) Collect(context.Context) ([]harvest.ItemID, error) {
	if f.collectErr != nil {
		return nil, f.collectErr
	}
	n := f.initial + f.perAdvance*min(f.advances, f.growFor)
	if f.endless {
		n = f.initial + f.perAdvance*f.advances
	}
	ids := make([]harvest.ItemID, 0, n*2)
	for i := 1; i <= n; i++ {
		ids = append(ids, harvest.ItemID(fmt.Sprintf("%d", i)))
		if f.duplicates {
			ids = append(ids, harvest.ItemID(fmt.Sprintf("%d", i)))
		}
	}
	return ids, nil
}

func TestScanConvergesAfterPlateau(t *testing.T) {
	t.Parallel()

	listing := &fakeListing{initial: 5, perAdvance: 4, growFor: 6}
	res, err := NewScanner(Config{}, zap.NewNop()).Scan(context.Background(), listing)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.False(t, res.Partial)
	assert.Len(t, res.IDs, 5+4*6)
	assert.LessOrEqual(t, res.Iterations, 6+DefaultStaleLimit)
	assert.Equal(t, harvest.ItemID("1"), res.IDs[0])
	assert.Equal(t, 1, listing.endChecks)
}

func TestScanDeduplicatesInFirstSeenOrder(t *testing.T) {
	t.Parallel()

	listing := &fakeListing{initial: 3, perAdvance: 1, growFor: 2, duplicates: true}
	res, err := NewScanner(Config{StaleLimit: 2}, nil).Scan(context.Background(), listing)
	require.NoError(t, err)
	assert.Equal(t, []harvest.ItemID{"1", "2", "3", "4", "5"}, res.IDs)
}

func TestScanStopsAtIterationCeiling(t *testing.T) {
	t.Parallel()

	listing := &fakeListing{initial: 1, perAdvance: 1, endless: true}
	res, err := NewScanner(Config{MaxIterations: 50}, nil).Scan(context.Background(), listing)
	require.NoError(t, err)

	assert.False(t, res.Converged)
	assert.True(t, res.Partial)
	assert.Equal(t, 50, res.Iterations)
	assert.Len(t, res.IDs, 51)
}

func TestScanKeepsGoingWhileListingClaimsMore(t *testing.T) {
	t.Parallel()

	// Never grows and never reports its end: only the ceiling stops it.
	listing := &fakeListing{initial: 2, endless: true}
	res, err := NewScanner(Config{StaleLimit: 3, MaxIterations: 20}, nil).Scan(context.Background(), listing)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, 20, res.Iterations)
	assert.Equal(t, 20-3+1, listing.endChecks)
}

func TestScanToleratesAdvanceErrors(t *testing.T) {
	t.Parallel()

	listing := &fakeListing{initial: 2, advanceErr: errors.New("scroll failed")}
	res, err := NewScanner(Config{StaleLimit: 2}, nil).Scan(context.Background(), listing)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Len(t, res.IDs, 2)
}

func TestScanFailsWhenCollectFails(t *testing.T) {
	t.Parallel()

	listing := &fakeListing{collectErr: errors.New("page crashed")}
	_, err := NewScanner(Config{}, nil).Scan(context.Background(), listing)
	require.ErrorContains(t, err, "page crashed")
}

func TestScanHonorsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScanner(Config{}, nil).Scan(ctx, &fakeListing{endless: true})
	require.ErrorIs(t, err, context.Canceled)
}
