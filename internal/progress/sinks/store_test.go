package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/progress"
)

type counterCall struct {
	runID string
	stage harvest.Stage
	delta StageCounters
}

type fakeRepo struct {
	started  []string
	counters []counterCall
	finished map[string]string
	err      error
}

func (r *fakeRepo) StartRun(_ context.Context, runID string, _ time.Time) error {
	r.started = append(r.started, runID)
	return r.err
}

func (r *fakeRepo) AddStageCounters(_ context.Context, runID string, stage harvest.Stage, delta StageCounters, _ time.Time) error {
	r.counters = append(r.counters, counterCall{runID: runID, stage: stage, delta: delta})
	return r.err
}

func (r *fakeRepo) FinishRun(_ context.Context, runID string, _ time.Time, state string) error {
	if r.finished == nil {
		r.finished = map[string]string{}
	}
	r.finished[runID] = state
	return r.err
}

func TestStoreSinkAggregatesStageDeltas(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	sink := NewStoreSink(repo, zap.NewNop())
	now := time.Now()
	batch := []progress.Event{
		{RunID: "r", TS: now, Kind: progress.KindRunStart},
		{RunID: "r", TS: now, Kind: progress.KindAttempt, Stage: harvest.StageCapture, ItemID: "1"},
		{RunID: "r", TS: now, Kind: progress.KindItemDone, Stage: harvest.StageCapture, ItemID: "1", Success: true},
		{RunID: "r", TS: now, Kind: progress.KindItemDone, Stage: harvest.StageCapture, ItemID: "2", Success: true, Skipped: true},
		{RunID: "r", TS: now, Kind: progress.KindAttempt, Stage: harvest.StageCapture, ItemID: "3"},
		{RunID: "r", TS: now, Kind: progress.KindItemDone, Stage: harvest.StageCapture, ItemID: "3"},
		{RunID: "r", TS: now, Kind: progress.KindAttempt, Stage: harvest.StageStore, ItemID: "1"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	assert.Equal(t, []string{"r"}, repo.started)
	require.Len(t, repo.counters, 2)
	assert.Equal(t, counterCall{runID: "r", stage: harvest.StageCapture, delta: StageCounters{Succeeded: 2, Failed: 1, Skipped: 1, Attempts: 2}}, repo.counters[0])
	assert.Equal(t, counterCall{runID: "r", stage: harvest.StageStore, delta: StageCounters{Attempts: 1}}, repo.counters[1])
}

func TestStoreSinkFlushesBeforeFinishing(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	sink := NewStoreSink(repo, nil)
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "r", TS: now, Kind: progress.KindItemDone, Stage: harvest.StageIndex, ItemID: "1", Success: true},
		{RunID: "r", TS: now, Kind: progress.KindRunDone, Note: "aborted"},
	}))
	require.Len(t, repo.counters, 1)
	assert.Equal(t, "aborted", repo.finished["r"])
}

func TestStoreSinkPropagatesRepositoryErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{err: errors.New("db down")}
	sink := NewStoreSink(repo, nil)
	err := sink.Consume(context.Background(), []progress.Event{{RunID: "r", TS: time.Now(), Kind: progress.KindRunStart}})
	require.ErrorContains(t, err, "db down")
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: "r", TS: now, Kind: progress.KindItemDone, Stage: harvest.StageCapture, ItemID: "1", Success: true},
		{RunID: "r", TS: now, Kind: progress.KindItemDone, Stage: harvest.StageCapture, ItemID: "2", Outcome: harvest.KindRemoteRejection},
		{RunID: "r", TS: now, Kind: progress.KindAttempt, Stage: harvest.StageCapture, ItemID: "2"},
	}))

	require.Equal(t, 1, logs.FilterMessage("item done").Len())
	failed := logs.FilterMessage("item failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.WarnLevel, failed[0].Level)
	assert.Equal(t, "remote_rejection", failed[0].ContextMap()["outcome"])
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.DebugLevel).Len())
}
