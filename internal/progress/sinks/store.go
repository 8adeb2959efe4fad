package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/progress"
)

// StageCounters is a delta of per-stage item counts.
type StageCounters struct {
	Succeeded int
	Failed    int
	Skipped   int
	Attempts  int
}

// ProgressRepository persists run lifecycle and stage counters.
type ProgressRepository interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	AddStageCounters(ctx context.Context, runID string, stage harvest.Stage, delta StageCounters, at time.Time) error
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, state string) error
}

// StoreSink collapses each batch into per-stage deltas before writing them.
type StoreSink struct {
	repo   ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

type stageKey struct {
	runID string
	stage harvest.Stage
}

// Consume forwards run boundaries and aggregated stage deltas to the repository.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[stageKey]*StageCounters)
	last := make(map[stageKey]time.Time)
	var order []stageKey

	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunStart:
			if err := s.repo.StartRun(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.KindAttempt, progress.KindItemDone:
			key := stageKey{runID: evt.RunID, stage: evt.Stage}
			d, ok := deltas[key]
			if !ok {
				d = &StageCounters{}
				deltas[key] = d
				order = append(order, key)
			}
			if evt.TS.After(last[key]) {
				last[key] = evt.TS
			}
			if evt.Kind == progress.KindAttempt {
				d.Attempts++
				continue
			}
			switch {
			case evt.Success && evt.Skipped:
				d.Succeeded++
				d.Skipped++
			case evt.Success:
				d.Succeeded++
			default:
				d.Failed++
			}
		case progress.KindRunDone:
			if err := s.flush(ctx, order, deltas, last); err != nil {
				return err
			}
			order = order[:0]
			if err := s.repo.FinishRun(ctx, evt.RunID, evt.TS, evt.Note); err != nil {
				return fmt.Errorf("finish run: %w", err)
			}
		}
	}
	return s.flush(ctx, order, deltas, last)
}

func (s *StoreSink) flush(ctx context.Context, order []stageKey, deltas map[stageKey]*StageCounters, last map[stageKey]time.Time) error {
	for _, key := range order {
		d := deltas[key]
		if err := s.repo.AddStageCounters(ctx, key.runID, key.stage, *d, last[key]); err != nil {
			return fmt.Errorf("add stage counters: %w", err)
		}
		delete(deltas, key)
	}
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
