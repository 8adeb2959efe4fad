package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/progress"
)

// LogSink writes finished items and stage boundaries as structured logs.
// Individual attempts are logged at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Kind {
		case progress.KindAttempt:
			s.logger.Debug("attempt finished", append(fields,
				zap.String("item_id", evt.ItemID.String()),
				zap.Int("attempt", evt.Attempt),
				zap.String("outcome", string(evt.Outcome)),
				zap.Duration("dur", evt.Dur),
			)...)
		case progress.KindItemDone:
			fields = append(fields,
				zap.String("item_id", evt.ItemID.String()),
				zap.Int("attempts", evt.Attempt),
				zap.Bool("skipped", evt.Skipped),
				zap.Duration("dur", evt.Dur),
			)
			if evt.Success {
				s.logger.Info("item done", fields...)
				continue
			}
			s.logger.Warn("item failed", append(fields,
				zap.String("outcome", string(evt.Outcome)),
				zap.String("note", evt.Note),
			)...)
		case progress.KindStageStart:
			s.logger.Info("stage started", append(fields, zap.Int("items", evt.Items))...)
		case progress.KindStageDone:
			s.logger.Info("stage finished", append(fields, zap.Duration("dur", evt.Dur))...)
		case progress.KindRunStart, progress.KindRunDone:
			s.logger.Debug("run event", zap.String("run_id", evt.RunID), zap.String("kind", string(evt.Kind)), zap.String("note", evt.Note))
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
