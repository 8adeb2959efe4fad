package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/progress/sinks"
)

const stateRunning = "running"

// StartRun inserts the run row in the running state. A row written earlier
// for the same run is left alone.
func (s *Store) StartRun(ctx context.Context, runID string, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, state, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (run_id) DO NOTHING;`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID, stateRunning, startedAt); err != nil {
		return fmt.Errorf("failed to insert run start: %w", err)
	}
	return nil
}

// AddStageCounters adds delta to the stage's running totals.
func (s *Store) AddStageCounters(ctx context.Context, runID string, stage harvest.Stage, delta sinks.StageCounters, at time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (run_id, stage, succeeded, failed, skipped, attempts, last_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, stage) DO UPDATE SET
			succeeded = %[1]s.succeeded + EXCLUDED.succeeded,
			failed = %[1]s.failed + EXCLUDED.failed,
			skipped = %[1]s.skipped + EXCLUDED.skipped,
			attempts = %[1]s.attempts + EXCLUDED.attempts,
			last_update = EXCLUDED.last_update;`, s.progress)
	if _, err := s.pool.Exec(ctx, query, runID, string(stage), delta.Succeeded, delta.Failed, delta.Skipped, delta.Attempts, at); err != nil {
		return fmt.Errorf("failed to update stage progress: %w", err)
	}
	return nil
}

// FinishRun stamps the terminal state unless the full summary already did.
func (s *Store) FinishRun(ctx context.Context, runID string, finishedAt time.Time, state string) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, state = $2
		WHERE run_id = $3 AND (state = $4 OR finished_at IS NULL);`, s.runs)
	if _, err := s.pool.Exec(ctx, query, finishedAt, state, runID, stateRunning); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

var _ sinks.ProgressRepository = (*Store)(nil)
