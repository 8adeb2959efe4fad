package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// RecordRun upserts the run row and replaces its failure rows in one
// transaction.
func (s *Store) RecordRun(ctx context.Context, summary harvest.RunSummary) (err error) {
	stages, err := json.Marshal(summary.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin run tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, state, dry_run, started_at, finished_at, duration_ms,
			discovered, discovery_partial, items, stages, fatal_kind, fatal_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO UPDATE SET
			state = EXCLUDED.state,
			dry_run = EXCLUDED.dry_run,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms,
			discovered = EXCLUDED.discovered,
			discovery_partial = EXCLUDED.discovery_partial,
			items = EXCLUDED.items,
			stages = EXCLUDED.stages,
			fatal_kind = EXCLUDED.fatal_kind,
			fatal_error = EXCLUDED.fatal_error;`, s.runs)
	if _, err = tx.Exec(ctx, query,
		summary.RunID,
		string(summary.State),
		summary.DryRun,
		summary.StartedAt,
		summary.FinishedAt,
		summary.Duration.Milliseconds(),
		summary.Discovered,
		summary.DiscoveryPartial,
		summary.Items,
		stages,
		nullable(string(summary.FatalKind)),
		nullable(summary.FatalError),
	); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE run_id = $1;`, s.failures), summary.RunID); err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	insert := fmt.Sprintf(`
		INSERT INTO %s (run_id, stage, item_id, kind, attempts, message)
		VALUES ($1, $2, $3, $4, $5, $6);`, s.failures)
	for _, f := range summary.Failures() {
		if _, err = tx.Exec(ctx, insert, summary.RunID, string(f.Stage), string(f.ItemID), string(f.Kind), f.Attempts, nullable(f.Message)); err != nil {
			return fmt.Errorf("insert failure: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run tx: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ harvest.SummaryRecorder = (*Store)(nil)
