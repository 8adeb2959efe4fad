package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/scheduler"
)

// DefaultMinArtifactBytes rejects captures too small to be a real page.
const DefaultMinArtifactBytes = 1000

// captureTask snapshots items into the spool. The session is read when each
// attempt starts; it only changes between stages.
func (o *Orchestrator) captureTask(r *run) scheduler.Task {
	minSize := r.cfg.MinArtifactBytes
	if minSize <= 0 {
		minSize = DefaultMinArtifactBytes
	}
	return scheduler.Task{
		Done: func(ctx context.Context, id harvest.ItemID) (bool, error) {
			_, ok, err := o.deps.Spool.Exists(ctx, o.spool.Key(id))
			return ok, err
		},
		Work: func(ctx context.Context, id harvest.ItemID) error {
			artifact, err := o.deps.Capturer.Capture(ctx, r.sess, id)
			if err != nil {
				return err
			}
			if err := artifact.Validate(minSize); err != nil {
				return err
			}
			loc, err := o.spool.Store(ctx, artifact)
			if err != nil {
				return fmt.Errorf("spool artifact: %w", err)
			}
			o.logger.Debug("captured", zap.String("item_id", id.String()), zap.Int64("bytes", loc.Size), zap.String("key", loc.Key))
			return nil
		},
	}
}

// storeTask uploads spooled artifacts to the remote store.
func (o *Orchestrator) storeTask() scheduler.Task {
	return scheduler.Task{
		Done: func(ctx context.Context, id harvest.ItemID) (bool, error) {
			_, ok, err := o.deps.Remote.Exists(ctx, o.remote.Key(id))
			return ok, err
		},
		Work: func(ctx context.Context, id harvest.ItemID) error {
			data, err := o.deps.Spool.Get(ctx, o.spool.Key(id))
			if err != nil {
				return fmt.Errorf("read spooled artifact: %w", err)
			}
			artifact, err := o.artifact(id, data)
			if err != nil {
				return err
			}
			loc, err := o.remote.Store(ctx, artifact)
			if err != nil {
				return err
			}
			o.logger.Debug("stored", zap.String("item_id", id.String()), zap.String("uri", loc.URI))
			return nil
		},
	}
}

// indexTask submits stored artifacts and records the acknowledgement.
func (o *Orchestrator) indexTask() scheduler.Task {
	return scheduler.Task{
		Done: func(ctx context.Context, id harvest.ItemID) (bool, error) {
			return o.deps.Ledger.Has(ctx, id)
		},
		Work: func(ctx context.Context, id harvest.ItemID) error {
			key := o.remote.Key(id)
			loc, ok, err := o.deps.Remote.Exists(ctx, key)
			if err != nil {
				return fmt.Errorf("locate stored artifact: %w", err)
			}
			if !ok {
				return harvest.Errorf(harvest.KindInvalidInput, "index", "artifact %s is not in the object store", key)
			}
			data, err := o.deps.Remote.Get(ctx, key)
			if err != nil {
				return fmt.Errorf("read stored artifact: %w", err)
			}
			artifact, err := o.artifact(id, data)
			if err != nil {
				return err
			}
			ack, err := o.deps.Indexer.Index(ctx, artifact, loc)
			if err != nil {
				return err
			}
			if err := o.deps.Ledger.Mark(ctx, id, ack); err != nil {
				return fmt.Errorf("record index ack: %w", err)
			}
			o.logger.Debug("indexed", zap.String("item_id", id.String()), zap.String("ack_id", ack.ID))
			return nil
		},
	}
}

// artifact rebuilds an Artifact from persisted bytes.
func (o *Orchestrator) artifact(id harvest.ItemID, data []byte) (harvest.Artifact, error) {
	a := harvest.Artifact{
		ItemID:      id,
		Payload:     data,
		ContentType: o.deps.ContentType,
		Size:        len(data),
	}
	if o.deps.SourceURL != nil {
		a.SourceURL = o.deps.SourceURL(id)
	}
	if o.deps.Hasher != nil {
		sum, err := o.deps.Hasher.Hash(data)
		if err != nil {
			return harvest.Artifact{}, fmt.Errorf("hash artifact: %w", err)
		}
		a.Hash = sum
	}
	return a, nil
}
