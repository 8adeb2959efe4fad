package harvest

import "context"

// Capturer snapshots a single item using the run's session.
type Capturer interface {
	Capture(ctx context.Context, sess *Session, id ItemID) (Artifact, error)
}

// Storer persists an artifact to durable storage.
type Storer interface {
	Store(ctx context.Context, artifact Artifact) (Location, error)
}

// Indexer submits a stored artifact to the downstream index.
type Indexer interface {
	Index(ctx context.Context, artifact Artifact, loc Location) (Ack, error)
}

// ObjectStore is a key addressed blob store.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (Location, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists returns the location of key and whether it is present.
	Exists(ctx context.Context, key string) (Location, bool, error)
}

// Ledger records which items the index has acknowledged.
type Ledger interface {
	Has(ctx context.Context, id ItemID) (bool, error)
	Mark(ctx context.Context, id ItemID, ack Ack) error
	Count(ctx context.Context) (int, error)
}

// SummaryRecorder persists finished run summaries.
type SummaryRecorder interface {
	RecordRun(ctx context.Context, summary RunSummary) error
}
