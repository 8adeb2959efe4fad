// Package ledger records which items the index service has acknowledged so
// re-runs skip them.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/JakeFAU/snapshot-harvester/internal/clock/system"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

var indexedBucketName = []byte("indexed")

// Entry is the value stored per acknowledged item.
type Entry struct {
	AckID      string    `json:"ack_id"`
	StatusCode int       `json:"status_code"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Bolt is a bbolt-backed ledger.
type Bolt struct {
	db    *bbolt.DB
	clock harvest.Clock
}

// OpenBolt opens or creates the ledger file at path.
func OpenBolt(path string, clock harvest.Clock) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	// bbolt.Open will open an existing file if present, or create a new one.
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexedBucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger buckets: %w", err)
	}
	if clock == nil {
		clock = system.New()
	}
	return &Bolt{db: db, clock: clock}, nil
}

// Has reports whether id was acknowledged.
func (l *Bolt) Has(_ context.Context, id harvest.ItemID) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(indexedBucketName).Get([]byte(id)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read ledger: %w", err)
	}
	return found, nil
}

// Mark records the acknowledgement for id.
func (l *Bolt) Mark(_ context.Context, id harvest.ItemID, ack harvest.Ack) error {
	data, err := json.Marshal(Entry{AckID: ack.ID, StatusCode: ack.StatusCode, IndexedAt: l.clock.Now()})
	if err != nil {
		return fmt.Errorf("encode ledger entry: %w", err)
	}
	if err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(indexedBucketName).Put([]byte(id), data)
	}); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Get returns the stored entry for id.
func (l *Bolt) Get(_ context.Context, id harvest.ItemID) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(indexedBucketName).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("read ledger: %w", err)
	}
	return entry, found, nil
}

// Count returns the number of acknowledged items.
func (l *Bolt) Count(_ context.Context) (int, error) {
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(indexedBucketName).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count ledger: %w", err)
	}
	return n, nil
}

// Close releases the file lock.
func (l *Bolt) Close() error {
	return l.db.Close()
}

var _ harvest.Ledger = (*Bolt)(nil)
