// Package memory contains an in-process indexer. It backs the "noop" index
// provider and lets tests inspect what would have been indexed.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Indexer records index requests and acknowledges them locally.
type Indexer struct {
	mu       sync.RWMutex
	requests []Request
}

// Request captures one Index call.
type Request struct {
	ItemID    harvest.ItemID
	Location  harvest.Location
	SourceURL string
	Size      int64
}

// New returns an empty Indexer.
func New() *Indexer {
	return &Indexer{}
}

// Index records the request and returns a pseudo acknowledgement.
func (i *Indexer) Index(ctx context.Context, artifact harvest.Artifact, loc harvest.Location) (harvest.Ack, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Ack{}, harvest.Wrap(harvest.KindOf(err), "index artifact", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.requests = append(i.requests, Request{
		ItemID:    artifact.ItemID,
		Location:  loc,
		SourceURL: artifact.SourceURL,
		Size:      int64(len(artifact.Payload)),
	})
	return harvest.Ack{ID: fmt.Sprintf("memory-%d", len(i.requests))}, nil
}

// Requests returns the recorded requests in call order.
func (i *Indexer) Requests() []Request {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Request, len(i.requests))
	copy(out, i.requests)
	return out
}
