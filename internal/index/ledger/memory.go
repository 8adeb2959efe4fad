package ledger

import (
	"context"
	"sync"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Memory is an in-process ledger for dry runs and tests.
type Memory struct {
	mu   sync.RWMutex
	acks map[harvest.ItemID]harvest.Ack
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{acks: make(map[harvest.ItemID]harvest.Ack)}
}

// Has reports whether id was acknowledged.
func (m *Memory) Has(_ context.Context, id harvest.ItemID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.acks[id]
	return ok, nil
}

// Mark records the acknowledgement for id.
func (m *Memory) Mark(_ context.Context, id harvest.ItemID, ack harvest.Ack) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks[id] = ack
	return nil
}

// Count returns the number of acknowledged items.
func (m *Memory) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.acks), nil
}

var _ harvest.Ledger = (*Memory)(nil)
