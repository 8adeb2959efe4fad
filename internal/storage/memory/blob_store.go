// Package memory stores blob content in-memory for dry runs and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/storage"
)

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

func location(key string, size int) harvest.Location {
	return harvest.Location{Key: key, URI: "memory://" + key, Size: int64(size)}
}

// Put stores a private copy of data.
func (s *BlobStore) Put(_ context.Context, key, _ string, data []byte) (harvest.Location, error) {
	if strings.TrimSpace(key) == "" {
		return harvest.Location{}, harvest.Errorf(harvest.KindInvalidInput, "put object", "key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return location(key, len(data)), nil
}

// Get returns a copy of the stored object.
func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, storage.NotFound("get object", key)
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether key is stored.
func (s *BlobStore) Exists(_ context.Context, key string) (harvest.Location, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return harvest.Location{}, false, nil
	}
	return location(key, len(data)), true, nil
}

// List returns stored objects under prefix in key order.
func (s *BlobStore) List(_ context.Context, prefix string) ([]harvest.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix = strings.Trim(prefix, "/")
	var out []harvest.Location
	for key, data := range s.data {
		if prefix == "" || strings.HasPrefix(key, prefix+"/") {
			out = append(out, location(key, len(data)))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
