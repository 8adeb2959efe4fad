package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// MockObjectStore is a testify mock of harvest.ObjectStore.
type MockObjectStore struct {
	mock.Mock
}

// Put records the call.
func (m *MockObjectStore) Put(ctx context.Context, key, contentType string, data []byte) (harvest.Location, error) {
	args := m.Called(ctx, key, contentType, data)
	loc, _ := args.Get(0).(harvest.Location)
	return loc, args.Error(1) //nolint:wrapcheck
}

// Get records the call.
func (m *MockObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1) //nolint:wrapcheck
}

// Exists records the call.
func (m *MockObjectStore) Exists(ctx context.Context, key string) (harvest.Location, bool, error) {
	args := m.Called(ctx, key)
	loc, _ := args.Get(0).(harvest.Location)
	return loc, args.Bool(1), args.Error(2) //nolint:wrapcheck
}
