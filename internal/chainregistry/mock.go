package chainregistry

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockRegistry is a testify mock implementation of Registry, exported for
// use by other packages' tests (e.g. internal/httpapi) that need a Registry
// collaborator without standing up Postgres.
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Get(ctx context.Context, chainID uint64) (*Chain, error) {
	args := m.Called(ctx, chainID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Chain), args.Error(1)
}

func (m *MockRegistry) List(ctx context.Context) ([]*Chain, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Chain), args.Error(1)
}

func (m *MockRegistry) Upsert(ctx context.Context, chain *Chain) error {
	args := m.Called(ctx, chain)
	return args.Error(0)
}

var _ Registry = (*MockRegistry)(nil)
