package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/majisafe/majisafe/internal/domain/purchase"
)

// MockRepository is a mock implementation of purchase.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Save(ctx context.Context, session *purchase.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *MockRepository) GetByKey(ctx context.Context, key string) (*purchase.Session, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*purchase.Session), args.Error(1)
}

func (m *MockRepository) GetByTxHash(ctx context.Context, txHash string) (*purchase.Session, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*purchase.Session), args.Error(1)
}

func (m *MockRepository) ListRecent(ctx context.Context, limit int) ([]*purchase.Session, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*purchase.Session), args.Error(1)
}
