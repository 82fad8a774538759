package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/majisafe/majisafe/internal/domain/payment"
)

// MockSource is a mock implementation of payment.Source
type MockSource struct {
	mock.Mock
}

func (m *MockSource) Status(ctx context.Context, sessionKey string) (*payment.Status, error) {
	args := m.Called(ctx, sessionKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Status), args.Error(1)
}

func (m *MockSource) NotifyLedgerConfirmed(ctx context.Context, sessionKey, txHash string) error {
	args := m.Called(ctx, sessionKey, txHash)
	return args.Error(0)
}
