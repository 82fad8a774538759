package mocks

import (
	"context"
	"math/big"

	"github.com/stretchr/testify/mock"

	"github.com/majisafe/majisafe/internal/domain/ledger"
	"github.com/majisafe/majisafe/internal/domain/pump"
)

// MockClient is a mock implementation of ledger.Client
type MockClient struct {
	mock.Mock
}

func (m *MockClient) BuyWater(ctx context.Context, pumpID pump.ID, value *big.Int) (string, error) {
	args := m.Called(ctx, pumpID, value)
	return args.String(0), args.Error(1)
}

func (m *MockClient) ActivatePump(ctx context.Context, pumpID pump.ID, liters uint64) (string, error) {
	args := m.Called(ctx, pumpID, liters)
	return args.String(0), args.Error(1)
}

func (m *MockClient) Receipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Receipt), args.Error(1)
}

func (m *MockClient) TransactionKnown(ctx context.Context, txHash string) (bool, error) {
	args := m.Called(ctx, txHash)
	return args.Bool(0), args.Error(1)
}

func (m *MockClient) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockClient) CreditPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *MockClient) WaterCredits(ctx context.Context, address string) (*big.Int, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}
