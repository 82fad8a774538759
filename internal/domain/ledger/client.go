package ledger

import (
	"context"
	"math/big"

	"github.com/majisafe/majisafe/internal/domain/pump"
)

// Client is the on-chain water credit contract.
type Client interface {
	// BuyWater sends a payable buyWater(pumpId) and returns the transaction hash.
	BuyWater(ctx context.Context, pumpID pump.ID, value *big.Int) (string, error)
	// ActivatePump records a dispense on chain and returns the transaction hash.
	ActivatePump(ctx context.Context, pumpID pump.ID, liters uint64) (string, error)
	// Receipt returns ErrReceiptNotFound while the transaction is not mined.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	// TransactionKnown reports whether the node has the transaction, pending or mined.
	TransactionKnown(ctx context.Context, txHash string) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CreditPrice(ctx context.Context) (*big.Int, error)
	WaterCredits(ctx context.Context, address string) (*big.Int, error)
}
