package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majisafe/majisafe/internal/domain/ledger"
	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/infrastructure/keystore"
)

const testContract = "0x4933781A5DDC86bdF9c9C9795647e763E0429E28"

type fakeBackend struct {
	mu       sync.Mutex
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
	known    map[common.Hash]bool
	head     uint64
	calls    map[string][]byte
	sendErr  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		receipts: map[common.Hash]*types.Receipt{},
		known:    map[common.Hash]bool{},
		calls:    map[string][]byte{},
	}
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, goethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if f.known[hash] {
		return types.NewTransaction(0, common.Address{}, big.NewInt(0), 0, big.NewInt(0), nil), true, nil
	}
	return nil, false, goethereum.NotFound
}

func (f *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if out, ok := f.calls[hex.EncodeToString(msg.Data[:4])]; ok {
		return out, nil
	}
	return nil, errors.New("execution reverted")
}

func newTestClient(t *testing.T, withSigner bool) (*Client, *fakeBackend, *keystore.Signer) {
	t.Helper()
	var signer *keystore.Signer
	if withSigner {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		signer, err = keystore.NewSigner(hex.EncodeToString(crypto.FromECDSA(key)))
		require.NoError(t, err)
	}
	backend := newFakeBackend()
	c, err := NewClient(backend, big.NewInt(1287), Config{ContractAddress: testContract}, signer, zerolog.Nop())
	require.NoError(t, err)
	return c, backend, signer
}

func contractABI(t *testing.T) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(WaterCreditsABI))
	require.NoError(t, err)
	return parsed
}

func TestClient_BuyWater(t *testing.T) {
	c, backend, signer := newTestClient(t, true)
	id := pump.MustParseID("PUMP001")
	value := big.NewInt(1_000_000_000_000_000)

	hash, err := c.BuyWater(context.Background(), id, value)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())
	assert.Equal(t, value, tx.Value())
	assert.Equal(t, uint64(DefaultGasLimit), tx.Gas())

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1287)), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)

	parsed := contractABI(t)
	method, err := parsed.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "buyWater", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, [32]byte(id), args[0])
}

func TestClient_ActivatePumpUsesNextNonce(t *testing.T) {
	c, backend, _ := newTestClient(t, true)
	id := pump.MustParseID("PUMP001")

	_, err := c.BuyWater(context.Background(), id, big.NewInt(1))
	require.NoError(t, err)
	_, err = c.ActivatePump(context.Background(), id, 20)
	require.NoError(t, err)

	require.Len(t, backend.sent, 2)
	assert.Equal(t, uint64(0), backend.sent[0].Nonce())
	assert.Equal(t, uint64(1), backend.sent[1].Nonce())
	assert.Equal(t, 0, backend.sent[1].Value().Sign())

	parsedABI := contractABI(t)
	method, err := parsedABI.MethodById(backend.sent[1].Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "activatePump", method.Name)
}

func TestClient_TransactRequiresSigner(t *testing.T) {
	c, backend, _ := newTestClient(t, false)
	_, err := c.BuyWater(context.Background(), pump.MustParseID("PUMP001"), big.NewInt(1))
	assert.ErrorIs(t, err, ledger.ErrNotConfigured)
	assert.Empty(t, backend.sent)
}

func TestClient_SendError(t *testing.T) {
	c, backend, _ := newTestClient(t, true)
	backend.sendErr = errors.New("insufficient funds")
	_, err := c.BuyWater(context.Background(), pump.MustParseID("PUMP001"), big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestClient_Receipt(t *testing.T) {
	c, backend, _ := newTestClient(t, false)
	mined := common.HexToHash("0x01")
	backend.receipts[mined] = &types.Receipt{TxHash: mined, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(42)}

	r, err := c.Receipt(context.Background(), mined.Hex())
	require.NoError(t, err)
	assert.True(t, r.Succeeded())
	assert.Equal(t, uint64(42), r.BlockNumber)

	_, err = c.Receipt(context.Background(), common.HexToHash("0x02").Hex())
	assert.ErrorIs(t, err, ledger.ErrReceiptNotFound)
}

func TestClient_ReceiptDecodesPurchases(t *testing.T) {
	c, backend, _ := newTestClient(t, false)
	parsed := contractABI(t)
	event := parsed.Events["WaterPurchased"]
	id := pump.MustParseID("PUMP001")
	buyer := common.HexToAddress("0x000000000000000000000000000000000000dEaD")

	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(3), [32]byte(id))
	require.NoError(t, err)
	topics := []common.Hash{event.ID, common.BytesToHash(buyer.Bytes())}

	mined := common.HexToHash("0x05")
	backend.receipts[mined] = &types.Receipt{
		TxHash:      mined,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(7),
		Logs: []*types.Log{
			{Address: common.HexToAddress("0x0000000000000000000000000000000000000bad"), Topics: topics, Data: data},
			{Address: common.HexToAddress(testContract), Topics: []common.Hash{parsed.Events["PumpActivated"].ID, common.Hash(id)}, Data: data},
			{Address: common.HexToAddress(testContract), Topics: topics, Data: data},
		},
	}

	r, err := c.Receipt(context.Background(), mined.Hex())
	require.NoError(t, err)
	require.Len(t, r.Purchases, 1, "only WaterPurchased logs from the contract count")
	assert.Equal(t, buyer.Hex(), r.Purchases[0].Buyer)
	assert.Equal(t, int64(3), r.Purchases[0].Credits.Int64())
	assert.Equal(t, id, r.Purchases[0].PumpID)

	plain := common.HexToHash("0x06")
	backend.receipts[plain] = &types.Receipt{TxHash: plain, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(8)}
	r, err = c.Receipt(context.Background(), plain.Hex())
	require.NoError(t, err)
	assert.Empty(t, r.Purchases)
}

func TestClient_TransactionKnown(t *testing.T) {
	c, backend, _ := newTestClient(t, false)
	pending := common.HexToHash("0x03")
	backend.known[pending] = true

	ok, err := c.TransactionKnown(context.Background(), pending.Hex())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TransactionKnown(context.Background(), common.HexToHash("0x04").Hex())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_Reads(t *testing.T) {
	c, backend, _ := newTestClient(t, false)
	parsed := contractABI(t)

	price, err := parsed.Methods["creditPrice"].Outputs.Pack(big.NewInt(1_000_000_000_000_000))
	require.NoError(t, err)
	backend.calls[hex.EncodeToString(parsed.Methods["creditPrice"].ID)] = price
	credits, err := parsed.Methods["waterCredits"].Outputs.Pack(big.NewInt(7))
	require.NoError(t, err)
	backend.calls[hex.EncodeToString(parsed.Methods["waterCredits"].ID)] = credits

	got, err := c.CreditPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000", got.String())

	got, err = c.WaterCredits(context.Background(), "0x000000000000000000000000000000000000dEaD")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Int64())

	_, err = c.WaterCredits(context.Background(), "not-an-address")
	assert.Error(t, err)
}

func TestNewClient_RejectsBadContract(t *testing.T) {
	_, err := NewClient(newFakeBackend(), big.NewInt(1), Config{ContractAddress: "nope"}, nil, zerolog.Nop())
	assert.Error(t, err)
}
