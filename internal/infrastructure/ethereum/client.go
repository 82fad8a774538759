package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/ledger"
	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/infrastructure/keystore"
)

const DefaultGasLimit = 200000

// Backend is the part of an Ethereum RPC client the contract client needs.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg goethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	RPCURL          string
	ContractAddress string
	GasLimit        uint64
}

// Client implements ledger.Client against the water credit contract.
type Client struct {
	backend  Backend
	chainID  *big.Int
	contract common.Address
	abi      abi.ABI
	gasLimit uint64
	signer   *keystore.Signer
	logger   zerolog.Logger

	// serializes nonce lookup and send
	sendMu sync.Mutex
}

// Dial connects to the RPC endpoint and reads the chain id. signer may be nil for a read-only client.
func Dial(ctx context.Context, cfg Config, signer *keystore.Signer, logger zerolog.Logger) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return NewClient(rpc, chainID, cfg, signer, logger)
}

func NewClient(backend Backend, chainID *big.Int, cfg Config, signer *keystore.Signer, logger zerolog.Logger) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(WaterCreditsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	gas := cfg.GasLimit
	if gas == 0 {
		gas = DefaultGasLimit
	}
	c := &Client{
		backend:  backend,
		chainID:  chainID,
		contract: common.HexToAddress(cfg.ContractAddress),
		abi:      parsed,
		gasLimit: gas,
		signer:   signer,
		logger:   logger.With().Str("component", "ethereum").Logger(),
	}
	if signer != nil {
		c.logger.Info().Str("account", signer.Address().Hex()).Str("contract", c.contract.Hex()).Msg("ledger signer loaded")
	}
	return c, nil
}

func (c *Client) BuyWater(ctx context.Context, pumpID pump.ID, value *big.Int) (string, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	return c.transact(ctx, value, "buyWater", [32]byte(pumpID))
}

func (c *Client) ActivatePump(ctx context.Context, pumpID pump.ID, liters uint64) (string, error) {
	return c.transact(ctx, big.NewInt(0), "activatePump", [32]byte(pumpID), new(big.Int).SetUint64(liters))
}

func (c *Client) transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (string, error) {
	if c.signer == nil {
		return "", ledger.ErrNotConfigured
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s: %w", method, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.signer.Address())
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}
	tx := types.NewTransaction(nonce, c.contract, value, c.gasLimit, gasPrice, data)
	signed, err := c.signer.SignTx(tx, c.chainID)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	hash := signed.Hash().Hex()
	c.logger.Info().Str("method", method).Str("tx_hash", hash).Uint64("nonce", nonce).Msg("transaction sent")
	return hash, nil
}

func (c *Client) Receipt(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	r, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, goethereum.NotFound) {
			return nil, ledger.ErrReceiptNotFound
		}
		return nil, err
	}
	out := &ledger.Receipt{TxHash: r.TxHash.Hex(), Status: r.Status}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, lg := range r.Logs {
		if p, ok := c.decodePurchase(lg); ok {
			out.Purchases = append(out.Purchases, p)
		}
	}
	return out, nil
}

// decodePurchase reads a WaterPurchased log. Logs from other contracts are skipped.
func (c *Client) decodePurchase(lg *types.Log) (ledger.Purchase, bool) {
	event, ok := c.abi.Events["WaterPurchased"]
	if !ok || lg == nil || lg.Removed || lg.Address != c.contract {
		return ledger.Purchase{}, false
	}
	if len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
		return ledger.Purchase{}, false
	}
	values, err := c.abi.Unpack("WaterPurchased", lg.Data)
	if err != nil || len(values) != 2 {
		c.logger.Warn().Err(err).Str("tx_hash", lg.TxHash.Hex()).Msg("malformed WaterPurchased log")
		return ledger.Purchase{}, false
	}
	credits, ok := values[0].(*big.Int)
	if !ok {
		return ledger.Purchase{}, false
	}
	pumpID, ok := values[1].([32]byte)
	if !ok {
		return ledger.Purchase{}, false
	}
	return ledger.Purchase{
		Buyer:   common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		Credits: credits,
		PumpID:  pump.ID(pumpID),
	}, true
}

func (c *Client) TransactionKnown(ctx context.Context, txHash string) (bool, error) {
	_, _, err := c.backend.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, goethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

func (c *Client) CreditPrice(ctx context.Context) (*big.Int, error) {
	return c.callUint(ctx, "creditPrice")
}

func (c *Client) WaterCredits(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	return c.callUint(ctx, "waterCredits", common.HexToAddress(address))
}

func (c *Client) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	result, err := c.backend.CallContract(ctx, goethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("empty result from %s", method)
	}
	out, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return v, nil
}
