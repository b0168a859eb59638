// Package chain is the read/verify/submit layer over the ticket escrow
// contract. The coordinator treats the contract as an opaque ledger: it can
// ask whether a transaction confirmed, read the contract's view of a deal,
// and submit platform-sponsored transactions for the flows where the
// platform pays gas.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTxFailed          = errors.New("chain: transaction reverted")
)

// SubmissionError wraps a sponsored-transaction failure with the revert
// reason when one could be extracted.
type SubmissionError struct {
	Op     string // Contract entry point that failed
	DealID string
	TxHash string // Transaction hash if the tx was sent
	Reason string // Revert reason if available
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("chain: %s failed for deal %s", e.Op, e.DealID)
	if e.TxHash != "" {
		msg += " (tx: " + e.TxHash + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Minimal ABI for the ticket escrow contract.
const escrowABI = `[
	{"inputs":[{"name":"dealId","type":"bytes32"}],"name":"confirm","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"}],"name":"refund","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"},{"name":"feeBps","type":"uint256"}],"name":"release","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"},{"name":"favorBuyer","type":"bool"},{"name":"feeBps","type":"uint256"}],"name":"resolve","outputs":[],"type":"function"},
	{"inputs":[{"name":"dealId","type":"bytes32"}],"name":"getDeal","outputs":[{"name":"status","type":"uint8"},{"name":"amount","type":"uint256"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"transferDeadline","type":"uint64"},{"name":"confirmDeadline","type":"uint64"}],"stateMutability":"view","type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails.
	DefaultGasLimit = uint64(200000)

	// DefaultConfirmationTimeout bounds how long VerifyReceipt waits.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// DealState is the contract's authoritative view of a deal.
type DealState struct {
	Status           uint8
	Amount           *big.Int
	Buyer            string
	Seller           string
	TransferDeadline uint64
	ConfirmDeadline  uint64
}

// Config for creating a gateway.
type Config struct {
	RPCURL         string
	PrivateKey     string // Platform wallet key, hex with or without 0x prefix
	ChainID        int64
	EscrowContract string
	ConfirmTimeout time.Duration // Zero means DefaultConfirmationTimeout
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *Gateway) { g.client = client }
}

// Gateway talks to the escrow contract on behalf of the coordinator.
type Gateway struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	contract       common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
}

// New creates a gateway connected to the configured RPC endpoint.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}

	g := &Gateway{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.EscrowContract),
		abi:            parsedABI,
		confirmTimeout: timeout,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

// Address returns the platform wallet address.
func (g *Gateway) Address() string { return g.address.Hex() }

// Close closes the RPC client.
func (g *Gateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

// dealKey maps a deal id onto the contract's bytes32 key space.
func dealKey(dealID string) common.Hash {
	return crypto.Keccak256Hash([]byte(dealID))
}

// VerifyReceipt reports whether the transaction is mined with a successful
// status. The wait is bounded: an elapsed bound or a reverted transaction is
// a definite (false, nil), never a silent success. Only RPC trouble is an
// error.
func (g *Gateway) VerifyReceipt(ctx context.Context, txHash string) (bool, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		// Check immediately, then on each tick.
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt.Status == types.ReceiptStatusSuccessful, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// Not confirmed within the bound; the caller may retry later
				// with the same hash.
				return false, nil
			}
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetDealState reads the contract's view of a deal.
func (g *Gateway) GetDealState(ctx context.Context, dealID string) (*DealState, error) {
	data, err := g.abi.Pack("getDeal", dealKey(dealID))
	if err != nil {
		return nil, fmt.Errorf("pack getDeal: %w", err)
	}

	result, err := g.client.CallContract(ctx, ethereum.CallMsg{
		To:   &g.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call getDeal: %w", err)
	}

	values, err := g.abi.Unpack("getDeal", result)
	if err != nil || len(values) != 6 {
		return nil, fmt.Errorf("unpack getDeal: %w", err)
	}

	state := &DealState{}
	if v, ok := values[0].(uint8); ok {
		state.Status = v
	}
	if v, ok := values[1].(*big.Int); ok {
		state.Amount = v
	}
	if v, ok := values[2].(common.Address); ok {
		state.Buyer = v.Hex()
	}
	if v, ok := values[3].(common.Address); ok {
		state.Seller = v.Hex()
	}
	if v, ok := values[4].(uint64); ok {
		state.TransferDeadline = v
	}
	if v, ok := values[5].(uint64); ok {
		state.ConfirmDeadline = v
	}
	return state, nil
}

// SubmitRefund submits a sponsored refund for a funded deal.
func (g *Gateway) SubmitRefund(ctx context.Context, dealID string) (string, error) {
	return g.submit(ctx, "refund", dealID, dealKey(dealID))
}

// SubmitRelease submits a sponsored release, deducting the seller fee.
func (g *Gateway) SubmitRelease(ctx context.Context, dealID string, feeBps int64) (string, error) {
	return g.submit(ctx, "release", dealID, dealKey(dealID), big.NewInt(feeBps))
}

// SubmitResolve submits a sponsored dispute resolution.
func (g *Gateway) SubmitResolve(ctx context.Context, dealID string, favorBuyer bool, feeBps int64) (string, error) {
	return g.submit(ctx, "resolve", dealID, dealKey(dealID), favorBuyer, big.NewInt(feeBps))
}

func (g *Gateway) submit(ctx context.Context, op, dealID string, args ...interface{}) (string, error) {
	data, err := g.abi.Pack(op, args...)
	if err != nil {
		return "", &SubmissionError{Op: op, DealID: dealID, Err: err}
	}

	nonce, err := g.client.PendingNonceAt(ctx, g.address)
	if err != nil {
		return "", &SubmissionError{Op: op, DealID: dealID, Err: err}
	}

	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &SubmissionError{Op: op, DealID: dealID, Err: err}
	}

	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From: g.address,
		To:   &g.contract,
		Data: data,
	})
	if err != nil {
		// Estimation failing usually means the call would revert; surface the
		// reason instead of burning gas on a doomed transaction.
		if reason := revertReason(err); reason != "" {
			return "", &SubmissionError{Op: op, DealID: dealID, Reason: reason, Err: ErrTxFailed}
		}
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, g.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), g.privateKey)
	if err != nil {
		return "", &SubmissionError{Op: op, DealID: dealID, Err: err}
	}

	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &SubmissionError{
			Op:     op,
			DealID: dealID,
			TxHash: signedTx.Hash().Hex(),
			Reason: revertReason(err),
			Err:    err,
		}
	}

	return signedTx.Hash().Hex(), nil
}

// revertReason extracts a human-readable revert reason from an RPC error.
func revertReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(msg[i:], "execution reverted")
		return strings.Trim(reason, ": ")
	}
	return ""
}
