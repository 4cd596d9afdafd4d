// Package chain submits approved privileged operations to the on-chain
// decision contract.
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

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidContract   = errors.New("chain: invalid contract address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrExecutionReverted = errors.New("chain: contract execution reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
)

// SubmitError wraps submission failures with context
type SubmitError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Decision contract ABI: the contract re-checks the submitted score and
// records the operation only when it is safe.
const decisionABI = `[
	{"constant":false,"inputs":[{"name":"_anomalyScore","type":"uint256"},{"name":"_riskLevel","type":"string"}],"name":"executeIfSafe","outputs":[],"type":"function"}
]`

const (
	// scoreBasisPoints scales the [0,1] anomaly score for the uint256 arg
	scoreBasisPoints = 10000

	// DefaultGasLimit for executeIfSafe calls
	DefaultGasLimit = uint64(150000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a new submitter
type Config struct {
	RPCURL          string
	PrivateKey      string // Hex string, with or without 0x prefix
	ChainID         int64
	ContractAddress string
}

// Option configures the submitter
type Option func(*Submitter)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(s *Submitter) {
		s.client = client
	}
}

// Submitter signs and submits executeIfSafe transactions.
type Submitter struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

// New creates a new Submitter instance
func New(cfg Config, opts ...Option) (*Submitter, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(decisionABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse decision ABI: %w", err)
	}

	s := &Submitter{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.ContractAddress),
		abi:        parsedABI,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		s.client = client
	}

	return s, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidContract, cfg.ContractAddress)
	}
	return nil
}

// Address returns the submitter's signing address
func (s *Submitter) Address() string {
	return s.address.Hex()
}

// Submit calls executeIfSafe on the decision contract and waits for the
// transaction to be mined. The score is scaled to basis points for the
// uint256 argument. Returns the transaction hash as the reference.
func (s *Submitter) Submit(ctx context.Context, operation string, parameters map[string]any, score float64, riskLevel string) (string, error) {
	scoreArg := big.NewInt(int64(score * scoreBasisPoints))

	data, err := s.abi.Pack("executeIfSafe", scoreArg, riskLevel)
	if err != nil {
		return "", &SubmitError{Op: "pack", Err: err}
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", &SubmitError{Op: "nonce", Err: err}
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &SubmitError{Op: "gas_price", Err: err}
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  s.address,
		To:    &s.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, s.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.privateKey)
	if err != nil {
		return "", &SubmitError{Op: "sign", Err: err}
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &SubmitError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	txHash := signedTx.Hash().Hex()
	if err := s.waitForConfirmation(ctx, signedTx.Hash()); err != nil {
		return "", &SubmitError{Op: "confirm", TxHash: txHash, Err: err}
	}

	return txHash, nil
}

// waitForConfirmation polls for the transaction receipt until mined or
// the timeout elapses.
func (s *Submitter) waitForConfirmation(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return ErrExecutionReverted
		}

		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// Close releases the underlying client connection
func (s *Submitter) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
