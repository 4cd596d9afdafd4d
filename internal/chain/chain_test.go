package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Well-known throwaway development key, never used on a real network.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
const testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
const testContract = "0x1234567890123456789012345678901234567890"

func testConfig() Config {
	return Config{
		RPCURL:          "http://localhost:8545",
		PrivateKey:      testPrivateKey,
		ChainID:         84532,
		ContractAddress: testContract,
	}
}

// fakeEthClient replays canned chain responses and captures the sent
// transaction.
type fakeEthClient struct {
	mu          sync.Mutex
	sentTx      *types.Transaction
	sendErr     error
	receiptErr  error
	revert      bool
	nonceErr    error
	estimateErr error
	closed      bool
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, f.nonceErr
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sentTx = tx
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: txHash}, nil
}

func (f *fakeEthClient) Close() {
	f.closed = true
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"valid", func(c *Config) {}, nil},
		{"valid with 0x prefix", func(c *Config) { c.PrivateKey = "0x" + testPrivateKey }, nil},
		{"missing rpc url", func(c *Config) { c.RPCURL = "" }, ErrRPCConnection},
		{"missing private key", func(c *Config) { c.PrivateKey = "" }, ErrInvalidPrivateKey},
		{"short private key", func(c *Config) { c.PrivateKey = "abc123" }, ErrInvalidPrivateKey},
		{"bad contract address", func(c *Config) { c.ContractAddress = "not-an-address" }, ErrInvalidContract},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	cfg := testConfig()
	cfg.ChainID = 0
	if err := validateConfig(cfg); err == nil {
		t.Error("zero chain ID must be rejected")
	}
}

func TestNew_DerivesSigningAddress(t *testing.T) {
	s, err := New(testConfig(), WithClient(&fakeEthClient{}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.Address() != testAddress {
		t.Errorf("address = %s, want %s", s.Address(), testAddress)
	}
}

func TestSubmit_Success(t *testing.T) {
	client := &fakeEthClient{}
	s, err := New(testConfig(), WithClient(client))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ref, err := s.Submit(context.Background(), "LEDGER_TRANSFER", nil, 0.75, "HIGH")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !strings.HasPrefix(ref, "0x") {
		t.Errorf("reference = %s, want 0x transaction hash", ref)
	}

	client.mu.Lock()
	tx := client.sentTx
	client.mu.Unlock()
	if tx == nil {
		t.Fatal("no transaction sent")
	}
	if tx.To() == nil || tx.To().Hex() != common.HexToAddress(testContract).Hex() {
		t.Errorf("tx to = %v, want contract", tx.To())
	}
	if tx.Nonce() != 7 {
		t.Errorf("nonce = %d, want 7", tx.Nonce())
	}
	if tx.Value().Sign() != 0 {
		t.Errorf("value = %s, want 0", tx.Value())
	}
	if ref != tx.Hash().Hex() {
		t.Errorf("reference %s != tx hash %s", ref, tx.Hash().Hex())
	}

	// Calldata carries the score in basis points.
	method := s.abi.Methods["executeIfSafe"]
	data := tx.Data()
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		t.Fatal("calldata does not target executeIfSafe")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("calldata unpack failed: %v", err)
	}
	score, ok := args[0].(*big.Int)
	if !ok || score.Int64() != 7500 {
		t.Errorf("score arg = %v, want 7500 basis points", args[0])
	}
	if level, ok := args[1].(string); !ok || level != "HIGH" {
		t.Errorf("risk level arg = %v, want HIGH", args[1])
	}
}

func TestSubmit_GasEstimationFallback(t *testing.T) {
	client := &fakeEthClient{estimateErr: errors.New("execution reverted")}
	s, err := New(testConfig(), WithClient(client))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := s.Submit(context.Background(), "OP", nil, 0.1, "LOW"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.sentTx.Gas() != DefaultGasLimit {
		t.Errorf("gas = %d, want default %d", client.sentTx.Gas(), DefaultGasLimit)
	}
}

func TestSubmit_RevertedExecution(t *testing.T) {
	client := &fakeEthClient{revert: true}
	s, err := New(testConfig(), WithClient(client))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = s.Submit(context.Background(), "OP", nil, 0.2, "LOW")
	if !errors.Is(err, ErrExecutionReverted) {
		t.Errorf("error = %v, want %v", err, ErrExecutionReverted)
	}

	var subErr *SubmitError
	if !errors.As(err, &subErr) {
		t.Fatal("error is not a SubmitError")
	}
	if subErr.Op != "confirm" || subErr.TxHash == "" {
		t.Errorf("submit error = %+v", subErr)
	}
}

func TestSubmit_SendFailure(t *testing.T) {
	client := &fakeEthClient{sendErr: errors.New("nonce too low")}
	s, err := New(testConfig(), WithClient(client))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = s.Submit(context.Background(), "OP", nil, 0.2, "LOW")
	var subErr *SubmitError
	if !errors.As(err, &subErr) {
		t.Fatalf("error = %v, want SubmitError", err)
	}
	if subErr.Op != "send" {
		t.Errorf("op = %s, want send", subErr.Op)
	}
}

func TestSubmit_ConfirmationTimeout(t *testing.T) {
	client := &fakeEthClient{receiptErr: ethereum.NotFound}
	s, err := New(testConfig(), WithClient(client))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = s.Submit(ctx, "OP", nil, 0.2, "LOW")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want %v", err, ErrTimeout)
	}
}

func TestSubmitter_Close(t *testing.T) {
	client := &fakeEthClient{}
	s, err := New(testConfig(), WithClient(client))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s.Close()
	if !client.closed {
		t.Error("client not closed")
	}
}

func TestSimulator_Submit(t *testing.T) {
	sim := NewSimulator(slog.Default())

	ref1, err := sim.Submit(context.Background(), "LEDGER_TRANSFER", nil, 0.3, "LOW")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !strings.HasPrefix(ref1, "0x") || len(ref1) != 66 {
		t.Errorf("reference = %s, want 0x-prefixed 32-byte hash", ref1)
	}

	ref2, err := sim.Submit(context.Background(), "LEDGER_TRANSFER", nil, 0.3, "LOW")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if ref1 == ref2 {
		t.Error("simulated references must be unique")
	}
}
