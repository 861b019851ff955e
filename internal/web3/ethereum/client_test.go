package ethereum

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"NUMA-Market/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const tokenAddress = "0x00000000000000000000000000000000000000aa"

type fakeBackend struct {
	mu        sync.Mutex
	chainID   *big.Int
	nonce     uint64
	sent      []*coretypes.Transaction
	receipts  map[common.Hash]*coretypes.Receipt
	pending   int
	status    uint64
	balanceOf *big.Int
	calls     []gethcore.CallMsg
	closed    bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		receipts: make(map[common.Hash]*coretypes.Receipt),
		status:   coretypes.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(10), BaseFee: big.NewInt(7)}, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	f.receipts[tx.Hash()] = &coretypes.Receipt{Status: f.status, BlockNumber: big.NewInt(11), GasUsed: 51_000}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return nil, gethcore.NotFound
	}
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (f *fakeBackend) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return erc20ABI.Methods["balanceOf"].Outputs.Pack(f.balanceOf)
}

func (f *fakeBackend) Close() { f.closed = true }

func newTestClient(t *testing.T, backend *fakeBackend) (*Client, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	client, err := NewClient(backend, Config{
		Name:         "local",
		TokenAddress: tokenAddress,
		TreasuryKey:  common.Bytes2Hex(crypto.FromECDSA(key)),
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, crypto.PubkeyToAddress(key.PublicKey)
}

func TestTransferSignsERC20Call(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = 2
	client, treasury := newTestClient(t, backend)
	if client.Treasury() != treasury {
		t.Fatalf("unexpected treasury %s", client.Treasury().Hex())
	}

	payee := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	result, err := client.Transfer(context.Background(), payee, big.NewInt(500_000))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if result.Status != web3.TransferConfirmed || result.BlockNumber != 11 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(backend.sent))
	}

	tx := backend.sent[0]
	if tx.To() == nil || *tx.To() != common.HexToAddress(tokenAddress) {
		t.Fatalf("transaction must target the token contract, got %v", tx.To())
	}
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != treasury {
		t.Fatalf("transaction signed by %s, want %s", sender.Hex(), treasury.Hex())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(1_000_000_014)) != 0 {
		t.Fatalf("unexpected fee cap %s", tx.GasFeeCap())
	}

	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		t.Fatalf("decode call data: %v", err)
	}
	if args[0].(common.Address) != payee || args[1].(*big.Int).Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("unexpected transfer arguments %v", args)
	}
}

func TestTransferReportsRevert(t *testing.T) {
	backend := newFakeBackend()
	backend.status = coretypes.ReceiptStatusFailed
	client, _ := newTestClient(t, backend)

	result, err := client.Transfer(context.Background(), common.HexToAddress("0x01"), big.NewInt(1))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if result.Status != web3.TransferReverted {
		t.Fatalf("expected reverted, got %s", result.Status)
	}
}

func TestTransferTimeoutKeepsHash(t *testing.T) {
	backend := newFakeBackend()
	backend.pending = 1 << 30
	client, _ := newTestClient(t, backend)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := client.Transfer(ctx, common.HexToAddress("0x01"), big.NewInt(1))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if result.Status != web3.TransferPending || result.Hash == (common.Hash{}) {
		t.Fatalf("expected pending result with hash, got %+v", result)
	}

	backend.pending = 0
	status, err := client.TransferStatus(context.Background(), result.Hash)
	if err != nil {
		t.Fatalf("transfer status: %v", err)
	}
	if status.Status != web3.TransferConfirmed {
		t.Fatalf("expected confirmed after mining, got %s", status.Status)
	}
}

func TestTokenBalanceAndValidation(t *testing.T) {
	backend := newFakeBackend()
	backend.balanceOf = big.NewInt(42)
	client, treasury := newTestClient(t, backend)

	balance, err := client.TokenBalance(context.Background(), treasury)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Int64() != 42 {
		t.Fatalf("unexpected balance %s", balance)
	}
	if len(backend.calls) != 1 || *backend.calls[0].To != common.HexToAddress(tokenAddress) {
		t.Fatalf("balanceOf must call the token contract")
	}

	if _, err := client.Transfer(context.Background(), treasury, big.NewInt(0)); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
	if _, err := NewClient(backend, Config{TokenAddress: "not-an-address"}); err == nil {
		t.Fatal("expected invalid token address to fail")
	}

	client.Close()
	if !backend.closed {
		t.Fatal("expected backend to be closed")
	}
}
