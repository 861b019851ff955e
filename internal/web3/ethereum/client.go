package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"NUMA-Market/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABIJSON = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

const (
	defaultGasLimit     = 100_000
	defaultPollInterval = 2 * time.Second
)

// Backend is the subset of ethclient.Client used by the token client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Config describes how to construct an ERC-20 token client.
type Config struct {
	Name         string
	RPCURL       string
	ChainID      int64
	TokenAddress string
	TreasuryKey  string
	GasLimit     uint64
	PollInterval time.Duration
}

// Client implements web3.TokenClient for EVM compatible chains.
type Client struct {
	name     string
	backend  Backend
	token    common.Address
	key      *ecdsa.PrivateKey
	treasury common.Address
	gasLimit uint64
	poll     time.Duration

	chainID *big.Int
	// sendMu keeps nonce allocation and broadcast in one step.
	sendMu sync.Mutex
	mu     sync.Mutex
}

// Dial connects to the configured RPC endpoint and returns a ready-to-use client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client, err := NewClient(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	return client, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	token, ok := web3.ParseAddress(cfg.TokenAddress)
	if !ok {
		return nil, fmt.Errorf("代币合约地址无效: %q", cfg.TokenAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.TreasuryKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析国库私钥失败: %w", err)
	}
	c := &Client{
		name:     cfg.Name,
		backend:  backend,
		token:    token,
		key:      key,
		treasury: crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: cfg.GasLimit,
		poll:     cfg.PollInterval,
	}
	if c.gasLimit == 0 {
		c.gasLimit = defaultGasLimit
	}
	if c.poll <= 0 {
		c.poll = defaultPollInterval
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// Name returns the chain name from the definitions file.
func (c *Client) Name() string { return c.name }

// Treasury returns the paying address.
func (c *Client) Treasury() common.Address { return c.treasury }

// ChainID returns the configured chain id, asking the node once when unset.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// TokenBalance reads balanceOf(owner) from the token contract.
func (c *Client) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("解析代币余额失败: %v", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("代币余额类型异常: %T", values[0])
	}
	return balance, nil
}

// Transfer signs and broadcasts transfer(to, amount), then waits for its receipt.
func (c *Client) Transfer(ctx context.Context, to common.Address, amount *big.Int) (web3.TransferResult, error) {
	if amount == nil || amount.Sign() <= 0 {
		return web3.TransferResult{}, errors.New("转账金额必须为正数")
	}
	signed, err := c.send(ctx, to, amount)
	if err != nil {
		return web3.TransferResult{}, err
	}
	return c.waitMined(ctx, signed.Hash())
}

// TransferStatus checks a previously submitted transfer.
func (c *Client) TransferStatus(ctx context.Context, hash common.Hash) (web3.TransferResult, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, gethcore.NotFound) {
		return web3.TransferResult{Hash: hash, Status: web3.TransferPending}, nil
	}
	if err != nil {
		return web3.TransferResult{Hash: hash, Status: web3.TransferPending}, fmt.Errorf("查询交易回执失败: %w", err)
	}
	return resultFromReceipt(hash, receipt), nil
}

// Close releases the backend connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
}

func (c *Client) send(ctx context.Context, to common.Address, amount *big.Int) (*coretypes.Transaction, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return nil, fmt.Errorf("编码 transfer 失败: %w", err)
	}
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取小费报价失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块失败: %w", err)
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	nonce, err := c.backend.PendingNonceAt(ctx, c.treasury)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       c.gasLimit,
		To:        &c.token,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed, nil
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (web3.TransferResult, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		result, err := c.TransferStatus(ctx, hash)
		if err == nil && result.Status != web3.TransferPending {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return web3.TransferResult{Hash: hash, Status: web3.TransferPending}, fmt.Errorf("等待交易 %s 上链超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func resultFromReceipt(hash common.Hash, receipt *coretypes.Receipt) web3.TransferResult {
	result := web3.TransferResult{Hash: hash, Status: web3.TransferConfirmed, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		result.Status = web3.TransferReverted
	}
	return result
}

var _ web3.TokenClient = (*Client)(nil)
