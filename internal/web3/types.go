package web3

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// TransferStatus is the on-chain state of a token transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferReverted  TransferStatus = "reverted"
)

// TransferResult describes a submitted transfer.
type TransferResult struct {
	Hash        common.Hash
	Status      TransferStatus
	BlockNumber uint64
	GasUsed     uint64
}

// TokenClient defines what the payment layer needs from a chain: moving
// tokens out of the treasury and checking on earlier transfers.
type TokenClient interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	Treasury() common.Address
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	// Transfer submits transfer(to, amount) and waits for the receipt. When
	// ctx ends first the result carries the hash with TransferPending.
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (TransferResult, error)
	TransferStatus(ctx context.Context, hash common.Hash) (TransferResult, error)
	Close()
}

// ParseAddress validates a 0x-prefixed hex address.
func ParseAddress(value string) (common.Address, bool) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, false
	}
	return common.HexToAddress(value), true
}
