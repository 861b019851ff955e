package payment

import (
	"context"
	"log/slog"
	"sync"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/web3"
	"NUMA-Market/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Chain pays providers in ERC-20 tokens from the marketplace treasury. The
// payee id must be a hex address (listings set it through PayTo).
type Chain struct {
	client web3.TokenClient
	logger *slog.Logger

	mu   sync.Mutex
	refs map[string]common.Hash
}

// NewChain creates a chain payment over client.
func NewChain(client web3.TokenClient) *Chain {
	return &Chain{client: client, logger: logger.Named("payment.chain"), refs: make(map[string]common.Hash)}
}

// AuthorizeAndTransfer submits the transfer and waits for its receipt.
func (c *Chain) AuthorizeAndTransfer(ctx context.Context, req Request) (Receipt, error) {
	if err := req.Validate(); err != nil {
		return Receipt{}, err
	}
	payee, ok := web3.ParseAddress(req.PayeeID)
	if !ok {
		return Receipt{Reference: req.Reference, Reason: "payee " + req.PayeeID + " is not a hex address"}, nil
	}
	if req.Amount.Sign() == 0 {
		return Receipt{Success: true, Reference: req.Reference}, nil
	}
	if receipt, known, err := c.resume(ctx, req.Reference); known || err != nil {
		return receipt, err
	}

	result, err := c.client.Transfer(ctx, payee, req.Amount)
	if result.Hash != (common.Hash{}) {
		c.mu.Lock()
		c.refs[req.Reference] = result.Hash
		c.mu.Unlock()
	}
	if err != nil {
		if result.Hash == (common.Hash{}) {
			// nothing was broadcast
			return Receipt{Reference: req.Reference, Reason: err.Error()}, nil
		}
		return Receipt{}, xerrors.Wrap(xerrors.CodeTimeout, err, "transfer "+result.Hash.Hex()+" unconfirmed",
			xerrors.WithMetadata("reference", req.Reference))
	}

	c.logger.Info("token transfer mined",
		slog.String("reference", req.Reference),
		slog.String("tx_hash", result.Hash.Hex()),
		slog.String("status", string(result.Status)),
		slog.Uint64("block", result.BlockNumber))
	return toReceipt(req.Reference, result), nil
}

// Status implements Lookup by checking the transaction behind reference.
func (c *Chain) Status(ctx context.Context, reference string) (Receipt, bool, error) {
	c.mu.Lock()
	hash, ok := c.refs[reference]
	c.mu.Unlock()
	if !ok {
		return Receipt{}, false, nil
	}
	result, err := c.client.TransferStatus(ctx, hash)
	if err != nil {
		return Receipt{}, false, err
	}
	if result.Status == web3.TransferPending {
		return Receipt{}, false, nil
	}
	return toReceipt(reference, result), true, nil
}

// resume answers a reference whose transaction was already broadcast
// instead of sending a second one.
func (c *Chain) resume(ctx context.Context, reference string) (Receipt, bool, error) {
	c.mu.Lock()
	hash, ok := c.refs[reference]
	c.mu.Unlock()
	if !ok {
		return Receipt{}, false, nil
	}
	receipt, found, err := c.Status(ctx, reference)
	if err != nil {
		return Receipt{}, true, xerrors.Wrap(xerrors.CodeTimeout, err, "check transfer "+hash.Hex())
	}
	if !found {
		return Receipt{}, true, xerrors.New(xerrors.CodeTimeout, "transfer "+hash.Hex()+" still pending",
			xerrors.WithMetadata("reference", reference))
	}
	return receipt, true, nil
}

func toReceipt(reference string, result web3.TransferResult) Receipt {
	r := Receipt{Reference: reference, TxHash: result.Hash.Hex(), Success: result.Status == web3.TransferConfirmed}
	if !r.Success {
		r.Reason = "transfer " + string(result.Status)
	}
	return r
}

var (
	_ Payment = (*Chain)(nil)
	_ Lookup  = (*Chain)(nil)
)
