// Package payment holds the collaborators that move funds for a settlement
// and the reference-keyed idempotency wrapper around them.
package payment

import (
	"context"
	"math/big"
	"strings"

	xerrors "NUMA-Market/internal/errors"
)

// Request asks for Amount to move from PayerID to PayeeID. Reference is the
// dedup key: retrying with the same reference must not move funds twice.
type Request struct {
	PayerID   string
	PayeeID   string
	Amount    *big.Int
	Reference string
}

// Validate checks the request before any funds move.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.PayerID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "payer id is required")
	case strings.TrimSpace(r.PayeeID) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "payee id is required")
	case strings.TrimSpace(r.Reference) == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "payment reference is required")
	case r.Amount == nil || r.Amount.Sign() < 0:
		return xerrors.New(xerrors.CodeInvalidArgument, "payment amount must be a non-negative integer")
	}
	return nil
}

// Receipt is the answer of a payment collaborator. Success false with a nil
// error is a decline; a non-nil error means the outcome is unknown.
type Receipt struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference"`
	TxHash    string `json:"tx_hash,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Payment authorises and transfers funds in one step.
type Payment interface {
	AuthorizeAndTransfer(ctx context.Context, req Request) (Receipt, error)
}

// Lookup resolves the outcome of an earlier request by reference. found is
// false while the outcome is still unknown.
type Lookup interface {
	Status(ctx context.Context, reference string) (receipt Receipt, found bool, err error)
}

// Func adapts a function to Payment.
type Func func(ctx context.Context, req Request) (Receipt, error)

func (f Func) AuthorizeAndTransfer(ctx context.Context, req Request) (Receipt, error) {
	return f(ctx, req)
}
