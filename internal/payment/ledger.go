package payment

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// Transfer is one entry of the in-process ledger.
type Transfer struct {
	Reference string
	PayerID   string
	PayeeID   string
	Amount    *big.Int
	At        time.Time
}

// Ledger is an in-process double-entry transfer book. The agent wallet is
// the source of funds, so the ledger never declines; it only books the
// movement and credits the payee once per reference.
type Ledger struct {
	mu        sync.Mutex
	transfers map[string]Transfer
	earnings  map[string]*big.Int
	spent     map[string]*big.Int
	now       func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		transfers: make(map[string]Transfer),
		earnings:  make(map[string]*big.Int),
		spent:     make(map[string]*big.Int),
		now:       time.Now,
	}
}

// AuthorizeAndTransfer books the transfer. A repeated reference returns the
// original receipt without booking again.
func (l *Ledger) AuthorizeAndTransfer(ctx context.Context, req Request) (Receipt, error) {
	if err := req.Validate(); err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.transfers[req.Reference]; ok {
		return Receipt{Success: true, Reference: req.Reference}, nil
	}
	amount := new(big.Int).Set(req.Amount)
	l.transfers[req.Reference] = Transfer{
		Reference: req.Reference,
		PayerID:   req.PayerID,
		PayeeID:   req.PayeeID,
		Amount:    amount,
		At:        l.now(),
	}
	add(l.earnings, req.PayeeID, amount)
	add(l.spent, req.PayerID, amount)
	return Receipt{Success: true, Reference: req.Reference}, nil
}

// Status implements Lookup.
func (l *Ledger) Status(_ context.Context, reference string) (Receipt, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.transfers[reference]; !ok {
		return Receipt{}, false, nil
	}
	return Receipt{Success: true, Reference: reference}, true, nil
}

// Earnings returns the total credited to payee.
func (l *Ledger) Earnings(payee string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyOrZero(l.earnings[payee])
}

// Spent returns the total paid by payer.
func (l *Ledger) Spent(payer string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyOrZero(l.spent[payer])
}

// Transfers lists booked transfers in booking order.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transfer, 0, len(l.transfers))
	for _, t := range l.transfers {
		t.Amount = new(big.Int).Set(t.Amount)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Reference < out[j].Reference
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

func add(totals map[string]*big.Int, id string, amount *big.Int) {
	if cur, ok := totals[id]; ok {
		cur.Add(cur, amount)
		return
	}
	totals[id] = new(big.Int).Set(amount)
}

func copyOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

var (
	_ Payment = (*Ledger)(nil)
	_ Lookup  = (*Ledger)(nil)
)
