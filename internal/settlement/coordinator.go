// Package settlement turns a match into a paid, executed and recorded call.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"NUMA-Market/internal/account"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/executor"
	"NUMA-Market/internal/matching"
	"NUMA-Market/internal/observability/alerting"
	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/internal/payment"
	"NUMA-Market/internal/reputation"
	"NUMA-Market/pkg/logger"
)

// Defaults for the external call deadlines.
const (
	DefaultPaymentTimeout = 10 * time.Second
	DefaultCallTimeout    = 30 * time.Second
	DefaultRecordRetries  = 3

	// DefaultResolveInterval is how often RunResolver retries pending payments.
	DefaultResolveInterval = 30 * time.Second
)

// Accounts resolves agents and persists their balance after a settlement.
type Accounts interface {
	Get(agentID string) (*account.Agent, error)
	Persist(ctx context.Context, agentID string) error
}

// Reputation receives the outcome of every paid call.
type Reputation interface {
	Update(ctx context.Context, providerID string, success bool) (reputation.Score, error)
}

// CallStats maintains per-listing activity counters.
type CallStats interface {
	RecordCall(ctx context.Context, providerID, apiID string, success bool, charged *big.Int) error
}

// Outcome is what a settlement returns to its caller.
type Outcome struct {
	SettlementID string        `json:"settlement_id"`
	AgentID      string        `json:"agent_id"`
	ProviderID   string        `json:"provider_id"`
	APIID        string        `json:"api_id"`
	Reference    string        `json:"reference"`
	Success      bool          `json:"success"`
	Data         []byte        `json:"data,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	Error        string        `json:"error,omitempty"`
	Price        *big.Int      `json:"price"`
	Elapsed      time.Duration `json:"elapsed"`
	Balance      *big.Int      `json:"balance"`
	TxHash       string        `json:"tx_hash,omitempty"`
}

// Coordinator runs settlements. Settlements of one agent are serialised on
// the agent's account lock from the balance check until payment completes.
type Coordinator struct {
	accounts Accounts
	payment  payment.Payment
	executor executor.Executor

	reputation Reputation
	stats      CallStats
	logs       []RecordLog
	alerts     alerting.Dispatcher

	paymentTimeout time.Duration
	callTimeout    time.Duration
	recordRetries  int

	refs *references

	logger *slog.Logger
	audit  *slog.Logger
	newID  func() string
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithReputation wires the reputation ledger.
func WithReputation(r Reputation) Option {
	return func(c *Coordinator) { c.reputation = r }
}

// WithCallStats wires the catalog activity counters.
func WithCallStats(s CallStats) Option {
	return func(c *Coordinator) { c.stats = s }
}

// WithRecordLog adds record logs; every record is appended to each of them.
func WithRecordLog(logs ...RecordLog) Option {
	return func(c *Coordinator) {
		for _, l := range logs {
			if l != nil {
				c.logs = append(c.logs, l)
			}
		}
	}
}

// WithAlerts wires the alert dispatcher.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(c *Coordinator) { c.alerts = d }
}

// WithPaymentTimeout bounds the payment call.
func WithPaymentTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.paymentTimeout = d
		}
	}
}

// WithCallTimeout bounds the provider call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithRecordRetries sets how often a record append is attempted per log.
func WithRecordRetries(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.recordRetries = n
		}
	}
}

// WithReferenceCapacity bounds how many finished references are kept for
// replay.
func WithReferenceCapacity(n int) Option {
	return func(c *Coordinator) { c.refs = newReferences(n) }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuditLogger overrides the audit logger records are written to.
func WithAuditLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.audit = l
		}
	}
}

// NewCoordinator creates a coordinator over the given collaborators.
func NewCoordinator(accounts Accounts, pay payment.Payment, exec executor.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		accounts:       accounts,
		payment:        pay,
		executor:       exec,
		paymentTimeout: DefaultPaymentTimeout,
		callTimeout:    DefaultCallTimeout,
		recordRetries:  DefaultRecordRetries,
		refs:           newReferences(DefaultReferenceCapacity),
		logger:         logger.Named("settlement"),
		audit:          logger.Audit(),
		newID:          uuid.NewString,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SettleOption adjusts a single settlement.
type SettleOption func(*settleParams)

type settleParams struct {
	reference string
}

// WithReference sets the payment reference. A settlement that charged the
// agent owns its reference: retrying with it replays the recorded outcome
// instead of charging again.
func WithReference(ref string) SettleOption {
	return func(p *settleParams) { p.reference = strings.TrimSpace(ref) }
}

// Settle pays for the matched call, executes it and records the outcome.
//
// Errors before payment (NOT_FOUND, INSUFFICIENT_FUNDS, PROVIDER_UNAVAILABLE,
// TIMEOUT while waiting for the agent lock) leave no trace. A declined
// payment refunds the reservation and records an uncharged attempt. When the
// payment outcome is unknown the reservation stays held and PAYMENT_PENDING
// is returned; Resolve, or a retry with the same reference, finishes it. Once
// payment succeeds the settlement no longer follows ctx: the call runs under
// its own deadline and the record is always written. A failed call returns
// the outcome together with EXECUTION_FAILED; the charge stands.
func (c *Coordinator) Settle(ctx context.Context, agentID string, match matching.Match, payload []byte, opts ...SettleOption) (Outcome, error) {
	start := time.Now()
	params := settleParams{}
	for _, opt := range opts {
		opt(&params)
	}

	listing := match.Listing
	price := match.EstimatedCost
	if price == nil {
		price = listing.Price
	}
	if price == nil || price.Sign() < 0 {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "match carries no valid price")
	}
	price = new(big.Int).Set(price)

	agent, err := c.accounts.Get(agentID)
	if err != nil {
		return Outcome{}, err
	}

	reference := params.reference
	if reference == "" {
		reference = c.newID()
	}
	if out, done, err := c.claimReference(ctx, agentID, reference, params.reference != ""); done {
		return out, err
	}
	claimed := true
	defer func() {
		if claimed {
			c.refs.drop(reference)
		}
	}()

	acct := agent.Account
	if err := acct.Acquire(ctx); err != nil {
		return Outcome{}, err
	}
	locked := true
	defer func() {
		if locked {
			acct.Release()
		}
	}()

	if err := ctx.Err(); err != nil {
		return Outcome{}, xerrors.Wrap(xerrors.CodeTimeout, err, "settlement cancelled before payment")
	}

	release := func() {}
	if avail, ok := c.executor.(executor.Availability); ok {
		var admitted bool
		if release, admitted = avail.Reserve(listing.ProviderID); !admitted {
			metrics.ObserveSettlement("provider_unavailable", time.Since(start))
			return Outcome{}, xerrors.New(xerrors.CodeProviderUnavailable, "provider "+listing.ProviderID+" is unavailable")
		}
	}
	reserved := true
	defer func() {
		if reserved {
			release()
		}
	}()

	if !acct.Covers(price) || !acct.Debit(price) {
		metrics.ObserveSettlement("insufficient_funds", time.Since(start))
		return Outcome{}, xerrors.Newf(xerrors.CodeInsufficientFunds, "agent %s balance %s below price %s",
			agentID, acct.Balance(), price)
	}

	out := Outcome{
		SettlementID: c.newID(),
		AgentID:      agentID,
		ProviderID:   listing.ProviderID,
		APIID:        listing.APIID,
		Reference:    reference,
		Price:        price,
	}
	req := payment.Request{
		PayerID:   agentID,
		PayeeID:   listing.Payee(),
		Amount:    price,
		Reference: reference,
	}
	call := executor.Call{
		ProviderID: listing.ProviderID,
		APIID:      listing.APIID,
		Endpoint:   listing.Endpoint,
		Payload:    payload,
		Caller:     agentID,
		Reference:  reference,
		Admitted:   true,
	}

	receipt, payErr := c.pay(ctx, req)
	locked = false
	acct.Release()
	// from here on the settlement is finalised regardless of the caller
	fctx := context.WithoutCancel(ctx)

	switch {
	case payErr == nil && receipt.Success:
		claimed, reserved = false, false
		return c.complete(fctx, start, acct, out, call, receipt)
	case payErr != nil && !xerrors.IsCode(payErr, xerrors.CodeInvalidArgument):
		claimed = false
		return c.hold(fctx, start, acct, &pendingSettlement{out: out, req: req, call: call}, payErr)
	default:
		return c.decline(fctx, start, acct, out, receipt, payErr)
	}
}

// claimReference takes ownership of reference for agentID. done reports that
// the reference was already in use and out, err is the answer to return.
func (c *Coordinator) claimReference(ctx context.Context, agentID, reference string, external bool) (out Outcome, done bool, err error) {
	prior, fresh := c.refs.claim(reference, agentID)
	if fresh {
		if !external {
			return Outcome{}, false, nil
		}
		if err := c.checkUnpaid(ctx, reference); err != nil {
			c.refs.drop(reference)
			return Outcome{}, true, err
		}
		return Outcome{}, false, nil
	}
	if prior.agentID != agentID {
		return Outcome{}, true, xerrors.New(xerrors.CodeConflict, "reference "+reference+" belongs to another agent",
			xerrors.WithMetadata("reference", reference))
	}
	switch prior.state {
	case refSettled:
		c.logger.Info("settlement replayed", slog.String("reference", reference), slog.String("settlement_id", prior.outcome.SettlementID))
		return c.replay(prior), true, prior.err
	case refPending:
		out, err := c.Resolve(ctx, reference)
		return out, true, err
	default:
		return Outcome{}, true, xerrors.New(xerrors.CodeConflict, "settlement with reference "+reference+" is in progress",
			xerrors.WithMetadata("reference", reference))
	}
}

// checkUnpaid refuses a caller supplied reference the payment collaborator
// has already completed, e.g. one settled before a restart.
func (c *Coordinator) checkUnpaid(ctx context.Context, reference string) error {
	lookup, ok := c.payment.(payment.Lookup)
	if !ok {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, c.paymentTimeout)
	defer cancel()
	receipt, found, err := lookup.Status(lookupCtx, reference)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "check payment reference "+reference)
	}
	if found && receipt.Success {
		return xerrors.New(xerrors.CodeConflict, "reference "+reference+" was already paid",
			xerrors.WithMetadata("reference", reference))
	}
	return nil
}

func (c *Coordinator) replay(e refEntry) Outcome {
	out := e.outcome
	out.Price = clonePrice(out.Price)
	if agent, err := c.accounts.Get(out.AgentID); err == nil {
		out.Balance = agent.Account.Balance()
	}
	return out
}

// complete runs a paid call and finalises it.
func (c *Coordinator) complete(ctx context.Context, start time.Time, acct *account.Account, out Outcome, call executor.Call, receipt payment.Receipt) (Outcome, error) {
	out.TxHash = receipt.TxHash
	out.ErrorCode, out.Error = "", ""
	metrics.AddCharged(out.ProviderID, out.Price)

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	result, callErr := c.executor.Invoke(callCtx, call)
	cancel()

	out.Success = callErr == nil
	out.Data = result.Data
	if callErr != nil {
		out.ErrorCode = string(xerrors.CodeExecutionFailed)
		out.Error = callErr.Error()
	}
	out.Elapsed = time.Since(start)
	c.finalize(ctx, out, true)
	out.Balance = acct.Balance()

	if callErr != nil {
		metrics.ObserveSettlement("execution_failed", out.Elapsed)
		err := xerrors.Wrap(xerrors.CodeExecutionFailed, callErr, "call to "+out.ProviderID+"/"+out.APIID+" failed after payment",
			xerrors.WithMetadata("settlement_id", out.SettlementID))
		c.notify(ctx, out, err)
		c.refs.settle(out.Reference, out, err)
		return out, err
	}
	metrics.ObserveSettlement("success", out.Elapsed)
	c.refs.settle(out.Reference, out, nil)
	return out, nil
}

// decline refunds the reservation of a payment that moved no funds and
// records the uncharged attempt.
func (c *Coordinator) decline(ctx context.Context, start time.Time, acct *account.Account, out Outcome, receipt payment.Receipt, payErr error) (Outcome, error) {
	if err := acct.Credit(out.Price); err != nil {
		c.logger.Error("refund reservation failed", slog.String("agent_id", out.AgentID), slog.Any("error", err))
	}
	detail := receipt.Reason
	if payErr != nil {
		detail = payErr.Error()
	}
	if detail == "" {
		detail = "payment declined"
	}
	out.Price = new(big.Int)
	out.Success = false
	out.ErrorCode = string(xerrors.CodePaymentFailed)
	out.Error = detail
	out.Elapsed = time.Since(start)
	c.finalize(ctx, out, false)
	out.Balance = acct.Balance()
	metrics.ObserveSettlement("payment_failed", out.Elapsed)
	return out, xerrors.Wrap(xerrors.CodePaymentFailed, errors.New(detail), "payment for "+out.ProviderID+"/"+out.APIID+" failed",
		xerrors.WithMetadata("reference", out.Reference))
}

// hold keeps the reservation of a payment whose outcome is unknown. Funds
// may have moved, so nothing is refunded until the reference resolves.
func (c *Coordinator) hold(ctx context.Context, start time.Time, acct *account.Account, p *pendingSettlement, cause error) (Outcome, error) {
	p.out.ErrorCode = string(xerrors.CodePaymentPending)
	p.out.Error = cause.Error()
	c.refs.park(p.out.Reference, p)

	out := p.out
	out.Price = clonePrice(out.Price)
	out.Elapsed = time.Since(start)
	out.Balance = acct.Balance()
	c.audit.LogAttrs(ctx, slog.LevelWarn, "settlement pending",
		slog.String("settlement_id", out.SettlementID),
		slog.String("agent_id", out.AgentID),
		slog.String("provider_id", out.ProviderID),
		slog.String("api_id", out.APIID),
		slog.String("price", priceString(out.Price)),
		slog.String("reference", out.Reference),
		slog.String("detail", out.Error))
	if err := c.accounts.Persist(ctx, out.AgentID); err != nil {
		c.logger.Warn("persist agent balance failed", slog.String("agent_id", out.AgentID), slog.Any("error", err))
	}
	metrics.ObserveSettlement("payment_pending", out.Elapsed)

	err := xerrors.Wrap(xerrors.CodePaymentPending, cause, "payment outcome unknown, reservation held",
		xerrors.WithMetadata("reference", out.Reference),
		xerrors.WithMetadata("settlement_id", out.SettlementID))
	c.notify(ctx, out, err)
	return out, err
}

// Resolve finishes a pending settlement. The payment is asked again under the
// same reference, which never moves funds twice: a success runs the call and
// records the charge, a decline refunds the reservation, and an unknown
// outcome leaves it pending. Finished references replay their outcome.
func (c *Coordinator) Resolve(ctx context.Context, reference string) (Outcome, error) {
	p, prior, ok := c.refs.resume(reference)
	if !ok {
		switch {
		case prior.state == refSettled && prior.agentID != "":
			return c.replay(prior), prior.err
		case prior.agentID != "":
			return Outcome{}, xerrors.New(xerrors.CodeConflict, "settlement with reference "+reference+" is in progress")
		default:
			return Outcome{}, xerrors.New(xerrors.CodeNotFound, "no pending settlement for reference "+reference)
		}
	}
	agent, err := c.accounts.Get(p.out.AgentID)
	if err != nil {
		c.refs.park(reference, p)
		return Outcome{}, err
	}
	start := time.Now()
	acct := agent.Account

	receipt, payErr := c.pay(ctx, p.req)
	fctx := context.WithoutCancel(ctx)
	switch {
	case payErr == nil && receipt.Success:
		c.logger.Info("pending settlement paid", slog.String("reference", reference))
		return c.complete(fctx, start, acct, p.out, p.call, receipt)
	case payErr != nil && !xerrors.IsCode(payErr, xerrors.CodeInvalidArgument):
		c.refs.park(reference, p)
		out := p.out
		out.Price = clonePrice(out.Price)
		out.Balance = acct.Balance()
		return out, xerrors.Wrap(xerrors.CodePaymentPending, payErr, "payment outcome still unknown",
			xerrors.WithMetadata("reference", reference))
	default:
		c.logger.Info("pending settlement declined, reservation refunded", slog.String("reference", reference))
		defer c.refs.drop(reference)
		return c.decline(fctx, start, acct, p.out, receipt, payErr)
	}
}

// Pending lists references whose payment outcome is still unknown.
func (c *Coordinator) Pending() []string {
	return c.refs.pendingReferences()
}

// ResolvePending tries every pending settlement once and returns how many
// were finished.
func (c *Coordinator) ResolvePending(ctx context.Context) int {
	resolved := 0
	for _, ref := range c.Pending() {
		if ctx.Err() != nil {
			break
		}
		if _, err := c.Resolve(ctx, ref); !xerrors.IsCode(err, xerrors.CodePaymentPending) && !xerrors.IsCode(err, xerrors.CodeConflict) {
			resolved++
		}
	}
	return resolved
}

// RunResolver calls ResolvePending every interval until ctx ends.
func (c *Coordinator) RunResolver(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultResolveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.ResolvePending(ctx); n > 0 {
				c.logger.Info("pending settlements resolved", slog.Int("count", n))
			}
		}
	}
}

// pay runs the payment under its deadline. When the outcome is unknown and
// the collaborator supports Lookup, the reference is checked once more.
func (c *Coordinator) pay(ctx context.Context, req payment.Request) (payment.Receipt, error) {
	payCtx, cancel := context.WithTimeout(ctx, c.paymentTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := c.payment.AuthorizeAndTransfer(payCtx, req)
	metrics.ObserveExternalCall("payment", err == nil && receipt.Success, time.Since(start))
	if err == nil || xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		return receipt, err
	}

	lookup, ok := c.payment.(payment.Lookup)
	if !ok {
		return receipt, err
	}
	lookupCtx, lookupCancel := context.WithTimeout(context.WithoutCancel(ctx), c.paymentTimeout)
	defer lookupCancel()
	resolved, found, lerr := lookup.Status(lookupCtx, req.Reference)
	if lerr == nil && found {
		c.logger.Info("ambiguous payment resolved",
			slog.String("reference", req.Reference),
			slog.Bool("success", resolved.Success))
		return resolved, nil
	}
	c.logger.Warn("payment outcome unknown",
		slog.String("reference", req.Reference),
		slog.Any("error", err),
		slog.Any("lookup_error", lerr))
	return receipt, err
}

// finalize writes the record and, for paid calls, feeds the outcome to the
// reputation ledger and the listing counters.
func (c *Coordinator) finalize(ctx context.Context, out Outcome, paid bool) {
	record := Record{
		SettlementID: out.SettlementID,
		AgentID:      out.AgentID,
		ProviderID:   out.ProviderID,
		APIID:        out.APIID,
		Price:        clonePrice(out.Price),
		Timestamp:    c.now().UnixMilli(),
		Success:      out.Success,
		ErrorCode:    out.ErrorCode,
		Detail:       out.Error,
		Reference:    out.Reference,
		TxHash:       out.TxHash,
		ElapsedMs:    out.Elapsed.Milliseconds(),
	}
	c.audit.LogAttrs(ctx, slog.LevelInfo, "settlement recorded", record.attrs()...)

	for _, l := range c.logs {
		if err := c.appendWithRetry(ctx, l, record); err != nil {
			rerr := xerrors.Wrap(xerrors.CodeRecordFailure, err, "settlement record not persisted",
				xerrors.WithMetadata("settlement_id", record.SettlementID))
			c.logger.Error("append settlement record failed", slog.Any("record", record), slog.Any("error", err))
			c.notify(ctx, out, rerr)
		}
	}

	if paid {
		if c.reputation != nil {
			if _, err := c.reputation.Update(ctx, out.ProviderID, out.Success); err != nil {
				c.logger.Warn("reputation update failed", slog.String("provider_id", out.ProviderID), slog.Any("error", err))
			}
		}
		if c.stats != nil {
			if err := c.stats.RecordCall(ctx, out.ProviderID, out.APIID, out.Success, out.Price); err != nil {
				c.logger.Warn("listing counters not updated", slog.String("provider_id", out.ProviderID), slog.Any("error", err))
			}
		}
	}
	if err := c.accounts.Persist(ctx, out.AgentID); err != nil {
		c.logger.Warn("persist agent balance failed", slog.String("agent_id", out.AgentID), slog.Any("error", err))
	}
}

func (c *Coordinator) appendWithRetry(ctx context.Context, l RecordLog, record Record) error {
	var err error
	backoff := 10 * time.Millisecond
	for attempt := 1; attempt <= c.recordRetries; attempt++ {
		err = l.Append(ctx, record)
		// a retry may find the record already stored
		if err == nil || xerrors.IsCode(err, xerrors.CodeConflict) {
			return nil
		}
		if attempt < c.recordRetries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

func (c *Coordinator) notify(ctx context.Context, out Outcome, err error) {
	if c.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	subject := "settlement/" + out.SettlementID
	if out.SettlementID == "" {
		subject = "payment/" + out.Reference
	}
	event := alerting.NewEvent(subject, err)
	event.AgentID = out.AgentID
	event.ProviderID = out.ProviderID
	event.Metadata = map[string]string{"reference": out.Reference}
	if nerr := c.alerts.Notify(ctx, event); nerr != nil {
		c.logger.Warn("alert dispatch failed", slog.String("subject", subject), slog.Any("error", nerr))
	}
}
