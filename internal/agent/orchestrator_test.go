package agent

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"NUMA-Market/internal/account"
	"NUMA-Market/internal/catalog"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/executor"
	"NUMA-Market/internal/matching"
	"NUMA-Market/internal/payment"
	"NUMA-Market/internal/reputation"
	"NUMA-Market/internal/settlement"
	"NUMA-Market/pkg/logger"
)

type market struct {
	orchestrator *Orchestrator
	ledger       *reputation.Ledger
	records      *settlement.MemoryLog
	lastCall     executor.Call
}

func newMarket(t *testing.T, exec executor.Func) *market {
	t.Helper()
	m := &market{
		ledger:  reputation.NewLedger(reputation.WithLogger(logger.Discard())),
		records: settlement.NewMemoryLog(),
	}
	if exec == nil {
		exec = func(_ context.Context, call executor.Call) (executor.Result, error) {
			m.lastCall = call
			return executor.Result{Data: []byte(`{"temp":21}`), StatusCode: 200}, nil
		}
	}
	registry := account.NewRegistry(account.WithLogger(logger.Discard()))
	cat := catalog.New(catalog.WithScoreSource(m.ledger), catalog.WithLogger(logger.Discard()))
	engine := matching.NewEngine(cat, matching.WithLogger(logger.Discard()))
	coordinator := settlement.NewCoordinator(registry, payment.NewLedger(), exec,
		settlement.WithReputation(m.ledger),
		settlement.WithCallStats(cat),
		settlement.WithRecordLog(m.records),
		settlement.WithLogger(logger.Discard()),
		settlement.WithAuditLogger(logger.Discard()))
	m.orchestrator = New(registry, cat, engine, coordinator,
		WithSeeder(m.ledger),
		WithLogger(logger.Discard()))
	return m
}

func (m *market) listing(t *testing.T, provider string, price int64, reputation float64) {
	t.Helper()
	_, err := m.orchestrator.RegisterListing(context.Background(), catalog.Listing{
		ProviderID: provider,
		APIID:      "forecast",
		Category:   "weather",
		Endpoint:   "https://" + provider + ".example",
		Price:      big.NewInt(price),
		Reputation: reputation,
		Active:     true,
	})
	if err != nil {
		t.Fatalf("register listing: %v", err)
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	m := newMarket(t, nil)
	ctx := context.Background()
	if _, err := m.orchestrator.RegisterAgent(ctx, account.Profile{ID: "agent-1", Name: "researcher"}, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	m.listing(t, "weather-co", 500_000, 90)

	result, err := m.orchestrator.Execute(ctx, PurchaseRequest{
		AgentID:  "agent-1",
		Category: "weather",
		Payload:  json.RawMessage(`{"city":"Lisbon"}`),
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success || result.Price.Int64() != 500_000 || result.Balance.Int64() != 500_000 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Strategy != string(matching.Balanced) {
		t.Fatalf("expected default strategy, got %s", result.Strategy)
	}
	if string(result.Data) != `{"temp":21}` {
		t.Fatalf("unexpected data: %s", result.Data)
	}
	if string(m.lastCall.Payload) != `{"city":"Lisbon"}` || m.lastCall.Reference != result.Reference {
		t.Fatalf("unexpected call: %+v", m.lastCall)
	}
	if m.records.Len() != 1 {
		t.Fatalf("expected one record, got %d", m.records.Len())
	}
	if score, _ := m.ledger.ScoreOf("weather-co"); score <= 90 {
		t.Fatalf("expected reputation to rise, got %.2f", score)
	}

	_, err = m.orchestrator.Execute(ctx, PurchaseRequest{AgentID: "agent-1", Budget: big.NewInt(100)})
	if !errors.Is(err, xerrors.ErrNoListingsAvailable) {
		t.Fatalf("expected no listings under budget, got %v", err)
	}
}

func TestExecuteCapsPriceAtBalance(t *testing.T) {
	m := newMarket(t, nil)
	ctx := context.Background()
	if _, err := m.orchestrator.RegisterAgent(ctx, account.Profile{ID: "agent-1"}, big.NewInt(300)); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	m.listing(t, "cheap", 200, 85)
	m.listing(t, "premium", 400, 99)

	listings, strategy, err := m.orchestrator.Discover(ctx, "agent-1", "", big.NewInt(10_000))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if strategy != matching.Balanced || len(listings) != 1 || listings[0].ProviderID != "cheap" {
		t.Fatalf("budget above balance must be capped: %s %+v", strategy, listings)
	}

	result, err := m.orchestrator.Execute(ctx, PurchaseRequest{AgentID: "agent-1", Strategy: "high-reliability"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ProviderID != "cheap" || result.Strategy != string(matching.HighReliability) {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteHonoursMinimumReputation(t *testing.T) {
	m := newMarket(t, nil)
	ctx := context.Background()
	if _, err := m.orchestrator.RegisterAgent(ctx, account.Profile{ID: "picky", MinReputation: 95}, big.NewInt(1_000)); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	m.listing(t, "average", 10, 90)

	if _, err := m.orchestrator.Execute(ctx, PurchaseRequest{AgentID: "picky"}); !xerrors.IsCode(err, xerrors.CodeNoListingsAvailable) {
		t.Fatalf("expected NO_LISTINGS_AVAILABLE, got %v", err)
	}
}

func TestExecuteReturnsResultWithExecutionFailure(t *testing.T) {
	m := newMarket(t, func(context.Context, executor.Call) (executor.Result, error) {
		return executor.Result{Data: []byte("upstream exploded")}, errors.New("status 502")
	})
	ctx := context.Background()
	if _, err := m.orchestrator.RegisterAgent(ctx, account.Profile{ID: "agent-1"}, big.NewInt(1_000)); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	m.listing(t, "flaky", 100, 90)

	result, err := m.orchestrator.Execute(ctx, PurchaseRequest{AgentID: "agent-1", Reference: "ref-1"})
	if !xerrors.IsCode(err, xerrors.CodeExecutionFailed) {
		t.Fatalf("expected EXECUTION_FAILED, got %v", err)
	}
	if result == nil || result.Success || result.Reference != "ref-1" || result.Balance.Int64() != 900 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if string(result.Data) != `"upstream exploded"` {
		t.Fatalf("non-JSON data must be encoded as a string, got %s", result.Data)
	}
}

func TestRegistrationErrors(t *testing.T) {
	m := newMarket(t, nil)
	ctx := context.Background()
	if _, err := m.orchestrator.RegisterAgent(ctx, account.Profile{ID: "dup"}, big.NewInt(1)); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if _, err := m.orchestrator.RegisterAgent(ctx, account.Profile{ID: "dup"}, big.NewInt(1)); !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
	if _, err := m.orchestrator.Execute(ctx, PurchaseRequest{AgentID: "ghost"}); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if _, err := m.orchestrator.Execute(ctx, PurchaseRequest{AgentID: "dup", Budget: big.NewInt(-1)}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
	if _, err := m.orchestrator.RegisterListing(ctx, catalog.Listing{ProviderID: "p"}); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestRegisterListingSeedsOnlyNewProviders(t *testing.T) {
	m := newMarket(t, nil)
	m.listing(t, "weather-co", 10, 0)
	if score, _ := m.ledger.ScoreOf("weather-co"); score != DefaultInitialReputation {
		t.Fatalf("expected default score, got %.2f", score)
	}
	m.listing(t, "weather-co", 20, 99)
	if score, _ := m.ledger.ScoreOf("weather-co"); score != DefaultInitialReputation {
		t.Fatalf("re-registration must not reset reputation, got %.2f", score)
	}
}

type brokenListings struct{}

func (brokenListings) Upsert(context.Context, catalog.Listing) (catalog.Listing, error) {
	return catalog.Listing{}, xerrors.New(xerrors.CodeStorageFailure, "catalog unavailable")
}

func TestRegisterListingCatalogFailureSeedsNothing(t *testing.T) {
	ledger := reputation.NewLedger(reputation.WithLogger(logger.Discard()))
	o := New(nil, brokenListings{}, nil, nil, WithSeeder(ledger), WithLogger(logger.Discard()))
	_, err := o.RegisterListing(context.Background(), catalog.Listing{
		ProviderID: "weather-co",
		APIID:      "forecast",
		Category:   "weather",
		Endpoint:   "https://weather-co.example",
		Price:      big.NewInt(10),
		Active:     true,
	})
	if !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
	if _, ok := ledger.ScoreOf("weather-co"); ok {
		t.Fatalf("failed registration must not seed reputation")
	}
}

func TestExecuteRetryWithReferenceReplays(t *testing.T) {
	m := newMarket(t, nil)
	ctx := context.Background()
	for _, id := range []string{"agent-1", "agent-2"} {
		if _, err := m.orchestrator.RegisterAgent(ctx, account.Profile{ID: id}, big.NewInt(1_000)); err != nil {
			t.Fatalf("register agent: %v", err)
		}
	}
	m.listing(t, "weather-co", 600, 90)

	req := PurchaseRequest{AgentID: "agent-1", Category: "weather", Reference: "order-7"}
	first, err := m.orchestrator.Execute(ctx, req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 余额已不足以再次撮合，重试只能走原结算
	again, err := m.orchestrator.Execute(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.SettlementID != first.SettlementID || !again.Success {
		t.Fatalf("retry returned %+v, want settlement %s", again, first.SettlementID)
	}
	if again.Balance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("retry must not charge again, balance %s", again.Balance)
	}
	if m.records.Len() != 1 {
		t.Fatalf("expected one record, got %d", m.records.Len())
	}

	_, err = m.orchestrator.Execute(ctx, PurchaseRequest{AgentID: "agent-2", Category: "weather", Reference: "order-7"})
	if !xerrors.IsCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected CONFLICT for foreign reference, got %v", err)
	}
}
