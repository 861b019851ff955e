package matching

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"NUMA-Market/internal/catalog"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/pkg/logger"
)

func listing(provider, api string, price int64, reputation float64) catalog.Listing {
	return catalog.Listing{
		ProviderID: provider,
		APIID:      api,
		Category:   "weather",
		Endpoint:   "https://" + provider + ".example",
		Price:      big.NewInt(price),
		Reputation: reputation,
		Active:     true,
	}
}

func newCatalog(t *testing.T, listings ...catalog.Listing) *catalog.Catalog {
	t.Helper()
	c := catalog.New(catalog.WithLogger(logger.Discard()))
	for _, l := range listings {
		_, err := c.Upsert(context.Background(), l)
		require.NoError(t, err)
	}
	return c
}

func TestBalancedPrefersValuePerPrice(t *testing.T) {
	c := newCatalog(t, listing("a", "api", 10, 90), listing("b", "api", 5, 40))
	e := NewEngine(c, WithLogger(logger.Discard()))

	m, err := e.Select(context.Background(), Request{Category: "weather", Strategy: "balanced"})
	require.NoError(t, err)
	assert.Equal(t, "a", m.Listing.ProviderID)
	assert.Equal(t, "10", m.EstimatedCost.String())
	assert.Greater(t, Value(listing("a", "api", 10, 90)), Value(listing("b", "api", 5, 40)))
}

func TestStrategiesPickExpectedListing(t *testing.T) {
	c := newCatalog(t,
		listing("cheap", "api", 5, 40),
		listing("solid", "api", 50, 99),
		listing("mid", "api", 10, 90),
	)
	e := NewEngine(c, WithLogger(logger.Discard()))

	cases := map[string]string{
		"cost-effective":     "cheap",
		"high-reliability":   "solid",
		"balanced":           "mid",
		"":                   "mid",
		"fastest":            "mid",
		" High-Reliability ": "solid",
	}
	for strategy, want := range cases {
		m, err := e.Select(context.Background(), Request{Strategy: strategy})
		require.NoError(t, err, strategy)
		assert.Equal(t, want, m.Listing.ProviderID, "strategy %q", strategy)
	}
}

func TestTiesBreakByListingID(t *testing.T) {
	c := newCatalog(t,
		listing("p2", "x", 10, 80),
		listing("p1", "z", 10, 80),
		listing("p1", "y", 10, 80),
	)
	e := NewEngine(c, WithLogger(logger.Discard()))
	for _, s := range Strategies() {
		m, err := e.Select(context.Background(), Request{Strategy: string(s)})
		require.NoError(t, err)
		assert.Equal(t, "p1/y", m.Listing.ID().String(), "strategy %s", s)
	}
}

func TestZeroPriceRanksFirstUnderBalanced(t *testing.T) {
	ranked := Rank(Balanced, []catalog.Listing{
		listing("paid", "api", 1, 100),
		listing("free-low", "api", 0, 20),
		listing("free-high", "api", 0, 70),
	})
	ids := []string{ranked[0].ProviderID, ranked[1].ProviderID, ranked[2].ProviderID}
	assert.Equal(t, []string{"free-high", "free-low", "paid"}, ids)
}

func TestSelectRespectsFiltersAndOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var listings []catalog.Listing
		for i := 0; i < 12; i++ {
			listings = append(listings, listing(fmt.Sprintf("p%02d", rng.Intn(6)), fmt.Sprintf("api%02d", i),
				int64(rng.Intn(20)), float64(rng.Intn(101))))
		}
		c := newCatalog(t, listings...)
		e := NewEngine(c, WithLogger(logger.Discard()))
		maxPrice := big.NewInt(int64(rng.Intn(20)))
		minRep := float64(rng.Intn(100))

		for _, s := range Strategies() {
			req := Request{Category: "weather", MaxPrice: maxPrice, MinReputation: minRep, Strategy: string(s)}
			candidates := c.Query(req.Category, req.MaxPrice, req.MinReputation)
			m, err := e.Select(context.Background(), req)
			if len(candidates) == 0 {
				assert.ErrorIs(t, err, xerrors.ErrNoListingsAvailable)
				continue
			}
			require.NoError(t, err)
			assert.LessOrEqual(t, m.Listing.Price.Cmp(maxPrice), 0)
			assert.GreaterOrEqual(t, m.Listing.Reputation, minRep)

			for _, other := range candidates {
				switch s {
				case CostEffective:
					assert.LessOrEqual(t, m.Listing.Price.Cmp(other.Price), 0)
				case HighReliability:
					assert.GreaterOrEqual(t, m.Listing.Reliability(), other.Reliability())
				case Balanced:
					assert.GreaterOrEqual(t, compareValue(m.Listing, other), 0)
				}
			}
		}
	}
}

func TestSelectErrors(t *testing.T) {
	c := newCatalog(t, listing("p", "api", 500_000, 90))

	_, err := NewEngine(c, WithLogger(logger.Discard())).Select(context.Background(),
		Request{MaxPrice: big.NewInt(100), MinReputation: 80})
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNoListingsAvailable))

	_, err = NewEngine(c, WithStrictStrategy(true), WithLogger(logger.Discard())).Select(context.Background(),
		Request{Strategy: "random"})
	assert.ErrorIs(t, err, xerrors.ErrInvalidStrategy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewEngine(c, WithLogger(logger.Discard())).Select(ctx, Request{})
	assert.Error(t, err)
}

func TestSelectDoesNotMutateCatalog(t *testing.T) {
	c := newCatalog(t, listing("a", "api", 10, 90))
	before, _ := c.Snapshot()
	m, err := NewEngine(c, WithLogger(logger.Discard())).Select(context.Background(), Request{})
	require.NoError(t, err)
	m.Listing.Price.SetInt64(1)
	m.EstimatedCost.SetInt64(2)

	after, listings := c.Snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, "10", listings[0].Price.String())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("COST-EFFECTIVE")
	require.NoError(t, err)
	assert.Equal(t, CostEffective, s)

	s, err = ParseStrategy("unknown")
	assert.Equal(t, Balanced, s)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidStrategy))
}

func TestUnknownStrategyUsesConfiguredDefault(t *testing.T) {
	c := newCatalog(t,
		listing("cheap", "api", 10, 60),
		listing("trusted", "api", 500, 99))
	e := NewEngine(c, WithDefaultStrategy(HighReliability), WithLogger(logger.Discard()))

	for _, name := range []string{"", "   ", "\t", "fastest-please"} {
		m, err := e.Select(context.Background(), Request{Strategy: name})
		require.NoError(t, err, "strategy %q", name)
		assert.Equal(t, HighReliability, m.Strategy, "strategy %q", name)
		assert.Equal(t, "trusted", m.Listing.ProviderID, "strategy %q", name)
	}
}

func TestStrictModeRecordsFixedStrategyLabel(t *testing.T) {
	c := newCatalog(t, listing("p", "api", 10, 90))
	e := NewEngine(c, WithStrictStrategy(true), WithLogger(logger.Discard()))
	_, err := e.Select(context.Background(), Request{Strategy: "user-chosen-label-7f3a"})
	require.ErrorIs(t, err, xerrors.ErrInvalidStrategy)

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var sawInvalid bool
	for _, f := range families {
		if f.GetName() != "numa_matches_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				assert.NotEqual(t, "user-chosen-label-7f3a", l.GetValue())
				if l.GetName() == "strategy" && l.GetValue() == "invalid" {
					sawInvalid = true
				}
			}
		}
	}
	assert.True(t, sawInvalid)
}
