package catalog

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/pkg/logger"
)

// ScoreSource supplies live provider reputation. The catalog consults it on
// every query so listings never carry a stale registration-time score.
type ScoreSource interface {
	ScoreOf(providerID string) (float64, bool)
}

// Catalog holds the known listings. Reads return deep copies taken under the
// read lock, so a caller never observes a half-applied mutation.
type Catalog struct {
	mu       sync.RWMutex
	listings map[ID]*Listing
	version  uint64

	scores ScoreSource
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithScoreSource wires the reputation ledger.
func WithScoreSource(src ScoreSource) Option {
	return func(c *Catalog) { c.scores = src }
}

// WithStore enables write-through persistence.
func WithStore(store Store) Option {
	return func(c *Catalog) { c.store = store }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an empty catalog.
func New(opts ...Option) *Catalog {
	c := &Catalog{
		listings: make(map[ID]*Listing),
		logger:   logger.Named("catalog"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Load replaces the in-memory state with the store's contents.
func (c *Catalog) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	listings, err := c.store.ListListings(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load listings")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listings = make(map[ID]*Listing, len(listings))
	for _, l := range listings {
		clone := l.Clone()
		c.listings[l.ID()] = &clone
	}
	c.version++
	c.logger.Info("catalog loaded", slog.Int("listings", len(listings)))
	return nil
}

// Upsert inserts or replaces a listing. Activity counters and the creation
// time of an existing listing are preserved.
func (c *Catalog) Upsert(ctx context.Context, listing Listing) (Listing, error) {
	if err := listing.Validate(); err != nil {
		return Listing{}, err
	}
	next := listing.Clone()
	now := c.now().Unix()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.listings[next.ID()]; ok {
		next.Stats = existing.Clone().Stats
		next.CreatedAt = existing.CreatedAt
	} else {
		next.Stats = Stats{}
		next.CreatedAt = now
	}
	if next.Stats.Earnings == nil {
		next.Stats.Earnings = new(big.Int)
	}
	next.UpdatedAt = now

	if err := c.persist(ctx, next); err != nil {
		return Listing{}, err
	}
	c.listings[next.ID()] = &next
	c.version++
	c.logger.Debug("listing upserted",
		slog.String("listing", next.ID().String()),
		slog.String("price", next.Price.String()),
		slog.Bool("active", next.Active))
	return next.Clone(), nil
}

// Deactivate marks a listing inactive. Listings are never deleted.
func (c *Catalog) Deactivate(ctx context.Context, providerID, apiID string) error {
	id := ID{ProviderID: providerID, APIID: apiID}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.listings[id]
	if !ok {
		return xerrors.Newf(xerrors.CodeNotFound, "listing %s not found", id)
	}
	if !existing.Active {
		return nil
	}
	next := existing.Clone()
	next.Active = false
	next.UpdatedAt = c.now().Unix()
	if err := c.persist(ctx, next); err != nil {
		return err
	}
	c.listings[id] = &next
	c.version++
	c.logger.Info("listing deactivated", slog.String("listing", id.String()))
	return nil
}

// Query returns active listings in the category (empty matches any) priced
// at most maxPrice (nil means unbounded) whose live reputation is at least
// minReputation. Order is unspecified.
func (c *Catalog) Query(category string, maxPrice *big.Int, minReputation float64) []Listing {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Listing, 0, len(c.listings))
	for _, l := range c.listings {
		if !l.Active {
			continue
		}
		if category != "" && l.Category != category {
			continue
		}
		if maxPrice != nil && l.Price.Cmp(maxPrice) > 0 {
			continue
		}
		view := c.view(l)
		if view.Reputation < minReputation {
			continue
		}
		out = append(out, view)
	}
	return out
}

// Get returns one listing with its live reputation.
func (c *Catalog) Get(providerID, apiID string) (Listing, error) {
	id := ID{ProviderID: providerID, APIID: apiID}
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.listings[id]
	if !ok {
		return Listing{}, xerrors.Newf(xerrors.CodeNotFound, "listing %s not found", id)
	}
	return c.view(l), nil
}

// Snapshot returns every listing ordered by id, with the catalog version
// the copy was taken at.
func (c *Catalog) Snapshot() (uint64, []Listing) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Listing, 0, len(c.listings))
	for _, l := range c.listings {
		out = append(out, c.view(l))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().Less(out[j].ID()) })
	return c.version, out
}

// Version increases with every mutation.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// RecordCall updates the activity counters of a listing after a paid call.
func (c *Catalog) RecordCall(ctx context.Context, providerID, apiID string, success bool, charged *big.Int) error {
	id := ID{ProviderID: providerID, APIID: apiID}

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.listings[id]
	if !ok {
		return xerrors.Newf(xerrors.CodeNotFound, "listing %s not found", id)
	}
	next := existing.Clone()
	next.Stats.Calls++
	if success {
		next.Stats.SuccessfulCalls++
	}
	if next.Stats.Earnings == nil {
		next.Stats.Earnings = new(big.Int)
	}
	if charged != nil {
		next.Stats.Earnings.Add(next.Stats.Earnings, charged)
	}
	if err := c.persist(ctx, next); err != nil {
		return err
	}
	c.listings[id] = &next
	c.version++
	return nil
}

// Analytics summarises a provider's listings.
type Analytics struct {
	ProviderID      string   `json:"provider_id"`
	TotalAPIs       int      `json:"total_apis"`
	ActiveAPIs      int      `json:"active_apis"`
	TotalCalls      uint64   `json:"total_calls"`
	SuccessfulCalls uint64   `json:"successful_calls"`
	TotalEarnings   *big.Int `json:"total_earnings"`
	Reputation      float64  `json:"reputation"`
	PopularAPIs     []string `json:"popular_apis"`
}

// ProviderAnalytics aggregates counters across the provider's listings.
// PopularAPIs lists api ids by call count, busiest first.
func (c *Catalog) ProviderAnalytics(providerID string) (Analytics, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Analytics{ProviderID: providerID, TotalEarnings: new(big.Int)}
	var owned []Listing
	for _, l := range c.listings {
		if l.ProviderID != providerID {
			continue
		}
		view := c.view(l)
		owned = append(owned, view)
		out.TotalAPIs++
		if view.Active {
			out.ActiveAPIs++
		}
		out.TotalCalls += view.Stats.Calls
		out.SuccessfulCalls += view.Stats.SuccessfulCalls
		if view.Stats.Earnings != nil {
			out.TotalEarnings.Add(out.TotalEarnings, view.Stats.Earnings)
		}
		out.Reputation = view.Reputation
	}
	if out.TotalAPIs == 0 {
		return Analytics{}, xerrors.Newf(xerrors.CodeNotFound, "provider %s has no listings", providerID)
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].Stats.Calls != owned[j].Stats.Calls {
			return owned[i].Stats.Calls > owned[j].Stats.Calls
		}
		return owned[i].APIID < owned[j].APIID
	})
	for _, l := range owned {
		out.PopularAPIs = append(out.PopularAPIs, l.APIID)
	}
	return out, nil
}

// view copies a listing and overlays the live score. Callers hold c.mu.
func (c *Catalog) view(l *Listing) Listing {
	out := l.Clone()
	if c.scores != nil {
		if score, ok := c.scores.ScoreOf(l.ProviderID); ok {
			out.Reputation = score
		}
	}
	return out
}

func (c *Catalog) persist(ctx context.Context, l Listing) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.PutListing(ctx, l); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist listing "+l.ID().String())
	}
	return nil
}
