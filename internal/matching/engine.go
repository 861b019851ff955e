package matching

import (
	"context"
	"log/slog"
	"math/big"
	"strings"

	"NUMA-Market/internal/catalog"
	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/pkg/logger"
)

// Source is the read side of the listing catalog.
type Source interface {
	Query(category string, maxPrice *big.Int, minReputation float64) []catalog.Listing
}

// Request describes what a consumer is looking for. A nil MaxPrice means no
// price ceiling; an empty Category matches every category.
type Request struct {
	Category      string   `json:"category"`
	MaxPrice      *big.Int `json:"max_price,omitempty"`
	MinReputation float64  `json:"min_reputation"`
	Strategy      string   `json:"strategy,omitempty"`
}

// Match is the listing chosen for a request.
type Match struct {
	Listing       catalog.Listing `json:"listing"`
	EstimatedCost *big.Int        `json:"estimated_cost"`
	Strategy      Strategy        `json:"strategy"`
}

// Engine selects listings. It never mutates the catalog.
type Engine struct {
	source   Source
	fallback Strategy
	strict   bool
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultStrategy sets the strategy used when a request names none.
func WithDefaultStrategy(s Strategy) Option {
	return func(e *Engine) {
		if s.Valid() {
			e.fallback = s
		}
	}
}

// WithStrictStrategy rejects unsupported strategy names with INVALID_STRATEGY
// instead of falling back to the default strategy.
func WithStrictStrategy(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}
// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine reading from source.
func NewEngine(source Source, opts ...Option) *Engine {
	e := &Engine{source: source, fallback: Balanced, logger: logger.Named("matching")}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Select returns the best listing for the request, or NO_LISTINGS_AVAILABLE
// when nothing passes the filters.
func (e *Engine) Select(ctx context.Context, req Request) (Match, error) {
	ranked, strategy, err := e.Candidates(ctx, req)
	if err != nil {
		return Match{}, err
	}
	best := ranked[0]
	e.logger.Debug("listing selected",
		slog.String("strategy", string(strategy)),
		slog.String("listing", best.ID().String()),
		slog.String("price", best.Price.String()),
		slog.Int("candidates", len(ranked)))
	return Match{Listing: best, EstimatedCost: new(big.Int).Set(best.Price), Strategy: strategy}, nil
}

// Candidates returns every matching listing ranked best-first.
func (e *Engine) Candidates(ctx context.Context, req Request) ([]catalog.Listing, Strategy, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeTimeout, err, "select cancelled")
	}
	strategy, err := e.strategy(req.Strategy)
	if err != nil {
		metrics.ObserveMatch("invalid", "invalid_strategy")
		return nil, "", err
	}
	if req.MaxPrice != nil && req.MaxPrice.Sign() < 0 {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "max price must be non-negative")
	}

	listings := e.source.Query(req.Category, req.MaxPrice, req.MinReputation)
	if len(listings) == 0 {
		metrics.ObserveMatch(string(strategy), "no_listings")
		return nil, strategy, xerrors.New(xerrors.CodeNoListingsAvailable, "no listings match the request",
			xerrors.WithMetadata("category", req.Category),
			xerrors.WithMetadata("max_price", priceLabel(req.MaxPrice)))
	}
	metrics.ObserveMatch(string(strategy), "matched")
	return Rank(strategy, listings), strategy, nil
}

func (e *Engine) strategy(name string) (Strategy, error) {
	if strings.TrimSpace(name) == "" {
		return e.fallback, nil
	}
	s, err := ParseStrategy(name)
	if err == nil {
		return s, nil
	}
	if e.strict {
		return "", err
	}
	e.logger.Warn("unsupported strategy, using default",
		slog.String("strategy", name),
		slog.String("default", string(e.fallback)))
	return e.fallback, nil
}

func priceLabel(v *big.Int) string {
	if v == nil {
		return "unbounded"
	}
	return v.String()
}
