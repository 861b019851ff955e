package reputation

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/internal/observability/metrics"
	"NUMA-Market/pkg/logger"
)

// Score is the running reputation of one provider.
type Score struct {
	ProviderID string    `json:"provider_id"`
	Score      float64   `json:"score"`
	Successes  uint64    `json:"successes"`
	Failures   uint64    `json:"failures"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type entry struct {
	mu    sync.Mutex
	score Score
}

// Ledger tracks per-provider scores. Updates to one provider are serialised
// by that provider's entry lock; different providers never contend.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*entry

	rule    Rule
	initial float64
	store   Store
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRule replaces the default EMA rule.
func WithRule(rule Rule) Option {
	return func(l *Ledger) {
		if rule != nil {
			l.rule = rule
		}
	}
}

// WithInitialScore sets the score of providers first seen through Update.
func WithInitialScore(score float64) Option {
	return func(l *Ledger) { l.initial = clamp(score) }
}

// WithStore enables write-through persistence.
func WithStore(store Store) Option {
	return func(l *Ledger) { l.store = store }
}

// WithLogger overrides the component logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		entries: make(map[string]*entry),
		rule:    EMARule{Alpha: DefaultAlpha},
		initial: 50,
		logger:  logger.Named("reputation"),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Load restores scores from the store.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	scores, err := l.store.ListScores(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "load reputation scores")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range scores {
		s.Score = clamp(s.Score)
		l.entries[s.ProviderID] = &entry{score: s}
	}
	return nil
}

// Seed registers a provider with a starting score. It reports false and
// leaves the score alone when the provider is already known.
func (l *Ledger) Seed(ctx context.Context, providerID string, score float64) (bool, error) {
	if strings.TrimSpace(providerID) == "" {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "provider id is required")
	}
	l.mu.Lock()
	if _, ok := l.entries[providerID]; ok {
		l.mu.Unlock()
		return false, nil
	}
	e := &entry{score: Score{ProviderID: providerID, Score: clamp(score), UpdatedAt: l.now()}}
	l.entries[providerID] = e
	l.mu.Unlock()

	e.mu.Lock()
	snapshot := e.score
	e.mu.Unlock()
	if err := l.persist(ctx, snapshot); err != nil {
		// an unpersisted seed is forgotten so a retry seeds again
		l.mu.Lock()
		e.mu.Lock()
		if l.entries[providerID] == e && e.score.Successes+e.score.Failures == 0 {
			delete(l.entries, providerID)
		}
		e.mu.Unlock()
		l.mu.Unlock()
		return false, err
	}
	metrics.SetProviderReputation(providerID, snapshot.Score)
	return true, nil
}

// Update applies one settlement outcome to the provider's score.
func (l *Ledger) Update(ctx context.Context, providerID string, success bool) (Score, error) {
	if strings.TrimSpace(providerID) == "" {
		return Score{}, xerrors.New(xerrors.CodeInvalidArgument, "provider id is required")
	}
	e := l.entryFor(providerID)

	e.mu.Lock()
	before := e.score.Score
	e.score.Score = l.rule.Next(before, success)
	if success {
		e.score.Successes++
	} else {
		e.score.Failures++
	}
	e.score.UpdatedAt = l.now()
	snapshot := e.score
	// persisted under the entry lock so the store sees updates in order
	err := l.persist(ctx, snapshot)
	e.mu.Unlock()

	metrics.SetProviderReputation(providerID, snapshot.Score)
	l.logger.Debug("reputation updated",
		slog.String("provider_id", providerID),
		slog.Bool("success", success),
		slog.Float64("before", before),
		slog.Float64("after", snapshot.Score))
	return snapshot, err
}

// ScoreOf returns the provider's current score.
func (l *Ledger) ScoreOf(providerID string) (float64, bool) {
	s, ok := l.Get(providerID)
	return s.Score, ok
}

// Get returns the provider's full score record.
func (l *Ledger) Get(providerID string) (Score, bool) {
	l.mu.RLock()
	e, ok := l.entries[providerID]
	l.mu.RUnlock()
	if !ok {
		return Score{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.score, true
}

// Scores lists every provider ordered by id.
func (l *Ledger) Scores() []Score {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]Score, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.score)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func (l *Ledger) entryFor(providerID string) *entry {
	l.mu.RLock()
	e, ok := l.entries[providerID]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[providerID]; ok {
		return e
	}
	e = &entry{score: Score{ProviderID: providerID, Score: l.initial, UpdatedAt: l.now()}}
	l.entries[providerID] = e
	return e
}

func (l *Ledger) persist(ctx context.Context, s Score) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.PutScore(ctx, s); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "persist reputation of "+s.ProviderID)
	}
	return nil
}
