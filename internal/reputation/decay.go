package reputation

import (
	"context"
	"log/slog"
	"time"

	"NUMA-Market/internal/observability/metrics"
)

// DecayConfig controls how idle providers lose reputation.
type DecayConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// InactivityThreshold: providers without an update for this long decay.
	InactivityThreshold time.Duration
	// Rate multiplies the score on each sweep, e.g. 0.99.
	Rate float64
	// Floor is never crossed by decay.
	Floor float64
}

// DefaultDecayConfig decays idle providers by one percent an hour after a week.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		Interval:            time.Hour,
		InactivityThreshold: 7 * 24 * time.Hour,
		Rate:                0.99,
		Floor:               10,
	}
}

// DecayScheduler periodically pulls idle providers' scores toward the floor.
type DecayScheduler struct {
	ledger *Ledger
	cfg    DecayConfig
}

// NewDecayScheduler creates a scheduler; call Run to start it.
func NewDecayScheduler(ledger *Ledger, cfg DecayConfig) *DecayScheduler {
	def := DefaultDecayConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InactivityThreshold <= 0 {
		cfg.InactivityThreshold = def.InactivityThreshold
	}
	if cfg.Rate <= 0 || cfg.Rate >= 1 {
		cfg.Rate = def.Rate
	}
	cfg.Floor = clamp(cfg.Floor)
	return &DecayScheduler{ledger: ledger, cfg: cfg}
}

// Run sweeps on every tick until ctx is cancelled.
func (d *DecayScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.ledger.logger.Info("reputation decay started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Float64("rate", d.cfg.Rate),
		slog.Duration("inactivity", d.cfg.InactivityThreshold))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep applies one round of decay and returns how many providers changed.
func (d *DecayScheduler) Sweep(ctx context.Context) int {
	l := d.ledger
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	now := l.now()
	decayed := 0
	for _, e := range entries {
		e.mu.Lock()
		old := e.score.Score
		if now.Sub(e.score.UpdatedAt) < d.cfg.InactivityThreshold || old <= d.cfg.Floor {
			e.mu.Unlock()
			continue
		}
		next := old * d.cfg.Rate
		if next < d.cfg.Floor {
			next = d.cfg.Floor
		}
		e.score.Score = clamp(next)
		// decay does not count as activity
		snapshot := e.score
		err := l.persist(ctx, snapshot)
		e.mu.Unlock()

		if err != nil {
			l.logger.Warn("persist decayed score failed", slog.String("provider_id", snapshot.ProviderID), slog.Any("error", err))
		}
		metrics.SetProviderReputation(snapshot.ProviderID, snapshot.Score)
		decayed++
	}
	if decayed > 0 {
		l.logger.Info("reputation decay sweep", slog.Int("decayed", decayed))
	}
	return decayed
}
