package reputation

import "math"

// Bounds of every score kept by the ledger.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Rule computes the next score after a settlement outcome. Implementations
// must stay within [MinScore, MaxScore] and never move against the outcome.
type Rule interface {
	Next(current float64, success bool) float64
}

// EMARule is an exponential moving average toward MaxScore on success and
// MinScore on failure: s' = s + alpha * (target - s).
type EMARule struct {
	Alpha float64
}

// DefaultAlpha weights each outcome at ten percent.
const DefaultAlpha = 0.1

func (r EMARule) Next(current float64, success bool) float64 {
	alpha := r.Alpha
	if alpha <= 0 || alpha > 1 || math.IsNaN(alpha) {
		alpha = DefaultAlpha
	}
	target := MinScore
	if success {
		target = MaxScore
	}
	return clamp(current + alpha*(target-current))
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return MinScore
	case v < MinScore:
		return MinScore
	case v > MaxScore:
		return MaxScore
	default:
		return v
	}
}
