package matching

import (
	"strings"

	xerrors "NUMA-Market/internal/errors"
)

// Strategy selects how matching listings are ranked.
type Strategy string

const (
	// CostEffective prefers the lowest price.
	CostEffective Strategy = "cost-effective"
	// HighReliability prefers the highest provider reliability.
	HighReliability Strategy = "high-reliability"
	// Balanced prefers the highest reliability per unit of price.
	Balanced Strategy = "balanced"
)

// Strategies lists the supported strategies.
func Strategies() []Strategy {
	return []Strategy{CostEffective, HighReliability, Balanced}
}

// Valid reports whether s is a supported strategy.
func (s Strategy) Valid() bool {
	switch s {
	case CostEffective, HighReliability, Balanced:
		return true
	}
	return false
}

// ParseStrategy maps a strategy name onto a Strategy. The empty string is
// Balanced; an unsupported name returns Balanced together with INVALID_STRATEGY
// so callers decide whether to fall back or reject.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	switch {
	case s == "":
		return Balanced, nil
	case s.Valid():
		return s, nil
	}
	return Balanced, xerrors.Newf(xerrors.CodeInvalidStrategy, "unsupported strategy %q", name)
}
