package matching

import (
	"math"
	"math/big"
	"sort"

	"NUMA-Market/internal/catalog"
)

// Rank orders candidates best-first for the strategy. The order is total:
// equal keys fall back to listing id ascending. The input is not modified.
func Rank(strategy Strategy, candidates []catalog.Listing) []catalog.Listing {
	ranked := make([]catalog.Listing, len(candidates))
	copy(ranked, candidates)
	better := comparator(strategy)
	sort.SliceStable(ranked, func(i, j int) bool {
		if c := better(ranked[i], ranked[j]); c != 0 {
			return c > 0
		}
		return ranked[i].ID().Less(ranked[j].ID())
	})
	return ranked
}

// comparator returns > 0 when a ranks ahead of b, < 0 when behind, 0 on a tie.
func comparator(strategy Strategy) func(a, b catalog.Listing) int {
	switch strategy {
	case CostEffective:
		return func(a, b catalog.Listing) int { return price(b).Cmp(price(a)) }
	case HighReliability:
		return func(a, b catalog.Listing) int { return compareFloat(a.Reliability(), b.Reliability()) }
	default:
		return compareValue
	}
}

// compareValue orders by reliability / price without dividing: a beats b
// when rel(a) * price(b) > rel(b) * price(a). A zero price is worth more than
// any positive one; two zero prices fall back to reliability.
func compareValue(a, b catalog.Listing) int {
	pa, pb := price(a), price(b)
	switch {
	case pa.Sign() == 0 && pb.Sign() == 0:
		return compareFloat(a.Reliability(), b.Reliability())
	case pa.Sign() == 0:
		return 1
	case pb.Sign() == 0:
		return -1
	}
	left := new(big.Float).Mul(big.NewFloat(a.Reliability()), new(big.Float).SetInt(pb))
	right := new(big.Float).Mul(big.NewFloat(b.Reliability()), new(big.Float).SetInt(pa))
	return left.Cmp(right)
}

// Value is reliability / price, the score used by Balanced. Zero-price
// listings report +Inf.
func Value(l catalog.Listing) float64 {
	p := price(l)
	if p.Sign() == 0 {
		return math.Inf(1)
	}
	v, _ := new(big.Float).Quo(big.NewFloat(l.Reliability()), new(big.Float).SetInt(p)).Float64()
	return v
}

func price(l catalog.Listing) *big.Int {
	if l.Price == nil {
		return new(big.Int)
	}
	return l.Price
}

func compareFloat(a, b float64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}
