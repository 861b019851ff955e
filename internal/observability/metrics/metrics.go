package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "numa"

var (
	matchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "matches_total",
		Help:      "Matching engine selections by strategy and result.",
	}, []string{"strategy", "result"})

	settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "settlements_total",
		Help:      "Settlement attempts by outcome, e.g. success, execution_failed, payment_pending or provider_unavailable.",
	}, []string{"outcome"})

	settlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "settlement_duration_seconds",
		Help:      "Wall time of a settlement from lock acquisition to record.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})

	externalCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "external_call_duration_seconds",
		Help:      "Latency of payment and provider calls.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"collaborator", "result"})

	chargedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "charged_base_units_total",
		Help:      "Amount charged to agents, in token base units.",
	}, []string{"provider_id"})

	agentBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "agent_balance",
		Help:      "Current wallet balance per agent, in token base units.",
	}, []string{"agent_id"})

	providerReputation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "provider_reputation",
		Help:      "Current reputation score per provider (0-100).",
	}, []string{"provider_id"})

	outboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "outbox_pending_records",
		Help:      "Settlement records waiting to be relayed.",
	})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purchase_jobs_total",
		Help:      "Asynchronous purchase jobs by final state.",
	}, []string{"state"})
)

// ObserveMatch counts a selection attempt.
func ObserveMatch(strategy, result string) {
	matchesTotal.WithLabelValues(strategy, result).Inc()
}

// ObserveSettlement records the outcome and duration of one settlement.
func ObserveSettlement(outcome string, elapsed time.Duration) {
	settlementsTotal.WithLabelValues(outcome).Inc()
	settlementDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveExternalCall records latency of a payment or provider invocation.
func ObserveExternalCall(collaborator string, ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}
	externalCallDuration.WithLabelValues(collaborator, result).Observe(elapsed.Seconds())
}

// AddCharged adds a charged amount for the provider.
func AddCharged(providerID string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	chargedTotal.WithLabelValues(providerID).Add(toFloat(amount))
}

// SetAgentBalance publishes the agent's balance.
func SetAgentBalance(agentID string, balance *big.Int) {
	agentBalance.WithLabelValues(agentID).Set(toFloat(balance))
}

// SetProviderReputation publishes the provider's score.
func SetProviderReputation(providerID string, score float64) {
	providerReputation.WithLabelValues(providerID).Set(score)
}

// SetOutboxPending publishes the relay backlog.
func SetOutboxPending(n int) {
	outboxPending.Set(float64(n))
}

// ObserveJob counts a purchase job reaching a state.
func ObserveJob(state string) {
	jobsTotal.WithLabelValues(state).Inc()
}

func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
