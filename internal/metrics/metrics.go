// Package metrics provides Prometheus instrumentation for the
// entitlement engine.
package metrics

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsProcessed counts reconciliation events by source and result.
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitlement",
			Name:      "events_processed_total",
			Help:      "Reconciliation events processed by source (billing, deposit) and result.",
		},
		[]string{"source", "result"},
	)

	// QuotaGatewayCalls counts calls against the external quota service.
	QuotaGatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitlement",
			Name:      "quota_gateway_calls_total",
			Help:      "Quota association gateway calls by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// SweepRuns counts scheduled reconciliation sweeps by job and result.
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitlement",
			Name:      "sweep_runs_total",
			Help:      "Scheduled sweep executions by job name and result.",
		},
		[]string{"job", "result"},
	)

	// SweepAccountFailures counts per-account failures inside sweeps.
	SweepAccountFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitlement",
			Name:      "sweep_account_failures_total",
			Help:      "Accounts that failed within a sweep, by job name.",
		},
		[]string{"job"},
	)

	// ReferralBonuses counts referral bonus credits applied.
	ReferralBonuses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "entitlement",
			Name:      "referral_bonuses_total",
			Help:      "Referral bonuses credited to referring accounts.",
		},
	)

	// TokenPriceUSD tracks the last quoted token price.
	TokenPriceUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "entitlement",
			Name:      "token_price_usd",
			Help:      "Last USD price quoted by the on-chain oracle.",
		},
	)

	// TierChanges counts applied tier transitions by track.
	TierChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "entitlement",
			Name:      "tier_changes_total",
			Help:      "Tier transitions applied to the ledger by track.",
		},
		[]string{"track"},
	)
)

// Register registers all engine metrics with the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		EventsProcessed,
		QuotaGatewayCalls,
		SweepRuns,
		SweepAccountFailures,
		ReferralBonuses,
		TokenPriceUSD,
		TierChanges,
	)
}

var registerOnce sync.Once

// MustRegisterDefault registers all engine metrics with the default
// prometheus registry. Safe to call more than once.
func MustRegisterDefault() {
	registerOnce.Do(func() {
		Register(prometheus.DefaultRegisterer)
	})
}

// Handler returns a gin handler serving the default prometheus registry.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
