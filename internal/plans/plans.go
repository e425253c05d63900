// Package plans holds the quota plan catalogue: reference data mapping a
// tier name to the externally-enforced rate and volume limits.
package plans

import (
	"context"
	"errors"

	"github.com/histori-net/entitlement/internal/account"
)

// ErrPlanNotFound means the catalogue has no entry for a tier name. For a
// tier in active use this is a fatal configuration problem, not a default.
var ErrPlanNotFound = errors.New("plans: not found")

// Plan describes one tier's published limits and billing linkage.
type Plan struct {
	Name                   string  `json:"name"`
	ExternalID             string  `json:"externalId"` // quota service plan id
	PriceMonthlyUSD        float64 `json:"priceMonthlyUsd"`
	PriceYearlyUSD         float64 `json:"priceYearlyUsd"`
	RequestsPerMonth       int64   `json:"requestsPerMonth"`
	RequestsPerSecond      int64   `json:"requestsPerSecond"`
	BurstRequestsPerSecond int64   `json:"burstRequestsPerSecond"`
}

// Store looks up plans by tier name.
type Store interface {
	Lookup(ctx context.Context, name string) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
}

// Defaults is the built-in catalogue, mirroring the quota service's
// published plans. The postgres store is seeded with the same rows by
// migration; the memory store serves these directly.
func Defaults() []*Plan {
	base := []struct {
		tier  account.Tier
		id    string
		pm    float64
		py    float64
		month int64
		rps   int64
		burst int64
	}{
		{account.TierFree, "up_free", 0, 0, 5000, 10, 20},
		{account.TierStarter, "up_starter", 50, 45, 50000, 25, 50},
		{account.TierGrowth, "up_growth", 200, 180, 300000, 50, 100},
		{account.TierBusiness, "up_business", 400, 360, 700000, 100, 200},
		{account.TierEnterprise, "up_enterprise", 0, 0, 2000000, 250, 500},
	}

	var out []*Plan
	for _, b := range base {
		out = append(out, &Plan{
			Name:                   string(b.tier),
			ExternalID:             b.id,
			PriceMonthlyUSD:        b.pm,
			PriceYearlyUSD:         b.py,
			RequestsPerMonth:       b.month,
			RequestsPerSecond:      b.rps,
			BurstRequestsPerSecond: b.burst,
		})
		out = append(out, &Plan{
			Name:                   string(b.tier.RPCVariant()),
			ExternalID:             b.id + "_mn",
			PriceMonthlyUSD:        b.pm,
			PriceYearlyUSD:         b.py,
			RequestsPerMonth:       b.month,
			RequestsPerSecond:      b.rps,
			BurstRequestsPerSecond: b.burst,
		})
	}
	return out
}
