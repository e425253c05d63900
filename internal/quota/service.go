package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/histori-net/entitlement/internal/account"
	"github.com/histori-net/entitlement/internal/faults"
	"github.com/histori-net/entitlement/internal/metrics"
	"github.com/histori-net/entitlement/internal/plans"
)

// Compile-time check that Service implements Gateway.
var _ Gateway = (*Service)(nil)

// Service implements Gateway over a Client, resolving tier names to
// external plan ids through the plan catalogue.
type Service struct {
	client Client
	plans  plans.Store
	logger *slog.Logger
}

// NewService creates a quota gateway service.
func NewService(client Client, planStore plans.Store, logger *slog.Logger) *Service {
	return &Service{client: client, plans: planStore, logger: logger}
}

// ProvisionKey creates a fresh access key in the external service,
// returning its reference and secret value.
func (s *Service) ProvisionKey(ctx context.Context) (string, string, error) {
	id, value, err := s.client.CreateKey(ctx)
	if err != nil {
		return "", "", faults.Transient(fmt.Errorf("create access key: %w", err))
	}
	return id, value, nil
}

func (s *Service) Associate(ctx context.Context, keyRef string, prevTier, newTier account.Tier) error {
	if prevTier != newTier && prevTier != account.TierNone && prevTier != "" {
		if err := s.removeFromTierPlan(ctx, keyRef, prevTier); err != nil {
			return err
		}
	}

	if newTier == account.TierNone {
		return nil
	}

	plan, err := s.planFor(ctx, newTier)
	if err != nil {
		return err
	}

	err = s.client.AddKeyToPlan(ctx, keyRef, plan.ExternalID)
	switch {
	case errors.Is(err, ErrAlreadyAssociated):
		s.logger.Debug("key already associated", "key", keyRef, "tier", newTier)
	case err != nil:
		metrics.QuotaGatewayCalls.WithLabelValues("associate", "error").Inc()
		return faults.Transient(fmt.Errorf("associate key with %q: %w", newTier, err))
	}
	metrics.QuotaGatewayCalls.WithLabelValues("associate", "ok").Inc()
	return nil
}

func (s *Service) Disassociate(ctx context.Context, keyRef string, tier account.Tier) error {
	if tier == account.TierNone || tier == "" {
		return nil
	}
	return s.removeFromTierPlan(ctx, keyRef, tier)
}

func (s *Service) removeFromTierPlan(ctx context.Context, keyRef string, tier account.Tier) error {
	plan, err := s.planFor(ctx, tier)
	if err != nil {
		return err
	}

	err = s.client.RemoveKeyFromPlan(ctx, keyRef, plan.ExternalID)
	switch {
	case errors.Is(err, ErrNotAssociated):
		s.logger.Debug("key already disassociated", "key", keyRef, "tier", tier)
	case err != nil:
		metrics.QuotaGatewayCalls.WithLabelValues("disassociate", "error").Inc()
		return faults.Transient(fmt.Errorf("disassociate key from %q: %w", tier, err))
	}
	metrics.QuotaGatewayCalls.WithLabelValues("disassociate", "ok").Inc()
	return nil
}

func (s *Service) TotalQuotaFor(ctx context.Context, tier account.Tier) (int64, error) {
	plan, err := s.planFor(ctx, tier)
	if err != nil {
		return 0, err
	}

	quota, err := s.client.PlanQuota(ctx, plan.ExternalID)
	if err != nil {
		return 0, faults.Transient(fmt.Errorf("plan quota for %q: %w", tier, err))
	}
	return quota, nil
}

func (s *Service) UsageFor(ctx context.Context, keyRef string, tier account.Tier, from, to time.Time) (int64, error) {
	plan, err := s.planFor(ctx, tier)
	if err != nil {
		return 0, err
	}

	used, err := s.client.KeyUsage(ctx, keyRef, plan.ExternalID, from, to)
	if err != nil {
		return 0, faults.Transient(fmt.Errorf("key usage for %q: %w", tier, err))
	}
	return used, nil
}

// planFor resolves a tier to its catalogue entry. A gap in the catalogue
// for a tier in active use is configuration, not a retryable condition.
func (s *Service) planFor(ctx context.Context, tier account.Tier) (*plans.Plan, error) {
	plan, err := s.plans.Lookup(ctx, string(tier))
	if err != nil {
		if errors.Is(err, plans.ErrPlanNotFound) {
			return nil, faults.Configuration("no quota plan for tier %q", tier)
		}
		return nil, faults.Transient(fmt.Errorf("lookup plan %q: %w", tier, err))
	}
	return plan, nil
}
