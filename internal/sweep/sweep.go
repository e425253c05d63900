// Package sweep runs the scheduled reconciliation jobs: monthly counter
// resets, plan-expiry demotions, and free-trial aging.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/histori-net/entitlement/internal/account"
	"github.com/histori-net/entitlement/internal/mailer"
	"github.com/histori-net/entitlement/internal/metrics"
	"github.com/histori-net/entitlement/internal/plans"
	"github.com/histori-net/entitlement/internal/quota"
	"github.com/histori-net/entitlement/internal/syncutil"
)

// Source tags sweep idempotency records, such as sent trial notices.
const Source = "sweep"

const (
	// TrialNoticeAgeDays is the account age at which the trial-ending
	// notice goes out.
	TrialNoticeAgeDays = 14
	// TrialDemoteAgeDays is the account age at which a still-free account
	// loses its default tier.
	TrialDemoteAgeDays = 21
)

const batchSize = 100

// Sweeper holds the three reconciliation jobs. Each job is idempotent and
// guarded against overlapping runs of itself; per-account failures are
// logged and counted without aborting the batch.
type Sweeper struct {
	store    account.Store
	plans    plans.Store
	gateway  quota.Gateway
	notifier mailer.Notifier
	locks    *syncutil.AccountMutex
	logger   *slog.Logger

	monthlyRunning atomic.Bool
	expiryRunning  atomic.Bool
	agingRunning   atomic.Bool
	realignRunning atomic.Bool
}

// New creates a sweeper.
func New(store account.Store, planStore plans.Store, gateway quota.Gateway,
	notifier mailer.Notifier, locks *syncutil.AccountMutex, logger *slog.Logger) *Sweeper {

	return &Sweeper{
		store:    store,
		plans:    planStore,
		gateway:  gateway,
		notifier: notifier,
		locks:    locks,
		logger:   logger,
	}
}

// ResetMonthlyCounters zeroes every account's request counters and
// recomputes each track's limit from the plan for its current tier.
// Running it twice in a row is a no-op the second time.
func (s *Sweeper) ResetMonthlyCounters(ctx context.Context) error {
	return s.run(ctx, "monthly-reset", &s.monthlyRunning, s.resetAccount)
}

// DemoteExpired demotes every track whose plan end date has passed.
func (s *Sweeper) DemoteExpired(ctx context.Context) error {
	now := time.Now()
	return s.run(ctx, "expiry-demotion", &s.expiryRunning, func(ctx context.Context, acct *account.Account) error {
		return s.demoteExpired(ctx, acct, now)
	})
}

// AgeFreeTrials notifies accounts still on the default free tier at
// fourteen days and demotes them at twenty-one.
func (s *Sweeper) AgeFreeTrials(ctx context.Context) error {
	now := time.Now()
	return s.run(ctx, "trial-aging", &s.agingRunning, func(ctx context.Context, acct *account.Account) error {
		return s.ageFreeTrial(ctx, acct, now)
	})
}

// RealignAssociations re-issues every account's current tier associations
// against the quota service. An association call that failed after its
// ledger write leaves the external state behind the ledger; this pass
// heals that drift. Keys already on the right plan are a tolerated no-op.
func (s *Sweeper) RealignAssociations(ctx context.Context) error {
	return s.run(ctx, "association-realign", &s.realignRunning, s.realignAccount)
}

func (s *Sweeper) realignAccount(ctx context.Context, acct *account.Account) error {
	if acct.APIKeyRef == "" {
		return nil
	}
	for _, track := range []account.Track{account.TrackAPI, account.TrackRPC} {
		tier := acct.State(track).Tier
		if tier == account.TierNone || tier == "" {
			continue
		}
		if err := s.gateway.Associate(ctx, acct.APIKeyRef, tier, tier); err != nil {
			return fmt.Errorf("realign %s association: %w", track, err)
		}
	}
	return nil
}

// run pages through all accounts and applies job to each under that
// account's lock, against freshly re-read state.
func (s *Sweeper) run(ctx context.Context, name string, running *atomic.Bool,
	job func(context.Context, *account.Account) error) error {

	if !running.CompareAndSwap(false, true) {
		s.logger.Warn("sweep still in flight, skipping", "job", name)
		metrics.SweepRuns.WithLabelValues(name, "skipped").Inc()
		return nil
	}
	defer running.Store(false)

	start := time.Now()
	var failures int

	for offset := 0; ; offset += batchSize {
		batch, err := s.store.List(ctx, offset, batchSize)
		if err != nil {
			metrics.SweepRuns.WithLabelValues(name, "error").Inc()
			return fmt.Errorf("%s: list accounts: %w", name, err)
		}

		for _, acct := range batch {
			if err := s.withLock(ctx, acct.ID, job); err != nil {
				failures++
				metrics.SweepAccountFailures.WithLabelValues(name).Inc()
				s.logger.Error("sweep failed for account", "job", name, "account", acct.ID, "error", err)
			}
		}

		if len(batch) < batchSize {
			break
		}
	}

	metrics.SweepRuns.WithLabelValues(name, "ok").Inc()
	s.logger.Info("sweep finished", "job", name, "failures", failures, "took", time.Since(start))
	return nil
}

func (s *Sweeper) withLock(ctx context.Context, accountID string, job func(context.Context, *account.Account) error) error {
	unlock, err := s.locks.Lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	acct, err := s.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil
		}
		return err
	}
	return job(ctx, acct)
}

func (s *Sweeper) resetAccount(ctx context.Context, acct *account.Account) error {
	changed := false
	for _, track := range []account.Track{account.TrackAPI, account.TrackRPC} {
		state := acct.State(track)
		if state.RequestCount != 0 {
			state.RequestCount = 0
			changed = true
		}
		if state.Tier == account.TierNone {
			continue
		}
		plan, err := s.plans.Lookup(ctx, string(state.Tier))
		if err != nil {
			s.logger.Error("no plan for tier during reset", "account", acct.ID, "tier", state.Tier, "error", err)
			continue
		}
		if state.RequestLimit != plan.RequestsPerMonth {
			state.RequestLimit = plan.RequestsPerMonth
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.store.Update(ctx, acct)
}

func (s *Sweeper) demoteExpired(ctx context.Context, acct *account.Account, now time.Time) error {
	changed := false
	var removed []account.Tier
	for _, track := range []account.Track{account.TrackAPI, account.TrackRPC} {
		state := acct.State(track)
		if state.PlanEndDate == nil || state.PlanEndDate.After(now) {
			continue
		}
		removed = append(removed, state.Tier)
		state.Tier = account.TierNone
		state.RequestLimit = 0
		state.PlanEndDate = nil
		changed = true
		metrics.TierChanges.WithLabelValues(string(track)).Inc()
	}
	if !changed {
		return nil
	}

	if err := s.store.Update(ctx, acct); err != nil {
		return err
	}
	for _, tier := range removed {
		if acct.APIKeyRef == "" || tier == account.TierNone {
			continue
		}
		if err := s.gateway.Disassociate(ctx, acct.APIKeyRef, tier); err != nil {
			s.logger.Error("expiry demotion persisted but disassociation failed",
				"account", acct.ID, "tier", tier, "error", err)
		}
	}
	s.logger.Info("expired plan demoted", "account", acct.ID, "tiers", fmt.Sprint(removed))
	return nil
}

// ageFreeTrial applies to the API track only: accounts created on the
// default free tier that never picked a plan.
func (s *Sweeper) ageFreeTrial(ctx context.Context, acct *account.Account, now time.Time) error {
	if acct.API.Tier != account.TierFree {
		return nil
	}
	age := acct.AgeDays(now)

	if age >= TrialDemoteAgeDays {
		oldTier := acct.API.Tier
		acct.API.Tier = account.TierNone
		acct.API.RequestLimit = 0
		if err := s.store.Update(ctx, acct); err != nil {
			return err
		}
		if acct.APIKeyRef != "" {
			if err := s.gateway.Disassociate(ctx, acct.APIKeyRef, oldTier); err != nil {
				s.logger.Error("trial demotion persisted but disassociation failed",
					"account", acct.ID, "error", err)
			}
		}
		metrics.TierChanges.WithLabelValues(string(account.TrackAPI)).Inc()
		s.logger.Info("free trial expired", "account", acct.ID, "ageDays", age)
		return nil
	}

	if age >= TrialNoticeAgeDays && acct.Email != "" {
		first, err := s.store.MarkEventProcessed(ctx, Source, "trial-notice:"+acct.ID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		if err := s.notifier.SendTrialEndingNotice(ctx, acct.Email); err != nil {
			s.logger.Error("trial notice failed", "account", acct.ID, "error", err)
		}
		s.logger.Info("trial ending notice queued", "account", acct.ID, "ageDays", age)
	}
	return nil
}
