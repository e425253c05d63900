package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/histori-net/entitlement/internal/account"
	"github.com/histori-net/entitlement/internal/faults"
	"github.com/histori-net/entitlement/internal/mailer"
	"github.com/histori-net/entitlement/internal/metrics"
	"github.com/histori-net/entitlement/internal/plans"
	"github.com/histori-net/entitlement/internal/quota"
	"github.com/histori-net/entitlement/internal/syncutil"
	"github.com/histori-net/entitlement/internal/traces"
)

// referralBonusRate is the share of a subscription's unit price credited
// to the referrer, as points, on subscription creation.
var referralBonusRate = decimal.RequireFromString("0.075")

// Config controls downgrade behaviour.
type Config struct {
	// DowngradeGrace keeps a cancelled subscription's tier alive for the
	// given duration; the daily expiry sweep performs the demotion. Zero
	// tears the tier down immediately.
	DowngradeGrace time.Duration
}

// Processor applies billing subscription events to the ledger.
type Processor struct {
	store    account.Store
	plans    plans.Store
	gateway  quota.Gateway
	notifier mailer.Notifier
	locks    *syncutil.AccountMutex
	logger   *slog.Logger
	cfg      Config

	// Cancellations this process initiated itself, keyed by subscription
	// reference. Their deletion events arrive later and must not tear the
	// tier down a second time.
	mu       sync.Mutex
	expected map[string]bool
}

// NewProcessor creates a subscription processor.
func NewProcessor(store account.Store, planStore plans.Store, gateway quota.Gateway,
	notifier mailer.Notifier, locks *syncutil.AccountMutex, logger *slog.Logger, cfg Config) *Processor {

	return &Processor{
		store:    store,
		plans:    planStore,
		gateway:  gateway,
		notifier: notifier,
		locks:    locks,
		logger:   logger,
		cfg:      cfg,
		expected: make(map[string]bool),
	}
}

// ExpectCancellation registers a subscription reference whose deletion
// event will be self-initiated. The next deletion event carrying this
// reference is acknowledged without touching the ledger.
func (p *Processor) ExpectCancellation(subscriptionRef string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expected[subscriptionRef] = true
}

func (p *Processor) takeExpected(subscriptionRef string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.expected[subscriptionRef] {
		return false
	}
	delete(p.expected, subscriptionRef)
	return true
}

// Process applies one billing event. Duplicate deliveries return an error
// wrapping faults.ErrDuplicateEvent; events whose customer reference does
// not resolve return one wrapping faults.ErrUnresolvable. Both are
// terminal: redelivery will not change the outcome.
func (p *Processor) Process(ctx context.Context, ev Event) error {
	ctx, span := traces.StartSpan(ctx, "billing.process",
		traces.EventSource(Source), traces.EventID(ev.ID), traces.TierName(string(ev.Tier)))
	defer span.End()

	acct, err := p.store.GetByStripeCustomer(ctx, ev.CustomerRef)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			p.logger.Warn("billing event for unknown customer",
				"event", ev.ID, "kind", string(ev.Kind), "customer", ev.CustomerRef)
			metrics.EventsProcessed.WithLabelValues(Source, "unresolvable").Inc()
			return fmt.Errorf("event %s customer %s: %w", ev.ID, ev.CustomerRef, faults.ErrUnresolvable)
		}
		return faults.Transient(fmt.Errorf("resolve customer %s: %w", ev.CustomerRef, err))
	}

	switch ev.Kind {
	case KindTrialEnding:
		return p.processTrialEnding(ctx, ev, acct)
	case KindCreated, KindUpdated:
		err := p.withAccountLock(ctx, acct.ID, func(acct *account.Account) error {
			return p.processChange(ctx, ev, acct)
		})
		if err == nil && ev.Kind == KindCreated {
			// Outside the subscriber's lock: the sharded mutex must never
			// be held for two keys at once.
			p.applyReferralBonus(ctx, ev, acct)
		}
		return err
	case KindDeleted:
		if p.takeExpected(ev.SubscriptionRef) {
			p.logger.Info("self-initiated cancellation acknowledged",
				"event", ev.ID, "subscription", ev.SubscriptionRef)
			metrics.EventsProcessed.WithLabelValues(Source, "self-cancel").Inc()
			return nil
		}
		return p.withAccountLock(ctx, acct.ID, func(acct *account.Account) error {
			return p.processDeleted(ctx, ev, acct)
		})
	default:
		return faults.Configuration("event %s: unknown kind %q", ev.ID, ev.Kind)
	}
}

// withAccountLock serializes the read-modify-write-associate sequence per
// account and re-reads ledger state under the lock, since another handler
// may have written between resolution and acquisition.
func (p *Processor) withAccountLock(ctx context.Context, accountID string, fn func(*account.Account) error) error {
	unlock, err := p.locks.Lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	acct, err := p.store.Get(ctx, accountID)
	if err != nil {
		return faults.Transient(fmt.Errorf("reload account %s: %w", accountID, err))
	}
	return fn(acct)
}

func (p *Processor) processChange(ctx context.Context, ev Event, acct *account.Account) error {
	// Creation redelivery guard: the subscription reference is stored on
	// first application, so seeing it again means this creation was
	// already applied, possibly under a different event id.
	if ev.Kind == KindCreated && ev.SubscriptionRef != "" && ev.SubscriptionRef == acct.SubscriptionRef {
		metrics.EventsProcessed.WithLabelValues(Source, "duplicate").Inc()
		p.logger.Debug("subscription already applied", "event", ev.ID, "subscription", ev.SubscriptionRef)
		return fmt.Errorf("event %s: %w", ev.ID, faults.ErrDuplicateEvent)
	}

	state := acct.State(ev.Track)
	if state.Tier == ev.Tier {
		metrics.EventsProcessed.WithLabelValues(Source, "duplicate").Inc()
		p.logger.Debug("tier unchanged", "event", ev.ID, "tier", ev.Tier)
		return fmt.Errorf("event %s: %w", ev.ID, faults.ErrDuplicateEvent)
	}

	plan, err := p.plans.Lookup(ctx, string(ev.Tier))
	if err != nil {
		if errors.Is(err, plans.ErrPlanNotFound) {
			return faults.Configuration("no quota plan for tier %q", ev.Tier)
		}
		return faults.Transient(fmt.Errorf("lookup plan %q: %w", ev.Tier, err))
	}

	first, err := p.store.MarkEventProcessed(ctx, Source, ev.ID)
	if err != nil {
		return faults.Transient(fmt.Errorf("record event %s: %w", ev.ID, err))
	}
	if !first {
		metrics.EventsProcessed.WithLabelValues(Source, "duplicate").Inc()
		return fmt.Errorf("event %s: %w", ev.ID, faults.ErrDuplicateEvent)
	}

	oldTier := state.Tier
	state.Tier = ev.Tier
	state.RequestLimit = plan.RequestsPerMonth
	acct.SubscriptionRef = ev.SubscriptionRef

	if err := p.store.Update(ctx, acct); err != nil {
		p.logger.Error("event recorded but ledger write failed; manual reconciliation needed",
			"event", ev.ID, "account", acct.ID, "error", err)
		return faults.Transient(fmt.Errorf("persist event %s: %w", ev.ID, err))
	}

	// Ledger is authoritative from here; association drift heals on the
	// next tier-affecting event or sweep.
	if err := p.gateway.Associate(ctx, acct.APIKeyRef, oldTier, ev.Tier); err != nil {
		p.logger.Error("tier persisted but quota association failed",
			"event", ev.ID, "account", acct.ID, "from", oldTier, "to", ev.Tier, "error", err)
	}

	metrics.EventsProcessed.WithLabelValues(Source, "applied").Inc()
	metrics.TierChanges.WithLabelValues(string(ev.Track)).Inc()
	p.logger.Info("subscription applied",
		"event", ev.ID, "account", acct.ID, "track", string(ev.Track),
		"from", oldTier, "to", ev.Tier, "limit", plan.RequestsPerMonth)
	return nil
}

// applyReferralBonus credits the referrer once per subscription creation.
// It runs after the creation's durable guard, so a redelivered event can
// never credit twice. Best effort: a missing referrer is a warning only.
func (p *Processor) applyReferralBonus(ctx context.Context, ev Event, acct *account.Account) {
	if acct.ReferrerCode == "" {
		return
	}

	referrer, err := p.store.GetByReferralCode(ctx, acct.ReferrerCode)
	if err != nil {
		p.logger.Warn("referrer not found", "code", acct.ReferrerCode, "account", acct.ID, "error", err)
		return
	}

	// The subscriber's lock is already released; only the referrer's is
	// held here.
	unlock, err := p.locks.Lock(ctx, referrer.ID)
	if err != nil {
		return
	}
	defer unlock()

	referrer, err = p.store.Get(ctx, referrer.ID)
	if err != nil {
		p.logger.Warn("reload referrer failed", "code", acct.ReferrerCode, "error", err)
		return
	}

	bonus := decimal.NewFromInt(ev.UnitAmountCents).Mul(referralBonusRate)
	referrer.ReferralPoints += bonus.InexactFloat64()
	if err := p.store.Update(ctx, referrer); err != nil {
		p.logger.Warn("persist referral bonus failed", "referrer", referrer.ID, "error", err)
		return
	}

	metrics.ReferralBonuses.Inc()
	p.logger.Info("referral bonus credited",
		"referrer", referrer.ID, "points", bonus.String(), "event", ev.ID)
}

func (p *Processor) processDeleted(ctx context.Context, ev Event, acct *account.Account) error {
	state := acct.State(ev.Track)
	if state.Tier == account.TierNone {
		metrics.EventsProcessed.WithLabelValues(Source, "duplicate").Inc()
		return fmt.Errorf("event %s: %w", ev.ID, faults.ErrDuplicateEvent)
	}

	first, err := p.store.MarkEventProcessed(ctx, Source, ev.ID)
	if err != nil {
		return faults.Transient(fmt.Errorf("record event %s: %w", ev.ID, err))
	}
	if !first {
		metrics.EventsProcessed.WithLabelValues(Source, "duplicate").Inc()
		return fmt.Errorf("event %s: %w", ev.ID, faults.ErrDuplicateEvent)
	}

	if p.cfg.DowngradeGrace > 0 {
		// Keep the tier through the grace window; the daily expiry sweep
		// does the actual teardown.
		end := time.Now().Add(p.cfg.DowngradeGrace)
		state.PlanEndDate = &end
		acct.SubscriptionRef = ""
		if err := p.store.Update(ctx, acct); err != nil {
			return faults.Transient(fmt.Errorf("persist grace for event %s: %w", ev.ID, err))
		}
		metrics.EventsProcessed.WithLabelValues(Source, "grace").Inc()
		p.logger.Info("cancellation deferred by grace window",
			"event", ev.ID, "account", acct.ID, "until", end)
		return nil
	}

	oldTier := state.Tier
	state.Tier = account.TierNone
	state.RequestLimit = 0
	state.PlanEndDate = nil
	acct.SubscriptionRef = ""

	if err := p.store.Update(ctx, acct); err != nil {
		p.logger.Error("event recorded but ledger write failed; manual reconciliation needed",
			"event", ev.ID, "account", acct.ID, "error", err)
		return faults.Transient(fmt.Errorf("persist event %s: %w", ev.ID, err))
	}

	if acct.APIKeyRef != "" {
		if err := p.gateway.Disassociate(ctx, acct.APIKeyRef, oldTier); err != nil {
			p.logger.Error("tier removed but quota disassociation failed",
				"event", ev.ID, "account", acct.ID, "tier", oldTier, "error", err)
		}
	}

	metrics.EventsProcessed.WithLabelValues(Source, "applied").Inc()
	metrics.TierChanges.WithLabelValues(string(ev.Track)).Inc()
	p.logger.Info("subscription removed",
		"event", ev.ID, "account", acct.ID, "track", string(ev.Track), "was", oldTier)
	return nil
}

func (p *Processor) processTrialEnding(ctx context.Context, ev Event, acct *account.Account) error {
	if acct.Email == "" {
		p.logger.Warn("trial ending but account has no email", "account", acct.ID)
		return nil
	}
	if err := p.notifier.SendTrialEndingNotice(ctx, acct.Email); err != nil {
		p.logger.Error("trial ending notice failed", "account", acct.ID, "error", err)
	}
	metrics.EventsProcessed.WithLabelValues(Source, "notified").Inc()
	return nil
}
