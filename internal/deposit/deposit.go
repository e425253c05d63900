// Package deposit consumes on-chain token deposits and converts them into
// paid subscription time on the ledger.
//
// Each event moves through received → confirmed → priced → applied. No
// account state is touched until the final step, so a failure anywhere
// earlier leaves nothing to undo.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/histori-net/entitlement/internal/account"
	"github.com/histori-net/entitlement/internal/faults"
	"github.com/histori-net/entitlement/internal/metrics"
	"github.com/histori-net/entitlement/internal/plans"
	"github.com/histori-net/entitlement/internal/quota"
	"github.com/histori-net/entitlement/internal/syncutil"
	"github.com/histori-net/entitlement/internal/traces"
)

// Source tags deposit idempotency records in the ledger.
const Source = "deposit"

// tokenDecimals is the utility token's ERC-20 decimal count.
const tokenDecimals = 18

// Event is a single decoded deposit. Amount is the raw on-chain value.
type Event struct {
	Wallet   string
	Amount   *big.Int
	TierCode uint8
	Track    account.Track
	TxHash   string
}

// tierByCode maps the contract's tier code to the API-track tier name.
// The RPC track uses the MultiNode variant of the same name.
var tierByCode = map[uint8]account.Tier{
	0: account.TierStarter,
	1: account.TierGrowth,
	2: account.TierBusiness,
}

// dailyPriceByCode is the published USD-per-day price for each paid tier.
var dailyPriceByCode = map[uint8]decimal.Decimal{
	0: decimal.RequireFromString("1.67"),
	1: decimal.RequireFromString("6.67"),
	2: decimal.RequireFromString("13.33"),
}

// PriceQuoter quotes the token's USD price.
type PriceQuoter interface {
	TokenPriceUSD(ctx context.Context) (decimal.Decimal, error)
}

// ConfirmationWaiter blocks until a transaction has the required
// confirmation depth, or fails if it was reorged out or reverted.
type ConfirmationWaiter interface {
	WaitForConfirmations(ctx context.Context, txHash string, confirmations uint64) error
}

// KeyProvisioner creates access keys in the external quota service.
type KeyProvisioner interface {
	ProvisionKey(ctx context.Context) (ref, value string, err error)
}

// Config controls confirmation behaviour.
type Config struct {
	// Confirmations is the minimum depth before a deposit is acted on.
	Confirmations uint64
	// Production gates the confirmation wait; outside production the
	// received → confirmed step is skipped.
	Production bool
}

// Processor applies deposit events to the ledger.
type Processor struct {
	store       account.Store
	plans       plans.Store
	gateway     quota.Gateway
	provisioner KeyProvisioner
	oracle      PriceQuoter
	waiter      ConfirmationWaiter
	locks       *syncutil.AccountMutex
	logger      *slog.Logger
	cfg         Config
}

// NewProcessor creates a deposit processor.
func NewProcessor(store account.Store, planStore plans.Store, gateway quota.Gateway,
	provisioner KeyProvisioner, oracle PriceQuoter, waiter ConfirmationWaiter,
	locks *syncutil.AccountMutex, logger *slog.Logger, cfg Config) *Processor {

	return &Processor{
		store:       store,
		plans:       planStore,
		gateway:     gateway,
		provisioner: provisioner,
		oracle:      oracle,
		waiter:      waiter,
		locks:       locks,
		logger:      logger,
		cfg:         cfg,
	}
}

// Process runs one deposit through the state machine.
func (p *Processor) Process(ctx context.Context, ev Event) error {
	ctx, span := traces.StartSpan(ctx, "deposit.process",
		traces.EventSource(Source), traces.TxHash(ev.TxHash))
	defer span.End()

	baseTier, ok := tierByCode[ev.TierCode]
	if !ok {
		metrics.EventsProcessed.WithLabelValues(Source, "invalid").Inc()
		return faults.Configuration("deposit %s: unknown tier code %d", ev.TxHash, ev.TierCode)
	}
	if ev.Amount == nil || ev.Amount.Sign() <= 0 {
		metrics.EventsProcessed.WithLabelValues(Source, "invalid").Inc()
		return faults.Configuration("deposit %s: non-positive amount", ev.TxHash)
	}

	// received → confirmed. A reorg below the threshold must not have
	// been acted on yet, so nothing runs until the depth is reached.
	if p.cfg.Production {
		if err := p.waiter.WaitForConfirmations(ctx, ev.TxHash, p.cfg.Confirmations); err != nil {
			metrics.EventsProcessed.WithLabelValues(Source, "unconfirmed").Inc()
			return faults.Transient(fmt.Errorf("deposit %s not confirmed: %w", ev.TxHash, err))
		}
	}

	// confirmed → priced. An unavailable price means the event is not
	// applied at all; the caller may redeliver once the oracle recovers.
	price, err := p.oracle.TokenPriceUSD(ctx)
	if err != nil {
		metrics.EventsProcessed.WithLabelValues(Source, "unpriced").Inc()
		return fmt.Errorf("deposit %s: %w", ev.TxHash, err)
	}
	metrics.TokenPriceUSD.Set(price.InexactFloat64())

	// Creation races on the same wallet serialize on the wallet key;
	// mutation below serializes on the account id, the same key every
	// other handler uses. The two locks are never held together.
	acct, err := func() (*account.Account, error) {
		unlock, err := p.locks.Lock(ctx, strings.ToLower(ev.Wallet))
		if err != nil {
			return nil, err
		}
		defer unlock()
		return p.resolveOrCreate(ctx, ev.Wallet)
	}()
	if err != nil {
		return err
	}

	unlock, err := p.locks.Lock(ctx, acct.ID)
	if err != nil {
		return err
	}
	defer unlock()

	return p.apply(ctx, ev, acct.ID, baseTier, price)
}

// apply runs priced → applied against freshly re-read ledger state.
func (p *Processor) apply(ctx context.Context, ev Event, accountID string, baseTier account.Tier, price decimal.Decimal) error {
	acct, err := p.store.Get(ctx, accountID)
	if err != nil {
		return faults.Transient(fmt.Errorf("reload account %s: %w", accountID, err))
	}

	newTier := baseTier
	if ev.Track == account.TrackRPC {
		newTier = baseTier.RPCVariant()
	}

	plan, err := p.plans.Lookup(ctx, string(newTier))
	if err != nil {
		if errors.Is(err, plans.ErrPlanNotFound) {
			return faults.Configuration("no quota plan for tier %q", newTier)
		}
		return faults.Transient(fmt.Errorf("lookup plan %q: %w", newTier, err))
	}

	amountTokens := decimal.NewFromBigInt(ev.Amount, -tokenDecimals)
	totalUSD := amountTokens.Mul(price)
	days := totalUSD.DivRound(dailyPriceByCode[ev.TierCode], 40)
	nanos := days.Mul(decimal.NewFromInt(int64(24 * time.Hour)))
	endDate := time.Now().Add(time.Duration(nanos.IntPart()))

	// Durable guard before any ledger mutation, while the account lock
	// is held. A redelivered transaction hash must cause exactly one
	// tier change no matter how often it arrives.
	first, err := p.store.MarkEventProcessed(ctx, Source, ev.TxHash)
	if err != nil {
		return faults.Transient(fmt.Errorf("record deposit %s: %w", ev.TxHash, err))
	}
	if !first {
		metrics.EventsProcessed.WithLabelValues(Source, "duplicate").Inc()
		return fmt.Errorf("deposit %s: %w", ev.TxHash, faults.ErrDuplicateEvent)
	}

	state := acct.State(ev.Track)
	oldTier := state.Tier
	state.Tier = newTier
	state.RequestLimit = plan.RequestsPerMonth
	// A fresh deposit replaces any unexpired end date rather than
	// extending it, matching the billing platform's renewal semantics.
	state.PlanEndDate = &endDate

	if err := p.store.Update(ctx, acct); err != nil {
		p.logger.Error("deposit recorded but ledger write failed; manual reconciliation needed",
			"tx", ev.TxHash, "account", acct.ID, "error", err)
		return faults.Transient(fmt.Errorf("persist deposit %s: %w", ev.TxHash, err))
	}

	// Ledger is authoritative from here. An association failure is logged
	// and left for the next tier-affecting pass; it must not roll back or
	// re-run the applied deposit.
	if err := p.gateway.Associate(ctx, acct.APIKeyRef, oldTier, newTier); err != nil {
		p.logger.Error("deposit applied but quota association failed",
			"tx", ev.TxHash, "account", acct.ID, "from", oldTier, "to", newTier, "error", err)
	}

	metrics.EventsProcessed.WithLabelValues(Source, "applied").Inc()
	metrics.TierChanges.WithLabelValues(string(ev.Track)).Inc()
	p.logger.Info("deposit applied",
		"tx", ev.TxHash, "account", acct.ID, "track", string(ev.Track),
		"tier", newTier, "days", days.StringFixed(2), "planEnd", endDate)
	return nil
}

// resolveOrCreate finds the wallet's account or creates one on first
// deposit: fresh referral code, provisioned access key, both tracks on the
// free tier with the free plans' published limits.
func (p *Processor) resolveOrCreate(ctx context.Context, wallet string) (*account.Account, error) {
	acct, err := p.store.GetByWallet(ctx, wallet)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, account.ErrNotFound) {
		return nil, faults.Transient(fmt.Errorf("resolve wallet %s: %w", wallet, err))
	}

	keyRef, _, err := p.provisioner.ProvisionKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("provision key for %s: %w", wallet, err)
	}

	acct = account.New(wallet, "", "")
	acct.APIKeyRef = keyRef
	if plan, err := p.plans.Lookup(ctx, string(account.TierFree)); err == nil {
		acct.API.RequestLimit = plan.RequestsPerMonth
	}
	if plan, err := p.plans.Lookup(ctx, string(account.TierFree.RPCVariant())); err == nil {
		acct.RPC.RequestLimit = plan.RequestsPerMonth
	}

	if err := p.store.Create(ctx, acct); err != nil {
		return nil, faults.Transient(fmt.Errorf("create account for %s: %w", wallet, err))
	}

	if err := p.gateway.Associate(ctx, keyRef, account.TierFree, account.TierFree); err != nil {
		p.logger.Warn("initial api association failed", "account", acct.ID, "error", err)
	}
	if err := p.gateway.Associate(ctx, keyRef, account.TierFree.RPCVariant(), account.TierFree.RPCVariant()); err != nil {
		p.logger.Warn("initial rpc association failed", "account", acct.ID, "error", err)
	}

	p.logger.Info("account created from deposit", "account", acct.ID, "wallet", wallet)
	return acct, nil
}
