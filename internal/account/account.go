// Package account implements the entitlement ledger: the authoritative
// per-account record of tier, quota, and billing linkage.
//
// All entitlement fields are mutated exclusively by the reconciliation
// components (deposit, subscription, sweep); nothing else writes tiers,
// limits, or plan end dates.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/histori-net/entitlement/internal/idgen"
)

// Errors
var (
	ErrNotFound      = errors.New("account: not found")
	ErrWalletTaken   = errors.New("account: wallet address already registered")
	ErrReferralTaken = errors.New("account: referral code already taken")
	ErrAlreadyExists = errors.New("account: already exists")
)

// Tier is a named service level. The None sentinel means the track's quota
// is deprovisioned; Free is the default for new accounts. RPC-track tiers
// carry the " Archival MultiNode" suffix in their display/plan name.
type Tier string

const (
	TierNone       Tier = "None"
	TierFree       Tier = "Free"
	TierStarter    Tier = "Starter"
	TierGrowth     Tier = "Growth"
	TierBusiness   Tier = "Business"
	TierEnterprise Tier = "Enterprise"
)

// RPCSuffix distinguishes RPC-track plan names from API-track ones.
const RPCSuffix = " Archival MultiNode"

// RPCVariant returns the RPC-track name for a base tier. None stays None.
func (t Tier) RPCVariant() Tier {
	if t == TierNone {
		return TierNone
	}
	return t + RPCSuffix
}

// Base strips the RPC suffix, returning the underlying tier name.
func (t Tier) Base() Tier {
	return Tier(strings.TrimSuffix(string(t), RPCSuffix))
}

// Valid reports whether the tier is a member of the fixed enumeration,
// on either track.
func (t Tier) Valid() bool {
	switch t.Base() {
	case TierNone, TierFree, TierStarter, TierGrowth, TierBusiness, TierEnterprise:
		return true
	}
	return false
}

// Track is one of the two independent entitlement dimensions an account
// holds simultaneously. Carried explicitly on events; never inferred from
// tier display names inside the core.
type Track string

const (
	TrackAPI Track = "api"
	TrackRPC Track = "rpc"
)

// TierState is one track's entitlement: current tier, the external plan's
// published quota, consumption, and an optional paid-until date.
type TierState struct {
	Tier         Tier       `json:"tier"`
	RequestCount int64      `json:"requestCount"`
	RequestLimit int64      `json:"requestLimit"`
	PlanEndDate  *time.Time `json:"planEndDate,omitempty"`
}

// Account is one row per end user.
type Account struct {
	ID               string    `json:"id"`
	Email            string    `json:"email,omitempty"`
	WalletAddress    string    `json:"walletAddress,omitempty"`
	StripeCustomerID string    `json:"stripeCustomerId,omitempty"`
	APIKeyRef        string    `json:"apiKeyRef,omitempty"`
	API              TierState `json:"api"`
	RPC              TierState `json:"rpc"`
	ReferralCode     string    `json:"referralCode"`
	ReferrerCode     string    `json:"referrerCode,omitempty"`
	ReferralPoints   float64   `json:"referralPoints"`
	SubscriptionRef  string    `json:"subscriptionRef,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// New creates an account with a fresh referral code and both tracks on the
// default free tier. The caller is responsible for provisioning the access
// key and the initial quota associations before persisting.
func New(wallet, email, referrerCode string) *Account {
	now := time.Now()
	return &Account{
		ID:            idgen.WithPrefix("acc_"),
		Email:         email,
		WalletAddress: wallet,
		ReferralCode:  idgen.Hex(4),
		ReferrerCode:  referrerCode,
		API:           TierState{Tier: TierFree},
		RPC:           TierState{Tier: TierFree.RPCVariant()},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// State returns a pointer to the requested track's entitlement state.
func (a *Account) State(track Track) *TierState {
	if track == TrackRPC {
		return &a.RPC
	}
	return &a.API
}

// AgeDays returns the whole days elapsed since the account was created.
func (a *Account) AgeDays(now time.Time) int {
	return int(now.Sub(a.CreatedAt).Hours() / 24)
}

// Store persists accounts and the durable idempotency records that guard
// event redelivery. Update is last-writer-wins on the fields it touches.
type Store interface {
	Get(ctx context.Context, id string) (*Account, error)
	GetByWallet(ctx context.Context, wallet string) (*Account, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*Account, error)
	GetByReferralCode(ctx context.Context, code string) (*Account, error)
	Create(ctx context.Context, a *Account) error
	Update(ctx context.Context, a *Account) error
	List(ctx context.Context, offset, limit int) ([]*Account, error)

	// MarkEventProcessed records (source, eventID) once. It returns true
	// the first time the pair is seen and false on any replay, backed by a
	// uniqueness constraint so the guard holds across process instances.
	MarkEventProcessed(ctx context.Context, source, eventID string) (bool, error)
}
