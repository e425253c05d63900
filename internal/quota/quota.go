// Package quota orchestrates the external quota-enforcement service: it
// translates tier changes into plan association calls against access keys.
//
// The backing service is opaque. The one behavioural contract that matters
// here is idempotency: associating a key that is already on the target
// plan, or removing one that is already gone, is success, not failure.
package quota

import (
	"context"
	"errors"
	"time"

	"github.com/histori-net/entitlement/internal/account"
)

// Sentinels the low-level client uses to report "already in desired state".
var (
	ErrAlreadyAssociated = errors.New("quota: key already associated with plan")
	ErrNotAssociated     = errors.New("quota: key not associated with plan")
)

// Gateway is the surface the reconciliation engine drives tier changes
// through.
type Gateway interface {
	// Associate moves keyRef's association for a track from prevTier to
	// newTier. It removes the previous plan first when it differs and is
	// not the None sentinel, and treats "already associated" as success.
	Associate(ctx context.Context, keyRef string, prevTier, newTier account.Tier) error

	// Disassociate removes keyRef from the tier's plan, treating "already
	// removed" as success.
	Disassociate(ctx context.Context, keyRef string, tier account.Tier) error

	// TotalQuotaFor returns the monthly request quota published by the
	// external plan for the tier.
	TotalQuotaFor(ctx context.Context, tier account.Tier) (int64, error)

	// UsageFor returns the requests consumed by keyRef under the tier's
	// plan in [from, to].
	UsageFor(ctx context.Context, keyRef string, tier account.Tier, from, to time.Time) (int64, error)
}

// Client is the narrow transport to the external service, in external plan
// id terms. Implementations map "already in desired state" responses to
// ErrAlreadyAssociated / ErrNotAssociated.
type Client interface {
	CreateKey(ctx context.Context) (id, value string, err error)
	AddKeyToPlan(ctx context.Context, keyRef, planID string) error
	RemoveKeyFromPlan(ctx context.Context, keyRef, planID string) error
	PlanQuota(ctx context.Context, planID string) (int64, error)
	KeyUsage(ctx context.Context, keyRef, planID string, from, to time.Time) (int64, error)
}
