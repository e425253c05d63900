// Package subscription reconciles billing subscription events with the
// account ledger.
package subscription

import (
	"strings"

	"github.com/histori-net/entitlement/internal/account"
)

// Source tags billing idempotency records in the ledger.
const Source = "billing"

// Kind is the lifecycle phase a billing event describes.
type Kind string

const (
	KindCreated     Kind = "created"
	KindUpdated     Kind = "updated"
	KindDeleted     Kind = "deleted"
	KindTrialEnding Kind = "trial-ending"
)

// Event is a validated billing event. Tier and Track are resolved from the
// product reference at the boundary; the core never re-derives them from
// display names.
type Event struct {
	ID              string
	Kind            Kind
	CustomerRef     string
	SubscriptionRef string
	ProductRef      string
	UnitAmountCents int64
	Tier            account.Tier
	Track           account.Track
}

// tierByProduct maps billing product identifiers to tier names. An unknown
// product resolves to Free rather than an error so that unrelated products
// on the same billing account cannot break event handling.
var tierByProduct = map[string]account.Tier{
	"prod_Qm8v7qrPXe57FY": account.TierStarter,
	"prod_Qs8muZH1YGmilO": account.TierGrowth,
	"prod_Qs8nm4g18RXJmY": account.TierBusiness,
	"prod_R7DyVrhJf9ODdd": account.TierStarter.RPCVariant(),
	"prod_R7E0BTnFT7bEQ9": account.TierGrowth.RPCVariant(),
	"prod_R7E35yolSE6Eio": account.TierBusiness.RPCVariant(),
}

// ResolveProduct maps a product reference to its tier and track.
func ResolveProduct(productRef string) (account.Tier, account.Track) {
	tier, ok := tierByProduct[productRef]
	if !ok {
		return account.TierFree, account.TrackAPI
	}
	if strings.HasSuffix(string(tier), account.RPCSuffix) {
		return tier, account.TrackRPC
	}
	return tier, account.TrackAPI
}
