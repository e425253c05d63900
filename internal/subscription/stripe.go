package subscription

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
)

// kindByStripeType maps the Stripe event types this engine consumes.
var kindByStripeType = map[stripe.EventType]Kind{
	stripe.EventTypeCustomerSubscriptionCreated:      KindCreated,
	stripe.EventTypeCustomerSubscriptionUpdated:      KindUpdated,
	stripe.EventTypeCustomerSubscriptionDeleted:      KindDeleted,
	stripe.EventTypeCustomerSubscriptionTrialWillEnd: KindTrialEnding,
}

// FromStripeEvent validates a Stripe webhook event at the boundary and
// converts it into the core's tagged event model. ok is false for event
// types this engine does not consume.
func FromStripeEvent(e *stripe.Event) (Event, bool, error) {
	kind, consumed := kindByStripeType[e.Type]
	if !consumed {
		return Event{}, false, nil
	}

	var sub stripe.Subscription
	if err := json.Unmarshal(e.Data.Raw, &sub); err != nil {
		return Event{}, true, fmt.Errorf("event %s: malformed subscription payload: %w", e.ID, err)
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return Event{}, true, fmt.Errorf("event %s: no customer reference", e.ID)
	}

	ev := Event{
		ID:              e.ID,
		Kind:            kind,
		CustomerRef:     sub.Customer.ID,
		SubscriptionRef: sub.ID,
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			if item.Price.Product != nil {
				ev.ProductRef = item.Price.Product.ID
			}
			ev.UnitAmountCents = item.Price.UnitAmount
		}
	}
	if kind != KindTrialEnding && ev.ProductRef == "" {
		return Event{}, true, fmt.Errorf("event %s: no product reference", e.ID)
	}

	ev.Tier, ev.Track = ResolveProduct(ev.ProductRef)
	return ev, true, nil
}
